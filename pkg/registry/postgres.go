package registry

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/tnewman/kafka-exchanger/pkg/inflight"
)

const bucketsSchema = `CREATE TABLE IF NOT EXISTS exchanger_buckets (
	owner TEXT NOT NULL,
	bucket_id INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner, bucket_id)
);`

// Postgres keeps bucket ids in the exchanger_buckets table.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the lib/pq driver and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	p := NewPostgres(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, bucketsSchema); err != nil {
		return fmt.Errorf("failed to create exchanger_buckets: %w", err)
	}
	return nil
}

func (p *Postgres) For(owner string) inflight.BucketRegistry {
	return &postgresOwner{db: p.db, owner: owner}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type postgresOwner struct {
	db    *sql.DB
	owner string
}

func (o *postgresOwner) AddNewBucket(ctx context.Context, bucketID int) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO exchanger_buckets (owner, bucket_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		o.owner, bucketID)
	if err != nil {
		return fmt.Errorf("failed to add bucket %d for %s: %w", bucketID, o.owner, err)
	}
	return nil
}

func (o *postgresOwner) CurrentBucketsCount(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exchanger_buckets WHERE owner = $1`,
		o.owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count buckets for %s: %w", o.owner, err)
	}
	return n, nil
}
