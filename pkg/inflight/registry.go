package inflight

import "context"

// BucketRegistry is the external bookkeeping of bucket ids. Storage reads the
// number of already known buckets during Init and announces every bucket it
// allocates beyond that.
type BucketRegistry interface {
	AddNewBucket(ctx context.Context, bucketID int) error
	CurrentBucketsCount(ctx context.Context) (int, error)
}

// RegistryFuncs adapts a pair of functions to BucketRegistry. Nil functions
// behave as an empty registry.
type RegistryFuncs struct {
	Add   func(ctx context.Context, bucketID int) error
	Count func(ctx context.Context) (int, error)
}

func (r RegistryFuncs) AddNewBucket(ctx context.Context, bucketID int) error {
	if r.Add == nil {
		return nil
	}
	return r.Add(ctx, bucketID)
}

func (r RegistryFuncs) CurrentBucketsCount(ctx context.Context) (int, error) {
	if r.Count == nil {
		return 0, nil
	}
	return r.Count(ctx)
}
