// Package registry keeps the bucket ids announced by every ring so a
// restarted process can reconcile its ring size with what was persisted.
// Rings are told apart by an owner string, usually group and partition.
package registry

import (
	"github.com/tnewman/kafka-exchanger/pkg/inflight"
)

// Provider hands out the bucket registry of one owner.
type Provider interface {
	For(owner string) inflight.BucketRegistry
}
