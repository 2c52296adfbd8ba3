package registry

import (
	"context"
	"sync"

	"github.com/tnewman/kafka-exchanger/pkg/inflight"
)

// Memory keeps bucket ids in process memory.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[int]struct{}
}

func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[int]struct{})}
}

func (m *Memory) For(owner string) inflight.BucketRegistry {
	return &memoryOwner{m: m, owner: owner}
}

type memoryOwner struct {
	m     *Memory
	owner string
}

func (o *memoryOwner) AddNewBucket(_ context.Context, bucketID int) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	ids, ok := o.m.buckets[o.owner]
	if !ok {
		ids = make(map[int]struct{})
		o.m.buckets[o.owner] = ids
	}
	ids[bucketID] = struct{}{}
	return nil
}

func (o *memoryOwner) CurrentBucketsCount(context.Context) (int, error) {
	o.m.mu.RLock()
	defer o.m.mu.RUnlock()
	return len(o.m.buckets[o.owner]), nil
}
