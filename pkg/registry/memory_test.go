package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnewman/kafka-exchanger/pkg/inflight"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := m.For("group/input-0")
	b := m.For("group/input-1")

	n, err := a.CurrentBucketsCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, a.AddNewBucket(ctx, 0))
	require.NoError(t, a.AddNewBucket(ctx, 1))
	require.NoError(t, a.AddNewBucket(ctx, 1))
	require.NoError(t, b.AddNewBucket(ctx, 0))

	n, err = a.CurrentBucketsCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.For("group/input-1").CurrentBucketsCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_StorageRestart(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := inflight.New[struct{}](inflight.Options{ItemsInBucket: 1, Registry: m.For("owner")})
	require.NoError(t, first.Init(ctx, 2))
	for i := 0; i < 4; i++ {
		_, err := first.Push(ctx, inflight.NewMessageInfo[struct{}](0))
		require.NoError(t, err)
	}

	// a new ring for the same owner starts with every bucket announced before
	second := inflight.New[struct{}](inflight.Options{ItemsInBucket: 1, Registry: m.For("owner")})
	require.NoError(t, second.Init(ctx, 1))
	assert.Equal(t, 4, second.Cap())
}
