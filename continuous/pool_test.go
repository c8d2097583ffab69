package continuous

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
)

func TestPool_Exhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 2, nil)
	block := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	require.NoError(t, pool.Spawn("a", block))
	require.NoError(t, pool.Spawn("b", block))

	err := pool.Spawn("c", block)
	assert.ErrorIs(t, err, tof.ErrSpawn)
	assert.Contains(t, err.Error(), "c")

	cancel()
	assert.NoError(t, pool.Wait())
}

func TestPool_Unlimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 0, nil)
	for range 32 {
		require.NoError(t, pool.Spawn("task", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}))
	}
	cancel()
	assert.NoError(t, pool.Wait())
}
