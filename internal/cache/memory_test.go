package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksid/internal/contract"
)

func TestMemoryPutGetHasDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	has, err := m.Has(ctx, "k")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, m.Put(ctx, "k", "v", time.Minute))

	has, err = m.Has(ctx, "k")
	require.NoError(t, err)
	require.True(t, has)

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", val)

	require.NoError(t, m.Delete(ctx, "k"))

	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, contract.ErrCacheKeyNotFound)
}

func TestMemoryEntryExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10 * time.Millisecond)

	require.NoError(t, m.Put(ctx, "k", "v", 10*time.Millisecond))

	require.Eventually(t, func() bool {
		_, err := m.Get(ctx, "k")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
