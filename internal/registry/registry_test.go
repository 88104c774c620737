package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/pattern"
	"github.com/durapensa/ksid/internal/registry"
)

func noop(ctx context.Context, env *contract.Envelope) (contract.Result, error) {
	return contract.Result{"ok": true}, nil
}

func TestRegisterResolveExact(t *testing.T) {
	r := registry.New(pattern.New())

	r.Register("x:y", "mod", "H", noop)

	handlers := r.Resolve("x:y")
	require.Len(t, handlers, 1)
}

func TestResolvePriorityOrdering(t *testing.T) {
	r := registry.New(pattern.New())

	r.Register("x:y", "mod", "low", noop, registry.WithPriority(80))
	r.Register("x:y", "mod", "high", noop, registry.WithPriority(10))
	r.Register("x:y", "mod", "mid", noop, registry.WithPriority(50))

	handlers := r.Resolve("x:y")
	require.Len(t, handlers, 3)
	require.Equal(t, "high", handlers[0].Name)
	require.Equal(t, "mid", handlers[1].Name)
	require.Equal(t, "low", handlers[2].Name)
}

func TestResolveStableTieBreakByRegistrationOrder(t *testing.T) {
	r := registry.New(pattern.New())

	r.Register("x:y", "mod", "first", noop, registry.WithPriority(50))
	r.Register("x:y", "mod", "second", noop, registry.WithPriority(50))

	handlers := r.Resolve("x:y")
	require.Len(t, handlers, 2)
	require.Equal(t, "first", handlers[0].Name)
	require.Equal(t, "second", handlers[1].Name)
}

func TestRegisterIsIdempotentPerIdentity(t *testing.T) {
	r := registry.New(pattern.New())

	id1 := r.Register("x:y", "mod", "H", noop, registry.WithPriority(80))
	id2 := r.Register("x:y", "mod", "H", noop, registry.WithPriority(10))

	require.Equal(t, id1, id2)
	require.Equal(t, 1, r.Count())

	handlers := r.Resolve("x:y")
	require.Len(t, handlers, 1)
	require.Equal(t, 10, handlers[0].Priority)
}

func TestResolveCombinesExactAndPatternHandlers(t *testing.T) {
	r := registry.New(pattern.New())

	r.Register("agent:spawn", "mod", "exact", noop)
	r.Register("agent:*", "mod", "glob", noop)

	handlers := r.Resolve("agent:spawn")
	require.Len(t, handlers, 2)
}

func TestUnregister(t *testing.T) {
	r := registry.New(pattern.New())

	id := r.Register("x:y", "mod", "H", noop)
	require.Len(t, r.Resolve("x:y"), 1)

	r.Unregister(id)
	require.Empty(t, r.Resolve("x:y"))
	require.Equal(t, 0, r.Count())
}

func TestUnregisterModule(t *testing.T) {
	r := registry.New(pattern.New())

	r.Register("x:y", "modA", "H1", noop)
	r.Register("x:z", "modA", "H2", noop)
	r.Register("x:y", "modB", "H3", noop)

	removed := r.UnregisterModule("modA")
	require.Equal(t, 2, removed)
	require.Equal(t, 1, r.Count())
}

func TestResolveMemoizationInvalidatesOnMutation(t *testing.T) {
	r := registry.New(pattern.New())

	require.Empty(t, r.Resolve("x:y"))

	r.Register("x:y", "mod", "H", noop)
	require.Len(t, r.Resolve("x:y"), 1)
}
