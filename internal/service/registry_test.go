package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnrouter/fnrouter/internal/domain/model"
)

func noopHandler(context.Context, *model.Task) model.HandlerResult {
	return model.HandlerResult{Success: true}
}

func TestHandlerRegistry_Register(t *testing.T) {
	t.Parallel()
	r := NewHandlerRegistry()

	require.NoError(t, r.Register("sweep", HandlerDescriptor{Run: noopHandler}))
	assert.True(t, r.Has("sweep"))

	err := r.Register("sweep", HandlerDescriptor{Run: noopHandler})
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	assert.Error(t, r.Register("", HandlerDescriptor{Run: noopHandler}))
	assert.Error(t, r.Register("no-run", HandlerDescriptor{}))
}

func TestHandlerRegistry_GetReturnsDescriptor(t *testing.T) {
	t.Parallel()
	r := NewHandlerRegistry()

	require.NoError(t, r.Register("sweep", HandlerDescriptor{
		Run:     noopHandler,
		Timeout: 30 * time.Second,
	}))

	desc, ok := r.Get("sweep")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, desc.Timeout)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestHandlerRegistry_Unregister(t *testing.T) {
	t.Parallel()
	r := NewHandlerRegistry()

	require.NoError(t, r.Register("sweep", HandlerDescriptor{Run: noopHandler}))
	r.Unregister("sweep")
	assert.False(t, r.Has("sweep"))

	// Idempotent.
	r.Unregister("sweep")
}

func TestHandlerRegistry_TypesSorted(t *testing.T) {
	t.Parallel()
	r := NewHandlerRegistry()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(name, HandlerDescriptor{Run: noopHandler}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Types())
}

func TestInstanceIDService(t *testing.T) {
	t.Parallel()

	a := NewInstanceIDService()
	assert.NotEmpty(t, a.InstanceID())
	assert.Equal(t, a.InstanceID(), a.InstanceID())

	b := NewInstanceIDService()
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}
