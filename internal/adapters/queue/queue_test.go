package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnrouter/fnrouter/internal/domain/model"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	q := New(Options{})
	assert.Equal(t, defaultRetryDelaySeconds*time.Second, q.retryDelay)
	assert.NotNil(t, q.timeProvider)
	assert.Nil(t, q.logger)

	q = New(Options{
		RetryDelay: 5 * time.Second,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	assert.Equal(t, 5*time.Second, q.retryDelay)
	assert.NotNil(t, q.logger)
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()

	// Validation runs before any database access, so a nil DB is fine here.
	q := New(Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, nil)
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, &model.EnqueueRequest{Type: "  "})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, &model.EnqueueRequest{Type: "fetch_feed", Priority: 101})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, &model.EnqueueRequest{Type: "fetch_feed", MaxRetries: -1})
	assert.Error(t, err)
}

func TestAdvisoryLockRequeueMinor(t *testing.T) {
	t.Parallel()

	a := advisoryLockRequeueMinor("fetch_feed")
	b := advisoryLockRequeueMinor("fetch_feed")
	assert.Equal(t, a, b)

	c := advisoryLockRequeueMinor("other_type")
	assert.NotEqual(t, a, c)

	// Keys must fit a signed int32 for pg_try_advisory_xact_lock.
	for _, jobType := range []string{"", "fetch_feed", "a", "scan_results", "x"} {
		key := advisoryLockRequeueMinor(jobType)
		assert.GreaterOrEqual(t, key, int64(0))
		assert.LessOrEqual(t, key, int64(1<<31-1))
	}
}

func TestCloneJSON(t *testing.T) {
	t.Parallel()

	assert.JSONEq(t, `{}`, string(cloneJSON(nil)))
	assert.JSONEq(t, `{}`, string(cloneJSON([]byte{})))

	src := []byte(`{"a":1}`)
	cloned := cloneJSON(src)
	require.JSONEq(t, `{"a":1}`, string(cloned))
	src[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(cloned))
}

func TestCompletionChannel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "job:done:abc-123", CompletionChannel("abc-123"))
}

func TestPublishCompletion_NilJobIsNoop(t *testing.T) {
	t.Parallel()

	// No client needed; events without a job are dropped before serialization.
	s := NewRedisCompletionStream(nil, nil)
	err := s.PublishCompletion(context.Background(), model.CompletionEvent{Type: model.CompletionCompleted})
	assert.NoError(t, err)
}
