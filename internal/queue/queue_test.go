package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/queue"
	"github.com/2389/coven-gateway/internal/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return queue.New(s.DB())
}

func TestSendAndClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, "messages", map[string]string{"hello": "world"}, queue.SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Claim(ctx, "messages")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, queue.StateActive, job.State)

	require.NoError(t, q.Complete(ctx, job.ID))
	sizes, err := q.GetQueueSize(ctx, "messages")
	require.NoError(t, err)
	require.Equal(t, 1, sizes.Completed)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Claim(context.Background(), "messages")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestSingletonKeyDropsDuplicate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Send(ctx, "messages", "payload-1", queue.SendOptions{SingletonKey: "sk1"})
	require.NoError(t, err)

	id2, err := q.Send(ctx, "messages", "payload-2", queue.SendOptions{SingletonKey: "sk1"})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "duplicate singleton key must not enqueue a second job")

	sizes, err := q.GetQueueSize(ctx, "messages")
	require.NoError(t, err)
	require.Equal(t, 1, sizes.Waiting)
}

func TestRetryRequeuesUntilLimitThenFails(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "messages", "payload", queue.SendOptions{RetryLimit: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "messages")
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, job))

	time.Sleep(5 * time.Millisecond)
	job2, err := q.Claim(ctx, "messages")
	require.NoError(t, err)
	require.NotNil(t, job2, "job should be redelivered after its retry delay")
	require.Equal(t, 1, job2.RetryCount)

	require.NoError(t, q.Retry(ctx, job2))
	sizes, err := q.GetQueueSize(ctx, "messages")
	require.NoError(t, err)
	require.Equal(t, 1, sizes.Failed, "retry limit exhausted should mark the job permanently failed")
}

func TestGetJobByIDNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.GetJobByID(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestWorkInvokesHandlerAndCompletes(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Send(ctx, "thread_message_worker-abc", "payload", queue.SendOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go q.Work(ctx, "thread_message_worker-abc", func(_ context.Context, job *queue.Job) error {
		close(done)
		return nil
	}, queue.WorkOptions{TeamSize: 1, TeamConcurrency: 1, PollInterval: 5 * time.Millisecond})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}
