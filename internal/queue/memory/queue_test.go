package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

func item(target string) scrape.WorkItem {
	return scrape.WorkItem{Target: scrape.Target{Domain: target}}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan scrape.WorkItem, 1)
	errCh := make(chan error, 1)

	go func() {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- got
	}()

	require.NoError(t, q.Enqueue(context.Background(), item("jobs.example")))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "jobs.example", got.Target.Domain)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), item("a")))
	err = q.Enqueue(ctx, item("b"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), item("a")))
	require.NoError(t, q.Enqueue(context.Background(), item("b")))
	require.Equal(t, 2, q.Len())
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), item("c")), ErrClosed)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", got.Target.Domain)
	got, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", got.Target.Domain)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
