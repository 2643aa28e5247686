package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/socraticlabs/bench/pipeline/queue"
)

func receive(t *testing.T, c queue.Consumer) queue.Delivery {
	t.Helper()
	select {
	case d, ok := <-c.Deliveries():
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return queue.Delivery{}
	}
}

func TestEnqueueConsume(t *testing.T) {
	ctx := context.Background()
	q := New("q")
	c, err := q.Consume(ctx, "g")
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, q.Enqueue(ctx, []byte("one")))
	require.NoError(t, q.Enqueue(ctx, []byte("two")))

	d1 := receive(t, c)
	require.Equal(t, "one", string(d1.Payload))
	require.Equal(t, 1, d1.Attempt)
	require.NoError(t, d1.Ack(ctx))

	d2 := receive(t, c)
	require.Equal(t, "two", string(d2.Payload))
	require.NoError(t, d2.Ack(ctx))
}

func TestBacklogDeliveredToFirstGroup(t *testing.T) {
	ctx := context.Background()
	q := New("q")
	require.NoError(t, q.Enqueue(ctx, []byte("early")))
	require.Equal(t, 1, q.Len("g"))

	c, err := q.Consume(ctx, "g")
	require.NoError(t, err)
	defer c.Close(ctx)

	d := receive(t, c)
	require.Equal(t, "early", string(d.Payload))
	require.NoError(t, d.Ack(ctx))
}

func TestNackRedeliversWithIncrementedAttempt(t *testing.T) {
	ctx := context.Background()
	q := New("q")
	c, err := q.Consume(ctx, "g")
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, q.Enqueue(ctx, []byte("retry me")))

	d := receive(t, c)
	require.Equal(t, 1, d.Attempt)
	require.NoError(t, d.Nack(ctx))

	again := receive(t, c)
	require.Equal(t, d.ID, again.ID)
	require.Equal(t, 2, again.Attempt)
	require.Equal(t, "retry me", string(again.Payload))
	require.NoError(t, again.Ack(ctx))
}

func TestFanOutAcrossGroups(t *testing.T) {
	ctx := context.Background()
	q := New("q")
	c1, err := q.Consume(ctx, "g1")
	require.NoError(t, err)
	defer c1.Close(ctx)
	c2, err := q.Consume(ctx, "g2")
	require.NoError(t, err)
	defer c2.Close(ctx)

	require.NoError(t, q.Enqueue(ctx, []byte("broadcast")))

	d1 := receive(t, c1)
	d2 := receive(t, c2)
	require.Equal(t, "broadcast", string(d1.Payload))
	require.Equal(t, "broadcast", string(d2.Payload))
	require.NoError(t, d1.Ack(ctx))
	require.NoError(t, d2.Ack(ctx))
}

func TestConsumeSameGroupTwiceSharesConsumer(t *testing.T) {
	ctx := context.Background()
	q := New("q")
	c1, err := q.Consume(ctx, "g")
	require.NoError(t, err)
	c2, err := q.Consume(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, c1, c2)
	c1.Close(ctx)
}

func TestCloseStopsDeliveries(t *testing.T) {
	ctx := context.Background()
	q := New("q")
	c, err := q.Consume(ctx, "g")
	require.NoError(t, err)
	c.Close(ctx)
	// Close is idempotent.
	c.Close(ctx)

	select {
	case _, ok := <-c.Deliveries():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery channel did not close")
	}
}
