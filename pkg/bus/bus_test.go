package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notePayload struct {
	N int
}

func (notePayload) Kind() string { return "note" }

func TestPublishAssignsMonotonicSeqPerTopic(t *testing.T) {
	b := New(8)
	defer b.Close()

	for i := 1; i <= 3; i++ {
		seq, err := b.Publish(TopicCycles, "test", notePayload{N: i})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// Other topics count independently.
	seq, err := b.Publish(TopicHealth, "test", notePayload{N: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	b := New(32)
	defer b.Close()

	received := make(chan Event, 32)
	_, err := b.Subscribe(TopicResults, "collector", func(e Event) {
		received <- e
	})
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		_, err := b.Publish(TopicResults, "test", notePayload{N: i})
		require.NoError(t, err)
	}

	var lastSeq uint64
	for i := 0; i < n; i++ {
		select {
		case e := <-received:
			assert.Greater(t, e.Seq, lastSeq, "events must arrive in publish order")
			assert.Equal(t, notePayload{N: i}, e.Payload)
			lastSeq = e.Seq
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

// TestOverflowDropsOnlyForStalledSubscriber publishes 15 events at queue
// depth 10 with one subscriber paused: the paused subscriber loses the
// overflow, the live one sees everything, and the publisher never blocks.
func TestOverflowDropsOnlyForStalledSubscriber(t *testing.T) {
	const (
		depth  = 10
		events = 15
	)
	b := New(depth)
	defer b.Close()

	var overflowMu sync.Mutex
	var overflows []QueueOverflow
	b.OnOverflow(func(o QueueOverflow) {
		overflowMu.Lock()
		overflows = append(overflows, o)
		overflowMu.Unlock()
	})

	release := make(chan struct{})
	pausedGot := make(chan Event, events)
	_, err := b.Subscribe(TopicResults, "paused", func(e Event) {
		<-release
		pausedGot <- e
	})
	require.NoError(t, err)

	liveGot := make(chan Event, events)
	_, err = b.Subscribe(TopicResults, "live", func(e Event) {
		liveGot <- e
	})
	require.NoError(t, err)

	// Let the paused subscriber's dispatch goroutine pull one event off the
	// queue and block inside the handler, so exactly `depth` more fit.
	_, err = b.Publish(TopicResults, "test", notePayload{N: 0})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	published := make(chan struct{})
	go func() {
		for i := 1; i < events; i++ {
			_, _ = b.Publish(TopicResults, "test", notePayload{N: i})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	// Live subscriber saw every event.
	for i := 0; i < events; i++ {
		select {
		case <-liveGot:
		case <-time.After(2 * time.Second):
			t.Fatalf("live subscriber missed event %d", i)
		}
	}

	close(release)

	// With the handler released the queue drains: the paused subscriber got
	// the parked event plus a full queue, nothing more.
	delivered := 0
	for delivered < depth+1 {
		select {
		case <-pausedGot:
			delivered++
		case <-time.After(2 * time.Second):
			t.Fatalf("paused subscriber drained %d events, want %d", delivered, depth+1)
		}
	}
	select {
	case e := <-pausedGot:
		t.Fatalf("paused subscriber received surplus event %v", e.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	overflowMu.Lock()
	defer overflowMu.Unlock()
	require.Len(t, overflows, events-delivered, "drops must account for every undelivered event")
	for _, o := range overflows {
		assert.Equal(t, "paused", o.Subscriber)
		assert.Equal(t, TopicResults, o.Topic)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(8)
	defer b.Close()

	got := make(chan Event, 8)
	sub, err := b.Subscribe(TopicCycles, "once", func(e Event) {
		got <- e
	})
	require.NoError(t, err)

	_, err = b.Publish(TopicCycles, "test", notePayload{N: 1})
	require.NoError(t, err)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	sub.Cancel()
	_, err = b.Publish(TopicCycles, "test", notePayload{N: 2})
	require.NoError(t, err)

	select {
	case e := <-got:
		t.Fatalf("received event %v after cancel", e.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	b := New(8)
	b.Close()

	_, err := b.Publish(TopicCycles, "test", notePayload{N: 1})
	assert.Error(t, err)

	_, err = b.Subscribe(TopicCycles, "late", func(Event) {})
	assert.Error(t, err)
}
