package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Bus = (*MemoryBus)(nil)

func TestPublish_NoSubscribers(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer b.Stop()

	r, err := b.Publish(NewEvent("opportunity", "agentX", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, r.EventID)
	assert.Zero(t, r.Matched)
	assert.Zero(t, r.Enqueued)
}

func TestPublish_EmptyTopic(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer b.Stop()

	_, err := b.Publish(Event{Source: "a"})
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestSubscribe_RejectsNilHandler(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer b.Stop()

	_, err := b.Subscribe("task.created", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	assert.Zero(t, b.SubscriberCount())
}

func TestSubscribe_RejectsInvalidPattern(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer b.Stop()

	for _, p := range []string{"", "a..b", "a.>.b", "a.b*"} {
		_, err := b.Subscribe(p, func(Event) error { return nil })
		assert.ErrorIs(t, err, ErrInvalidPattern, "pattern %q", p)
	}
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"task.created", "task.created", true},
		{"task.created", "task.failed", false},
		{"task.*", "task.created", true},
		{"task.*", "task.created.extra", false},
		{"*.created", "task.created", true},
		{"agent.>", "agent.a1", true},
		{"agent.>", "agent.a1.task", true},
		{"agent.>", "agent", false},
		{">", "anything.at.all", true},
		{"*", "single", true},
		{"*", "two.parts", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s~%s", tt.pattern, tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestPerPublisherOrdering(t *testing.T) {
	b := NewMemoryBus(Config{QueueSize: 1024})
	defer b.Stop()

	const n = 500
	var mu sync.Mutex
	got := make(map[string][]int)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sub-%d", i)
		_, err := b.Subscribe("orders.*", func(ev Event) error {
			mu.Lock()
			got[id] = append(got[id], ev.Payload.(int))
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		_, err := b.Publish(NewEvent("orders.new", "publisher-1", i))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, seq := range got {
			if len(seq) != n {
				return false
			}
		}
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, seq := range got {
		for i := range seq {
			require.Equal(t, i, seq[i], "subscriber %s out of order", id)
		}
	}
}

func TestOverload_DropsNewestAndSignals(t *testing.T) {
	b := NewMemoryBus(Config{QueueSize: 64})
	defer b.Stop()

	release := make(chan struct{})
	var delivered atomic.Int32
	_, err := b.Subscribe("work", func(ev Event) error {
		<-release
		delivered.Add(1)
		return nil
	}, WithQueueSize(1), WithOwner("slow"))
	require.NoError(t, err)

	var overloads atomic.Int32
	_, err = b.Subscribe(TopicDiagnostics, func(ev Event) error {
		if d, ok := ev.Payload.(Diagnostic); ok && d.Kind == KindSubscriberOverloaded {
			overloads.Add(1)
		}
		return nil
	})
	require.NoError(t, err)

	dropped := 0
	start := time.Now()
	for i := 0; i < 10; i++ {
		r, err := b.Publish(NewEvent("work", "p", i))
		require.NoError(t, err)
		dropped += r.Dropped
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "publish must not block")
	assert.Greater(t, dropped, 0)

	close(release)
	require.Eventually(t, func() bool { return overloads.Load() == int32(dropped) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return delivered.Load() == int32(10-dropped) }, time.Second, 5*time.Millisecond)
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := NewMemoryBus(Config{MaxAttempts: 2})
	defer b.Stop()

	var calls atomic.Int32
	_, err := b.Subscribe("boom", func(Event) error {
		calls.Add(1)
		panic("handler exploded")
	})
	require.NoError(t, err)

	var healthy atomic.Int32
	_, err = b.Subscribe("boom", func(Event) error {
		healthy.Add(1)
		return nil
	})
	require.NoError(t, err)

	var failures atomic.Int32
	_, err = b.Subscribe(TopicDiagnostics, func(ev Event) error {
		if d, ok := ev.Payload.(Diagnostic); ok && d.Kind == KindHandlerFailed {
			failures.Add(1)
		}
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(NewEvent("boom", "p", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return calls.Load() == 2 && healthy.Load() == 1 && failures.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandlerErrorRedelivered(t *testing.T) {
	b := NewMemoryBus(Config{MaxAttempts: 3})
	defer b.Stop()

	var calls atomic.Int32
	_, err := b.Subscribe("flaky", func(Event) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(NewEvent("flaky", "p", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeOwner(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer b.Stop()

	noop := func(Event) error { return nil }
	_, err := b.Subscribe("a", noop, WithOwner("knowledge"))
	require.NoError(t, err)
	_, err = b.Subscribe("b", noop, WithOwner("knowledge"))
	require.NoError(t, err)
	keep, err := b.Subscribe("c", noop, WithOwner("coordinator"))
	require.NoError(t, err)

	assert.Equal(t, 2, b.UnsubscribeOwner("knowledge"))
	assert.Equal(t, 1, b.SubscriberCount())

	require.NoError(t, b.Unsubscribe(keep))
	assert.ErrorIs(t, b.Unsubscribe(keep), ErrUnknownSub)
	assert.Zero(t, b.SubscriberCount())
}

func TestStop_RejectsFurtherUse(t *testing.T) {
	b := NewMemoryBus(Config{})
	_, err := b.Subscribe("x", func(Event) error { return nil })
	require.NoError(t, err)

	b.Stop()
	assert.Zero(t, b.SubscriberCount())

	_, err = b.Publish(NewEvent("x", "p", nil))
	assert.ErrorIs(t, err, ErrBusStopped)
	_, err = b.Subscribe("x", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusStopped)

	b.Stop()
}
