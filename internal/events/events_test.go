package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	p := New(Config{Enabled: true, BufferSize: 4})
	sub := p.Subscribe(Filter{Ops: []string{"put"}})
	defer sub.Unsubscribe()

	p.Publish(Event{Op: "put", Keys: []string{"k"}, Version: 1})
	p.Publish(Event{Op: "delete", Keys: []string{"k"}})

	select {
	case e := <-sub.C:
		require.Equal(t, "put", e.Op)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case e := <-sub.C:
		t.Fatalf("unexpected second event: %+v", e)
	default:
	}
}

func TestKeyPatternFilter(t *testing.T) {
	p := New(Config{Enabled: true, BufferSize: 4})
	sub := p.Subscribe(Filter{KeyPattern: "user:*"})
	defer sub.Unsubscribe()

	p.Publish(Event{Op: "put", Keys: []string{"order:1"}})
	p.Publish(Event{Op: "put", Keys: []string{"user:1"}})

	select {
	case e := <-sub.C:
		require.Equal(t, []string{"user:1"}, e.Keys)
	case <-time.After(time.Second):
		t.Fatal("expected matching event")
	}
}

func TestDisabledPublisherDropsEverything(t *testing.T) {
	p := New(Config{Enabled: false, BufferSize: 4})
	sub := p.Subscribe(Filter{})
	defer sub.Unsubscribe()

	p.Publish(Event{Op: "put"})

	select {
	case <-sub.C:
		t.Fatal("disabled publisher must not deliver")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackpressureDropsWithoutBlocking(t *testing.T) {
	p := New(Config{Enabled: true, BufferSize: 1})
	sub := p.Subscribe(Filter{})
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Publish(Event{Op: "put"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish must never block on a full subscriber buffer")
	}
}
