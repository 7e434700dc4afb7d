package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(ForPlan("plan-a"))
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: "task.started", PlanID: "plan-a"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, "task.started", e.Type)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_FilterExcludesOtherPlans(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(ForPlan("plan-a"))
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: "task.started", PlanID: "plan-b"})

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PlanAgnosticEventReachesEveryFilter(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(ForPlan("plan-a"))
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: "orchestrator.shutdown"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, "orchestrator.shutdown", e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for plan-agnostic event")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(nil)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestBus_NilFilterAdmitsEverything(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: "anything", PlanID: "whatever"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, "anything", e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestBus_PublishNeverBlocksUnderOverflow(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	// Publish well past the subscriber's bounded buffer without draining;
	// Publish must never block regardless of backlog size.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			bus.Publish(Event{Type: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked under backlog, violating the non-blocking delivery contract")
	}
	require.NotNil(t, sub)
}
