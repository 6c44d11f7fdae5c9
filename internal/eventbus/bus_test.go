package eventbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/workflowcore/internal/eventbus"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

func testEvent(eventType domain.EventType) *domain.Event {
	return domain.NewEvent("evt-1", "wf-1", 1, "system", eventType, "hi", nil, nil)
}

func TestBus_Emit_DeliversToSubscribersInOrder(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var order []int

	bus.Subscribe(func(e *domain.Event) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	bus.Subscribe(func(e *domain.Event) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	bus.Emit(testEvent(domain.EventWorkflowStarted))

	assert.Equal(t, []int{1, 2}, order)
}

func TestBus_Emit_SubscriberPanicDoesNotStarveOthers(t *testing.T) {
	bus := eventbus.New()
	var secondCalled bool

	bus.Subscribe(func(e *domain.Event) {
		panic("boom")
	})
	bus.Subscribe(func(e *domain.Event) {
		secondCalled = true
	})

	require.NotPanics(t, func() {
		bus.Emit(testEvent(domain.EventWorkflowStarted))
	})
	assert.True(t, secondCalled)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := eventbus.New()
	var called bool
	id := bus.Subscribe(func(e *domain.Event) { called = true })
	bus.Unsubscribe(id)

	bus.Emit(testEvent(domain.EventWorkflowStarted))
	assert.False(t, called)
}

type fakeFanout struct {
	mu        sync.Mutex
	broadcast []*domain.Event
	stream    []*domain.Event
}

func (f *fakeFanout) Broadcast(e *domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, e)
}

func (f *fakeFanout) BroadcastStream(e *domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = append(f.stream, e)
}

func TestBus_Emit_SchedulesFanoutBroadcast(t *testing.T) {
	bus := eventbus.New()
	fo := &fakeFanout{}
	bus.SetFanout(fo)

	bus.Emit(testEvent(domain.EventWorkflowStarted))
	bus.Cleanup()

	fo.mu.Lock()
	defer fo.mu.Unlock()
	require.Len(t, fo.broadcast, 1)
	assert.Empty(t, fo.stream)
}

func TestBus_EmitStream_SkipsSubscribersPersistsNothing(t *testing.T) {
	bus := eventbus.New()
	fo := &fakeFanout{}
	bus.SetFanout(fo)

	var subscriberCalled bool
	bus.Subscribe(func(e *domain.Event) { subscriberCalled = true })

	bus.EmitStream(testEvent(domain.EventTraceToken))
	bus.Cleanup()

	assert.False(t, subscriberCalled)
	fo.mu.Lock()
	defer fo.mu.Unlock()
	require.Len(t, fo.stream, 1)
	assert.Empty(t, fo.broadcast)
}

func TestBus_Cleanup_AwaitsOutstandingFanout(t *testing.T) {
	bus := eventbus.New()
	fo := &slowFanout{delay: 20 * time.Millisecond}
	bus.SetFanout(fo)

	bus.Emit(testEvent(domain.EventWorkflowStarted))
	bus.Cleanup()

	assert.True(t, fo.done.Load())
}

type slowFanout struct {
	delay time.Duration
	done  atomicBool
}

func (f *slowFanout) Broadcast(e *domain.Event) {
	time.Sleep(f.delay)
	f.done.Store(true)
}

func (f *slowFanout) BroadcastStream(e *domain.Event) {}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) Store(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (a *atomicBool) Load() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
