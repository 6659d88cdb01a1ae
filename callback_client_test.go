package xinbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xinbox"
	"github.com/trickstertwo/xinbox/adapter/memory"
)

// inbox collects delivered messages for assertions.
type inbox struct {
	mu   sync.Mutex
	msgs []*xinbox.Message
	ch   chan *xinbox.Message
}

func newInbox() *inbox { return &inbox{ch: make(chan *xinbox.Message, 128)} }

func (in *inbox) handle(_ context.Context, m *xinbox.Message) error {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
	in.ch <- m
	return nil
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) next(t *testing.T) *xinbox.Message {
	t.Helper()
	select {
	case m := <-in.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery within 2s")
		return nil
	}
}

func newCallback(t *testing.T, bus *xinbox.Bus, id string, h xinbox.Handler, opts ...xinbox.CallbackOption) *xinbox.CallbackClient {
	t.Helper()
	c, err := xinbox.NewCallbackClient(context.Background(), id, bus, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Unregister(context.Background()) })
	return c
}

func TestCallbackDelivery(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	got := newInbox()
	a := newCallback(t, bus, "a", func(context.Context, *xinbox.Message) error { return nil })
	newCallback(t, bus, "b", got.handle)

	sent, err := a.SendMessage(ctx, map[string]any{"content": "Hello!"}, xinbox.WithRecipients("b"))
	require.NoError(t, err)

	m := got.next(t)
	assert.True(t, sent.Equal(m))
	assert.Equal(t, map[string]any{"content": "Hello!"}, m.Content())

	// Exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.count())
	assert.Equal(t, uint64(1), bus.GetMetrics().Delivered)
}

func TestCallbackDeliversInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	sender := newClient(t, bus, "sender")

	got := newInbox()
	gate := make(chan struct{})
	newCallback(t, bus, "r", func(ctx context.Context, m *xinbox.Message) error {
		<-gate
		return got.handle(ctx, m)
	})

	var sent []*xinbox.Message
	for _, p := range []xinbox.Priority{xinbox.PriorityLowest, xinbox.PriorityNormal, xinbox.PriorityUrgent} {
		m, err := sender.SendMessage(ctx, map[string]any{"p": p.String()}, xinbox.WithRecipients("r"), xinbox.WithPriority(p))
		require.NoError(t, err)
		sent = append(sent, m)
	}
	close(gate)

	delivered := []*xinbox.Message{got.next(t), got.next(t), got.next(t)}
	ids := make([]xinbox.MessageID, 0, 3)
	for _, m := range delivered {
		ids = append(ids, m.ID())
	}
	assert.ElementsMatch(t, []xinbox.MessageID{sent[0].ID(), sent[1].ID(), sent[2].ID()}, ids)

	// The loop may have picked up the first send before the others arrived;
	// everything after it comes out most urgent first.
	assert.Less(t, ids[1], ids[2])
	assert.Contains(t, ids[:2], sent[2].ID(), "urgent message delivered late")
}

func TestCallbackHandlerContext(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	sender := newClient(t, bus, "s")

	type seen struct {
		client string
		bus    *xinbox.Bus
		logger bool
		clock  bool
	}
	ch := make(chan seen, 1)
	newCallback(t, bus, "r", func(ctx context.Context, _ *xinbox.Message) error {
		var s seen
		s.client, _ = xinbox.ClientIDFromContext(ctx)
		s.bus, _ = xinbox.BusFromContext(ctx)
		_, s.logger = xinbox.LoggerFromContext(ctx)
		_, s.clock = xinbox.ClockFromContext(ctx)
		ch <- s
		return nil
	})

	_, err := sender.SendMessage(ctx, map[string]any{}, xinbox.WithRecipients("r"))
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.Equal(t, "r", s.client)
		assert.Same(t, bus, s.bus)
		assert.True(t, s.logger)
		assert.True(t, s.clock)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestCallbackSurvivesHandlerFailures(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	bus := newBus(t, memory.WithObserver(rec))
	sender := newClient(t, bus, "s")

	got := newInbox()
	var calls atomic.Int32
	newCallback(t, bus, "r", func(ctx context.Context, m *xinbox.Message) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		default:
			return got.handle(ctx, m)
		}
	})

	for i := range 3 {
		_, err := sender.SendMessage(ctx, map[string]any{"i": i}, xinbox.WithRecipients("r"))
		require.NoError(t, err)
	}

	m := got.next(t)
	assert.Equal(t, map[string]any{"i": int64(2)}, m.Content())

	metrics := bus.GetMetrics()
	assert.Equal(t, uint64(2), metrics.HandlerErrors)
	assert.Equal(t, uint64(1), metrics.Delivered)

	// One event per failure; the bus logs failures only through its observer.
	var failed []xinbox.Event
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Type == xinbox.HandlerFailed {
			failed = append(failed, e)
		}
	}
	rec.mu.Unlock()
	require.Len(t, failed, 2)
	assert.ErrorContains(t, failed[0].Err, "boom")
	assert.ErrorIs(t, failed[1].Err, xinbox.ErrHandlerPanic)
	assert.Equal(t, "r", failed[0].ClientID)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	sender := newClient(t, bus, "s")

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	cb, err := xinbox.NewCallbackClient(ctx, "r", bus, func(context.Context, *xinbox.Message) error {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, []xinbox.ClientState{xinbox.StateRegistered, xinbox.StateDelivering}, cb.State())

	for i := range 5 {
		_, err := sender.SendMessage(ctx, map[string]any{"i": i}, xinbox.WithRecipients("r"))
		require.NoError(t, err)
	}
	<-started

	// Unregister while a handler is in flight: it may finish, nothing else starts.
	done := make(chan error, 1)
	go func() { done <- cb.Unregister(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister did not return")
	}
	after := calls.Load()
	assert.Equal(t, int32(1), after)
	assert.Equal(t, xinbox.StateUnregistered, cb.State())
	assert.False(t, bus.IsRegistered("r"))

	select {
	case <-cb.Done():
	default:
		t.Fatal("delivery loop still running")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())

	_, err = cb.SendMessage(ctx, map[string]any{})
	assert.ErrorIs(t, err, xinbox.ErrClientClosed)
	require.NoError(t, cb.Unregister(ctx))
}

func TestUnregisterViaBus(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	cb := newCallback(t, bus, "r", func(context.Context, *xinbox.Message) error { return nil })

	require.NoError(t, bus.UnregisterClient(ctx, "r"))
	assert.Equal(t, xinbox.StateUnregistered, cb.State())
	<-cb.Done()
}

func TestWakeOnSend(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t, memory.WithPollInterval(time.Hour))
	sender := newClient(t, bus, "s")
	got := newInbox()
	newCallback(t, bus, "r", got.handle)

	// Let the loop reach its idle wait.
	time.Sleep(20 * time.Millisecond)

	_, err := sender.SendMessage(ctx, map[string]any{}, xinbox.WithRecipients("r"))
	require.NoError(t, err)
	got.next(t)
}

func TestPollErrorsBackOffAndRecover(t *testing.T) {
	ctx := context.Background()
	fb := &failingBackend{Backend: memory.NewBackend(), readFails: 3}
	rec := &recorder{}
	bus, err := xinbox.NewBusBuilder().
		WithBackend(fb).
		WithMachineID(1).
		WithPollInterval(time.Millisecond).
		WithObserver(rec).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(ctx) })

	sender := newClient(t, bus, "s")
	got := newInbox()
	newCallback(t, bus, "r", got.handle, xinbox.WithMaxErrorBackoff(10*time.Millisecond))

	_, err = sender.SendMessage(ctx, map[string]any{}, xinbox.WithRecipients("r"))
	require.NoError(t, err)
	got.next(t)

	assert.Equal(t, uint64(3), bus.GetMetrics().PollErrors)
	assert.Contains(t, rec.types(), xinbox.PollFailed)
}

func TestCallbackMiddlewareOrder(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var order []string
	mark := func(name string) xinbox.Middleware {
		return func(next xinbox.Handler) xinbox.Handler {
			return func(ctx context.Context, m *xinbox.Message) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, m)
			}
		}
	}

	bus := newBus(t, memory.WithMiddleware(mark("bus")))
	sender := newClient(t, bus, "s")
	got := newInbox()
	newCallback(t, bus, "r", got.handle, xinbox.WithHandlerMiddleware(mark("client")))

	_, err := sender.SendMessage(ctx, map[string]any{}, xinbox.WithRecipients("r"))
	require.NoError(t, err)
	got.next(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bus", "client"}, order)
}

func TestBusCloseStopsCallbacks(t *testing.T) {
	ctx := context.Background()
	bus := memory.Use(memory.WithMachineID(1))
	var calls atomic.Int32
	cb, err := xinbox.NewCallbackClient(ctx, "r", bus, func(context.Context, *xinbox.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Close(ctx))
	<-cb.Done()
	assert.Equal(t, xinbox.StateUnregistered, cb.State())
	assert.Empty(t, bus.Clients())
}

func TestNilHandler(t *testing.T) {
	bus := newBus(t)
	_, err := xinbox.NewCallbackClient(context.Background(), "r", bus, nil)
	assert.ErrorIs(t, err, xinbox.ErrNilHandler)
	assert.False(t, bus.IsRegistered("r"))
}
