package xinbox

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Bus)(nil)

// Bus is the per-ensemble routing context. It owns the inbox of every
// registered client on one Backend and mints ids for their messages.
type Bus struct {
	id           string
	backend      Backend
	gen          *IDGenerator
	routing      RoutingPolicy
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	pollInterval time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once

	clientsMu sync.RWMutex
	clients   map[string]*membership
	// closing is set under clientsMu once Close has begun.
	closing bool
}

// membership is the bus-side record of a registered client.
type membership struct {
	// wake is signalled without blocking whenever a message is enqueued for
	// the client; only callback clients listen to it.
	wake     chan struct{}
	callback *CallbackClient
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	sentCount      atomic.Uint64
	enqueuedCount  atomic.Uint64
	deliveredCount atomic.Uint64
	handlerErrors  atomic.Uint64
	pollErrors     atomic.Uint64
	retractedCount atomic.Uint64
	errorCount     atomic.Uint64
	handlerNs      atomic.Int64
}

func (b *Bus) ID() string { return b.id }

// Backend returns the storage engine the bus writes inboxes to.
func (b *Bus) Backend() Backend { return b.backend }

// IDGenerator returns the bus's id generator.
func (b *Bus) IDGenerator() *IDGenerator { return b.gen }

// NewMessageID mints an id for a message of priority p.
func (b *Bus) NewMessageID(p Priority) (MessageID, error) { return b.gen.NextID(p) }

// RegisterClient creates the inbox for clientID. Registering an id twice
// fails with *DuplicateError.
func (b *Bus) RegisterClient(ctx context.Context, clientID string) error {
	return b.register(ctx, clientID, nil)
}

func (b *Bus) register(ctx context.Context, clientID string, cb *CallbackClient) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if clientID == "" {
		return &ConfigurationError{Field: "client_id", Reason: "must not be empty"}
	}

	b.clientsMu.RLock()
	err := b.admitLocked(clientID)
	b.clientsMu.RUnlock()
	if err != nil {
		return err
	}

	// The inbox must exist before Send can route to the new id. CreateInbox
	// is idempotent, so a concurrent registration of the same id is settled
	// by the second check below.
	if err := b.backend.CreateInbox(ctx, b.id, clientID); err != nil {
		b.metrics.errorCount.Add(1)
		return fmt.Errorf("xinbox: create inbox for %q: %w", clientID, err)
	}

	b.clientsMu.Lock()
	if err := b.admitLocked(clientID); err != nil {
		b.clientsMu.Unlock()
		return err
	}
	m := &membership{wake: make(chan struct{}, 1), callback: cb}
	b.clients[clientID] = m
	if cb != nil {
		// Started under the lock so Close either sees a running loop or
		// rejects the registration.
		cb.start(m.wake)
	}
	b.clientsMu.Unlock()

	b.notify(Event{Type: ClientRegistered, ClientID: clientID})
	return nil
}

func (b *Bus) admitLocked(clientID string) error {
	if b.closing {
		return ErrBusClosed
	}
	if _, ok := b.clients[clientID]; ok {
		return &DuplicateError{BusID: b.id, ClientID: clientID}
	}
	return nil
}

// UnregisterClient removes clientID and its inbox. A callback client's
// delivery loop is stopped first.
func (b *Bus) UnregisterClient(ctx context.Context, clientID string) error {
	b.clientsMu.RLock()
	m, ok := b.clients[clientID]
	b.clientsMu.RUnlock()
	if !ok {
		return clientNotFound(b.id, clientID)
	}
	if m.callback != nil {
		return m.callback.Unregister(ctx)
	}
	return b.unregister(ctx, clientID, true)
}

func (b *Bus) unregister(ctx context.Context, clientID string, removeInbox bool) error {
	b.clientsMu.Lock()
	_, ok := b.clients[clientID]
	delete(b.clients, clientID)
	b.clientsMu.Unlock()
	if !ok {
		return nil
	}

	b.notify(Event{Type: ClientUnregistered, ClientID: clientID})
	if !removeInbox {
		return nil
	}
	if err := b.backend.RemoveInbox(ctx, b.id, clientID); err != nil {
		b.metrics.errorCount.Add(1)
		return fmt.Errorf("xinbox: remove inbox for %q: %w", clientID, err)
	}
	return nil
}

// Clients returns the registered client ids in sorted order.
func (b *Bus) Clients() []string {
	b.clientsMu.RLock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.clientsMu.RUnlock()
	slices.Sort(ids)
	return ids
}

// IsRegistered reports whether clientID currently has an inbox on the bus.
func (b *Bus) IsRegistered(clientID string) bool {
	b.clientsMu.RLock()
	_, ok := b.clients[clientID]
	b.clientsMu.RUnlock()
	return ok
}

// Send writes one copy of msg into each recipient inbox and returns the
// recipients. Explicit recipients must all be registered; otherwise the
// routing policy picks them. Send never waits for delivery. When an inbox
// write fails, the recipients already written are returned with the error.
func (b *Bus) Send(ctx context.Context, msg *Message) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	b.clientsMu.RLock()
	var recipients []string
	if msg.HasRecipients() {
		for _, r := range msg.recipients {
			if _, ok := b.clients[r]; !ok {
				b.clientsMu.RUnlock()
				b.metrics.errorCount.Add(1)
				return nil, clientNotFound(b.id, r)
			}
		}
		recipients = msg.Recipients()
	} else {
		registered := make([]string, 0, len(b.clients))
		for id := range b.clients {
			registered = append(registered, id)
		}
		slices.Sort(registered)
		recipients = b.routing.Route(msg, registered)
	}
	b.clientsMu.RUnlock()

	b.metrics.sentCount.Add(1)
	start := b.clock.Now()

	for i, r := range recipients {
		if err := b.backend.AddMessageToInbox(ctx, b.id, r, msg); err != nil {
			b.metrics.errorCount.Add(1)
			b.notify(Event{Type: Error, ClientID: r, MessageID: msg.ID(), Priority: msg.Priority(), Err: err})
			return recipients[:i], fmt.Errorf("xinbox: enqueue %d for %q: %w", msg.ID(), r, err)
		}
		b.metrics.enqueuedCount.Add(1)
	}

	b.clientsMu.RLock()
	for _, r := range recipients {
		if m, ok := b.clients[r]; ok {
			select {
			case m.wake <- struct{}{}:
			default:
			}
		}
	}
	b.clientsMu.RUnlock()

	b.notify(Event{
		Type:       MessageSent,
		ClientID:   msg.Sender(),
		MessageID:  msg.ID(),
		Priority:   msg.Priority(),
		Recipients: len(recipients),
		Duration:   b.clock.Since(start),
	})
	return recipients, nil
}

// NextUnread acknowledges cursor and returns the next queued message for
// clientID, or nil when its inbox is empty.
func (b *Bus) NextUnread(ctx context.Context, clientID string, cursor MessageID) (*Message, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.backend.GetNextUnreadMessage(ctx, b.id, clientID, cursor)
}

// RemoveReceivedMessage retracts message id sent by senderID from the listed
// inboxes. A first recipient of "*" means every registered client.
func (b *Bus) RemoveReceivedMessage(ctx context.Context, senderID string, recipientIDs []string, id MessageID) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(recipientIDs) == 0 {
		return fmt.Errorf("%w: recipient ids must not be empty", ErrInvalidMessage)
	}
	if recipientIDs[0] == "*" {
		recipientIDs = b.Clients()
	}
	if err := b.backend.RemoveReceivedMessage(ctx, b.id, senderID, recipientIDs, id); err != nil {
		b.metrics.errorCount.Add(1)
		return fmt.Errorf("xinbox: retract %d: %w", id, err)
	}
	b.metrics.retractedCount.Add(1)
	b.notify(Event{Type: MessageRetracted, ClientID: senderID, MessageID: id, Priority: id.Priority(), Recipients: len(recipientIDs)})
	return nil
}

// SetRoutingPolicy replaces the policy used for unaddressed messages.
func (b *Bus) SetRoutingPolicy(p RoutingPolicy) {
	if p == nil {
		p = BroadcastPolicy{}
	}
	b.clientsMu.Lock()
	b.routing = p
	b.clientsMu.Unlock()
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	b.clientsMu.RLock()
	active := len(b.clients)
	b.clientsMu.RUnlock()
	return Metrics{
		Sent:             b.metrics.sentCount.Load(),
		Enqueued:         b.metrics.enqueuedCount.Load(),
		Delivered:        b.metrics.deliveredCount.Load(),
		HandlerErrors:    b.metrics.handlerErrors.Load(),
		PollErrors:       b.metrics.pollErrors.Load(),
		Retracted:        b.metrics.retractedCount.Load(),
		Errors:           b.metrics.errorCount.Load(),
		ActiveClients:    active,
		EventsDropped:    b.observerPool.Stats().Dropped,
		AvgHandlerTimeMs: float64(b.metrics.handlerNs.Load()) / 1e6,
	}
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded if more than 5% of storage calls failed.
	if ops := metrics.Enqueued + metrics.Delivered + metrics.PollErrors; ops > 0 {
		failed := metrics.Errors + metrics.PollErrors
		if float64(failed)/float64(ops) > 0.05 {
			status = "degraded"
			msg = "storage error rate above 5%"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
		Message:   msg,
	}
}

// Close stops every callback client's delivery loop and drains the observer
// pool. Inboxes are left in place and the backend stays open; it belongs to
// whoever supplied it.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.clientsMu.Lock()
		b.closing = true
		var callbacks []*CallbackClient
		for _, m := range b.clients {
			if m.callback != nil {
				callbacks = append(callbacks, m.callback)
			}
		}
		b.clientsMu.Unlock()

		for _, cb := range callbacks {
			if err := cb.stop(ctx, false); err != nil {
				b.logger.Warn().Err(err).Msg("xinbox: callback client did not stop cleanly")
				closeErr = err
			}
		}

		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xinbox: observer pool shutdown timeout")
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes the first observer equal to obs. Observers that
// cannot be compared, such as an ObserverFunc, are never matched and stay
// registered.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.ValueOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.ValueOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify hands e to the observer pool when one is configured and calls the
// observers inline otherwise.
func (b *Bus) notify(e Event) {
	if b.closed.Load() {
		return
	}
	e.BusID = b.id

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordHandlerTime keeps an exponential moving average of handler time.
func (b *Bus) recordHandlerTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.handlerNs.Load()
	if current == 0 {
		b.metrics.handlerNs.Store(ns)
		return
	}
	b.metrics.handlerNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
