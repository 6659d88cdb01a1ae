package xinbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
	"gopkg.in/tomb.v2"
)

// ClientState is the lifecycle state of a CallbackClient.
type ClientState int32

const (
	StateRegistered ClientState = iota
	StateDelivering
	StateUnregistered
)

func (s ClientState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateDelivering:
		return "delivering"
	case StateUnregistered:
		return "unregistered"
	default:
		return fmt.Sprintf("ClientState(%d)", int32(s))
	}
}

// CallbackClient is a push-style participant. A delivery loop polls its inbox
// and hands each message to the handler, one at a time, in inbox order.
//
// Handler errors and panics are logged and never stop the loop. Read errors
// are retried after a backoff. A handler must not call Unregister on its own
// client synchronously; Unregister waits for the running handler to return.
type CallbackClient struct {
	participant

	handler      Handler
	wake         <-chan struct{}
	pollInterval time.Duration
	maxBackoff   time.Duration
	logger       *xlog.Logger

	state  atomic.Int32
	t      tomb.Tomb
	cursor MessageID // owned by the loop goroutine

	stopOnce sync.Once
	stopErr  error
}

// CallbackOption configures a CallbackClient.
type CallbackOption func(*CallbackClient)

// WithClientPollInterval overrides the bus poll interval for this client.
func WithClientPollInterval(d time.Duration) CallbackOption {
	return func(c *CallbackClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxErrorBackoff caps the wait after consecutive read failures (default 5s).
func WithMaxErrorBackoff(d time.Duration) CallbackOption {
	return func(c *CallbackClient) {
		if d > 0 {
			c.maxBackoff = d
		}
	}
}

// WithHandlerMiddleware wraps this client's handler inside the bus middlewares.
func WithHandlerMiddleware(mw ...Middleware) CallbackOption {
	return func(c *CallbackClient) {
		c.handler = Chain(c.handler, mw...)
	}
}

// WithClientLogger replaces the bus logger for this client.
func WithClientLogger(l *xlog.Logger) CallbackOption {
	return func(c *CallbackClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCallbackClient registers id on bus and starts delivering its inbox to handler.
func NewCallbackClient(ctx context.Context, id string, bus *Bus, handler Handler, opts ...CallbackOption) (*CallbackClient, error) {
	if bus == nil {
		return nil, fmt.Errorf("xinbox: client %q: nil bus", id)
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	c := &CallbackClient{
		participant:  participant{id: id, bus: bus},
		handler:      RecoveryMiddleware()(handler),
		pollInterval: bus.pollInterval,
		maxBackoff:   5 * time.Second,
		logger:       bus.logger,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	c.handler = Chain(c.handler, bus.middlewares...)
	c.logger = c.logger.With(xlog.Str("client_id", id))

	if err := bus.register(ctx, id, c); err != nil {
		return nil, err
	}
	return c, nil
}

// start runs the delivery loop. The bus calls it once the client is
// registered.
func (c *CallbackClient) start(wake chan struct{}) {
	c.wake = wake
	c.state.Store(int32(StateRegistered))
	c.t.Go(c.loop)
}

// State returns the current lifecycle state.
func (c *CallbackClient) State() ClientState { return ClientState(c.state.Load()) }

// Done is closed once the delivery loop has exited.
func (c *CallbackClient) Done() <-chan struct{} { return c.t.Dead() }

// Unregister stops the delivery loop, waits for an in-flight handler to
// return and removes the client's inbox. No handler starts after it returns.
// If ctx expires first the loop still stops, but Unregister returns ctx.Err().
func (c *CallbackClient) Unregister(ctx context.Context) error {
	return c.stop(ctx, true)
}

func (c *CallbackClient) stop(ctx context.Context, removeInbox bool) error {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		c.t.Kill(nil)

		select {
		case <-c.t.Dead():
		case <-ctx.Done():
			c.stopErr = ctx.Err()
		}
		c.state.Store(int32(StateUnregistered))

		if err := c.bus.unregister(ctx, c.id, removeInbox); err != nil && c.stopErr == nil {
			c.stopErr = err
		}
	})
	return c.stopErr
}

func (c *CallbackClient) loop() error {
	c.state.CompareAndSwap(int32(StateRegistered), int32(StateDelivering))

	ctx := c.t.Context(nil)
	hctx := injectLogger(ctx, c.logger)
	hctx = injectClock(hctx, c.bus.clock)
	hctx = injectBus(hctx, c.bus)
	hctx = injectClientID(hctx, c.id)

	failures := 0
	for {
		select {
		case <-c.t.Dying():
			return nil
		default:
		}

		msg, err := c.bus.NextUnread(ctx, c.id, c.cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.bus.metrics.pollErrors.Add(1)
			c.bus.notify(Event{Type: PollFailed, ClientID: c.id, Err: err})
			if !c.wait(c.backoff(failures)) {
				return nil
			}
			continue
		}
		failures = 0

		if msg == nil {
			c.cursor = NoCursor
			if !c.wait(c.pollInterval) {
				return nil
			}
			continue
		}

		select {
		case <-c.t.Dying():
			return nil
		default:
		}
		c.deliver(hctx, msg)
		c.cursor = msg.ID()
	}
}

func (c *CallbackClient) deliver(ctx context.Context, msg *Message) {
	start := c.bus.clock.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		err = c.handler(ctx, msg)
	}()
	duration := c.bus.clock.Since(start)
	c.bus.recordHandlerTime(duration.Nanoseconds())

	e := Event{ClientID: c.id, MessageID: msg.ID(), Priority: msg.Priority(), Duration: duration, Err: err}
	if err != nil {
		c.bus.metrics.handlerErrors.Add(1)
		e.Type = HandlerFailed
	} else {
		c.bus.metrics.deliveredCount.Add(1)
		e.Type = MessageDelivered
	}
	// Failures reach the log through the bus LoggingObserver.
	c.bus.notify(e)
}

// wait sleeps for d, returning early when woken by a send. It returns false
// once the client is stopping.
func (c *CallbackClient) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.t.Dying():
		return false
	case <-c.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (c *CallbackClient) backoff(failures int) time.Duration {
	d := c.pollInterval
	for i := 1; i < failures && d < c.maxBackoff; i++ {
		d *= 2
	}
	return min(d, c.maxBackoff)
}
