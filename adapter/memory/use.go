package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xinbox"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus on a fresh in-process engine.
//
// Example:
//
//	bus := memory.Use(
//	    memory.WithBusID("team-a"),
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
//
// Use panics if the bus cannot be built; in-process construction only fails
// on programmer error (e.g. a machine id above xinbox.MaxMachineID).
func Use(opts ...Option) *xinbox.Bus {
	bb := xinbox.NewBusBuilder().WithBackend(NewBackend())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// Option configures the xinbox.Bus when calling Use.
type Option func(*xinbox.BusBuilder)

func WithBusID(id string) Option {
	return func(b *xinbox.BusBuilder) { b.WithID(id) }
}

func WithMachineID(id uint16) Option {
	return func(b *xinbox.BusBuilder) { b.WithMachineID(id) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xinbox.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xinbox.BusBuilder) { b.WithClock(c) }
}

// WithMiddleware adds handler middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xinbox.Middleware) Option {
	return func(b *xinbox.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithPollInterval sets the idle wait of delivery loops.
func WithPollInterval(d time.Duration) Option {
	return func(b *xinbox.BusBuilder) { b.WithPollInterval(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xinbox.Observer) Option {
	return func(b *xinbox.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xinbox.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
