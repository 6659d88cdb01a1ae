package xinbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DefaultPollInterval is how long an idle delivery loop waits between polls
// when no local send wakes it.
const DefaultPollInterval = 50 * time.Millisecond

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	id string

	backendInst Backend
	registry    *Registry
	backendCfg  *BackendConfig

	machineID    *uint16
	generator    *IDGenerator
	routing      RoutingPolicy
	middlewares  []Middleware
	observers    []Observer
	logger       *xlog.Logger
	clock        xclock.Clock
	pollInterval time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{pollInterval: DefaultPollInterval}
}

// WithID fixes the bus id. By default a random UUID is used.
func (bb *BusBuilder) WithID(id string) *BusBuilder {
	bb.id = id
	return bb
}

// WithBackend accepts a ready engine instance. The bus never closes it.
func (bb *BusBuilder) WithBackend(b Backend) *BusBuilder {
	bb.backendInst = b
	return bb
}

// WithBackendConfig resolves the engine through reg, sharing it with every
// other bus built from an equal configuration.
func (bb *BusBuilder) WithBackendConfig(reg *Registry, cfg BackendConfig) *BusBuilder {
	bb.registry = reg
	bb.backendCfg = &cfg
	return bb
}

// WithMachineID sets the id generator's machine id. By default it is
// derived from the host's network address.
func (bb *BusBuilder) WithMachineID(id uint16) *BusBuilder {
	bb.machineID = &id
	return bb
}

// WithIDGenerator shares an existing generator, e.g. across the buses of one process.
func (bb *BusBuilder) WithIDGenerator(g *IDGenerator) *BusBuilder {
	bb.generator = g
	return bb
}

func (bb *BusBuilder) WithRoutingPolicy(p RoutingPolicy) *BusBuilder {
	bb.routing = p
	return bb
}

// WithMiddleware adds handler middlewares applied to every callback client.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool dispatches observer events asynchronously.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	if bb.poolWorkers < 1 {
		bb.poolWorkers = 4
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithPollInterval sets the idle wait of callback client delivery loops.
func (bb *BusBuilder) WithPollInterval(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.pollInterval = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var backend Backend
	switch {
	case bb.backendInst != nil:
		backend = bb.backendInst
	case bb.backendCfg != nil:
		reg := bb.registry
		if reg == nil {
			reg = NewRegistry()
		}
		b, err := reg.Backend(*bb.backendCfg)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, ErrNoBackendConfigured
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}

	gen := bb.generator
	if gen == nil {
		machine := MachineIDFromNetwork()
		if bb.machineID != nil {
			machine = *bb.machineID
		}
		g, err := NewIDGenerator(machine, WithGeneratorClock(clk))
		if err != nil {
			return nil, err
		}
		gen = g
	}

	id := bb.id
	if id == "" {
		id = uuid.NewString()
	}

	routing := bb.routing
	if routing == nil {
		routing = BroadcastPolicy{}
	}

	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		id:           id,
		backend:      backend,
		gen:          gen,
		routing:      routing,
		clock:        clk,
		logger:       lg.With(xlog.Str("bus_id", id)),
		middlewares:  bb.middlewares,
		pollInterval: bb.pollInterval,
		metrics:      &busMetrics{},
		clients:      make(map[string]*membership),
	}
	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
