// Package ensemble groups members into ensembles, one xinbox.Bus per
// ensemble and one callback client per active member.
//
// The ensemble registry lives in memory; only the inboxes are stored in the
// configured backend.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xinbox"
)

// ErrManagerClosed is returned by every call after Close.
var ErrManagerClosed = errors.New("ensemble: manager is closed")

// Config selects the storage shared by every ensemble of a Manager.
type Config struct {
	Storage xinbox.BackendConfig
	// PollInterval is the idle wait of member delivery loops (default 50ms).
	PollInterval time.Duration
	// MachineID seeds message ids; nil derives it from the network.
	MachineID *uint16
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *xlog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(c xclock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithObserver attaches observers to every ensemble bus.
func WithObserver(obs ...xinbox.Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, obs...) }
}

// WithMiddleware wraps every member handler.
func WithMiddleware(mw ...xinbox.Middleware) Option {
	return func(m *Manager) { m.middlewares = append(m.middlewares, mw...) }
}

// Manager owns the ensembles built on one storage configuration.
type Manager struct {
	registry    *xinbox.Registry
	cfg         Config
	logger      *xlog.Logger
	clock       xclock.Clock
	observers   []xinbox.Observer
	middlewares []xinbox.Middleware

	mu        sync.RWMutex
	ensembles map[string]*Ensemble
	closed    bool
}

// Ensemble is a named group of members sharing one bus.
type Ensemble struct {
	ID        string
	Name      string
	CreatedAt time.Time

	bus *xinbox.Bus

	mu      sync.RWMutex
	members map[string]*member
}

type member struct {
	info   Member
	client *xinbox.CallbackClient
}

// Member describes one participant of an ensemble.
type Member struct {
	ID       string
	Name     string
	Active   bool
	JoinedAt time.Time
}

// NewManager validates cfg.Storage and resolves its backend through registry.
// The registry stays owned by the caller.
func NewManager(registry *xinbox.Registry, cfg Config, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("ensemble: nil registry")
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  registry,
		cfg:       cfg,
		logger:    xlog.Default(),
		clock:     xclock.Default(),
		ensembles: make(map[string]*Ensemble),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	// Fail fast on an unreachable backend.
	if _, err := registry.Backend(cfg.Storage); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateEnsemble builds the bus for a new ensemble.
func (m *Manager) CreateEnsemble(_ context.Context, name string) (*Ensemble, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	id := uuid.NewString()
	bb := xinbox.NewBusBuilder().
		WithID(id).
		WithBackendConfig(m.registry, m.cfg.Storage).
		WithLogger(m.logger).
		WithClock(m.clock).
		WithObserver(m.observers...).
		WithMiddleware(m.middlewares...)
	if m.cfg.PollInterval > 0 {
		bb.WithPollInterval(m.cfg.PollInterval)
	}
	if m.cfg.MachineID != nil {
		bb.WithMachineID(*m.cfg.MachineID)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("ensemble: create %q: %w", name, err)
	}

	e := &Ensemble{
		ID:        id,
		Name:      name,
		CreatedAt: m.clock.Now(),
		bus:       bus,
		members:   make(map[string]*member),
	}
	m.ensembles[id] = e
	m.logger.With(xlog.Str("ensemble_id", id), xlog.Str("name", name)).Info().Msg("ensemble created")
	return e, nil
}

// Ensemble looks up an ensemble by id.
func (m *Manager) Ensemble(id string) (*Ensemble, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	e, ok := m.ensembles[id]
	if !ok {
		return nil, &xinbox.NotFoundError{Kind: "ensemble", ID: id}
	}
	return e, nil
}

// Ensembles returns every ensemble ordered by creation time.
func (m *Manager) Ensembles() []*Ensemble {
	m.mu.RLock()
	out := make([]*Ensemble, 0, len(m.ensembles))
	for _, e := range m.ensembles {
		out = append(out, e)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Ensemble) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// AddMember registers a new active member whose messages are delivered to handler.
func (m *Manager) AddMember(ctx context.Context, ensembleID, name string, handler xinbox.Handler, opts ...xinbox.CallbackOption) (Member, error) {
	e, err := m.Ensemble(ensembleID)
	if err != nil {
		return Member{}, err
	}

	info := Member{ID: uuid.NewString(), Name: name, Active: true, JoinedAt: m.clock.Now()}
	client, err := xinbox.NewCallbackClient(ctx, info.ID, e.bus, handler, opts...)
	if err != nil {
		return Member{}, fmt.Errorf("ensemble: add member %q: %w", name, err)
	}

	e.mu.Lock()
	e.members[info.ID] = &member{info: info, client: client}
	e.mu.Unlock()

	m.logger.With(xlog.Str("ensemble_id", e.ID), xlog.Str("member_id", info.ID), xlog.Str("name", name)).
		Debug().Msg("member added")
	return info, nil
}

// DeactivateMember stops a member's delivery loop and drops its inbox. The
// member stays listed as inactive.
func (m *Manager) DeactivateMember(ctx context.Context, ensembleID, memberID string) error {
	e, err := m.Ensemble(ensembleID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	mem, ok := e.members[memberID]
	if !ok {
		e.mu.Unlock()
		return &xinbox.NotFoundError{Kind: "member", BusID: ensembleID, ID: memberID}
	}
	wasActive := mem.info.Active
	mem.info.Active = false
	e.mu.Unlock()

	if !wasActive {
		return nil
	}
	return mem.client.Unregister(ctx)
}

// Send posts content on behalf of an active member. Without explicit
// recipients it reaches every other active member.
func (m *Manager) Send(ctx context.Context, ensembleID, senderID string, content map[string]any, opts ...xinbox.MessageOption) (*xinbox.Message, error) {
	e, err := m.Ensemble(ensembleID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	mem, ok := e.members[senderID]
	active := ok && mem.info.Active
	e.mu.RUnlock()
	if !ok {
		return nil, &xinbox.NotFoundError{Kind: "member", BusID: ensembleID, ID: senderID}
	}
	if !active {
		return nil, fmt.Errorf("ensemble: member %q is inactive: %w", senderID, xinbox.ErrClientClosed)
	}
	return mem.client.SendMessage(ctx, content, opts...)
}

// Retract removes a message the member sent from the given recipients
// ("*" for everyone).
func (m *Manager) Retract(ctx context.Context, ensembleID, senderID string, recipientIDs []string, id xinbox.MessageID) error {
	e, err := m.Ensemble(ensembleID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	mem, ok := e.members[senderID]
	e.mu.RUnlock()
	if !ok {
		return &xinbox.NotFoundError{Kind: "member", BusID: ensembleID, ID: senderID}
	}
	return mem.client.RemoveSentMessage(ctx, recipientIDs, id)
}

// Members lists an ensemble's members ordered by join time.
func (m *Manager) Members(ensembleID string) ([]Member, error) {
	e, err := m.Ensemble(ensembleID)
	if err != nil {
		return nil, err
	}
	return e.Members(), nil
}

// RemoveEnsemble deactivates every member and forgets the ensemble.
func (m *Manager) RemoveEnsemble(ctx context.Context, ensembleID string) error {
	m.mu.Lock()
	e, ok := m.ensembles[ensembleID]
	delete(m.ensembles, ensembleID)
	m.mu.Unlock()
	if !ok {
		return &xinbox.NotFoundError{Kind: "ensemble", ID: ensembleID}
	}
	return e.shutdown(ctx, true)
}

// Close stops every ensemble. Inboxes are kept and the registry stays open.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ensembles := m.ensembles
	m.ensembles = map[string]*Ensemble{}
	m.mu.Unlock()

	var errs []error
	for _, e := range ensembles {
		if err := e.shutdown(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus exposes the ensemble's bus.
func (e *Ensemble) Bus() *xinbox.Bus { return e.bus }

// Members lists the ensemble's members ordered by join time.
func (e *Ensemble) Members() []Member {
	e.mu.RLock()
	out := make([]Member, 0, len(e.members))
	for _, mem := range e.members {
		out = append(out, mem.info)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// ActiveMembers returns the ids of members currently receiving messages.
func (e *Ensemble) ActiveMembers() []string {
	var ids []string
	for _, mem := range e.Members() {
		if mem.Active {
			ids = append(ids, mem.ID)
		}
	}
	return ids
}

func (e *Ensemble) shutdown(ctx context.Context, dropInboxes bool) error {
	var errs []error
	if dropInboxes {
		e.mu.Lock()
		var clients []*xinbox.CallbackClient
		for _, mem := range e.members {
			if mem.info.Active {
				mem.info.Active = false
				clients = append(clients, mem.client)
			}
		}
		e.mu.Unlock()
		for _, c := range clients {
			if err := c.Unregister(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := e.bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
