package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xinbox"
)

func init() {
	if err := xinbox.RegisterBackend(xinbox.EngineMemory, func(cfg xinbox.BackendConfig) (xinbox.Backend, error) {
		return NewBackend(), nil
	}); err != nil {
		panic(fmt.Errorf("xinbox/memory: failed to register backend: %w", err))
	}
}

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("xinbox/memory: backend is closed")

// Backend keeps inboxes in process memory. Each inbox is a slice sorted by
// (message id, sender) behind its own mutex, so readers of different inboxes never
// contend. Nothing survives the process.
type Backend struct {
	mu      sync.RWMutex
	inboxes map[inboxKey]*inbox

	closed atomic.Bool

	// Metrics for observability
	metrics *backendMetrics
}

type backendMetrics struct {
	added     atomic.Uint64
	acked     atomic.Uint64
	retracted atomic.Uint64
}

type inboxKey struct {
	bus    string
	client string
}

type inbox struct {
	mu      sync.Mutex
	entries []*xinbox.Message
}

var _ xinbox.Backend = (*Backend)(nil)

// NewBackend creates an empty in-process engine.
func NewBackend() *Backend {
	return &Backend{
		inboxes: make(map[inboxKey]*inbox),
		metrics: &backendMetrics{},
	}
}

func (b *Backend) CreateInbox(_ context.Context, busID, clientID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	key := inboxKey{busID, clientID}
	b.mu.Lock()
	if _, ok := b.inboxes[key]; !ok {
		b.inboxes[key] = &inbox{}
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) RemoveInbox(_ context.Context, busID, clientID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	delete(b.inboxes, inboxKey{busID, clientID})
	b.mu.Unlock()
	return nil
}

func (b *Backend) AddMessageToInbox(_ context.Context, busID, clientID string, msg *xinbox.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	in := b.lookup(busID, clientID)
	if in == nil {
		return xinbox.InboxNotFound(busID, clientID)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	idx, found := in.search(msg.ID(), msg.Sender())
	if found {
		return nil
	}
	in.entries = slices.Insert(in.entries, idx, msg)
	b.metrics.added.Add(1)
	return nil
}

func (b *Backend) GetNextUnreadMessage(_ context.Context, busID, clientID string, cursor xinbox.MessageID) (*xinbox.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	in := b.lookup(busID, clientID)
	if in == nil {
		return nil, nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if cursor != xinbox.NoCursor {
		// The first entry with the cursor id is the one handed out last.
		if idx, _ := in.search(cursor, ""); idx < len(in.entries) && in.entries[idx].ID() == cursor {
			in.entries = slices.Delete(in.entries, idx, idx+1)
			b.metrics.acked.Add(1)
		}
	}
	if len(in.entries) == 0 {
		return nil, nil
	}
	return in.entries[0], nil
}

func (b *Backend) RemoveReceivedMessage(_ context.Context, busID, senderID string, recipientIDs []string, id xinbox.MessageID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	for _, r := range recipientIDs {
		in := b.lookup(busID, r)
		if in == nil {
			continue
		}
		in.mu.Lock()
		if idx, found := in.search(id, senderID); found {
			in.entries = slices.Delete(in.entries, idx, idx+1)
			b.metrics.retracted.Add(1)
		}
		in.mu.Unlock()
	}
	return nil
}

// Close drops every inbox.
func (b *Backend) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	b.inboxes = make(map[inboxKey]*inbox)
	b.mu.Unlock()
	return nil
}

// Stats returns engine telemetry.
type Stats struct {
	Inboxes   int
	Queued    int
	Added     uint64
	Acked     uint64
	Retracted uint64
}

// Stats returns current engine metrics.
func (b *Backend) Stats() Stats {
	b.mu.RLock()
	inboxes := make([]*inbox, 0, len(b.inboxes))
	for _, in := range b.inboxes {
		inboxes = append(inboxes, in)
	}
	b.mu.RUnlock()

	s := Stats{
		Inboxes:   len(inboxes),
		Added:     b.metrics.added.Load(),
		Acked:     b.metrics.acked.Load(),
		Retracted: b.metrics.retracted.Load(),
	}
	for _, in := range inboxes {
		in.mu.Lock()
		s.Queued += len(in.entries)
		in.mu.Unlock()
	}
	return s
}

func (b *Backend) lookup(busID, clientID string) *inbox {
	b.mu.RLock()
	in := b.inboxes[inboxKey{busID, clientID}]
	b.mu.RUnlock()
	return in
}

// search must be called with in.mu held.
func (in *inbox) search(id xinbox.MessageID, sender string) (int, bool) {
	return slices.BinarySearchFunc(in.entries, id, func(m *xinbox.Message, target xinbox.MessageID) int {
		return cmp.Or(cmp.Compare(m.ID(), target), cmp.Compare(m.Sender(), sender))
	})
}
