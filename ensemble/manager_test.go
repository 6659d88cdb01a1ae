package ensemble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xinbox"
	_ "github.com/trickstertwo/xinbox/adapter/memory"
	_ "github.com/trickstertwo/xinbox/adapter/sql"
)

type collector struct {
	mu   sync.Mutex
	msgs []*xinbox.Message
}

func (c *collector) handle(_ context.Context, m *xinbox.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newManager(t *testing.T, storage xinbox.BackendConfig) *Manager {
	t.Helper()
	reg := xinbox.NewRegistry()
	machine := uint16(1)
	m, err := NewManager(reg, Config{Storage: storage, PollInterval: 5 * time.Millisecond, MachineID: &machine})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		_ = reg.Close(context.Background())
	})
	return m
}

func TestNewManagerRejectsBadStorage(t *testing.T) {
	_, err := NewManager(xinbox.NewRegistry(), Config{Storage: xinbox.BackendConfig{Type: "tape"}})
	assert.ErrorIs(t, err, xinbox.ErrConfiguration)

	_, err = NewManager(nil, Config{Storage: xinbox.BackendConfig{Type: "memory"}})
	assert.Error(t, err)
}

func TestBroadcastToActiveMembers(t *testing.T) {
	for _, storage := range []xinbox.BackendConfig{
		{Type: xinbox.EngineMemory},
		{Type: xinbox.EngineSQL, ConnectionString: "sqlite://"},
	} {
		t.Run(storage.Type, func(t *testing.T) {
			ctx := context.Background()
			m := newManager(t, storage)

			e, err := m.CreateEnsemble(ctx, "crew")
			require.NoError(t, err)

			var alice, bob, carol collector
			a, err := m.AddMember(ctx, e.ID, "alice", alice.handle)
			require.NoError(t, err)
			_, err = m.AddMember(ctx, e.ID, "bob", bob.handle)
			require.NoError(t, err)
			c, err := m.AddMember(ctx, e.ID, "carol", carol.handle)
			require.NoError(t, err)

			require.NoError(t, m.DeactivateMember(ctx, e.ID, c.ID))

			msg, err := m.Send(ctx, e.ID, a.ID, map[string]any{"text": "standup"})
			require.NoError(t, err)
			assert.Equal(t, a.ID, msg.Sender())

			require.Eventually(t, func() bool { return bob.len() == 1 }, 2*time.Second, 5*time.Millisecond)
			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, 0, alice.len())
			assert.Equal(t, 0, carol.len())

			_, err = m.Send(ctx, e.ID, c.ID, map[string]any{})
			assert.ErrorIs(t, err, xinbox.ErrClientClosed)
		})
	}
}

func TestDirectMessage(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, xinbox.BackendConfig{Type: xinbox.EngineMemory})
	e, err := m.CreateEnsemble(ctx, "pair")
	require.NoError(t, err)

	var alice, bob, carol collector
	a, err := m.AddMember(ctx, e.ID, "alice", alice.handle)
	require.NoError(t, err)
	b, err := m.AddMember(ctx, e.ID, "bob", bob.handle)
	require.NoError(t, err)
	_, err = m.AddMember(ctx, e.ID, "carol", carol.handle)
	require.NoError(t, err)

	_, err = m.Send(ctx, e.ID, a.ID, map[string]any{"secret": true}, xinbox.WithRecipients(b.ID), xinbox.WithPriority(xinbox.PriorityUrgent))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, carol.len())
}

func TestMembersListing(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, xinbox.BackendConfig{Type: xinbox.EngineMemory})
	e, err := m.CreateEnsemble(ctx, "list")
	require.NoError(t, err)

	var sink collector
	a, err := m.AddMember(ctx, e.ID, "a", sink.handle)
	require.NoError(t, err)
	b, err := m.AddMember(ctx, e.ID, "b", sink.handle)
	require.NoError(t, err)
	require.NoError(t, m.DeactivateMember(ctx, e.ID, a.ID))
	require.NoError(t, m.DeactivateMember(ctx, e.ID, a.ID))

	members, err := m.Members(e.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	byID := map[string]Member{}
	for _, mem := range members {
		byID[mem.ID] = mem
	}
	assert.False(t, byID[a.ID].Active)
	assert.True(t, byID[b.ID].Active)
	assert.Equal(t, []string{b.ID}, e.ActiveMembers())
	assert.Equal(t, []string{b.ID}, e.Bus().Clients())
}

func TestUnknownIDs(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, xinbox.BackendConfig{Type: xinbox.EngineMemory})

	_, err := m.AddMember(ctx, "nope", "x", func(context.Context, *xinbox.Message) error { return nil })
	assert.ErrorIs(t, err, xinbox.ErrNotFound)

	e, err := m.CreateEnsemble(ctx, "e")
	require.NoError(t, err)
	_, err = m.Send(ctx, e.ID, "ghost", map[string]any{})
	assert.ErrorIs(t, err, xinbox.ErrNotFound)
	assert.ErrorIs(t, m.DeactivateMember(ctx, e.ID, "ghost"), xinbox.ErrNotFound)
}

func TestRetract(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, xinbox.BackendConfig{Type: xinbox.EngineMemory})
	e, err := m.CreateEnsemble(ctx, "e")
	require.NoError(t, err)

	var sink collector
	a, err := m.AddMember(ctx, e.ID, "a", sink.handle)
	require.NoError(t, err)
	_, err = m.AddMember(ctx, e.ID, "b", sink.handle)
	require.NoError(t, err)

	msg, err := m.Send(ctx, e.ID, a.ID, map[string]any{})
	require.NoError(t, err)
	require.NoError(t, m.Retract(ctx, e.ID, a.ID, []string{"*"}, msg.ID()))
}

func TestRemoveEnsembleAndClose(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, xinbox.BackendConfig{Type: xinbox.EngineMemory})

	e1, err := m.CreateEnsemble(ctx, "one")
	require.NoError(t, err)
	e2, err := m.CreateEnsemble(ctx, "two")
	require.NoError(t, err)
	assert.Len(t, m.Ensembles(), 2)

	var sink collector
	_, err = m.AddMember(ctx, e1.ID, "a", sink.handle)
	require.NoError(t, err)

	require.NoError(t, m.RemoveEnsemble(ctx, e1.ID))
	_, err = m.Ensemble(e1.ID)
	assert.ErrorIs(t, err, xinbox.ErrNotFound)
	assert.ErrorIs(t, m.RemoveEnsemble(ctx, e1.ID), xinbox.ErrNotFound)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	_, err = m.Ensemble(e2.ID)
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.CreateEnsemble(ctx, "three")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestEnsemblesShareBackend(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, xinbox.BackendConfig{Type: xinbox.EngineMemory})
	e1, err := m.CreateEnsemble(ctx, "one")
	require.NoError(t, err)
	e2, err := m.CreateEnsemble(ctx, "two")
	require.NoError(t, err)

	assert.Same(t, e1.Bus().Backend(), e2.Bus().Backend())
	assert.NotEqual(t, e1.Bus().ID(), e2.Bus().ID())
}
