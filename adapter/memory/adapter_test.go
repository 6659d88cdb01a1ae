package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xinbox"
	"github.com/trickstertwo/xinbox/backendtest"
)

func TestBackend(t *testing.T) {
	backendtest.RunBackendTests(t, func(t *testing.T) xinbox.Backend {
		return NewBackend()
	})
}

func TestAddRequiresInbox(t *testing.T) {
	b := NewBackend()
	m := backendtest.Message(t, xinbox.PriorityNormal, 1, 0, "s", map[string]any{})

	err := b.AddMessageToInbox(context.Background(), "bus", "nobody", m)
	require.ErrorIs(t, err, xinbox.ErrNotFound)

	var nf *xinbox.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nobody", nf.ID)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))

	m1 := backendtest.Message(t, xinbox.PriorityNormal, 1, 0, "s", map[string]any{})
	m2 := backendtest.Message(t, xinbox.PriorityNormal, 1, 1, "s", map[string]any{})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m1))
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m2))
	_, err := b.GetNextUnreadMessage(ctx, "bus", "r", m1.ID())
	require.NoError(t, err)
	require.NoError(t, b.RemoveReceivedMessage(ctx, "bus", "s", []string{"r"}, m2.ID()))

	s := b.Stats()
	assert.Equal(t, 1, s.Inboxes)
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, uint64(2), s.Added)
	assert.Equal(t, uint64(1), s.Acked)
	assert.Equal(t, uint64(1), s.Retracted)
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	assert.ErrorIs(t, b.CreateInbox(ctx, "bus", "r"), ErrClosed)
	_, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUseBuildsBus(t *testing.T) {
	bus := Use(WithBusID("team"), WithMachineID(3))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	assert.Equal(t, "team", bus.ID())
	assert.Equal(t, uint16(3), bus.IDGenerator().MachineID())
	assert.IsType(t, &Backend{}, bus.Backend())
}

func TestUsePanicsOnBadMachineID(t *testing.T) {
	assert.Panics(t, func() { Use(WithMachineID(xinbox.MaxMachineID + 1)) })
}
