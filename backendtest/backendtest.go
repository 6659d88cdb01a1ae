// Package backendtest is the black-box suite every xinbox.Backend must pass.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xinbox"
)

// BackendFactory creates a fresh, empty backend for one subtest. The suite
// closes it when the subtest ends.
type BackendFactory func(t *testing.T) xinbox.Backend

// RunBackendTests runs the complete backend suite against factory.
func RunBackendTests(t *testing.T, factory BackendFactory) {
	t.Run("SingleMessage", func(t *testing.T) { testSingleMessage(t, factory) })
	t.Run("CursorWalk", func(t *testing.T) { testCursorWalk(t, factory) })
	t.Run("PriorityOrder", func(t *testing.T) { testPriorityOrder(t, factory) })
	t.Run("InsertBeforeCursor", func(t *testing.T) { testInsertBeforeCursor(t, factory) })
	t.Run("UnknownCursor", func(t *testing.T) { testUnknownCursor(t, factory) })
	t.Run("CreateInboxIdempotent", func(t *testing.T) { testCreateInboxIdempotent(t, factory) })
	t.Run("AddIdempotent", func(t *testing.T) { testAddIdempotent(t, factory) })
	t.Run("RemoveInbox", func(t *testing.T) { testRemoveInbox(t, factory) })
	t.Run("ReadMissingInbox", func(t *testing.T) { testReadMissingInbox(t, factory) })
	t.Run("RetractMessage", func(t *testing.T) { testRetractMessage(t, factory) })
	t.Run("RetractRequiresSender", func(t *testing.T) { testRetractRequiresSender(t, factory) })
	t.Run("RetractMissingInbox", func(t *testing.T) { testRetractMissingInbox(t, factory) })
	t.Run("Isolation", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("FullMessageRoundTrip", func(t *testing.T) { testFullMessageRoundTrip(t, factory) })
	t.Run("ConcurrentInboxes", func(t *testing.T) { testConcurrentInboxes(t, factory) })
	t.Run("ContentTypes", func(t *testing.T) { testContentTypes(t, factory) })
	t.Run("SameIDDifferentSenders", func(t *testing.T) { testSameIDDifferentSenders(t, factory) })
}

// Message builds a message with a deterministic id. ms is relative to
// xinbox.Epoch.
func Message(t testing.TB, p xinbox.Priority, ms int64, seq uint16, sender string, content map[string]any, recipients ...string) *xinbox.Message {
	t.Helper()
	opts := []xinbox.MessageOption{}
	if len(recipients) > 0 {
		opts = append(opts, xinbox.WithRecipients(recipients...))
	}
	m, err := xinbox.NewMessage(xinbox.BuildMessageID(p, ms, 1, seq), sender, content, opts...)
	require.NoError(t, err)
	return m
}

// Drain walks an inbox the way a delivery loop does, advancing the cursor
// after every read, and returns what it saw.
func Drain(t testing.TB, b xinbox.Backend, busID, clientID string) []*xinbox.Message {
	t.Helper()
	ctx := context.Background()

	var out []*xinbox.Message
	cursor := xinbox.NoCursor
	for i := 0; ; i++ {
		require.Less(t, i, 10_000, "inbox did not drain")
		m, err := b.GetNextUnreadMessage(ctx, busID, clientID, cursor)
		require.NoError(t, err)
		if m == nil {
			return out
		}
		out = append(out, m)
		cursor = m.ID()
	}
}

func newBackend(t *testing.T, factory BackendFactory) xinbox.Backend {
	t.Helper()
	b := factory(t)
	require.NotNil(t, b)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertSame(t *testing.T, want, got *xinbox.Message) {
	t.Helper()
	require.NotNil(t, got, "expected message %s, got none", want.ID())
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func testSingleMessage(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus1", "c1"))
	m1 := Message(t, xinbox.PriorityNormal, 1000, 0, "c0", map[string]any{"content": "Hello!"})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus1", "c1", m1))

	got, err := b.GetNextUnreadMessage(ctx, "bus1", "c1", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m1, got)

	// Reading without a cursor does not consume.
	got, err = b.GetNextUnreadMessage(ctx, "bus1", "c1", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m1, got)
}

func testCursorWalk(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus1", "c1"))
	m1 := Message(t, xinbox.PriorityNormal, 1000, 0, "c0", map[string]any{"n": 1})
	m2 := Message(t, xinbox.PriorityNormal, 1000, 1, "c0", map[string]any{"n": 2})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus1", "c1", m1))
	require.NoError(t, b.AddMessageToInbox(ctx, "bus1", "c1", m2))

	got, err := b.GetNextUnreadMessage(ctx, "bus1", "c1", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m1, got)

	got, err = b.GetNextUnreadMessage(ctx, "bus1", "c1", m1.ID())
	require.NoError(t, err)
	assertSame(t, m2, got)

	got, err = b.GetNextUnreadMessage(ctx, "bus1", "c1", m2.ID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testPriorityOrder(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	low := Message(t, xinbox.PriorityLowest, 10, 0, "s", map[string]any{"p": "lowest"})
	normal := Message(t, xinbox.PriorityNormal, 20, 0, "s", map[string]any{"p": "normal"})
	urgent := Message(t, xinbox.PriorityUrgent, 30, 0, "s", map[string]any{"p": "urgent"})
	for _, m := range []*xinbox.Message{low, normal, urgent} {
		require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))
	}

	got := Drain(t, b, "bus", "r")
	require.Len(t, got, 3)
	assertSame(t, urgent, got[0])
	assertSame(t, normal, got[1])
	assertSame(t, low, got[2])
}

// A more urgent message arriving while a reader holds a cursor is delivered
// next, and the cursor entry is still consumed.
func testInsertBeforeCursor(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	m1 := Message(t, xinbox.PriorityLow, 10, 0, "s", map[string]any{"n": 1})
	m2 := Message(t, xinbox.PriorityLow, 10, 1, "s", map[string]any{"n": 2})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m1))
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m2))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m1, got)

	urgent := Message(t, xinbox.PriorityUrgent, 50, 0, "s", map[string]any{"n": 0})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", urgent))

	got, err = b.GetNextUnreadMessage(ctx, "bus", "r", m1.ID())
	require.NoError(t, err)
	assertSame(t, urgent, got)

	got, err = b.GetNextUnreadMessage(ctx, "bus", "r", urgent.ID())
	require.NoError(t, err)
	assertSame(t, m2, got)
}

func testUnknownCursor(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	m1 := Message(t, xinbox.PriorityNormal, 10, 0, "s", map[string]any{"n": 1})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m1))

	unknown := xinbox.BuildMessageID(xinbox.PriorityUrgent, 5, 1, 0)
	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", unknown)
	require.NoError(t, err)
	assertSame(t, m1, got)
}

func testCreateInboxIdempotent(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	m := Message(t, xinbox.PriorityNormal, 10, 0, "s", map[string]any{"k": "v"})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))
	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m, got)
}

func testAddIdempotent(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	m := Message(t, xinbox.PriorityNormal, 10, 0, "s", map[string]any{"k": "v"})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))

	assert.Len(t, Drain(t, b, "bus", "r"), 1)
}

func testRemoveInbox(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	for i := range 3 {
		m := Message(t, xinbox.PriorityNormal, 10, uint16(i), "s", map[string]any{"i": i})
		require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))
	}
	require.NoError(t, b.RemoveInbox(ctx, "bus", "r"))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Removing again is harmless.
	require.NoError(t, b.RemoveInbox(ctx, "bus", "r"))
}

func testReadMissingInbox(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	got, err := b.GetNextUnreadMessage(ctx, "nobus", "nobody", xinbox.NoCursor)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testRetractMessage(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	m := Message(t, xinbox.PriorityNormal, 10, 0, "s", map[string]any{"oops": true}, "r1", "r2")
	keep := Message(t, xinbox.PriorityNormal, 10, 1, "s", map[string]any{"keep": true})
	for _, r := range []string{"r1", "r2"} {
		require.NoError(t, b.CreateInbox(ctx, "bus", r))
		require.NoError(t, b.AddMessageToInbox(ctx, "bus", r, m))
	}
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r2", keep))

	require.NoError(t, b.RemoveReceivedMessage(ctx, "bus", "s", []string{"r1", "r2"}, m.ID()))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r1", xinbox.NoCursor)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = b.GetNextUnreadMessage(ctx, "bus", "r2", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, keep, got)
}

func testRetractRequiresSender(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	m := Message(t, xinbox.PriorityNormal, 10, 0, "s", map[string]any{"k": 1})
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))

	require.NoError(t, b.RemoveReceivedMessage(ctx, "bus", "mallory", []string{"r"}, m.ID()))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m, got)
}

func testRetractMissingInbox(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	id := xinbox.BuildMessageID(xinbox.PriorityNormal, 10, 1, 0)
	require.NoError(t, b.RemoveReceivedMessage(ctx, "bus", "s", []string{"ghost"}, id))
	require.NoError(t, b.RemoveReceivedMessage(ctx, "bus", "s", nil, id))
}

func testIsolation(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	// Ids that would collide if keys were joined naively.
	pairs := [][2]string{{"bus", "a"}, {"bus", "b"}, {"other", "a"}, {"bus:a", "x"}, {"bus", "a:x"}}
	for i, p := range pairs {
		require.NoError(t, b.CreateInbox(ctx, p[0], p[1]))
		m := Message(t, xinbox.PriorityNormal, 10, uint16(i), "s", map[string]any{"i": i})
		require.NoError(t, b.AddMessageToInbox(ctx, p[0], p[1], m))
	}
	for i, p := range pairs {
		got := Drain(t, b, p[0], p[1])
		require.Len(t, got, 1, "inbox %v", p)
		assert.Equal(t, uint16(i), got[0].ID().Sequence(), "inbox %v", p)
	}
}

func testFullMessageRoundTrip(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	id := xinbox.BuildMessageID(xinbox.PriorityHigh, 123456, 7, 42)
	content := map[string]any{
		"text":   "héllo \n\"world\"",
		"n":      12345678901,
		"f":      1.5,
		"nested": map[string]any{"list": []any{1, "two", nil, true}},
	}
	m, err := xinbox.NewMessage(id, "sender", content,
		xinbox.WithRecipients("r"),
		xinbox.WithThreadID(99),
		xinbox.WithInReplyTo(xinbox.BuildMessageID(xinbox.PriorityHigh, 100, 7, 1)),
		xinbox.WithTopic("greetings"),
	)
	require.NoError(t, err)

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, m, got)
	topic, ok := got.Topic()
	assert.True(t, ok)
	assert.Equal(t, "greetings", topic)
	assert.Equal(t, []string{"r"}, got.Recipients())
}

func testConcurrentInboxes(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	const clients, perClient = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for c := range clients {
		id := fmt.Sprintf("c%d", c)
		require.NoError(t, b.CreateInbox(ctx, "bus", id))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perClient {
				m, err := xinbox.NewMessage(xinbox.BuildMessageID(xinbox.PriorityNormal, 10, 1, uint16(i)), "s", map[string]any{"i": i})
				if err == nil {
					err = b.AddMessageToInbox(ctx, "bus", id, m)
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for c := range clients {
		got := Drain(t, b, "bus", fmt.Sprintf("c%d", c))
		require.Len(t, got, perClient)
		for i, m := range got {
			assert.Equal(t, uint16(i), m.ID().Sequence())
		}
	}
}

// Content read back has exactly the Go types of the content sent.
func testContentTypes(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	m := Message(t, xinbox.PriorityNormal, 10, 0, "s", map[string]any{
		"small": 5,
		"byte":  uint8(7),
		"whole": 2.0,
		"frac":  1.5,
		"big":   int64(1) << 40,
		"huge":  1e20,
		"neg":   -3,
		"list":  []any{1, "two", nil, true, 2.5},
		"obj":   map[string]any{"k": uint16(300)},
	})
	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.Content(), got.Content())
	assert.Equal(t, int64(5), got.Content()["small"])
	assert.Equal(t, 1.5, got.Content()["frac"])
}

// Two processes sharing a machine id can mint equal ids. Both entries are
// kept and each sender retracts only its own.
func testSameIDDifferentSenders(t *testing.T, factory BackendFactory) {
	b := newBackend(t, factory)
	ctx := ctxT(t)

	alice := Message(t, xinbox.PriorityNormal, 10, 0, "alice", map[string]any{"from": "alice"})
	bob := Message(t, xinbox.PriorityNormal, 10, 0, "bob", map[string]any{"from": "bob"})
	require.Equal(t, alice.ID(), bob.ID())

	require.NoError(t, b.CreateInbox(ctx, "bus", "r"))
	for _, m := range []*xinbox.Message{bob, alice, bob} {
		require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))
	}

	got, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, alice, got)

	require.NoError(t, b.RemoveReceivedMessage(ctx, "bus", "alice", []string{"r"}, alice.ID()))
	got, err = b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	assertSame(t, bob, got)

	require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", alice))
	seen := Drain(t, b, "bus", "r")
	require.Len(t, seen, 2)
	assertSame(t, alice, seen[0])
	assertSame(t, bob, seen[1])
}
