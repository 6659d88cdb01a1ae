package redis

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xinbox"
	"github.com/trickstertwo/xinbox/backendtest"
)

func newTestBackend(t *testing.T, codec xinbox.Codec) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Config{UseFake: true, Codec: codec})
	require.NoError(t, err)
	return b
}

func TestBackend(t *testing.T) {
	backendtest.RunBackendTests(t, func(t *testing.T) xinbox.Backend {
		return newTestBackend(t, nil)
	})
}

func TestBackendMsgpack(t *testing.T) {
	backendtest.RunBackendTests(t, func(t *testing.T) xinbox.Backend {
		return newTestBackend(t, xinbox.MsgpackCodec{})
	})
}

func TestSharedServer(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	cfg, err := ConfigFromBackendConfig(xinbox.BackendConfig{
		Type:             xinbox.EngineRedis,
		ConnectionString: "redis://" + srv.Addr() + "/0",
	})
	require.NoError(t, err)

	writer, err := NewBackend(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close(ctx) })
	reader, err := NewBackend(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close(ctx) })

	m := backendtest.Message(t, xinbox.PriorityNormal, 7, 0, "s", map[string]any{"k": "v"})
	require.NoError(t, writer.AddMessageToInbox(ctx, "bus", "r", m))

	got, err := reader.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, m.Equal(got))

	members, err := srv.ZMembers(writer.Key("bus", "r"))
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, strings.HasPrefix(members[0], fmt.Sprintf("%019d:73!", int64(m.ID()))), members[0])
}

func TestMembersSortBySender(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	t.Cleanup(func() { _ = b.Close(ctx) })

	// "ab" must come before "abc" and "b", as it does in Go.
	for _, sender := range []string{"b", "abc", "ab"} {
		m := backendtest.Message(t, xinbox.PriorityNormal, 7, 0, sender, map[string]any{})
		require.NoError(t, b.AddMessageToInbox(ctx, "bus", "r", m))
	}

	var order []string
	for _, m := range backendtest.Drain(t, b, "bus", "r") {
		order = append(order, m.Sender())
	}
	assert.Equal(t, []string{"ab", "abc", "b"}, order)
}

func TestKeyPrefix(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b, err := NewBackend(ctx, Config{Client: client, KeyPrefix: "team"})
	require.NoError(t, err)
	assert.Equal(t, "team:bus%3A1:a+b", b.Key("bus:1", "a b"))

	require.NoError(t, b.Close(ctx))
	// A caller-supplied client stays open.
	require.NoError(t, client.Ping(ctx).Err())
}

func TestCorruptMember(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	t.Cleanup(func() { _ = b.Close(ctx) })

	require.NoError(t, b.Client().ZAdd(ctx, b.Key("bus", "r"), redis.Z{Score: 0, Member: "garbage"}).Err())
	_, err := b.GetNextUnreadMessage(ctx, "bus", "r", xinbox.NoCursor)
	assert.ErrorIs(t, err, xinbox.ErrDecode)
}

func TestBadURL(t *testing.T) {
	_, err := ConfigFromBackendConfig(xinbox.BackendConfig{Type: xinbox.EngineRedis, ConnectionString: "http://nope"})
	assert.ErrorIs(t, err, xinbox.ErrConfiguration)
}

func TestRegisteredFactory(t *testing.T) {
	reg := xinbox.NewRegistry()
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	b1, err := reg.Backend(xinbox.BackendConfig{Type: "remote-kv", UseFakeRemote: true})
	require.NoError(t, err)
	b2, err := reg.Backend(xinbox.BackendConfig{Type: xinbox.EngineRedis, UseFakeRemote: true})
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}
