// Package redis stores each inbox as a Redis sorted set.
//
// Every member has score 0 and the form "<19 digit id>:<hex sender>!<encoded
// message>", so lexicographic order equals (id, sender) order and exact int64
// ids never pass through a float score. '!' sorts below every hex digit. Set UseFakeRemote to run against an embedded miniredis
// server instead of a real one.
package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xinbox"
)

// DefaultKeyPrefix namespaces every inbox key.
const DefaultKeyPrefix = "xinbox"

func init() {
	if err := xinbox.RegisterBackend(xinbox.EngineRedis, func(cfg xinbox.BackendConfig) (xinbox.Backend, error) {
		c, err := ConfigFromBackendConfig(cfg)
		if err != nil {
			return nil, err
		}
		return NewBackend(context.Background(), c)
	}); err != nil {
		panic(fmt.Errorf("xinbox/redis: failed to register backend: %w", err))
	}
}

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("xinbox/redis: backend is closed")

// Both scripts run atomically on the server.
var (
	// KEYS[1] inbox; ARGV[1..2] lex range of the (id, sender); ARGV[3] member.
	addScript = redis.NewScript(`
if #redis.call('ZRANGEBYLEX', KEYS[1], ARGV[1], ARGV[2], 'LIMIT', 0, 1) == 0 then
  redis.call('ZADD', KEYS[1], 0, ARGV[3])
  return 1
end
return 0`)

	// KEYS[1] inbox; ARGV[1..2] lex range of the cursor id, empty for none.
	// Only the first member with that id is consumed.
	nextScript = redis.NewScript(`
if ARGV[1] ~= '' then
  local seen = redis.call('ZRANGEBYLEX', KEYS[1], ARGV[1], ARGV[2], 'LIMIT', 0, 1)
  if #seen == 1 then
    redis.call('ZREM', KEYS[1], seen[1])
  end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
return head[1]`)
)

// Config controls the Redis engine.
type Config struct {
	// Options connect a new client. Ignored when Client or UseFake is set.
	Options *redis.Options
	// Client is used as is; Close does not close it.
	Client redis.UniversalClient
	// UseFake starts an embedded miniredis server owned by the backend.
	UseFake bool
	// KeyPrefix namespaces inbox keys (default DefaultKeyPrefix).
	KeyPrefix string
	// Codec encodes members (default JSON).
	Codec xinbox.Codec
}

// ConfigFromBackendConfig parses cfg.ConnectionString as a redis:// URL.
func ConfigFromBackendConfig(cfg xinbox.BackendConfig) (Config, error) {
	codec, err := xinbox.NewCodec(cfg.Codec)
	if err != nil {
		return Config{}, err
	}
	c := Config{UseFake: cfg.UseFakeRemote, Codec: codec}
	if c.UseFake {
		return c, nil
	}
	opts, err := redis.ParseURL(cfg.ConnectionString)
	if err != nil {
		return Config{}, &xinbox.ConfigurationError{Engine: xinbox.EngineRedis, Field: "connection_string", Reason: err.Error()}
	}
	c.Options = opts
	return c, nil
}

// Backend implements xinbox.Backend on Redis.
type Backend struct {
	client     redis.UniversalClient
	ownsClient bool
	fake       *miniredis.Miniredis
	prefix     string
	codec      xinbox.Codec

	closed atomic.Bool
}

var _ xinbox.Backend = (*Backend)(nil)

// NewBackend connects and pings the server.
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{
		prefix: cfg.KeyPrefix,
		codec:  cfg.Codec,
	}
	if b.prefix == "" {
		b.prefix = DefaultKeyPrefix
	}
	if b.codec == nil {
		b.codec = xinbox.JSONCodec{}
	}

	switch {
	case cfg.Client != nil:
		b.client = cfg.Client
	case cfg.UseFake:
		srv, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("xinbox/redis: start embedded server: %w", err)
		}
		b.fake = srv
		b.client = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		b.ownsClient = true
	case cfg.Options != nil:
		b.client = redis.NewClient(cfg.Options)
		b.ownsClient = true
	default:
		return nil, &xinbox.ConfigurationError{Engine: xinbox.EngineRedis, Field: "connection_string", Reason: "required unless use_fake_remote is set"}
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("xinbox/redis: ping: %w", err)
	}
	return b, nil
}

// Client exposes the underlying connection.
func (b *Backend) Client() redis.UniversalClient { return b.client }

// Key returns the sorted set holding busID/clientID's inbox.
func (b *Backend) Key(busID, clientID string) string {
	return b.prefix + ":" + url.QueryEscape(busID) + ":" + url.QueryEscape(clientID)
}

// CreateInbox is a no-op: Redis creates the set on first add.
func (b *Backend) CreateInbox(_ context.Context, _, _ string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (b *Backend) RemoveInbox(ctx context.Context, busID, clientID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.Del(ctx, b.Key(busID, clientID)).Err(); err != nil {
		return fmt.Errorf("xinbox/redis: remove inbox: %w", err)
	}
	return nil
}

func (b *Backend) AddMessageToInbox(ctx context.Context, busID, clientID string, msg *xinbox.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	payload, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}
	prefix := entryPrefix(msg.ID(), msg.Sender())
	lo, hi := prefixRange(prefix)
	member := prefix + string(payload)
	if err := addScript.Run(ctx, b.client, []string{b.Key(busID, clientID)}, lo, hi, member).Err(); err != nil {
		return fmt.Errorf("xinbox/redis: add: %w", err)
	}
	return nil
}

func (b *Backend) GetNextUnreadMessage(ctx context.Context, busID, clientID string, cursor xinbox.MessageID) (*xinbox.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	lo, hi := "", ""
	if cursor != xinbox.NoCursor {
		lo, hi = idRange(cursor)
	}
	member, err := nextScript.Run(ctx, b.client, []string{b.Key(busID, clientID)}, lo, hi).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xinbox/redis: next: %w", err)
	}
	return b.decodeMember(member)
}

func (b *Backend) RemoveReceivedMessage(ctx context.Context, busID, senderID string, recipientIDs []string, id xinbox.MessageID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	lo, hi := prefixRange(entryPrefix(id, senderID))
	for _, r := range recipientIDs {
		if err := b.client.ZRemRangeByLex(ctx, b.Key(busID, r), lo, hi).Err(); err != nil {
			return fmt.Errorf("xinbox/redis: retract: %w", err)
		}
	}
	return nil
}

// Close releases the connection and the embedded server, if owned.
func (b *Backend) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	var err error
	if b.ownsClient && b.client != nil {
		err = b.client.Close()
	}
	if b.fake != nil {
		b.fake.Close()
	}
	return err
}

func (b *Backend) decodeMember(member string) (*xinbox.Message, error) {
	_, rest, ok := strings.Cut(member, ":")
	if !ok {
		return nil, &xinbox.DecodeError{Err: fmt.Errorf("member without id prefix")}
	}
	_, payload, ok := strings.Cut(rest, "!")
	if !ok {
		return nil, &xinbox.DecodeError{Err: fmt.Errorf("member without sender prefix")}
	}
	return b.codec.Decode([]byte(payload))
}

func entryPrefix(id xinbox.MessageID, sender string) string {
	return fmt.Sprintf("%019d:%s!", int64(id), hex.EncodeToString([]byte(sender)))
}

// prefixRange returns the lex bounds matching every member starting with
// prefix. '"' sorts right after the trailing '!'.
func prefixRange(prefix string) (string, string) {
	return "[" + prefix, "(" + prefix[:len(prefix)-1] + `"`
}

// idRange returns the lex bounds matching every member of id.
// ';' sorts right after ':'.
func idRange(id xinbox.MessageID) (string, string) {
	digits := fmt.Sprintf("%019d", int64(id))
	return "[" + digits + ":", "(" + digits + ";"
}
