// Package sql stores inboxes in one relational table through database/sql.
// The bundled driver is SQLite (modernc.org/sqlite, pure Go).
//
// Connection strings use the sqlite scheme:
//
//	sqlite://                 private in-memory database
//	sqlite:///:memory:        same
//	sqlite:///data/inbox.db   relative path data/inbox.db
//	sqlite:////var/inbox.db   absolute path /var/inbox.db
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/trickstertwo/xinbox"
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver registered by modernc.org/sqlite.
	DriverName = "sqlite"
	// DefaultTable holds every inbox entry.
	DefaultTable = "xinbox_messages"

	schemeSQLite = "sqlite://"
)

func init() {
	if err := xinbox.RegisterBackend(xinbox.EngineSQL, func(cfg xinbox.BackendConfig) (xinbox.Backend, error) {
		c, err := ConfigFromBackendConfig(cfg)
		if err != nil {
			return nil, err
		}
		return NewBackend(context.Background(), c)
	}); err != nil {
		panic(fmt.Errorf("xinbox/sql: failed to register backend: %w", err))
	}
}

var (
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("xinbox/sql: backend is closed")

	tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Config controls the relational engine.
type Config struct {
	// DSN is passed to the sqlite driver (":memory:" for a private database).
	DSN string
	// Table is the entry table name (default DefaultTable).
	Table string
	// Codec encodes the payload column (default JSON).
	Codec xinbox.Codec
}

// ConfigFromBackendConfig parses cfg.ConnectionString.
func ConfigFromBackendConfig(cfg xinbox.BackendConfig) (Config, error) {
	dsn, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return Config{}, err
	}
	codec, err := xinbox.NewCodec(cfg.Codec)
	if err != nil {
		return Config{}, err
	}
	return Config{DSN: dsn, Codec: codec}, nil
}

// ParseConnectionString turns a sqlite:// URL into a driver DSN.
func ParseConnectionString(cs string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(cs), schemeSQLite) {
		scheme, _, ok := strings.Cut(cs, "://")
		if !ok {
			scheme = cs
		}
		return "", &xinbox.ConfigurationError{
			Engine: xinbox.EngineSQL,
			Field:  "connection_string",
			Reason: fmt.Sprintf("unsupported scheme %q (only sqlite:// is available)", scheme),
		}
	}
	rest := cs[len(schemeSQLite):]
	switch rest {
	case "", "/", ":memory:", "/:memory:":
		return ":memory:", nil
	}
	return strings.TrimPrefix(rest, "/"), nil
}

// Backend implements xinbox.Backend over database/sql.
type Backend struct {
	db    *sql.DB
	codec xinbox.Codec
	q     queries

	closed atomic.Bool
}

type queries struct {
	insert      string
	deleteOne   string
	first       string
	removeInbox string
	retract     string
}

var _ xinbox.Backend = (*Backend)(nil)

// NewBackend opens the database and creates the entry table if needed.
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	db, err := sql.Open(DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("xinbox/sql: open: %w", err)
	}
	// SQLite serializes writers anyway, and every connection to ":memory:"
	// would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	b, err := newBackend(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewBackendWithDB uses an already opened database. Close closes it.
func NewBackendWithDB(ctx context.Context, db *sql.DB, cfg Config) (*Backend, error) {
	return newBackend(ctx, db, cfg)
}

func newBackend(ctx context.Context, db *sql.DB, cfg Config) (*Backend, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, &xinbox.ConfigurationError{Engine: xinbox.EngineSQL, Field: "table", Reason: fmt.Sprintf("invalid identifier %q", table)}
	}
	codec := cfg.Codec
	if codec == nil {
		codec = xinbox.JSONCodec{}
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bus_id       TEXT    NOT NULL,
	recipient_id TEXT    NOT NULL,
	id           INTEGER NOT NULL,
	sender_id    TEXT    NOT NULL,
	payload      BLOB    NOT NULL,
	PRIMARY KEY (bus_id, recipient_id, id, sender_id)
)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("xinbox/sql: create table: %w", err)
	}

	return &Backend{
		db:    db,
		codec: codec,
		q: queries{
			insert:      fmt.Sprintf(`INSERT INTO %s (bus_id, recipient_id, id, sender_id, payload) VALUES (?, ?, ?, ?, ?) ON CONFLICT (bus_id, recipient_id, id, sender_id) DO NOTHING`, table),
			deleteOne:   fmt.Sprintf(`DELETE FROM %[1]s WHERE rowid = (SELECT rowid FROM %[1]s WHERE bus_id = ? AND recipient_id = ? AND id = ? ORDER BY sender_id LIMIT 1)`, table),
			first:       fmt.Sprintf(`SELECT payload FROM %s WHERE bus_id = ? AND recipient_id = ? ORDER BY id, sender_id LIMIT 1`, table),
			removeInbox: fmt.Sprintf(`DELETE FROM %s WHERE bus_id = ? AND recipient_id = ?`, table),
			retract:     fmt.Sprintf(`DELETE FROM %s WHERE bus_id = ? AND recipient_id = ? AND id = ? AND sender_id = ?`, table),
		},
	}, nil
}

// DB exposes the underlying handle.
func (b *Backend) DB() *sql.DB { return b.db }

// CreateInbox is a no-op: an inbox is the set of rows sharing its key.
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
	if _, err := b.db.ExecContext(ctx, b.q.removeInbox, busID, clientID); err != nil {
		return fmt.Errorf("xinbox/sql: remove inbox: %w", err)
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
	if _, err := b.db.ExecContext(ctx, b.q.insert, busID, clientID, int64(msg.ID()), msg.Sender(), payload); err != nil {
		return fmt.Errorf("xinbox/sql: insert: %w", err)
	}
	return nil
}

func (b *Backend) GetNextUnreadMessage(ctx context.Context, busID, clientID string, cursor xinbox.MessageID) (*xinbox.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("xinbox/sql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cursor != xinbox.NoCursor {
		if _, err := tx.ExecContext(ctx, b.q.deleteOne, busID, clientID, int64(cursor)); err != nil {
			return nil, fmt.Errorf("xinbox/sql: ack cursor: %w", err)
		}
	}

	var payload []byte
	err = tx.QueryRowContext(ctx, b.q.first, busID, clientID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		payload = nil
	case err != nil:
		return nil, fmt.Errorf("xinbox/sql: select next: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("xinbox/sql: commit: %w", err)
	}
	if payload == nil {
		return nil, nil
	}
	return b.codec.Decode(payload)
}

func (b *Backend) RemoveReceivedMessage(ctx context.Context, busID, senderID string, recipientIDs []string, id xinbox.MessageID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(recipientIDs) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("xinbox/sql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range recipientIDs {
		if _, err := tx.ExecContext(ctx, b.q.retract, busID, r, int64(id), senderID); err != nil {
			return fmt.Errorf("xinbox/sql: retract: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("xinbox/sql: commit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (b *Backend) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
