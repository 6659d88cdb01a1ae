// Package file stores each inbox as a JSON Lines file:
//
//	<dir>/<bus id>/<client id>.jsonl
//
// One encoded message per line, kept sorted by message id then sender. Every mutation
// reads the whole file and atomically replaces it (temp file + rename), so a
// crash never leaves a half-written inbox. Writers within one process are
// serialized per file; concurrent processes sharing a directory are not
// coordinated.
package file

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xinbox"
)

const inboxExt = ".jsonl"

func init() {
	if err := xinbox.RegisterBackend(xinbox.EngineFile, func(cfg xinbox.BackendConfig) (xinbox.Backend, error) {
		c, err := ConfigFromBackendConfig(cfg)
		if err != nil {
			return nil, err
		}
		return NewBackend(c)
	}); err != nil {
		panic(fmt.Errorf("xinbox/file: failed to register backend: %w", err))
	}
}

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("xinbox/file: backend is closed")

// Config controls the file engine.
type Config struct {
	// Dir is the root directory; it is created if missing.
	Dir string
	// Codec encodes each line (default JSON). Non-JSON codecs are base64 encoded.
	Codec xinbox.Codec
	// FileMode is applied to inbox files (default 0o644).
	FileMode os.FileMode
}

// ConfigFromBackendConfig maps the shared backend configuration onto Config.
func ConfigFromBackendConfig(cfg xinbox.BackendConfig) (Config, error) {
	codec, err := xinbox.NewCodec(cfg.Codec)
	if err != nil {
		return Config{}, err
	}
	return Config{Dir: cfg.FilePath, Codec: codec}, nil
}

// Backend implements xinbox.Backend on the local filesystem.
type Backend struct {
	cfg Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	closed atomic.Bool
}

var _ xinbox.Backend = (*Backend)(nil)

// NewBackend prepares cfg.Dir and returns the engine.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, &xinbox.ConfigurationError{Engine: xinbox.EngineFile, Field: "file_path", Reason: "required"}
	}
	if cfg.Codec == nil {
		cfg.Codec = xinbox.JSONCodec{}
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("xinbox/file: create root directory: %w", err)
	}
	return &Backend{cfg: cfg, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the root directory.
func (b *Backend) Dir() string { return b.cfg.Dir }

func (b *Backend) CreateInbox(_ context.Context, busID, clientID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	path := b.inboxPath(busID, clientID)
	unlock := b.lock(path)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("xinbox/file: create bus directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, b.cfg.FileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("xinbox/file: create inbox: %w", err)
	}
	return f.Close()
}

func (b *Backend) RemoveInbox(_ context.Context, busID, clientID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	path := b.inboxPath(busID, clientID)
	unlock := b.lock(path)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("xinbox/file: remove inbox: %w", err)
	}
	return nil
}

func (b *Backend) AddMessageToInbox(_ context.Context, busID, clientID string, msg *xinbox.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	path := b.inboxPath(busID, clientID)
	unlock := b.lock(path)
	defer unlock()

	entries, exists, err := b.read(path)
	if err != nil {
		return err
	}
	if !exists {
		return xinbox.InboxNotFound(busID, clientID)
	}
	idx, found := search(entries, msg.ID(), msg.Sender())
	if found {
		return nil
	}
	return b.write(path, slices.Insert(entries, idx, msg))
}

func (b *Backend) GetNextUnreadMessage(_ context.Context, busID, clientID string, cursor xinbox.MessageID) (*xinbox.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	path := b.inboxPath(busID, clientID)
	unlock := b.lock(path)
	defer unlock()

	entries, exists, err := b.read(path)
	if err != nil || !exists {
		return nil, err
	}
	if cursor != xinbox.NoCursor {
		if idx, _ := search(entries, cursor, ""); idx < len(entries) && entries[idx].ID() == cursor {
			entries = slices.Delete(entries, idx, idx+1)
			if err := b.write(path, entries); err != nil {
				return nil, err
			}
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (b *Backend) RemoveReceivedMessage(_ context.Context, busID, senderID string, recipientIDs []string, id xinbox.MessageID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	for _, r := range recipientIDs {
		if err := b.retract(b.inboxPath(busID, r), senderID, id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) retract(path, senderID string, id xinbox.MessageID) error {
	unlock := b.lock(path)
	defer unlock()

	entries, exists, err := b.read(path)
	if err != nil || !exists {
		return err
	}
	idx, found := search(entries, id, senderID)
	if !found {
		return nil
	}
	return b.write(path, slices.Delete(entries, idx, idx+1))
}

// Close makes further calls fail. Files are left on disk.
func (b *Backend) Close(_ context.Context) error {
	b.closed.Store(true)
	return nil
}

func (b *Backend) inboxPath(busID, clientID string) string {
	return filepath.Join(b.cfg.Dir, escape(busID), escape(clientID)+inboxExt)
}

// escape maps an arbitrary id onto a single safe path element.
func escape(id string) string {
	name := url.PathEscape(id)
	if name == "" || strings.Trim(name, ".") == "" {
		name = strings.ReplaceAll(name, ".", "%2E") + "%00"
	}
	return name
}

func (b *Backend) lock(path string) func() {
	b.locksMu.Lock()
	mu, ok := b.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[path] = mu
	}
	b.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// read returns the entries of the inbox at path in search order, and whether the
// file exists.
func (b *Backend) read(path string) ([]*xinbox.Message, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("xinbox/file: read inbox: %w", err)
	}

	var entries []*xinbox.Message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		msg, err := b.decodeLine(raw)
		if err != nil {
			return nil, true, fmt.Errorf("xinbox/file: %s line %d: %w", filepath.Base(path), line, err)
		}
		entries = append(entries, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("xinbox/file: scan inbox: %w", err)
	}
	slices.SortFunc(entries, func(a, c *xinbox.Message) int {
		return cmp.Or(cmp.Compare(a.ID(), c.ID()), cmp.Compare(a.Sender(), c.Sender()))
	})
	return entries, true, nil
}

// write atomically replaces the inbox at path with entries.
func (b *Backend) write(path string, entries []*xinbox.Message) error {
	var buf bytes.Buffer
	for _, m := range entries {
		line, err := b.encodeLine(m)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".inbox-*")
	if err != nil {
		return fmt.Errorf("xinbox/file: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("xinbox/file: write temp file: %w", err)
	}
	if err := tmp.Chmod(b.cfg.FileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("xinbox/file: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("xinbox/file: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("xinbox/file: replace inbox: %w", err)
	}
	return nil
}

func (b *Backend) textCodec() bool { return b.cfg.Codec.Name() == "json" }

func (b *Backend) encodeLine(m *xinbox.Message) ([]byte, error) {
	data, err := b.cfg.Codec.Encode(m)
	if err != nil {
		return nil, err
	}
	if b.textCodec() {
		return data, nil
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

func (b *Backend) decodeLine(line []byte) (*xinbox.Message, error) {
	if b.textCodec() {
		return b.cfg.Codec.Decode(line)
	}
	data := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(data, line)
	if err != nil {
		return nil, &xinbox.DecodeError{Err: err}
	}
	return b.cfg.Codec.Decode(data[:n])
}

// search orders entries by (id, sender).
func search(entries []*xinbox.Message, id xinbox.MessageID, sender string) (int, bool) {
	return slices.BinarySearchFunc(entries, id, func(m *xinbox.Message, target xinbox.MessageID) int {
		return cmp.Or(cmp.Compare(m.ID(), target), cmp.Compare(m.Sender(), sender))
	})
}
