package xinbox

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the Strategy engines use to store messages at rest.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	Name() string
}

// JSONCodec stores the canonical JSON encoding. It is the default.
type JSONCodec struct{}

func (JSONCodec) Encode(m *Message) ([]byte, error)    { return m.Serialize() }
func (JSONCodec) Decode(data []byte) (*Message, error) { return Deserialize(data) }
func (JSONCodec) Name() string                         { return "json" }

// MsgpackCodec stores the same field set as MessagePack. Decoded content goes
// through the same canonicalisation as NewMessage, so msgpack's sized integers
// come back as int64.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m *Message) ([]byte, error) {
	w := m.wire()

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&w); err != nil {
		return nil, fmt.Errorf("xinbox: msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields(true)

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return w.message()
}

func (MsgpackCodec) Name() string { return "msgpack" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

// DefaultCodec is used when a backend configuration names none.
const DefaultCodec = "json"

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":    func() Codec { return JSONCodec{} },
		"msgpack": func() Codec { return MsgpackCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("xinbox: codec name must not be empty")
	}
	if factory == nil {
		return errors.New("xinbox: codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[strings.ToLower(name)] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name. An empty name selects DefaultCodec.
func NewCodec(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodec
	}
	codecRegistryMu.RLock()
	f, ok := codecRegistry[strings.ToLower(name)]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Field: "codec", Reason: fmt.Sprintf("codec %q not registered", name)}
	}
	return f(), nil
}
