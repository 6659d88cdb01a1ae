package xinbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

// Message is an addressed, immutable envelope. It is built once at send time
// and copied into each recipient inbox.
type Message struct {
	id         MessageID
	sender     string
	content    map[string]any
	recipients []string // nil when absent
	threadID   *int64
	inReplyTo  *MessageID
	topic      *string
}

// MessageOption sets an optional envelope field.
type MessageOption func(*messageOptions)

type messageOptions struct {
	priority    Priority
	hasPriority bool
	recipients  []string
	threadID    *int64
	inReplyTo   *MessageID
	topic       *string
}

// WithRecipients addresses the message explicitly. Without recipients (or
// with an empty list) the bus routing policy picks them.
func WithRecipients(ids ...string) MessageOption {
	return func(o *messageOptions) {
		o.recipients = append(make([]string, 0, len(ids)), ids...)
	}
}

// WithPriority picks the delivery priority (default PriorityNormal). For
// NewMessage it must agree with the id.
func WithPriority(p Priority) MessageOption {
	return func(o *messageOptions) {
		o.priority = p
		o.hasPriority = true
	}
}

func WithThreadID(id int64) MessageOption {
	return func(o *messageOptions) { o.threadID = &id }
}

func WithInReplyTo(id MessageID) MessageOption {
	return func(o *messageOptions) { o.inReplyTo = &id }
}

func WithTopic(topic string) MessageOption {
	return func(o *messageOptions) { o.topic = &topic }
}

func collectOptions(opts []MessageOption) messageOptions {
	var o messageOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewMessage validates and builds a message. Content is deep-copied into its
// canonical form: nested map[string]any and []any, string, bool, nil, and
// numbers as int64 when their JSON form is an integer that fits, float64
// otherwise. Every engine and codec hands content back in this form.
func NewMessage(id MessageID, sender string, content map[string]any, opts ...MessageOption) (*Message, error) {
	return newMessage(id, sender, content, collectOptions(opts))
}

func newMessage(id MessageID, sender string, content map[string]any, o messageOptions) (*Message, error) {
	if id <= NoCursor {
		return nil, fmt.Errorf("%w: id must be positive, got %d", ErrInvalidMessage, id)
	}
	if sender == "" {
		return nil, fmt.Errorf("%w: sender must not be empty", ErrInvalidMessage)
	}
	if content == nil {
		return nil, fmt.Errorf("%w: content must be an object", ErrInvalidMessage)
	}
	if o.hasPriority && o.priority != id.Priority() {
		return nil, fmt.Errorf("%w: priority %s does not match id priority %s", ErrInvalidMessage, o.priority, id.Priority())
	}
	canonical, err := canonicalContent(content)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrInvalidMessage, err)
	}

	m := &Message{
		id:        id,
		sender:    sender,
		content:   canonical,
		threadID:  o.threadID,
		inReplyTo: o.inReplyTo,
		topic:     o.topic,
	}
	if o.recipients != nil {
		m.recipients = make([]string, 0, len(o.recipients))
		for _, r := range o.recipients {
			if r == "" {
				return nil, fmt.Errorf("%w: empty recipient id", ErrInvalidMessage)
			}
			if !slices.Contains(m.recipients, r) {
				m.recipients = append(m.recipients, r)
			}
		}
	}
	return m, nil
}

func (m *Message) ID() MessageID      { return m.id }
func (m *Message) Sender() string     { return m.sender }
func (m *Message) Priority() Priority { return m.id.Priority() }

// Content returns a deep copy of the payload.
func (m *Message) Content() map[string]any { return copyObject(m.content) }

// Recipients returns the explicit recipient list, or nil when it was absent.
func (m *Message) Recipients() []string {
	if m.recipients == nil {
		return nil
	}
	return slices.Clone(m.recipients)
}

// HasRecipients reports whether the message names at least one recipient.
func (m *Message) HasRecipients() bool { return len(m.recipients) > 0 }

func (m *Message) ThreadID() (int64, bool) {
	if m.threadID == nil {
		return 0, false
	}
	return *m.threadID, true
}

func (m *Message) InReplyTo() (MessageID, bool) {
	if m.inReplyTo == nil {
		return 0, false
	}
	return *m.inReplyTo, true
}

func (m *Message) Topic() (string, bool) {
	if m.topic == nil {
		return "", false
	}
	return *m.topic, true
}

// wireMessage is the canonical encoded form shared by every codec.
type wireMessage struct {
	ID         *int64         `json:"id" msgpack:"id"`
	Sender     *string        `json:"sender" msgpack:"sender"`
	Content    map[string]any `json:"content" msgpack:"content"`
	Recipients *[]string      `json:"recipients,omitempty" msgpack:"recipients,omitempty"`
	Priority   *int           `json:"priority" msgpack:"priority"`
	ThreadID   *int64         `json:"thread_id,omitempty" msgpack:"thread_id,omitempty"`
	InReplyTo  *int64         `json:"in_reply_to,omitempty" msgpack:"in_reply_to,omitempty"`
	Topic      *string        `json:"topic,omitempty" msgpack:"topic,omitempty"`
}

func (m *Message) wire() wireMessage {
	id := int64(m.id)
	sender := m.sender
	prio := int(m.id.Priority())
	w := wireMessage{
		ID:       &id,
		Sender:   &sender,
		Content:  m.content,
		Priority: &prio,
		ThreadID: m.threadID,
		Topic:    m.topic,
	}
	if m.recipients != nil {
		r := m.recipients
		w.Recipients = &r
	}
	if m.inReplyTo != nil {
		irt := int64(*m.inReplyTo)
		w.InReplyTo = &irt
	}
	return w
}

func (w wireMessage) message() (*Message, error) {
	switch {
	case w.ID == nil:
		return nil, &DecodeError{Field: "id", Err: errors.New("missing")}
	case *w.ID <= 0:
		return nil, &DecodeError{Field: "id", Err: fmt.Errorf("must be positive, got %d", *w.ID)}
	case w.Sender == nil:
		return nil, &DecodeError{Field: "sender", Err: errors.New("missing")}
	case *w.Sender == "":
		return nil, &DecodeError{Field: "sender", Err: errors.New("empty")}
	case w.Content == nil:
		return nil, &DecodeError{Field: "content", Err: errors.New("missing or not an object")}
	case w.Priority == nil:
		return nil, &DecodeError{Field: "priority", Err: errors.New("missing")}
	}

	id := MessageID(*w.ID)
	if p := *w.Priority; p < 0 || p > int(PriorityLowest) {
		return nil, &DecodeError{Field: "priority", Err: fmt.Errorf("%w: %d", ErrInvalidPriority, p)}
	}
	if Priority(*w.Priority) != id.Priority() {
		return nil, &DecodeError{Field: "priority", Err: fmt.Errorf("%d disagrees with id priority %d", *w.Priority, id.Priority())}
	}

	o := messageOptions{threadID: w.ThreadID, topic: w.Topic}
	if w.Recipients != nil {
		o.recipients = *w.Recipients
		if o.recipients == nil {
			o.recipients = []string{}
		}
	}
	if w.InReplyTo != nil {
		irt := MessageID(*w.InReplyTo)
		o.inReplyTo = &irt
	}
	m, err := newMessage(id, *w.Sender, w.Content, o)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return m, nil
}

// Serialize returns the canonical JSON encoding of m.
func (m *Message) Serialize() ([]byte, error) {
	return json.Marshal(m.wire())
}

// Deserialize strictly decodes the canonical JSON encoding. Any deviation
// yields a *DecodeError; a partially populated message is never returned.
func Deserialize(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &DecodeError{Field: typeErr.Field, Err: err}
		}
		return nil, &DecodeError{Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodeError{Err: errors.New("trailing data after message object")}
	}
	return w.message()
}

// MarshalJSON makes *Message usable inside other JSON documents.
func (m *Message) MarshalJSON() ([]byte, error) { return m.Serialize() }

func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Deserialize(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// Equal reports structural equality. Content is compared by its canonical
// JSON form.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.id != other.id || m.sender != other.sender {
		return false
	}
	if (m.recipients == nil) != (other.recipients == nil) || !slices.Equal(m.recipients, other.recipients) {
		return false
	}
	if !equalPtr(m.threadID, other.threadID) || !equalPtr(m.inReplyTo, other.inReplyTo) || !equalPtr(m.topic, other.topic) {
		return false
	}
	a, errA := json.Marshal(m.content)
	b, errB := json.Marshal(other.content)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(id=%d sender=%s priority=%s)", int64(m.id), m.sender, m.Priority())
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// canonicalContent round-trips content through JSON, which both validates
// it and fixes the leaf types.
func canonicalContent(content map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return canonicalObject(out), nil
}

func canonicalObject(obj map[string]any) map[string]any {
	for k, v := range obj {
		obj[k] = canonicalValue(v)
	}
	return obj
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return canonicalObject(t)
	case []any:
		for i := range t {
			t[i] = canonicalValue(t[i])
		}
		return t
	default:
		return v
	}
}

func copyObject(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyObject(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
