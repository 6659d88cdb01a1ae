package xinbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullMessage(t *testing.T) *Message {
	t.Helper()
	m, err := NewMessage(BuildMessageID(PriorityHigh, 1000, 7, 3), "alice",
		map[string]any{"text": "hi", "n": 3, "nested": map[string]any{"ok": true}},
		WithRecipients("bob", "carol", "bob"),
		WithPriority(PriorityHigh),
		WithThreadID(12),
		WithInReplyTo(BuildMessageID(PriorityHigh, 900, 7, 0)),
		WithTopic("chat"),
	)
	require.NoError(t, err)
	return m
}

func TestNewMessageValidation(t *testing.T) {
	id := BuildMessageID(PriorityNormal, 1, 1, 0)
	tests := []struct {
		name    string
		id      MessageID
		sender  string
		content map[string]any
		opts    []MessageOption
	}{
		{name: "zero id", id: 0, sender: "a", content: map[string]any{}},
		{name: "empty sender", id: id, sender: "", content: map[string]any{}},
		{name: "nil content", id: id, sender: "a"},
		{name: "priority mismatch", id: id, sender: "a", content: map[string]any{}, opts: []MessageOption{WithPriority(PriorityUrgent)}},
		{name: "empty recipient", id: id, sender: "a", content: map[string]any{}, opts: []MessageOption{WithRecipients("")}},
		{name: "unencodable content", id: id, sender: "a", content: map[string]any{"ch": make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage(tt.id, tt.sender, tt.content, tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestMessageIsImmutable(t *testing.T) {
	content := map[string]any{"list": []any{1, 2}}
	m, err := NewMessage(BuildMessageID(PriorityNormal, 1, 1, 0), "a", content, WithRecipients("b"))
	require.NoError(t, err)

	content["list"].([]any)[0] = 99
	content["extra"] = true
	got := m.Content()
	got["mutated"] = true
	m.Recipients()[0] = "z"

	assert.Equal(t, map[string]any{"list": []any{int64(1), int64(2)}}, m.Content())
	assert.Equal(t, []string{"b"}, m.Recipients())
}

func TestRecipientsDeduplicated(t *testing.T) {
	m := fullMessage(t)
	assert.Equal(t, []string{"bob", "carol"}, m.Recipients())
	assert.True(t, m.HasRecipients())
}

func TestAbsentVersusEmptyRecipients(t *testing.T) {
	id := BuildMessageID(PriorityNormal, 1, 1, 0)
	absent, err := NewMessage(id, "a", map[string]any{})
	require.NoError(t, err)
	empty, err := NewMessage(id, "a", map[string]any{}, WithRecipients())
	require.NoError(t, err)

	assert.Nil(t, absent.Recipients())
	assert.NotNil(t, empty.Recipients())
	assert.False(t, absent.HasRecipients())
	assert.False(t, empty.HasRecipients())
	assert.False(t, absent.Equal(empty))
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, m := range []*Message{
		fullMessage(t),
		mustMessage(t, BuildMessageID(PriorityUrgent, 5, 0, 1), "x", map[string]any{}),
		mustMessage(t, BuildMessageID(PriorityLowest, 5, 0, 1), "x", map[string]any{"big": int64(1) << 53, "f": 0.1}, WithRecipients()),
	} {
		data, err := m.Serialize()
		require.NoError(t, err)
		got, err := Deserialize(data)
		require.NoError(t, err)
		assert.True(t, m.Equal(got), "round trip of %s: %s", m, data)
	}
}

func TestSerializeShape(t *testing.T) {
	m := mustMessage(t, BuildMessageID(PriorityLow, 5, 1, 0), "a", map[string]any{"k": "v"})
	data, err := m.Serialize()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.ElementsMatch(t, []string{"id", "sender", "content", "priority"}, keys(raw))
	assert.Equal(t, float64(PriorityLow), raw["priority"])
}

func TestDeserializeStrict(t *testing.T) {
	id := BuildMessageID(PriorityNormal, 5, 1, 0)
	valid := func(extra string) string {
		return `{"id":` + id.String() + `,"sender":"a","content":{},"priority":4` + extra + `}`
	}
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{name: "missing id", data: `{"sender":"a","content":{},"priority":4}`, field: "id"},
		{name: "missing sender", data: `{"id":` + id.String() + `,"content":{},"priority":4}`, field: "sender"},
		{name: "missing content", data: `{"id":` + id.String() + `,"sender":"a","priority":4}`, field: "content"},
		{name: "missing priority", data: `{"id":` + id.String() + `,"sender":"a","content":{}}`, field: "priority"},
		{name: "priority out of range", data: `{"id":` + id.String() + `,"sender":"a","content":{},"priority":263}`, field: "priority"},
		{name: "priority disagrees with id", data: `{"id":` + id.String() + `,"sender":"a","content":{},"priority":1}`, field: "priority"},
		{name: "content not an object", data: `{"id":` + id.String() + `,"sender":"a","content":[1],"priority":4}`, field: "content"},
		{name: "sender wrong type", data: `{"id":` + id.String() + `,"sender":5,"content":{},"priority":4}`, field: "sender"},
		{name: "unknown field", data: valid(`,"colour":"red"`)},
		{name: "trailing data", data: valid(``) + `{}`},
		{name: "not json", data: `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Deserialize([]byte(tt.data))
			require.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, m)
			if tt.field != "" {
				var de *DecodeError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, tt.field, de.Field)
			}
		})
	}

	m, err := Deserialize([]byte(valid("")))
	require.NoError(t, err)
	assert.Equal(t, id, m.ID())
}

func TestDeserializeKeepsNumbersExact(t *testing.T) {
	id := BuildMessageID(PriorityNormal, 5, 1, 0)
	data := `{"id":` + id.String() + `,"sender":"a","content":{"n":9007199254740993},"priority":4}`
	m, err := Deserialize([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), m.Content()["n"])
}

func TestEqual(t *testing.T) {
	a := fullMessage(t)
	b := fullMessage(t)
	assert.True(t, a.Equal(b))

	id := BuildMessageID(PriorityNormal, 5, 1, 0)
	x := mustMessage(t, id, "a", map[string]any{"n": 1})
	y := mustMessage(t, id, "a", map[string]any{"n": json.Number("1")})
	assert.True(t, x.Equal(y))

	assert.False(t, x.Equal(mustMessage(t, id, "b", map[string]any{"n": 1})))
	assert.False(t, x.Equal(mustMessage(t, id, "a", map[string]any{"n": 2})))
	assert.False(t, x.Equal(mustMessage(t, id, "a", map[string]any{"n": 1}, WithTopic("t"))))
	assert.False(t, x.Equal(nil))
}

func TestMessageJSONMarshaler(t *testing.T) {
	m := fullMessage(t)
	data, err := json.Marshal(struct {
		M *Message `json:"m"`
	}{m})
	require.NoError(t, err)

	var out struct {
		M Message `json:"m"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, m.Equal(&out.M))
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{"", "json", "MSGPACK"} {
		c, err := NewCodec(name)
		require.NoError(t, err, name)

		m := fullMessage(t)
		data, err := c.Encode(m)
		require.NoError(t, err)
		got, err := c.Decode(data)
		require.NoError(t, err, c.Name())
		assert.True(t, m.Equal(got), c.Name())

		_, err = c.Decode([]byte{0xc1, 0x00})
		assert.ErrorIs(t, err, ErrDecode, c.Name())
	}

	_, err := NewCodec("xml")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestContentCanonicalForm(t *testing.T) {
	id := BuildMessageID(PriorityNormal, 5, 1, 0)
	want := map[string]any{
		"small":  int64(5),
		"sized":  int64(7),
		"whole":  int64(2),
		"frac":   1.5,
		"huge":   float64(uint64(1) << 63),
		"num":    int64(42),
		"nested": map[string]any{"list": []any{int64(1), "x", true, nil}},
	}
	m := mustMessage(t, id, "a", map[string]any{
		"small":  5,
		"sized":  uint8(7),
		"whole":  2.0,
		"frac":   float32(1.5),
		"huge":   uint64(1) << 63,
		"num":    json.Number("42"),
		"nested": map[string]any{"list": []any{1, "x", true, nil}},
	})
	assert.Equal(t, want, m.Content())

	for _, name := range []string{"json", "msgpack"} {
		c, err := NewCodec(name)
		require.NoError(t, err)
		data, err := c.Encode(m)
		require.NoError(t, err)
		got, err := c.Decode(data)
		require.NoError(t, err, name)
		assert.Equal(t, want, got.Content(), name)
	}
}

func mustMessage(t *testing.T, id MessageID, sender string, content map[string]any, opts ...MessageOption) *Message {
	t.Helper()
	m, err := NewMessage(id, sender, content, opts...)
	require.NoError(t, err)
	return m
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
