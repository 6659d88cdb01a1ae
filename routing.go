package xinbox

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// RoutingPolicy picks recipients for a message that names none. clients is
// the sorted list of ids registered on the bus, sender included.
type RoutingPolicy interface {
	Route(msg *Message, clients []string) []string
}

// RoutingFunc is an Adapter that lets a plain function satisfy RoutingPolicy.
type RoutingFunc func(msg *Message, clients []string) []string

func (f RoutingFunc) Route(msg *Message, clients []string) []string { return f(msg, clients) }

// BroadcastPolicy routes to every registered client except the sender.
type BroadcastPolicy struct{}

func (BroadcastPolicy) Route(msg *Message, clients []string) []string {
	out := make([]string, 0, len(clients))
	for _, id := range clients {
		if id != msg.Sender() {
			out = append(out, id)
		}
	}
	return out
}

// DirectOrFallbackPolicy routes unaddressed messages to a single fallback client.
type DirectOrFallbackPolicy struct {
	Fallback string
}

func (p DirectOrFallbackPolicy) Route(msg *Message, clients []string) []string {
	if p.Fallback == "" {
		return nil
	}
	return []string{p.Fallback}
}

// MessageProperty names a message field a HashPolicy can key on.
type MessageProperty string

const (
	PropertyID         MessageProperty = "id"
	PropertySender     MessageProperty = "sender"
	PropertyContent    MessageProperty = "content"
	PropertyRecipients MessageProperty = "recipients"
	PropertyPriority   MessageProperty = "priority"
	PropertyTopic      MessageProperty = "topic"
)

// HashPolicy routes each message to exactly one client chosen by a sha256
// of the selected properties, so equal keys always land on the same client.
type HashPolicy struct {
	Properties []MessageProperty
}

func (p HashPolicy) Route(msg *Message, clients []string) []string {
	if len(clients) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, prop := range p.Properties {
		sb.WriteString(propertyString(msg, prop))
	}
	sum := sha256.Sum256([]byte(sb.String()))
	idx := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(len(clients))))
	return []string{clients[idx.Int64()]}
}

func propertyString(msg *Message, prop MessageProperty) string {
	switch prop {
	case PropertyID:
		return msg.ID().String()
	case PropertySender:
		return msg.Sender()
	case PropertyContent:
		b, _ := json.Marshal(msg.content)
		return string(b)
	case PropertyRecipients:
		return strings.Join(msg.recipients, ",")
	case PropertyPriority:
		return fmt.Sprint(int(msg.Priority()))
	case PropertyTopic:
		t, _ := msg.Topic()
		return t
	default:
		return ""
	}
}
