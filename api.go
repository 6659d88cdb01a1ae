package xinbox

import "context"

// API is the Bus surface clients and adapters program against.
type API interface {
	ID() string
	RegisterClient(ctx context.Context, clientID string) error
	UnregisterClient(ctx context.Context, clientID string) error
	IsRegistered(clientID string) bool
	Clients() []string
	Send(ctx context.Context, msg *Message) ([]string, error)
	NextUnread(ctx context.Context, clientID string, cursor MessageID) (*Message, error)
	RemoveReceivedMessage(ctx context.Context, senderID string, recipientIDs []string, id MessageID) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
