package xinbox

import "context"

// Backend is the Strategy interface for inbox storage engines.
//
// Every engine must behave identically for the same sequence of calls:
//   - inboxes are keyed by (busID, clientID);
//   - an entry is identified by (MessageID, sender), so equal ids minted by
//     two processes sharing a machine id are both kept;
//   - entries are ordered by MessageID, lowest first, then by sender bytes;
//   - adding an entry that is already queued is a no-op.
type Backend interface {
	// CreateInbox makes the inbox exist. Idempotent.
	CreateInbox(ctx context.Context, busID, clientID string) error
	// RemoveInbox drops the inbox and everything queued in it.
	RemoveInbox(ctx context.Context, busID, clientID string) error
	// AddMessageToInbox enqueues msg for clientID.
	AddMessageToInbox(ctx context.Context, busID, clientID string, msg *Message) error
	// GetNextUnreadMessage treats the first entry whose id equals cursor as
	// consumed and deletes it, then returns the lowest remaining entry without removing
	// it. It returns (nil, nil) when nothing is queued.
	GetNextUnreadMessage(ctx context.Context, busID, clientID string, cursor MessageID) (*Message, error)
	// RemoveReceivedMessage retracts the entry sent by senderID with the given
	// id from each listed inbox. Missing inboxes and entries are ignored.
	RemoveReceivedMessage(ctx context.Context, busID, senderID string, recipientIDs []string, id MessageID) error
	// Close releases engine resources.
	Close(ctx context.Context) error
}

// Handler processes a single delivered message. Returned errors are logged by
// the delivery loop; they never stop it.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}
