package xinbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// participant carries what every kind of client shares: an identity on a bus
// and the ability to send and retract messages.
type participant struct {
	id     string
	bus    *Bus
	closed atomic.Bool
}

func (p *participant) ID() string { return p.id }
func (p *participant) Bus() *Bus  { return p.bus }

// SendMessage mints an id, builds the message and enqueues it for its
// recipients. It returns as soon as every inbox copy is written.
//
// If enqueueing fails after some copies were written, the message is
// returned along with the error so the caller can retract it by id.
func (p *participant) SendMessage(ctx context.Context, content map[string]any, opts ...MessageOption) (*Message, error) {
	if p.closed.Load() {
		return nil, ErrClientClosed
	}
	o := collectOptions(opts)
	prio := DefaultPriority
	if o.hasPriority {
		prio = o.priority
	}
	id, err := p.bus.NewMessageID(prio)
	if err != nil {
		return nil, err
	}
	o.priority, o.hasPriority = prio, true

	msg, err := newMessage(id, p.id, content, o)
	if err != nil {
		return nil, err
	}
	if sent, err := p.bus.Send(ctx, msg); err != nil {
		if len(sent) > 0 {
			return msg, err
		}
		return nil, err
	}
	return msg, nil
}

// RemoveSentMessage retracts a message this client sent. recipientIDs may be
// []string{"*"} to retract it from every registered client.
func (p *participant) RemoveSentMessage(ctx context.Context, recipientIDs []string, id MessageID) error {
	if p.closed.Load() {
		return ErrClientClosed
	}
	return p.bus.RemoveReceivedMessage(ctx, p.id, recipientIDs, id)
}

// Client is a pull-style participant: it reads its inbox with Receive.
type Client struct {
	participant

	cursorMu sync.Mutex
	cursor   MessageID
}

// NewClient registers id on bus.
func NewClient(ctx context.Context, id string, bus *Bus) (*Client, error) {
	if bus == nil {
		return nil, fmt.Errorf("xinbox: client %q: nil bus", id)
	}
	c := &Client{participant: participant{id: id, bus: bus}}
	if err := bus.RegisterClient(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

// Receive acknowledges the message returned by the previous call and returns
// the next one, or nil when the inbox is empty.
func (c *Client) Receive(ctx context.Context) (*Message, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()

	msg, err := c.bus.NextUnread(ctx, c.id, c.cursor)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		c.cursor = NoCursor
		return nil, nil
	}
	c.cursor = msg.ID()
	return msg, nil
}

// Close unregisters the client and drops its inbox.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.bus.unregister(ctx, c.id, true)
}
