package realtime

import "context"

// SendOption customizes a single Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	correlationID string
	priority      int
}

// WithPriority orders the message ahead of lower priorities while queued.
func WithPriority(p int) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithCorrelationID sets meta.correlationId on the outgoing frame.
func WithCorrelationID(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// On registers h for eventType, or for every event with Wildcard.
func (c *Client) On(eventType string, h Handler) *Subscription {
	return c.disp.add(eventType, h, false)
}

// Once registers h to run for the next matching event only.
func (c *Client) Once(eventType string, h Handler) *Subscription {
	return c.disp.add(eventType, h, true)
}

// Off removes a subscription. Removing an unknown or already removed
// subscription is a no-op.
func (c *Client) Off(sub *Subscription) {
	sub.Unsubscribe()
}

// OffAll removes every handler registered for eventType and reports how many
// were removed.
func (c *Client) OffAll(eventType string) int {
	return c.disp.removeAll(eventType)
}

// SendTypingStart tells recipientID that the user started typing. scope is
// an optional conversation identifier.
func (c *Client) SendTypingStart(recipientID string, scope ...string) bool {
	d := TypingData{RecipientID: recipientID}
	if len(scope) > 0 {
		d.Context = scope[0]
	}
	return c.Send(TypeTypingStart, d)
}

// SendTypingStop tells recipientID that the user stopped typing.
func (c *Client) SendTypingStop(recipientID string, scope ...string) bool {
	d := TypingData{RecipientID: recipientID}
	if len(scope) > 0 {
		d.Context = scope[0]
	}
	return c.Send(TypeTypingStop, d)
}

// SendReadReceipt reports messageIDs as read. An empty list sends nothing
// and reports true.
func (c *Client) SendReadReceipt(messageIDs []string) bool {
	return c.SendReadReceiptTo("", messageIDs)
}

// SendReadReceiptTo is SendReadReceipt with the sender of the messages named,
// so the server can forward the receipt.
func (c *Client) SendReadReceiptTo(recipientID string, messageIDs []string) bool {
	if len(messageIDs) == 0 {
		return true
	}
	ids := make([]string, len(messageIDs))
	copy(ids, messageIDs)
	return c.Send(TypeReadReceipt, ReadReceiptData{MessageIDs: ids, RecipientID: recipientID})
}

// SendPresence announces the user's presence status.
func (c *Client) SendPresence(status string) bool {
	return c.Send(TypePresenceUpdate, PresenceData{Status: status})
}

// QueuedMessages returns a copy of the outbound queue in send order.
func (c *Client) QueuedMessages() []QueuedMessage {
	return c.queue.snapshot()
}

// ClearMessageQueue discards every queued message.
func (c *Client) ClearMessageQueue() {
	if n := c.queue.clear(); n > 0 {
		c.logger.Info("outbound queue cleared", "discarded", n)
		c.syncQueue()
	}
}

type clientKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// FromContext returns the client stored by NewContext.
func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*Client)
	return c, ok
}
