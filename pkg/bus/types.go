package bus

import (
	"context"
	"time"
)

// InboundMessage is the normalized form of a chat message handed to the
// agent side. Sender is the address replies must be sent to, which is not
// necessarily the platform user id.
type InboundMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundMessage is a reply produced by the agent side. Recipient carries
// the Sender of the message being answered.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// Publisher accepts normalized inbound messages.
type Publisher interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
}
