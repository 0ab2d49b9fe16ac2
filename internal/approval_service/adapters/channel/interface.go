package channel

import (
	"context"
)

// SendRequest holds what a channel needs to transmit one approved reply.
type SendRequest struct {
	MessageID      string // our outbound message id
	ConversationID string
	Recipient      string
	Content        string
}

// SendResponse is returned only when the channel accepted the message.
type SendResponse struct {
	ChannelMessageID string // id assigned by the channel, never empty
}

// Adapter transmits a message exactly once per call. Implementations do not retry.
type Adapter interface {
	Send(ctx context.Context, request SendRequest) (*SendResponse, error)
	Name() string
}
