// Package chat delivers assistant messages to users. Providers speak one
// concrete channel each (webhook, SMS, mail, log); the Router implements the
// Client port handlers consume, resolving each user's channel and address
// from their stored settings.
package chat

import "context"

// Channel names as stored in user settings and configuration.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelSNS     = "sns"
	ChannelMail    = "mail"
)

// ValidChannel reports whether name is a known delivery channel.
func ValidChannel(name string) bool {
	switch name {
	case ChannelLog, ChannelWebhook, ChannelSNS, ChannelMail:
		return true
	}
	return false
}

// SendResult holds the outcome of a delivery.
type SendResult struct {
	MessageID string
	Status    string
}

// Client is the delivery port job handlers consume: address a user, not a
// channel endpoint.
type Client interface {
	SendMessage(ctx context.Context, userID, text string) (*SendResult, error)
}

// Provider delivers text to one channel-specific address: a user id for
// webhook and log, an E.164 number for sns, an email address for mail.
type Provider interface {
	Send(ctx context.Context, to, text string) (*SendResult, error)
}
