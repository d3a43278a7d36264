// Package provider abstracts the external transactional-email capability
// and implements it against AWS SES v2.
package provider

import "context"

// Email is one outbound provider call: a rendered message addressed to one
// or more recipients.
type Email struct {
	From     string
	To       []string
	ReplyTo  []string
	Subject  string
	HTMLBody string
	TextBody string

	// ConfigurationSet, when non-empty, enables SES event publishing for
	// this send.
	ConfigurationSet string

	// Tags are attached as provider message tags and echoed back on every
	// delivery event for this send.
	Tags map[string]string
}

// Result is the provider's acknowledgement of an accepted send.
type Result struct {
	// MessageID is the provider-assigned identifier for the send.
	MessageID string
}

// Sender issues a single send operation against the provider.
type Sender interface {
	Send(ctx context.Context, email *Email) (*Result, error)
}
