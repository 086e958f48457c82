// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/brevo-relay/internal/email"
)

// Provider is the interface the SMTP server hands accepted messages to.
// Implementations are the Brevo redirector and the stdout capture sink.
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
