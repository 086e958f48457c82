// Package stdout implements a Provider that captures emails on standard
// output instead of delivering them. The relay uses it for scopes where
// Brevo delivery is disabled.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/brevo-relay/internal/email"
	"github.com/shineum/brevo-relay/internal/normalize"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message with its body normalized to HTML.
// It always returns nil.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	if len(msg.From) > 0 {
		fmt.Fprintf(&b, "From: %s\n", formatAddresses(msg.From))
	}
	fmt.Fprintf(&b, "To: %s\n", formatAddresses(msg.To))
	if msg.Scope != "" {
		fmt.Fprintf(&b, "Scope: %s\n", msg.Scope)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Body (%s):\n", bodyKind(msg.Body))
	b.WriteString(normalize.HTML(msg.Body) + "\n")
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()

	// A failed write is not a delivery failure for a capture sink.
	_, _ = io.WriteString(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatAddresses(addrs []email.Address) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Email))
			continue
		}
		out = append(out, a.Email)
	}
	return strings.Join(out, ", ")
}

// bodyKind names the body variant for display.
func bodyKind(body email.Body) string {
	switch b := body.(type) {
	case email.PlainText:
		return "plain"
	case email.MultiPart:
		return fmt.Sprintf("multipart, %d parts", len(b))
	case email.RawFallback:
		return "raw"
	default:
		return "empty"
	}
}
