// Package relay redirects outgoing mail from the SMTP pipeline to the Brevo
// transactional email API.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/brevo-relay/internal/email"
	"github.com/shineum/brevo-relay/internal/normalize"
	"github.com/shineum/brevo-relay/internal/provider"
	"github.com/shineum/brevo-relay/internal/provider/brevo"
	"github.com/shineum/brevo-relay/internal/recipient"
	"github.com/shineum/brevo-relay/internal/secret"
	"github.com/shineum/brevo-relay/internal/settings"
)

// Gateway delivers a prepared request. *brevo.Client implements it.
type Gateway interface {
	Send(ctx context.Context, req brevo.DeliveryRequest, apiKey string) (brevo.Outcome, error)
}

// Redirector implements provider.Provider by sending every message through
// the Gateway, or through the fallback provider when the message's scope has
// delivery disabled.
type Redirector struct {
	store    settings.Store
	crypter  *secret.Crypter
	gateway  Gateway
	fallback provider.Provider
}

var _ provider.Provider = (*Redirector)(nil)

// New creates a Redirector.
func New(store settings.Store, crypter *secret.Crypter, gateway Gateway, fallback provider.Provider) *Redirector {
	return &Redirector{
		store:    store,
		crypter:  crypter,
		gateway:  gateway,
		fallback: fallback,
	}
}

// Send resolves the scope settings, picks the recipient, normalizes the body
// and hands the result to the gateway.
func (r *Redirector) Send(ctx context.Context, msg *email.Message) error {
	scope := msg.Scope
	if scope == "" {
		scope = settings.DefaultScope
	}

	cfg := settings.Resolve(r.store, scope)
	if !cfg.Enabled {
		slog.Debug("Brevo delivery disabled for scope, using fallback",
			"scope", scope,
			"fallback", r.fallback.Name(),
		)
		return r.fallback.Send(ctx, msg)
	}

	if err := r.deliver(ctx, msg, cfg); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (r *Redirector) Name() string {
	return "brevo"
}

func (r *Redirector) deliver(ctx context.Context, msg *email.Message, cfg settings.Settings) error {
	apiKey, err := r.crypter.Decrypt(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to decrypt API key: %w", err)
	}

	res, err := recipient.Resolve(msg, cfg)
	if err != nil {
		return err
	}

	body := normalize.HTML(msg.Body)
	if res.Redirected() {
		body = recipient.InjectBanner(body, res.Original)
		slog.Info("test mode redirect",
			"original_to", res.Original,
			"to", res.Recipient,
		)
	}

	_, err = r.gateway.Send(ctx, brevo.NewDeliveryRequest(msg, res, body), apiKey)
	return err
}
