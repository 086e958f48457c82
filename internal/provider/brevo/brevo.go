package brevo

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/shineum/brevo-relay/internal/deliverylog"
	"github.com/shineum/brevo-relay/internal/recipient"
)

// Defaults for Config.
const (
	DefaultAPIURL          = "https://api.brevo.com/v3/smtp/email"
	DefaultSenderEmail     = "noreply@brevo.com"
	DefaultReplyToFallback = "no-reply@example.com"
	DefaultConnectTimeout  = 15 * time.Second
	DefaultTimeout         = 30 * time.Second
)

// maxResponseSize bounds how much of a reply body is read.
const maxResponseSize = 1 << 20

// Config holds the settings for creating a Client.
type Config struct {
	APIURL string
	// SenderEmail is the verified address every message is sent from.
	SenderEmail     string
	ReplyToFallback string
	ConnectTimeout  time.Duration
	Timeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.SenderEmail == "" {
		c.SenderEmail = DefaultSenderEmail
	}
	if c.ReplyToFallback == "" {
		c.ReplyToFallback = DefaultReplyToFallback
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Client sends messages through the Brevo API. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        deliverylog.Sink
}

// New creates a Client that records every attempt in sink.
func New(cfg Config, sink deliverylog.Sink) *Client {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialIPv4(&net.Dialer{Timeout: cfg.ConnectTimeout}),
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		log: sink,
	}
}

// Send delivers req with the given API key. A log record is written for
// every attempt that reaches the API, before any error is returned, except
// when the reply is not valid JSON.
func (c *Client) Send(ctx context.Context, req DeliveryRequest, apiKey string) (Outcome, error) {
	if req.Recipient == "" {
		return Outcome{}, recipient.ErrNoRecipient
	}

	// Once issued the call runs to completion and is logged even if the
	// caller goes away; the client timeout still bounds it.
	ctx = context.WithoutCancel(ctx)

	payload := c.buildPayload(req)
	bodyJSON, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := c.doSendRequest(ctx, bodyJSON, apiKey)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{MessageID: resp.MessageID, Status: resp.status()}
	c.record(ctx, deliverylog.Record{
		EmailTo:      req.Recipient,
		EmailSubject: payload.Subject,
		EmailBody:    payload.HTMLContent,
		Status:       out.Status,
	})

	if apiErr := resp.apiError(); apiErr != nil {
		slog.Error("Brevo API request failed",
			"to", req.Recipient,
			"error", apiErr.Message,
		)
		return out, apiErr
	}

	slog.Info("email sent via Brevo",
		"to", req.Recipient,
		"original_to", req.OriginalRecipient,
		"message_id", out.MessageID,
	)
	return out, nil
}

// dialIPv4 restricts outgoing connections to IPv4 whatever network the
// transport asks for.
func dialIPv4(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp4", addr)
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "brevo"
}

func (c *Client) buildPayload(req DeliveryRequest) sendEmailRequest {
	subject := req.Subject
	if subject == "" {
		subject = NoSubject
	}

	senderName := req.SenderName
	if senderName == "" {
		senderName = UnknownSenderName
	}

	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = c.cfg.ReplyToFallback
	}

	return sendEmailRequest{
		Sender:      contact{Email: c.cfg.SenderEmail, Name: senderName},
		To:          []contact{{Email: req.Recipient, Name: req.Recipient}},
		Subject:     subject,
		HTMLContent: req.HTMLBody,
		ReplyTo:     contact{Email: replyTo, Name: senderName},
	}
}

// doSendRequest performs the HTTP call. Transport failures and empty replies
// come back as a response carrying an error; only an undecodable reply is
// returned as an error.
func (c *Client) doSendRequest(ctx context.Context, bodyJSON []byte, apiKey string) (*sendEmailResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("accept", "application/json")
	httpReq.Header.Set("api-key", apiKey)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &sendEmailResponse{Error: err.Error(), transportErr: err}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &sendEmailResponse{Error: err.Error(), transportErr: err}, nil
	}
	if len(body) == 0 {
		return &sendEmailResponse{Error: ErrEmptyResponse.Error(), transportErr: ErrEmptyResponse}, nil
	}

	var out sendEmailResponse
	if err := json.Unmarshal(body, &out); err != nil {
		slog.Error("failed to decode Brevo API response",
			"status", resp.StatusCode,
			"error", err,
		)
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}
	return &out, nil
}

// record writes rec to the delivery log. A failed write does not change the
// outcome of the send.
func (c *Client) record(ctx context.Context, rec deliverylog.Record) {
	if c.log == nil {
		return
	}
	if err := c.log.Insert(ctx, rec); err != nil {
		slog.Error("failed to write delivery log",
			"to", rec.EmailTo,
			"status", rec.Status,
			"error", err,
		)
	}
}

// status is the delivery log status for the reply.
func (r *sendEmailResponse) status() string {
	switch {
	case r.MessageID != "":
		return deliverylog.StatusSent
	case r.Error != "":
		return r.Error
	default:
		return deliverylog.StatusError
	}
}

// apiError classifies the reply. An explicit error wins over a message id.
// A reply with neither is a failure; Brevo's own message is reported when
// present.
func (r *sendEmailResponse) apiError() *APIError {
	switch {
	case r.Error != "":
		return &APIError{Message: r.Error, err: r.transportErr}
	case r.MessageID != "":
		return nil
	case r.Message != "":
		return &APIError{Message: r.Message}
	default:
		return &APIError{Message: deliverylog.StatusError}
	}
}
