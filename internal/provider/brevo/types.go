// Package brevo delivers messages through the Brevo transactional email API
// and records every attempt in the delivery log.
package brevo

import (
	"errors"
	"strings"

	"github.com/shineum/brevo-relay/internal/email"
	"github.com/shineum/brevo-relay/internal/recipient"
)

// UnknownSenderName is used when a message has no From address.
const UnknownSenderName = "Unknown sender"

// NoSubject replaces an empty subject.
const NoSubject = "No Subject"

// ErrEmptyResponse is reported when the API answers with an empty body.
var ErrEmptyResponse = errors.New("Empty response from API")

// APIError is a delivery failure reported by the API or by the transport.
type APIError struct {
	Message string
	err     error
}

func (e *APIError) Error() string {
	return "Brevo API error: " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.err
}

// DeliveryRequest is a normalized message ready to be sent.
type DeliveryRequest struct {
	// Recipient is the address the message is delivered to.
	Recipient string
	// OriginalRecipient is the primary To address of the source message.
	OriginalRecipient string
	Subject           string
	HTMLBody          string
	SenderName        string
	// ReplyTo is the original sender address. Empty means the configured
	// fallback.
	ReplyTo string
}

// NewDeliveryRequest builds a request from a source message, its resolved
// recipient and its normalized body.
func NewDeliveryRequest(msg *email.Message, res recipient.Resolution, htmlBody string) DeliveryRequest {
	req := DeliveryRequest{
		Recipient:         res.Recipient,
		OriginalRecipient: res.Original,
		Subject:           msg.Subject,
		HTMLBody:          htmlBody,
		SenderName:        UnknownSenderName,
	}

	if from, ok := msg.FirstFrom(); ok {
		req.ReplyTo = strings.TrimSpace(from.Email)
		req.SenderName = strings.TrimSpace(from.Name)
		if req.SenderName == "" {
			req.SenderName = req.ReplyTo
		}
		if req.SenderName == "" {
			req.SenderName = UnknownSenderName
		}
	}

	return req
}

// Outcome is the classified result of one API call.
type Outcome struct {
	MessageID string
	// Status is the value written to the delivery log.
	Status string
}

// sendEmailRequest is the body of POST /v3/smtp/email.
type sendEmailRequest struct {
	Sender      contact   `json:"sender"`
	To          []contact `json:"to"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"htmlContent"`
	ReplyTo     contact   `json:"replyTo"`
}

type contact struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// sendEmailResponse covers both the success and the error reply shapes.
type sendEmailResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`

	// transportErr is set when the reply was synthesized from a failure
	// before any JSON was received.
	transportErr error
}
