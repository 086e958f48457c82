// Package parser turns raw RFC 5322 DATA into the relay's message model.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/brevo-relay/internal/email"
)

// ScopeHeader names the settings scope a message belongs to.
const ScopeHeader = "X-Store-Scope"

// maxNestingDepth bounds multipart recursion.
const maxNestingDepth = 8

// Parse parses a raw message. Only a malformed header block is an error: a
// body that cannot be split into parts is kept as a RawFallback.
func Parse(raw []byte) (*email.Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	h := mail.Header{Header: message.Header{Header: th}}
	result := &email.Message{
		From:  parseAddressList(h, "From"),
		To:    parseAddressList(h, "To"),
		Scope: strings.TrimSpace(th.Get(ScopeHeader)),
	}

	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = th.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		result.MessageID = id
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	result.Body = parseBody(th, body, raw)
	return result, nil
}

// parseBody picks the body variant for a message with header th.
func parseBody(th textproto.Header, body, raw []byte) email.Body {
	contentType, mediaType, params, err := contentTypeOf(th)
	if err != nil {
		slog.Warn("failed to parse content type, keeping raw message",
			"content_type", contentType,
			"error", err,
		)
		return email.RawFallback(raw)
	}
	encoding := transferEncoding(th)

	if !strings.HasPrefix(mediaType, "multipart/") {
		if mediaType == "text/plain" && isIdentityEncoding(encoding) && isUTF8Compatible(params["charset"]) {
			return email.PlainText(body)
		}
		return email.MultiPart{{Type: contentType, Encoding: encoding, Content: string(body)}}
	}

	boundary := params["boundary"]
	if boundary == "" {
		slog.Warn("multipart message missing boundary, keeping raw message")
		return email.RawFallback(raw)
	}

	var parts email.MultiPart
	if err := collectParts(bytes.NewReader(body), boundary, 0, &parts); err != nil {
		slog.Warn("failed to parse multipart message, keeping raw message",
			"error", err,
		)
		return email.RawFallback(raw)
	}
	if len(parts) == 0 {
		return email.RawFallback(raw)
	}
	return parts
}

// collectParts flattens a multipart tree into its leaf parts, in order.
// Attachments are skipped. Part content stays in its transfer encoding.
func collectParts(r io.Reader, boundary string, depth int, parts *email.MultiPart) error {
	if depth >= maxNestingDepth {
		return errors.New("multipart nesting too deep")
	}

	mr := textproto.NewMultipartReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		if isAttachment(part.Header) {
			slog.Debug("skipping attachment part", "content_type", part.Header.Get("Content-Type"))
			continue
		}

		contentType, mediaType, params, err := contentTypeOf(part.Header)
		if err != nil {
			slog.Warn("failed to parse part content type, keeping part as is",
				"content_type", contentType,
				"error", err,
			)
		}

		if err == nil && strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := collectParts(part, nested, depth+1, parts); err != nil {
				return err
			}
			continue
		}

		content, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("failed to read part content: %w", err)
		}

		*parts = append(*parts, email.Part{
			Type:     contentType,
			Encoding: transferEncoding(part.Header),
			Content:  string(content),
		})
	}
}

// contentTypeOf returns the raw Content-Type of h, defaulting to text/plain,
// along with its parsed media type and parameters.
func contentTypeOf(h textproto.Header) (raw, mediaType string, params map[string]string, err error) {
	raw = h.Get("Content-Type")
	if raw == "" {
		return "text/plain", "text/plain", nil, nil
	}
	mh := message.Header{Header: h}
	mediaType, params, err = mh.ContentType()
	return raw, mediaType, params, err
}

func transferEncoding(h textproto.Header) string {
	return strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
}

func isIdentityEncoding(enc string) bool {
	switch enc {
	case "", "7bit", "8bit", "binary":
		return true
	default:
		return false
	}
}

func isUTF8Compatible(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii":
		return true
	default:
		return false
	}
}

func isAttachment(h textproto.Header) bool {
	disposition := strings.ToLower(strings.TrimSpace(h.Get("Content-Disposition")))
	return strings.HasPrefix(disposition, "attachment")
}

// parseAddressList reads the address list under key, falling back to a plain
// comma split when the header is not valid RFC 5322.
func parseAddressList(h mail.Header, key string) []email.Address {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := h.AddressList(key)
	if err != nil {
		slog.Debug("failed to parse address list, splitting on commas",
			"header", key,
			"error", err,
		)
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, email.Address{Email: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address{Name: addr.Name, Email: addr.Address})
	}
	return result
}
