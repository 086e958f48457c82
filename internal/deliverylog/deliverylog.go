// Package deliverylog persists one audit record per delivery attempt. Records
// are insert-only: nothing here reads, updates or deletes them.
package deliverylog

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// StatusSent marks a delivery accepted by the provider.
const StatusSent = "SENT"

// StatusError is used when the provider reply carries neither a message id
// nor an error text.
const StatusError = "ERROR"

// Column limits of the log table.
const (
	maxAddressLen = 255
	maxSubjectLen = 255
	maxStatusLen  = 50
)

// Record is a single delivery log entry.
type Record struct {
	EmailTo      string
	EmailSubject string
	EmailBody    string
	Status       string

	// CreatedAt is assigned by the sink.
	CreatedAt time.Time
}

// Sink stores delivery log records.
type Sink interface {
	Insert(ctx context.Context, rec Record) error
}

// fit makes every field storable in a PostgreSQL text column and truncates
// to the column limits.
func (r Record) fit() Record {
	r.EmailTo = truncate(storable(r.EmailTo), maxAddressLen)
	r.EmailSubject = truncate(storable(r.EmailSubject), maxSubjectLen)
	r.EmailBody = storable(r.EmailBody)
	r.Status = truncate(storable(r.Status), maxStatusLen)
	return r
}

// storable drops NUL bytes and replaces invalid UTF-8 sequences with U+FFFD.
func storable(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ToValidUTF8(s, "\uFFFD")
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// SlogSink writes records to a structured logger. It is used when no
// database is configured.
type SlogSink struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSlogSink creates a SlogSink. A nil logger means slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger, now: time.Now}
}

// Insert implements Sink.
func (s *SlogSink) Insert(ctx context.Context, rec Record) error {
	rec = rec.fit()
	rec.CreatedAt = s.now()

	s.logger.InfoContext(ctx, "email delivery logged",
		"email_to", rec.EmailTo,
		"email_subject", rec.EmailSubject,
		"email_body_bytes", len(rec.EmailBody),
		"status", rec.Status,
		"created_at", rec.CreatedAt,
	)
	return nil
}
