package deliverylog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeExec records Exec calls in place of a pgx pool.
type fakeExec struct {
	sql  []string
	args [][]any
	err  error
}

func (f *fakeExec) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, arguments)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresSink_Insert(t *testing.T) {
	t.Parallel()

	db := &fakeExec{}
	sink := &PostgresSink{db: db}

	err := sink.Insert(context.Background(), Record{
		EmailTo:      "buyer@x.com",
		EmailSubject: "Order shipped",
		EmailBody:    "<html><body>Thanks!</body></html>",
		Status:       StatusSent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(db.sql) != 1 {
		t.Fatalf("Exec calls: got %d, want 1", len(db.sql))
	}
	if !strings.HasPrefix(db.sql[0], "INSERT INTO "+TableName) {
		t.Errorf("SQL: got %q, want INSERT INTO %s", db.sql[0], TableName)
	}
	if strings.Contains(db.sql[0], "UPDATE") || strings.Contains(db.sql[0], "DELETE") {
		t.Errorf("SQL must be insert-only, got %q", db.sql[0])
	}

	want := []any{"buyer@x.com", "Order shipped", "<html><body>Thanks!</body></html>", "SENT"}
	got := db.args[0]
	if len(got) != len(want) {
		t.Fatalf("args: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPostgresSink_InsertTruncatesColumns(t *testing.T) {
	t.Parallel()

	db := &fakeExec{}
	sink := &PostgresSink{db: db}

	longStatus := "dial tcp4: lookup api.brevo.com: " + strings.Repeat("x", 100)
	err := sink.Insert(context.Background(), Record{
		EmailTo:      strings.Repeat("a", 300),
		EmailSubject: strings.Repeat("ñ", 300),
		Status:       longStatus,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	args := db.args[0]
	if n := len([]rune(args[0].(string))); n != 255 {
		t.Errorf("email_to length: got %d, want 255", n)
	}
	if n := len([]rune(args[1].(string))); n != 255 {
		t.Errorf("email_subject length: got %d runes, want 255", n)
	}
	if got := args[3].(string); got != longStatus[:50] {
		t.Errorf("status: got %q, want %q", got, longStatus[:50])
	}
}

func TestPostgresSink_InsertMakesFieldsStorable(t *testing.T) {
	t.Parallel()

	db := &fakeExec{}
	sink := &PostgresSink{db: db}

	err := sink.Insert(context.Background(), Record{
		EmailTo:      "buyer@x.com\x00",
		EmailSubject: "caf\xe9",
		EmailBody:    "<html><body>caf\xe9 \x00end</body></html>",
		Status:       StatusSent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"buyer@x.com",
		"caf\uFFFD",
		"<html><body>caf\uFFFD end</body></html>",
		"SENT",
	}
	for i, w := range want {
		got := db.args[0][i].(string)
		if got != w {
			t.Errorf("arg %d: got %q, want %q", i, got, w)
		}
		if !utf8.ValidString(got) || strings.ContainsRune(got, 0) {
			t.Errorf("arg %d: %q is not storable", i, got)
		}
	}
}

func TestPostgresSink_InsertError(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("connection refused")
	sink := &PostgresSink{db: &fakeExec{err: dbErr}}

	err := sink.Insert(context.Background(), Record{Status: StatusSent})
	if !errors.Is(err, dbErr) {
		t.Errorf("error: got %v, want wrapped %v", err, dbErr)
	}
}

func TestPostgresSink_Migrate(t *testing.T) {
	t.Parallel()

	db := &fakeExec{}
	sink := &PostgresSink{db: db}

	if err := sink.Migrate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sql := db.sql[0]
	for _, col := range []string{"log_id", "email_to", "email_subject", "email_body", "created_at", "status"} {
		if !strings.Contains(sql, col) {
			t.Errorf("schema missing column %q", col)
		}
	}
	if !strings.Contains(sql, "IF NOT EXISTS") {
		t.Error("migration should be idempotent")
	}
}

func TestSlogSink_Insert(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewSlogSink(logger)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	err := sink.Insert(context.Background(), Record{
		EmailTo:      "buyer@x.com",
		EmailSubject: "Hi",
		EmailBody:    "<html></html>",
		Status:       "Invalid API key",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["email_to"] != "buyer@x.com" {
		t.Errorf("email_to: got %v, want %q", entry["email_to"], "buyer@x.com")
	}
	if entry["status"] != "Invalid API key" {
		t.Errorf("status: got %v, want %q", entry["status"], "Invalid API key")
	}
	if entry["email_body_bytes"] != float64(len("<html></html>")) {
		t.Errorf("email_body_bytes: got %v, want %d", entry["email_body_bytes"], len("<html></html>"))
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exact", 5, "exact"},
		{"toolong", 3, "too"},
		{"ñandú", 2, "ña"},
		{"", 3, ""},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
