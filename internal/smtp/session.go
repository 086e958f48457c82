package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/brevo-relay/internal/email"
	"github.com/shineum/brevo-relay/internal/parser"
	"github.com/shineum/brevo-relay/internal/provider"
	"github.com/shineum/brevo-relay/internal/recipient"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// Defaults for SessionConfig.
const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

// errMessageTooLarge is returned by readData when the DATA payload exceeds
// the size limit. The payload is still consumed up to its terminator.
var errMessageTooLarge = errors.New("message exceeds size limit")

// SessionConfig holds per-connection settings shared by all sessions of a
// server.
type SessionConfig struct {
	Hostname string

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	IdleTimeout    time.Duration
	MaxMessageSize int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// Session is a single SMTP client connection.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	provider provider.Provider
	cfg      SessionConfig
	log      *slog.Logger

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn. Every log line of the session
// carries a session_id.
func NewSession(conn net.Conn, auth *Authenticator, prov provider.Provider, cfg SessionConfig) *Session {
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateConnected,
		auth:     auth,
		provider: prov,
		cfg:      cfg.withDefaults(),
		log: slog.Default().With(
			"session_id", uuid.NewString(),
			"remote_addr", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.log.Debug("session started")
	s.writeLine("220 %s ESMTP brevo-relay", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection. The client must greet again.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case err == nil:
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case errors.Is(err, errAuthIO):
		s.log.Error("failed to read AUTH response", "error", err)
	default:
		s.log.Warn("authentication failed", "mechanism", mechanism)
		s.writeLine("535 Authentication failed")
	}
}

var (
	errAuthCancelled = errors.New("authentication cancelled")
	errAuthIO        = errors.New("authentication exchange failed")
)

// challenge sends a 334 prompt and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334")
	} else {
		s.writeLine("334 %s", prompt)
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %v", errAuthIO, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

// authPlain handles AUTH PLAIN with the credentials inline or after a prompt.
func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	if encoded == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(encoded)
}

// authLogin handles AUTH LOGIN: base64 "Username:" then "Password:" prompts.
func (s *Session) authLogin() error {
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	// <> is the null reverse-path used by bounces.
	addr, params, ok := splitPath(arg[len("FROM:"):])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := declaredSize(params); ok && size > s.cfg.MaxMessageSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _, ok := splitPath(arg[len("TO:"):])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	switch {
	case errors.Is(err, errMessageTooLarge):
		s.log.Warn("message rejected", "reason", err, "limit", s.cfg.MaxMessageSize)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	case err != nil:
		s.log.Error("error reading DATA", "error", err)
		return
	}

	msg := s.buildMessage(raw)
	if err := s.provider.Send(ctx, msg); err != nil {
		s.log.Error("provider send failed",
			"provider", s.provider.Name(),
			"subject", msg.Subject,
			"error", err,
		)
		s.writeLine(replyFor(err))
		s.resetTransaction()
		return
	}

	s.log.Info("message relayed",
		"provider", s.provider.Name(),
		"from", s.mailFrom,
		"rcpt_count", len(s.rcptTo),
		"scope", msg.Scope,
	)
	s.writeLine("250 OK message sent")
	s.resetTransaction()
}

// readData reads the DATA payload up to the lone-dot terminator, undoing
// dot-stuffing.
func (s *Session) readData() ([]byte, error) {
	var buf []byte
	tooLarge := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge || len(buf)+len(line) > s.cfg.MaxMessageSize {
			tooLarge = true
			continue
		}
		buf = append(buf, line...)
	}

	if tooLarge {
		return nil, errMessageTooLarge
	}
	return buf, nil
}

// buildMessage parses raw and fills gaps from the envelope. A message whose
// header cannot be parsed is relayed with the raw payload as its body.
func (s *Session) buildMessage(raw []byte) *email.Message {
	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Warn("failed to parse message, relaying raw payload", "error", err)
		msg = &email.Message{Body: email.RawFallback(raw)}
	}

	if len(msg.From) == 0 && s.mailFrom != "" {
		msg.From = []email.Address{{Email: s.mailFrom}}
	}
	if len(msg.To) == 0 {
		for _, rcpt := range s.rcptTo {
			msg.To = append(msg.To, email.Address{Email: rcpt})
		}
	}
	return msg
}

// replyFor maps a delivery error to an SMTP reply.
func replyFor(err error) string {
	if errors.Is(err, recipient.ErrNoRecipient) {
		return "550 No recipient email address found"
	}
	return "451 Temporary failure, please try again later"
}

// resetTransaction clears the mail transaction without touching the
// greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// splitPath splits "<addr> PARAM=VALUE ..." into the address and its
// parameters. Bare addresses are accepted. ok is false for a malformed path;
// "<>" is well-formed with an empty address.
func splitPath(s string) (addr string, params []string, ok bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		return s[1:end], strings.Fields(s[end+1:]), true
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// declaredSize returns the SIZE= parameter of a MAIL command, if present.
func declaredSize(params []string) (int, bool) {
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
