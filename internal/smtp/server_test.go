package smtp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{Hostname: "relay.test", Provider: &mockProvider{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	reader := bufio.NewReader(conn)

	greeting := readLine(t, reader)
	if greeting != "220 relay.test ESMTP brevo-relay" {
		t.Errorf("greeting: got %q, want %q", greeting, "220 relay.test ESMTP brevo-relay")
	}
	if got := srv.Addr(); got != ln.Addr().String() {
		t.Errorf("Addr(): got %q, want %q", got, ln.Addr().String())
	}

	sendCmd(t, conn, "QUIT")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT: got %q, want prefix '221 '", resp)
	}
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServer_DefaultHostname(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{Provider: &mockProvider{}})
	if srv.session.Hostname != "localhost" {
		t.Errorf("hostname: got %q, want %q", srv.session.Hostname, "localhost")
	}
	if srv.session.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("max message size: got %d, want %d", srv.session.MaxMessageSize, DefaultMaxMessageSize)
	}
	if srv.Addr() != "" {
		t.Errorf("Addr() before Serve: got %q, want empty", srv.Addr())
	}
}
