package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/graph-relay/internal/auth"
	"github.com/relaykit/graph-relay/internal/dedup"
	"github.com/relaykit/graph-relay/internal/email"
	"github.com/relaykit/graph-relay/internal/graph"
	"github.com/relaykit/graph-relay/internal/store"
	"github.com/relaykit/graph-relay/internal/token"
)

// fakePrincipals implements auth.PrincipalStore.
type fakePrincipals struct {
	principals map[string]*store.Principal
}

func (f *fakePrincipals) GetPrincipal(_ context.Context, email string) (*store.Principal, error) {
	p, ok := f.principals[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// fakeResolver implements TokenResolver.
type fakeResolver struct {
	token string
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, _ *store.Principal) (string, error) {
	return f.token, f.err
}

// fakeForwarder implements Forwarder and records every send.
type fakeForwarder struct {
	mu      sync.Mutex
	sent    []*email.Email
	tokens  []string
	sendErr error
}

func (f *fakeForwarder) SendMail(_ context.Context, accessToken string, msg *email.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.tokens = append(f.tokens, accessToken)
	return nil
}

func (f *fakeForwarder) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeForwarder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func testConfig(forwarder Forwarder, resolver TokenResolver) ServerConfig {
	principals := &fakePrincipals{principals: map[string]*store.Principal{
		"u@example.com": {
			Email:        "u@example.com",
			SMTPPassword: "secret123",
			AppID:        "default",
		},
	}}
	return ServerConfig{
		Hostname:       "mail.test.com",
		Authenticator:  auth.New(principals),
		Tokens:         resolver,
		Dedup:          dedup.New(time.Minute),
		Forwarder:      forwarder,
		MaxMessageSize: defaultMaxMessageSize,
	}
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session over a fresh connection pair and returns the
// client side with its reader, positioned after the greeting.
func startSession(t *testing.T, cfg ServerConfig) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	go NewSession(server, cfg).Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expectReply sends a command and asserts the reply prefix.
func expectReply(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, wantPrefix string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	reply := readLine(t, reader)
	if !strings.HasPrefix(reply, wantPrefix) {
		t.Fatalf("%s: got %q, want prefix %q", cmd, reply, wantPrefix)
	}
	return reply
}

// authPlain is base64("\x00u@example.com\x00secret123").
const authPlain = "AHVAZXhhbXBsZS5jb20Ac2VjcmV0MTIz"

// ehlo performs the greeting exchange, consuming the multi-line response.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if strings.HasPrefix(line, "250 ") {
			return lines
		}
		if !strings.HasPrefix(line, "250-") {
			t.Fatalf("unexpected EHLO line %q", line)
		}
	}
}

// authenticate runs EHLO plus AUTH PLAIN with the test principal.
func authenticate(t *testing.T, conn net.Conn, reader *bufio.Reader) {
	t.Helper()
	ehlo(t, conn, reader)
	expectReply(t, conn, reader, "AUTH PLAIN "+authPlain, "235 ")
}

// submit runs one MAIL/RCPT/DATA transaction with the given payload and
// returns the DATA reply.
func submit(t *testing.T, conn net.Conn, reader *bufio.Reader, payload string) string {
	t.Helper()
	expectReply(t, conn, reader, "MAIL FROM:<u@example.com>", "250 ")
	expectReply(t, conn, reader, "RCPT TO:<a@x.com>", "250 ")
	sendCmd(t, conn, "DATA")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "354 ") {
		t.Fatalf("DATA: got %q, want prefix '354 '", reply)
	}
	for _, line := range strings.Split(payload, "\n") {
		sendCmd(t, conn, line)
	}
	sendCmd(t, conn, ".")
	return readLine(t, reader)
}

const testMessage = `From: Alice <u@example.com>
To: a@x.com
Subject: Hello
Message-Id: <abc123@example.com>
Content-Type: text/html

<p>Hi</p>`

func TestSession_EHLOAdvertisesAuth(t *testing.T) {
	t.Parallel()

	conn, reader := startSession(t, testConfig(&fakeForwarder{}, &fakeResolver{token: "tok"}))

	lines := ehlo(t, conn, reader)
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO response missing AUTH capability: %q", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Errorf("EHLO advertises STARTTLS without TLS config: %q", joined)
	}
}

func TestSession_AuthPlainSuccess(t *testing.T) {
	t.Parallel()

	conn, reader := startSession(t, testConfig(&fakeForwarder{}, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)
}

func TestSession_AuthFailureKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	conn, reader := startSession(t, testConfig(&fakeForwarder{}, &fakeResolver{token: "tok"}))
	ehlo(t, conn, reader)

	bad := base64.StdEncoding.EncodeToString([]byte("\x00u@example.com\x00wrong"))
	expectReply(t, conn, reader, "AUTH PLAIN "+bad, "535 ")

	// Unauthenticated MAIL is rejected but the connection stays usable.
	expectReply(t, conn, reader, "MAIL FROM:<u@example.com>", "530 ")

	// A further AUTH attempt succeeds.
	expectReply(t, conn, reader, "AUTH PLAIN "+authPlain, "235 ")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	conn, reader := startSession(t, testConfig(&fakeForwarder{}, &fakeResolver{token: "tok"}))
	ehlo(t, conn, reader)

	expectReply(t, conn, reader, "AUTH LOGIN", "334 ")
	expectReply(t, conn, reader, "dUBleGFtcGxlLmNvbQ==", "334 ")
	// base64("secret123")
	sendCmd(t, conn, "c2VjcmV0MTIz")
	if reply := readLine(t, reader); !strings.HasPrefix(reply, "235 ") {
		t.Fatalf("AUTH LOGIN: got %q, want prefix '235 '", reply)
	}
}

func TestSession_RelaysMessage(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok-1"}))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "250 ") {
		t.Fatalf("submit: got %q, want prefix '250 '", reply)
	}

	if forwarder.sendCount() != 1 {
		t.Fatalf("forwarded messages: got %d, want 1", forwarder.sendCount())
	}
	sent := forwarder.sent[0]
	if sent.Subject != "Hello" {
		t.Errorf("subject: got %q, want Hello", sent.Subject)
	}
	if sent.From.Address != "u@example.com" {
		t.Errorf("from: got %q, want u@example.com", sent.From.Address)
	}
	if forwarder.tokens[0] != "tok-1" {
		t.Errorf("access token: got %q, want tok-1", forwarder.tokens[0])
	}
}

func TestSession_DuplicateMessageSuppressed(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "250 ") {
		t.Fatalf("first submit: got %q", reply)
	}
	// Same Message-Id again: acknowledged but not forwarded.
	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "250 ") {
		t.Fatalf("second submit: got %q", reply)
	}

	if forwarder.sendCount() != 1 {
		t.Errorf("forwarded messages: got %d, want 1", forwarder.sendCount())
	}
}

func TestSession_NoMessageIDNeverSuppressed(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)

	payload := "From: u@example.com\nTo: a@x.com\nContent-Type: text/html\n\n<p>no id</p>"
	for i := 0; i < 2; i++ {
		if reply := submit(t, conn, reader, payload); !strings.HasPrefix(reply, "250 ") {
			t.Fatalf("submit %d: got %q", i, reply)
		}
	}

	if forwarder.sendCount() != 2 {
		t.Errorf("forwarded messages: got %d, want 2", forwarder.sendCount())
	}
}

func TestSession_ParseErrorRejectsOnlyTransaction(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, "garbage without any header structure"); !strings.HasPrefix(reply, "550 ") {
		t.Fatalf("malformed submit: got %q, want prefix '550 '", reply)
	}

	// The connection and principal binding survive for the next message.
	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "250 ") {
		t.Fatalf("followup submit: got %q, want prefix '250 '", reply)
	}
	if forwarder.sendCount() != 1 {
		t.Errorf("forwarded messages: got %d, want 1", forwarder.sendCount())
	}
}

func TestSession_TransientSendFailure(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{sendErr: &graph.SendError{StatusCode: 503, Transient: true, Message: "down"}}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "451 ") {
		t.Fatalf("submit: got %q, want prefix '451 '", reply)
	}
}

func TestSession_FailedSendDoesNotSuppressRetry(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{sendErr: &graph.SendError{StatusCode: 503, Transient: true, Message: "down"}}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "451 ") {
		t.Fatalf("submit during outage: got %q, want prefix '451 '", reply)
	}

	// The retry of the same Message-Id must reach the forwarder.
	forwarder.setErr(nil)
	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "250 ") {
		t.Fatalf("retry: got %q, want prefix '250 '", reply)
	}
	if forwarder.sendCount() != 1 {
		t.Errorf("forwarded messages: got %d, want 1", forwarder.sendCount())
	}
}

func TestSession_PermanentSendFailure(t *testing.T) {
	t.Parallel()

	forwarder := &fakeForwarder{sendErr: &graph.SendError{StatusCode: 400, Message: "bad payload"}}
	conn, reader := startSession(t, testConfig(forwarder, &fakeResolver{token: "tok"}))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "554 ") {
		t.Fatalf("submit: got %q, want prefix '554 '", reply)
	}
}

func TestSession_ReauthRequired(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{err: token.ErrReauthRequired}
	conn, reader := startSession(t, testConfig(&fakeForwarder{}, resolver))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "530 ") {
		t.Fatalf("submit: got %q, want prefix '530 '", reply)
	}
}

func TestSession_TokenResolutionFailureIsTemporary(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{err: errors.New("token endpoint unreachable")}
	conn, reader := startSession(t, testConfig(&fakeForwarder{}, resolver))
	authenticate(t, conn, reader)

	if reply := submit(t, conn, reader, testMessage); !strings.HasPrefix(reply, "451 ") {
		t.Fatalf("submit: got %q, want prefix '451 '", reply)
	}
}

func TestSession_CommandSequencing(t *testing.T) {
	t.Parallel()

	conn, reader := startSession(t, testConfig(&fakeForwarder{}, &fakeResolver{token: "tok"}))

	// Commands out of order are rejected with 503.
	expectReply(t, conn, reader, "MAIL FROM:<u@example.com>", "503 ")
	ehlo(t, conn, reader)
	expectReply(t, conn, reader, "AUTH PLAIN "+authPlain, "235 ")
	expectReply(t, conn, reader, "RCPT TO:<a@x.com>", "503 ")
	expectReply(t, conn, reader, "DATA", "503 ")
	expectReply(t, conn, reader, "QUIT", "221 ")
}
