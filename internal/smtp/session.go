package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/relaykit/graph-relay/internal/auth"
	"github.com/relaykit/graph-relay/internal/graph"
	"github.com/relaykit/graph-relay/internal/parser"
	"github.com/relaykit/graph-relay/internal/store"
	"github.com/relaykit/graph-relay/internal/token"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 5 * time.Minute

// defaultMaxMessageSize is the DATA cap when none is configured (25 MB).
const defaultMaxMessageSize = 26214400

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine. After a successful AUTH the session is
// bound to a principal, reused across every DATA phase on the connection.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	config ServerConfig

	// TLS support
	tlsActive bool

	// principal is bound at AUTH and nil before it.
	principal *store.Principal

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg ServerConfig) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		config: cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP graph-relay", s.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(ctx, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
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

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	// EHLO response with capabilities
	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.config.Hostname, arg)

	if s.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	s.writeLine("250-AUTH PLAIN LOGIN")
	s.writeLine("250-SIZE %d", s.config.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.principal = nil
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
// A failed attempt leaves the connection open for further attempts.
func (s *Session) handleAUTH(ctx context.Context, arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.principal != nil {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	switch mechanism {
	case "PLAIN":
		s.handleAuthPlain(ctx, parts)
	case "LOGIN":
		s.handleAuthLogin(ctx)
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(ctx context.Context, parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		// Credentials provided inline: AUTH PLAIN <base64>
		encoded = parts[1]
	} else {
		// Challenge-response: send 334 and wait for credentials
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	username, password, err := auth.DecodePlain(encoded)
	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.finishAuth(ctx, username, password)
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin(ctx context.Context) {
	// Challenge for username (base64 encoded "Username:")
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")

	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// Challenge for password (base64 encoded "Password:")
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")

	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	username, password, err := auth.DecodeLogin(encodedUser, encodedPass)
	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.finishAuth(ctx, username, password)
}

// finishAuth validates the decoded credentials and binds the principal to
// the session on success.
func (s *Session) finishAuth(ctx context.Context, username, password string) {
	principal, err := s.config.Authenticator.Authenticate(ctx, username, password)
	if err != nil {
		slog.Info("authentication failed", "username", username)
		s.writeLine("535 Authentication failed")
		return
	}

	s.principal = principal
	s.state = stateAuthOK
	slog.Info("authenticated", "principal", principal.Email)
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.principal == nil {
		s.writeLine("530 Authentication required")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA buffers the message payload and runs the relay pipeline:
// parse, duplicate suppression, token resolution, downstream send. Any
// stage's failure rejects only this transaction; the connection and its
// principal binding stay usable for subsequent messages.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return
	}
	if tooLarge {
		s.writeLine("552 Message exceeds maximum size")
		s.resetTransaction()
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		s.resetTransaction()
		return
	}

	// Some clients submit the same message once per recipient envelope;
	// acknowledge duplicates without forwarding. Messages without a
	// Message-ID skip suppression entirely.
	if msg.MessageID != "" && s.config.Dedup.CheckAndMark(msg.MessageID) {
		slog.Info("duplicate message suppressed",
			"principal", s.principal.Email,
			"message_id", msg.MessageID,
		)
		s.writeLine("250 OK message queued")
		s.resetTransaction()
		return
	}

	accessToken, err := s.config.Tokens.Resolve(ctx, s.principal)
	if err != nil {
		s.forgetMark(msg.MessageID)
		if errors.Is(err, token.ErrReauthRequired) {
			slog.Warn("send rejected, re-authorization required",
				"principal", s.principal.Email,
			)
			s.writeLine("530 Re-authorization required")
		} else {
			slog.Error("token resolution failed",
				"principal", s.principal.Email,
				"error", err,
			)
			s.writeLine("451 Temporary failure, please try again later")
		}
		s.resetTransaction()
		return
	}

	if err := s.config.Forwarder.SendMail(ctx, accessToken, msg); err != nil {
		s.forgetMark(msg.MessageID)
		slog.Error("downstream send failed",
			"principal", s.principal.Email,
			"error", err,
		)
		var sendErr *graph.SendError
		if errors.As(err, &sendErr) && !sendErr.Transient {
			s.writeLine("554 Message rejected by downstream")
		} else {
			s.writeLine("451 Temporary failure, please try again later")
		}
		s.resetTransaction()
		return
	}

	slog.Info("message relayed",
		"principal", s.principal.Email,
		"message_id", msg.MessageID,
		"to", len(msg.To),
	)
	s.writeLine("250 OK message queued")
	s.resetTransaction()
}

// forgetMark releases the dedup mark when the transaction fails after it
// was taken; the mark must only stand for mail that was actually forwarded.
func (s *Session) forgetMark(messageID string) {
	if messageID != "" {
		s.config.Dedup.Forget(messageID)
	}
}

// readData accumulates the DATA payload until the end-of-data marker,
// un-stuffing leading dots. When the size cap is exceeded the rest of the
// payload is drained so the protocol stays in sync, and tooLarge is set.
func (s *Session) readData() (raw []byte, tooLarge bool, err error) {
	var buf bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		// Check for end of data marker
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if int64(buf.Len()+len(line)) > s.config.MaxMessageSize {
			tooLarge = true
			continue
		}
		buf.WriteString(line)
	}

	return buf.Bytes(), tooLarge, nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, principal binding).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.principal != nil {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address format
	return s
}
