package smtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"erooster.dev/internal/acceptance"
	"erooster.dev/internal/tlstest"
)

type fakeUsers struct {
	known map[string]bool
}

func (f fakeUsers) Exists(ctx context.Context, username string) bool {
	return f.known[username]
}

func (f fakeUsers) Verify(ctx context.Context, username, password string) bool {
	return f.known[username] && password == "test"
}

type fakeAcceptor struct {
	accepted []acceptance.Message

	enqueuedDomains []string
	enqueuedRecips  [][]string
}

func (f *fakeAcceptor) Accept(ctx context.Context, msg acceptance.Message) error {
	f.accepted = append(f.accepted, msg)
	return nil
}

func (f *fakeAcceptor) Enqueue(ctx context.Context, domain string, msg acceptance.Message, recipients []string) error {
	f.enqueuedDomains = append(f.enqueuedDomains, domain)
	f.enqueuedRecips = append(f.enqueuedRecips, recipients)
	return nil
}

type session struct {
	t      *testing.T
	client net.Conn
	br     *bufio.Reader
	done   chan error
}

func newSession(t *testing.T, server *Server) *session {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), serverConn, server)
	}()
	return &session{t: t, client: clientConn, br: bufio.NewReader(clientConn), done: done}
}

func (s *session) readLine() string {
	s.t.Helper()
	s.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (s *session) send(line string) {
	s.t.Helper()
	s.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.client.Write([]byte(line + "\r\n")); err != nil {
		s.t.Fatalf("send: %v", err)
	}
}

func (s *session) close() {
	s.client.Close()
}

func TestGreeting(t *testing.T) {
	srv := &Server{Hostname: "mx.local", Users: fakeUsers{}, Accept: &fakeAcceptor{}}
	sess := newSession(t, srv)
	defer sess.close()

	greeting := sess.readLine()
	if !strings.HasPrefix(greeting, "220 mx.local ESMTP") {
		t.Fatalf("greeting = %q", greeting)
	}
}

// TestRelayToLocalUser exercises a full relay-to-local-mailbox session.
func TestRelayToLocalUser(t *testing.T) {
	acc := &fakeAcceptor{}
	srv := &Server{Hostname: "mx.local", Users: fakeUsers{known: map[string]bool{"test@local": true}}, Accept: acc}
	sess := newSession(t, srv)
	defer sess.close()

	sess.readLine() // greeting
	sess.send("EHLO relay.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	sess.send("MAIL FROM:<remote@example>")
	if reply := sess.readLine(); reply != "250 2.1.0 OK" {
		t.Fatalf("MAIL reply = %q", reply)
	}

	sess.send("RCPT TO:<test@local>")
	if reply := sess.readLine(); reply != "250 2.1.5 OK" {
		t.Fatalf("RCPT reply = %q", reply)
	}

	sess.send("DATA")
	if reply := sess.readLine(); !strings.HasPrefix(reply, "354") {
		t.Fatalf("DATA reply = %q", reply)
	}
	sess.send("Subject: hi")
	sess.send("")
	sess.send("body")
	sess.send(".")
	if reply := sess.readLine(); reply != "250 2.6.0 Message accepted" {
		t.Fatalf("terminator reply = %q", reply)
	}

	if len(acc.accepted) != 1 {
		t.Fatalf("accepted = %d messages, want 1", len(acc.accepted))
	}
	if acc.accepted[0].Recipient != "test@local" {
		t.Fatalf("recipient = %q", acc.accepted[0].Recipient)
	}
	if !strings.Contains(string(acc.accepted[0].Data), "Subject: hi") {
		t.Fatalf("data = %q, want it to contain the Subject header", acc.accepted[0].Data)
	}
}

// TestRelayRejectsUnknownRecipient covers an unauthenticated RCPT for a
// mailbox that doesn't exist.
func TestRelayRejectsUnknownRecipient(t *testing.T) {
	srv := &Server{Hostname: "mx.local", Users: fakeUsers{known: map[string]bool{}}, Accept: &fakeAcceptor{}}
	sess := newSession(t, srv)
	defer sess.close()

	sess.readLine()
	sess.send("EHLO relay.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	sess.send("MAIL FROM:<r@example>")
	sess.readLine()

	sess.send("RCPT TO:<ghost@local>")
	if reply := sess.readLine(); reply != "550 No such user here" {
		t.Fatalf("reply = %q, want %q", reply, "550 No such user here")
	}
}

func TestAuthRequiresTLS(t *testing.T) {
	srv := &Server{Hostname: "mx.local", Users: fakeUsers{}, Accept: &fakeAcceptor{}}
	sess := newSession(t, srv)
	defer sess.close()

	sess.readLine()
	sess.send("EHLO client.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	sess.send("AUTH PLAIN AHRlc3RAbG9jYWxob3N0AHRlc3Q=")
	reply := sess.readLine()
	if !strings.HasPrefix(reply, "538") {
		t.Fatalf("reply = %q, want a 538 Encryption required reply", reply)
	}
}

// TestStartTLSUpgrade exercises STARTTLS end-to-end: the handshake, the
// EHLO re-issue it forces, and that AUTH is now offered and accepted.
func TestStartTLSUpgrade(t *testing.T) {
	srv := &Server{
		Hostname:  "mx.local",
		Users:     fakeUsers{known: map[string]bool{"test@local": true}},
		Accept:    &fakeAcceptor{},
		TLSConfig: tlstest.ServerConfig,
	}
	sess := newSession(t, srv)
	defer sess.close()

	sess.readLine() // greeting
	sess.send("EHLO client.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	sess.send("STARTTLS")
	reply := sess.readLine()
	if !strings.HasPrefix(reply, "220") {
		t.Fatalf("STARTTLS reply = %q", reply)
	}

	tlsConn := tls.Client(sess.client, tlstest.ClientConfig)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	sess.client = tlsConn
	sess.br = bufio.NewReader(tlsConn)

	sess.send("EHLO client.example")
	var sawAuth bool
	for {
		line := sess.readLine()
		if strings.Contains(line, "AUTH") {
			sawAuth = true
		}
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	if !sawAuth {
		t.Fatal("EHLO after STARTTLS did not advertise AUTH")
	}

	sess.send("AUTH PLAIN AHRlc3RAbG9jYWwAdGVzdA==")
	reply = sess.readLine()
	if !strings.HasPrefix(reply, "235") {
		t.Fatalf("AUTH reply = %q, want 235", reply)
	}
}

func TestDataRequiresRcpt(t *testing.T) {
	srv := &Server{Hostname: "mx.local", Users: fakeUsers{}, Accept: &fakeAcceptor{}}
	sess := newSession(t, srv)
	defer sess.close()

	sess.readLine()
	sess.send("EHLO client.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	sess.send("DATA")
	reply := sess.readLine()
	if !strings.HasPrefix(reply, "503") {
		t.Fatalf("reply = %q, want a 503 reply", reply)
	}
}

// TestAuthenticatedSubmissionGroupsRecipientsByDomain covers an
// authenticated submission to two recipients at the same domain: it
// should produce one Enqueue call carrying both recipients, not two.
func TestAuthenticatedSubmissionGroupsRecipientsByDomain(t *testing.T) {
	acc := &fakeAcceptor{}
	srv := &Server{Hostname: "mx.local", Users: fakeUsers{known: map[string]bool{"sender@local": true}}, Accept: acc, TLSConfig: tlstest.ServerConfig}
	sess := newSession(t, srv)
	defer sess.close()

	sess.readLine() // greeting
	sess.send("EHLO client.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	sess.send("STARTTLS")
	if reply := sess.readLine(); !strings.HasPrefix(reply, "220") {
		t.Fatalf("STARTTLS reply = %q", reply)
	}
	tlsConn := tls.Client(sess.client, tlstest.ClientConfig)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	sess.client = tlsConn
	sess.br = bufio.NewReader(tlsConn)

	sess.send("EHLO client.example")
	for {
		line := sess.readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	sess.send("AUTH PLAIN AHNlbmRlckBsb2NhbAB0ZXN0")
	if reply := sess.readLine(); !strings.HasPrefix(reply, "235") {
		t.Fatalf("AUTH reply = %q, want 235", reply)
	}

	sess.send("MAIL FROM:<sender@local>")
	if reply := sess.readLine(); reply != "250 2.1.0 OK" {
		t.Fatalf("MAIL reply = %q", reply)
	}
	sess.send("RCPT TO:<a@other.example>")
	if reply := sess.readLine(); reply != "250 2.1.5 OK" {
		t.Fatalf("RCPT reply = %q", reply)
	}
	sess.send("RCPT TO:<b@other.example>")
	if reply := sess.readLine(); reply != "250 2.1.5 OK" {
		t.Fatalf("RCPT reply = %q", reply)
	}

	sess.send("DATA")
	if reply := sess.readLine(); !strings.HasPrefix(reply, "354") {
		t.Fatalf("DATA reply = %q", reply)
	}
	sess.send("Subject: hi")
	sess.send("")
	sess.send("body")
	sess.send(".")
	if reply := sess.readLine(); !strings.HasPrefix(reply, "250") {
		t.Fatalf("final reply = %q", reply)
	}

	if len(acc.enqueuedDomains) != 1 || acc.enqueuedDomains[0] != "other.example" {
		t.Fatalf("enqueuedDomains = %v, want one enqueue to other.example", acc.enqueuedDomains)
	}
	if len(acc.enqueuedRecips) != 1 || len(acc.enqueuedRecips[0]) != 2 {
		t.Fatalf("enqueuedRecips = %v, want both recipients grouped in one call", acc.enqueuedRecips)
	}
}
