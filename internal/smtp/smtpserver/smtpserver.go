// Package smtpserver implements the SMTP/ESMTP session state machine:
// EHLO capability negotiation, STARTTLS, AUTH LOGIN/PLAIN, the
// MAIL/RCPT/DATA transaction, and handoff into the inbound acceptance
// pipeline.
package smtpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"

	"crawshaw.io/iox"

	"erooster.dev/internal/acceptance"
	"erooster.dev/internal/smtp/smtpparser"
	"erooster.dev/internal/throttle"
	"erooster.dev/internal/wire"
)

const defaultProduct = "Erooster"

// UserDirectory is the credential-store surface an SMTP session needs:
// recipient existence checks for relay intake, and AUTH verification
// for submission.
type UserDirectory interface {
	Exists(ctx context.Context, username string) bool
	Verify(ctx context.Context, username, password string) bool
}

// Acceptor runs the inbound acceptance pipeline for one recipient of an
// accepted transaction, and enqueues accepted outbound recipients grouped
// by destination domain.
type Acceptor interface {
	Accept(ctx context.Context, msg acceptance.Message) error
	Enqueue(ctx context.Context, domain string, msg acceptance.Message, recipients []string) error
}

// Server holds the configuration shared by every SMTP connection.
type Server struct {
	Hostname string
	Product  string

	Users  UserDirectory
	Accept Acceptor

	TLSConfig *tls.Config
	// ImplicitTLS marks a listener (port 465) whose connections are
	// already TLS-protected before Serve is called.
	ImplicitTLS bool

	MaxRecipients int

	// Filer spills DATA bodies to disk once they exceed an in-memory
	// threshold; if nil, each DATA command allocates its own Filer.
	Filer *iox.Filer

	// Throttle slows down repeated AUTH failures from the same remote
	// address or username. Zero value is usable.
	Throttle throttle.Throttle

	Logf func(format string, v ...interface{})
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func (s *Server) maxRecipients() int {
	if s.MaxRecipients == 0 {
		return 100
	}
	return s.MaxRecipients
}

func (s *Server) product() string {
	if s.Product == "" {
		return defaultProduct
	}
	return s.Product
}

// Conn is one SMTP session: one goroutine per accepted connection.
type Conn struct {
	server     *Server
	raw        net.Conn
	fr         *wire.Framer
	tls        bool
	remoteAddr string

	heloSeen bool
	heloName string

	authenticated bool
	authUser      string

	sender     string
	recipients []string
}

// Serve runs one SMTP session to completion on raw, writing the greeting
// first.
func Serve(ctx context.Context, raw net.Conn, server *Server) error {
	c := &Conn{
		server:     server,
		raw:        raw,
		fr:         wire.NewFramer(raw, raw),
		tls:        server.ImplicitTLS,
		remoteAddr: raw.RemoteAddr().String(),
	}
	if err := c.fr.WriteLine(fmt.Sprintf("220 %s ESMTP %s", server.Hostname, server.product())); err != nil {
		return err
	}
	return c.serve(ctx)
}

func (c *Conn) serve(ctx context.Context) error {
	for {
		line, err := c.fr.ReadLine()
		if err != nil {
			if errors.Is(err, wire.ErrLineTooLong) {
				c.fr.WriteLine("500 5.5.2 Line too long")
			}
			return err
		}

		cmd, perr := smtpparser.ParseLine(line)
		if perr != nil {
			if err := c.fr.WriteLine("500 5.5.2 Syntax error, command unrecognized"); err != nil {
				return err
			}
			continue
		}

		starttls, quit, err := c.dispatch(ctx, cmd)
		if err != nil {
			return err
		}
		if starttls {
			if err := c.upgradeTLS(); err != nil {
				return err
			}
		}
		if quit {
			return nil
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, cmd *smtpparser.Command) (starttls, quit bool, err error) {
	switch cmd.Verb {
	case "EHLO", "HELO":
		return false, false, c.handleEHLO(cmd)

	case "STARTTLS":
		if c.tls {
			return false, false, c.fr.WriteLine("454 4.7.0 TLS already active")
		}
		if err := c.fr.WriteLine("220 TLS go ahead"); err != nil {
			return false, false, err
		}
		return true, false, nil

	case "AUTH":
		return false, false, c.handleAuth(ctx, cmd)

	case "MAIL":
		return false, false, c.handleMail(cmd)

	case "RCPT":
		return false, false, c.handleRcpt(ctx, cmd)

	case "DATA":
		return false, false, c.handleData(ctx)

	case "RSET":
		c.sender = ""
		c.recipients = nil
		return false, false, c.fr.WriteLine("250 2.0.0 OK")

	case "NOOP":
		return false, false, c.fr.WriteLine("250 2.0.0 OK")

	case "QUIT":
		if err := c.fr.WriteLine("221 2.0.0 Bye"); err != nil {
			return false, false, err
		}
		return false, true, nil
	}

	return false, false, c.fr.WriteLine("502 5.5.2 Command not recognized")
}

// handleEHLO emits the multiline capability block: the hostname
// greeting, ENHANCEDSTATUSCODES, STARTTLS (unless already TLS),
// SMTPUTF8, and, once TLS-protected, AUTH LOGIN PLAIN.
func (c *Conn) handleEHLO(cmd *smtpparser.Command) error {
	c.heloSeen = true
	c.heloName = cmd.Hostname

	lines := []string{c.server.Hostname, "ENHANCEDSTATUSCODES"}
	if !c.tls {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "SMTPUTF8")
	if c.tls {
		lines = append(lines, "AUTH LOGIN PLAIN")
	}

	for i, l := range lines {
		prefix := "250-"
		if i == len(lines)-1 {
			prefix = "250 "
		}
		if err := c.fr.WriteLine(prefix + l); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handleMail(cmd *smtpparser.Command) error {
	if !c.heloSeen {
		return c.fr.WriteLine("503 5.5.1 Send EHLO first")
	}
	if c.sender != "" {
		return c.fr.WriteLine("503 5.5.1 Error: MAIL command already called")
	}
	c.sender = cmd.Address
	c.recipients = nil
	return c.fr.WriteLine("250 2.1.0 OK")
}

func (c *Conn) handleRcpt(ctx context.Context, cmd *smtpparser.Command) error {
	if c.sender == "" {
		return c.fr.WriteLine("503 5.5.1 Error: MAIL command not called")
	}
	if len(c.recipients) >= c.server.maxRecipients() {
		return c.fr.WriteLine("452 4.5.3 Too many recipients")
	}

	if !c.authenticated {
		if c.server.Users == nil || !c.server.Users.Exists(ctx, cmd.Address) {
			return c.fr.WriteLine("550 No such user here")
		}
	}

	c.recipients = append(c.recipients, cmd.Address)
	return c.fr.WriteLine("250 2.1.5 OK")
}

func (c *Conn) upgradeTLS() error {
	if c.server.TLSConfig == nil {
		return fmt.Errorf("smtpserver: STARTTLS requested but no TLS config is configured")
	}
	tlsConn := tls.Server(c.raw, c.server.TLSConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return fmt.Errorf("smtpserver: TLS handshake: %w", err)
	}
	c.raw = tlsConn
	c.fr = wire.NewFramer(tlsConn, tlsConn)
	c.tls = true
	// RFC 3207: the client must re-issue EHLO after STARTTLS; discard the
	// previous capability state.
	c.heloSeen = false
	return nil
}
