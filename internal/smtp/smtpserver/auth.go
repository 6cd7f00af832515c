package smtpserver

import (
	"bytes"
	"context"
	"encoding/base64"

	"erooster.dev/internal/smtp/smtpparser"
)

// handleAuth implements AUTH LOGIN and AUTH PLAIN, refusing both on an
// unencrypted session.
func (c *Conn) handleAuth(ctx context.Context, cmd *smtpparser.Command) error {
	if !c.tls {
		return c.fr.WriteLine("538 5.7.11 Encryption required for requested authentication mechanism")
	}
	if !c.heloSeen {
		return c.fr.WriteLine("503 5.5.1 Send EHLO first")
	}

	switch cmd.AuthMechanism {
	case "PLAIN":
		return c.authPlain(ctx, cmd.AuthInitial)
	case "LOGIN":
		return c.authLogin(ctx)
	default:
		return c.fr.WriteLine("504 5.5.4 Unrecognized authentication type")
	}
}

func (c *Conn) authPlain(ctx context.Context, initial string) error {
	b64 := initial
	if b64 == "" {
		if err := c.fr.WriteLine("334 "); err != nil {
			return err
		}
		line, err := c.fr.ReadLine()
		if err != nil {
			return err
		}
		b64 = line
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return c.fr.WriteLine("535 5.7.8 bad base64 encoding")
	}
	parts := bytes.SplitN(raw, []byte{0}, 3)
	if len(parts) != 3 {
		return c.fr.WriteLine("535 5.7.8 invalid PLAIN data")
	}
	return c.finishAuth(ctx, string(parts[1]), string(parts[2]))
}

func (c *Conn) authLogin(ctx context.Context) error {
	if err := c.fr.WriteLine("334 VXNlcm5hbWU6"); err != nil { // "Username:"
		return err
	}
	userLine, err := c.fr.ReadLine()
	if err != nil {
		return err
	}
	user, err := base64.StdEncoding.DecodeString(userLine)
	if err != nil {
		return c.fr.WriteLine("535 5.7.8 bad base64 encoding")
	}

	if err := c.fr.WriteLine("334 UGFzc3dvcmQ6"); err != nil { // "Password:"
		return err
	}
	passLine, err := c.fr.ReadLine()
	if err != nil {
		return err
	}
	pass, err := base64.StdEncoding.DecodeString(passLine)
	if err != nil {
		return c.fr.WriteLine("535 5.7.8 bad base64 encoding")
	}

	return c.finishAuth(ctx, string(user), string(pass))
}

func (c *Conn) finishAuth(ctx context.Context, user, pass string) error {
	c.server.Throttle.Throttle(c.remoteAddr)
	c.server.Throttle.Throttle(user)

	if c.server.Users == nil || !c.server.Users.Verify(ctx, user, pass) {
		c.server.Throttle.Add(c.remoteAddr)
		c.server.Throttle.Add(user)
		return c.fr.WriteLine("535 5.7.8 authentication failed")
	}
	c.authenticated = true
	c.authUser = user
	return c.fr.WriteLine("235 2.7.0 Authentication successful")
}
