package smtpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"crawshaw.io/iox"

	"erooster.dev/internal/acceptance"
)

// handleData accumulates the dot-stuffed message body into a spill-to-disk
// buffer (mirroring the teacher's Msg-accumulation idiom) and, on the
// terminating "." line, runs the acceptance pipeline once per recipient,
// then enqueues authenticated recipients for outbound delivery grouped
// by destination domain.
func (c *Conn) handleData(ctx context.Context) error {
	if c.sender == "" || len(c.recipients) == 0 {
		return c.fr.WriteLine("503 5.5.1 Error: RCPT command not called")
	}
	if err := c.fr.WriteLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	filer := c.server.Filer
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	buf := filer.BufferFile(0)
	defer buf.Close()

	for {
		line, err := c.fr.ReadLine()
		if err != nil {
			return err
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if _, err := buf.Write([]byte(line + "\r\n")); err != nil {
			return c.fr.WriteLine("550 Write error")
		}
	}

	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return c.fr.WriteLine("450 4.0.0 internal error")
	}
	data, err := io.ReadAll(buf)
	if err != nil {
		return c.fr.WriteLine("450 4.0.0 internal error")
	}

	authUser := ""
	if c.authenticated {
		authUser = c.authUser
	}
	var remoteIP net.IP
	if host, _, err := net.SplitHostPort(c.remoteAddr); err == nil {
		remoteIP = net.ParseIP(host)
	}

	msg := acceptance.Message{
		EHLOName:      c.heloName,
		RemoteIP:      remoteIP,
		From:          c.sender,
		Data:          data,
		Authenticated: authUser,
	}

	groups := make(map[string][]string)
	var failure error
	for _, rcpt := range c.recipients {
		rmsg := msg
		rmsg.Recipient = rcpt
		if err := c.server.Accept.Accept(ctx, rmsg); err != nil {
			failure = err
			c.server.logf("smtpserver: accept %s -> %s: %v", c.sender, rcpt, err)
			continue
		}
		if authUser != "" {
			domain := domainOf(rcpt)
			groups[domain] = append(groups[domain], rcpt)
		}
	}

	if failure == nil {
		for domain, rcpts := range groups {
			if err := c.server.Accept.Enqueue(ctx, domain, msg, rcpts); err != nil {
				failure = err
				c.server.logf("smtpserver: enqueue %s -> %s: %v", c.sender, domain, err)
			}
		}
	}

	c.sender = ""
	c.recipients = nil

	if failure != nil {
		if re, ok := failure.(*acceptance.RejectError); ok {
			return c.fr.WriteLine(fmt.Sprintf("%d %s", re.Code, re.Text))
		}
		return c.fr.WriteLine("451 4.3.0 Temporary failure")
	}
	return c.fr.WriteLine("250 2.6.0 Message accepted")
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}
