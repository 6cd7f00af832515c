// Package smtpclient implements the outbound SMTP dialog: MX/A/AAAA
// resolution, opportunistic TLS with a plaintext fallback, and the
// MAIL/RCPT/DATA exchange against a destination mail exchanger.
package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"erooster.dev/internal/dkim"
	"erooster.dev/internal/wire"
)

// Client dials remote mail exchangers on behalf of one sending host.
type Client struct {
	LocalHostname string
	Resolver      *net.Resolver
	DialTimeout   time.Duration // default 5s
}

func NewClient(localHostname string) *Client {
	return &Client{LocalHostname: localHostname, Resolver: net.DefaultResolver}
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout == 0 {
		return 5 * time.Second
	}
	return c.DialTimeout
}

// Delivery is the per-recipient outcome of one delivery attempt.
type Delivery struct {
	Recipient string
	Code      int
	Details   string
	Error     error
}

func (d Delivery) Success() bool     { return d.Code == 250 && d.Error == nil }
func (d Delivery) PermFailure() bool { return d.Code >= 500 }
func (d Delivery) TempFailure() bool { return (d.Code >= 400 && d.Code < 500) || d.Error != nil }

// Deliver resolves domain's mail exchangers (falling back to the bare
// domain's own address records) and relays data to every recipient at
// that domain against the first exchanger that accepts a connection. If
// signer is non-nil, a DKIM-Signature header is computed over data and
// prepended before sending.
func (c *Client) Deliver(ctx context.Context, domain, from string, recipients []string, data []byte, signer *dkim.Signer) ([]Delivery, error) {
	addrs, sni, err := c.resolveExchangers(ctx, domain)
	if err != nil {
		return allError(recipients, err), err
	}
	if len(addrs) == 0 {
		err := fmt.Errorf("smtpclient: no mail exchanger found for %s", domain)
		return allError(recipients, err), err
	}

	var lastErr error
	for _, addr := range addrs {
		results, err := c.deliverTo(ctx, addr, sni, from, recipients, data, signer)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}
	return allError(recipients, lastErr), lastErr
}

// resolveExchangers looks up MX records in preference order, resolving
// AAAA before A for each exchanger, and falls back to the bare domain's
// own address records if there is no MX record. sni is the TLS server
// name to present (the MX host with its trailing dot stripped, or the
// bare domain).
func (c *Client) resolveExchangers(ctx context.Context, domain string) (addrs []string, sni string, err error) {
	mxs, mxErr := c.Resolver.LookupMX(ctx, domain)
	if mxErr == nil && len(mxs) > 0 {
		sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
		for _, mx := range mxs {
			host := strings.TrimSuffix(mx.Host, ".")
			if sni == "" {
				sni = host
			}
			addrs = append(addrs, c.resolveHost(ctx, host)...)
		}
		if len(addrs) > 0 {
			return addrs, sni, nil
		}
	}
	return c.resolveHost(ctx, domain), domain, nil
}

func (c *Client) resolveHost(ctx context.Context, host string) []string {
	var out []string
	if ips, err := c.Resolver.LookupIP(ctx, "ip6", host); err == nil {
		for _, ip := range ips {
			out = append(out, ip.String())
		}
	}
	if len(out) == 0 {
		if ips, err := c.Resolver.LookupIP(ctx, "ip4", host); err == nil {
			for _, ip := range ips {
				out = append(out, ip.String())
			}
		}
	}
	return out
}

// dial attempts opportunistic implicit TLS on 465 with a bounded connect
// timeout, falling back to plain TCP on 25.
func (c *Client) dial(ctx context.Context, ip, sni string) (conn net.Conn, err error) {
	tlsCtx, cancel := context.WithTimeout(ctx, c.dialTimeout())
	defer cancel()
	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.dialTimeout()},
		Config:    &tls.Config{ServerName: sni},
	}
	if conn, err := dialer.DialContext(tlsCtx, "tcp", net.JoinHostPort(ip, "465")); err == nil {
		return conn, nil
	}

	plainCtx, cancel2 := context.WithTimeout(ctx, c.dialTimeout())
	defer cancel2()
	return (&net.Dialer{}).DialContext(plainCtx, "tcp", net.JoinHostPort(ip, "25"))
}

func (c *Client) deliverTo(ctx context.Context, ip, sni, from string, recipients []string, data []byte, signer *dkim.Signer) ([]Delivery, error) {
	conn, err := c.dial(ctx, ip, sni)
	if err != nil {
		return nil, fmt.Errorf("smtpclient: connecting to %s: %w", ip, err)
	}
	defer conn.Close()

	fr := wire.NewFramer(conn, conn)
	if err := expectReply(fr, 220); err != nil {
		return nil, err
	}
	if err := fr.WriteLine(fmt.Sprintf("EHLO %s", c.LocalHostname)); err != nil {
		return nil, err
	}
	if err := consumeCapabilities(fr); err != nil {
		return nil, err
	}

	if err := fr.WriteLine(fmt.Sprintf("MAIL FROM:<%s>", from)); err != nil {
		return nil, err
	}
	if err := expectReply(fr, 250); err != nil {
		abort(fr)
		return nil, err
	}

	results := make([]Delivery, len(recipients))
	accepted := 0
	for i, rcpt := range recipients {
		results[i].Recipient = rcpt
		if err := fr.WriteLine(fmt.Sprintf("RCPT TO:<%s>", rcpt)); err != nil {
			return nil, err
		}
		code, text, err := readReply(fr)
		if err != nil {
			return nil, err
		}
		results[i].Code = code
		results[i].Details = text
		switch code {
		case 250:
			accepted++
		case 550:
			// An unknown recipient at the remote end does not abort the
			// rest of the batch.
		default:
			abort(fr)
			return nil, fmt.Errorf("smtpclient: unexpected RCPT reply %d %s", code, text)
		}
	}
	if accepted == 0 {
		fr.WriteLine("QUIT")
		return results, nil
	}

	body := data
	if signer != nil {
		if signed, err := signer.Sign(bytes.NewReader(data)); err == nil {
			body = signed
		}
	}

	if err := fr.WriteLine("DATA"); err != nil {
		return nil, err
	}
	if err := expectReply(fr, 354); err != nil {
		abort(fr)
		return nil, err
	}
	if err := writeDotStuffed(fr, body); err != nil {
		return nil, err
	}
	if err := expectReply(fr, 250); err != nil {
		abort(fr)
		return nil, err
	}

	fr.WriteLine("QUIT")
	for i := range results {
		if results[i].Code == 0 {
			results[i].Code = 250
		}
	}
	return results, nil
}

// abort sends RSET then QUIT best-effort, ignoring any error since the
// connection may already be broken.
func abort(fr *wire.Framer) {
	fr.WriteLine("RSET")
	fr.WriteLine("QUIT")
}

func consumeCapabilities(fr *wire.Framer) error {
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return err
		}
		if len(line) < 4 {
			return fmt.Errorf("smtpclient: malformed capability line %q", line)
		}
		if line[3] == ' ' {
			return nil
		}
	}
}

func expectReply(fr *wire.Framer, want int) error {
	code, text, err := readReply(fr)
	if err != nil {
		return err
	}
	if code != want {
		return fmt.Errorf("smtpclient: got %d %s, want %d", code, text, want)
	}
	return nil
}

func readReply(fr *wire.Framer) (code int, text string, err error) {
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return 0, "", err
		}
		if len(line) < 4 {
			return 0, "", fmt.Errorf("smtpclient: malformed reply %q", line)
		}
		n, perr := strconv.Atoi(line[:3])
		if perr != nil {
			return 0, "", fmt.Errorf("smtpclient: malformed reply code %q", line)
		}
		if line[3] == ' ' {
			return n, line[4:], nil
		}
		// '-' continuation: keep reading until the final line.
	}
}

func writeDotStuffed(fr *wire.Framer, data []byte) error {
	body := strings.TrimRight(string(data), "\r\n")
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := fr.WriteLine(line); err != nil {
			return err
		}
	}
	return fr.WriteLine(".")
}

func allError(recipients []string, err error) []Delivery {
	out := make([]Delivery, len(recipients))
	for i, r := range recipients {
		out[i] = Delivery{Recipient: r, Error: err}
	}
	return out
}
