// Package acceptance implements the inbound mail acceptance pipeline:
// per-recipient Received-header prepending, an optional content-filter
// call, DKIM/DMARC verification on unauthenticated (relay) intake, and
// final disposition -- local maildir delivery or outbound-queue enqueue
// for authenticated submissions.
package acceptance

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"erooster.dev/internal/contentfilter"
	"erooster.dev/internal/dkim"
	"erooster.dev/internal/dmarc"
	"erooster.dev/internal/maildirstore"
)

// RejectError is returned by Accept when a recipient's message must be
// refused with a specific SMTP reply.
type RejectError struct {
	Code int // 4xx temp-fail or 5xx permanent
	Text string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Text)
}

// Queue is the outbound-queue collaborator an authenticated submission
// enqueues into, grouped by destination domain.
type Queue interface {
	Push(ctx context.Context, domain, from string, recipients []string, data []byte) error
}

// Message is one accepted SMTP transaction, addressed to one recipient.
type Message struct {
	EHLOName  string
	RemoteIP  net.IP
	From      string
	Recipient string
	Data      []byte // body as received, dot-unstuffed, no Received header yet

	// Authenticated is the submitting user's identity, empty for
	// unauthenticated (relay) intake.
	Authenticated string
}

// Pipeline wires the collaborators the acceptance flow needs.
type Pipeline struct {
	Hostname      string
	Store         *maildirstore.Store
	Queue         Queue
	ContentFilter *contentfilter.Client // nil disables step 2

	Logf func(format string, v ...interface{})
}

func (p *Pipeline) logf(format string, v ...interface{}) {
	if p.Logf != nil {
		p.Logf(format, v...)
	}
}

// Accept runs the content-filter and authenticity checks for one recipient
// of one transaction. For unauthenticated (relay) intake it also delivers
// straight to the local store. For an authenticated submission it only
// validates the recipient; the caller groups accepted recipients by
// destination domain and calls Enqueue once per group.
func (p *Pipeline) Accept(ctx context.Context, msg Message) error {
	data := prependReceived(msg, p.Hostname)

	if p.ContentFilter != nil {
		req := contentfilter.Request{
			From: msg.From,
			Helo: msg.EHLOName,
			Rcpt: msg.Recipient,
		}
		if msg.Authenticated != "" {
			req.User = msg.Authenticated
		} else {
			req.IP = msg.RemoteIP.String()
		}
		verdict, err := p.ContentFilter.Check(ctx, data, req)
		if err != nil {
			p.logf("acceptance: content filter call failed: %v", err)
		} else {
			p.logf("acceptance: content filter verdict for %s: score=%.2f action=%s", msg.Recipient, verdict.Score, verdict.Action)
			switch verdict.Action {
			case contentfilter.ActionReject:
				return &RejectError{Code: 550, Text: "5.7.1 message rejected by content filter"}
			case contentfilter.ActionGreylist, contentfilter.ActionSoftReject:
				return &RejectError{Code: 451, Text: "4.7.1 try again later"}
			}
		}
	}

	if msg.Authenticated == "" {
		if err := p.verifyAuthenticity(ctx, msg); err != nil {
			return err
		}
		return p.deliverLocal(ctx, msg.Recipient, data)
	}

	return nil
}

// Enqueue pushes one outbound-queue item carrying every recipient at
// domain from msg's transaction, so the outbound sender relays them all
// in a single SMTP session (one MAIL FROM, one RCPT TO per recipient)
// instead of one queue item and one connection per recipient.
func (p *Pipeline) Enqueue(ctx context.Context, domain string, msg Message, recipients []string) error {
	grouped := msg
	grouped.Recipient = strings.Join(recipients, ", ")
	data := prependReceived(grouped, p.Hostname)

	if err := p.Queue.Push(ctx, domain, msg.From, recipients, data); err != nil {
		return fmt.Errorf("acceptance: enqueue outbound: %w", err)
	}
	return nil
}

// verifyAuthenticity runs DKIM and DMARC verification on unauthenticated
// (relay) intake, failing closed.
func (p *Pipeline) verifyAuthenticity(ctx context.Context, msg Message) error {
	results, err := dkim.Verify(bytes.NewReader(msg.Data))
	if err != nil {
		return &RejectError{Code: 451, Text: "temporary DKIM verification failure"}
	}

	hasPassingSig := false
	for _, r := range results {
		if r.Err == nil {
			hasPassingSig = true
			break
		}
	}
	if !hasPassingSig {
		return &RejectError{Code: 550, Text: "5.7.20 no passing DKIM signature"}
	}

	fromDomain := domainOf(headerFrom(msg.Data))
	if fromDomain == "" {
		return &RejectError{Code: 550, Text: "5.7.20 no From domain"}
	}

	dkimAligned := dmarc.CheckDKIM(results, fromDomain)
	spfAligned, err := dmarc.CheckSPF(msg.RemoteIP, domainOf(msg.From), msg.From, fromDomain)
	if err != nil {
		p.logf("acceptance: SPF check failed: %v", err)
	}

	result, err := dmarc.Evaluate(ctx, fromDomain, spfAligned, dkimAligned)
	if err != nil {
		return &RejectError{Code: 451, Text: "temporary DMARC lookup failure"}
	}
	if !result.Aligned() && result.Disposition == dmarc.DispositionReject {
		return &RejectError{Code: 550, Text: "5.7.1 DMARC policy reject"}
	}
	return nil
}

func (p *Pipeline) deliverLocal(ctx context.Context, recipient string, data []byte) error {
	path := p.Store.ToOndiskPath("INBOX", recipient)
	if err := p.Store.CreateDirs(path); err != nil {
		return fmt.Errorf("acceptance: creating INBOX for %s: %w", recipient, err)
	}
	if err := p.Store.AddFlag(path, `\Subscribed`); err != nil {
		p.logf("acceptance: subscribing INBOX for %s: %v", recipient, err)
	}
	if err := p.Store.AddFlag(path, `\NoInferiors`); err != nil {
		p.logf("acceptance: flagging INBOX for %s: %v", recipient, err)
	}

	if _, _, err := p.Store.StoreNew(ctx, path, data); err != nil {
		return fmt.Errorf("acceptance: storing message for %s: %w", recipient, err)
	}
	return nil
}

func prependReceived(msg Message, hostname string) []byte {
	peer := "unknown"
	if msg.RemoteIP != nil {
		peer = msg.RemoteIP.String()
	}
	received := fmt.Sprintf("Received: from %s (%s)\r\n\tby %s for <%s>; from <%s>\r\n\t%s\r\n",
		msg.EHLOName, peer, hostname, msg.Recipient, msg.From, formatTimestamp(time.Now()))

	out := make([]byte, 0, len(received)+len(msg.Data))
	out = append(out, received...)
	out = append(out, msg.Data...)
	return out
}

// formatTimestamp renders a Received-header date.
func formatTimestamp(t time.Time) string {
	return t.Format("Mon, 02 Jan 2006 15:04:05 -0700")
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

// headerFrom extracts the address of the message's From header, using
// net/mail for the RFC 5322 address-list grammar (display names, quoted
// strings, comments) rather than a field-by-field byte scan.
func headerFrom(data []byte) string {
	lines := bytes.Split(data, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			break // end of headers
		}
		if len(line) > 5 && strings.EqualFold(string(line[:5]), "from:") {
			val := strings.TrimSpace(string(line[5:]))
			if addr, err := mail.ParseAddress(val); err == nil {
				return addr.Address
			}
			if list, err := mail.ParseAddressList(val); err == nil && len(list) > 0 {
				return list[0].Address
			}
			return ""
		}
	}
	return ""
}
