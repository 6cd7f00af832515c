// Package dmarc resolves a domain's DMARC policy and evaluates SPF/DKIM
// alignment against it, the third step of inbound acceptance processing.
//
// DMARC record lookup is delegated to github.com/emersion/go-msgauth/dmarc;
// the SPF check that feeds alignment is delegated to blitiri.com.ar/go/spf,
// the same library used for SPF elsewhere in this corpus.
package dmarc

import (
	"context"
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dmarc"

	"erooster.dev/internal/dkim"
)

// Disposition is the action DMARC alignment tells a receiver to take.
type Disposition int

const (
	DispositionNone Disposition = iota
	DispositionQuarantine
	DispositionReject
)

func (d Disposition) String() string {
	switch d {
	case DispositionQuarantine:
		return "quarantine"
	case DispositionReject:
		return "reject"
	default:
		return "none"
	}
}

// Result is the outcome of evaluating one message against its From domain's
// DMARC policy.
type Result struct {
	Domain      string
	SPFAligned  bool
	DKIMAligned bool
	Disposition Disposition // what the published policy asks for on failure
}

// Aligned reports whether the message passed DMARC (SPF- or DKIM-aligned).
func (r Result) Aligned() bool {
	return r.SPFAligned || r.DKIMAligned
}

// CheckSPF runs an SPF check for the envelope sender seen from remoteIP and
// reports whether it aligns with fromDomain under relaxed alignment (same
// organizational domain).
func CheckSPF(remoteIP net.IP, mailFromDomain, mailFromAddr, fromDomain string) (pass bool, err error) {
	res, err := spf.CheckHostWithSender(remoteIP, mailFromDomain, mailFromAddr)
	if err != nil {
		return false, fmt.Errorf("dmarc: spf check: %w", err)
	}
	return res == spf.Pass && organizationalMatch(mailFromDomain, fromDomain), nil
}

// CheckDKIM reports whether any passing DKIM signature aligns with
// fromDomain under relaxed alignment.
func CheckDKIM(results []dkim.Verification, fromDomain string) bool {
	for _, r := range results {
		if r.Err == nil && organizationalMatch(r.Domain, fromDomain) {
			return true
		}
	}
	return false
}

// organizationalMatch implements relaxed alignment: the signing/SPF domain
// matches the From domain, or is a subdomain of it (or vice versa).
func organizationalMatch(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

// Evaluate looks up fromDomain's DMARC record and combines it with the SPF
// and DKIM alignment already computed for the message. If no DMARC record
// is published, the result carries DispositionNone and is never a delivery
// blocker.
func Evaluate(ctx context.Context, fromDomain string, spfAligned, dkimAligned bool) (Result, error) {
	rec, err := dmarc.Lookup(fromDomain)
	if err != nil {
		if err == dmarc.ErrNoPolicy {
			return Result{Domain: fromDomain, SPFAligned: spfAligned, DKIMAligned: dkimAligned}, nil
		}
		return Result{}, fmt.Errorf("dmarc: lookup %s: %w", fromDomain, err)
	}

	result := Result{
		Domain:      fromDomain,
		SPFAligned:  spfAligned,
		DKIMAligned: dkimAligned,
	}
	if !result.Aligned() {
		result.Disposition = policyToDisposition(rec.Policy)
	}
	return result, nil
}

func policyToDisposition(p dmarc.Policy) Disposition {
	switch p {
	case dmarc.PolicyQuarantine:
		return DispositionQuarantine
	case dmarc.PolicyReject:
		return DispositionReject
	default:
		return DispositionNone
	}
}
