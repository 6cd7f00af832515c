// Package dkim signs outbound mail and verifies inbound DKIM-Signature
// headers, delegating the cryptography to github.com/emersion/go-msgauth/dkim.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// defaultHeaders are the headers signed when a Signer is not given an
// explicit list.
var defaultHeaders = []string{
	"from",
	"to",
	"subject",
}

// Signer signs outbound mail with a DKIM-Signature header.
type Signer struct {
	key *rsa.PrivateKey

	Domain   string   // d=, signing domain
	Selector string   // s=, key selector; TXT record lives at <Selector>._domainkey.<Domain>
	Headers  []string // h=, headers to sign, lower-case
}

// NewSigner parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8) and
// returns a Signer with the default header set. Set Domain and Selector
// before calling Sign.
func NewSigner(privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("dkim: cannot decode PEM private key")
	}

	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}

	headers := make([]string, len(defaultHeaders))
	copy(headers, defaultHeaders)
	return &Signer{key: key, Headers: headers}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("cannot parse key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// Sign reads a full RFC 5322 message (headers and body) from r and returns
// it with a DKIM-Signature header prepended. It is safe for concurrent use.
func (s *Signer) Sign(r io.Reader) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.Domain,
		Selector:               s.Selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             s.Headers,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, r, opts); err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}
	return out.Bytes(), nil
}

// Verification is the outcome of verifying one DKIM-Signature header.
type Verification struct {
	Domain string
	Err    error // nil if this signature validated
}

// LookupTXT resolves the TXT records carrying a signer's public key.
// Tests substitute an in-memory resolver.
type LookupTXT func(domain string) ([]string, error)

// Verify checks every DKIM-Signature header on a full RFC 5322 message and
// reports the domain and error per signature found. A message with no
// DKIM-Signature header yields an empty, non-error result: absence of a
// signature is a DMARC-alignment concern, not a verification failure.
func Verify(r io.Reader) ([]Verification, error) {
	return VerifyWithLookup(r, nil)
}

// VerifyWithLookup is Verify with an explicit key resolver; a nil lookup
// uses the system DNS resolver.
func VerifyWithLookup(r io.Reader, lookup LookupTXT) ([]Verification, error) {
	opts := &dkim.VerifyOptions{}
	if lookup != nil {
		opts.LookupTXT = lookup
	}
	results, err := dkim.VerifyWithOptions(r, opts)
	if err != nil {
		return nil, fmt.Errorf("dkim: verify: %w", err)
	}
	out := make([]Verification, 0, len(results))
	for _, res := range results {
		out = append(out, Verification{Domain: res.Domain, Err: res.Err})
	}
	return out, nil
}

// Passed reports whether any verification in results succeeded for domain.
func Passed(results []Verification, domain string) bool {
	for _, r := range results {
		if r.Err == nil && strings.EqualFold(r.Domain, domain) {
			return true
		}
	}
	return false
}
