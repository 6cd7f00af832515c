package dkim

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"
)

func genTestKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

// txtRecordFor renders the DNS TXT record that publishes key's public
// half, so verification can run against an in-memory resolver.
func txtRecordFor(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
}

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.net\r\n" +
	"Subject: hello\r\n" +
	"Date: Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
	"Message-Id: <1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hi there\r\n"

func TestSignThenVerify(t *testing.T) {
	key, keyPEM := genTestKey(t)
	signer, err := NewSigner(keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	signer.Domain = "example.com"
	signer.Selector = "default"

	signed, err := signer.Sign(strings.NewReader(testMessage))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(signed, []byte("DKIM-Signature:")) {
		t.Fatalf("signed message missing DKIM-Signature header:\n%s", signed)
	}

	record := txtRecordFor(t, key)
	lookup := func(domain string) ([]string, error) {
		if domain != "default._domainkey.example.com" {
			return nil, fmt.Errorf("unexpected lookup for %q", domain)
		}
		return []string{record}, nil
	}

	results, err := VerifyWithLookup(bytes.NewReader(signed), lookup)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d verification results, want 1", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("verification failed: %v", results[0].Err)
	}
	if !Passed(results, "example.com") {
		t.Fatalf("Passed(results, %q) = false, want true", "example.com")
	}
	if Passed(results, "other.example") {
		t.Fatalf("Passed(results, %q) = true, want false", "other.example")
	}
}

func TestVerifyUnsignedMessage(t *testing.T) {
	results, err := Verify(strings.NewReader(testMessage))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d verification results for an unsigned message, want 0", len(results))
	}
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	if _, err := NewSigner([]byte("not a key")); err == nil {
		t.Fatal("expected an error for a non-PEM key")
	}
}
