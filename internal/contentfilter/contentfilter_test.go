package contentfilter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewWithEmptyEndpointDisables(t *testing.T) {
	if c := New("", time.Second); c != nil {
		t.Fatalf("New(\"\", ...) = %v, want nil", c)
	}
}

func TestCheckParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("From"); got != "a@example" {
			t.Errorf("From header = %q", got)
		}
		if got := r.Header.Get("User"); got != "a@example" {
			t.Errorf("User header = %q, want submission identity", got)
		}
		w.Write([]byte(`{"score": 1.5, "action": "add header"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	v, err := c.Check(context.Background(), []byte("Subject: hi\r\n\r\nbody\r\n"), Request{
		From: "a@example",
		Helo: "mx.example",
		Rcpt: "b@local",
		User: "a@example",
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Action != ActionAddHeader {
		t.Fatalf("Action = %q, want %q", v.Action, ActionAddHeader)
	}
}

func TestCheckNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if _, err := c.Check(context.Background(), []byte("x"), Request{IP: "1.2.3.4"}); err == nil {
		t.Fatal("Check: want error on non-200 response")
	}
}
