package acceptance

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"erooster.dev/internal/contentfilter"
	"erooster.dev/internal/maildirstore"
)

type memRegistry struct {
	next uint32
}

func (r *memRegistry) Insert(ctx context.Context, maildirID string) (uint32, error) {
	r.next++
	return r.next, nil
}

func (r *memRegistry) UID(ctx context.Context, maildirID string) (uint32, bool, error) {
	return 0, false, nil
}

func (r *memRegistry) Max(ctx context.Context) (uint32, error) {
	return r.next, nil
}

type fakeQueue struct {
	pushed       []string
	pushedRecips [][]string
}

func (q *fakeQueue) Push(ctx context.Context, domain, from string, recipients []string, data []byte) error {
	q.pushed = append(q.pushed, domain)
	q.pushedRecips = append(q.pushedRecips, recipients)
	return nil
}

func testStore(t *testing.T) *maildirstore.Store {
	t.Helper()
	reg := &memRegistry{}
	return maildirstore.New(t.TempDir(), func(string) (maildirstore.Registry, error) { return reg, nil })
}

func TestAcceptAuthenticatedDoesNotEnqueueDirectly(t *testing.T) {
	q := &fakeQueue{}
	p := &Pipeline{Hostname: "mx.local", Store: testStore(t), Queue: q}

	msg := Message{
		EHLOName:      "client.example",
		RemoteIP:      net.ParseIP("192.0.2.1"),
		From:          "sender@example",
		Recipient:     "dest@other.example",
		Data:          []byte("Subject: hi\r\n\r\nbody\r\n"),
		Authenticated: "sender@example",
	}
	if err := p.Accept(context.Background(), msg); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if len(q.pushed) != 0 {
		t.Fatalf("pushed = %v, want Accept alone to leave the queue untouched", q.pushed)
	}
}

func TestEnqueueGroupsRecipientsUnderOneDomain(t *testing.T) {
	q := &fakeQueue{}
	p := &Pipeline{Hostname: "mx.local", Store: testStore(t), Queue: q}

	msg := Message{
		EHLOName:      "client.example",
		RemoteIP:      net.ParseIP("192.0.2.1"),
		From:          "sender@example",
		Data:          []byte("Subject: hi\r\n\r\nbody\r\n"),
		Authenticated: "sender@example",
	}
	recipients := []string{"a@other.example", "b@other.example"}
	if err := p.Enqueue(context.Background(), "other.example", msg, recipients); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(q.pushed) != 1 || q.pushed[0] != "other.example" {
		t.Fatalf("pushed domains = %v, want one push to other.example", q.pushed)
	}
	if len(q.pushedRecips) != 1 || len(q.pushedRecips[0]) != 2 {
		t.Fatalf("pushed recipients = %v, want both recipients in one item", q.pushedRecips)
	}
}

func TestAcceptUnauthenticatedUnsignedMessageRejected(t *testing.T) {
	p := &Pipeline{Hostname: "mx.local", Store: testStore(t)}

	err := p.Accept(context.Background(), Message{
		EHLOName:  "relay.example",
		RemoteIP:  net.ParseIP("192.0.2.1"),
		From:      "remote@example",
		Recipient: "test@local",
		Data:      []byte("Subject: hi\r\n\r\nbody\r\n"),
	})
	if err == nil {
		t.Fatal("Accept: want rejection for an unsigned relay message")
	}
	re, ok := err.(*RejectError)
	if !ok {
		t.Fatalf("err = %v (%T), want *RejectError", err, err)
	}
	if re.Code != 550 {
		t.Fatalf("Code = %d, want 550", re.Code)
	}
}

func TestContentFilterRejectActionRefusesWith550(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score": 15, "action": "reject"}`))
	}))
	defer srv.Close()

	p := &Pipeline{Hostname: "mx.local", Store: testStore(t), ContentFilter: contentfilter.New(srv.URL, time.Second)}
	err := p.Accept(context.Background(), Message{
		EHLOName:      "client.example",
		From:          "sender@example",
		Recipient:     "dest@other.example",
		Data:          []byte("Subject: hi\r\n\r\nbody\r\n"),
		Authenticated: "sender@example",
	})
	re, ok := err.(*RejectError)
	if !ok {
		t.Fatalf("err = %v (%T), want *RejectError", err, err)
	}
	if re.Code != 550 {
		t.Fatalf("Code = %d, want 550", re.Code)
	}
}

func TestContentFilterGreylistActionRefusesWith451(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score": 6, "action": "greylist"}`))
	}))
	defer srv.Close()

	p := &Pipeline{Hostname: "mx.local", Store: testStore(t), ContentFilter: contentfilter.New(srv.URL, time.Second)}
	err := p.Accept(context.Background(), Message{
		EHLOName:      "client.example",
		From:          "sender@example",
		Recipient:     "dest@other.example",
		Data:          []byte("Subject: hi\r\n\r\nbody\r\n"),
		Authenticated: "sender@example",
	})
	re, ok := err.(*RejectError)
	if !ok {
		t.Fatalf("err = %v (%T), want *RejectError", err, err)
	}
	if re.Code != 451 {
		t.Fatalf("Code = %d, want 451", re.Code)
	}
}

func TestPrependReceivedKeepsOriginalBody(t *testing.T) {
	msg := Message{
		EHLOName:  "relay.example",
		RemoteIP:  net.ParseIP("192.0.2.1"),
		From:      "remote@example",
		Recipient: "test@local",
		Data:      []byte("Subject: hi\r\n\r\nbody\r\n"),
	}
	out := prependReceived(msg, "mx.local")
	if !strings.HasPrefix(string(out), "Received:") {
		t.Fatalf("output does not start with Received: header: %q", out)
	}
	if !strings.Contains(string(out), "Subject: hi") {
		t.Fatalf("output lost original body: %q", out)
	}
}
