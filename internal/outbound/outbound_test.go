package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"erooster.dev/internal/dkim"
	"erooster.dev/internal/queue"
	"erooster.dev/internal/smtp/smtpclient"
)

type fakeDeliverer struct {
	mu             sync.Mutex
	calls          int
	lastRecipients []string
	results        []smtpclient.Delivery
	err            error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, domain, from string, recipients []string, data []byte, signer *dkim.Signer) ([]smtpclient.Delivery, error) {
	f.mu.Lock()
	f.calls++
	f.lastRecipients = recipients
	f.mu.Unlock()
	return f.results, f.err
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDeliverer) recipientsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRecipients
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}

func TestSenderAcksOnSuccess(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := q.Push(ctx, "example.com", "sender@local", []string{"dest@example.com"}, []byte("body")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deliverer := &fakeDeliverer{results: []smtpclient.Delivery{{Recipient: "dest@example.com", Code: 250}}}
	s := NewSender(q, deliverer, nil)
	go s.Run()
	defer s.Shutdown()
	s.Notify()

	waitFor(t, func() bool {
		_, _, ok, _ := q.Pop(ctx)
		return !ok && deliverer.callCount() > 0
	})
}

func TestSenderRetriesTransientFailure(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := q.Push(ctx, "example.com", "sender@local", []string{"dest@example.com"}, []byte("body")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deliverer := &fakeDeliverer{err: errors.New("connection refused")}
	s := NewSender(q, deliverer, nil)
	s.poll = 10 * time.Millisecond
	go s.Run()
	defer s.Shutdown()
	s.Notify()

	waitFor(t, func() bool { return deliverer.callCount() >= 1 })

	// The item should still be in the queue, invisible until its backoff
	// elapses, rather than acked away.
	_, _, ok, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ok {
		t.Fatal("Pop: want the retried item to stay invisible during its backoff")
	}
}

func TestSenderDropsAfterMaxAttempts(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	// Push an item pre-aged to its final attempt via Nack bookkeeping:
	// simulate by nacking twice with zero delay before the test begins.
	if err := q.Push(ctx, "example.com", "sender@local", []string{"dest@example.com"}, []byte("body")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	for i := 0; i < MaxAttempts-1; i++ {
		_, handle, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("Pop: ok=%v err=%v", ok, err)
		}
		if err := q.Nack(ctx, handle, []string{"dest@example.com"}, 0); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}

	deliverer := &fakeDeliverer{err: errors.New("connection refused")}
	s := NewSender(q, deliverer, nil)
	s.poll = 10 * time.Millisecond
	go s.Run()
	defer s.Shutdown()
	s.Notify()

	waitFor(t, func() bool {
		_, _, ok, _ := q.Pop(ctx)
		return !ok && deliverer.callCount() > 0
	})
}

func TestSenderDeliversGroupedRecipientsInOneCall(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	recipients := []string{"a@example.com", "b@example.com"}
	if err := q.Push(ctx, "example.com", "sender@local", recipients, []byte("body")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deliverer := &fakeDeliverer{results: []smtpclient.Delivery{
		{Recipient: "a@example.com", Code: 250},
		{Recipient: "b@example.com", Code: 250},
	}}
	s := NewSender(q, deliverer, nil)
	go s.Run()
	defer s.Shutdown()
	s.Notify()

	waitFor(t, func() bool {
		_, _, ok, _ := q.Pop(ctx)
		return !ok && deliverer.callCount() > 0
	})

	if got := deliverer.recipientsSeen(); len(got) != 2 {
		t.Fatalf("Deliver recipients = %v, want both recipients relayed in one call", got)
	}
}

func TestSenderRetriesOnlyPendingRecipients(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	recipients := []string{"a@example.com", "b@example.com"}
	if err := q.Push(ctx, "example.com", "sender@local", recipients, []byte("body")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deliverer := &fakeDeliverer{results: []smtpclient.Delivery{
		{Recipient: "a@example.com", Code: 250},
		{Recipient: "b@example.com", Code: 450, Details: "try later"},
	}}
	s := NewSender(q, deliverer, nil)
	// One long poll so the sender only drains on the initial Notify,
	// leaving the zero-delay requeued item for the test to inspect.
	s.poll = time.Hour
	s.backoff = 0
	go s.Run()
	defer s.Shutdown()
	s.Notify()

	waitFor(t, func() bool { return deliverer.callCount() >= 1 })

	// b@example.com should be requeued alone; a@example.com already
	// succeeded and must not be retried.
	var item queue.Item
	waitFor(t, func() bool {
		var ok bool
		item, _, ok, _ = q.Pop(ctx)
		return ok
	})
	if len(item.Recipients) != 1 || item.Recipients[0] != "b@example.com" {
		t.Fatalf("requeued item.Recipients = %v, want only b@example.com", item.Recipients)
	}
}
