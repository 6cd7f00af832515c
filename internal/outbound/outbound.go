// Package outbound implements the background sender that drains the
// durable queue and relays each item to its destination domain.
package outbound

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"erooster.dev/internal/dkim"
	"erooster.dev/internal/queue"
	"erooster.dev/internal/smtp/smtpclient"
)

// MaxAttempts bounds how many times one item is retried before it is
// dropped as a permanent failure.
const MaxAttempts = 3

// backoffBase is the minimum delay before the first retry; each
// subsequent retry doubles it.
const backoffBase = 20 * time.Minute

// Deliverer relays one queued item to its destination domain. It is
// satisfied by *smtpclient.Client.
type Deliverer interface {
	Deliver(ctx context.Context, domain, from string, recipients []string, data []byte, signer *dkim.Signer) ([]smtpclient.Delivery, error)
}

// Sender periodically drains a queue.Queue and relays each item via a
// Deliverer, retrying transient failures with backoff and giving up
// after MaxAttempts.
type Sender struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	queue  *queue.Queue
	client Deliverer
	signer *dkim.Signer

	poll    time.Duration
	backoff time.Duration
	newmsg  chan struct{}

	Logf func(format string, v ...interface{})
}

// NewSender builds a Sender. signer may be nil to disable outbound DKIM
// signing.
func NewSender(q *queue.Queue, client Deliverer, signer *dkim.Signer) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
		queue:    q,
		client:   client,
		signer:   signer,
		poll:     2 * time.Second,
		backoff:  backoffBase,
		newmsg:   make(chan struct{}, 1),
	}
}

func (s *Sender) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Notify wakes the sender to check the queue immediately, rather than
// waiting for the next poll tick. It is safe to call from any goroutine
// and never blocks.
func (s *Sender) Notify() {
	select {
	case s.newmsg <- struct{}{}:
	default:
	}
}

// Shutdown stops the sender and waits for its goroutine to exit.
func (s *Sender) Shutdown() {
	s.cancelFn()
	<-s.done
}

// Run drains the queue until the context passed to NewSender is
// canceled via Shutdown. It is meant to run in its own goroutine.
func (s *Sender) Run() {
	defer close(s.done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.newmsg:
		case <-ticker.C:
		}

		s.drain()
	}
}

const drainBatch = 50

// drain pops up to drainBatch items and delivers them concurrently,
// mirroring one sweep of the queue; it returns once nothing more is
// immediately ready.
func (s *Sender) drain() {
	type popped struct {
		item   queue.Item
		handle queue.Handle
	}
	var batch []popped
	for len(batch) < drainBatch {
		item, handle, ok, err := s.queue.Pop(s.ctx)
		if err != nil {
			s.logf("outbound: pop: %v", err)
			break
		}
		if !ok {
			break
		}
		batch = append(batch, popped{item, handle})
	}
	if len(batch) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range batch {
		wg.Add(1)
		go func(p popped) {
			defer wg.Done()
			s.deliverOne(p.item, p.handle)
		}(p)
	}
	wg.Wait()

	if len(batch) == drainBatch {
		s.Notify()
	}
}

// deliverOne relays item's whole recipient group in one SMTP transaction.
// The item is acked once every recipient has reached a final outcome
// (delivered, or permanently rejected); recipients still in a transient
// failure state are requeued on their own, so an already-delivered or
// permanently-rejected recipient in the same group is never retried.
func (s *Sender) deliverOne(item queue.Item, handle queue.Handle) {
	results, err := s.client.Deliver(s.ctx, item.Domain, item.From, item.Recipients, item.Data, s.signer)
	if err != nil {
		s.retryOrDrop(item, handle, err)
		return
	}

	var pending []string
	for _, d := range results {
		switch {
		case d.Success():
		case d.PermFailure():
			s.logf("outbound: %s to %s permanently rejected by %s: %d %s", item.ID, d.Recipient, item.Domain, d.Code, d.Details)
		default:
			pending = append(pending, d.Recipient)
		}
	}

	if len(pending) == 0 {
		if err := s.queue.Ack(s.ctx, handle); err != nil {
			s.logf("outbound: ack %s: %v", item.ID, err)
		}
		return
	}

	retryItem := item
	retryItem.Recipients = pending
	s.retryOrDrop(retryItem, handle, fmt.Errorf("%d recipient(s) temporarily failed", len(pending)))
}

func (s *Sender) retryOrDrop(item queue.Item, handle queue.Handle, cause error) {
	if item.Attempts+1 >= MaxAttempts {
		s.logf("outbound: %s to %s: giving up after %d attempts: %v", item.ID, item.Domain, item.Attempts+1, cause)
		if err := s.queue.Ack(s.ctx, handle); err != nil {
			s.logf("outbound: ack %s: %v", item.ID, err)
		}
		return
	}

	backoff := s.backoff << uint(item.Attempts)
	s.logf("outbound: %s to %s: transient failure (attempt %d): %v, retrying in %s", item.ID, item.Domain, item.Attempts+1, cause, backoff)
	if err := s.queue.Nack(s.ctx, handle, item.Recipients, backoff); err != nil {
		s.logf("outbound: nack %s: %v", item.ID, err)
	}
}
