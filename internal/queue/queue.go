// Package queue implements the durable outbound queue: a file-backed
// FIFO directory with push/pop/ack/nack semantics. Items
// become visible to Pop only after an atomic rename, mirroring the
// maildir convention this corpus uses elsewhere for crash-safe delivery,
// and a popped item is claimed by renaming it out of the visible set so
// two consumers never own the same handle.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	visibleSuffix  = ".msg"
	inflightSuffix = ".inflight"
	tmpPrefix      = "tmp-"
)

// Handle identifies one popped, in-flight item; it must be passed to
// exactly one of Ack or Nack.
type Handle string

// Item is one popped queue entry: every envelope recipient at Domain from
// one transaction, the raw message to relay, and how many delivery
// attempts have already been made.
type Item struct {
	ID         uuid.UUID
	Domain     string
	From       string
	Recipients []string
	Data       []byte
	Attempts   int
}

type header struct {
	ID         string   `json:"id"`
	Domain     string   `json:"domain"`
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Attempts   int      `json:"attempts"`
}

// Queue is a directory-backed FIFO. The zero value is not usable; use
// Open.
type Queue struct {
	dir string
	mu  sync.Mutex
}

// Open prepares dir as a queue's backing store, creating it if absent.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &Queue{dir: dir}, nil
}

// Push durably enqueues data for recipients, all at domain, as one
// transaction.
func (q *Queue) Push(ctx context.Context, domain, from string, recipients []string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.push(domain, from, recipients, data, 0, time.Now())
}

func (q *Queue) push(domain, from string, recipients []string, data []byte, attempts int, notBefore time.Time) error {
	id := uuid.New()
	name := fmt.Sprintf("%020d-%s", notBefore.UnixNano(), id.String())

	hdr, err := json.Marshal(header{ID: id.String(), Domain: domain, From: from, Recipients: recipients, Attempts: attempts})
	if err != nil {
		return fmt.Errorf("queue: encoding header: %w", err)
	}

	tmpPath := filepath.Join(q.dir, tmpPrefix+name+visibleSuffix)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("queue: creating item: %w", err)
	}
	if _, err := f.Write(append(append(hdr, '\n'), data...)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("queue: writing item: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("queue: closing item: %w", err)
	}

	finalPath := filepath.Join(q.dir, name+visibleSuffix)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("queue: publishing item: %w", err)
	}
	return nil
}

// Pop claims the oldest visible item whose scheduled time has arrived. ok
// is false if nothing in the queue is ready yet.
func (q *Queue) Pop(ctx context.Context) (item Item, handle Handle, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return Item{}, "", false, fmt.Errorf("queue: listing: %w", err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasSuffix(n, visibleSuffix) && !strings.HasPrefix(n, tmpPrefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names) // the zero-padded timestamp prefix sorts in arrival order

	now := time.Now().UnixNano()
	for _, name := range names {
		notBefore, perr := parseNotBefore(name)
		if perr != nil || notBefore > now {
			continue
		}

		visiblePath := filepath.Join(q.dir, name)
		inflightPath := strings.TrimSuffix(visiblePath, visibleSuffix) + inflightSuffix
		if err := os.Rename(visiblePath, inflightPath); err != nil {
			continue // another consumer (or Nack's republish) won the race
		}

		data, rerr := os.ReadFile(inflightPath)
		if rerr != nil {
			return Item{}, "", false, fmt.Errorf("queue: reading claimed item: %w", rerr)
		}
		hdr, body, perr := splitHeader(data)
		if perr != nil {
			return Item{}, "", false, fmt.Errorf("queue: corrupt item %s: %w", name, perr)
		}
		id, _ := uuid.Parse(hdr.ID)
		return Item{ID: id, Domain: hdr.Domain, From: hdr.From, Recipients: hdr.Recipients, Data: body, Attempts: hdr.Attempts}, Handle(inflightPath), true, nil
	}

	return Item{}, "", false, nil
}

// Ack permanently removes a successfully delivered item.
func (q *Queue) Ack(ctx context.Context, handle Handle) error {
	if err := os.Remove(string(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Nack returns recipients (a subset of the popped item's recipients, or
// all of them) to the visible queue under the same domain/from/body, not
// to be popped again before retryAfter elapses, with the attempt count
// incremented. Narrowing recipients lets a caller drop ones that already
// reached a final outcome within the same transaction.
func (q *Queue) Nack(ctx context.Context, handle Handle, recipients []string, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(string(handle))
	if err != nil {
		return fmt.Errorf("queue: nack: reading: %w", err)
	}
	hdr, body, err := splitHeader(data)
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	if err := os.Remove(string(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: nack: removing in-flight item: %w", err)
	}
	return q.push(hdr.Domain, hdr.From, recipients, body, hdr.Attempts+1, time.Now().Add(retryAfter))
}

func splitHeader(data []byte) (header, []byte, error) {
	i := indexNewline(data)
	if i < 0 {
		return header{}, nil, fmt.Errorf("missing header terminator")
	}
	var h header
	if err := json.Unmarshal(data[:i], &h); err != nil {
		return header{}, nil, err
	}
	return h, data[i+1:], nil
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func parseNotBefore(name string) (int64, error) {
	base := strings.TrimSuffix(name, visibleSuffix)
	i := strings.IndexByte(base, '-')
	if i < 0 {
		return 0, fmt.Errorf("malformed item name %q", name)
	}
	return strconv.ParseInt(base[:i], 10, 64)
}
