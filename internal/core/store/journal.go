package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/namelens/headroom/internal/core"
)

const (
	defaultJournalTimeout = 2 * time.Second
	defaultJournalBuffer  = 256
)

var (
	// ErrJournalFull reports an event dropped because the write buffer was full.
	ErrJournalFull = errors.New("journal buffer full; event dropped")
	// ErrJournalClosed reports an event emitted after Close.
	ErrJournalClosed = errors.New("journal closed; event dropped")
)

// Journal records governor events in the store.
//
// It is an audit trail only: nothing reads it back into a governor. Events
// are queued and written by one background goroutine in emit order, so Emit
// never waits on the database. Write failures and dropped events are
// reported through OnError and never reach the governed call.
//
// A zero Journal writes synchronously.
type Journal struct {
	Store   *Store
	Timeout time.Duration
	OnError func(event core.Event, err error)

	mu     sync.RWMutex
	closed bool
	events chan core.Event
	done   chan struct{}
}

// NewJournal returns a journal writing to s and starts its writer. Call
// Close to flush queued events before closing s.
func NewJournal(s *Store, onError func(core.Event, error)) *Journal {
	return newJournal(s, onError, defaultJournalBuffer)
}

func newJournal(s *Store, onError func(core.Event, error), buffer int) *Journal {
	if buffer < 1 {
		buffer = 1
	}
	j := &Journal{
		Store:   s,
		OnError: onError,
		events:  make(chan core.Event, buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Emit queues event for writing.
func (j *Journal) Emit(event core.Event) {
	if j == nil || j.Store == nil {
		return
	}
	if j.events == nil {
		j.write(event)
		return
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.report(event, ErrJournalClosed)
		return
	}
	select {
	case j.events <- event:
	default:
		j.report(event, ErrJournalFull)
	}
}

// Close stops accepting events and waits until queued ones are written.
func (j *Journal) Close() {
	if j == nil || j.events == nil {
		return
	}
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for event := range j.events {
		j.write(event)
	}
}

// write records event with a bounded timeout.
func (j *Journal) write(event core.Event) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = defaultJournalTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := j.Store.RecordEvent(ctx, event); err != nil {
		j.report(event, err)
	}
}

func (j *Journal) report(event core.Event, err error) {
	if j.OnError != nil {
		j.OnError(event, err)
	}
}
