package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// ErrPipelineClosed is returned by Enqueue and Flush after Close.
var ErrPipelineClosed = errors.New("pipeline closed")

// historyTimeFormat matches the timestamp layout of the durable history dump.
const historyTimeFormat = "2006-01-02 15:04:05"

// FlushObserver is notified after every non-empty batch write.
type FlushObserver interface {
	ObserveFlush(n int, d time.Duration, err error)
}

// Pipeline decouples chat delivery from disk. Chat lines are queued in
// memory and written in batches by a single worker goroutine; offline
// messages and history reads go straight to the Store.
type Pipeline struct {
	store    *Store
	interval time.Duration
	observer FlushObserver

	mu     sync.Mutex
	queue  []PendingMessage
	closed bool

	wake     chan struct{}
	flushReq chan chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewPipeline starts the batch writer. observer may be nil.
func NewPipeline(store *Store, interval time.Duration, observer FlushObserver) *Pipeline {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := &Pipeline{
		store:    store,
		interval: interval,
		observer: observer,
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}

	p.wg.Add(1)
	go p.writerLoop()

	return p
}

// Enqueue queues a chat line for the next batch. It never blocks on I/O.
func (p *Pipeline) Enqueue(username, body string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	p.queue = append(p.queue, PendingMessage{Username: username, Body: body})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued, unflushed messages.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush asks the worker to write everything queued so far and waits for it.
func (p *Pipeline) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.flushReq <- done:
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writerLoop flushes on wake-up, on every tick, and once more on shutdown
func (p *Pipeline) writerLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.wake:
			p.flushBatch()
		case <-ticker.C:
			p.flushBatch()
		case done := <-p.flushReq:
			p.flushBatch()
			close(done)
		case <-p.shutdown:
			// Final drain; Enqueue is already rejecting new messages
			p.flushBatch()
			return
		}
	}
}

func (p *Pipeline) flushBatch() {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	n, err := p.store.InsertChatBatch(context.Background(), batch, p.now().UnixMilli())
	elapsed := time.Since(start)
	if err != nil {
		log.Printf("Pipeline: dropped batch of %d messages: %v", len(batch), err)
	} else if n < len(batch) {
		log.Printf("Pipeline: flushed %d of %d messages in %v", n, len(batch), elapsed)
	}

	if p.observer != nil {
		p.observer.ObserveFlush(n, elapsed, err)
	}
}

// FullHistory renders every persisted chat row, one per line, oldest first.
// Messages still waiting in the queue are not included.
func (p *Pipeline) FullHistory(ctx context.Context) (string, error) {
	msgs, err := p.store.ChatHistory(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s %s: %s\n",
			time.UnixMilli(m.CreatedAt).UTC().Format(historyTimeFormat), m.Username, m.Body)
	}
	return b.String(), nil
}

// StoreOffline persists a private message for an absent recipient before
// returning.
func (p *Pipeline) StoreOffline(ctx context.Context, toUser, body string) error {
	return p.store.InsertOffline(ctx, toUser, body)
}

// RetrieveAndClearOffline returns the user's queued messages, oldest first,
// and removes exactly those rows.
func (p *Pipeline) RetrieveAndClearOffline(ctx context.Context, username string) ([]string, error) {
	msgs, err := p.store.TakeOffline(ctx, username)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out, nil
}

// Close stops accepting messages, flushes the remaining queue and waits for
// the worker. It does not close the Store.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.shutdown)
	p.wg.Wait()
	return nil
}
