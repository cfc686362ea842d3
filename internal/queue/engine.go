// Package queue implements the in-memory retry queue between the event
// stream and the persistence writer. Items move through four positions:
// pending, processing, retrying (waiting out a backoff delay), and
// failed (terminal, operator action required). Each item carries a lane
// tag describing what the writer should do with it.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-archive/internal/protocol"
)

// Lane tags describe how the writer handles an item.
type Lane string

const (
	// LaneMessage items are upserted into the messages table.
	LaneMessage Lane = "message"

	// LaneRetryDecrypt items could not be decrypted yet; the writer
	// retries decryption before persisting.
	LaneRetryDecrypt Lane = "retry_decrypt"

	// LaneError items are appended to the sync error log for operator
	// visibility and not retried automatically.
	LaneError Lane = "error"
)

const (
	// defaultMaxRetries is how many times an item is retried before
	// landing in the failed position.
	defaultMaxRetries = 3
)

// defaultBackoff is the delay schedule applied per retry count. The
// last value repeats for counts beyond the schedule length.
var defaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Item is one unit of queued work. Identity for deduplication purposes
// is (event ID, lane).
type Item struct {
	Event     protocol.TimelineEvent
	RoomID    string
	Lane      Lane
	Retries   int
	FirstSeen time.Time
	ErrText   string
}

func (it Item) key() string {
	return it.Event.ID + "\x00" + string(it.Lane)
}

// Counts reports the number of items in each queue position.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	MaxRetries int
	Backoff    []time.Duration
}

// scheduled is an item waiting out its backoff delay.
type scheduled struct {
	item    Item
	readyAt time.Time
}

// Engine is the multi-lane retry queue. All methods are safe for
// concurrent use; in practice a single producer (the stream handlers)
// and a single consumer (the drain loop) share it.
type Engine struct {
	logger *slog.Logger

	mu         sync.Mutex
	now        func() time.Time
	maxRetries int
	backoff    []time.Duration

	// fresh holds never-retried pending items in arrival order; redo
	// holds retry re-entries whose backoff has expired. Dequeue drains
	// fresh first so backoff traffic cannot starve live traffic.
	fresh      []Item
	redo       []Item
	waiting    []scheduled
	processing map[string]Item
	failed     []Item
}

// New creates an Engine with the given config.
func New(cfg Config, logger *slog.Logger) *Engine {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}

	return &Engine{
		logger:     logger,
		now:        time.Now,
		maxRetries: maxRetries,
		backoff:    backoff,
		processing: make(map[string]Item),
	}
}

// Enqueue adds a fresh item to pending. If an item with the same
// (event ID, lane) key is currently processing, the call is a no-op:
// the same event must never be in flight twice.
func (e *Engine) Enqueue(item Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, inFlight := e.processing[item.key()]; inFlight {
		return
	}

	if item.FirstSeen.IsZero() {
		item.FirstSeen = e.now()
	}

	e.fresh = append(e.fresh, item)
}

// Dequeue returns up to batchSize items and moves them to processing.
// Fresh items are returned before retry re-entries so backoff items do
// not starve live traffic. Within each class, arrival order is kept.
func (e *Engine) Dequeue(batchSize int) []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.promoteDue()

	if batchSize <= 0 {
		return nil
	}

	var out []Item

	take := func(src []Item) []Item {
		for len(src) > 0 && len(out) < batchSize {
			item := src[0]
			src = src[1:]
			e.processing[item.key()] = item
			out = append(out, item)
		}

		return src
	}

	e.fresh = take(e.fresh)
	e.redo = take(e.redo)

	return out
}

// Requeue sends processing items back through the retry path after a
// downstream failure. Each item's retry count is incremented; items
// exceeding the max move to failed and are returned so the caller can
// record them durably, the rest re-enter pending after the scheduled
// backoff delay. Items are never returned directly to pending, which
// would produce a tight failure loop.
func (e *Engine) Requeue(items []Item) []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	var exhausted []Item

	for _, item := range items {
		delete(e.processing, item.key())

		item.Retries++

		if item.Retries > e.maxRetries {
			e.failed = append(e.failed, item)
			exhausted = append(exhausted, item)
			e.logger.Warn("queue item exhausted retries",
				slog.String("event_id", item.Event.ID),
				slog.String("lane", string(item.Lane)),
				slog.String("error", item.ErrText),
			)

			continue
		}

		delay := e.delayFor(item.Retries)
		e.waiting = append(e.waiting, scheduled{item: item, readyAt: now.Add(delay)})
	}

	return exhausted
}

// MarkDone removes successfully flushed items from processing. Items
// the writer already rerouted (and therefore removed) are skipped.
func (e *Engine) MarkDone(items []Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, item := range items {
		delete(e.processing, item.key())
	}
}

// Status returns the per-position item counts.
func (e *Engine) Status() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.promoteDue()

	return Counts{
		Pending:    len(e.fresh) + len(e.redo),
		Processing: len(e.processing),
		Retrying:   len(e.waiting),
		Failed:     len(e.failed),
	}
}

// Pending returns a read-only snapshot of the items carrying the given
// lane tag that have not yet failed or completed, including items
// waiting out a backoff delay.
func (e *Engine) Pending(lane Lane) []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.promoteDue()

	var out []Item

	for _, item := range e.fresh {
		if item.Lane == lane {
			out = append(out, item)
		}
	}

	for _, item := range e.redo {
		if item.Lane == lane {
			out = append(out, item)
		}
	}

	for _, s := range e.waiting {
		if s.item.Lane == lane {
			out = append(out, s.item)
		}
	}

	return out
}

// FailedItems returns a snapshot of the terminal failed items.
func (e *Engine) FailedItems() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Item, len(e.failed))
	copy(out, e.failed)

	return out
}

// RetryFailed moves all failed items back into pending with their retry
// counts fully reset. Explicit operator action; nothing re-enters the
// pipeline from failed automatically.
func (e *Engine) RetryFailed() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.failed)

	for _, item := range e.failed {
		item.Retries = 0
		item.ErrText = ""
		e.fresh = append(e.fresh, item)
	}

	e.failed = nil

	return n
}

// Expedite releases items with the given lane tag from the backoff
// wait immediately. Used when key recovery succeeds so decrypt-retries
// do not sit out the remainder of their schedule.
func (e *Engine) Expedite(lane Lane) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []scheduled

	released := 0

	for _, s := range e.waiting {
		if s.item.Lane == lane {
			e.redo = append(e.redo, s.item)
			released++

			continue
		}

		kept = append(kept, s)
	}

	e.waiting = kept

	return released
}

// Clear empties every position. Used by sync reset.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fresh = nil
	e.redo = nil
	e.waiting = nil
	e.failed = nil
	e.processing = make(map[string]Item)
}

// delayFor returns the backoff delay for the given retry count. The
// schedule's last value repeats for counts beyond its length.
func (e *Engine) delayFor(retries int) time.Duration {
	idx := retries - 1
	if idx >= len(e.backoff) {
		idx = len(e.backoff) - 1
	}

	if idx < 0 {
		idx = 0
	}

	return e.backoff[idx]
}

// promoteDue moves waiting items whose backoff has expired into redo,
// preserving schedule order. Caller must hold mu.
func (e *Engine) promoteDue() {
	now := e.now()

	var kept []scheduled

	for _, s := range e.waiting {
		if !s.readyAt.After(now) {
			e.redo = append(e.redo, s.item)
			continue
		}

		kept = append(kept, s)
	}

	e.waiting = kept
}
