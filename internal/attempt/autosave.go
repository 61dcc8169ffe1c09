package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultAutosaveDelay is the debounce window applied to learner edits.
const DefaultAutosaveDelay = 2 * time.Second

// SaveFunc persists one answer value.
type SaveFunc func(ctx context.Context, questionID string, value json.RawMessage) error

// Autosave debounces edits per question before they reach the store. Each
// edit gets a sequence number; a write never replaces a newer one. An edit
// stays pending until its write succeeds, so Flush also covers writes a
// timer already started.
type Autosave struct {
	delay time.Duration
	save  SaveFunc

	mu      sync.Mutex
	seq     uint64
	pending map[string]*edit
	closed  bool
	held    bool

	writeMu sync.Mutex
	written map[string]uint64 // question -> last persisted seq
}

type edit struct {
	seq      uint64
	value    json.RawMessage
	timer    *time.Timer   // nil once the timer fired or was flushed
	inflight chan struct{} // closed when a debounced write returns
}

func NewAutosave(delay time.Duration, save SaveFunc) *Autosave {
	if delay <= 0 {
		delay = DefaultAutosaveDelay
	}
	return &Autosave{
		delay:   delay,
		save:    save,
		pending: map[string]*edit{},
		written: map[string]uint64{},
	}
}

// Edit records a new value for questionID and restarts its window. It
// reports false once the buffer is closed or held.
func (a *Autosave) Edit(questionID string, value json.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.held {
		return false
	}
	if prev := a.pending[questionID]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	a.seq++
	e := &edit{seq: a.seq, value: append(json.RawMessage(nil), value...)}
	e.timer = time.AfterFunc(a.delay, func() { a.fire(questionID, e) })
	a.pending[questionID] = e
	return true
}

// Hold rejects edits until Release. Edits accepted before Hold are still
// written by the next Flush.
func (a *Autosave) Hold() {
	a.mu.Lock()
	a.held = true
	a.mu.Unlock()
}

func (a *Autosave) Release() {
	a.mu.Lock()
	a.held = false
	a.mu.Unlock()
}

// Pending counts edits not yet persisted, including writes in progress.
func (a *Autosave) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Autosave) fire(questionID string, e *edit) {
	a.mu.Lock()
	if a.pending[questionID] != e || e.timer == nil {
		a.mu.Unlock()
		return
	}
	e.timer = nil
	e.inflight = make(chan struct{})
	a.mu.Unlock()

	err := a.write(context.Background(), questionID, e)

	a.mu.Lock()
	if err != nil {
		log.Printf("[autosave] question %s: %v", questionID, err)
	} else if a.pending[questionID] == e {
		delete(a.pending, questionID)
	}
	done := e.inflight
	e.inflight = nil
	a.mu.Unlock()
	close(done)
}

func (a *Autosave) write(ctx context.Context, questionID string, e *edit) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.written[questionID] >= e.seq {
		return nil // stale
	}
	if err := a.save(ctx, questionID, e.value); err != nil {
		return err
	}
	a.written[questionID] = e.seq
	return nil
}

// requeue keeps a failed write for the next Flush unless a newer edit exists.
func (a *Autosave) requeue(questionID string, e *edit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur := a.pending[questionID]; cur == nil || cur.seq < e.seq {
		a.pending[questionID] = e
	}
}

// Flush waits for debounced writes already running, then writes every
// pending edit now, oldest first, and returns the first error. Failed edits
// stay pending so a later Flush retries them.
func (a *Autosave) Flush(ctx context.Context) error {
	a.mu.Lock()
	for {
		var running []chan struct{}
		for _, e := range a.pending {
			if e.inflight != nil {
				running = append(running, e.inflight)
			}
		}
		if len(running) == 0 {
			break
		}
		a.mu.Unlock()
		for _, done := range running {
			select {
			case <-done:
			case <-ctx.Done():
				return fmt.Errorf("autosave: %w", ctx.Err())
			}
		}
		a.mu.Lock()
	}

	type item struct {
		question string
		e        *edit
	}
	batch := make([]item, 0, len(a.pending))
	for q, e := range a.pending {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		batch = append(batch, item{q, e})
	}
	a.pending = map[string]*edit{}
	a.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].e.seq < batch[j].e.seq })
	var first error
	for _, it := range batch {
		if err := a.write(ctx, it.question, it.e); err != nil {
			a.requeue(it.question, it.e)
			if first == nil {
				first = fmt.Errorf("autosave %s: %w", it.question, err)
			}
		}
	}
	return first
}

// Close rejects further edits and flushes best-effort.
func (a *Autosave) Close(ctx context.Context) {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	if err := a.Flush(ctx); err != nil {
		log.Printf("[autosave] close: %v", err)
	}
}
