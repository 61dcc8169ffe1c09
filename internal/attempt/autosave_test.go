package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	writes []string // question=value
	fail   error
	wrote  chan struct{}
}

func newRecorder() *recorder { return &recorder{wrote: make(chan struct{}, 100)} }

func (r *recorder) save(_ context.Context, questionID string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.writes = append(r.writes, questionID+"="+string(value))
	r.wrote <- struct{}{}
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func TestAutosaveDebouncesPerQuestion(t *testing.T) {
	rec := newRecorder()
	a := NewAutosave(30*time.Millisecond, rec.save)
	a.Edit("q1", json.RawMessage(`"a"`))
	a.Edit("q1", json.RawMessage(`"ab"`))
	a.Edit("q2", json.RawMessage(`"x"`))
	a.Edit("q1", json.RawMessage(`"abc"`))

	for i := 0; i < 2; i++ {
		select {
		case <-rec.wrote:
		case <-time.After(2 * time.Second):
			t.Fatal("debounced write never happened")
		}
	}
	time.Sleep(60 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("want one write per question, got %v", got)
	}
	seen := map[string]bool{}
	for _, w := range got {
		seen[w] = true
	}
	if !seen[`q1="abc"`] || !seen[`q2="x"`] {
		t.Fatalf("want latest values, got %v", got)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending=%d", a.Pending())
	}
}

func TestAutosaveFlushWritesPendingInEditOrder(t *testing.T) {
	rec := newRecorder()
	a := NewAutosave(time.Hour, rec.save)
	a.Edit("q2", json.RawMessage(`"b"`))
	a.Edit("q1", json.RawMessage(`"a"`))
	if a.Pending() != 2 {
		t.Fatalf("pending=%d", a.Pending())
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := rec.snapshot()
	if len(got) != 2 || got[0] != `q2="b"` || got[1] != `q1="a"` {
		t.Fatalf("unexpected writes %v", got)
	}
	if err := a.Flush(context.Background()); err != nil || len(rec.snapshot()) != 2 {
		t.Fatalf("second flush must be a no-op: %v", err)
	}
}

func TestAutosaveStaleWriteSkipped(t *testing.T) {
	rec := newRecorder()
	a := NewAutosave(time.Hour, rec.save)
	older := &edit{seq: 1, value: json.RawMessage(`"old"`)}
	newer := &edit{seq: 2, value: json.RawMessage(`"new"`)}
	ctx := context.Background()
	if err := a.write(ctx, "q1", newer); err != nil {
		t.Fatal(err)
	}
	if err := a.write(ctx, "q1", older); err != nil {
		t.Fatal(err)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0] != `q1="new"` {
		t.Fatalf("stale value overwrote newer one: %v", got)
	}
}

func TestAutosaveFailureIsRetriedByFlush(t *testing.T) {
	rec := newRecorder()
	rec.fail = errors.New("offline")
	a := NewAutosave(10*time.Millisecond, rec.save)
	a.Edit("q1", json.RawMessage(`"a"`))

	deadline := time.Now().Add(2 * time.Second)
	for {
		// the failed debounced write is requeued without a timer
		a.mu.Lock()
		e := a.pending["q1"]
		requeued := e != nil && e.timer == nil
		a.mu.Unlock()
		if requeued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed write was not requeued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("flush must surface the failure")
	}
	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != `q1="a"` {
		t.Fatalf("unexpected writes %v", got)
	}
}

func TestAutosaveCloseFlushesAndRejects(t *testing.T) {
	rec := newRecorder()
	a := NewAutosave(time.Hour, rec.save)
	a.Edit("q1", json.RawMessage(`"a"`))
	a.Close(context.Background())
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("close must flush, got %v", got)
	}
	if a.Edit("q1", json.RawMessage(`"b"`)) {
		t.Fatal("edit after close accepted")
	}
}

func TestAutosaveFlushWaitsForRunningWrite(t *testing.T) {
	gate, started := make(chan struct{}), make(chan struct{}, 1)
	var mu sync.Mutex
	var wrote []string
	a := NewAutosave(5*time.Millisecond, func(_ context.Context, q string, v json.RawMessage) error {
		started <- struct{}{}
		<-gate
		mu.Lock()
		wrote = append(wrote, q+"="+string(v))
		mu.Unlock()
		return nil
	})
	a.Edit("q1", json.RawMessage(`"a"`))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write never started")
	}
	if a.Pending() != 1 {
		t.Fatalf("a running write still counts as pending, got %d", a.Pending())
	}

	flushed := make(chan error, 1)
	go func() { flushed <- a.Flush(context.Background()) }()
	select {
	case err := <-flushed:
		t.Fatalf("flush returned before the running write: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	select {
	case err := <-flushed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush never returned")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(wrote) != 1 || wrote[0] != `q1="a"` {
		t.Fatalf("unexpected writes %v", wrote)
	}
}

func TestAutosaveFlushGivesUpWithContext(t *testing.T) {
	gate, started := make(chan struct{}), make(chan struct{}, 1)
	defer close(gate)
	a := NewAutosave(5*time.Millisecond, func(context.Context, string, json.RawMessage) error {
		started <- struct{}{}
		<-gate
		return nil
	})
	a.Edit("q1", json.RawMessage(`"a"`))
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestAutosaveHoldRejectsEdits(t *testing.T) {
	rec := newRecorder()
	a := NewAutosave(time.Hour, rec.save)
	a.Edit("q1", json.RawMessage(`"a"`))
	a.Hold()
	if a.Edit("q2", json.RawMessage(`"b"`)) {
		t.Fatal("edit accepted while held")
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != `q1="a"` {
		t.Fatalf("edits made before the hold must be written, got %v", got)
	}
	a.Release()
	if !a.Edit("q2", json.RawMessage(`"b"`)) {
		t.Fatal("edit rejected after release")
	}
}
