// Package command correlates hub-issued commands with their results and
// guarantees at most one side effect per client_msg_id.
package command

import (
	"strings"
	"sync"
)

// Result is the resolved outcome of one command.
type Result struct {
	ID      string
	Success bool
	Reason  string
}

type pendingSend struct {
	expected      int
	expectedKnown bool
	completed     int
	failure       string
}

// Tracker aggregates per-part completions of multipart sends.
// Registration is two-phase: Begin before invoking the send primitive, then
// SetExpected once the part count is known, so part callbacks that race the
// primitive's return are still counted.
type Tracker struct {
	mu        sync.Mutex
	pending   map[string]*pendingSend
	onResolve func(Result)
}

func NewTracker(onResolve func(Result)) *Tracker {
	return &Tracker{
		pending:   make(map[string]*pendingSend),
		onResolve: onResolve,
	}
}

// Begin registers id; it returns false when id is already in flight.
func (t *Tracker) Begin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return false
	}
	t.pending[id] = &pendingSend{}
	return true
}

func (t *Tracker) InFlight(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

func (t *Tracker) SetExpected(id string, parts int) {
	if parts < 1 {
		parts = 1
	}
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.expected = parts
	p.expectedKnown = true
	res, done := t.settleLocked(id, p)
	t.mu.Unlock()
	if done {
		t.emit(res)
	}
}

// PartFinished records one part completion; err nil means the part was sent.
func (t *Tracker) PartFinished(id string, err error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.completed++
	if err != nil && p.failure == "" {
		p.failure = strings.TrimSpace(err.Error())
		if p.failure == "" {
			p.failure = "send failed"
		}
	}
	res, done := t.settleLocked(id, p)
	t.mu.Unlock()
	if done {
		t.emit(res)
	}
}

// Abort resolves id immediately with reason. Later part callbacks are ignored.
func (t *Tracker) Abort(id, reason string) {
	t.mu.Lock()
	if _, ok := t.pending[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()
	t.emit(Result{ID: id, Success: false, Reason: reason})
}

// Forget drops id without emitting a result.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) settleLocked(id string, p *pendingSend) (Result, bool) {
	if !p.expectedKnown || p.completed < p.expected {
		return Result{}, false
	}
	delete(t.pending, id)
	return Result{ID: id, Success: p.failure == "", Reason: p.failure}, true
}

func (t *Tracker) emit(res Result) {
	if t.onResolve != nil {
		t.onResolve(res)
	}
}
