package session

import (
	"sync"

	"github.com/danmuck/smsrelay/internal/protocol"
)

type EventClass string

const (
	EventClassSms  EventClass = "sms"
	EventClassCall EventClass = "call"
)

// OutboundEvent is a tagged union; exactly one of Sms or Call is set.
type OutboundEvent struct {
	Sms  *protocol.SmsNotification
	Call *protocol.CallIncoming
}

func SmsEvent(n protocol.SmsNotification) OutboundEvent {
	return OutboundEvent{Sms: &n}
}

func CallEvent(c protocol.CallIncoming) OutboundEvent {
	return OutboundEvent{Call: &c}
}

func (e OutboundEvent) Class() EventClass {
	if e.Call != nil {
		return EventClassCall
	}
	return EventClassSms
}

func (e OutboundEvent) ID() string {
	switch {
	case e.Sms != nil:
		return e.Sms.ID
	case e.Call != nil:
		return e.Call.ID
	}
	return ""
}

func (e OutboundEvent) Message() protocol.Message {
	switch {
	case e.Sms != nil:
		return *e.Sms
	case e.Call != nil:
		return *e.Call
	}
	return nil
}

func (e OutboundEvent) Valid() bool {
	return (e.Sms == nil) != (e.Call == nil)
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (dropped bool) {
	if r.size == len(r.items) {
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		return true
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

func (r *ring[T]) clear() {
	clear(r.items)
	r.head = 0
	r.size = 0
}

// OutboundQueue holds events produced while the session cannot send.
// Each class has its own bounded ring; overflow drops the oldest entry.
type OutboundQueue struct {
	mu    sync.Mutex
	sms   *ring[OutboundEvent]
	calls *ring[OutboundEvent]
}

func NewOutboundQueue(smsCap, callCap int) *OutboundQueue {
	return &OutboundQueue{
		sms:   newRing[OutboundEvent](smsCap),
		calls: newRing[OutboundEvent](callCap),
	}
}

// Push appends ev to its class ring and reports whether an older event was dropped.
func (q *OutboundQueue) Push(ev OutboundEvent) bool {
	if !ev.Valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev.Class() == EventClassCall {
		return q.calls.push(ev)
	}
	return q.sms.push(ev)
}

func (q *OutboundQueue) Len() (sms, calls int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sms.size, q.calls.size
}

func (q *OutboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sms.clear()
	q.calls.clear()
}

func (q *OutboundQueue) pop() (OutboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev, ok := q.sms.pop(); ok {
		return ev, true
	}
	return q.calls.pop()
}

// Drain sends SMS events then call events in FIFO order until empty or send fails.
// An event whose send fails has already been dequeued and is not restored.
func (q *OutboundQueue) Drain(send func(protocol.Message) error) (int, error) {
	sent := 0
	for {
		ev, ok := q.pop()
		if !ok {
			return sent, nil
		}
		if err := send(ev.Message()); err != nil {
			return sent, err
		}
		sent++
	}
}
