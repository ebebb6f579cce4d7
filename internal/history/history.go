// Package history keeps the hub's recent inbound messages, newest first.
package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("history: not found")
	ErrInvalid  = errors.New("history: invalid entry")
)

const (
	KindSms  = "sms"
	KindCall = "call"

	DefaultMemoryLimit = 10
	DefaultSQLiteLimit = 200
)

// Entry is one received sms or call as presented by the hub.
type Entry struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	ReceivedAt       time.Time `json:"receivedAt"`
	Timestamp        int64     `json:"timestamp"`
	From             string    `json:"from"`
	FromPhone        string    `json:"fromPhone,omitempty"`
	Name             string    `json:"name,omitempty"`
	Body             string    `json:"body,omitempty"`
	SourceApp        string    `json:"sourcePackage,omitempty"`
	ConversationKey  string    `json:"conversationKey,omitempty"`
	ReplyKey         string    `json:"replyKey,omitempty"`
	VerificationCode string    `json:"verificationCode,omitempty"`
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.Join(ErrInvalid, errors.New("id required"))
	}
	if e.Kind != KindSms && e.Kind != KindCall {
		return errors.Join(ErrInvalid, errors.New("kind must be sms or call"))
	}
	return nil
}

// Store is a bounded message history. List returns newest first.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// Memory is an in-process Store holding at most limit entries.
type Memory struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{limit: limit}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.entries {
		if cur.ID == e.ID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	m.entries = append([]Entry{e}, m.entries...)
	if len(m.entries) > m.limit {
		m.entries = m.entries[:m.limit]
	}
	return nil
}

func (m *Memory) List(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

func (m *Memory) Close() error { return nil }
