// Package store is the local system of record: matches, rosters, sets, events,
// the outbox table and small device metadata. Every write fires a change
// notification so readers (relay, UI) can re-render from the store instead of
// receiving pushed shapes.
package store

import (
	"context"
	"sync"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// ChangeKind names the record family a write touched.
type ChangeKind string

const (
	ChangeMatch  ChangeKind = "match"
	ChangeTeam   ChangeKind = "team"
	ChangeSet    ChangeKind = "set"
	ChangeEvent  ChangeKind = "event"
	ChangeOutbox ChangeKind = "outbox"
	ChangeMeta   ChangeKind = "meta"
)

// Change is delivered after a write commits. MatchID is empty for team, outbox and meta writes.
type Change struct {
	Kind    ChangeKind
	MatchID string
}

// ChangeFunc is invoked synchronously on the writer's goroutine; it must not block.
type ChangeFunc func(Change)

// Reader is the read side used to build snapshots.
type Reader interface {
	GetMatch(ctx context.Context, id string) (*domain.Match, error)
	GetTeam(ctx context.Context, id string) (*domain.Team, error)
	PlayersByTeam(ctx context.Context, teamID string) ([]*domain.Player, error)
	SetsByMatch(ctx context.Context, matchID string) ([]*domain.Set, error)
	EventsByMatch(ctx context.Context, matchID string) ([]*domain.Event, error)
}

// Outbox is the durable sync queue table.
type Outbox interface {
	Enqueue(ctx context.Context, item *domain.SyncQueueItem) (*domain.SyncQueueItem, error)
	QueueItems(ctx context.Context, statuses ...domain.ItemStatus) ([]*domain.SyncQueueItem, error)
	UpdateQueueItem(ctx context.Context, id int64, fn func(*domain.SyncQueueItem) error) error
	DeleteQueueItem(ctx context.Context, id int64) error
}

// Store is the full local store contract.
type Store interface {
	Reader
	Outbox

	CreateMatch(ctx context.Context, m *domain.Match) (*domain.Match, error)
	UpdateMatch(ctx context.Context, id string, fn func(*domain.Match) error) (*domain.Match, error)
	DeleteMatch(ctx context.Context, id string) error
	ListMatches(ctx context.Context) ([]*domain.Match, error)
	LiveMatchID(ctx context.Context) (string, error)

	PutTeam(ctx context.Context, t *domain.Team) (*domain.Team, error)
	PutPlayer(ctx context.Context, p *domain.Player) (*domain.Player, error)

	PutSet(ctx context.Context, s *domain.Set) (*domain.Set, error)
	AppendEvent(ctx context.Context, e *domain.Event) (*domain.Event, error)
	DeleteEvents(ctx context.Context, matchID string, ids ...string) error
	ImportSnapshot(ctx context.Context, snap *domain.Snapshot) error

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Subscribe(fn ChangeFunc) (cancel func())
	Close() error
}

// Errors
var (
	ErrInvalidArgs      = errf("invalid arguments")
	ErrNotFound         = errf("record not found")
	ErrExists           = errf("record already exists")
	ErrAnotherMatchLive = errf("another match is already live")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

type subEntry struct {
	id int
	fn ChangeFunc
}

// hub fans out change notifications. Shared by both implementations.
type hub struct {
	mu     sync.RWMutex
	nextID int
	subs   []subEntry
}

func (h *hub) Subscribe(fn ChangeFunc) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subEntry{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (h *hub) notify(c Change) {
	h.mu.RLock()
	subs := make([]subEntry, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()
	for _, s := range subs {
		s.fn(c)
	}
}
