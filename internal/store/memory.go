package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// Memory is an in-process Store used in tests and when REDIS_URL is unset.
type Memory struct {
	hub
	mu sync.RWMutex

	seq     map[string]int64
	matches map[string]*domain.Match
	live    string
	teams   map[string]*domain.Team
	players map[string]map[string]*domain.Player // teamID -> id -> player
	sets    map[string]map[int]*domain.Set       // matchID -> index -> set
	events  map[string]map[string]*domain.Event  // matchID -> id -> event
	evseq   map[string]int64
	outbox  map[int64]*domain.SyncQueueItem
	meta    map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		seq:     make(map[string]int64),
		matches: make(map[string]*domain.Match),
		teams:   make(map[string]*domain.Team),
		players: make(map[string]map[string]*domain.Player),
		sets:    make(map[string]map[int]*domain.Set),
		events:  make(map[string]map[string]*domain.Event),
		evseq:   make(map[string]int64),
		outbox:  make(map[int64]*domain.SyncQueueItem),
		meta:    make(map[string]string),
	}
}

func (m *Memory) Close() error { return nil }

// next must be called with mu held.
func (m *Memory) next(kind string) string {
	m.seq[kind]++
	return strconv.FormatInt(m.seq[kind], 10)
}

func (m *Memory) GetMatch(ctx context.Context, id string) (*domain.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matches[strings.TrimSpace(id)].Clone(), nil
}

func (m *Memory) ListMatches(ctx context.Context) ([]*domain.Match, error) {
	m.mu.RLock()
	out := make([]*domain.Match, 0, len(m.matches))
	for _, mt := range m.matches {
		out = append(out, mt.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return domain.IDLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (m *Memory) LiveMatchID(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mt := m.matches[m.live]; mt != nil && mt.Status == domain.StatusLive {
		return m.live, nil
	}
	return "", nil
}

func (m *Memory) CreateMatch(ctx context.Context, in *domain.Match) (*domain.Match, error) {
	if in == nil {
		return nil, ErrInvalidArgs
	}
	c := in.Clone()
	m.mu.Lock()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = m.next("match")
	}
	out, err := m.writeMatchLocked(c.ID, writeCreate, func(cur *domain.Match) error {
		*cur = *c
		return nil
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify(Change{Kind: ChangeMatch, MatchID: out.ID})
	return out, nil
}

func (m *Memory) UpdateMatch(ctx context.Context, id string, fn func(*domain.Match) error) (*domain.Match, error) {
	if strings.TrimSpace(id) == "" || fn == nil {
		return nil, ErrInvalidArgs
	}
	m.mu.Lock()
	out, err := m.writeMatchLocked(id, writeUpdate, fn)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify(Change{Kind: ChangeMatch, MatchID: out.ID})
	return out, nil
}

func (m *Memory) writeMatchLocked(id string, mode writeMode, fn func(*domain.Match) error) (*domain.Match, error) {
	prev, exists := m.matches[id]
	if exists && mode == writeCreate {
		return nil, ErrExists
	}
	if !exists && mode == writeUpdate {
		return nil, ErrNotFound
	}
	cur := &domain.Match{}
	if exists {
		cur = prev.Clone()
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cur.ID = id
	if cur.Status == "" {
		cur.Status = domain.StatusScheduled
	}
	if cur.CreatedAt.IsZero() {
		cur.CreatedAt = now
	}
	cur.UpdatedAt = now

	if cur.Status == domain.StatusLive && m.live != "" && m.live != id {
		if other := m.matches[m.live]; other != nil && other.Status == domain.StatusLive {
			return nil, ErrAnotherMatchLive
		}
	}
	m.matches[id] = cur
	if cur.Status == domain.StatusLive {
		m.live = id
	} else if m.live == id {
		m.live = ""
	}
	return cur.Clone(), nil
}

func (m *Memory) DeleteMatch(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidArgs
	}
	m.mu.Lock()
	delete(m.matches, id)
	delete(m.sets, id)
	delete(m.events, id)
	delete(m.evseq, id)
	if m.live == id {
		m.live = ""
	}
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeMatch, MatchID: id})
	return nil
}

func (m *Memory) PutTeam(ctx context.Context, t *domain.Team) (*domain.Team, error) {
	if t == nil {
		return nil, ErrInvalidArgs
	}
	c := *t
	m.mu.Lock()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = m.next("team")
	}
	stored := c
	m.teams[c.ID] = &stored
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeTeam})
	return &c, nil
}

func (m *Memory) GetTeam(ctx context.Context, id string) (*domain.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.teams[strings.TrimSpace(id)]
	if t == nil {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (m *Memory) PutPlayer(ctx context.Context, p *domain.Player) (*domain.Player, error) {
	if p == nil || strings.TrimSpace(p.TeamID) == "" {
		return nil, ErrInvalidArgs
	}
	c := *p
	m.mu.Lock()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = m.next("player")
	}
	roster := m.players[c.TeamID]
	if roster == nil {
		roster = make(map[string]*domain.Player)
		m.players[c.TeamID] = roster
	}
	stored := c
	roster[c.ID] = &stored
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeTeam})
	return &c, nil
}

func (m *Memory) PlayersByTeam(ctx context.Context, teamID string) ([]*domain.Player, error) {
	m.mu.RLock()
	out := make([]*domain.Player, 0, len(m.players[teamID]))
	for _, p := range m.players[teamID] {
		c := *p
		out = append(out, &c)
	}
	m.mu.RUnlock()
	domain.SortPlayers(out)
	return out, nil
}

func (m *Memory) PutSet(ctx context.Context, st *domain.Set) (*domain.Set, error) {
	if st == nil || strings.TrimSpace(st.MatchID) == "" || st.Index < 1 {
		return nil, ErrInvalidArgs
	}
	c := *st
	m.mu.Lock()
	if m.matches[c.MatchID] == nil {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	bucket := m.sets[c.MatchID]
	if bucket == nil {
		bucket = make(map[int]*domain.Set)
		m.sets[c.MatchID] = bucket
	}
	if strings.TrimSpace(c.ID) == "" {
		if old := bucket[c.Index]; old != nil && old.ID != "" {
			c.ID = old.ID
		} else {
			c.ID = m.next("set")
		}
	}
	stored := c
	bucket[c.Index] = &stored
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeSet, MatchID: c.MatchID})
	return &c, nil
}

func (m *Memory) SetsByMatch(ctx context.Context, matchID string) ([]*domain.Set, error) {
	m.mu.RLock()
	out := make([]*domain.Set, 0, len(m.sets[matchID]))
	for _, st := range m.sets[matchID] {
		c := *st
		out = append(out, &c)
	}
	m.mu.RUnlock()
	domain.SortSets(out)
	return out, nil
}

// AppendEvent assigns the next per-match seq when none is given; an explicit
// seq raises the counter so later assignments never collide with it.
func (m *Memory) AppendEvent(ctx context.Context, e *domain.Event) (*domain.Event, error) {
	if e == nil || strings.TrimSpace(e.MatchID) == "" || strings.TrimSpace(e.Type) == "" {
		return nil, ErrInvalidArgs
	}
	c := *e
	m.mu.Lock()
	if m.matches[c.MatchID] == nil {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = m.next("event")
	}
	if c.Seq <= 0 {
		m.evseq[c.MatchID]++
		c.Seq = m.evseq[c.MatchID]
	} else if c.Seq > m.evseq[c.MatchID] {
		m.evseq[c.MatchID] = c.Seq
	}
	if c.Ts.IsZero() {
		c.Ts = time.Now().UTC()
	}
	bucket := m.events[c.MatchID]
	if bucket == nil {
		bucket = make(map[string]*domain.Event)
		m.events[c.MatchID] = bucket
	}
	stored := c
	bucket[c.ID] = &stored
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeEvent, MatchID: c.MatchID})
	return &c, nil
}

func (m *Memory) EventsByMatch(ctx context.Context, matchID string) ([]*domain.Event, error) {
	m.mu.RLock()
	out := make([]*domain.Event, 0, len(m.events[matchID]))
	for _, e := range m.events[matchID] {
		c := *e
		out = append(out, &c)
	}
	m.mu.RUnlock()
	domain.SortEvents(out)
	return out, nil
}

func (m *Memory) DeleteEvents(ctx context.Context, matchID string, ids ...string) error {
	if strings.TrimSpace(matchID) == "" {
		return ErrInvalidArgs
	}
	if len(ids) == 0 {
		return nil
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.events[matchID], id)
	}
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeEvent, MatchID: matchID})
	return nil
}

func (m *Memory) ImportSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap.Match == nil || strings.TrimSpace(snap.Match.ID) == "" {
		return ErrInvalidArgs
	}
	in := snap.Match.Clone()
	m.mu.Lock()
	if _, err := m.writeMatchLocked(in.ID, writeUpsert, func(cur *domain.Match) error {
		created := cur.CreatedAt
		*cur = *in
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = created
		}
		return nil
	}); err != nil {
		m.mu.Unlock()
		return err
	}
	for _, t := range []*domain.Team{snap.HomeTeam, snap.AwayTeam} {
		if t == nil || t.ID == "" {
			continue
		}
		c := *t
		m.teams[c.ID] = &c
	}
	for _, p := range append(append([]*domain.Player{}, snap.HomePlayers...), snap.AwayPlayers...) {
		if p == nil || p.ID == "" || p.TeamID == "" {
			continue
		}
		if m.players[p.TeamID] == nil {
			m.players[p.TeamID] = make(map[string]*domain.Player)
		}
		c := *p
		m.players[p.TeamID][c.ID] = &c
	}
	sets := make(map[int]*domain.Set, len(snap.Sets))
	for _, st := range snap.Sets {
		c := *st
		c.MatchID = in.ID
		if strings.TrimSpace(c.ID) == "" {
			c.ID = m.next("set")
		}
		sets[c.Index] = &c
	}
	events := make(map[string]*domain.Event, len(snap.Events))
	var maxSeq int64
	for _, e := range snap.Events {
		c := *e
		c.MatchID = in.ID
		if strings.TrimSpace(c.ID) == "" {
			c.ID = m.next("event")
		}
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
		events[c.ID] = &c
	}
	m.sets[in.ID] = sets
	m.events[in.ID] = events
	m.evseq[in.ID] = maxSeq
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeMatch, MatchID: in.ID})
	return nil
}

func (m *Memory) Enqueue(ctx context.Context, item *domain.SyncQueueItem) (*domain.SyncQueueItem, error) {
	if item == nil || item.Resource == "" || item.Action == "" {
		return nil, ErrInvalidArgs
	}
	c := *item
	c.Payload = append(json.RawMessage(nil), item.Payload...)
	m.mu.Lock()
	m.seq["outbox"]++
	c.ID = m.seq["outbox"]
	if c.Status == "" {
		c.Status = domain.ItemQueued
	}
	if c.Ts.IsZero() {
		c.Ts = time.Now().UTC()
	}
	stored := c
	m.outbox[c.ID] = &stored
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeOutbox})
	return &c, nil
}

func (m *Memory) QueueItems(ctx context.Context, statuses ...domain.ItemStatus) ([]*domain.SyncQueueItem, error) {
	m.mu.RLock()
	out := make([]*domain.SyncQueueItem, 0, len(m.outbox))
	for _, it := range m.outbox {
		if !statusIn(it.Status, statuses) {
			continue
		}
		c := *it
		out = append(out, &c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateQueueItem(ctx context.Context, id int64, fn func(*domain.SyncQueueItem) error) error {
	if fn == nil {
		return ErrInvalidArgs
	}
	m.mu.Lock()
	cur := m.outbox[id]
	if cur == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	c := *cur
	if err := fn(&c); err != nil {
		m.mu.Unlock()
		return err
	}
	c.ID, c.Payload, c.IdempotencyKey = id, cur.Payload, cur.IdempotencyKey
	m.outbox[id] = &c
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeOutbox})
	return nil
}

func (m *Memory) DeleteQueueItem(ctx context.Context, id int64) error {
	m.mu.Lock()
	delete(m.outbox, id)
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeOutbox})
	return nil
}

func (m *Memory) GetMeta(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[strings.TrimSpace(key)], nil
}

func (m *Memory) SetMeta(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidArgs
	}
	m.mu.Lock()
	m.meta[strings.TrimSpace(key)] = value
	m.mu.Unlock()
	m.notify(Change{Kind: ChangeMeta})
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
