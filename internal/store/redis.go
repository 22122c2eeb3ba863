package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/escoresheet-sync/internal/domain"
)

const txRetries = 8

// advanceSeq assigns the next per-match sequence number (ARGV[1] <= 0) or
// raises the counter to an explicit one, so later assignments stay above it.
var advanceSeq = redis.NewScript(`
local want = tonumber(ARGV[1])
if want <= 0 then
	return redis.call('INCR', KEYS[1])
end
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if want > cur then
	redis.call('SET', KEYS[1], ARGV[1])
end
return want
`)

// Redis keeps every record as JSON under an "es:" namespace. Nothing expires:
// the store is the system of record, so durability comes from the server's persistence config.
type Redis struct {
	hub
	rdb *redis.Client
	ns  string
}

type RedisOption func(*Redis)

// WithNamespace changes the key prefix (default "es").
func WithNamespace(ns string) RedisOption {
	return func(r *Redis) {
		if s := strings.TrimSpace(ns); s != "" {
			r.ns = s
		}
	}
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{rdb: rdb, ns: "es"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenRedis parses REDIS_URL, connects and pings.
func OpenRedis(ctx context.Context, rawURL string, opts ...RedisOption) (*Redis, error) {
	o, err := ParseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, opts...), nil
}

func ParseRedisURL(raw string) (*redis.Options, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("REDIS_URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

func (s *Redis) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Redis) key(parts ...string) string { return s.ns + ":" + strings.Join(parts, ":") }
func (s *Redis) keySeq(kind string) string  { return s.key("seq", kind) }
func (s *Redis) keyMatches() string         { return s.key("matches") }
func (s *Redis) keyLive() string            { return s.key("live") }
func (s *Redis) keyMatch(id string) string  { return s.key("match", strings.TrimSpace(id)) }
func (s *Redis) keySets(id string) string   { return s.keyMatch(id) + ":sets" }
func (s *Redis) keyEvents(id string) string { return s.keyMatch(id) + ":events" }
func (s *Redis) keyEvSeq(id string) string  { return s.keyMatch(id) + ":evseq" }
func (s *Redis) keyTeam(id string) string   { return s.key("team", strings.TrimSpace(id)) }
func (s *Redis) keyRoster(id string) string { return s.keyTeam(id) + ":players" }
func (s *Redis) keyOutbox() string          { return s.key("outbox") }
func (s *Redis) keyMeta(k string) string    { return s.key("meta", strings.TrimSpace(k)) }

func (s *Redis) nextID(ctx context.Context, kind string) (string, error) {
	n, err := s.rdb.Incr(ctx, s.keySeq(kind)).Result()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

// watch runs fn under optimistic locking, retrying when a watched key changed underneath.
func (s *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis tx: %w", redis.TxFailedErr)
}

// ---- matches ----

func (s *Redis) GetMatch(ctx context.Context, id string) (*domain.Match, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, s.keyMatch(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m domain.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Redis) ListMatches(ctx context.Context) ([]*domain.Match, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyMatches()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.IDLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (s *Redis) LiveMatchID(ctx context.Context) (string, error) {
	id, err := s.rdb.Get(ctx, s.keyLive()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return "", err
	}
	if m == nil || m.Status != domain.StatusLive {
		return "", nil
	}
	return id, nil
}

func (s *Redis) CreateMatch(ctx context.Context, m *domain.Match) (*domain.Match, error) {
	if m == nil {
		return nil, ErrInvalidArgs
	}
	c := m.Clone()
	if strings.TrimSpace(c.ID) == "" {
		id, err := s.nextID(ctx, "match")
		if err != nil {
			return nil, err
		}
		c.ID = id
	}
	out, err := s.writeMatch(ctx, c.ID, writeCreate, func(cur *domain.Match) error {
		*cur = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeMatch, MatchID: out.ID})
	return out, nil
}

func (s *Redis) UpdateMatch(ctx context.Context, id string, fn func(*domain.Match) error) (*domain.Match, error) {
	if strings.TrimSpace(id) == "" || fn == nil {
		return nil, ErrInvalidArgs
	}
	out, err := s.writeMatch(ctx, id, writeUpdate, fn)
	if err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeMatch, MatchID: out.ID})
	return out, nil
}

type writeMode int

const (
	writeCreate writeMode = iota
	writeUpdate
	writeUpsert
)

// writeMatch applies fn to the stored match under WATCH on the match and the live pointer,
// so the single-live-match check and the write commit together.
func (s *Redis) writeMatch(ctx context.Context, id string, mode writeMode, fn func(*domain.Match) error) (*domain.Match, error) {
	var out *domain.Match
	mk, lk := s.keyMatch(id), s.keyLive()
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var cur domain.Match
		raw, err := tx.Get(ctx, mk).Bytes()
		exists := err == nil
		if err != nil && err != redis.Nil {
			return err
		}
		if exists {
			if mode == writeCreate {
				return ErrExists
			}
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
		} else if mode == writeUpdate {
			return ErrNotFound
		}
		if err := fn(&cur); err != nil {
			return err
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

		live, err := tx.Get(ctx, lk).Result()
		switch {
		case err == redis.Nil:
			live = ""
		case err != nil:
			return err
		}
		if cur.Status == domain.StatusLive && live != "" && live != id {
			other, err := tx.Get(ctx, s.keyMatch(live)).Bytes()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				var om domain.Match
				if jerr := json.Unmarshal(other, &om); jerr == nil && om.Status == domain.StatusLive {
					return ErrAnotherMatchLive
				}
			}
		}

		payload, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, mk, payload, 0)
			pipe.SAdd(ctx, s.keyMatches(), id)
			if cur.Status == domain.StatusLive {
				pipe.Set(ctx, lk, id, 0)
			} else if live == id {
				pipe.Del(ctx, lk)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = cur.Clone()
		return nil
	}, mk, lk)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMatch removes the match with its sets and events.
func (s *Redis) DeleteMatch(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidArgs
	}
	lk := s.keyLive()
	err := s.watch(ctx, func(tx *redis.Tx) error {
		live, err := tx.Get(ctx, lk).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.keyMatch(id), s.keySets(id), s.keyEvents(id), s.keyEvSeq(id))
			pipe.SRem(ctx, s.keyMatches(), id)
			if live == id {
				pipe.Del(ctx, lk)
			}
			return nil
		})
		return err
	}, lk)
	if err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeMatch, MatchID: id})
	return nil
}

func (s *Redis) matchExists(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.keyMatch(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- teams / players ----

func (s *Redis) PutTeam(ctx context.Context, t *domain.Team) (*domain.Team, error) {
	if t == nil {
		return nil, ErrInvalidArgs
	}
	c := *t
	if strings.TrimSpace(c.ID) == "" {
		id, err := s.nextID(ctx, "team")
		if err != nil {
			return nil, err
		}
		c.ID = id
	}
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, s.keyTeam(c.ID), raw, 0).Err(); err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeTeam})
	return &c, nil
}

func (s *Redis) GetTeam(ctx context.Context, id string) (*domain.Team, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, s.keyTeam(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t domain.Team
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Redis) PutPlayer(ctx context.Context, p *domain.Player) (*domain.Player, error) {
	if p == nil || strings.TrimSpace(p.TeamID) == "" {
		return nil, ErrInvalidArgs
	}
	c := *p
	if strings.TrimSpace(c.ID) == "" {
		id, err := s.nextID(ctx, "player")
		if err != nil {
			return nil, err
		}
		c.ID = id
	}
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.HSet(ctx, s.keyRoster(c.TeamID), c.ID, raw).Err(); err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeTeam})
	return &c, nil
}

func (s *Redis) PlayersByTeam(ctx context.Context, teamID string) ([]*domain.Player, error) {
	if strings.TrimSpace(teamID) == "" {
		return []*domain.Player{}, nil
	}
	vals, err := s.rdb.HGetAll(ctx, s.keyRoster(teamID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Player, 0, len(vals))
	for _, v := range vals {
		var p domain.Player
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	domain.SortPlayers(out)
	return out, nil
}

// ---- sets / events ----

// PutSet upserts by (match, index); an existing row keeps its id.
func (s *Redis) PutSet(ctx context.Context, st *domain.Set) (*domain.Set, error) {
	if st == nil || strings.TrimSpace(st.MatchID) == "" || st.Index < 1 {
		return nil, ErrInvalidArgs
	}
	if err := s.matchExists(ctx, st.MatchID); err != nil {
		return nil, err
	}
	c := *st
	field := strconv.Itoa(c.Index)
	if strings.TrimSpace(c.ID) == "" {
		prev, err := s.rdb.HGet(ctx, s.keySets(c.MatchID), field).Bytes()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		var old domain.Set
		if err == nil && json.Unmarshal(prev, &old) == nil && old.ID != "" {
			c.ID = old.ID
		} else {
			id, err := s.nextID(ctx, "set")
			if err != nil {
				return nil, err
			}
			c.ID = id
		}
	}
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.HSet(ctx, s.keySets(c.MatchID), field, raw).Err(); err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeSet, MatchID: c.MatchID})
	return &c, nil
}

func (s *Redis) SetsByMatch(ctx context.Context, matchID string) ([]*domain.Set, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keySets(matchID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Set, 0, len(vals))
	for _, v := range vals {
		var st domain.Set
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	domain.SortSets(out)
	return out, nil
}

// AppendEvent stores an event, assigning id, timestamp and the next per-match
// sequence number when missing. An explicit seq raises the counter instead.
func (s *Redis) AppendEvent(ctx context.Context, e *domain.Event) (*domain.Event, error) {
	if e == nil || strings.TrimSpace(e.MatchID) == "" || strings.TrimSpace(e.Type) == "" {
		return nil, ErrInvalidArgs
	}
	if err := s.matchExists(ctx, e.MatchID); err != nil {
		return nil, err
	}
	c := *e
	if strings.TrimSpace(c.ID) == "" {
		id, err := s.nextID(ctx, "event")
		if err != nil {
			return nil, err
		}
		c.ID = id
	}
	want := c.Seq
	if want < 0 {
		want = 0
	}
	n, err := advanceSeq.Run(ctx, s.rdb, []string{s.keyEvSeq(c.MatchID)}, want).Int64()
	if err != nil {
		return nil, fmt.Errorf("event seq: %w", err)
	}
	c.Seq = n
	if c.Ts.IsZero() {
		c.Ts = time.Now().UTC()
	}
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.HSet(ctx, s.keyEvents(c.MatchID), c.ID, raw).Err(); err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeEvent, MatchID: c.MatchID})
	return &c, nil
}

func (s *Redis) EventsByMatch(ctx context.Context, matchID string) ([]*domain.Event, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keyEvents(matchID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Event, 0, len(vals))
	for _, v := range vals {
		var e domain.Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	domain.SortEvents(out)
	return out, nil
}

// DeleteEvents is the corrective path used when an administrator reopens the last set.
func (s *Redis) DeleteEvents(ctx context.Context, matchID string, ids ...string) error {
	if strings.TrimSpace(matchID) == "" {
		return ErrInvalidArgs
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.keyEvents(matchID), ids...).Err(); err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeEvent, MatchID: matchID})
	return nil
}

// ImportSnapshot writes a snapshot verbatim (restore path). Event sequence numbers are preserved.
func (s *Redis) ImportSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap.Match == nil || strings.TrimSpace(snap.Match.ID) == "" {
		return ErrInvalidArgs
	}
	m := snap.Match.Clone()
	if _, err := s.writeMatch(ctx, m.ID, writeUpsert, func(cur *domain.Match) error {
		created := cur.CreatedAt
		*cur = *m
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = created
		}
		return nil
	}); err != nil {
		return err
	}
	for _, t := range []*domain.Team{snap.HomeTeam, snap.AwayTeam} {
		if t == nil {
			continue
		}
		if _, err := s.PutTeam(ctx, t); err != nil {
			return err
		}
	}
	for _, p := range append(append([]*domain.Player{}, snap.HomePlayers...), snap.AwayPlayers...) {
		if _, err := s.PutPlayer(ctx, p); err != nil {
			return err
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keySets(m.ID), s.keyEvents(m.ID))
	var maxSeq int64
	for _, st := range snap.Sets {
		c := *st
		c.MatchID = m.ID
		if strings.TrimSpace(c.ID) == "" {
			id, err := s.nextID(ctx, "set")
			if err != nil {
				return err
			}
			c.ID = id
		}
		raw, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.keySets(m.ID), strconv.Itoa(c.Index), raw)
	}
	for _, e := range snap.Events {
		c := *e
		c.MatchID = m.ID
		if strings.TrimSpace(c.ID) == "" {
			id, err := s.nextID(ctx, "event")
			if err != nil {
				return err
			}
			c.ID = id
		}
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
		raw, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.keyEvents(m.ID), c.ID, raw)
	}
	pipe.Set(ctx, s.keyEvSeq(m.ID), maxSeq, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeMatch, MatchID: m.ID})
	return nil
}

// ---- outbox ----

func (s *Redis) Enqueue(ctx context.Context, item *domain.SyncQueueItem) (*domain.SyncQueueItem, error) {
	if item == nil || item.Resource == "" || item.Action == "" {
		return nil, ErrInvalidArgs
	}
	c := *item
	n, err := s.rdb.Incr(ctx, s.keySeq("outbox")).Result()
	if err != nil {
		return nil, err
	}
	c.ID = n
	if c.Status == "" {
		c.Status = domain.ItemQueued
	}
	if c.Ts.IsZero() {
		c.Ts = time.Now().UTC()
	}
	raw, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.HSet(ctx, s.keyOutbox(), strconv.FormatInt(c.ID, 10), raw).Err(); err != nil {
		return nil, err
	}
	s.notify(Change{Kind: ChangeOutbox})
	return &c, nil
}

// QueueItems returns items in enqueue order, optionally filtered by status.
func (s *Redis) QueueItems(ctx context.Context, statuses ...domain.ItemStatus) ([]*domain.SyncQueueItem, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keyOutbox()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.SyncQueueItem, 0, len(vals))
	for _, v := range vals {
		var it domain.SyncQueueItem
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			return nil, err
		}
		if !statusIn(it.Status, statuses) {
			continue
		}
		out = append(out, &it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateQueueItem rewrites status metadata. The payload is restored after fn so it stays immutable.
func (s *Redis) UpdateQueueItem(ctx context.Context, id int64, fn func(*domain.SyncQueueItem) error) error {
	if fn == nil {
		return ErrInvalidArgs
	}
	key, field := s.keyOutbox(), strconv.FormatInt(id, 10)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var it domain.SyncQueueItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return err
		}
		payload, ikey := it.Payload, it.IdempotencyKey
		if err := fn(&it); err != nil {
			return err
		}
		it.ID, it.Payload, it.IdempotencyKey = id, payload, ikey
		next, err := json.Marshal(&it)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, next)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeOutbox})
	return nil
}

func (s *Redis) DeleteQueueItem(ctx context.Context, id int64) error {
	if err := s.rdb.HDel(ctx, s.keyOutbox(), strconv.FormatInt(id, 10)).Err(); err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeOutbox})
	return nil
}

// ---- meta ----

func (s *Redis) GetMeta(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.keyMeta(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *Redis) SetMeta(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidArgs
	}
	if err := s.rdb.Set(ctx, s.keyMeta(key), value, 0).Err(); err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeMeta})
	return nil
}

func statusIn(st domain.ItemStatus, set []domain.ItemStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}
