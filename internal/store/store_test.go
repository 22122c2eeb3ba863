package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/escoresheet-sync/internal/domain"
)

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(rdb)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs the same contract against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisStore(t)) })
}

func TestCreateAndUpdateMatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, err := s.CreateMatch(ctx, &domain.Match{SeedKey: "seed-1", RefereePin: "123456"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if m.ID == "" || m.Status != domain.StatusScheduled || m.CreatedAt.IsZero() {
			t.Fatalf("unexpected create result: %+v", m)
		}
		if _, err := s.CreateMatch(ctx, &domain.Match{ID: m.ID}); !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		up, err := s.UpdateMatch(ctx, m.ID, func(cur *domain.Match) error {
			cur.Status = domain.StatusLive
			return nil
		})
		if err != nil || up.Status != domain.StatusLive || up.RefereePin != "123456" {
			t.Fatalf("update: %+v %v", up, err)
		}
		if _, err := s.UpdateMatch(ctx, "nope", func(*domain.Match) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		got, _ := s.GetMatch(ctx, m.ID)
		if got == nil || got.SeedKey != "seed-1" {
			t.Fatalf("get: %+v", got)
		}
		if missing, err := s.GetMatch(ctx, "404"); err != nil || missing != nil {
			t.Fatalf("missing match: %+v %v", missing, err)
		}
	})
}

func TestSingleLiveMatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.CreateMatch(ctx, &domain.Match{Status: domain.StatusLive})
		b, _ := s.CreateMatch(ctx, &domain.Match{})
		_, err := s.UpdateMatch(ctx, b.ID, func(cur *domain.Match) error {
			cur.Status = domain.StatusLive
			return nil
		})
		if !errors.Is(err, ErrAnotherMatchLive) {
			t.Fatalf("expected ErrAnotherMatchLive, got %v", err)
		}
		if live, _ := s.LiveMatchID(ctx); live != a.ID {
			t.Fatalf("live=%q want %q", live, a.ID)
		}
		if _, err := s.UpdateMatch(ctx, a.ID, func(cur *domain.Match) error {
			cur.Status = domain.StatusEnded
			return nil
		}); err != nil {
			t.Fatalf("end a: %v", err)
		}
		if live, _ := s.LiveMatchID(ctx); live != "" {
			t.Fatalf("live pointer not cleared: %q", live)
		}
		if _, err := s.UpdateMatch(ctx, b.ID, func(cur *domain.Match) error {
			cur.Status = domain.StatusLive
			return nil
		}); err != nil {
			t.Fatalf("b live: %v", err)
		}
	})
}

func TestDeleteMatchCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, _ := s.CreateMatch(ctx, &domain.Match{Status: domain.StatusLive})
		if _, err := s.PutSet(ctx, &domain.Set{MatchID: m.ID, Index: 1}); err != nil {
			t.Fatalf("put set: %v", err)
		}
		if _, err := s.AppendEvent(ctx, &domain.Event{MatchID: m.ID, Type: "point"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.DeleteMatch(ctx, m.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		sets, _ := s.SetsByMatch(ctx, m.ID)
		events, _ := s.EventsByMatch(ctx, m.ID)
		if len(sets) != 0 || len(events) != 0 {
			t.Fatalf("children survived: sets=%d events=%d", len(sets), len(events))
		}
		if live, _ := s.LiveMatchID(ctx); live != "" {
			t.Fatalf("live=%q after delete", live)
		}
	})
}

func TestPutSetUpsertsByIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, _ := s.CreateMatch(ctx, &domain.Match{})
		first, _ := s.PutSet(ctx, &domain.Set{MatchID: m.ID, Index: 1, HomePoints: 3})
		second, _ := s.PutSet(ctx, &domain.Set{MatchID: m.ID, Index: 1, HomePoints: 5})
		if first.ID != second.ID {
			t.Fatalf("upsert changed id: %s -> %s", first.ID, second.ID)
		}
		_, _ = s.PutSet(ctx, &domain.Set{MatchID: m.ID, Index: 2})
		sets, _ := s.SetsByMatch(ctx, m.ID)
		if len(sets) != 2 || sets[0].HomePoints != 5 || sets[1].Index != 2 {
			t.Fatalf("sets=%+v", sets)
		}
		if _, err := s.PutSet(ctx, &domain.Set{MatchID: "missing", Index: 1}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAppendEventAssignsSeq(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, _ := s.CreateMatch(ctx, &domain.Match{})
		for i := 0; i < 3; i++ {
			if _, err := s.AppendEvent(ctx, &domain.Event{MatchID: m.ID, Type: "point", SetIndex: 1}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		events, _ := s.EventsByMatch(ctx, m.ID)
		if len(events) != 3 {
			t.Fatalf("events=%d", len(events))
		}
		for i, e := range events {
			if e.Seq != int64(i+1) {
				t.Fatalf("position %d seq=%d", i, e.Seq)
			}
		}
		if err := s.DeleteEvents(ctx, m.ID, events[2].ID); err != nil {
			t.Fatalf("delete events: %v", err)
		}
		events, _ = s.EventsByMatch(ctx, m.ID)
		if len(events) != 2 {
			t.Fatalf("events after delete=%d", len(events))
		}
		if _, err := s.AppendEvent(ctx, &domain.Event{MatchID: m.ID}); !errors.Is(err, ErrInvalidArgs) {
			t.Fatalf("event without type accepted: %v", err)
		}
	})
}

func TestAppendEventExplicitSeqRaisesCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, _ := s.CreateMatch(ctx, &domain.Match{})
		for _, seq := range []int64{3, 1, 2} {
			if _, err := s.AppendEvent(ctx, &domain.Event{MatchID: m.ID, Type: "point", SetIndex: 1, Seq: seq}); err != nil {
				t.Fatalf("append seq %d: %v", seq, err)
			}
		}
		auto, err := s.AppendEvent(ctx, &domain.Event{MatchID: m.ID, Type: "point", SetIndex: 1})
		if err != nil {
			t.Fatalf("append auto: %v", err)
		}
		if auto.Seq != 4 {
			t.Fatalf("auto seq=%d, want 4", auto.Seq)
		}
		events, _ := s.EventsByMatch(ctx, m.ID)
		if len(events) != 4 {
			t.Fatalf("events=%d", len(events))
		}
		for i, e := range events {
			if e.Seq != int64(i+1) {
				t.Fatalf("position %d seq=%d", i, e.Seq)
			}
		}
		if events[3].ID != auto.ID {
			t.Fatalf("last event=%s, want %s", events[3].ID, auto.ID)
		}
	})
}

func TestListMatchesOrdersNumericIDs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"10", "b", "9", "a", "2"} {
			if _, err := s.CreateMatch(ctx, &domain.Match{ID: id}); err != nil {
				t.Fatalf("CreateMatch %s: %v", id, err)
			}
		}
		ms, err := s.ListMatches(ctx)
		if err != nil {
			t.Fatalf("ListMatches: %v", err)
		}
		var got []string
		for _, m := range ms {
			got = append(got, m.ID)
		}
		if strings.Join(got, ",") != "2,9,10,a,b" {
			t.Fatalf("order=%v", got)
		}
	})
}

func TestOutboxLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.Enqueue(ctx, &domain.SyncQueueItem{Resource: domain.ResourceMatch, Action: domain.ActionInsert, Payload: json.RawMessage(`{"external_id":"x"}`), IdempotencyKey: "k1"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		b, _ := s.Enqueue(ctx, &domain.SyncQueueItem{Resource: domain.ResourceSet, Action: domain.ActionInsert, Payload: json.RawMessage(`{}`)})
		if a.ID >= b.ID || a.Status != domain.ItemQueued {
			t.Fatalf("ids=%d,%d status=%s", a.ID, b.ID, a.Status)
		}
		err = s.UpdateQueueItem(ctx, a.ID, func(it *domain.SyncQueueItem) error {
			it.Status = domain.ItemError
			it.Attempts++
			it.Payload = json.RawMessage(`{"tampered":true}`)
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		errs, _ := s.QueueItems(ctx, domain.ItemError)
		if len(errs) != 1 || errs[0].Attempts != 1 || string(errs[0].Payload) != `{"external_id":"x"}` || errs[0].IdempotencyKey != "k1" {
			t.Fatalf("error items=%+v", errs)
		}
		all, _ := s.QueueItems(ctx)
		if len(all) != 2 || all[0].ID != a.ID {
			t.Fatalf("all=%+v", all)
		}
		if err := s.DeleteQueueItem(ctx, a.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.UpdateQueueItem(ctx, a.ID, func(*domain.SyncQueueItem) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestImportSnapshotAndLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
		snap := &domain.Snapshot{
			Match:       &domain.Match{ID: "77", Status: domain.StatusEnded, HomeTeamID: "h", AwayTeamID: "a", SeedKey: "seed-77"},
			HomeTeam:    &domain.Team{ID: "h", Name: "Home"},
			AwayTeam:    &domain.Team{ID: "a", Name: "Away"},
			HomePlayers: []*domain.Player{{ID: "p2", TeamID: "h", Number: 2}, {ID: "p1", TeamID: "h", Number: 1}},
			Sets:        []*domain.Set{{ID: "s1", Index: 1, HomePoints: 21, AwayPoints: 15, Finished: true}},
			Events: []*domain.Event{
				{ID: "e2", Type: "point", Seq: 2, Ts: ts},
				{ID: "e1", Type: "point", Seq: 1, Ts: ts.Add(time.Second)},
			},
		}
		if err := s.ImportSnapshot(ctx, snap); err != nil {
			t.Fatalf("import: %v", err)
		}
		got, err := LoadSnapshot(ctx, s, "77")
		if err != nil || got == nil {
			t.Fatalf("load: %v", err)
		}
		if got.HomeTeam.Name != "Home" || got.AwayTeam.Name != "Away" {
			t.Fatalf("teams=%+v %+v", got.HomeTeam, got.AwayTeam)
		}
		if len(got.HomePlayers) != 2 || got.HomePlayers[0].Number != 1 {
			t.Fatalf("players=%+v", got.HomePlayers)
		}
		if len(got.Events) != 2 || got.Events[0].ID != "e1" || got.Events[0].MatchID != "77" {
			t.Fatalf("events=%+v", got.Events)
		}
		if got.AwayPlayers == nil {
			t.Fatalf("away players should be empty, not nil")
		}
		// the next appended event continues after the imported sequence
		e, _ := s.AppendEvent(ctx, &domain.Event{MatchID: "77", Type: "point"})
		if e.Seq != 3 {
			t.Fatalf("seq after import=%d", e.Seq)
		}
		if none, err := LoadSnapshot(ctx, s, "missing"); err != nil || none != nil {
			t.Fatalf("missing snapshot: %+v %v", none, err)
		}
	})
}

func TestSubscribeNotifiesAndCancels(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var got []Change
		cancel := s.Subscribe(func(c Change) { got = append(got, c) })
		m, _ := s.CreateMatch(ctx, &domain.Match{})
		_ = s.SetMeta(ctx, "sessionId", "abc")
		cancel()
		_, _ = s.PutSet(ctx, &domain.Set{MatchID: m.ID, Index: 1})
		if len(got) != 2 || got[0].Kind != ChangeMatch || got[0].MatchID != m.ID || got[1].Kind != ChangeMeta {
			t.Fatalf("changes=%+v", got)
		}
		if v, _ := s.GetMeta(ctx, "sessionId"); v != "abc" {
			t.Fatalf("meta=%q", v)
		}
	})
}

func TestParseRedisURL(t *testing.T) {
	o, err := ParseRedisURL("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.Addr != "localhost:6380" || o.Password != "secret" || o.DB != 2 {
		t.Fatalf("options=%+v", o)
	}
	if _, err := ParseRedisURL("http://x"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := ParseRedisURL(" "); err == nil {
		t.Fatalf("expected empty error")
	}
}
