package session

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/store"
)

func newRedisStore(t *testing.T) store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func seedMatch(t *testing.T, st store.Store, m *domain.Match) string {
	t.Helper()
	out, err := st.CreateMatch(context.Background(), m)
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	return out.ID
}

func TestSessionIDPersisted(t *testing.T) {
	st := newRedisStore(t)
	ctx := context.Background()
	a, err := NewManager(ctx, st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	b, err := NewManager(ctx, st)
	if err != nil {
		t.Fatalf("NewManager#2: %v", err)
	}
	if a.SessionID() == "" || a.SessionID() != b.SessionID() {
		t.Fatalf("session id not persisted: %q vs %q", a.SessionID(), b.SessionID())
	}
}

func TestCheckSessionStates(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_ = st.SetMeta(ctx, MetaKey, "device-a")
	m, _ := NewManager(ctx, st)

	free := seedMatch(t, st, &domain.Match{})
	mine := seedMatch(t, st, &domain.Match{SessionID: "device-a"})
	theirs := seedMatch(t, st, &domain.Match{SessionID: "device-b"})

	cases := []struct {
		id   string
		want Status
	}{
		{"", Status{}},
		{"missing", Status{}},
		{free, Status{}},
		{mine, Status{Locked: false, SessionID: "device-a", IsCurrentSession: true}},
		{theirs, Status{Locked: true, SessionID: "device-b", IsCurrentSession: false}},
	}
	for _, c := range cases {
		if got := m.CheckSession(ctx, c.id); got != c.want {
			t.Fatalf("CheckSession(%q)=%+v want %+v", c.id, got, c.want)
		}
	}
}

func TestAcquireTakesOverAndRelease(t *testing.T) {
	st := newRedisStore(t)
	ctx := context.Background()
	_ = st.SetMeta(ctx, MetaKey, "device-a")
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m, _ := NewManager(ctx, st, WithClock(clock))
	id := seedMatch(t, st, &domain.Match{SessionID: "device-b"})

	ok, err := m.Acquire(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Acquire: %v %v", ok, err)
	}
	lock, _ := m.Lock(ctx, id)
	if lock == nil || lock.SessionID != "device-a" || !lock.AcquiredAt.Equal(clock.Now()) {
		t.Fatalf("lock=%+v", lock)
	}
	if !m.Release(ctx, id) {
		t.Fatalf("Release returned false")
	}
	if got := m.CheckSession(ctx, id); got.Locked || got.SessionID != "" {
		t.Fatalf("after release: %+v", got)
	}
	if m.Release(ctx, "missing") {
		t.Fatalf("release of missing match reported success")
	}
}

func TestAcquireRefusePolicy(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	m, _ := NewManager(ctx, st, WithPolicy(PolicyRefuse))
	id := seedMatch(t, st, &domain.Match{SessionID: "other"})
	ok, err := m.Acquire(ctx, id)
	if ok || !errors.Is(err, ErrHeldByOther) {
		t.Fatalf("expected refusal, got %v %v", ok, err)
	}
	if got := m.CheckSession(ctx, id); !got.Locked || got.SessionID != "other" {
		t.Fatalf("holder changed: %+v", got)
	}
}

func TestTestMatchesNeverLocked(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	m, _ := NewManager(ctx, st)
	id := seedMatch(t, st, &domain.Match{Test: true})
	ok, err := m.Acquire(ctx, id)
	if !ok || err != nil {
		t.Fatalf("Acquire test match: %v %v", ok, err)
	}
	if got := m.CheckSession(ctx, id); got != (Status{}) {
		t.Fatalf("test match locked: %+v", got)
	}
	if ok, _ := m.Acquire(ctx, "missing"); ok {
		t.Fatalf("missing match acquired")
	}
}

func TestParsePolicy(t *testing.T) {
	if ParsePolicy(" Refuse ") != PolicyRefuse || ParsePolicy("") != PolicyTakeover || ParsePolicy("x") != PolicyTakeover {
		t.Fatalf("ParsePolicy mismatch")
	}
}
