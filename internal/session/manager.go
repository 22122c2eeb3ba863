// Package session arbitrates which device may edit a match.
//
// The lock is advisory: the holder's session id lives on the match record and
// every device compares it against its own persisted id. The default policy lets
// a device take a match over from another holder, since a crashed tablet can
// never release its claim.
package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/store"
)

// MetaKey is where the device session id is persisted.
const MetaKey = "sessionId"

// Policy decides what Acquire does when another device holds the match.
type Policy string

const (
	PolicyTakeover Policy = "takeover"
	PolicyRefuse   Policy = "refuse"
)

func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyRefuse)) {
		return PolicyRefuse
	}
	return PolicyTakeover
}

var ErrHeldByOther error = staticErr("match is held by another session")

type staticErr string

func (e staticErr) Error() string { return string(e) }

// Status is the answer to "can I edit this match".
type Status struct {
	Locked           bool   `json:"locked"`
	SessionID        string `json:"sessionId"`
	IsCurrentSession bool   `json:"isCurrentSession"`
}

type Manager struct {
	store     store.Store
	sessionID string
	policy    Policy
	clock     clockwork.Clock
	logger    *zap.Logger
}

type Option func(*Manager)

func WithPolicy(p Policy) Option { return func(m *Manager) { m.policy = p } }

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewManager loads the device session id from the store, generating and persisting one on first run.
func NewManager(ctx context.Context, st store.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  st,
		policy: PolicyTakeover,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	id, err := st.GetMeta(ctx, MetaKey)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
		if err := st.SetMeta(ctx, MetaKey, id); err != nil {
			return nil, err
		}
		m.logger.Info("session_id_created", zap.String("session_id", id))
	}
	m.sessionID = id
	return m, nil
}

// SessionID is this device's persisted id.
func (m *Manager) SessionID() string { return m.sessionID }

// CheckSession never fails: lookup errors report the match as unlocked.
func (m *Manager) CheckSession(ctx context.Context, matchID string) Status {
	if strings.TrimSpace(matchID) == "" {
		return Status{}
	}
	match, err := m.store.GetMatch(ctx, matchID)
	if err != nil {
		m.logger.Warn("session_check_failed", zap.String("match_id", matchID), zap.Error(err))
		return Status{}
	}
	if match == nil || match.SessionID == "" {
		return Status{}
	}
	if match.SessionID == m.sessionID {
		return Status{Locked: false, SessionID: match.SessionID, IsCurrentSession: true}
	}
	return Status{Locked: true, SessionID: match.SessionID, IsCurrentSession: false}
}

// Acquire claims the match for this device. Test matches are never locked and report success.
func (m *Manager) Acquire(ctx context.Context, matchID string) (bool, error) {
	if strings.TrimSpace(matchID) == "" {
		return false, store.ErrInvalidArgs
	}
	var (
		previous string
		skipped  bool
	)
	_, err := m.store.UpdateMatch(ctx, matchID, func(cur *domain.Match) error {
		if cur.Test || cur.SessionID == m.sessionID {
			skipped = true
			return nil
		}
		if cur.SessionID != "" && m.policy == PolicyRefuse {
			return ErrHeldByOther
		}
		previous = cur.SessionID
		now := m.clock.Now().UTC()
		cur.SessionID = m.sessionID
		cur.SessionLockedAt = &now
		return nil
	})
	switch {
	case errors.Is(err, ErrHeldByOther):
		return false, err
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		m.logger.Error("session_lock_failed", zap.String("match_id", matchID), zap.Error(err))
		return false, err
	}
	if skipped {
		return true, nil
	}
	if previous != "" {
		m.logger.Warn("session_takeover", zap.String("match_id", matchID), zap.String("previous", previous))
	}
	m.logger.Info("session_locked", zap.String("match_id", matchID))
	return true, nil
}

// Release clears the holder. Failures are logged and reported as false.
func (m *Manager) Release(ctx context.Context, matchID string) bool {
	if strings.TrimSpace(matchID) == "" {
		return false
	}
	_, err := m.store.UpdateMatch(ctx, matchID, func(cur *domain.Match) error {
		cur.SessionID = ""
		cur.SessionLockedAt = nil
		return nil
	})
	if err != nil {
		m.logger.Warn("session_unlock_failed", zap.String("match_id", matchID), zap.Error(err))
		return false
	}
	m.logger.Info("session_unlocked", zap.String("match_id", matchID))
	return true
}

// Lock returns the current claim on a match, or nil when nobody holds it.
func (m *Manager) Lock(ctx context.Context, matchID string) (*domain.SessionLock, error) {
	match, err := m.store.GetMatch(ctx, matchID)
	if err != nil || match == nil || match.SessionID == "" {
		return nil, err
	}
	out := &domain.SessionLock{MatchID: match.ID, SessionID: match.SessionID}
	if match.SessionLockedAt != nil {
		out.AcquiredAt = *match.SessionLockedAt
	}
	return out, nil
}
