// Package engine is the coordinator the scoring UI talks to. It ties the local
// store, the outbox, the relay client and the session lock together so a screen
// transition is one call.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/backup"
	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/outbox"
	"github.com/park285/escoresheet-sync/internal/relay"
	"github.com/park285/escoresheet-sync/internal/session"
	"github.com/park285/escoresheet-sync/internal/store"
)

var (
	ErrMatchNotFound     error = staticErr("match not found")
	ErrInvalidTransition error = staticErr("invalid status transition")
	ErrBackupsDisabled   error = staticErr("backups not configured")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

// Relay is the part of the relay client the engine drives. *relay.Client satisfies it.
type Relay interface {
	SetActiveMatch(matchID string)
	ActiveMatchID() string
	SendDeleteMatch(matchID string) bool
	Stats() relay.Stats
}

type noRelay struct{}

func (noRelay) SetActiveMatch(string)       {}
func (noRelay) ActiveMatchID() string       { return "" }
func (noRelay) SendDeleteMatch(string) bool { return false }
func (noRelay) Stats() relay.Stats          { return relay.Stats{State: relay.StateIdle} }

type Engine struct {
	store   store.Store
	outbox  *outbox.Outbox
	proc    *outbox.Processor
	relay   Relay
	session *session.Manager
	backups *backup.Uploader
	logger  *zap.Logger

	mu     sync.Mutex
	openID string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRelay attaches the live relay. Without it relay calls are no-ops.
func WithRelay(r Relay) Option {
	return func(e *Engine) {
		if r != nil {
			e.relay = r
		}
	}
}

func WithBackups(u *backup.Uploader) Option {
	return func(e *Engine) { e.backups = u }
}

func New(st store.Store, proc *outbox.Processor, sess *session.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		proc:    proc,
		session: sess,
		relay:   noRelay{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.outbox = outbox.New(st, e.logger)
	return e
}

func (e *Engine) loadMatch(ctx context.Context, id string) (*domain.Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrMatchNotFound
	}
	m, err := e.store.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMatchNotFound
	}
	return m, nil
}

// OpenMatch takes the session lock and makes the match the one advertised on the relay.
func (e *Engine) OpenMatch(ctx context.Context, id string) error {
	m, err := e.loadMatch(ctx, id)
	if err != nil {
		return err
	}
	if _, err := e.session.Acquire(ctx, m.ID); err != nil {
		return err
	}

	e.mu.Lock()
	prev := e.openID
	e.openID = m.ID
	e.mu.Unlock()
	if prev != "" && prev != m.ID {
		e.session.Release(ctx, prev)
	}

	e.relay.SetActiveMatch(m.ID)
	e.logger.Info("match_opened", zap.String("match_id", m.ID), zap.String("status", string(m.Status)))
	return nil
}

// GoHome leaves the scoring screen. The lock is released; the relay keeps
// advertising the match so dashboards stay current.
func (e *Engine) GoHome(ctx context.Context) {
	e.mu.Lock()
	id := e.openID
	e.openID = ""
	e.mu.Unlock()
	if id == "" {
		return
	}
	e.session.Release(ctx, id)
	e.logger.Info("match_left", zap.String("match_id", id))
}

// OpenMatchID is the match the scoring screen currently shows.
func (e *Engine) OpenMatchID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openID
}

// EndMatch closes scoring: unlock, status ended, result update queued for the
// backend, and the match withdrawn from the relay.
func (e *Engine) EndMatch(ctx context.Context, id string) error {
	m, err := e.loadMatch(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(m.Status, domain.StatusEnded) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, domain.StatusEnded)
	}
	e.session.Release(ctx, m.ID)

	snap, err := store.LoadSnapshot(ctx, e.store, m.ID)
	if err != nil {
		return err
	}
	if snap == nil {
		return ErrMatchNotFound
	}
	res := resultOf(snap)
	localWinner, _ := res.winner()

	updated, err := e.store.UpdateMatch(ctx, m.ID, func(cur *domain.Match) error {
		cur.Status = domain.StatusEnded
		cur.Winner = localWinner
		cur.FinalScore = res.finalScore()
		return nil
	})
	if err != nil {
		return fmt.Errorf("end match: %w", err)
	}
	if _, err := e.outbox.EnqueueFor(ctx, updated, domain.ResourceMatch, domain.ActionUpdate, endPayload(updated, res)); err != nil {
		return err
	}

	e.withdraw(m.ID)
	e.logger.Info("match_ended",
		zap.String("match_id", m.ID),
		zap.String("final_score", updated.FinalScore),
		zap.String("winner", updated.Winner),
	)
	return nil
}

// withdraw removes a match from the relay: switching away if it is the active
// one, otherwise a bare delete-match on the current socket.
func (e *Engine) withdraw(id string) {
	e.mu.Lock()
	if e.openID == id {
		e.openID = ""
	}
	e.mu.Unlock()
	if e.relay.ActiveMatchID() == id {
		e.relay.SetActiveMatch("")
		return
	}
	e.relay.SendDeleteMatch(id)
}

// SetStatus applies a lifecycle transition, including the approved->ended and ended->live reopen edges.
func (e *Engine) SetStatus(ctx context.Context, id string, status domain.MatchStatus) (*domain.Match, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if _, err := e.loadMatch(ctx, id); err != nil {
		return nil, err
	}
	updated, err := e.store.UpdateMatch(ctx, strings.TrimSpace(id), func(cur *domain.Match) error {
		if !domain.CanTransition(cur.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
		}
		cur.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.outbox.EnqueueFor(ctx, updated, domain.ResourceMatch, domain.ActionUpdate, statusPayload(updated, status)); err != nil {
		return nil, err
	}
	e.logger.Info("match_status", zap.String("match_id", updated.ID), zap.String("status", string(status)))
	return updated, nil
}

// DeleteMatch removes the match and its children locally, queues the remote delete and withdraws it from the relay.
func (e *Engine) DeleteMatch(ctx context.Context, id string) error {
	m, err := e.loadMatch(ctx, id)
	if err != nil {
		return err
	}
	e.session.Release(ctx, m.ID)
	if err := e.store.DeleteMatch(ctx, m.ID); err != nil {
		return fmt.Errorf("delete match: %w", err)
	}
	if _, err := e.outbox.EnqueueFor(ctx, m, domain.ResourceMatch, domain.ActionDelete, deletePayload(m)); err != nil {
		return err
	}
	e.withdraw(m.ID)
	e.logger.Info("match_deleted", zap.String("match_id", m.ID), zap.String("seed_key", m.SeedKey))
	return nil
}

// Restore writes a backup into the local store and queues a remote restore. Returns the match id.
func (e *Engine) Restore(ctx context.Context, doc *backup.Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	snap := doc.Snapshot
	snap.Normalize()
	if err := e.store.ImportSnapshot(ctx, &snap); err != nil {
		return "", fmt.Errorf("import backup: %w", err)
	}
	m := snap.Match
	if _, err := e.outbox.EnqueueFor(ctx, m, domain.ResourceMatch, domain.ActionRestore, buildRestorePayload(&snap)); err != nil {
		return "", err
	}
	e.logger.Info("match_restored",
		zap.String("match_id", m.ID),
		zap.Int("sets", len(snap.Sets)),
		zap.Int("events", len(snap.Events)),
	)
	return m.ID, nil
}

// RestoreBackup fetches a stored backup by key and restores it.
func (e *Engine) RestoreBackup(ctx context.Context, key string) (string, error) {
	if e.backups == nil {
		return "", ErrBackupsDisabled
	}
	doc, err := e.backups.Fetch(ctx, key)
	if err != nil {
		return "", err
	}
	return e.Restore(ctx, doc)
}

func (e *Engine) ListBackups(ctx context.Context, gameKey string) ([]backup.Entry, error) {
	if e.backups == nil {
		return nil, ErrBackupsDisabled
	}
	return e.backups.List(ctx, gameKey)
}

// Status is everything the sync indicator and the connection counter show.
type Status struct {
	Sync        domain.SyncStatus `json:"sync"`
	Queue       outbox.Stats      `json:"queue"`
	Relay       relay.Stats       `json:"relay"`
	SessionID   string            `json:"sessionId"`
	OpenMatchID string            `json:"openMatchId,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Sync:        e.proc.Status(),
		Relay:       e.relay.Stats(),
		SessionID:   e.session.SessionID(),
		OpenMatchID: e.OpenMatchID(),
	}
	q, err := e.proc.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Queue = q
	return st, nil
}

// Drain runs one queue pass now instead of waiting for the next tick.
func (e *Engine) Drain(ctx context.Context) { e.proc.Drain(ctx) }

// SetOnline forwards the host's connectivity signal to the outbox. Going
// offline parks the queue; coming back online rechecks the backend, requeues
// errored items and drains.
func (e *Engine) SetOnline(ctx context.Context, on bool) {
	e.logger.Info("sync_connectivity", zap.Bool("online", on))
	e.proc.SetOnline(ctx, on)
}

// RetryErrors requeues failed items and drains.
func (e *Engine) RetryErrors(ctx context.Context) (int, error) {
	n, err := e.proc.RetryErrors(ctx)
	if err != nil {
		return 0, err
	}
	e.proc.Drain(ctx)
	return n, nil
}

func (e *Engine) Enqueue(ctx context.Context, resource domain.Resource, action domain.Action, payload any) (*domain.SyncQueueItem, error) {
	return e.outbox.Enqueue(ctx, resource, action, payload)
}

func (e *Engine) CheckSession(ctx context.Context, id string) session.Status {
	return e.session.CheckSession(ctx, id)
}

func (e *Engine) Acquire(ctx context.Context, id string) (bool, error) {
	return e.session.Acquire(ctx, id)
}

func (e *Engine) Release(ctx context.Context, id string) bool {
	return e.session.Release(ctx, id)
}
