package outbox

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/backend"
	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/store"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Status      domain.SyncStatus `json:"status"`
	Queued      int               `json:"queued"`
	Syncing     int               `json:"syncing"`
	Errored     int               `json:"errored"`
	Processed   uint64            `json:"processed"`
	LastDrainAt time.Time         `json:"lastDrainAt"`
}

type StatusFunc func(domain.SyncStatus)

type statusEntry struct {
	id int
	fn StatusFunc
}

// Processor drains the outbox. Drain is safe to call from any goroutine at any rate.
type Processor struct {
	store   store.Outbox
	backend backend.Backend
	clock   clockwork.Clock
	logger  *zap.Logger

	drainInterval time.Duration
	retryInterval time.Duration
	checkTTL      time.Duration
	maxDepRetries int

	busy      atomic.Bool
	online    atomic.Bool
	processed atomic.Uint64

	mu        sync.Mutex
	verified  bool
	lastCheck time.Time
	lastDrain time.Time
	status    domain.SyncStatus
	subs      []statusEntry
	nextSub   int

	sched  gocron.Scheduler
	cancel context.CancelFunc
}

type Option func(*Processor)

func WithClock(c clockwork.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithDrainInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.drainInterval = d
		}
	}
}

func WithErrorRetryInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.retryInterval = d
		}
	}
}

func WithConnectionCheckTTL(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.checkTTL = d
		}
	}
}

func WithMaxDependencyRetries(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxDepRetries = n
		}
	}
}

func NewProcessor(st store.Outbox, be backend.Backend, opts ...Option) *Processor {
	if be == nil {
		be = backend.None{}
	}
	p := &Processor{
		store:         st,
		backend:       be,
		clock:         clockwork.NewRealClock(),
		logger:        zap.NewNop(),
		drainInterval: time.Second,
		retryInterval: 30 * time.Second,
		checkTTL:      30 * time.Second,
		maxDepRetries: 10,
		status:        domain.SyncOffline,
	}
	p.online.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ---- status signal ----

func (p *Processor) Status() domain.SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnStatusChange registers cb; it fires only on transitions.
func (p *Processor) OnStatusChange(cb StatusFunc) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	p.subs = append(p.subs, statusEntry{id: p.nextSub, fn: cb})
	return p.nextSub
}

func (p *Processor) RemoveStatusCallback(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
}

func (p *Processor) setStatus(s domain.SyncStatus) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	prev := p.status
	p.status = s
	subs := make([]statusEntry, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	p.logger.Info("sync_status", zap.String("from", string(prev)), zap.String("to", string(s)))
	for _, e := range subs {
		if e.fn != nil {
			e.fn(s)
		}
	}
}

// Stats counts items per status. Synced items are removed, so they never appear.
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	items, err := p.store.QueueItems(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Status: p.Status(), Processed: p.processed.Load()}
	p.mu.Lock()
	st.LastDrainAt = p.lastDrain
	p.mu.Unlock()
	for _, it := range items {
		switch it.Status {
		case domain.ItemQueued:
			st.Queued++
		case domain.ItemSyncing:
			st.Syncing++
		case domain.ItemError:
			st.Errored++
		}
	}
	return st, nil
}

// ---- connectivity ----

// SetOnline feeds the platform connectivity signal. Coming online forces a fresh
// backend check, requeues errored items and drains.
func (p *Processor) SetOnline(ctx context.Context, on bool) {
	p.online.Store(on)
	if !on {
		p.setStatus(domain.SyncOffline)
		return
	}
	p.mu.Lock()
	p.verified = false
	p.mu.Unlock()
	if !p.checkBackend(ctx, true) {
		return
	}
	if _, err := p.RetryErrors(ctx); err != nil {
		p.logger.Warn("outbox_retry_failed", zap.Error(err))
	}
	p.Drain(ctx)
}

func (p *Processor) Online() bool { return p.online.Load() }

// checkBackend pings the remote, reusing a successful result for checkTTL.
func (p *Processor) checkBackend(ctx context.Context, force bool) bool {
	p.mu.Lock()
	if !force && p.verified && p.clock.Since(p.lastCheck) < p.checkTTL {
		p.mu.Unlock()
		return true
	}
	first := !p.verified
	p.mu.Unlock()

	if first {
		p.setStatus(domain.SyncConnecting)
	}
	err := p.backend.Ping(ctx)

	p.mu.Lock()
	p.verified = err == nil
	if err == nil {
		p.lastCheck = p.clock.Now()
	}
	p.mu.Unlock()

	var netErr net.Error
	switch {
	case err == nil:
		return true
	case errors.Is(err, backend.ErrNotConfigured):
		p.setStatus(domain.SyncOnlineNoBackend)
	case errors.As(err, &netErr):
		p.logger.Warn("backend_unreachable", zap.Error(err))
		p.setStatus(domain.SyncOffline)
	default:
		p.logger.Error("backend_check_failed", zap.Error(err))
		p.setStatus(domain.SyncError)
	}
	return false
}

// ---- drain ----

// Recover requeues items a crash left in syncing.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	items, err := p.store.QueueItems(ctx, domain.ItemSyncing)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := p.store.UpdateQueueItem(ctx, it.ID, func(cur *domain.SyncQueueItem) error {
			cur.Status = domain.ItemQueued
			return nil
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	if len(items) > 0 {
		p.logger.Info("outbox_recovered", zap.Int("count", len(items)))
	}
	return len(items), nil
}

// RetryErrors moves errored items back to queued and resets their dependency counter.
func (p *Processor) RetryErrors(ctx context.Context) (int, error) {
	items, err := p.store.QueueItems(ctx, domain.ItemError)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := p.store.UpdateQueueItem(ctx, it.ID, func(cur *domain.SyncQueueItem) error {
			cur.Status = domain.ItemQueued
			cur.DependencyRetries = 0
			return nil
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	if len(items) > 0 {
		p.logger.Info("outbox_retry_errors", zap.Int("count", len(items)))
	}
	return len(items), nil
}

// Drain processes every queued item once. Concurrent calls return immediately.
// It never fails: outcomes land in item status and the status signal.
func (p *Processor) Drain(ctx context.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		return
	}
	defer p.busy.Store(false)

	if !p.online.Load() {
		p.setStatus(domain.SyncOffline)
		return
	}
	if !p.checkBackend(ctx, false) {
		return
	}

	queued, err := p.store.QueueItems(ctx, domain.ItemQueued)
	if err != nil {
		p.logger.Error("outbox_load_failed", zap.Error(err))
		p.setStatus(domain.SyncError)
		return
	}
	defer func() {
		p.mu.Lock()
		p.lastDrain = p.clock.Now()
		p.mu.Unlock()
	}()
	if len(queued) == 0 {
		p.setStatus(domain.SyncSynced)
		return
	}
	p.setStatus(domain.SyncSyncing)

	queued = p.shortCircuitDeletes(ctx, queued)

	var hasError, hasRetry bool
	for _, it := range orderItems(queued) {
		if ctx.Err() != nil {
			break
		}
		switch p.processItem(ctx, it) {
		case outcomeError:
			hasError = true
		case outcomeRetry:
			hasRetry = true
		}
	}

	switch {
	case hasError:
		p.setStatus(domain.SyncError)
	case hasRetry:
		p.setStatus(domain.SyncSyncing)
	default:
		p.setStatus(domain.SyncSynced)
	}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeError
)

func (p *Processor) processItem(ctx context.Context, it *domain.SyncQueueItem) outcome {
	log := p.logger.With(zap.Int64("item_id", it.ID), zap.String("resource", string(it.Resource)), zap.String("action", string(it.Action)))

	if err := p.store.UpdateQueueItem(ctx, it.ID, func(cur *domain.SyncQueueItem) error {
		cur.Status = domain.ItemSyncing
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outcomeDone
		}
		log.Error("outbox_mark_syncing_failed", zap.Error(err))
		return outcomeError
	}

	res, applyErr := p.backend.Apply(ctx, it)

	var update func(*domain.SyncQueueItem) error
	result := outcomeDone
	switch {
	case applyErr != nil:
		log.Warn("outbox_item_failed", zap.Int("attempts", it.Attempts+1), zap.Error(applyErr))
		result = outcomeError
		update = func(cur *domain.SyncQueueItem) error {
			cur.Status = domain.ItemError
			cur.Attempts++
			cur.LastError = applyErr.Error()
			return nil
		}
	case res == backend.ResultRetryLater:
		if it.DependencyRetries >= p.maxDepRetries {
			log.Warn("outbox_dependency_exhausted", zap.Int("retries", it.DependencyRetries))
			result = outcomeError
			update = func(cur *domain.SyncQueueItem) error {
				cur.Status = domain.ItemError
				cur.LastError = "remote dependency missing"
				return nil
			}
		} else {
			result = outcomeRetry
			update = func(cur *domain.SyncQueueItem) error {
				cur.Status = domain.ItemQueued
				cur.DependencyRetries++
				return nil
			}
		}
	case res == backend.ResultUnsupported:
		log.Warn("outbox_unknown_item")
	}

	if update != nil {
		if err := p.store.UpdateQueueItem(ctx, it.ID, update); err != nil {
			log.Error("outbox_update_failed", zap.Error(err))
			return outcomeError
		}
		return result
	}
	if err := p.store.DeleteQueueItem(ctx, it.ID); err != nil {
		log.Error("outbox_dequeue_failed", zap.Error(err))
		return outcomeError
	}
	p.processed.Add(1)
	log.Debug("outbox_item_synced")
	return outcomeDone
}

// shortCircuitDeletes drops items queued before a match delete for the same match.
// The remote delete is authoritative, so sending them first is wasted work.
func (p *Processor) shortCircuitDeletes(ctx context.Context, items []*domain.SyncQueueItem) []*domain.SyncQueueItem {
	deleteAt := map[string]int64{}
	for _, it := range items {
		if it.Resource == domain.ResourceMatch && it.Action == domain.ActionDelete {
			if k := it.CorrelationKey(); k != "" && it.ID > deleteAt[k] {
				deleteAt[k] = it.ID
			}
		}
	}
	if len(deleteAt) == 0 {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		d, ok := deleteAt[it.CorrelationKey()]
		if ok && it.ID < d {
			if err := p.store.DeleteQueueItem(ctx, it.ID); err != nil {
				p.logger.Warn("outbox_short_circuit_failed", zap.Int64("item_id", it.ID), zap.Error(err))
				out = append(out, it)
				continue
			}
			p.logger.Info("outbox_short_circuit", zap.Int64("item_id", it.ID), zap.String("resource", string(it.Resource)), zap.Int64("delete_id", d))
			continue
		}
		out = append(out, it)
	}
	return out
}

// orderItems groups by resource in dependency order, FIFO within a group.
// Unknown resources go last so the backend can reject them.
func orderItems(items []*domain.SyncQueueItem) []*domain.SyncQueueItem {
	rank := make(map[domain.Resource]int, len(domain.ResourceOrder))
	for i, r := range domain.ResourceOrder {
		rank[r] = i
	}
	out := append([]*domain.SyncQueueItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, okI := rank[out[i].Resource]
		rj, okJ := rank[out[j].Resource]
		if !okI {
			ri = len(rank)
		}
		if !okJ {
			rj = len(rank)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ---- scheduling ----

// Start recovers interrupted items, runs the initial check and schedules the drain and error-retry jobs.
func (p *Processor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	sched, err := gocron.NewScheduler(gocron.WithClock(p.clock))
	if err != nil {
		cancel()
		return err
	}
	if _, err := p.Recover(runCtx); err != nil {
		p.logger.Warn("outbox_recover_failed", zap.Error(err))
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(p.drainInterval),
		gocron.NewTask(func() { p.Drain(runCtx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("outbox-drain"),
	); err != nil {
		cancel()
		_ = sched.Shutdown()
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(p.retryInterval),
		gocron.NewTask(func() { p.retryTick(runCtx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("outbox-retry-errors"),
	); err != nil {
		cancel()
		_ = sched.Shutdown()
		return err
	}

	p.mu.Lock()
	p.sched, p.cancel = sched, cancel
	p.mu.Unlock()
	sched.Start()

	if p.online.Load() {
		go func() {
			if !p.checkBackend(runCtx, true) {
				return
			}
			if _, err := p.RetryErrors(runCtx); err != nil {
				p.logger.Warn("outbox_retry_failed", zap.Error(err))
			}
			p.Drain(runCtx)
		}()
	}
	p.logger.Info("outbox_started", zap.Duration("drain_interval", p.drainInterval), zap.Duration("retry_interval", p.retryInterval))
	return nil
}

func (p *Processor) retryTick(ctx context.Context) {
	if !p.online.Load() || p.busy.Load() {
		return
	}
	switch p.Status() {
	case domain.SyncOffline, domain.SyncOnlineNoBackend:
		return
	}
	n, err := p.RetryErrors(ctx)
	if err != nil {
		p.logger.Warn("outbox_retry_failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.Drain(ctx)
	}
}

func (p *Processor) Stop() error {
	p.mu.Lock()
	sched, cancel := p.sched, p.cancel
	p.sched, p.cancel = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}
