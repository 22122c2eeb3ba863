package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/store"
)

// Source is what the scheduler reads: snapshots plus the live pointer.
type Source interface {
	store.Reader
	LiveMatchID(ctx context.Context) (string, error)
}

// Scheduler uploads the live match on a fixed interval, skipping ticks where nothing changed.
type Scheduler struct {
	up       *Uploader
	src      Source
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	last   map[string][]byte
	sched  gocron.Scheduler
	cancel context.CancelFunc
}

func NewScheduler(up *Uploader, src Source, interval time.Duration, opts ...Option) *Scheduler {
	o := buildOptions(opts)
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Scheduler{
		up:       up,
		src:      src,
		interval: interval,
		clock:    o.clock,
		logger:   o.logger,
		last:     make(map[string][]byte),
	}
}

// RunOnce backs up the live match. Returns the new object key, or "" when there
// is no live match or its state is unchanged since the last upload.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	id, err := s.src.LiveMatchID(ctx)
	if err != nil {
		return "", fmt.Errorf("live match: %w", err)
	}
	if id == "" {
		return "", nil
	}
	snap, err := store.LoadSnapshot(ctx, s.src, id)
	if err != nil {
		return "", err
	}
	if snap == nil {
		return "", nil
	}
	fingerprint, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	unchanged := bytes.Equal(s.last[id], fingerprint)
	s.mu.Unlock()
	if unchanged {
		return "", nil
	}

	key, err := s.up.Upload(ctx, snap)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.last[id] = fingerprint
	s.mu.Unlock()
	return key, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		cancel()
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(runCtx); err != nil {
				s.logger.Warn("backup_failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("backup-live-match"),
	); err != nil {
		cancel()
		_ = sched.Shutdown()
		return err
	}
	s.mu.Lock()
	s.sched, s.cancel = sched, cancel
	s.mu.Unlock()
	sched.Start()
	s.logger.Info("backup_scheduler_started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	sched, cancel := s.sched, s.cancel
	s.sched, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}
