package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/backend"
	"github.com/park285/escoresheet-sync/internal/backup"
	"github.com/park285/escoresheet-sync/internal/config"
	"github.com/park285/escoresheet-sync/internal/outbox"
	"github.com/park285/escoresheet-sync/internal/relay"
	"github.com/park285/escoresheet-sync/internal/session"
	"github.com/park285/escoresheet-sync/internal/store"
)

// Deps is the fully wired process graph.
type Deps struct {
	Store     store.Store
	Backend   backend.Backend
	Processor *outbox.Processor
	Relay     *relay.Client
	Session   *session.Manager
	Backups   *backup.Scheduler
	Engine    *Engine
}

// Build wires every component from configuration. Nothing is started; call Start.
func Build(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{}

	// Local store (Redis optional)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		st, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.Store = st
	} else {
		logger.Warn("store_in_memory", zap.String("reason", "REDIS_URL not set; state is lost on restart"))
		d.Store = store.NewMemory()
	}

	sess, err := session.NewManager(ctx, d.Store,
		session.WithPolicy(session.ParsePolicy(cfg.SessionPolicy)),
		session.WithLogger(logger.Named("session")),
	)
	if err != nil {
		_ = d.Close(ctx)
		return nil, fmt.Errorf("init session: %w", err)
	}
	d.Session = sess

	headers := func() map[string]string {
		return map[string]string{"X-Session-Id": sess.SessionID()}
	}

	be, err := NewBackend(ctx, cfg, headers, logger.Named("backend"))
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	d.Backend = be

	d.Processor = outbox.NewProcessor(d.Store, be,
		outbox.WithLogger(logger.Named("outbox")),
		outbox.WithDrainInterval(cfg.DrainInterval),
		outbox.WithErrorRetryInterval(cfg.ErrorRetryInterval),
		outbox.WithConnectionCheckTTL(cfg.ConnectionCheckTTL),
		outbox.WithMaxDependencyRetries(cfg.MaxDependencyRetries),
	)

	opts := []Option{WithLogger(logger.Named("engine"))}
	if strings.TrimSpace(cfg.RelayURL) != "" {
		d.Relay = relay.NewClient(cfg.RelayURL, d.Store,
			relay.WithLogger(logger.Named("relay")),
			relay.WithHeartbeat(cfg.HeartbeatInterval),
			relay.WithReconnectDelay(cfg.ReconnectDelay),
			relay.WithHeaderProvider(headers),
		)
		opts = append(opts, WithRelay(d.Relay))
	}

	if strings.TrimSpace(cfg.BackupBucket) != "" {
		client, err := backup.NewS3Client(ctx, backup.S3Config{
			Bucket:    cfg.BackupBucket,
			Endpoint:  cfg.BackupEndpoint,
			Region:    cfg.BackupRegion,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		})
		if err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		up, err := backup.NewUploader(client, cfg.BackupBucket, backup.WithLogger(logger.Named("backup")))
		if err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		d.Backups = backup.NewScheduler(up, d.Store, cfg.BackupInterval, backup.WithLogger(logger.Named("backup")))
		opts = append(opts, WithBackups(up))
	}

	d.Engine = New(d.Store, d.Processor, sess, opts...)
	return d, nil
}

// NewBackend picks the remote sink for cfg.BackendMode.
func NewBackend(ctx context.Context, cfg *config.AppConfig, headers func() map[string]string, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.BackendMode {
	case config.BackendREST:
		opts := []backend.RESTOption{backend.WithHeaderProvider(headers)}
		if cfg.BackendToken != "" {
			opts = append(opts, backend.WithBearerToken(cfg.BackendToken))
		}
		return backend.NewREST(cfg.BackendURL, opts...), nil
	case config.BackendPostgres:
		pg, err := backend.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres backend: %w", err)
		}
		return pg, nil
	case config.BackendNATS:
		jsCfg := backend.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		if cfg.NATSStream != "" {
			jsCfg.StreamName = cfg.NATSStream
		}
		if cfg.NATSSubjectPrefix != "" {
			jsCfg.SubjectPrefix = cfg.NATSSubjectPrefix
		}
		js, err := backend.NewJetStream(ctx, jsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init nats backend: %w", err)
		}
		return js, nil
	default:
		return backend.None{}, nil
	}
}

// Start recovers the outbox and starts the schedulers.
func (d *Deps) Start(ctx context.Context) error {
	if err := d.Processor.Start(ctx); err != nil {
		return fmt.Errorf("start outbox: %w", err)
	}
	if d.Backups != nil {
		if err := d.Backups.Start(ctx); err != nil {
			return fmt.Errorf("start backups: %w", err)
		}
	}
	return nil
}

// Close stops everything in reverse dependency order. The relay gets its
// clear-all-matches before the store goes away.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	if d.Backups != nil {
		errs = append(errs, d.Backups.Stop())
	}
	if d.Processor != nil {
		errs = append(errs, d.Processor.Stop())
	}
	if d.Relay != nil {
		errs = append(errs, d.Relay.Close(ctx))
	}
	if d.Backend != nil {
		errs = append(errs, d.Backend.Close())
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	return errors.Join(errs...)
}
