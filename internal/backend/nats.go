package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/domain"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ESCORESHEET_SYNC",
		SubjectPrefix:   "escoresheet.sync",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStream publishes each outbox item to <prefix>.<resource>.<action>.
// The idempotency key doubles as the JetStream message id, so redelivery after a
// crash between publish and dequeue is deduplicated by the server.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
	logger *zap.Logger
}

func NewJetStream(ctx context.Context, cfg JetStreamConfig, logger *zap.Logger) (*JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("escoresheet-sync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats_disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	p := &JetStream{nc: nc, js: js, config: cfg, logger: logger}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *JetStream) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "scoresheet outbox mutations",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  p.config.DuplicateWindow,
	}
}

func (p *JetStream) ensureStream(ctx context.Context) error {
	sc := p.streamConfig()
	if _, err := p.js.Stream(ctx, sc.Name); err != nil {
		if _, err := p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		p.logger.Info("jetstream_stream_created", zap.String("stream", sc.Name))
	}
	return nil
}

func (p *JetStream) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats status %s", p.nc.Status())
	}
	return nil
}

// Subject is the routing subject for an item.
func Subject(prefix string, item *domain.SyncQueueItem) string {
	return fmt.Sprintf("%s.%s.%s", prefix, item.Resource, item.Action)
}

func (p *JetStream) Apply(ctx context.Context, item *domain.SyncQueueItem) (Result, error) {
	env := map[string]any{
		"id":             item.ID,
		"resource":       item.Resource,
		"action":         item.Action,
		"idempotencyKey": item.IdempotencyKey,
		"enqueuedAt":     item.Ts,
		"payload":        item.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return ResultOK, fmt.Errorf("marshal item: %w", err)
	}
	subject := Subject(p.config.SubjectPrefix, item)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Resource":        []string{string(item.Resource)},
			"Action":          []string{string(item.Action)},
			"Correlation-Key": []string{item.CorrelationKey()},
		},
	}
	pubOpts := []jetstream.PublishOpt{jetstream.WithExpectStream(p.config.StreamName)}
	if item.IdempotencyKey != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(item.IdempotencyKey))
	}
	ack, err := p.js.PublishMsg(ctx, msg, pubOpts...)
	if err != nil {
		return ResultOK, fmt.Errorf("publish to JetStream: %w", err)
	}
	p.logger.Debug("jetstream_published",
		zap.String("subject", subject),
		zap.Int64("item_id", item.ID),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return ResultOK, nil
}

func (p *JetStream) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
