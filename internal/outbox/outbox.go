// Package outbox buffers remote mutations in the local store and drains them
// to the configured backend when connectivity allows.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/store"
)

// Outbox is the write side: Enqueue commits locally and never touches the network.
type Outbox struct {
	store  store.Outbox
	logger *zap.Logger
}

func New(st store.Outbox, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{store: st, logger: logger}
}

// Enqueue appends one item. payload may be a json.RawMessage, []byte or any marshalable value.
func (o *Outbox) Enqueue(ctx context.Context, resource domain.Resource, action domain.Action, payload any) (*domain.SyncQueueItem, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s payload: %w", resource, action, err)
	}
	item, err := o.store.Enqueue(ctx, &domain.SyncQueueItem{
		Resource:       resource,
		Action:         action,
		Payload:        raw,
		IdempotencyKey: uuid.NewString(),
		Status:         domain.ItemQueued,
	})
	if err != nil {
		o.logger.Error("outbox_enqueue_failed", zap.String("resource", string(resource)), zap.String("action", string(action)), zap.Error(err))
		return nil, err
	}
	o.logger.Debug("outbox_enqueued", zap.Int64("item_id", item.ID), zap.String("resource", string(resource)), zap.String("action", string(action)))
	return item, nil
}

// EnqueueFor skips test matches and matches that were never seeded remotely; it returns nil, nil then.
func (o *Outbox) EnqueueFor(ctx context.Context, m *domain.Match, resource domain.Resource, action domain.Action, payload any) (*domain.SyncQueueItem, error) {
	if !m.Syncable() {
		return nil, nil
	}
	return o.Enqueue(ctx, resource, action, payload)
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		return json.Marshal(v)
	}
}
