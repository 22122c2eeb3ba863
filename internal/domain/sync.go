package domain

import (
	"encoding/json"
	"time"
)

// Resource is the remote table family an outbox item targets.
type Resource string

const (
	ResourceMatch Resource = "match"
	ResourceSet   Resource = "set"
	ResourceEvent Resource = "event"
)

// ResourceOrder is the drain order; remote rows for sets and events reference the match row.
var ResourceOrder = []Resource{ResourceMatch, ResourceSet, ResourceEvent}

type Action string

const (
	ActionInsert  Action = "insert"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionRestore Action = "restore"
)

// ItemStatus is the per-item outbox state.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemSyncing ItemStatus = "syncing"
	ItemSynced  ItemStatus = "synced"
	ItemError   ItemStatus = "error"
)

// SyncQueueItem is one pending remote mutation. Payload never changes after enqueue.
type SyncQueueItem struct {
	ID                int64           `json:"id"`
	Resource          Resource        `json:"resource"`
	Action            Action          `json:"action"`
	Payload           json.RawMessage `json:"payload"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	Ts                time.Time       `json:"ts"`
	Status            ItemStatus      `json:"status"`
	Attempts          int             `json:"attempts,omitempty"`
	DependencyRetries int             `json:"dependencyRetries,omitempty"`
	LastError         string          `json:"lastError,omitempty"`
}

// CorrelationKey extracts the backend key of the match an item belongs to.
// Match payloads carry it as id or external_id; set and event payloads as match_id.
func (it *SyncQueueItem) CorrelationKey() string {
	var probe struct {
		ID         json.RawMessage `json:"id"`
		ExternalID json.RawMessage `json:"external_id"`
		MatchID    json.RawMessage `json:"match_id"`
		Match      *struct {
			ExternalID json.RawMessage `json:"external_id"`
		} `json:"match"`
	}
	if err := json.Unmarshal(it.Payload, &probe); err != nil {
		return ""
	}
	if it.Resource == ResourceMatch {
		if it.Action == ActionRestore && probe.Match != nil {
			return RawString(probe.Match.ExternalID)
		}
		if k := RawString(probe.ID); k != "" {
			return k
		}
		return RawString(probe.ExternalID)
	}
	return RawString(probe.MatchID)
}

// SyncStatus is the user-visible indicator state.
type SyncStatus string

const (
	SyncOffline         SyncStatus = "offline"
	SyncOnlineNoBackend SyncStatus = "online_no_backend"
	SyncConnecting      SyncStatus = "connecting"
	SyncSyncing         SyncStatus = "syncing"
	SyncSynced          SyncStatus = "synced"
	SyncError           SyncStatus = "error"
)

// SessionLock is the advisory edit claim on a match.
type SessionLock struct {
	MatchID    string    `json:"matchId"`
	SessionID  string    `json:"sessionId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}
