// Package backend applies outbox items to a remote system of record.
package backend

import (
	"context"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// Result is the non-error outcome of applying one item.
type Result int

const (
	// ResultOK means the remote now reflects the item; the outbox removes it.
	ResultOK Result = iota
	// ResultRetryLater means a remote dependency (usually the match row) is missing.
	ResultRetryLater
	// ResultUnsupported means the sink has no handler for the resource/action pair.
	ResultUnsupported
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRetryLater:
		return "retry_later"
	case ResultUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ErrNotConfigured reports a reachable remote whose schema or endpoint is absent.
var ErrNotConfigured error = staticErr("backend not configured")

type staticErr string

func (e staticErr) Error() string { return string(e) }

type Backend interface {
	Ping(ctx context.Context) error
	Apply(ctx context.Context, item *domain.SyncQueueItem) (Result, error)
	Close() error
}

// None is used when no remote is configured. Every ping reports ErrNotConfigured.
type None struct{}

func (None) Ping(context.Context) error { return ErrNotConfigured }
func (None) Apply(context.Context, *domain.SyncQueueItem) (Result, error) {
	return ResultOK, ErrNotConfigured
}
func (None) Close() error { return nil }
