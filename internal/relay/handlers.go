package relay

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/store"
	"github.com/park285/escoresheet-sync/pkg/syncwire"
)

// dispatch handles one inbound frame. Malformed frames and handler failures are
// logged and produce no response; the connection stays up.
func (cn *conn) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			cn.c.logger.Error("relay_handler_panic", zap.Any("panic", r))
		}
	}()
	var msg syncwire.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		cn.c.logger.Warn("relay_bad_frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	resp, err := Respond(cn.ctx, cn.c.store, cn.matchID, &msg)
	if err != nil {
		cn.c.logger.Warn("relay_request_failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if resp == nil {
		return
	}
	cn.c.requests.Add(1)
	cn.respond(*resp)
}

// Respond answers a peer request on behalf of matchID. It returns nil for frame
// types it does not serve and when the match no longer exists locally.
func Respond(ctx context.Context, r store.Reader, matchID string, msg *syncwire.Inbound) (*syncwire.Response, error) {
	switch msg.Type {
	case syncwire.TypePinValidationRequest, syncwire.TypeMatchDataRequest, syncwire.TypeGameNumberRequest:
	default:
		return nil, nil
	}
	snap, err := store.LoadSnapshot(ctx, r, matchID)
	if err != nil || snap == nil {
		return nil, err
	}
	switch msg.Type {
	case syncwire.TypePinValidationRequest:
		return validatePin(snap, msg), nil
	case syncwire.TypeMatchDataRequest:
		return matchData(snap, msg), nil
	default:
		return gameNumber(snap, msg), nil
	}
}

func validatePin(snap *domain.Snapshot, msg *syncwire.Inbound) *syncwire.Response {
	m := snap.Match
	var (
		pin     string
		enabled bool
	)
	if pt, ok := domain.ParsePinType(msg.PinType); ok {
		pin, enabled = m.Credentials(pt)
	}
	pin = strings.TrimSpace(pin)
	given := domain.RawString(msg.Pin)
	if pin != "" && pin == given && enabled && m.Status != domain.StatusFinal {
		return &syncwire.Response{
			Type:      syncwire.TypePinValidationResponse,
			RequestID: msg.RequestID,
			Success:   true,
			Match:     m,
			FullData:  snap,
		}
	}
	reason := syncwire.ErrInvalidPin
	if !enabled {
		reason = syncwire.ErrConnectionDisabled
	}
	out := syncwire.Failure(syncwire.TypePinValidationResponse, msg.RequestID, reason)
	return &out
}

func matchData(snap *domain.Snapshot, msg *syncwire.Inbound) *syncwire.Response {
	if domain.RawString(msg.MatchID) != snap.Match.ID {
		out := syncwire.Failure(syncwire.TypeMatchDataResponse, msg.RequestID, syncwire.ErrMatchIDMismatch)
		return &out
	}
	return &syncwire.Response{
		Type:      syncwire.TypeMatchDataResponse,
		RequestID: msg.RequestID,
		Success:   true,
		MatchID:   snap.Match.ID,
		MatchData: snap,
	}
}

func gameNumber(snap *domain.Snapshot, msg *syncwire.Inbound) *syncwire.Response {
	if !snap.Match.MatchesGameNumber(domain.RawString(msg.GameNumber)) {
		out := syncwire.Failure(syncwire.TypeGameNumberResponse, msg.RequestID, syncwire.ErrMatchNotFound)
		return &out
	}
	return &syncwire.Response{
		Type:      syncwire.TypeGameNumberResponse,
		RequestID: msg.RequestID,
		Success:   true,
		Match:     snap.Match,
		MatchID:   snap.Match.ID,
		MatchData: snap,
	}
}
