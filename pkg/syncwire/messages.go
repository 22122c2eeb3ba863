// Package syncwire holds the JSON frames exchanged with the live relay.
package syncwire

import (
	"encoding/json"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// Frame types.
const (
	TypeSyncMatchData   = "sync-match-data"
	TypeClearAllMatches = "clear-all-matches"
	TypeDeleteMatch     = "delete-match"

	TypePinValidationRequest  = "pin-validation-request"
	TypePinValidationResponse = "pin-validation-response"
	TypeMatchDataRequest      = "match-data-request"
	TypeMatchDataResponse     = "match-data-response"
	TypeGameNumberRequest     = "game-number-request"
	TypeGameNumberResponse    = "game-number-response"
)

// Response error strings peers display verbatim.
const (
	ErrConnectionDisabled = "Connection is disabled"
	ErrInvalidPin         = "Invalid PIN code"
	ErrMatchIDMismatch    = "Match ID mismatch"
	ErrMatchNotFound      = "Match not found"
)

// Inbound is the union of requests a peer may send through the relay.
// Pin and GameNumber may arrive as strings or numbers, so they stay raw.
type Inbound struct {
	Type       string          `json:"type"`
	RequestID  json.RawMessage `json:"requestId,omitempty"`
	Pin        json.RawMessage `json:"pin,omitempty"`
	PinType    string          `json:"pinType,omitempty"`
	MatchID    json.RawMessage `json:"matchId,omitempty"`
	GameNumber json.RawMessage `json:"gameNumber,omitempty"`
}

// SyncMatchData is the full snapshot push.
type SyncMatchData struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
	domain.Snapshot
}

func NewSyncMatchData(snap *domain.Snapshot) SyncMatchData {
	out := SyncMatchData{Type: TypeSyncMatchData}
	if snap != nil {
		out.Snapshot = *snap
		if snap.Match != nil {
			out.MatchID = snap.Match.ID
		}
	}
	return out
}

type ClearAllMatches struct {
	Type        string `json:"type"`
	KeepMatchID string `json:"keepMatchId,omitempty"`
}

func NewClearAllMatches(keep string) ClearAllMatches {
	return ClearAllMatches{Type: TypeClearAllMatches, KeepMatchID: keep}
}

type DeleteMatch struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

func NewDeleteMatch(matchID string) DeleteMatch {
	return DeleteMatch{Type: TypeDeleteMatch, MatchID: matchID}
}

// Response covers the three request kinds; unused fields are omitted.
type Response struct {
	Type      string           `json:"type"`
	RequestID json.RawMessage  `json:"requestId,omitempty"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	MatchID   string           `json:"matchId,omitempty"`
	Match     *domain.Match    `json:"match,omitempty"`
	FullData  *domain.Snapshot `json:"fullData,omitempty"`
	MatchData *domain.Snapshot `json:"matchData,omitempty"`
}

func Failure(typ string, requestID json.RawMessage, msg string) Response {
	return Response{Type: typ, RequestID: requestID, Success: false, Error: msg}
}
