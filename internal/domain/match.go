package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	StatusScheduled MatchStatus = "scheduled"
	StatusLive      MatchStatus = "live"
	StatusEnded     MatchStatus = "ended"
	StatusApproved  MatchStatus = "approved"
	StatusFinal     MatchStatus = "final"
)

var statusRank = map[MatchStatus]int{
	StatusScheduled: 0,
	StatusLive:      1,
	StatusEnded:     2,
	StatusApproved:  3,
	StatusFinal:     4,
}

// Valid reports whether s is a known status.
func (s MatchStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition allows forward moves plus the two reopen edges (approved->ended, ended->live).
func CanTransition(from, to MatchStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if (from == StatusApproved && to == StatusEnded) || (from == StatusEnded && to == StatusLive) {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Match is the aggregate root. JSON names follow the scoresheet wire format.
type Match struct {
	ID     string      `json:"id"`
	Status MatchStatus `json:"status"`
	Test   bool        `json:"test"`

	// SeedKey correlates the match with its backend row (external_id).
	SeedKey    string `json:"seedKey,omitempty"`
	GameNumber string `json:"gameNumber,omitempty"`
	GameN      string `json:"game_n,omitempty"`

	RefereePin               string `json:"refereePin,omitempty"`
	HomePin                  string `json:"homePin,omitempty"`
	AwayPin                  string `json:"awayPin,omitempty"`
	RefereeConnectionEnabled bool   `json:"refereeConnectionEnabled"`
	HomeConnectionEnabled    bool   `json:"homeConnectionEnabled"`
	AwayConnectionEnabled    bool   `json:"awayConnectionEnabled"`

	SessionID       string     `json:"sessionId,omitempty"`
	SessionLockedAt *time.Time `json:"sessionLockedAt,omitempty"`

	HomeTeamID  string          `json:"homeTeamId,omitempty"`
	AwayTeamID  string          `json:"awayTeamId,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	Winner      string          `json:"winner,omitempty"`
	FinalScore  string          `json:"finalScore,omitempty"`
	Sanctions   json.RawMessage `json:"sanctions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep enough copy for store handoff.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	if m.SessionLockedAt != nil {
		t := *m.SessionLockedAt
		c.SessionLockedAt = &t
	}
	if m.ScheduledAt != nil {
		t := *m.ScheduledAt
		c.ScheduledAt = &t
	}
	if m.Sanctions != nil {
		c.Sanctions = append(json.RawMessage(nil), m.Sanctions...)
	}
	return &c
}

// Syncable reports whether mutations of this match may reach the backend.
func (m *Match) Syncable() bool {
	return m != nil && !m.Test && strings.TrimSpace(m.SeedKey) != ""
}

// PinType identifies which peer role a PIN unlocks.
type PinType string

const (
	PinReferee   PinType = "referee"
	PinHomeBench PinType = "homeBench"
	PinAwayBench PinType = "awayBench"
)

// ParsePinType accepts the canonical names plus legacy team1/team2 aliases.
func ParsePinType(s string) (PinType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "referee":
		return PinReferee, true
	case "homebench", "home-bench", "home", "team1":
		return PinHomeBench, true
	case "awaybench", "away-bench", "away", "team2":
		return PinAwayBench, true
	default:
		return "", false
	}
}

// Credentials returns the stored PIN and enabled flag for a role.
func (m *Match) Credentials(pt PinType) (pin string, enabled bool) {
	switch pt {
	case PinReferee:
		return m.RefereePin, m.RefereeConnectionEnabled
	case PinHomeBench:
		return m.HomePin, m.HomeConnectionEnabled
	case PinAwayBench:
		return m.AwayPin, m.AwayConnectionEnabled
	default:
		return "", false
	}
}

// MatchesGameNumber compares a human-entered number against the three identifiers users type.
func (m *Match) MatchesGameNumber(input string) bool {
	in := strings.TrimSpace(input)
	if in == "" {
		return false
	}
	for _, candidate := range []string{m.GameNumber, m.GameN, m.ID} {
		if strings.TrimSpace(candidate) == in {
			return true
		}
	}
	return false
}
