package domain

import (
	"encoding/json"
	"strings"
)

// Snapshot is the full state of one match. Pushed whole, never as a delta.
type Snapshot struct {
	Match       *Match    `json:"match"`
	HomeTeam    *Team     `json:"homeTeam"`
	AwayTeam    *Team     `json:"awayTeam"`
	HomePlayers []*Player `json:"homePlayers"`
	AwayPlayers []*Player `json:"awayPlayers"`
	Sets        []*Set    `json:"sets"`
	Events      []*Event  `json:"events"`
}

// Normalize sorts collections and replaces nil slices with empty ones so two
// snapshots of the same state serialize identically.
func (s *Snapshot) Normalize() {
	if s.HomePlayers == nil {
		s.HomePlayers = []*Player{}
	}
	if s.AwayPlayers == nil {
		s.AwayPlayers = []*Player{}
	}
	if s.Sets == nil {
		s.Sets = []*Set{}
	}
	if s.Events == nil {
		s.Events = []*Event{}
	}
	SortPlayers(s.HomePlayers)
	SortPlayers(s.AwayPlayers)
	SortSets(s.Sets)
	SortEvents(s.Events)
}

// SetTally counts finished sets won by each side.
func (s *Snapshot) SetTally() (home, away int) {
	for _, st := range s.Sets {
		if !st.Finished {
			continue
		}
		switch {
		case st.HomePoints > st.AwayPoints:
			home++
		case st.AwayPoints > st.HomePoints:
			away++
		}
	}
	return home, away
}

// RawString renders a JSON scalar as the string a user would have typed:
// strings unquoted, numbers and booleans verbatim, null as "".
func RawString(raw json.RawMessage) string {
	t := strings.TrimSpace(string(raw))
	if t == "" || t == "null" {
		return ""
	}
	if strings.HasPrefix(t, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return t
}
