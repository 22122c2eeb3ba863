package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

type Team struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
	Color   string `json:"color,omitempty"`
}

type Player struct {
	ID        string `json:"id"`
	TeamID    string `json:"teamId"`
	Number    int    `json:"number"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	IsCaptain bool   `json:"isCaptain,omitempty"`
}

// Set belongs to exactly one match; Index is 1-based.
type Set struct {
	ID         string     `json:"id"`
	MatchID    string     `json:"matchId"`
	Index      int        `json:"index"`
	HomePoints int        `json:"homePoints"`
	AwayPoints int        `json:"awayPoints"`
	Finished   bool       `json:"finished"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// Event is append-only. Seq is authoritative; zero means a legacy row ordered by Ts.
type Event struct {
	ID       string          `json:"id"`
	MatchID  string          `json:"matchId"`
	SetIndex int             `json:"setIndex"`
	Seq      int64           `json:"seq,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Ts       time.Time       `json:"ts"`
}

// SortSets orders by index.
func SortSets(sets []*Set) {
	sort.SliceStable(sets, func(i, j int) bool { return sets[i].Index < sets[j].Index })
}

// SortEvents orders legacy events (no seq) by timestamp first, then sequenced events by seq.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool { return eventLess(events[i], events[j]) })
}

func eventLess(a, b *Event) bool {
	aLegacy, bLegacy := a.Seq <= 0, b.Seq <= 0
	if aLegacy != bLegacy {
		return aLegacy
	}
	if !aLegacy && a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if !a.Ts.Equal(b.Ts) {
		return a.Ts.Before(b.Ts)
	}
	return IDLess(a.ID, b.ID)
}

// SortPlayers orders by shirt number.
func SortPlayers(players []*Player) {
	sort.SliceStable(players, func(i, j int) bool {
		if players[i].Number != players[j].Number {
			return players[i].Number < players[j].Number
		}
		return IDLess(players[i].ID, players[j].ID)
	})
}

// IDLess compares numeric ids numerically and everything else lexically.
func IDLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
