package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// Remote rows name the two sides team1/team2; the local model says home/away.
const (
	remoteHome = "team1"
	remoteAway = "team2"
)

type setResult struct {
	Set   int `json:"set"`
	Team1 int `json:"team1"`
	Team2 int `json:"team2"`
}

type matchResult struct {
	setResults []setResult
	homeSets   int
	awaySets   int
}

func (r matchResult) finalScore() string {
	return fmt.Sprintf("%d-%d", r.homeSets, r.awaySets)
}

// winner is empty on a tie, which only happens for matches ended early.
func (r matchResult) winner() (local, remote string) {
	switch {
	case r.homeSets > r.awaySets:
		return "home", remoteHome
	case r.awaySets > r.homeSets:
		return "away", remoteAway
	default:
		return "", ""
	}
}

func resultOf(snap *domain.Snapshot) matchResult {
	var r matchResult
	r.setResults = []setResult{}
	for _, s := range snap.Sets {
		if !s.Finished {
			continue
		}
		r.setResults = append(r.setResults, setResult{Set: s.Index, Team1: s.HomePoints, Team2: s.AwayPoints})
	}
	r.homeSets, r.awaySets = snap.SetTally()
	return r
}

func endPayload(m *domain.Match, r matchResult) map[string]any {
	_, remoteWinner := r.winner()
	p := map[string]any{
		"id":          m.SeedKey,
		"status":      string(domain.StatusEnded),
		"set_results": r.setResults,
		"final_score": r.finalScore(),
		"winner":      nil,
		"sanctions":   rawOrEmptyObject(m.Sanctions),
	}
	if remoteWinner != "" {
		p["winner"] = remoteWinner
	}
	return p
}

func statusPayload(m *domain.Match, status domain.MatchStatus) map[string]any {
	p := map[string]any{"id": m.SeedKey, "status": string(status)}
	if status == domain.StatusFinal {
		p["current_set"] = nil
	}
	return p
}

func deletePayload(m *domain.Match) map[string]any {
	return map[string]any{"id": m.SeedKey}
}

func rawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

type restoreMatch struct {
	ExternalID     string          `json:"external_id"`
	GameN          string          `json:"game_n,omitempty"`
	Status         string          `json:"status"`
	Test           bool            `json:"test"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	HomeTeam       any             `json:"home_team"`
	PlayersHome    []restorePlayer `json:"players_home"`
	Team2Team      any             `json:"team2_team"`
	PlayersTeam2   []restorePlayer `json:"players_team2"`
	Connections    map[string]bool `json:"connections"`
	ConnectionPins map[string]any  `json:"connection_pins"`
	Winner         *string         `json:"winner"`
	FinalScore     *string         `json:"final_score"`
	Sanctions      json.RawMessage `json:"sanctions"`
	SetResults     []setResult     `json:"set_results"`
}

type restoreTeam struct {
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
	Color   string `json:"color,omitempty"`
}

type restorePlayer struct {
	Number    int    `json:"number"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsCaptain bool   `json:"is_captain,omitempty"`
}

type restoreSet struct {
	ExternalID string     `json:"external_id"`
	Index      int        `json:"index"`
	HomePoints int        `json:"home_points"`
	AwayPoints int        `json:"away_points"`
	Finished   bool       `json:"finished"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

type restoreEvent struct {
	ExternalID string          `json:"external_id"`
	SetIndex   int             `json:"set_index"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ts         time.Time       `json:"ts"`
	Seq        int64           `json:"seq,omitempty"`
}

type restoreLiveState struct {
	CurrentSet int    `json:"current_set"`
	PointsA    int    `json:"points_a"`
	PointsB    int    `json:"points_b"`
	SetsWonA   int    `json:"sets_won_a"`
	SetsWonB   int    `json:"sets_won_b"`
	Status     string `json:"status"`
}

type restorePayload struct {
	Match     restoreMatch     `json:"match"`
	Sets      []restoreSet     `json:"sets"`
	Events    []restoreEvent   `json:"events"`
	LiveState restoreLiveState `json:"liveState"`
}

// buildRestorePayload converts a local snapshot into the remote restore document.
// Child rows without a stable id get <seedKey>_set_<index> / <seedKey>_event_<seq>.
func buildRestorePayload(snap *domain.Snapshot) restorePayload {
	m := snap.Match
	ext := m.SeedKey
	res := resultOf(snap)

	gameN := m.GameN
	if gameN == "" {
		gameN = m.GameNumber
	}
	status := m.Status
	if status == "" {
		status = domain.StatusLive
	}
	rm := restoreMatch{
		ExternalID:   ext,
		GameN:        gameN,
		Status:       string(status),
		Test:         m.Test,
		ScheduledAt:  m.ScheduledAt,
		HomeTeam:     teamRow(snap.HomeTeam),
		PlayersHome:  playerRows(snap.HomePlayers),
		Team2Team:    teamRow(snap.AwayTeam),
		PlayersTeam2: playerRows(snap.AwayPlayers),
		Connections: map[string]bool{
			"referee_enabled":    m.RefereeConnectionEnabled,
			"home_bench_enabled": m.HomeConnectionEnabled,
			"away_bench_enabled": m.AwayConnectionEnabled,
		},
		ConnectionPins: map[string]any{
			"referee":    nilIfEmpty(m.RefereePin),
			"home_bench": nilIfEmpty(m.HomePin),
			"away_bench": nilIfEmpty(m.AwayPin),
		},
		Sanctions:  rawOrEmptyObject(m.Sanctions),
		SetResults: res.setResults,
	}
	if m.Winner != "" {
		w := m.Winner
		switch w {
		case "home":
			w = remoteHome
		case "away":
			w = remoteAway
		}
		rm.Winner = &w
	}
	if m.FinalScore != "" {
		fs := m.FinalScore
		rm.FinalScore = &fs
	}

	out := restorePayload{Match: rm, Sets: []restoreSet{}, Events: []restoreEvent{}}
	for _, s := range snap.Sets {
		id := s.ID
		if id == "" {
			id = ext + "_set_" + strconv.Itoa(s.Index)
		}
		out.Sets = append(out.Sets, restoreSet{
			ExternalID: id,
			Index:      s.Index,
			HomePoints: s.HomePoints,
			AwayPoints: s.AwayPoints,
			Finished:   s.Finished,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
		})
	}
	for _, e := range snap.Events {
		id := e.ID
		if id == "" {
			id = ext + "_event_" + strconv.FormatInt(e.Seq, 10)
		}
		out.Events = append(out.Events, restoreEvent{
			ExternalID: id,
			SetIndex:   e.SetIndex,
			Type:       e.Type,
			Payload:    e.Payload,
			Ts:         e.Ts,
			Seq:        e.Seq,
		})
	}

	live := restoreLiveState{CurrentSet: 1, Status: string(status)}
	if n := len(snap.Sets); n > 0 {
		last := snap.Sets[n-1]
		live.CurrentSet = last.Index
		live.PointsA = last.HomePoints
		live.PointsB = last.AwayPoints
	}
	live.SetsWonA, live.SetsWonB = res.homeSets, res.awaySets
	out.LiveState = live
	return out
}

func teamRow(t *domain.Team) any {
	if t == nil {
		return nil
	}
	return restoreTeam{Name: t.Name, Country: t.Country, Color: t.Color}
}

func playerRows(ps []*domain.Player) []restorePlayer {
	out := make([]restorePlayer, 0, len(ps))
	for _, p := range ps {
		out = append(out, restorePlayer{Number: p.Number, FirstName: p.FirstName, LastName: p.LastName, IsCaptain: p.IsCaptain})
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
