// Package backup writes full match snapshots to S3-compatible object storage
// (Cloudflare R2 in production) so a scoresheet can be rebuilt on another device.
package backup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/park285/escoresheet-sync/internal/domain"
)

const (
	// DocumentVersion is bumped when the document shape changes incompatibly.
	DocumentVersion = 1
	rootPrefix      = "backups"
)

// Document is the backup file body. The snapshot fields are inlined:
// {version, lastUpdated, match, homeTeam, awayTeam, homePlayers, awayPlayers, sets, events}.
type Document struct {
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	domain.Snapshot
}

func NewDocument(snap *domain.Snapshot, now time.Time) *Document {
	doc := &Document{Version: DocumentVersion, LastUpdated: now.UTC()}
	if snap != nil {
		doc.Snapshot = *snap
	}
	doc.Normalize()
	return doc
}

// Validate rejects documents that cannot be restored.
func (d *Document) Validate() error {
	if d == nil || d.Match == nil {
		return ErrInvalidDocument
	}
	if d.Version > DocumentVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidDocument, d.Version)
	}
	if strings.TrimSpace(d.Match.ID) == "" {
		return fmt.Errorf("%w: match without id", ErrInvalidDocument)
	}
	return nil
}

var ErrInvalidDocument = staticErr("invalid backup document")

type staticErr string

func (e staticErr) Error() string { return string(e) }

// GameKey is the folder discriminator: the numeric game code when present, else the game number, else "1".
func GameKey(m *domain.Match) string {
	if m == nil {
		return "1"
	}
	for _, v := range []string{m.GameN, m.GameNumber} {
		if k := sanitizeKey(v); k != "" {
			return k
		}
	}
	return "1"
}

func sanitizeKey(v string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(v) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Folder returns the object prefix holding every backup of one game.
func Folder(gameKey string) string {
	return rootPrefix + "/backup_g" + gameKey
}

// latestSet reports the highest-index set and its score, defaulting to set 1 at 0-0.
func latestSet(sets []*domain.Set) (index, home, away int) {
	index = 1
	best := -1
	for _, s := range sets {
		if s != nil && s.Index > best {
			best = s.Index
			index, home, away = s.Index, s.HomePoints, s.AwayPoints
		}
	}
	if index <= 0 {
		index = 1
	}
	return index, home, away
}

// FileName builds backup_g<game>_set<idx>_scoreleft<home>_scoreright<away>_<yyyymmdd>_<hhmmss>_<ms>.json.
func FileName(doc *Document, at time.Time) string {
	at = at.UTC()
	idx, home, away := latestSet(doc.Sets)
	return fmt.Sprintf("backup_g%s_set%d_scoreleft%d_scoreright%d_%s_%s_%03d.json",
		GameKey(doc.Match), idx, home, away,
		at.Format("20060102"), at.Format("150405"), at.Nanosecond()/int(time.Millisecond))
}

// ObjectKey is Folder + FileName.
func ObjectKey(doc *Document, at time.Time) string {
	return Folder(GameKey(doc.Match)) + "/" + FileName(doc, at)
}

// Entry describes one stored backup. Fields other than Key and Name are only
// set when the file name follows the backup naming scheme (Parsed).
type Entry struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Parsed    bool      `json:"parsed"`
	GameKey   string    `json:"gameKey,omitempty"`
	SetIndex  int       `json:"setIndex,omitempty"`
	HomeScore int       `json:"homeScore"`
	AwayScore int       `json:"awayScore"`
	TakenAt   time.Time `json:"takenAt"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
}

var namePattern = regexp.MustCompile(`^backup_g([A-Za-z0-9-]+)_set(\d+)_scoreleft(\d+)_scoreright(\d+)_(\d{8})_(\d{6})_(\d{3})\.json$`)

// ParseName decodes a backup file name. ok is false for names outside the scheme.
func ParseName(name string) (Entry, bool) {
	e := Entry{Name: name}
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return e, false
	}
	setIdx, _ := strconv.Atoi(m[2])
	home, _ := strconv.Atoi(m[3])
	away, _ := strconv.Atoi(m[4])
	ms, _ := strconv.Atoi(m[7])
	taken, err := time.Parse("20060102150405", m[5]+m[6])
	if err != nil {
		return e, false
	}
	e.Parsed = true
	e.GameKey = m[1]
	e.SetIndex = setIdx
	e.HomeScore = home
	e.AwayScore = away
	e.TakenAt = taken.Add(time.Duration(ms) * time.Millisecond).UTC()
	return e, true
}
