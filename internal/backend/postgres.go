package backend

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// Postgres writes the remote schema (matches, sets, events, match_live_state) directly.
// Rows are correlated by external_id; match rows are additionally scoped by sport_type.
type Postgres struct {
	db        *sql.DB
	sportType string
}

type PostgresOption func(*Postgres)

func WithSportType(s string) PostgresOption {
	return func(p *Postgres) {
		if strings.TrimSpace(s) != "" {
			p.sportType = s
		}
	}
}

// matchColumns is the writable column set of the matches table. Older backup
// formats carry extra keys that must not reach the INSERT.
var matchColumns = map[string]bool{
	"external_id": true, "game_n": true, "game_pin": true, "status": true, "connections": true,
	"connection_pins": true, "scheduled_at": true, "match_info": true, "officials": true,
	"home_team": true, "players_home": true, "bench_home": true, "team2_team": true,
	"players_team2": true, "bench_team2": true, "coin_toss": true, "results": true,
	"signatures": true, "approval": true, "test": true, "created_at": true, "updated_at": true,
	"manual_changes": true, "current_set": true, "set_results": true, "final_score": true,
	"sanctions": true, "winner": true, "sport_type": true,
}

// mergeColumns are JSONB objects several writers fill independently; updates merge into them.
var mergeColumns = map[string]bool{
	"connections": true, "connection_pins": true, "team_a": true, "team_b": true,
	"officials": true, "coin_toss": true, "set_results": true, "sanctions": true,
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func NewPostgres(databaseURL string, opts ...PostgresOption) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresDB(db, opts...), nil
}

func NewPostgresDB(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, sportType: "beach"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	var id sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id::text FROM matches LIMIT 1`).Scan(&id)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if isUndefinedTable(err) {
		return ErrNotConfigured
	}
	return err
}

func (p *Postgres) Apply(ctx context.Context, item *domain.SyncQueueItem) (Result, error) {
	fields, err := decodeObject(item.Payload)
	if err != nil {
		return ResultOK, fmt.Errorf("decode payload: %w", err)
	}
	switch item.Resource {
	case domain.ResourceMatch:
		switch item.Action {
		case domain.ActionInsert:
			return ResultOK, p.upsertMatch(ctx, p.db, fields)
		case domain.ActionUpdate:
			return ResultOK, p.updateMatch(ctx, fields)
		case domain.ActionDelete:
			return ResultOK, p.deleteMatch(ctx, domain.RawString(fields["id"]))
		case domain.ActionRestore:
			return ResultOK, p.restoreMatch(ctx, item.Payload)
		}
	case domain.ResourceSet:
		switch item.Action {
		case domain.ActionInsert:
			return p.insertChild(ctx, "sets", fields)
		case domain.ActionUpdate:
			return ResultOK, p.updateByExternalID(ctx, "sets", fields)
		}
	case domain.ResourceEvent:
		if item.Action == domain.ActionInsert {
			return p.insertChild(ctx, "events", fields)
		}
	}
	return ResultUnsupported, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) matchUUID(ctx context.Context, q execer, externalID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id::text FROM matches WHERE external_id=$1 AND sport_type=$2`, externalID, p.sportType).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (p *Postgres) upsertMatch(ctx context.Context, q execer, fields map[string]json.RawMessage) error {
	cols := filterColumns(fields, func(c string) bool { return matchColumns[c] })
	delete(cols, "sport_type")
	if domain.RawString(cols["external_id"]) == "" {
		return fmt.Errorf("match payload without external_id")
	}
	names, args := columnArgs(cols)
	names = append(names, "sport_type")
	args = append(args, p.sportType)
	query, args := buildUpsert("matches", names, args, "external_id")
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

// updateMatch overwrites plain columns and merges JSONB object columns with ||.
func (p *Postgres) updateMatch(ctx context.Context, fields map[string]json.RawMessage) error {
	ext := domain.RawString(fields["id"])
	if ext == "" {
		return fmt.Errorf("match update without id")
	}
	delete(fields, "id")
	cols := filterColumns(fields, func(c string) bool { return matchColumns[c] || mergeColumns[c] })
	delete(cols, "sport_type")
	delete(cols, "external_id")
	if len(cols) == 0 {
		return nil
	}
	names, args := columnArgs(cols)
	sets := make([]string, len(names))
	for i, n := range names {
		qn := pq.QuoteIdentifier(n)
		if mergeColumns[n] && isJSONObject(cols[n]) {
			sets[i] = fmt.Sprintf("%s = COALESCE(%s, '{}'::jsonb) || $%d::jsonb", qn, qn, i+1)
		} else {
			sets[i] = fmt.Sprintf("%s = $%d", qn, i+1)
		}
	}
	args = append(args, ext, p.sportType)
	query := fmt.Sprintf("UPDATE matches SET %s WHERE external_id = $%d AND sport_type = $%d",
		strings.Join(sets, ", "), len(names)+1, len(names)+2)
	_, err := p.db.ExecContext(ctx, query, args...)
	return err
}

// deleteMatch is idempotent: a match unknown to the remote counts as deleted.
func (p *Postgres) deleteMatch(ctx context.Context, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("match delete without id")
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		id, err := p.matchUUID(ctx, tx, externalID)
		if err != nil || id == "" {
			return err
		}
		if err := deleteChildren(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM matches WHERE id=$1`, id)
		return err
	})
}

type restorePayload struct {
	Match     map[string]json.RawMessage   `json:"match"`
	Sets      []map[string]json.RawMessage `json:"sets"`
	Events    []map[string]json.RawMessage `json:"events"`
	LiveState map[string]json.RawMessage   `json:"liveState"`
}

// restoreMatch replaces this match's remote rows with the payload in one transaction.
func (p *Postgres) restoreMatch(ctx context.Context, raw json.RawMessage) error {
	var rp restorePayload
	if err := json.Unmarshal(raw, &rp); err != nil {
		return fmt.Errorf("decode restore payload: %w", err)
	}
	ext := domain.RawString(rp.Match["external_id"])
	if ext == "" {
		return fmt.Errorf("restore without match.external_id")
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		old, err := p.matchUUID(ctx, tx, ext)
		if err != nil {
			return err
		}
		if old != "" {
			if err := deleteChildren(ctx, tx, old); err != nil {
				return err
			}
		}
		if err := p.upsertMatch(ctx, tx, rp.Match); err != nil {
			return err
		}
		id, err := p.matchUUID(ctx, tx, ext)
		if err != nil {
			return err
		}
		matchRef, _ := json.Marshal(id)
		for _, rows := range []struct {
			table string
			rows  []map[string]json.RawMessage
		}{{"sets", rp.Sets}, {"events", rp.Events}} {
			for _, row := range rows.rows {
				row["match_id"] = matchRef
				cols := filterColumns(row, identRe.MatchString)
				names, args := columnArgs(cols)
				query, args := buildUpsert(rows.table, names, args, "external_id")
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("restore %s: %w", rows.table, err)
				}
			}
		}
		if len(rp.LiveState) > 0 {
			rp.LiveState["match_id"] = matchRef
			names, args := columnArgs(filterColumns(rp.LiveState, identRe.MatchString))
			query, args := buildUpsert("match_live_state", names, args, "match_id")
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("restore live state: %w", err)
			}
		}
		return nil
	})
}

// insertChild resolves the parent match by correlation key; a match not yet
// synced leaves the row for a later drain.
func (p *Postgres) insertChild(ctx context.Context, table string, fields map[string]json.RawMessage) (Result, error) {
	if ext := domain.RawString(fields["match_id"]); ext != "" && isJSONString(fields["match_id"]) {
		id, err := p.matchUUID(ctx, p.db, ext)
		if err != nil {
			return ResultOK, err
		}
		if id == "" {
			return ResultRetryLater, nil
		}
		fields["match_id"], _ = json.Marshal(id)
	}
	names, args := columnArgs(filterColumns(fields, identRe.MatchString))
	if len(names) == 0 {
		return ResultOK, fmt.Errorf("%s payload is empty", table)
	}
	query, args := buildUpsert(table, names, args, "external_id")
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return ResultOK, err
	}
	return ResultOK, nil
}

func (p *Postgres) updateByExternalID(ctx context.Context, table string, fields map[string]json.RawMessage) error {
	ext := domain.RawString(fields["external_id"])
	if ext == "" {
		return fmt.Errorf("%s update without external_id", table)
	}
	delete(fields, "external_id")
	names, args := columnArgs(filterColumns(fields, identRe.MatchString))
	if len(names) == 0 {
		return nil
	}
	sets := make([]string, len(names))
	for i, n := range names {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(n), i+1)
	}
	args = append(args, ext)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE external_id = $%d", pq.QuoteIdentifier(table), strings.Join(sets, ", "), len(names)+1)
	_, err := p.db.ExecContext(ctx, query, args...)
	return err
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func deleteChildren(ctx context.Context, tx *sql.Tx, matchUUID string) error {
	for _, table := range []string{"events", "sets", "match_live_state"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE match_id=$1", table), matchUUID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// buildUpsert renders INSERT ... ON CONFLICT (key) DO UPDATE for the given columns.
func buildUpsert(table string, names []string, args []any, conflict string) (string, []any) {
	quoted := make([]string, len(names))
	holders := make([]string, len(names))
	updates := make([]string, 0, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
		holders[i] = fmt.Sprintf("$%d", i+1)
		if n != conflict {
			updates = append(updates, fmt.Sprintf("%s=EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		pq.QuoteIdentifier(table), strings.Join(quoted, ","), strings.Join(holders, ","), pq.QuoteIdentifier(conflict))
	if len(updates) == 0 {
		q += "DO NOTHING"
	} else {
		q += "DO UPDATE SET " + strings.Join(updates, ",")
	}
	return q, args
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func filterColumns(fields map[string]json.RawMessage, keep func(string) bool) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if keep(k) {
			out[k] = v
		}
	}
	return out
}

// columnArgs returns sorted column names and their SQL values.
func columnArgs(cols map[string]json.RawMessage) ([]string, []any) {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = sqlValue(cols[n])
	}
	return names, args
}

// sqlValue converts a JSON scalar into a driver value; objects and arrays stay JSON text for jsonb columns.
func sqlValue(raw json.RawMessage) any {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	switch t[0] {
	case '"':
		var s string
		if json.Unmarshal(t, &s) == nil {
			return s
		}
	case 't', 'f':
		var b bool
		if json.Unmarshal(t, &b) == nil {
			return b
		}
	case '{', '[':
		return string(t)
	}
	return string(t)
}

func isJSONObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

func isJSONString(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '"'
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
