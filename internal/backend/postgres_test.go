package backend

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/park285/escoresheet-sync/internal/domain"
)

func TestBuildUpsert(t *testing.T) {
	q, args := buildUpsert("sets", []string{"external_id", "index", "match_id"}, []any{"s1", "1", "m"}, "external_id")
	want := `INSERT INTO "sets" ("external_id","index","match_id") VALUES ($1,$2,$3) ON CONFLICT ("external_id") DO UPDATE SET "index"=EXCLUDED."index","match_id"=EXCLUDED."match_id"`
	if q != want {
		t.Fatalf("query:\n%s\nwant:\n%s", q, want)
	}
	if len(args) != 3 {
		t.Fatalf("args=%v", args)
	}
	q, _ = buildUpsert("match_live_state", []string{"match_id"}, []any{"m"}, "match_id")
	if !strings.HasSuffix(q, "DO NOTHING") {
		t.Fatalf("single-column upsert: %s", q)
	}
}

func TestColumnArgsFiltersAndConverts(t *testing.T) {
	fields, err := decodeObject(json.RawMessage(`{"external_id":"seed","status":"live","test":false,"bogus":1,"connections":{"referee":true},"current_set":2,"note":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	names, args := columnArgs(filterColumns(fields, func(c string) bool { return matchColumns[c] }))
	wantNames := []string{"connections", "current_set", "external_id", "status", "test"}
	if strings.Join(names, ",") != strings.Join(wantNames, ",") {
		t.Fatalf("names=%v", names)
	}
	if args[0] != `{"referee":true}` || args[1] != "2" || args[2] != "seed" || args[4] != false {
		t.Fatalf("args=%#v", args)
	}
	if sqlValue(json.RawMessage(`null`)) != nil {
		t.Fatalf("null should map to nil")
	}
}

func TestJSONShapeHelpers(t *testing.T) {
	if !isJSONObject(json.RawMessage(` {"a":1}`)) || isJSONObject(json.RawMessage(`[1]`)) {
		t.Fatalf("isJSONObject")
	}
	if !isJSONString(json.RawMessage(`"seed"`)) || isJSONString(json.RawMessage(`42`)) {
		t.Fatalf("isJSONString")
	}
	if identRe.MatchString(`x"; drop table`) || !identRe.MatchString("set_index") {
		t.Fatalf("identRe")
	}
}

func TestPostgresUnsupportedPair(t *testing.T) {
	p := NewPostgresDB(nil)
	res, err := p.Apply(context.Background(), &domain.SyncQueueItem{Resource: domain.ResourceEvent, Action: domain.ActionUpdate, Payload: json.RawMessage(`{}`)})
	if err != nil || res != ResultUnsupported {
		t.Fatalf("Apply: %v %v", res, err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close with nil db: %v", err)
	}
}

func TestSubject(t *testing.T) {
	it := &domain.SyncQueueItem{Resource: domain.ResourceSet, Action: domain.ActionInsert}
	if got := Subject("escoresheet.sync", it); got != "escoresheet.sync.set.insert" {
		t.Fatalf("subject=%s", got)
	}
}
