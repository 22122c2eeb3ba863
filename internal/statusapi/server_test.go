package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/park285/escoresheet-sync/internal/backend"
	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/engine"
	"github.com/park285/escoresheet-sync/internal/outbox"
	"github.com/park285/escoresheet-sync/internal/session"
	"github.com/park285/escoresheet-sync/internal/store"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	sess, err := session.NewManager(ctx, st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	eng := engine.New(st, outbox.NewProcessor(st, backend.None{}), sess)
	for _, m := range []*domain.Match{
		{ID: "m1", Status: domain.StatusScheduled},
		{ID: "m2", Status: domain.StatusFinal},
	} {
		if _, err := st.CreateMatch(ctx, m); err != nil {
			t.Fatalf("CreateMatch: %v", err)
		}
	}
	return New(eng, opts...), st
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t)

	if code, body := do(t, s, http.MethodGet, "/healthz", "", nil); code != 200 || body["ok"] != true {
		t.Fatalf("healthz: %d %v", code, body)
	}
	if code, body := do(t, s, http.MethodPost, "/sync/drain", "", nil); code != 200 || body["status"] != string(domain.SyncOnlineNoBackend) {
		t.Fatalf("drain: %d %v", code, body)
	}
	code, body := do(t, s, http.MethodGet, "/status", "", nil)
	if code != 200 {
		t.Fatalf("status code=%d", code)
	}
	if body["sync"] != string(domain.SyncOnlineNoBackend) {
		t.Fatalf("sync=%v", body["sync"])
	}
	if id, _ := body["sessionId"].(string); id == "" {
		t.Fatalf("missing sessionId: %v", body)
	}
}

func TestSyncOnline(t *testing.T) {
	s, _ := newTestServer(t)

	if code, body := do(t, s, http.MethodPost, "/sync/online", `{"online":false}`, nil); code != 200 || body["status"] != string(domain.SyncOffline) {
		t.Fatalf("offline: %d %v", code, body)
	}
	if code, body := do(t, s, http.MethodPost, "/sync/drain", "", nil); code != 200 || body["status"] != string(domain.SyncOffline) {
		t.Fatalf("drain while offline: %d %v", code, body)
	}
	if _, body := do(t, s, http.MethodGet, "/status", "", nil); body["sync"] != string(domain.SyncOffline) {
		t.Fatalf("sync=%v", body["sync"])
	}

	if code, body := do(t, s, http.MethodPost, "/sync/online", `{"online":true}`, nil); code != 200 || body["status"] != string(domain.SyncOnlineNoBackend) {
		t.Fatalf("online: %d %v", code, body)
	}
	if _, body := do(t, s, http.MethodGet, "/status", "", nil); body["sync"] != string(domain.SyncOnlineNoBackend) {
		t.Fatalf("sync=%v", body["sync"])
	}

	for _, bad := range []string{`{}`, `{"online":"yes"}`} {
		if code, body := do(t, s, http.MethodPost, "/sync/online", bad, nil); code != 400 || body["error"] == nil {
			t.Fatalf("body %s: %d %v", bad, code, body)
		}
	}
}

func TestOpenAndSession(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := do(t, s, http.MethodPost, "/matches/nope/open", "", nil); code != 404 {
		t.Fatalf("unknown match code=%d", code)
	}
	if code, body := do(t, s, http.MethodPost, "/matches/m1/open", "", nil); code != 200 || body["matchId"] != "m1" {
		t.Fatalf("open: %d %v", code, body)
	}
	code, body := do(t, s, http.MethodGet, "/matches/m1/session", "", nil)
	if code != 200 || body["isCurrentSession"] != true || body["locked"] != false {
		t.Fatalf("session: %d %v", code, body)
	}

	if code, _ := do(t, s, http.MethodPost, "/home", "", nil); code != 200 {
		t.Fatalf("home code=%d", code)
	}
	if _, body := do(t, s, http.MethodGet, "/matches/m1/session", "", nil); body["sessionId"] != "" {
		t.Fatalf("lock kept after home: %v", body)
	}
}

func TestSetStatus(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := do(t, s, http.MethodPut, "/matches/m1/status", `{"status":"live"}`, nil)
	if code != 200 || body["status"] != "live" {
		t.Fatalf("scheduled->live: %d %v", code, body)
	}
	if code, body := do(t, s, http.MethodPut, "/matches/m2/status", `{"status":"live"}`, nil); code != 409 || body["error"] == nil {
		t.Fatalf("final->live: %d %v", code, body)
	}
	if code, _ := do(t, s, http.MethodPut, "/matches/m1/status", `{"status":"paused"}`, nil); code != 409 {
		t.Fatalf("unknown status code=%d", code)
	}
	if code, _ := do(t, s, http.MethodPut, "/matches/m1/status", `not json`, nil); code != 400 {
		t.Fatalf("bad body code=%d", code)
	}
}

func TestDeleteAndQueue(t *testing.T) {
	s, st := newTestServer(t)

	if code, _ := do(t, s, http.MethodDelete, "/matches/m1", "", nil); code != 204 {
		t.Fatalf("delete code=%d", code)
	}
	if m, _ := st.GetMatch(context.Background(), "m1"); m != nil {
		t.Fatalf("match still present")
	}
	if code, _ := do(t, s, http.MethodDelete, "/matches/m1", "", nil); code != 404 {
		t.Fatalf("second delete code=%d", code)
	}
	if code, body := do(t, s, http.MethodPost, "/sync/drain", "", nil); code != 200 || body["queue"] == nil {
		t.Fatalf("drain: %d %v", code, body)
	}
	if code, body := do(t, s, http.MethodPost, "/sync/retry", "", nil); code != 200 || body["requeued"] != float64(0) {
		t.Fatalf("retry: %d %v", code, body)
	}
}

func TestBackupsDisabled(t *testing.T) {
	s, _ := newTestServer(t)

	if code, _ := do(t, s, http.MethodGet, "/backups/785111", "", nil); code != 501 {
		t.Fatalf("list code=%d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/backups/restore", `{"key":""}`, nil); code != 400 {
		t.Fatalf("empty key code=%d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/backups/restore", `{"key":"backups/x.json"}`, nil); code != 501 {
		t.Fatalf("restore code=%d", code)
	}
}

func TestToken(t *testing.T) {
	s, _ := newTestServer(t, WithToken("s3cret"))

	if code, _ := do(t, s, http.MethodGet, "/healthz", "", nil); code != 200 {
		t.Fatalf("healthz should stay open, code=%d", code)
	}
	if code, body := do(t, s, http.MethodGet, "/status", "", nil); code != 401 || body["error"] != "unauthorized" {
		t.Fatalf("no token: %d %v", code, body)
	}
	if code, _ := do(t, s, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer wrong"}); code != 401 {
		t.Fatalf("wrong token code=%d", code)
	}
	if code, _ := do(t, s, http.MethodGet, "/status", "", map[string]string{"Authorization": "Bearer s3cret"}); code != 200 {
		t.Fatalf("good token code=%d", code)
	}
}
