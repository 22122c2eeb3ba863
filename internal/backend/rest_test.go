package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/pkg/syncwire"
)

func item(res domain.Resource, act domain.Action) *domain.SyncQueueItem {
	return &domain.SyncQueueItem{ID: 1, Resource: res, Action: act, Payload: json.RawMessage(`{"id":"seed-1"}`), IdempotencyKey: "idem-1"}
}

func TestRESTApplyPostsItem(t *testing.T) {
	var got syncRequest
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		auth, idem = r.Header.Get("Authorization"), r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewREST(srv.URL+"/", WithBearerToken("tok"))
	res, err := c.Apply(context.Background(), item(domain.ResourceMatch, domain.ActionUpdate))
	if err != nil || res != ResultOK {
		t.Fatalf("Apply: %v %v", res, err)
	}
	if got.Resource != domain.ResourceMatch || got.Action != domain.ActionUpdate || string(got.Payload) != `{"id":"seed-1"}` || got.IdempotencyKey != "idem-1" {
		t.Fatalf("request=%+v", got)
	}
	if auth != "Bearer tok" || idem != "idem-1" {
		t.Fatalf("headers auth=%q idem=%q", auth, idem)
	}
}

func TestRESTStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		action domain.Action
		want   Result
		err    bool
	}{
		{http.StatusNotFound, domain.ActionDelete, ResultOK, false},
		{http.StatusNotFound, domain.ActionInsert, ResultOK, true},
		{http.StatusConflict, domain.ActionInsert, ResultRetryLater, false},
		{http.StatusFailedDependency, domain.ActionInsert, ResultRetryLater, false},
		{http.StatusNotImplemented, domain.ActionInsert, ResultUnsupported, false},
		{http.StatusBadRequest, domain.ActionInsert, ResultOK, true},
	}
	for _, c := range cases {
		status := c.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("nope"))
		}))
		res, err := NewREST(srv.URL).Apply(context.Background(), item(domain.ResourceMatch, c.action))
		srv.Close()
		if res != c.want || (err != nil) != c.err {
			t.Fatalf("status %d/%s: res=%v err=%v", c.status, c.action, res, err)
		}
		if err != nil {
			var re syncwire.RemoteError
			if !errors.As(err, &re) || re.Retryable {
				t.Fatalf("status %d: expected non-retryable RemoteError, got %v", c.status, err)
			}
		}
	}
}

func TestRESTRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	res, err := NewREST(srv.URL, WithRetry(3)).Apply(context.Background(), item(domain.ResourceSet, domain.ActionInsert))
	if err != nil || res != ResultOK {
		t.Fatalf("Apply: %v %v", res, err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestRESTPing(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer healthy.Close()
	if err := NewREST(healthy.URL).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	if err := NewREST(missing.URL).Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	if err := NewREST("http://127.0.0.1:1", WithRetry(1)).Ping(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestNoneBackend(t *testing.T) {
	var b Backend = None{}
	if err := b.Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Ping: %v", err)
	}
}
