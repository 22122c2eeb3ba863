package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/pkg/syncwire"
)

// HeaderProvider injects per-request headers.
type HeaderProvider func() map[string]string

// REST posts each item to <base>/sync and pings <base>/health.
type REST struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type RESTOption func(*REST)

func WithTimeout(d time.Duration) RESTOption {
	return func(c *REST) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) RESTOption {
	return func(c *REST) { c.headers = h }
}

func WithRetry(max int) RESTOption {
	return func(c *REST) { c.retryMax = max }
}

// WithBearerToken is shorthand for an Authorization header provider.
func WithBearerToken(token string) RESTOption {
	return func(c *REST) {
		if strings.TrimSpace(token) == "" {
			return
		}
		c.headers = func() map[string]string { return map[string]string{"Authorization": "Bearer " + token} }
	}
}

func NewREST(baseURL string, opts ...RESTOption) *REST {
	c := &REST{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type syncRequest struct {
	Resource       domain.Resource `json:"resource"`
	Action         domain.Action   `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

func (c *REST) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *REST) Ping(ctx context.Context) error {
	status, _, err := c.do(ctx, fasthttp.MethodGet, "/health", nil, "", false)
	if err != nil {
		return err
	}
	switch {
	case status == fasthttp.StatusNotFound:
		return ErrNotConfigured
	case status < 200 || status >= 300:
		return syncwire.RemoteError{Code: strconv.Itoa(status), Message: "health check failed", Retryable: true}
	}
	return nil
}

func (c *REST) Apply(ctx context.Context, item *domain.SyncQueueItem) (Result, error) {
	body, err := json.Marshal(syncRequest{
		Resource:       item.Resource,
		Action:         item.Action,
		Payload:        item.Payload,
		IdempotencyKey: item.IdempotencyKey,
	})
	if err != nil {
		return ResultOK, fmt.Errorf("marshal request: %w", err)
	}
	status, respBody, err := c.do(ctx, fasthttp.MethodPost, "/sync", body, item.IdempotencyKey, true)
	if err != nil {
		return ResultOK, err
	}
	switch {
	case status >= 200 && status < 300:
		return ResultOK, nil
	case status == fasthttp.StatusNotFound && item.Action == domain.ActionDelete:
		// already gone remotely
		return ResultOK, nil
	case status == fasthttp.StatusConflict || status == fasthttp.StatusFailedDependency:
		return ResultRetryLater, nil
	case status == fasthttp.StatusNotImplemented:
		return ResultUnsupported, nil
	}
	return ResultOK, syncwire.RemoteError{
		Code:      strconv.Itoa(status),
		Message:   truncate(string(respBody), 512),
		Retryable: shouldRetryStatus(status),
	}
}

func (c *REST) do(ctx context.Context, method, path string, body []byte, idemKey string, retry bool) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	if body != nil {
		req.SetBody(body)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			if !shouldRetryStatus(status) || attempt == attempts {
				return status, append([]byte(nil), resp.Body()...), nil
			}
			lastErr = syncwire.RemoteError{Code: strconv.Itoa(status), Message: truncate(string(resp.Body()), 512), Retryable: true}
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return 0, nil, lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return 0, nil, lastErr
}

func (c *REST) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
