// Package relay keeps one websocket to the live relay for the active match:
// it advertises exactly that match, pushes full snapshots on change and on a
// heartbeat, and answers PIN / match-data / game-number requests from peers.
package relay

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/escoresheet-sync/internal/store"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
)

type StateCallback func(state State, matchID string)

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// HeaderProvider allows injecting headers at handshake.
type HeaderProvider func() map[string]string

// Stats is the connection-count signal shown next to the sync indicator.
type Stats struct {
	State         State  `json:"state"`
	ActiveMatchID string `json:"activeMatchId"`
	Dials         uint64 `json:"dials"`
	Reconnects    uint64 `json:"reconnects"`
	SnapshotsSent uint64 `json:"snapshotsSent"`
	Requests      uint64 `json:"requests"`
}

type Client struct {
	url    string
	store  store.Store
	clock  clockwork.Clock
	logger *zap.Logger

	heartbeat      time.Duration
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	headerProvider HeaderProvider

	mu        sync.Mutex
	active    string
	gen       uint64
	cur       *conn
	reconnect clockwork.Timer
	state     State
	closed    bool
	unsub     func()

	cbM      sync.RWMutex
	stateCbs []stateCallbackEntry
	nextCb   int

	dials      atomic.Uint64
	reconnects atomic.Uint64
	snapshots  atomic.Uint64
	requests   atomic.Uint64

	wg sync.WaitGroup
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headerProvider = h }
}

func NewClient(url string, st store.Store, opts ...Option) *Client {
	c := &Client{
		url:            url,
		store:          st,
		clock:          clockwork.NewRealClock(),
		logger:         zap.NewNop(),
		heartbeat:      30 * time.Second,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    10 * time.Second,
		writeTimeout:   5 * time.Second,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsub = st.Subscribe(c.onStoreChange)
	return c
}

// SetActiveMatch switches the advertised match. The old connection, if any, sends
// delete-match and closes before the new one dials. Empty id means no match.
func (c *Client) SetActiveMatch(matchID string) {
	matchID = strings.TrimSpace(matchID)
	c.mu.Lock()
	if c.closed || matchID == c.active {
		c.mu.Unlock()
		return
	}
	old := c.cur
	c.cur = nil
	c.active = matchID
	c.gen++
	gen := c.gen
	c.stopReconnectLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("relay_active_match", zap.String("match_id", matchID))
	go func() {
		defer c.wg.Done()
		if old != nil {
			old.release(true)
		}
		if matchID == "" {
			c.setStateIf(gen, StateIdle)
			return
		}
		c.connect(gen, matchID)
	}()
}

// ActiveMatchID is the match currently advertised (or being dialed for).
func (c *Client) ActiveMatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) connect(gen uint64, matchID string) {
	c.setStateIf(gen, StateConnecting)
	c.dials.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	cancel()
	if err != nil {
		c.logger.Warn("relay_dial_failed", zap.String("match_id", matchID), zap.Error(err))
		c.scheduleReconnect(gen, matchID, nil)
		return
	}
	ws.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		// superseded while dialing; leave without advertising anything
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	cn := newConn(c, ws, matchID, gen)
	c.cur = cn
	c.wg.Add(2) // read loop + push loop
	c.mu.Unlock()

	c.setStateIf(gen, StateOpen)
	c.logger.Info("relay_open", zap.String("match_id", matchID))
	cn.start()
}

// scheduleReconnect arms a single delayed redial for gen, provided the match is still active.
func (c *Client) scheduleReconnect(gen uint64, matchID string, from *conn) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.active != matchID || (from != nil && c.cur != from) {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.stopReconnectLocked()
	c.reconnect = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		ok := !c.closed && gen == c.gen && c.active == matchID && c.cur == nil
		c.reconnect = nil
		if ok {
			c.wg.Add(1)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		defer c.wg.Done()
		c.reconnects.Add(1)
		c.logger.Info("relay_reconnect", zap.String("match_id", matchID))
		c.connect(gen, matchID)
	})
	c.state = StateBackoff
	c.mu.Unlock()
	c.emitState(StateBackoff, matchID)
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// connClosed is called once by a connection's read loop when the socket ends.
func (c *Client) connClosed(cn *conn, err error) {
	code := websocket.CloseStatus(err)
	if cn.isIntentional() {
		return
	}
	if code == websocket.StatusNormalClosure {
		c.logger.Info("relay_closed_normally", zap.String("match_id", cn.matchID))
		c.mu.Lock()
		if c.cur == cn {
			c.cur = nil
		}
		c.mu.Unlock()
		c.setStateIf(cn.gen, StateIdle)
		return
	}
	c.logger.Warn("relay_connection_lost", zap.String("match_id", cn.matchID), zap.Int("code", int(code)), zap.Error(err))
	c.scheduleReconnect(cn.gen, cn.matchID, cn)
}

func (c *Client) onStoreChange(ch store.Change) {
	switch ch.Kind {
	case store.ChangeOutbox, store.ChangeMeta:
		return
	}
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn == nil {
		return
	}
	if ch.Kind == store.ChangeTeam || ch.MatchID == cn.matchID {
		cn.kick()
	}
}

// SendDeleteMatch tells the relay to forget matchID, using the current connection if one is open.
func (c *Client) SendDeleteMatch(matchID string) bool {
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn == nil || strings.TrimSpace(matchID) == "" {
		return false
	}
	return cn.sendDelete(matchID)
}

// Close sends clear-all-matches on the open connection, closes it with 1000 and stops timers.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	old := c.cur
	c.cur = nil
	c.stopReconnectLocked()
	unsub := c.unsub
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if old != nil {
		old.release(false)
	}
	c.setStateForce(StateClosed)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state, ActiveMatchID: c.active}
	c.mu.Unlock()
	st.Dials = c.dials.Load()
	st.Reconnects = c.reconnects.Load()
	st.SnapshotsSent = c.snapshots.Load()
	st.Requests = c.requests.Load()
	return st
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCb++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextCb, callback: cb})
	return c.nextCb
}

func (c *Client) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.stateCbs {
		if cb.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

// setStateIf only applies when gen is still current, so a superseded goroutine cannot overwrite newer state.
func (c *Client) setStateIf(gen uint64, state State) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	matchID := c.active
	c.mu.Unlock()
	c.emitState(state, matchID)
}

func (c *Client) setStateForce(state State) {
	c.mu.Lock()
	c.state = state
	matchID := c.active
	c.mu.Unlock()
	c.emitState(state, matchID)
}

func (c *Client) emitState(state State, matchID string) {
	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state, matchID)
		}
	}
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headerProvider == nil {
		return hdr
	}
	for k, v := range c.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
