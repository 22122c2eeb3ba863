package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/escoresheet-sync/internal/store"
	"github.com/park285/escoresheet-sync/pkg/syncwire"
)

// conn is one socket bound to one match id. Once released it never writes a snapshot again.
type conn struct {
	c       *Client
	ws      *websocket.Conn
	matchID string
	gen     uint64

	ctx    context.Context
	cancel context.CancelFunc

	writeMu  sync.Mutex
	released bool

	intentional atomic.Bool
	wake        chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
}

func newConn(c *Client, ws *websocket.Conn, matchID string, gen uint64) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		c:       c,
		ws:      ws,
		matchID: matchID,
		gen:     gen,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// start runs the open sequence (claim the relay for this match, first snapshot)
// and then the read and push loops. The caller has already added both loops to the wait group.
func (cn *conn) start() {
	cn.writeMu.Lock()
	if !cn.released {
		if err := cn.writeLocked(syncwire.NewClearAllMatches(cn.matchID)); err != nil {
			cn.c.logger.Warn("relay_claim_failed", zap.String("match_id", cn.matchID), zap.Error(err))
		}
	}
	cn.writeMu.Unlock()
	cn.pushSnapshot()

	go cn.readLoop()
	go cn.pushLoop()
}

func (cn *conn) isIntentional() bool { return cn.intentional.Load() }

func (cn *conn) kick() {
	select {
	case cn.wake <- struct{}{}:
	default:
	}
}

func (cn *conn) finish() {
	cn.doneOnce.Do(func() {
		close(cn.done)
		cn.cancel()
	})
}

func (cn *conn) readLoop() {
	defer cn.c.wg.Done()
	for {
		typ, data, err := cn.ws.Read(cn.ctx)
		if err != nil {
			cn.finish()
			cn.c.connClosed(cn, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		cn.dispatch(data)
	}
}

// pushLoop re-sends the snapshot on every store change (coalesced) and on the heartbeat.
func (cn *conn) pushLoop() {
	defer cn.c.wg.Done()
	t := cn.c.clock.NewTicker(cn.c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-t.Chan():
			cn.pushSnapshot()
		case <-cn.wake:
			cn.pushSnapshot()
		}
	}
}

func (cn *conn) pushSnapshot() {
	snap, err := store.LoadSnapshot(cn.ctx, cn.c.store, cn.matchID)
	if err != nil {
		cn.c.logger.Warn("relay_snapshot_load_failed", zap.String("match_id", cn.matchID), zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.released {
		return
	}
	if err := cn.writeLocked(syncwire.NewSyncMatchData(snap)); err != nil {
		cn.c.logger.Warn("relay_snapshot_send_failed", zap.String("match_id", cn.matchID), zap.Error(err))
		return
	}
	cn.c.snapshots.Add(1)
}

func (cn *conn) respond(resp syncwire.Response) {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.released {
		return
	}
	if err := cn.writeLocked(resp); err != nil {
		cn.c.logger.Warn("relay_response_failed", zap.String("type", resp.Type), zap.Error(err))
	}
}

func (cn *conn) sendDelete(matchID string) bool {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.released {
		return false
	}
	if err := cn.writeLocked(syncwire.NewDeleteMatch(matchID)); err != nil {
		cn.c.logger.Warn("relay_delete_failed", zap.String("match_id", matchID), zap.Error(err))
		return false
	}
	return true
}

// release is the intentional teardown: delete-match (switch) or clear-all-matches
// (shutdown), then a normal closure. Later snapshot pushes become no-ops.
func (cn *conn) release(deleteMatch bool) {
	cn.intentional.Store(true)
	cn.writeMu.Lock()
	if !cn.released {
		cn.released = true
		var msg any = syncwire.NewClearAllMatches("")
		if deleteMatch {
			msg = syncwire.NewDeleteMatch(cn.matchID)
		}
		if err := cn.writeLocked(msg); err != nil {
			cn.c.logger.Debug("relay_release_send_failed", zap.String("match_id", cn.matchID), zap.Error(err))
		}
	}
	cn.writeMu.Unlock()
	_ = cn.ws.Close(websocket.StatusNormalClosure, "match released")
	cn.finish()
}

func (cn *conn) writeLocked(v any) error {
	ctx, cancel := context.WithTimeout(cn.ctx, cn.c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, cn.ws, v)
}
