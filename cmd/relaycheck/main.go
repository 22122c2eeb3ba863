// Command relaycheck pings the configured backend, then attaches a throwaway
// in-memory match to the relay and logs what the connection does for a while.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	appcfg "github.com/park285/escoresheet-sync/internal/config"
	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/engine"
	"github.com/park285/escoresheet-sync/internal/relay"
	"github.com/park285/escoresheet-sync/internal/store"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	sessionID := uuid.NewString()
	headers := func() map[string]string { return map[string]string{"X-Session-Id": sessionID} }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	be, err := engine.NewBackend(ctx, cfg, headers, nil)
	if err != nil {
		log.Printf("backend init error: %v", err)
	} else {
		if err := be.Ping(ctx); err != nil {
			log.Printf("backend ping (%s): %v", cfg.BackendMode, err)
		} else {
			log.Printf("backend ping (%s): ok", cfg.BackendMode)
		}
		_ = be.Close()
	}

	if cfg.RelayURL == "" {
		log.Println("RELAY_URL not set; skipping relay check")
		return
	}

	st := store.NewMemory()
	m, err := st.CreateMatch(context.Background(), &domain.Match{
		GameNumber: "relaycheck",
		Status:     domain.StatusScheduled,
		Test:       true,
	})
	if err != nil {
		log.Fatalf("seed match: %v", err)
	}

	client := relay.NewClient(cfg.RelayURL, st,
		relay.WithHeaderProvider(headers),
		relay.WithHeartbeat(2*time.Second),
		relay.WithReconnectDelay(time.Second),
	)
	client.OnStateChange(func(state relay.State, matchID string) {
		log.Printf("relay state: %s match=%s", state, matchID)
	})
	client.SetActiveMatch(m.ID)

	// Observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	s := client.Stats()
	log.Printf("relay stats: state=%s dials=%d reconnects=%d snapshots=%d requests=%d",
		s.State, s.Dials, s.Reconnects, s.SnapshotsSent, s.Requests)

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	if err := client.Close(cctx); err != nil {
		log.Printf("relay close: %v", err)
		os.Exit(1)
	}
}
