package store

import (
	"context"
	"fmt"

	"github.com/park285/escoresheet-sync/internal/domain"
)

// LoadSnapshot reads the full current state of a match. Returns nil, nil when the match does not exist.
func LoadSnapshot(ctx context.Context, r Reader, matchID string) (*domain.Snapshot, error) {
	m, err := r.GetMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	snap := &domain.Snapshot{Match: m}

	if m.HomeTeamID != "" {
		if snap.HomeTeam, err = r.GetTeam(ctx, m.HomeTeamID); err != nil {
			return nil, fmt.Errorf("load home team: %w", err)
		}
		if snap.HomePlayers, err = r.PlayersByTeam(ctx, m.HomeTeamID); err != nil {
			return nil, fmt.Errorf("load home players: %w", err)
		}
	}
	if m.AwayTeamID != "" {
		if snap.AwayTeam, err = r.GetTeam(ctx, m.AwayTeamID); err != nil {
			return nil, fmt.Errorf("load away team: %w", err)
		}
		if snap.AwayPlayers, err = r.PlayersByTeam(ctx, m.AwayTeamID); err != nil {
			return nil, fmt.Errorf("load away players: %w", err)
		}
	}
	if snap.Sets, err = r.SetsByMatch(ctx, matchID); err != nil {
		return nil, fmt.Errorf("load sets: %w", err)
	}
	if snap.Events, err = r.EventsByMatch(ctx, matchID); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	snap.Normalize()
	return snap, nil
}
