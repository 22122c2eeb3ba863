package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/store"
	"github.com/park285/escoresheet-sync/pkg/syncwire"
)

func respondStore(t *testing.T, m *domain.Match) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	if _, err := st.CreateMatch(context.Background(), m); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	return st
}

func TestRespondPinValidation(t *testing.T) {
	base := domain.Match{
		ID:                       "m1",
		RefereePin:               "123456",
		HomePin:                  " 222222 ",
		AwayPin:                  "",
		RefereeConnectionEnabled: true,
		HomeConnectionEnabled:    true,
		AwayConnectionEnabled:    true,
	}
	tests := []struct {
		name    string
		mutate  func(*domain.Match)
		pin     string
		pinType string
		ok      bool
		err     string
	}{
		{name: "string pin", pin: `"123456"`, pinType: "referee", ok: true},
		{name: "numeric pin", pin: `123456`, pinType: "referee", ok: true},
		{name: "padded stored pin", pin: `"222222"`, pinType: "homeBench", ok: true},
		{name: "legacy alias", pin: `222222`, pinType: "team1", ok: true},
		{name: "wrong pin", pin: `"654321"`, pinType: "referee", err: syncwire.ErrInvalidPin},
		{name: "empty stored pin", pin: `""`, pinType: "awayBench", err: syncwire.ErrInvalidPin},
		{name: "disabled", pin: `"123456"`, pinType: "referee", err: syncwire.ErrConnectionDisabled,
			mutate: func(m *domain.Match) { m.RefereeConnectionEnabled = false }},
		{name: "final match", pin: `"123456"`, pinType: "referee", err: syncwire.ErrInvalidPin,
			mutate: func(m *domain.Match) { m.Status = domain.StatusFinal }},
		{name: "unknown role", pin: `"123456"`, pinType: "scorer", err: syncwire.ErrConnectionDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			if tt.mutate != nil {
				tt.mutate(&m)
			}
			st := respondStore(t, &m)
			resp, err := Respond(context.Background(), st, "m1", &syncwire.Inbound{
				Type:      syncwire.TypePinValidationRequest,
				RequestID: json.RawMessage(`42`),
				Pin:       json.RawMessage(tt.pin),
				PinType:   tt.pinType,
			})
			if err != nil || resp == nil {
				t.Fatalf("Respond: resp=%v err=%v", resp, err)
			}
			if resp.Type != syncwire.TypePinValidationResponse || string(resp.RequestID) != "42" {
				t.Fatalf("envelope=%+v", resp)
			}
			if resp.Success != tt.ok || resp.Error != tt.err {
				t.Fatalf("success=%v error=%q want %v %q", resp.Success, resp.Error, tt.ok, tt.err)
			}
			if tt.ok && (resp.Match == nil || resp.FullData == nil || resp.FullData.Match.ID != "m1") {
				t.Fatalf("success must carry match and full data: %+v", resp)
			}
			if !tt.ok && (resp.Match != nil || resp.FullData != nil) {
				t.Fatalf("failure leaked data: %+v", resp)
			}
		})
	}
}

func TestRespondMatchData(t *testing.T) {
	st := respondStore(t, &domain.Match{ID: "7"})

	resp, err := Respond(context.Background(), st, "7", &syncwire.Inbound{Type: syncwire.TypeMatchDataRequest, MatchID: json.RawMessage(`7`)})
	if err != nil || resp == nil || !resp.Success || resp.MatchID != "7" || resp.MatchData == nil {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}

	resp, err = Respond(context.Background(), st, "7", &syncwire.Inbound{Type: syncwire.TypeMatchDataRequest, MatchID: json.RawMessage(`"8"`)})
	if err != nil || resp == nil || resp.Success || resp.Error != syncwire.ErrMatchIDMismatch || resp.MatchData != nil {
		t.Fatalf("mismatch resp=%+v err=%v", resp, err)
	}
}

func TestRespondGameNumber(t *testing.T) {
	st := respondStore(t, &domain.Match{ID: "m9", GameNumber: "101", GameN: "B-3"})
	ctx := context.Background()

	for _, in := range []string{`101`, `"101"`, `"B-3"`, `" m9 "`} {
		resp, err := Respond(ctx, st, "m9", &syncwire.Inbound{Type: syncwire.TypeGameNumberRequest, GameNumber: json.RawMessage(in)})
		if err != nil || resp == nil || !resp.Success || resp.MatchID != "m9" || resp.Match == nil || resp.MatchData == nil {
			t.Fatalf("%s: resp=%+v err=%v", in, resp, err)
		}
	}
	resp, err := Respond(ctx, st, "m9", &syncwire.Inbound{Type: syncwire.TypeGameNumberRequest, GameNumber: json.RawMessage(`"102"`)})
	if err != nil || resp == nil || resp.Success || resp.Error != syncwire.ErrMatchNotFound {
		t.Fatalf("miss resp=%+v err=%v", resp, err)
	}
}

func TestRespondIgnores(t *testing.T) {
	st := respondStore(t, &domain.Match{ID: "m1", RefereePin: "1", RefereeConnectionEnabled: true})
	ctx := context.Background()

	if resp, err := Respond(ctx, st, "m1", &syncwire.Inbound{Type: "sync-match-data"}); resp != nil || err != nil {
		t.Fatalf("unknown type answered: %+v %v", resp, err)
	}
	if resp, err := Respond(ctx, st, "gone", &syncwire.Inbound{Type: syncwire.TypePinValidationRequest, Pin: json.RawMessage(`1`), PinType: "referee"}); resp != nil || err != nil {
		t.Fatalf("missing match answered: %+v %v", resp, err)
	}
}
