package sacolu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/alara-bridge/internal/profile"
	"github.com/nidhogg/alara-bridge/internal/store"
	"go.uber.org/zap"
)

var phases = []string{"sapien", "consolidation", "lucidity"}

func setup(t *testing.T) (*Manager, *store.Memory, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory().WithClock(func() time.Time { return now })
	if err := mem.CreateProfile(context.Background(), profile.New("u1", "sapien", 7, now.Add(-time.Hour))); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	return NewManager(mem, phases, zap.NewNop()), mem, &now
}

func TestTransitionSamePhaseIsNoop(t *testing.T) {
	ctx := context.Background()
	m, mem, _ := setup(t)

	res, err := m.Transition(ctx, Request{UserID: "u1", ToPhase: "sapien", Trigger: "manual"})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.Changed {
		t.Fatalf("expected no change, got %+v", res)
	}
	p, _ := mem.GetProfile(ctx, "u1")
	if len(p.Phase.PhaseHistory) != 0 {
		t.Errorf("history written on no-op: %+v", p.Phase.PhaseHistory)
	}
	trs, _ := mem.ListPhaseTransitions(ctx, "u1", 0)
	if len(trs) != 0 {
		t.Errorf("audit written on no-op: %+v", trs)
	}
}

func TestTransitionAppendsHistoryAndAudit(t *testing.T) {
	ctx := context.Background()
	m, mem, now := setup(t)
	entered := now.Add(-time.Hour)
	reason := "moderator stepped in"

	res, err := m.Transition(ctx, Request{
		UserID:           "u1",
		ToPhase:          "consolidation",
		Trigger:          "operator",
		OperatorOverride: true,
		OverrideReason:   &reason,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !res.Changed || res.From != "sapien" || res.To != "consolidation" {
		t.Fatalf("unexpected result: %+v", res)
	}

	p, _ := mem.GetProfile(ctx, "u1")
	if p.Phase.CurrentPhase != "consolidation" || !p.Phase.PhaseEnteredAt.Equal(*now) {
		t.Errorf("phase = %+v", p.Phase)
	}
	if !p.Phase.SapienOverride || p.Phase.OverrideReason == nil || *p.Phase.OverrideReason != reason {
		t.Errorf("override not recorded: %+v", p.Phase)
	}
	if len(p.Phase.PhaseHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(p.Phase.PhaseHistory))
	}
	visit := p.Phase.PhaseHistory[0]
	if visit.Phase != "sapien" || !visit.EnteredAt.Equal(entered) || !visit.ExitedAt.Equal(*now) {
		t.Errorf("history entry = %+v", visit)
	}

	trs, _ := mem.ListPhaseTransitions(ctx, "u1", 0)
	if len(trs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(trs))
	}
	if tr := trs[0]; tr.FromPhase != "sapien" || tr.ToPhase != "consolidation" || tr.TransitionTrigger != "operator" || !tr.SapienOverride {
		t.Errorf("audit record = %+v", tr)
	}

	// a later transition without override clears the flag
	if _, err := m.Transition(ctx, Request{UserID: "u1", ToPhase: "lucidity", Trigger: "auto"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	p, _ = mem.GetProfile(ctx, "u1")
	if p.Phase.SapienOverride || p.Phase.OverrideReason != nil {
		t.Errorf("override should be set verbatim: %+v", p.Phase)
	}
}

func TestTransitionValidation(t *testing.T) {
	m, _, _ := setup(t)
	for _, to := range []string{"", "nirvana"} {
		_, err := m.Transition(context.Background(), Request{UserID: "u1", ToPhase: to})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%q): expected ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestTransitionMissingUserIsNoop(t *testing.T) {
	m, _, _ := setup(t)
	res, err := m.Transition(context.Background(), Request{UserID: "ghost", ToPhase: "lucidity"})
	if err != nil || res.Changed {
		t.Fatalf("Transition(ghost) = %+v, %v", res, err)
	}
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	m, mem, _ := setup(t)

	for _, want := range []string{"consolidation", "lucidity"} {
		res, err := m.Advance(ctx, "u1", "progression")
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if !res.Changed || res.To != want {
			t.Fatalf("Advance = %+v, want to=%s", res, want)
		}
	}

	res, err := m.Advance(ctx, "u1", "progression")
	if err != nil || res.Changed {
		t.Fatalf("Advance from final phase = %+v, %v", res, err)
	}
	trs, _ := mem.ListPhaseTransitions(ctx, "u1", 0)
	if len(trs) != 2 {
		t.Errorf("expected 2 audit records, got %d", len(trs))
	}
}

func TestAdvanceErrors(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.CreateProfile(ctx, profile.New("u1", "limbo", 7, time.Now())); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	if _, err := NewManager(mem, phases, zap.NewNop()).Advance(ctx, "u1", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := NewManager(mem, nil, zap.NewNop()).Advance(ctx, "u1", "x"); !errors.Is(err, ErrNoProgression) {
		t.Errorf("expected ErrNoProgression, got %v", err)
	}
}
