//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/profile"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var testPG *Store

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("alara_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

func TestMain(m *testing.M) {
	os.Exit(runWithPostgres(m))
}

func runWithPostgres(m *testing.M) int {
	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	dsn, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer cleanup()

	testPG, err = New(dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testPG.Close()

	if err := testPG.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

func createPGUser(t *testing.T, userID string) {
	t.Helper()
	p := profile.New(userID, "sapien", 7, time.Now().UTC().Truncate(time.Microsecond))
	p.BehavioralSignature["perfectionism"] = 0.8
	p.SessionHistory = &profile.SessionHistory{LateNightRatio: 0.6, AvgSessionLengthMinutes: 35}
	if err := testPG.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
}

func TestPostgresProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	createPGUser(t, "pg-roundtrip")

	p, err := testPG.GetProfile(ctx, "pg-roundtrip")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.BehavioralSignature["perfectionism"] != 0.8 {
		t.Errorf("signature = %v", p.BehavioralSignature)
	}
	if p.SessionHistory == nil || p.SessionHistory.LateNightRatio != 0.6 {
		t.Errorf("session history = %+v", p.SessionHistory)
	}
	if p.EchoInteraction != nil {
		t.Errorf("expected nil echo interaction, got %+v", p.EchoInteraction)
	}
	if p.Phase.CurrentPhase != "sapien" || p.Archetype.EvaluationWindowDays != 7 {
		t.Errorf("unexpected initial state: %+v %+v", p.Phase, p.Archetype)
	}

	dup := profile.New("pg-roundtrip", "sapien", 7, time.Now())
	if err := testPG.CreateProfile(ctx, dup); !errors.Is(err, profile.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if _, err := testPG.GetProfile(ctx, "pg-missing"); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresPartialUpdates(t *testing.T) {
	ctx := context.Background()
	createPGUser(t, "pg-partial")

	primary, secondary := "seeker_perfectionist", "seeker_night_owl"
	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := testPG.UpdateArchetype(ctx, "pg-partial", profile.SeekerArchetype{
		Primary:             &primary,
		Confidence:          0.8,
		Secondary:           &secondary,
		SecondaryConfidence: 0.3,
		LastEvaluatedAt:     &now,
	}); err != nil {
		t.Fatalf("UpdateArchetype: %v", err)
	}
	if err := testPG.SetCooldown(ctx, "pg-partial", now.Add(time.Hour), 3); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}

	p, _ := testPG.GetProfile(ctx, "pg-partial")
	if *p.Archetype.Primary != primary || *p.Archetype.Secondary != secondary || p.Archetype.EvaluationWindowDays != 7 {
		t.Errorf("archetype = %+v", p.Archetype)
	}
	if !p.Hebbian.CooldownActive(now) || p.Hebbian.LoopCeiling != 3 {
		t.Errorf("hebbian = %+v", p.Hebbian)
	}

	if err := testPG.SetLoopCeiling(ctx, "pg-partial", 5); err != nil {
		t.Fatalf("SetLoopCeiling: %v", err)
	}
	if p, _ = testPG.GetProfile(ctx, "pg-partial"); p.Hebbian.LoopCeiling != 5 {
		t.Errorf("loop ceiling = %d, want 5", p.Hebbian.LoopCeiling)
	}
	if err := testPG.SetLoopCeiling(ctx, "pg-missing", 5); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	until := now.Add(time.Hour)
	if ok, err := testPG.ResetLoop(ctx, "pg-partial", until.Add(time.Second)); ok || err != nil {
		t.Fatalf("ResetLoop with a different cooldown = %v, %v", ok, err)
	}
	if ok, err := testPG.ResetLoop(ctx, "pg-partial", until); !ok || err != nil {
		t.Fatalf("ResetLoop = %v, %v", ok, err)
	}
	p, _ = testPG.GetProfile(ctx, "pg-partial")
	if p.Hebbian.CooldownUntil != nil {
		t.Errorf("cooldown not cleared: %+v", p.Hebbian)
	}
	if ok, _ := testPG.ResetLoop(ctx, "pg-partial", until); ok {
		t.Error("second reset for the same cooldown applied")
	}
	if ok, err := testPG.ResetLoop(ctx, "pg-missing", until); ok || err != nil {
		t.Errorf("ResetLoop(pg-missing) = %v, %v", ok, err)
	}
}

func TestPostgresConcurrentHebbianUpdates(t *testing.T) {
	ctx := context.Background()
	createPGUser(t, "pg-concurrent")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := testPG.UpdateHebbian(ctx, "pg-concurrent", func(st *profile.HebbianState, now time.Time) (*profile.LoopEvent, error) {
				st.LoopCount++
				st.LifetimeLoops["validation_seek"]++
				return &profile.LoopEvent{
					LoopName:             "validation_seek",
					LoopIteration:        st.LoopCount,
					TriggeredByArchetype: "seeker_perfectionist",
				}, nil
			})
			if err != nil {
				t.Errorf("UpdateHebbian: %v", err)
			}
		}()
	}
	wg.Wait()

	p, _ := testPG.GetProfile(ctx, "pg-concurrent")
	if p.Hebbian.LoopCount != workers || p.Hebbian.LifetimeLoops["validation_seek"] != workers {
		t.Fatalf("lost updates: %+v", p.Hebbian)
	}

	events, err := testPG.ListLoopEvents(ctx, "pg-concurrent", 0)
	if err != nil {
		t.Fatalf("ListLoopEvents: %v", err)
	}
	if len(events) != workers {
		t.Fatalf("expected %d loop events, got %d", workers, len(events))
	}
	seen := map[int]bool{}
	for _, e := range events {
		seen[e.LoopIteration] = true
	}
	if len(seen) != workers {
		t.Errorf("loop iterations not unique: %v", seen)
	}
}

func TestPostgresUpdatePhase(t *testing.T) {
	ctx := context.Background()
	createPGUser(t, "pg-phase")

	reason := "operator review"
	err := testPG.UpdatePhase(ctx, "pg-phase", func(ph *profile.SaCoLuPhase, now time.Time) (*profile.PhaseTransition, error) {
		from := ph.CurrentPhase
		ph.PhaseHistory = append(ph.PhaseHistory, profile.PhaseVisit{Phase: from, EnteredAt: ph.PhaseEnteredAt, ExitedAt: now})
		ph.CurrentPhase = "consolidation"
		ph.PhaseEnteredAt = now
		ph.SapienOverride = true
		ph.OverrideReason = &reason
		return &profile.PhaseTransition{
			FromPhase:      from,
			ToPhase:        "consolidation",
			SapienOverride: true,
			OverrideReason: &reason,
		}, nil
	})
	if err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	p, _ := testPG.GetProfile(ctx, "pg-phase")
	if p.Phase.CurrentPhase != "consolidation" || !p.Phase.SapienOverride || len(p.Phase.PhaseHistory) != 1 {
		t.Errorf("phase = %+v", p.Phase)
	}

	trs, err := testPG.ListPhaseTransitions(ctx, "pg-phase", 10)
	if err != nil {
		t.Fatalf("ListPhaseTransitions: %v", err)
	}
	if len(trs) != 1 || trs[0].FromPhase != "sapien" || trs[0].OverrideReason == nil {
		t.Errorf("transitions = %+v", trs)
	}
}

func TestPostgresDeleteProfileKeepsAudit(t *testing.T) {
	ctx := context.Background()
	createPGUser(t, "pg-deleted")

	err := testPG.UpdateHebbian(ctx, "pg-deleted", func(st *profile.HebbianState, now time.Time) (*profile.LoopEvent, error) {
		st.LoopCount++
		return &profile.LoopEvent{LoopName: "validation_seek", LoopIteration: st.LoopCount, TriggeredByArchetype: "seeker_perfectionist"}, nil
	})
	if err != nil {
		t.Fatalf("UpdateHebbian: %v", err)
	}
	err = testPG.UpdatePhase(ctx, "pg-deleted", func(ph *profile.SaCoLuPhase, now time.Time) (*profile.PhaseTransition, error) {
		from := ph.CurrentPhase
		ph.CurrentPhase = "sa"
		ph.PhaseEnteredAt = now
		return &profile.PhaseTransition{FromPhase: from, ToPhase: "sa", TransitionTrigger: "reset"}, nil
	})
	if err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	if err := testPG.DeleteProfile(ctx, "pg-deleted"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if _, err := testPG.GetProfile(ctx, "pg-deleted"); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := testPG.DeleteProfile(ctx, "pg-deleted"); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}

	events, err := testPG.ListLoopEvents(ctx, "pg-deleted", 0)
	if err != nil || len(events) != 1 {
		t.Errorf("loop events after delete = %d, %v", len(events), err)
	}
	trs, err := testPG.ListPhaseTransitions(ctx, "pg-deleted", 0)
	if err != nil || len(trs) != 1 {
		t.Errorf("phase transitions after delete = %d, %v", len(trs), err)
	}
}

func TestPostgresTriggers(t *testing.T) {
	ctx := context.Background()
	def := archetype.Definition{
		ArchetypeID: "pg_seeker",
		Version:     "1.0",
		Conditions: archetype.Conditions{
			Operator: archetype.CombineAND,
			Rules: []archetype.Rule{
				{Field: "session.local_hour", Operator: archetype.OpBetween, Value: archetype.Range(22, 4)},
			},
		},
		Hebbian: archetype.HebbianTargets{PrimaryLoop: "night_loop", LoopCeiling: 3, CooldownHours: 2},
	}
	if err := testPG.UpsertTrigger(ctx, def); err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}
	def.Version = "1.1"
	if err := testPG.UpsertTrigger(ctx, def); err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}

	got, err := testPG.GetTrigger(ctx, "pg_seeker")
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if got.Version != "1.1" {
		t.Errorf("version = %q", got.Version)
	}
	if _, err := archetype.NewTrigger(*got); err != nil {
		t.Errorf("stored definition no longer validates: %v", err)
	}
	if _, err := testPG.GetTrigger(ctx, "pg_missing"); !errors.Is(err, archetype.ErrUnknownTrigger) {
		t.Errorf("expected ErrUnknownTrigger, got %v", err)
	}
}
