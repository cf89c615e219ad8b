package archetype

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nidhogg/alara-bridge/internal/profile"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 2, 11, 23, 0, 0, 0, time.UTC)

type fakeSource struct {
	triggers []*Trigger
	err      error
	lists    int
}

func (f *fakeSource) Triggers(ctx context.Context) ([]*Trigger, error) {
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	return f.triggers, nil
}

func (f *fakeSource) Lookup(ctx context.Context, id string) (*Trigger, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	for _, t := range f.triggers {
		if t.ArchetypeID == id {
			return t, true, nil
		}
	}
	return nil, false, nil
}

type fakeWriter struct {
	writes []profile.SeekerArchetype
	err    error
}

func (f *fakeWriter) UpdateArchetype(ctx context.Context, userID string, a profile.SeekerArchetype) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, a)
	return nil
}

// scoredTrigger builds a trigger whose AND confidence against
// scoringSubject equals pass/total.
func scoredTrigger(id string, pass, total int) *Trigger {
	rules := make([]Rule, 0, total)
	for i := 0; i < total; i++ {
		threshold := 100.0
		if i < pass {
			threshold = 0
		}
		rules = append(rules, Rule{Field: "session.duration_minutes", Operator: OpGTE, Value: Number(threshold)})
	}
	return MustTrigger(Definition{
		ArchetypeID: id,
		Conditions:  Conditions{Operator: CombineAND, Rules: rules},
		Hebbian:     HebbianTargets{PrimaryLoop: id + "-loop", ReinforcementSignal: "praise", LoopCeiling: 3, CooldownHours: 24},
	})
}

func scoringSession() *profile.SessionContext {
	return &profile.SessionContext{SessionID: "s1", UserID: "u1", LocalHour: 23, DurationMinutes: 10}
}

func newTestClassifier(src *fakeSource, w *fakeWriter, now time.Time) *Classifier {
	return NewClassifier(src, w, zap.NewNop()).WithClock(func() time.Time { return now })
}

func TestClassifierSelectsBestAndSecond(t *testing.T) {
	src := &fakeSource{triggers: []*Trigger{
		scoredTrigger("low", 3, 10),
		scoredTrigger("high", 8, 10),
		scoredTrigger("none", 0, 10),
	}}
	w := &fakeWriter{}
	c := newTestClassifier(src, w, fixedNow)

	user := profile.New("u1", "sa", 7, fixedNow.Add(-48*time.Hour))
	res, err := c.Evaluate(context.Background(), user, scoringSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Reevaluated {
		t.Error("expected reevaluation")
	}
	if res.Trigger == nil || res.Trigger.ID() != "high" {
		t.Fatalf("expected trigger high, got %v", res.Trigger)
	}
	if len(w.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(w.writes))
	}

	primary, secondary := "high", "low"
	want := profile.SeekerArchetype{
		Primary:              &primary,
		Confidence:           0.8,
		Secondary:            &secondary,
		SecondaryConfidence:  0.3,
		LastEvaluatedAt:      &fixedNow,
		EvaluationWindowDays: 7,
	}
	if diff := cmp.Diff(want, w.writes[0]); diff != "" {
		t.Errorf("persisted archetype mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, res.Archetype); diff != "" {
		t.Errorf("result archetype mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifierTieKeepsLowestID(t *testing.T) {
	src := &fakeSource{triggers: []*Trigger{
		scoredTrigger("zeta", 1, 2),
		scoredTrigger("alpha", 1, 2),
	}}
	w := &fakeWriter{}
	c := newTestClassifier(src, w, fixedNow)

	res, err := c.Evaluate(context.Background(), profile.New("u1", "sa", 7, fixedNow), scoringSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trigger.ID() != "alpha" {
		t.Errorf("expected alpha to win the tie, got %s", res.Trigger.ID())
	}
	// The loser of an exact tie still beats the empty second slot.
	if res.Archetype.Secondary == nil || *res.Archetype.Secondary != "zeta" {
		t.Errorf("expected secondary zeta, got %v", res.Archetype.Secondary)
	}
	if res.Archetype.SecondaryConfidence != res.Archetype.Confidence {
		t.Errorf("expected equal confidences, got %v and %v", res.Archetype.Confidence, res.Archetype.SecondaryConfidence)
	}
	if got := src.triggers[0].ID(); got != "zeta" {
		t.Errorf("source slice was reordered: first is %s", got)
	}
}

func TestClassifierNoMatchLeavesCacheUntouched(t *testing.T) {
	src := &fakeSource{triggers: []*Trigger{scoredTrigger("none", 0, 4)}}
	w := &fakeWriter{}
	c := newTestClassifier(src, w, fixedNow)

	res, err := c.Evaluate(context.Background(), profile.New("u1", "sa", 7, fixedNow), scoringSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trigger != nil {
		t.Errorf("expected no trigger, got %s", res.Trigger.ID())
	}
	if !res.Reevaluated {
		t.Error("expected reevaluated=true after scoring")
	}
	if len(w.writes) != 0 {
		t.Errorf("expected no writes, got %d", len(w.writes))
	}
}

func TestClassifierCacheWindow(t *testing.T) {
	src := &fakeSource{triggers: []*Trigger{
		scoredTrigger("cached", 1, 10),
		scoredTrigger("better", 9, 10),
	}}
	w := &fakeWriter{}

	user := profile.New("u1", "sa", 7, fixedNow)
	cachedID := "cached"
	evaluated := fixedNow.Add(-24 * time.Hour)
	user.Archetype.Primary = &cachedID
	user.Archetype.Confidence = 0.1
	user.Archetype.LastEvaluatedAt = &evaluated

	t.Run("inside-window", func(t *testing.T) {
		c := newTestClassifier(src, w, fixedNow)
		for i := 0; i < 2; i++ {
			res, err := c.Evaluate(context.Background(), user, scoringSession())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Reevaluated {
				t.Error("expected cached result")
			}
			if res.Trigger == nil || res.Trigger.ID() != "cached" {
				t.Fatalf("expected cached trigger, got %v", res.Trigger)
			}
		}
		if len(w.writes) != 0 {
			t.Errorf("expected zero writes inside window, got %d", len(w.writes))
		}
		if src.lists != 0 {
			t.Errorf("expected no full scan inside window, got %d", src.lists)
		}
	})

	t.Run("window-elapsed", func(t *testing.T) {
		c := newTestClassifier(src, w, fixedNow.Add(7*24*time.Hour))
		res, err := c.Evaluate(context.Background(), user, scoringSession())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Reevaluated {
			t.Error("expected reevaluation after window")
		}
		if res.Trigger.ID() != "better" {
			t.Errorf("expected better, got %s", res.Trigger.ID())
		}
		if got := *res.Archetype.Secondary; got != "cached" {
			t.Errorf("expected secondary cached, got %s", got)
		}
		if len(w.writes) != 1 {
			t.Errorf("expected one write, got %d", len(w.writes))
		}
	})
}

func TestClassifierCachedIDMissing(t *testing.T) {
	src := &fakeSource{triggers: []*Trigger{scoredTrigger("other", 10, 10)}}
	w := &fakeWriter{}
	c := newTestClassifier(src, w, fixedNow)

	user := profile.New("u1", "sa", 7, fixedNow)
	gone := "retired"
	evaluated := fixedNow.Add(-time.Hour)
	user.Archetype.Primary = &gone
	user.Archetype.LastEvaluatedAt = &evaluated

	res, err := c.Evaluate(context.Background(), user, scoringSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trigger != nil || res.Reevaluated {
		t.Errorf("expected cache miss with no trigger, got trigger=%v reevaluated=%v", res.Trigger, res.Reevaluated)
	}
	if len(w.writes) != 0 {
		t.Errorf("expected no writes, got %d", len(w.writes))
	}
}

func TestClassifierErrors(t *testing.T) {
	boom := errors.New("store down")

	c := newTestClassifier(&fakeSource{err: boom}, &fakeWriter{}, fixedNow)
	if _, err := c.Evaluate(context.Background(), profile.New("u1", "sa", 7, fixedNow), scoringSession()); !errors.Is(err, boom) {
		t.Errorf("expected source error, got %v", err)
	}

	src := &fakeSource{triggers: []*Trigger{scoredTrigger("a", 1, 1)}}
	c = newTestClassifier(src, &fakeWriter{err: boom}, fixedNow)
	if _, err := c.Evaluate(context.Background(), profile.New("u1", "sa", 7, fixedNow), scoringSession()); !errors.Is(err, boom) {
		t.Errorf("expected writer error, got %v", err)
	}
}
