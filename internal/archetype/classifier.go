package archetype

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/alara-bridge/internal/profile"
	"go.uber.org/zap"
)

// TriggerSource provides the registered trigger definitions.
type TriggerSource interface {
	// Triggers returns every registered trigger, in any order.
	Triggers(ctx context.Context) ([]*Trigger, error)
	// Lookup returns the trigger with the given id; ok is false when none exists.
	Lookup(ctx context.Context, id string) (t *Trigger, ok bool, err error)
}

// ArchetypeWriter persists a classification as a partial profile update.
// Only primary, confidence, secondary, secondary confidence and the
// evaluation timestamp are written.
type ArchetypeWriter interface {
	UpdateArchetype(ctx context.Context, userID string, a profile.SeekerArchetype) error
}

// Result is the outcome of a classification.
type Result struct {
	// Trigger is the selected definition, nil when nothing matched or the
	// cached id no longer resolves.
	Trigger *Trigger
	// Archetype is the classification in effect after this call.
	Archetype profile.SeekerArchetype
	// Reevaluated is true when the triggers were rescored.
	Reevaluated bool
}

// Classifier assigns users to archetypes, honoring the cached
// classification until its evaluation window lapses.
type Classifier struct {
	source TriggerSource
	writer ArchetypeWriter
	now    func() time.Time
	logger *zap.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(source TriggerSource, writer ArchetypeWriter, logger *zap.Logger) *Classifier {
	return &Classifier{source: source, writer: writer, now: time.Now, logger: logger}
}

// WithClock replaces the classifier's time source.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Evaluate returns the archetype trigger for user, rescoring all triggers
// when the cached classification is missing or stale.
func (c *Classifier) Evaluate(ctx context.Context, user *profile.UserProfile, session *profile.SessionContext) (Result, error) {
	now := c.now()
	cached := user.Archetype

	if cached.Fresh(now) {
		t, ok, err := c.source.Lookup(ctx, *cached.Primary)
		if err != nil {
			return Result{}, fmt.Errorf("lookup cached archetype %s: %w", *cached.Primary, err)
		}
		if !ok {
			c.logger.Warn("cached archetype has no definition",
				zap.String("user", user.UserID),
				zap.String("archetype", *cached.Primary))
			return Result{Archetype: cached}, nil
		}
		return Result{Trigger: t, Archetype: cached}, nil
	}

	triggers, err := c.source.Triggers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load triggers: %w", err)
	}
	// Scoring order decides ties, so pin it to the archetype id.
	triggers = append([]*Trigger(nil), triggers...)
	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].ArchetypeID < triggers[j].ArchetypeID
	})

	subject := Subject{User: user, Session: session}
	var best, second *Trigger
	var bestConf, secondConf float64
	for _, t := range triggers {
		conf := t.Confidence(subject)
		if conf > bestConf {
			second, secondConf = best, bestConf
			best, bestConf = t, conf
		} else if conf > secondConf {
			second, secondConf = t, conf
		}
	}

	if best == nil {
		c.logger.Debug("no archetype matched", zap.String("user", user.UserID), zap.Int("candidates", len(triggers)))
		return Result{Archetype: cached, Reevaluated: true}, nil
	}

	updated := cached
	primary := best.ArchetypeID
	updated.Primary = &primary
	updated.Confidence = bestConf
	updated.Secondary = nil
	updated.SecondaryConfidence = secondConf
	if second != nil {
		sec := second.ArchetypeID
		updated.Secondary = &sec
	}
	updated.LastEvaluatedAt = &now

	if err := c.writer.UpdateArchetype(ctx, user.UserID, updated); err != nil {
		return Result{}, fmt.Errorf("persist archetype for %s: %w", user.UserID, err)
	}
	c.logger.Info("archetype classified",
		zap.String("user", user.UserID),
		zap.String("primary", primary),
		zap.Float64("confidence", bestConf),
		zap.Float64("secondary_confidence", secondConf))

	return Result{Trigger: best, Archetype: updated, Reevaluated: true}, nil
}
