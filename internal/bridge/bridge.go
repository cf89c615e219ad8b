package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/hebbian"
	"github.com/nidhogg/alara-bridge/internal/profile"
	"github.com/nidhogg/alara-bridge/internal/veridian"
	"go.uber.org/zap"
)

// ErrMissingIdentifiers is returned when a request lacks user_id or session_id.
var ErrMissingIdentifiers = errors.New("user_id and session_id are required")

// Enrichment stages reported in EnrichmentError.
const (
	StageLoadProfile = "load_profile"
	StageClassify    = "classify"
	StageReinforce   = "reinforcement_check"
	StagePanic       = "panic"
)

// EnrichmentError is an unexpected fault during enrichment. The middleware
// logs it and lets the request through unenriched.
type EnrichmentError struct {
	Stage string
	Err   error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment failed at %s: %v", e.Stage, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// ProfileReader loads user profiles.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*profile.UserProfile, error)
}

// Classifier selects the archetype trigger for a user.
type Classifier interface {
	Evaluate(ctx context.Context, user *profile.UserProfile, session *profile.SessionContext) (archetype.Result, error)
}

// Reinforcer applies the loop ceiling policy and records delivered
// reinforcement.
type Reinforcer interface {
	Check(ctx context.Context, user *profile.UserProfile, trigger *archetype.Trigger) (hebbian.Decision, error)
	Commit(ctx context.Context, userID, sessionID string, trigger *archetype.Trigger) (*profile.LoopEvent, error)
}

// Request carries the identifiers and session fields of one interaction.
type Request struct {
	UserID                 string     `json:"user_id"`
	SessionID              string     `json:"session_id"`
	LocalHour              *int       `json:"local_hour,omitempty"`
	SessionStartedAt       *time.Time `json:"session_started_at,omitempty"`
	SessionDurationMinutes *float64   `json:"session_duration_minutes,omitempty"`
}

// CommitFunc records delivered reinforcement. It is safe to call more than
// once; only the first call has an effect.
type CommitFunc func()

// Enrichment is the result of a successful pipeline run.
type Enrichment struct {
	Context  veridian.Context
	Session  profile.SessionContext
	Trigger  *archetype.Trigger
	Decision hebbian.Decision
	// Overridden is true when an operator holds control of the user.
	Overridden bool
	Commit     CommitFunc
}

// Bridge runs the enrichment pipeline for one request at a time. It keeps
// no per-user state between requests.
type Bridge struct {
	profiles      ProfileReader
	classifier    Classifier
	reinforcer    Reinforcer
	now           func() time.Time
	commitTimeout time.Duration
	logger        *zap.Logger
}

// New creates a Bridge.
func New(profiles ProfileReader, classifier Classifier, reinforcer Reinforcer, logger *zap.Logger) *Bridge {
	return &Bridge{
		profiles:      profiles,
		classifier:    classifier,
		reinforcer:    reinforcer,
		now:           time.Now,
		commitTimeout: 10 * time.Second,
		logger:        logger,
	}
}

// WithClock replaces the time source used for session defaults.
func (b *Bridge) WithClock(now func() time.Time) *Bridge {
	b.now = now
	return b
}

// WithCommitTimeout bounds the deferred reinforcement commit.
func (b *Bridge) WithCommitTimeout(d time.Duration) *Bridge {
	if d > 0 {
		b.commitTimeout = d
	}
	return b
}

// Enrich runs the pipeline. It returns ErrMissingIdentifiers,
// profile.ErrNotFound, or an *EnrichmentError for anything else.
func (b *Bridge) Enrich(ctx context.Context, req Request) (*Enrichment, error) {
	if req.UserID == "" || req.SessionID == "" {
		return nil, ErrMissingIdentifiers
	}

	user, err := b.profiles.GetProfile(ctx, req.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, profile.ErrNotFound
	}
	if err != nil {
		return nil, &EnrichmentError{Stage: StageLoadProfile, Err: err}
	}

	session := b.session(req)

	res, err := b.classifier.Evaluate(ctx, user, &session)
	if err != nil {
		return nil, &EnrichmentError{Stage: StageClassify, Err: err}
	}

	decision, err := b.reinforcer.Check(ctx, user, res.Trigger)
	if err != nil {
		return nil, &EnrichmentError{Stage: StageReinforce, Err: err}
	}

	overridden := user.Phase.SapienOverride
	e := &Enrichment{
		Context: veridian.Build(veridian.Input{
			Archetype:        res.Archetype,
			Phase:            user.Phase.CurrentPhase,
			Session:          session,
			Trigger:          res.Trigger,
			Decision:         decision,
			OperatorOverride: overridden,
		}),
		Session:    session,
		Trigger:    res.Trigger,
		Decision:   decision,
		Overridden: overridden,
		Commit:     func() {},
	}
	if overridden {
		e.Trigger, e.Decision = nil, hebbian.Suppressed()
		b.logger.Debug("operator override active, reinforcement suppressed",
			zap.String("user", user.UserID),
			zap.String("phase", user.Phase.CurrentPhase))
		return e, nil
	}

	if res.Trigger != nil && decision.Allowed {
		e.Commit = b.commitFunc(ctx, req.UserID, req.SessionID, res.Trigger)
	}
	return e, nil
}

// commitFunc returns the deferred commit. It outlives the request context
// so that a client disconnect after delivery still records the loop.
func (b *Bridge) commitFunc(ctx context.Context, userID, sessionID string, trigger *archetype.Trigger) CommitFunc {
	var once sync.Once
	base := context.WithoutCancel(ctx)
	return func() {
		once.Do(func() {
			cctx, cancel := context.WithTimeout(base, b.commitTimeout)
			defer cancel()
			if _, err := b.reinforcer.Commit(cctx, userID, sessionID, trigger); err != nil {
				b.logger.Warn("reinforcement commit failed",
					zap.String("user", userID),
					zap.String("session", sessionID),
					zap.String("archetype", trigger.ArchetypeID),
					zap.Error(err))
			}
		})
	}
}

func (b *Bridge) session(req Request) profile.SessionContext {
	now := b.now()
	s := profile.SessionContext{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		LocalHour: now.Hour(),
		StartedAt: now,
	}
	if req.LocalHour != nil && *req.LocalHour >= 0 && *req.LocalHour <= 23 {
		s.LocalHour = *req.LocalHour
	}
	if req.SessionStartedAt != nil {
		s.StartedAt = *req.SessionStartedAt
	}
	if req.SessionDurationMinutes != nil {
		s.DurationMinutes = *req.SessionDurationMinutes
	}
	return s
}
