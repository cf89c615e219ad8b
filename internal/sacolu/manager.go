package sacolu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nidhogg/alara-bridge/internal/profile"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTransition is returned for a phase outside the configured
	// progression.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrNoProgression is returned by Advance when no phase list is configured.
	ErrNoProgression = errors.New("no phase progression configured")
)

// Store is the storage surface the manager needs.
type Store interface {
	UpdatePhase(ctx context.Context, userID string, fn profile.PhaseTxFunc) error
}

// Request describes one phase change.
type Request struct {
	UserID  string
	ToPhase string
	// Trigger is a free-text label recorded with the transition.
	Trigger          string
	OperatorOverride bool
	OverrideReason   *string
}

// Result reports what Transition did.
type Result struct {
	Changed bool   `json:"changed"`
	From    string `json:"from_phase,omitempty"`
	To      string `json:"to_phase,omitempty"`
}

// Manager moves users between lifecycle phases.
type Manager struct {
	store  Store
	phases []string
	logger *zap.Logger
}

// NewManager creates a manager. phases is the ordered progression used by
// Advance and to validate targets; an empty list accepts any target.
func NewManager(store Store, phases []string, logger *zap.Logger) *Manager {
	return &Manager{store: store, phases: slices.Clone(phases), logger: logger}
}

// Phases returns the configured progression.
func (m *Manager) Phases() []string {
	return slices.Clone(m.phases)
}

// Transition moves req.UserID to req.ToPhase. Moving to the current phase
// and transitions for unknown users are no-ops.
func (m *Manager) Transition(ctx context.Context, req Request) (Result, error) {
	if req.ToPhase == "" {
		return Result{}, fmt.Errorf("%w: target phase is required", ErrInvalidTransition)
	}
	if len(m.phases) > 0 && !slices.Contains(m.phases, req.ToPhase) {
		return Result{}, fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, req.ToPhase)
	}
	return m.apply(ctx, req.UserID, func(string) (string, error) { return req.ToPhase, nil }, req)
}

// Advance moves the user to the phase after their current one. A user in the
// final phase stays put.
func (m *Manager) Advance(ctx context.Context, userID, trigger string) (Result, error) {
	if len(m.phases) == 0 {
		return Result{}, ErrNoProgression
	}
	next := func(current string) (string, error) {
		i := slices.Index(m.phases, current)
		if i < 0 {
			return "", fmt.Errorf("%w: current phase %q is not in the progression", ErrInvalidTransition, current)
		}
		if i == len(m.phases)-1 {
			return current, nil
		}
		return m.phases[i+1], nil
	}
	return m.apply(ctx, userID, next, Request{UserID: userID, Trigger: trigger})
}

func (m *Manager) apply(ctx context.Context, userID string, target func(current string) (string, error), req Request) (Result, error) {
	var res Result
	err := m.store.UpdatePhase(ctx, userID, func(ph *profile.SaCoLuPhase, now time.Time) (*profile.PhaseTransition, error) {
		from := ph.CurrentPhase
		to, err := target(from)
		if err != nil {
			return nil, err
		}
		if to == from {
			return nil, nil
		}

		ph.PhaseHistory = append(ph.PhaseHistory, profile.PhaseVisit{
			Phase:     from,
			EnteredAt: ph.PhaseEnteredAt,
			ExitedAt:  now,
		})
		ph.CurrentPhase = to
		ph.PhaseEnteredAt = now
		ph.SapienOverride = req.OperatorOverride
		ph.OverrideReason = req.OverrideReason

		res = Result{Changed: true, From: from, To: to}
		return &profile.PhaseTransition{
			FromPhase:         from,
			ToPhase:           to,
			TransitionTrigger: req.Trigger,
			SapienOverride:    req.OperatorOverride,
			OverrideReason:    req.OverrideReason,
		}, nil
	})
	if errors.Is(err, profile.ErrNotFound) {
		m.logger.Debug("phase transition for missing user ignored", zap.String("user", userID))
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("transition phase for %s: %w", userID, err)
	}

	if res.Changed {
		m.logger.Info("phase transitioned",
			zap.String("user", userID),
			zap.String("from", res.From),
			zap.String("to", res.To),
			zap.String("trigger", req.Trigger),
			zap.Bool("sapien_override", req.OperatorOverride))
	}
	return res, nil
}
