package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/alara-bridge/internal/profile"
)

// ListLoopEvents returns the most recent reinforcement records for userID,
// newest first. A limit of zero or less returns all of them.
func (s *Store) ListLoopEvents(ctx context.Context, userID string, limit int) ([]profile.LoopEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, loop_name, loop_iteration, reinforcement_signal,
		       triggered_by_archetype, session_id, created_at
		FROM hebbian_loop_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)`, userID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list loop events: %w", err)
	}
	defer rows.Close()

	var out []profile.LoopEvent
	for rows.Next() {
		var e profile.LoopEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.LoopName, &e.LoopIteration,
			&e.ReinforcementSignal, &e.TriggeredByArchetype, &e.SessionID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan loop event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListPhaseTransitions returns the most recent phase transitions for userID,
// newest first.
func (s *Store) ListPhaseTransitions(ctx context.Context, userID string, limit int) ([]profile.PhaseTransition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, from_phase, to_phase, transition_trigger,
		       sapien_override, override_reason, created_at
		FROM sacolu_phase_transitions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)`, userID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list phase transitions: %w", err)
	}
	defer rows.Close()

	var out []profile.PhaseTransition
	for rows.Next() {
		var t profile.PhaseTransition
		if err := rows.Scan(&t.ID, &t.UserID, &t.FromPhase, &t.ToPhase, &t.TransitionTrigger,
			&t.SapienOverride, &t.OverrideReason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phase transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
