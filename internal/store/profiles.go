package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nidhogg/alara-bridge/internal/profile"
)

const profileColumns = `
	user_id, behavioral_signature, session_history, echo_interaction,
	active_loop, loop_count, loop_ceiling, last_reinforcement_at, cooldown_until, lifetime_loops,
	current_phase, phase_entered_at, phase_history, sapien_override_active, override_reason,
	archetype_primary, archetype_confidence, archetype_secondary, archetype_secondary_confidence,
	archetype_last_evaluated_at, archetype_evaluation_window_days, created_at`

// GetProfile loads a full user profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.UserProfile, error) {
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`, userID)

	var (
		p                                  profile.UserProfile
		signature, history, echo, lifetime []byte
		phaseHistory                       []byte
	)
	err := row.Scan(
		&p.UserID, &signature, &history, &echo,
		&p.Hebbian.ActiveLoop, &p.Hebbian.LoopCount, &p.Hebbian.LoopCeiling,
		&p.Hebbian.LastReinforcementAt, &p.Hebbian.CooldownUntil, &lifetime,
		&p.Phase.CurrentPhase, &p.Phase.PhaseEnteredAt, &phaseHistory,
		&p.Phase.SapienOverride, &p.Phase.OverrideReason,
		&p.Archetype.Primary, &p.Archetype.Confidence, &p.Archetype.Secondary,
		&p.Archetype.SecondaryConfidence, &p.Archetype.LastEvaluatedAt,
		&p.Archetype.EvaluationWindowDays, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, profile.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}

	if err := unmarshalJSON(signature, &p.BehavioralSignature); err != nil {
		return nil, fmt.Errorf("decode behavioral_signature: %w", err)
	}
	if len(history) > 0 {
		p.SessionHistory = &profile.SessionHistory{}
		if err := json.Unmarshal(history, p.SessionHistory); err != nil {
			return nil, fmt.Errorf("decode session_history: %w", err)
		}
	}
	if len(echo) > 0 {
		p.EchoInteraction = &profile.EchoInteraction{}
		if err := json.Unmarshal(echo, p.EchoInteraction); err != nil {
			return nil, fmt.Errorf("decode echo_interaction: %w", err)
		}
	}
	if err := unmarshalJSON(lifetime, &p.Hebbian.LifetimeLoops); err != nil {
		return nil, fmt.Errorf("decode lifetime_loops: %w", err)
	}
	if err := unmarshalJSON(phaseHistory, &p.Phase.PhaseHistory); err != nil {
		return nil, fmt.Errorf("decode phase_history: %w", err)
	}
	if p.BehavioralSignature == nil {
		p.BehavioralSignature = map[string]float64{}
	}
	if p.Hebbian.LifetimeLoops == nil {
		p.Hebbian.LifetimeLoops = map[string]int{}
	}
	return &p, nil
}

// CreateProfile inserts a new profile.
func (s *Store) CreateProfile(ctx context.Context, p *profile.UserProfile) error {
	signature, err := json.Marshal(p.BehavioralSignature)
	if err != nil {
		return fmt.Errorf("marshal behavioral_signature: %w", err)
	}
	history, err := marshalNullable(p.SessionHistory, p.SessionHistory == nil)
	if err != nil {
		return fmt.Errorf("marshal session_history: %w", err)
	}
	echo, err := marshalNullable(p.EchoInteraction, p.EchoInteraction == nil)
	if err != nil {
		return fmt.Errorf("marshal echo_interaction: %w", err)
	}
	lifetime, err := json.Marshal(nonNilLoops(p.Hebbian.LifetimeLoops))
	if err != nil {
		return fmt.Errorf("marshal lifetime_loops: %w", err)
	}
	phaseHistory, err := json.Marshal(nonNilHistory(p.Phase.PhaseHistory))
	if err != nil {
		return fmt.Errorf("marshal phase_history: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO user_profiles (`+profileColumns+`)
		VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb,
		        $5, $6, $7, $8, $9, $10::jsonb,
		        $11, $12, $13::jsonb, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22)`,
		p.UserID, string(signature), history, echo,
		p.Hebbian.ActiveLoop, p.Hebbian.LoopCount, p.Hebbian.LoopCeiling,
		p.Hebbian.LastReinforcementAt, p.Hebbian.CooldownUntil, string(lifetime),
		p.Phase.CurrentPhase, p.Phase.PhaseEnteredAt, string(phaseHistory),
		p.Phase.SapienOverride, p.Phase.OverrideReason,
		p.Archetype.Primary, p.Archetype.Confidence, p.Archetype.Secondary,
		p.Archetype.SecondaryConfidence, p.Archetype.LastEvaluatedAt,
		p.Archetype.EvaluationWindowDays, p.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return profile.ErrExists
	}
	if err != nil {
		return fmt.Errorf("create profile %s: %w", p.UserID, err)
	}
	return nil
}

// UpdateArchetype writes the classification columns only.
func (s *Store) UpdateArchetype(ctx context.Context, userID string, a profile.SeekerArchetype) error {
	return s.patch(ctx, userID, "update archetype", `
		UPDATE user_profiles SET
			archetype_primary = $2,
			archetype_confidence = $3,
			archetype_secondary = $4,
			archetype_secondary_confidence = $5,
			archetype_last_evaluated_at = $6
		WHERE user_id = $1`,
		userID, a.Primary, a.Confidence, a.Secondary, a.SecondaryConfidence, a.LastEvaluatedAt,
	)
}

// DeleteProfile removes a profile. Loop and phase audit rows are kept.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	return s.patch(ctx, userID, "delete profile",
		`DELETE FROM user_profiles WHERE user_id = $1`,
		userID,
	)
}

// SetCooldown starts a cooldown and records the ceiling that triggered it.
func (s *Store) SetCooldown(ctx context.Context, userID string, until time.Time, ceiling int) error {
	return s.patch(ctx, userID, "set cooldown",
		`UPDATE user_profiles SET cooldown_until = $2, loop_ceiling = $3 WHERE user_id = $1`,
		userID, until, ceiling,
	)
}

// SetLoopCeiling records the ceiling of the trigger currently driving the loop.
func (s *Store) SetLoopCeiling(ctx context.Context, userID string, ceiling int) error {
	return s.patch(ctx, userID, "set loop ceiling",
		`UPDATE user_profiles SET loop_ceiling = $2 WHERE user_id = $1`,
		userID, ceiling,
	)
}

// ResetLoop zeroes the loop counter and clears the cooldown, provided the
// stored cooldown still ends at expired. It reports whether a row changed;
// false means the profile is gone or its cooldown was already replaced.
func (s *Store) ResetLoop(ctx context.Context, userID string, expired time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE user_profiles SET loop_count = 0, cooldown_until = NULL
		 WHERE user_id = $1 AND cooldown_until = $2`,
		userID, expired,
	)
	if err != nil {
		return false, fmt.Errorf("reset loop %s: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) patch(ctx context.Context, userID, op, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrNotFound
	}
	return nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// marshalNullable returns nil for a SQL NULL, otherwise the JSON text.
func marshalNullable(v any, isNil bool) (*string, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func nonNilLoops(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func nonNilHistory(h []profile.PhaseVisit) []profile.PhaseVisit {
	if h == nil {
		return []profile.PhaseVisit{}
	}
	return h
}
