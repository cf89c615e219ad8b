package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/alara-bridge/internal/profile"
)

// UpdatePhase locks the user's row, runs fn against the current phase, and
// writes the new phase together with the returned transition record.
func (s *Store) UpdatePhase(ctx context.Context, userID string, fn profile.PhaseTxFunc) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			ph      profile.SaCoLuPhase
			history []byte
			now     time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT current_phase, phase_entered_at, phase_history,
			       sapien_override_active, override_reason, now()
			FROM user_profiles WHERE user_id = $1 FOR UPDATE`, userID,
		).Scan(&ph.CurrentPhase, &ph.PhaseEnteredAt, &history,
			&ph.SapienOverride, &ph.OverrideReason, &now)
		if errors.Is(err, pgx.ErrNoRows) {
			return profile.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock phase %s: %w", userID, err)
		}
		if err := unmarshalJSON(history, &ph.PhaseHistory); err != nil {
			return fmt.Errorf("decode phase_history: %w", err)
		}

		tr, err := fn(&ph, now)
		if err != nil || tr == nil {
			return err
		}

		history, err = json.Marshal(nonNilHistory(ph.PhaseHistory))
		if err != nil {
			return fmt.Errorf("marshal phase_history: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE user_profiles SET
				current_phase = $2, phase_entered_at = $3, phase_history = $4::jsonb,
				sapien_override_active = $5, override_reason = $6
			WHERE user_id = $1`,
			userID, ph.CurrentPhase, ph.PhaseEnteredAt, string(history),
			ph.SapienOverride, ph.OverrideReason,
		); err != nil {
			return fmt.Errorf("update phase %s: %w", userID, err)
		}

		if tr.ID == "" {
			tr.ID = uuid.New().String()
		}
		tr.UserID = userID
		tr.CreatedAt = now
		if _, err := tx.Exec(ctx, `
			INSERT INTO sacolu_phase_transitions
				(id, user_id, from_phase, to_phase, transition_trigger,
				 sapien_override, override_reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tr.ID, userID, tr.FromPhase, tr.ToPhase, tr.TransitionTrigger,
			tr.SapienOverride, tr.OverrideReason, now,
		); err != nil {
			return fmt.Errorf("insert phase transition: %w", err)
		}
		return nil
	})
}
