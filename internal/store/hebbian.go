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
	"go.uber.org/zap"
)

// UpdateHebbian locks the user's row, runs fn against the current loop state,
// and writes the new state together with the returned loop event in one
// transaction.
func (s *Store) UpdateHebbian(ctx context.Context, userID string, fn profile.HebbianTxFunc) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			st       profile.HebbianState
			lifetime []byte
			now      time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT active_loop, loop_count, loop_ceiling, last_reinforcement_at,
			       cooldown_until, lifetime_loops, now()
			FROM user_profiles WHERE user_id = $1 FOR UPDATE`, userID,
		).Scan(&st.ActiveLoop, &st.LoopCount, &st.LoopCeiling, &st.LastReinforcementAt,
			&st.CooldownUntil, &lifetime, &now)
		if errors.Is(err, pgx.ErrNoRows) {
			return profile.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock hebbian state %s: %w", userID, err)
		}
		if err := unmarshalJSON(lifetime, &st.LifetimeLoops); err != nil {
			return fmt.Errorf("decode lifetime_loops: %w", err)
		}
		if st.LifetimeLoops == nil {
			st.LifetimeLoops = map[string]int{}
		}

		ev, err := fn(&st, now)
		if err != nil || ev == nil {
			return err
		}

		lifetime, err = json.Marshal(st.LifetimeLoops)
		if err != nil {
			return fmt.Errorf("marshal lifetime_loops: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE user_profiles SET
				active_loop = $2, loop_count = $3, loop_ceiling = $4,
				last_reinforcement_at = $5, cooldown_until = $6, lifetime_loops = $7::jsonb
			WHERE user_id = $1`,
			userID, st.ActiveLoop, st.LoopCount, st.LoopCeiling,
			st.LastReinforcementAt, st.CooldownUntil, string(lifetime),
		); err != nil {
			return fmt.Errorf("update hebbian state %s: %w", userID, err)
		}

		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.UserID = userID
		ev.CreatedAt = now
		if _, err := tx.Exec(ctx, `
			INSERT INTO hebbian_loop_history
				(id, user_id, loop_name, loop_iteration, reinforcement_signal,
				 triggered_by_archetype, session_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ID, userID, ev.LoopName, ev.LoopIteration, ev.ReinforcementSignal,
			ev.TriggeredByArchetype, ev.SessionID, now,
		); err != nil {
			return fmt.Errorf("insert loop event: %w", err)
		}
		return nil
	})
}

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
