package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/alara-bridge/internal/archetype"
)

// ListTriggers returns every registered definition ordered by archetype id.
func (s *Store) ListTriggers(ctx context.Context) ([]archetype.Definition, error) {
	rows, err := s.db.Query(ctx, `SELECT definition FROM seeker_triggers ORDER BY archetype_id`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var defs []archetype.Definition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		var def archetype.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode trigger: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetTrigger returns one definition or archetype.ErrUnknownTrigger.
func (s *Store) GetTrigger(ctx context.Context, id string) (*archetype.Definition, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT definition FROM seeker_triggers WHERE archetype_id = $1`, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, archetype.ErrUnknownTrigger
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %s: %w", id, err)
	}
	var def archetype.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode trigger %s: %w", id, err)
	}
	return &def, nil
}

// UpsertTrigger inserts or replaces a definition keyed by archetype id.
func (s *Store) UpsertTrigger(ctx context.Context, def archetype.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal trigger %s: %w", def.ArchetypeID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO seeker_triggers (archetype_id, version, definition, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (archetype_id) DO UPDATE SET
			version = EXCLUDED.version,
			definition = EXCLUDED.definition,
			updated_at = now()`,
		def.ArchetypeID, def.Version, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert trigger %s: %w", def.ArchetypeID, err)
	}
	return nil
}
