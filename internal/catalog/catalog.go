package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"go.uber.org/zap"
)

// Store is the persistent home of trigger definitions.
type Store interface {
	ListTriggers(ctx context.Context) ([]archetype.Definition, error)
	GetTrigger(ctx context.Context, id string) (*archetype.Definition, error)
	UpsertTrigger(ctx context.Context, def archetype.Definition) error
}

// Cache holds a copy of the full definition set. A miss is reported with
// ok=false, not an error.
type Cache interface {
	Load(ctx context.Context) (defs []archetype.Definition, ok bool, err error)
	Save(ctx context.Context, defs []archetype.Definition) error
	Invalidate(ctx context.Context) error
}

// Catalog serves compiled seeker triggers. It implements
// archetype.TriggerSource.
type Catalog struct {
	store  Store
	cache  Cache
	logger *zap.Logger
}

// New creates a catalog over store. cache may be nil.
func New(store Store, cache Cache, logger *zap.Logger) *Catalog {
	return &Catalog{store: store, cache: cache, logger: logger}
}

// Definitions returns the raw definition set, from the cache when possible.
func (c *Catalog) Definitions(ctx context.Context) ([]archetype.Definition, error) {
	if c.cache != nil {
		defs, ok, err := c.cache.Load(ctx)
		if err != nil {
			c.logger.Warn("trigger cache read failed, falling back to store", zap.Error(err))
		} else if ok {
			return defs, nil
		}
	}

	defs, err := c.store.ListTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	if c.cache != nil {
		if err := c.cache.Save(ctx, defs); err != nil {
			c.logger.Warn("trigger cache write failed", zap.Error(err))
		}
	}
	return defs, nil
}

// Triggers compiles every registered definition. Definitions that no longer
// validate are skipped and logged.
func (c *Catalog) Triggers(ctx context.Context) ([]*archetype.Trigger, error) {
	defs, err := c.Definitions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*archetype.Trigger, 0, len(defs))
	for _, def := range defs {
		t, err := archetype.NewTrigger(def)
		if err != nil {
			c.logger.Warn("skipping invalid trigger definition",
				zap.String("archetype", def.ArchetypeID), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Lookup returns the compiled trigger for id.
func (c *Catalog) Lookup(ctx context.Context, id string) (*archetype.Trigger, bool, error) {
	var def *archetype.Definition
	if c.cache != nil {
		defs, ok, err := c.cache.Load(ctx)
		if err != nil {
			c.logger.Warn("trigger cache read failed, falling back to store", zap.Error(err))
		} else if ok {
			for i := range defs {
				if defs[i].ArchetypeID == id {
					def = &defs[i]
					break
				}
			}
			if def == nil {
				return nil, false, nil
			}
		}
	}

	if def == nil {
		var err error
		def, err = c.store.GetTrigger(ctx, id)
		if errors.Is(err, archetype.ErrUnknownTrigger) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("get trigger %s: %w", id, err)
		}
	}

	t, err := archetype.NewTrigger(*def)
	if err != nil {
		c.logger.Warn("cached archetype definition is invalid",
			zap.String("archetype", id), zap.Error(err))
		return nil, false, nil
	}
	return t, true, nil
}

// Import validates every definition, upserts them, and drops the cached set.
// Nothing is written if any definition is invalid.
func (c *Catalog) Import(ctx context.Context, defs []archetype.Definition) error {
	for _, def := range defs {
		if _, err := archetype.NewTrigger(def); err != nil {
			return err
		}
	}
	for _, def := range defs {
		if err := c.store.UpsertTrigger(ctx, def); err != nil {
			return fmt.Errorf("upsert trigger %s: %w", def.ArchetypeID, err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Invalidate(ctx); err != nil {
			return fmt.Errorf("invalidate trigger cache: %w", err)
		}
	}
	c.logger.Info("trigger definitions imported", zap.Int("count", len(defs)))
	return nil
}
