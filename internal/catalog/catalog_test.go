package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/store"
	"go.uber.org/zap"
)

type fakeCache struct {
	defs        []archetype.Definition
	loaded      bool
	loadErr     error
	saves       int
	invalidated int
}

func (c *fakeCache) Load(ctx context.Context) ([]archetype.Definition, bool, error) {
	if c.loadErr != nil {
		return nil, false, c.loadErr
	}
	return c.defs, c.loaded, nil
}

func (c *fakeCache) Save(ctx context.Context, defs []archetype.Definition) error {
	c.defs, c.loaded = defs, true
	c.saves++
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context) error {
	c.defs, c.loaded = nil, false
	c.invalidated++
	return nil
}

func testDefinition(id string) archetype.Definition {
	return archetype.Definition{
		ArchetypeID: id,
		Version:     "1.0",
		Conditions: archetype.Conditions{
			Operator: archetype.CombineAND,
			Rules: []archetype.Rule{
				{Field: "session.local_hour", Operator: archetype.OpGTE, Value: archetype.Number(22)},
			},
		},
		Hebbian: archetype.HebbianTargets{PrimaryLoop: id + "_loop", LoopCeiling: 3, CooldownHours: 1},
	}
}

func TestImportThenTriggers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cache := &fakeCache{}
	c := New(mem, cache, zap.NewNop())

	if err := c.Import(ctx, []archetype.Definition{testDefinition("b"), testDefinition("a")}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if cache.invalidated != 1 {
		t.Errorf("expected cache invalidation, got %d", cache.invalidated)
	}

	triggers, err := c.Triggers(ctx)
	if err != nil {
		t.Fatalf("Triggers: %v", err)
	}
	if len(triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(triggers))
	}
	if cache.saves != 1 {
		t.Errorf("expected the store read to populate the cache, saves=%d", cache.saves)
	}

	// second read is served from the cache
	if _, err := c.Triggers(ctx); err != nil {
		t.Fatalf("Triggers: %v", err)
	}
	if cache.saves != 1 {
		t.Errorf("cache hit should not save again, saves=%d", cache.saves)
	}
}

func TestImportRejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := New(mem, nil, zap.NewNop())

	bad := testDefinition("bad")
	bad.Conditions.Rules = nil
	err := c.Import(ctx, []archetype.Definition{testDefinition("good"), bad})
	if !errors.Is(err, archetype.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	defs, _ := mem.ListTriggers(ctx)
	if len(defs) != 0 {
		t.Fatalf("invalid batch partially written: %d definitions", len(defs))
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.UpsertTrigger(ctx, testDefinition("a")); err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}

	t.Run("store", func(t *testing.T) {
		c := New(mem, nil, zap.NewNop())
		tr, ok, err := c.Lookup(ctx, "a")
		if err != nil || !ok || tr.ID() != "a" {
			t.Fatalf("Lookup(a) = %v, %v, %v", tr, ok, err)
		}
		if _, ok, err := c.Lookup(ctx, "missing"); ok || err != nil {
			t.Fatalf("Lookup(missing) = %v, %v", ok, err)
		}
	})

	t.Run("cache hit without the id", func(t *testing.T) {
		cache := &fakeCache{defs: []archetype.Definition{testDefinition("other")}, loaded: true}
		c := New(mem, cache, zap.NewNop())
		if _, ok, err := c.Lookup(ctx, "a"); ok || err != nil {
			t.Fatalf("Lookup(a) = %v, %v; cached set is authoritative", ok, err)
		}
	})

	t.Run("cache failure falls back to store", func(t *testing.T) {
		cache := &fakeCache{loadErr: errors.New("redis down")}
		c := New(mem, cache, zap.NewNop())
		tr, ok, err := c.Lookup(ctx, "a")
		if err != nil || !ok || tr.ID() != "a" {
			t.Fatalf("Lookup(a) = %v, %v, %v", tr, ok, err)
		}
	})
}

func TestTriggersSkipsInvalidStoredDefinitions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	bad := testDefinition("bad")
	bad.Hebbian.LoopCeiling = 0
	_ = mem.UpsertTrigger(ctx, bad)
	_ = mem.UpsertTrigger(ctx, testDefinition("good"))

	triggers, err := New(mem, nil, zap.NewNop()).Triggers(ctx)
	if err != nil {
		t.Fatalf("Triggers: %v", err)
	}
	if len(triggers) != 1 || triggers[0].ID() != "good" {
		t.Fatalf("expected only the valid trigger, got %d", len(triggers))
	}
}
