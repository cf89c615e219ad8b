package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/profile"
)

// Memory is an in-process Backend. A single mutex stands in for the
// row locks and transactions of the PostgreSQL store.
type Memory struct {
	mu          sync.Mutex
	profiles    map[string]*profile.UserProfile
	triggers    map[string]archetype.Definition
	loopEvents  []profile.LoopEvent
	transitions []profile.PhaseTransition
	now         func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]*profile.UserProfile),
		triggers: make(map[string]archetype.Definition),
		now:      time.Now,
	}
}

// WithClock replaces the time source used for transaction timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) GetProfile(ctx context.Context, userID string) (*profile.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) CreateProfile(ctx context.Context, p *profile.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.UserID]; ok {
		return profile.ErrExists
	}
	m.profiles[p.UserID] = p.Clone()
	return nil
}

// DeleteProfile removes a profile. Audit records are kept.
func (m *Memory) DeleteProfile(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[userID]; !ok {
		return profile.ErrNotFound
	}
	delete(m.profiles, userID)
	return nil
}

func (m *Memory) UpdateArchetype(ctx context.Context, userID string, a profile.SeekerArchetype) error {
	return m.patch(userID, func(p *profile.UserProfile) {
		window := p.Archetype.EvaluationWindowDays
		p.Archetype = a.Clone()
		p.Archetype.EvaluationWindowDays = window
	})
}

func (m *Memory) SetCooldown(ctx context.Context, userID string, until time.Time, ceiling int) error {
	return m.patch(userID, func(p *profile.UserProfile) {
		p.Hebbian.CooldownUntil = &until
		p.Hebbian.LoopCeiling = ceiling
	})
}

func (m *Memory) SetLoopCeiling(ctx context.Context, userID string, ceiling int) error {
	return m.patch(userID, func(p *profile.UserProfile) {
		p.Hebbian.LoopCeiling = ceiling
	})
}

func (m *Memory) ResetLoop(ctx context.Context, userID string, expired time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok || p.Hebbian.CooldownUntil == nil || !p.Hebbian.CooldownUntil.Equal(expired) {
		return false, nil
	}
	p.Hebbian.LoopCount = 0
	p.Hebbian.CooldownUntil = nil
	return true, nil
}

func (m *Memory) patch(userID string, fn func(p *profile.UserProfile)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return profile.ErrNotFound
	}
	fn(p)
	return nil
}

func (m *Memory) UpdateHebbian(ctx context.Context, userID string, fn profile.HebbianTxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return profile.ErrNotFound
	}
	working := p.Clone()
	now := m.now()
	ev, err := fn(&working.Hebbian, now)
	if err != nil || ev == nil {
		return err
	}
	p.Hebbian = working.Hebbian
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.UserID = userID
	ev.CreatedAt = now
	m.loopEvents = append(m.loopEvents, *ev)
	return nil
}

func (m *Memory) UpdatePhase(ctx context.Context, userID string, fn profile.PhaseTxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return profile.ErrNotFound
	}
	working := p.Clone()
	now := m.now()
	tr, err := fn(&working.Phase, now)
	if err != nil || tr == nil {
		return err
	}
	p.Phase = working.Phase
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	tr.UserID = userID
	tr.CreatedAt = now
	m.transitions = append(m.transitions, *tr)
	return nil
}

func (m *Memory) ListTriggers(ctx context.Context) ([]archetype.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.triggers))
	for id := range m.triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]archetype.Definition, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.triggers[id])
	}
	return out, nil
}

func (m *Memory) GetTrigger(ctx context.Context, id string) (*archetype.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.triggers[id]
	if !ok {
		return nil, archetype.ErrUnknownTrigger
	}
	return &def, nil
}

func (m *Memory) UpsertTrigger(ctx context.Context, def archetype.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[def.ArchetypeID] = def
	return nil
}

// ListLoopEvents returns the most recent reinforcement records for userID,
// newest first.
func (m *Memory) ListLoopEvents(ctx context.Context, userID string, limit int) ([]profile.LoopEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []profile.LoopEvent
	for i := len(m.loopEvents) - 1; i >= 0; i-- {
		if m.loopEvents[i].UserID != userID {
			continue
		}
		out = append(out, m.loopEvents[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListPhaseTransitions returns the most recent phase transitions for userID,
// newest first.
func (m *Memory) ListPhaseTransitions(ctx context.Context, userID string, limit int) ([]profile.PhaseTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []profile.PhaseTransition
	for i := len(m.transitions) - 1; i >= 0; i-- {
		if m.transitions[i].UserID != userID {
			continue
		}
		out = append(out, m.transitions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
