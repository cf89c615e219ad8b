package hebbian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/profile"
	"go.uber.org/zap"
)

// State is the position of a user's loop in the reinforcement cycle.
type State string

const (
	StateIdle           State = "idle"
	StateAccumulating   State = "accumulating"
	StateCeilingReached State = "ceiling_reached"
	StateCooldown       State = "cooldown"
)

// Store is the storage surface the machine needs.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*profile.UserProfile, error)
	SetCooldown(ctx context.Context, userID string, until time.Time, ceiling int) error
	SetLoopCeiling(ctx context.Context, userID string, ceiling int) error
	ResetLoop(ctx context.Context, userID string, expired time.Time) (bool, error)
	UpdateHebbian(ctx context.Context, userID string, fn profile.HebbianTxFunc) error
}

// maxResetAttempts bounds how often Check reloads a state whose expired
// cooldown was changed by a concurrent request.
const maxResetAttempts = 3

// Decision is the outcome of Check.
type Decision struct {
	Allowed        bool    `json:"reinforcement_allowed"`
	ActiveLoop     *string `json:"active_loop"`
	LoopCount      int     `json:"loop_count"`
	LoopCeiling    int     `json:"loop_ceiling"`
	CooldownActive bool    `json:"cooldown_active"`
	State          State   `json:"state"`
}

// Idle is the decision returned when no trigger applies.
func Idle() Decision {
	return Decision{State: StateIdle}
}

// Suppressed is the decision forced while an operator holds control:
// reinforcement denied, cooldown reported, counters hidden.
func Suppressed() Decision {
	return Decision{CooldownActive: true, State: StateCooldown}
}

// Machine enforces loop ceilings and cooldowns.
type Machine struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Machine over store.
func New(store Store, logger *zap.Logger) *Machine {
	return &Machine{store: store, now: time.Now, logger: logger}
}

// WithClock replaces the machine's time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Check decides whether the next response may deliver reinforcement for
// trigger. Reaching the ceiling starts a cooldown; the first check after a
// cooldown lapses restarts the count.
func (m *Machine) Check(ctx context.Context, user *profile.UserProfile, trigger *archetype.Trigger) (Decision, error) {
	if trigger == nil {
		return Idle(), nil
	}
	targets := trigger.Hebbian
	loop := targets.PrimaryLoop
	now := m.now()

	st, err := m.restartLapsed(ctx, user.UserID, user.Hebbian, now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		ActiveLoop:  &loop,
		LoopCount:   st.LoopCount,
		LoopCeiling: targets.LoopCeiling,
	}

	if st.CooldownActive(now) {
		d.CooldownActive = true
		d.State = StateCooldown
		return d, nil
	}

	if d.LoopCount >= targets.LoopCeiling {
		until := now.Add(cooldownDuration(targets.CooldownHours))
		if err := m.store.SetCooldown(ctx, user.UserID, until, targets.LoopCeiling); err != nil {
			return Decision{}, fmt.Errorf("start cooldown for %s: %w", user.UserID, err)
		}
		m.logger.Info("loop ceiling reached, cooldown started",
			zap.String("user", user.UserID),
			zap.String("loop", loop),
			zap.Int("count", d.LoopCount),
			zap.Time("until", until))
		d.CooldownActive = true
		d.State = StateCeilingReached
		return d, nil
	}

	if st.LoopCeiling != targets.LoopCeiling {
		if err := m.store.SetLoopCeiling(ctx, user.UserID, targets.LoopCeiling); err != nil {
			return Decision{}, fmt.Errorf("record loop ceiling for %s: %w", user.UserID, err)
		}
	}

	d.Allowed = true
	d.State = StateAccumulating
	return d, nil
}

// restartLapsed zeroes the loop when st holds a cooldown that has ended.
// The reset only applies while the stored cooldown is still the one in st;
// otherwise another request got there first and the stored state is
// reloaded and returned instead.
func (m *Machine) restartLapsed(ctx context.Context, userID string, st profile.HebbianState, now time.Time) (profile.HebbianState, error) {
	for attempt := 0; st.CooldownUntil != nil && !st.CooldownActive(now); attempt++ {
		if attempt == maxResetAttempts {
			return st, fmt.Errorf("reset loop for %s: cooldown changed %d times", userID, attempt)
		}
		applied, err := m.store.ResetLoop(ctx, userID, *st.CooldownUntil)
		if err != nil {
			return st, fmt.Errorf("reset loop for %s: %w", userID, err)
		}
		if applied {
			m.logger.Info("cooldown lapsed, loop restarted", zap.String("user", userID))
			st.LoopCount = 0
			st.CooldownUntil = nil
			return st, nil
		}
		fresh, err := m.store.GetProfile(ctx, userID)
		if err != nil {
			return st, fmt.Errorf("reload hebbian state for %s: %w", userID, err)
		}
		st = fresh.Hebbian
	}
	return st, nil
}

// Commit records one delivered reinforcement for trigger. It runs as a single
// store transaction and appends a loop event. A user that no longer exists is
// ignored.
func (m *Machine) Commit(ctx context.Context, userID, sessionID string, trigger *archetype.Trigger) (*profile.LoopEvent, error) {
	if trigger == nil {
		return nil, nil
	}
	targets := trigger.Hebbian
	var written *profile.LoopEvent

	err := m.store.UpdateHebbian(ctx, userID, func(st *profile.HebbianState, now time.Time) (*profile.LoopEvent, error) {
		loop := targets.PrimaryLoop
		st.LoopCount++
		st.ActiveLoop = &loop
		st.LastReinforcementAt = &now
		st.LoopCeiling = targets.LoopCeiling
		if st.LifetimeLoops == nil {
			st.LifetimeLoops = map[string]int{}
		}
		st.LifetimeLoops[loop]++
		if st.LoopCount > targets.LoopCeiling && !st.CooldownActive(now) {
			until := now.Add(cooldownDuration(targets.CooldownHours))
			st.CooldownUntil = &until
		}

		written = &profile.LoopEvent{
			LoopName:             loop,
			LoopIteration:        st.LoopCount,
			ReinforcementSignal:  targets.ReinforcementSignal,
			TriggeredByArchetype: trigger.ArchetypeID,
			SessionID:            sessionID,
		}
		return written, nil
	})
	if errors.Is(err, profile.ErrNotFound) {
		m.logger.Debug("reinforcement commit for missing user ignored", zap.String("user", userID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit reinforcement for %s: %w", userID, err)
	}

	m.logger.Info("loop reinforced",
		zap.String("user", userID),
		zap.String("loop", written.LoopName),
		zap.Int("iteration", written.LoopIteration))
	return written, nil
}

func cooldownDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
