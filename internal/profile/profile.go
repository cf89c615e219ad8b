package profile

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a user profile does not exist.
	ErrNotFound = errors.New("user profile not found")
	// ErrExists is returned when creating a profile whose id is taken.
	ErrExists = errors.New("user profile already exists")
)

// HebbianTxFunc mutates a locked HebbianState inside a store transaction.
// now is the store-assigned transaction time. Returning a nil event leaves
// the state unwritten.
type HebbianTxFunc func(st *HebbianState, now time.Time) (*LoopEvent, error)

// PhaseTxFunc mutates a locked SaCoLuPhase inside a store transaction.
// Returning a nil transition leaves the phase unwritten.
type PhaseTxFunc func(ph *SaCoLuPhase, now time.Time) (*PhaseTransition, error)

// UserProfile is the persisted per-user document. It is only ever mutated
// through partial-field updates or store transactions, never overwritten.
type UserProfile struct {
	UserID              string             `json:"user_id"`
	BehavioralSignature map[string]float64 `json:"behavioral_signature"`
	Hebbian             HebbianState       `json:"hebbian_state"`
	Phase               SaCoLuPhase        `json:"sacolu_phase"`
	Archetype           SeekerArchetype    `json:"seeker_archetype"`
	SessionHistory      *SessionHistory    `json:"session_history,omitempty"`
	EchoInteraction     *EchoInteraction   `json:"echo_interaction,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

// SessionHistory holds optional aggregates over past sessions.
type SessionHistory struct {
	LateNightRatio          float64 `json:"late_night_ratio"`
	AvgSessionLengthMinutes float64 `json:"avg_session_length_minutes"`
}

// EchoInteraction holds optional aggregates over Echo interactions.
type EchoInteraction struct {
	ExplorationBreadth float64 `json:"exploration_breadth"`
}

// HebbianState tracks the reinforcement loop for a user.
type HebbianState struct {
	ActiveLoop          *string        `json:"active_loop"`
	LoopCount           int            `json:"loop_count"`
	LoopCeiling         int            `json:"loop_ceiling"`
	LastReinforcementAt *time.Time     `json:"last_reinforcement_at"`
	CooldownUntil       *time.Time     `json:"cooldown_until"`
	LifetimeLoops       map[string]int `json:"lifetime_loops"`
}

// CooldownActive reports whether a cooldown is still in effect at now.
func (h HebbianState) CooldownActive(now time.Time) bool {
	return h.CooldownUntil != nil && now.Before(*h.CooldownUntil)
}

// SaCoLuPhase is the user's position in the lifecycle progression.
type SaCoLuPhase struct {
	CurrentPhase   string       `json:"current_phase"`
	PhaseEnteredAt time.Time    `json:"phase_entered_at"`
	PhaseHistory   []PhaseVisit `json:"phase_history"`
	SapienOverride bool         `json:"sapien_override_active"`
	OverrideReason *string      `json:"override_reason"`
}

// PhaseVisit is a completed stay in a phase.
type PhaseVisit struct {
	Phase     string    `json:"phase"`
	EnteredAt time.Time `json:"entered_at"`
	ExitedAt  time.Time `json:"exited_at"`
}

// SeekerArchetype is the cached archetype classification.
// Primary and Secondary are nil until the first evaluation.
type SeekerArchetype struct {
	Primary              *string    `json:"primary"`
	Confidence           float64    `json:"confidence"`
	Secondary            *string    `json:"secondary"`
	SecondaryConfidence  float64    `json:"secondary_confidence"`
	LastEvaluatedAt      *time.Time `json:"last_evaluated_at"`
	EvaluationWindowDays int        `json:"evaluation_window_days"`
}

// Fresh reports whether the cached classification is still inside its
// evaluation window at now.
func (a SeekerArchetype) Fresh(now time.Time) bool {
	if a.Primary == nil || a.LastEvaluatedAt == nil {
		return false
	}
	window := time.Duration(a.EvaluationWindowDays) * 24 * time.Hour
	return now.Sub(*a.LastEvaluatedAt) < window
}

// SessionContext is built per request and never persisted.
type SessionContext struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	LocalHour       int       `json:"local_hour"`
	StartedAt       time.Time `json:"started_at"`
	DurationMinutes float64   `json:"duration_minutes"`
}

// New returns a profile in its initial state: idle loop, no classification,
// sitting in initialPhase since now.
func New(userID, initialPhase string, windowDays int, now time.Time) *UserProfile {
	return &UserProfile{
		UserID:              userID,
		BehavioralSignature: map[string]float64{},
		Hebbian: HebbianState{
			LifetimeLoops: map[string]int{},
		},
		Phase: SaCoLuPhase{
			CurrentPhase:   initialPhase,
			PhaseEnteredAt: now,
		},
		Archetype: SeekerArchetype{
			EvaluationWindowDays: windowDays,
		},
		CreatedAt: now,
	}
}

// Clone returns a deep copy of p.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.BehavioralSignature != nil {
		c.BehavioralSignature = make(map[string]float64, len(p.BehavioralSignature))
		for k, v := range p.BehavioralSignature {
			c.BehavioralSignature[k] = v
		}
	}
	if p.SessionHistory != nil {
		sh := *p.SessionHistory
		c.SessionHistory = &sh
	}
	if p.EchoInteraction != nil {
		ei := *p.EchoInteraction
		c.EchoInteraction = &ei
	}
	c.Hebbian = p.Hebbian.Clone()
	c.Phase = p.Phase.Clone()
	c.Archetype = p.Archetype.Clone()
	return &c
}

// Clone returns a deep copy of h.
func (h HebbianState) Clone() HebbianState {
	c := h
	c.ActiveLoop = cloneString(h.ActiveLoop)
	c.LastReinforcementAt = cloneTime(h.LastReinforcementAt)
	c.CooldownUntil = cloneTime(h.CooldownUntil)
	c.LifetimeLoops = make(map[string]int, len(h.LifetimeLoops))
	for k, v := range h.LifetimeLoops {
		c.LifetimeLoops[k] = v
	}
	return c
}

// Clone returns a deep copy of s.
func (s SaCoLuPhase) Clone() SaCoLuPhase {
	c := s
	c.OverrideReason = cloneString(s.OverrideReason)
	if s.PhaseHistory != nil {
		c.PhaseHistory = append([]PhaseVisit(nil), s.PhaseHistory...)
	}
	return c
}

// Clone returns a deep copy of a.
func (a SeekerArchetype) Clone() SeekerArchetype {
	c := a
	c.Primary = cloneString(a.Primary)
	c.Secondary = cloneString(a.Secondary)
	c.LastEvaluatedAt = cloneTime(a.LastEvaluatedAt)
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
