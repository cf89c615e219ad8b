package profile

import "time"

// LoopEvent is the append-only audit record written for each delivered
// reinforcement.
type LoopEvent struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	LoopName             string    `json:"loop_name"`
	LoopIteration        int       `json:"loop_iteration"`
	ReinforcementSignal  string    `json:"reinforcement_signal"`
	TriggeredByArchetype string    `json:"triggered_by_archetype"`
	SessionID            string    `json:"session_id"`
	CreatedAt            time.Time `json:"created_at"`
}

// PhaseTransition is the append-only audit record written for each phase change.
type PhaseTransition struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	FromPhase         string    `json:"from_phase"`
	ToPhase           string    `json:"to_phase"`
	TransitionTrigger string    `json:"transition_trigger"`
	SapienOverride    bool      `json:"sapien_override"`
	OverrideReason    *string   `json:"override_reason"`
	CreatedAt         time.Time `json:"created_at"`
}
