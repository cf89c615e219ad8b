package veridian

import (
	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/hebbian"
	"github.com/nidhogg/alara-bridge/internal/profile"
)

// Defaults applied when no trigger supplies an engagement directive.
const (
	DefaultTone         = "neutral"
	DefaultPacing       = "default"
	DefaultPromptDepth  = "standard"
	DefaultEchoBehavior = "default"
)

// Context is the flat enrichment payload handed to the AI layer.
type Context struct {
	SeekerArchetypePrimary    *string `json:"seeker_archetype_primary"`
	SeekerArchetypeConfidence float64 `json:"seeker_archetype_confidence"`
	SeekerArchetypeSecondary  *string `json:"seeker_archetype_secondary"`
	SeekerSecondaryConfidence float64 `json:"seeker_secondary_confidence"`

	SacoluPhase string `json:"sacolu_phase"`

	HebbianActiveLoop          *string `json:"hebbian_active_loop"`
	HebbianLoopCount           int     `json:"hebbian_loop_count"`
	HebbianLoopCeiling         int     `json:"hebbian_loop_ceiling"`
	HebbianCooldownActive      bool    `json:"hebbian_cooldown_active"`
	HebbianReinforcementSignal *string `json:"hebbian_reinforcement_signal"`

	SessionLocalHour       int      `json:"session_local_hour"`
	SessionDurationMinutes float64  `json:"session_duration_minutes"`
	SessionSoftCapMinutes  *float64 `json:"session_soft_cap_minutes"`

	EngagementTone         string `json:"engagement_tone"`
	EngagementPacing       string `json:"engagement_pacing"`
	EngagementPromptDepth  string `json:"engagement_prompt_depth"`
	EngagementEchoBehavior string `json:"engagement_echo_behavior"`

	SafetyPerfectionismFlags []string       `json:"safety_perfectionism_flags"`
	SafetyOverrides          map[string]any `json:"safety_overrides"`
}

// Input gathers everything Build merges.
type Input struct {
	Archetype profile.SeekerArchetype
	Phase     string
	Session   profile.SessionContext
	Trigger   *archetype.Trigger
	Decision  hebbian.Decision
	// OperatorOverride drops the trigger and forces the suppressed
	// reinforcement decision.
	OperatorOverride bool
}

// Build assembles the context. It performs no I/O.
func Build(in Input) Context {
	trigger, decision := in.Trigger, in.Decision
	if in.OperatorOverride {
		trigger, decision = nil, hebbian.Suppressed()
	}

	c := Context{
		SeekerArchetypePrimary:    in.Archetype.Primary,
		SeekerArchetypeConfidence: in.Archetype.Confidence,
		SeekerArchetypeSecondary:  in.Archetype.Secondary,
		SeekerSecondaryConfidence: in.Archetype.SecondaryConfidence,

		SacoluPhase: in.Phase,

		HebbianActiveLoop:     decision.ActiveLoop,
		HebbianLoopCount:      decision.LoopCount,
		HebbianLoopCeiling:    decision.LoopCeiling,
		HebbianCooldownActive: decision.CooldownActive,

		SessionLocalHour:       in.Session.LocalHour,
		SessionDurationMinutes: in.Session.DurationMinutes,

		EngagementTone:         DefaultTone,
		EngagementPacing:       DefaultPacing,
		EngagementPromptDepth:  DefaultPromptDepth,
		EngagementEchoBehavior: DefaultEchoBehavior,

		SafetyPerfectionismFlags: []string{},
		SafetyOverrides:          map[string]any{},
	}
	if trigger == nil {
		return c
	}

	if sig := trigger.Hebbian.ReinforcementSignal; sig != "" {
		c.HebbianReinforcementSignal = &sig
	}
	mod := trigger.Engagement
	if mod.SessionSoftCapMinutes != nil {
		soft := *mod.SessionSoftCapMinutes
		c.SessionSoftCapMinutes = &soft
	}
	c.EngagementTone = orDefault(mod.Tone, DefaultTone)
	c.EngagementPacing = orDefault(mod.Pacing, DefaultPacing)
	c.EngagementPromptDepth = orDefault(mod.PromptDepth, DefaultPromptDepth)
	c.EngagementEchoBehavior = orDefault(mod.EchoBehavior, DefaultEchoBehavior)

	if flags := trigger.PerfectionismFlags(); flags != nil {
		c.SafetyPerfectionismFlags = flags
	}
	for k, v := range trigger.SafetyOverrides {
		c.SafetyOverrides[k] = v
	}
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
