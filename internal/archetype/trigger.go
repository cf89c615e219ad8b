package archetype

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidDefinition marks a trigger definition that failed validation.
	ErrInvalidDefinition = errors.New("invalid trigger definition")
	// ErrUnknownTrigger is returned when an archetype id has no definition.
	ErrUnknownTrigger = errors.New("unknown seeker trigger")
)

// Operator is a rule comparison operator.
type Operator string

const (
	OpBetween Operator = "between"
	OpGTE     Operator = "gte"
	OpLTE     Operator = "lte"
	OpGT      Operator = "gt"
	OpLT      Operator = "lt"
	OpEQ      Operator = "eq"
)

// Combinator joins the rules of a condition set.
type Combinator string

const (
	CombineAND Combinator = "AND"
	CombineOR  Combinator = "OR"
)

// Definition is a SeekerTrigger as stored and exchanged: immutable reference
// data describing one archetype.
type Definition struct {
	ArchetypeID     string              `json:"archetype_id" yaml:"archetype_id"`
	DisplayName     string              `json:"display_name" yaml:"display_name"`
	Version         string              `json:"version" yaml:"version"`
	Conditions      Conditions          `json:"trigger_conditions" yaml:"trigger_conditions"`
	Engagement      EngagementModifiers `json:"engagement_modifiers" yaml:"engagement_modifiers"`
	Hebbian         HebbianTargets      `json:"hebbian_targets" yaml:"hebbian_targets"`
	PhaseMapping    map[string]string   `json:"sacolu_phase_mapping,omitempty" yaml:"sacolu_phase_mapping,omitempty"`
	SafetyOverrides map[string]any      `json:"safety_overrides,omitempty" yaml:"safety_overrides,omitempty"`
}

// Conditions is a combinator over an ordered list of rules.
type Conditions struct {
	Operator Combinator `json:"operator" yaml:"operator"`
	Rules    []Rule     `json:"rules" yaml:"rules"`
}

// Rule compares the value at Field against Value.
type Rule struct {
	Field       string   `json:"field" yaml:"field"`
	Operator    Operator `json:"operator" yaml:"operator"`
	Value       Operand  `json:"value" yaml:"value"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// EngagementModifiers are tone and pacing directives forwarded to the AI layer.
// Extensions carries additional numeric or boolean directives.
type EngagementModifiers struct {
	Tone                  string         `json:"tone,omitempty" yaml:"tone,omitempty"`
	Pacing                string         `json:"pacing,omitempty" yaml:"pacing,omitempty"`
	PromptDepth           string         `json:"prompt_depth,omitempty" yaml:"prompt_depth,omitempty"`
	EchoBehavior          string         `json:"echo_behavior,omitempty" yaml:"echo_behavior,omitempty"`
	VocalFrequencyShift   float64        `json:"vocal_frequency_shift,omitempty" yaml:"vocal_frequency_shift,omitempty"`
	SessionSoftCapMinutes *float64       `json:"session_soft_cap_minutes,omitempty" yaml:"session_soft_cap_minutes,omitempty"`
	Extensions            map[string]any `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// HebbianTargets configures the reinforcement loop an archetype drives.
type HebbianTargets struct {
	PrimaryLoop         string  `json:"primary_loop" yaml:"primary_loop"`
	ReinforcementSignal string  `json:"reinforcement_signal" yaml:"reinforcement_signal"`
	LoopCeiling         int     `json:"loop_ceiling" yaml:"loop_ceiling"`
	CooldownHours       float64 `json:"cooldown_hours" yaml:"cooldown_hours"`
	Description         string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// PerfectionismFlagsKey is the safety override holding perfectionism language flags.
const PerfectionismFlagsKey = "perfectionism_language_flags"

// Trigger is a validated Definition with its rules compiled against typed
// field accessors.
type Trigger struct {
	Definition
	conditions compiledConditions
}

// NewTrigger validates def and compiles its conditions.
func NewTrigger(def Definition) (*Trigger, error) {
	if strings.TrimSpace(def.ArchetypeID) == "" {
		return nil, fmt.Errorf("%w: archetype_id is required", ErrInvalidDefinition)
	}
	conds, err := compileConditions(def.Conditions)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.ArchetypeID, err)
	}
	if err := def.Hebbian.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.ArchetypeID, err)
	}
	for k, v := range def.Engagement.Extensions {
		switch v.(type) {
		case int, int64, float64, bool:
		default:
			return nil, fmt.Errorf("%w: %s: engagement extension %q must be numeric or boolean",
				ErrInvalidDefinition, def.ArchetypeID, k)
		}
	}
	return &Trigger{Definition: def, conditions: conds}, nil
}

// MustTrigger is like NewTrigger but panics on an invalid definition.
func MustTrigger(def Definition) *Trigger {
	t, err := NewTrigger(def)
	if err != nil {
		panic(err)
	}
	return t
}

// ID returns the archetype id.
func (t *Trigger) ID() string { return t.ArchetypeID }

// Confidence scores how well subject matches the trigger conditions.
func (t *Trigger) Confidence(s Subject) float64 {
	return t.conditions.confidence(s)
}

// PerfectionismFlags returns the perfectionism language flags from the
// safety overrides, or nil.
func (t *Trigger) PerfectionismFlags() []string {
	raw, ok := t.SafetyOverrides[PerfectionismFlagsKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (h HebbianTargets) validate() error {
	if h.PrimaryLoop == "" {
		return errors.New("hebbian_targets.primary_loop is required")
	}
	if h.LoopCeiling < 1 {
		return fmt.Errorf("hebbian_targets.loop_ceiling must be >= 1, got %d", h.LoopCeiling)
	}
	if h.CooldownHours < 0 {
		return fmt.Errorf("hebbian_targets.cooldown_hours must be >= 0, got %v", h.CooldownHours)
	}
	return nil
}

type operandKind uint8

const (
	operandNone operandKind = iota
	operandNumber
	operandString
	operandRange
)

// Operand is a rule comparison value: a number, a string, or an inclusive
// [low, high] range.
type Operand struct {
	kind      operandKind
	num       float64
	str       string
	low, high float64
}

// Number returns a numeric operand.
func Number(v float64) Operand { return Operand{kind: operandNumber, num: v} }

// String returns a string operand.
func String(s string) Operand { return Operand{kind: operandString, str: s} }

// Range returns a [low, high] operand. low > high denotes a wrapping range.
func Range(low, high float64) Operand { return Operand{kind: operandRange, low: low, high: high} }

func (o Operand) MarshalJSON() ([]byte, error) {
	switch o.kind {
	case operandNumber:
		return json.Marshal(o.num)
	case operandString:
		return json.Marshal(o.str)
	case operandRange:
		return json.Marshal([2]float64{o.low, o.high})
	}
	return []byte("null"), nil
}

func (o *Operand) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*o = Operand{}
	case float64:
		*o = Number(v)
	case string:
		*o = String(v)
	case []any:
		if len(v) != 2 {
			return fmt.Errorf("range operand needs 2 values, got %d", len(v))
		}
		lo, ok1 := v[0].(float64)
		hi, ok2 := v[1].(float64)
		if !ok1 || !ok2 {
			return errors.New("range operand values must be numeric")
		}
		*o = Range(lo, hi)
	default:
		return fmt.Errorf("unsupported operand %s", string(data))
	}
	return nil
}

func (o Operand) MarshalYAML() (any, error) {
	switch o.kind {
	case operandNumber:
		return o.num, nil
	case operandString:
		return o.str, nil
	case operandRange:
		return []float64{o.low, o.high}, nil
	}
	return nil, nil
}

func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int", "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return err
			}
			*o = Number(f)
		case "!!null":
			*o = Operand{}
		case "!!bool":
			return fmt.Errorf("line %d: unsupported operand %s", node.Line, node.Value)
		default:
			*o = String(node.Value)
		}
	case yaml.SequenceNode:
		var vals []float64
		if err := node.Decode(&vals); err != nil {
			return fmt.Errorf("line %d: range operand: %w", node.Line, err)
		}
		if len(vals) != 2 {
			return fmt.Errorf("line %d: range operand needs 2 values, got %d", node.Line, len(vals))
		}
		*o = Range(vals[0], vals[1])
	default:
		return fmt.Errorf("line %d: unsupported operand", node.Line)
	}
	return nil
}
