package archetype

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nidhogg/alara-bridge/internal/profile"
)

// Subject is the data a rule is evaluated against.
type Subject struct {
	User    *profile.UserProfile
	Session *profile.SessionContext
}

// Value is a resolved field value, either numeric or textual.
type Value struct {
	num      float64
	str      string
	isString bool
}

// NumberValue wraps a numeric field value.
func NumberValue(v float64) Value { return Value{num: v} }

// StringValue wraps a textual field value.
func StringValue(s string) Value { return Value{str: s, isString: true} }

// Float returns the numeric reading of v. Strings are parsed as floating
// point; unparsable strings yield ok=false.
func (v Value) Float() (float64, bool) {
	if !v.isString {
		return v.num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// accessor resolves a field against a subject; ok=false means the value is
// missing and the rule cannot match.
type accessor func(s Subject) (Value, bool)

// FieldPath is a validated dot-delimited path rooted at "session" or "user".
type FieldPath struct {
	raw string
	get accessor
}

func (p FieldPath) String() string { return p.raw }

// Resolve returns the value at p for s.
func (p FieldPath) Resolve(s Subject) (Value, bool) {
	if p.get == nil {
		return Value{}, false
	}
	return p.get(s)
}

const (
	rootSession = "session"
	rootUser    = "user"

	signaturePrefix = "user.behavioral_signature."
)

var sessionFields = map[string]accessor{
	"session.session_id": func(s Subject) (Value, bool) {
		if s.Session == nil {
			return Value{}, false
		}
		return StringValue(s.Session.SessionID), true
	},
	"session.user_id": func(s Subject) (Value, bool) {
		if s.Session == nil {
			return Value{}, false
		}
		return StringValue(s.Session.UserID), true
	},
	"session.local_hour": func(s Subject) (Value, bool) {
		if s.Session == nil {
			return Value{}, false
		}
		return NumberValue(float64(s.Session.LocalHour)), true
	},
	"session.duration_minutes": func(s Subject) (Value, bool) {
		if s.Session == nil {
			return Value{}, false
		}
		return NumberValue(s.Session.DurationMinutes), true
	},
}

var userFields = map[string]accessor{
	"user.user_id": func(s Subject) (Value, bool) {
		if s.User == nil {
			return Value{}, false
		}
		return StringValue(s.User.UserID), true
	},
	"user.session_history.late_night_ratio": func(s Subject) (Value, bool) {
		if s.User == nil || s.User.SessionHistory == nil {
			return Value{}, false
		}
		return NumberValue(s.User.SessionHistory.LateNightRatio), true
	},
	"user.session_history.avg_session_length_minutes": func(s Subject) (Value, bool) {
		if s.User == nil || s.User.SessionHistory == nil {
			return Value{}, false
		}
		return NumberValue(s.User.SessionHistory.AvgSessionLengthMinutes), true
	},
	"user.echo_interaction.exploration_breadth": func(s Subject) (Value, bool) {
		if s.User == nil || s.User.EchoInteraction == nil {
			return Value{}, false
		}
		return NumberValue(s.User.EchoInteraction.ExplorationBreadth), true
	},
	"user.hebbian_state.loop_count": func(s Subject) (Value, bool) {
		if s.User == nil {
			return Value{}, false
		}
		return NumberValue(float64(s.User.Hebbian.LoopCount)), true
	},
	"user.hebbian_state.active_loop": func(s Subject) (Value, bool) {
		if s.User == nil || s.User.Hebbian.ActiveLoop == nil {
			return Value{}, false
		}
		return StringValue(*s.User.Hebbian.ActiveLoop), true
	},
	"user.sacolu_phase.current_phase": func(s Subject) (Value, bool) {
		if s.User == nil {
			return Value{}, false
		}
		return StringValue(s.User.Phase.CurrentPhase), true
	},
	"user.seeker_archetype.primary": func(s Subject) (Value, bool) {
		if s.User == nil || s.User.Archetype.Primary == nil {
			return Value{}, false
		}
		return StringValue(*s.User.Archetype.Primary), true
	},
}

// ParseFieldPath validates path against the known session and user fields.
// Behavioral signature traits are open-ended: any
// "user.behavioral_signature.<trait>" path is accepted and resolves to a
// miss when the trait is absent.
func ParseFieldPath(path string) (FieldPath, error) {
	root, _, found := strings.Cut(path, ".")
	if !found {
		return FieldPath{}, fmt.Errorf("field %q: path must have a root and a field", path)
	}
	switch root {
	case rootSession:
		if get, ok := sessionFields[path]; ok {
			return FieldPath{raw: path, get: get}, nil
		}
	case rootUser:
		if get, ok := userFields[path]; ok {
			return FieldPath{raw: path, get: get}, nil
		}
		if trait, ok := strings.CutPrefix(path, signaturePrefix); ok && trait != "" && !strings.Contains(trait, ".") {
			return FieldPath{raw: path, get: signatureTrait(trait)}, nil
		}
	default:
		return FieldPath{}, fmt.Errorf("field %q: root must be %q or %q", path, rootSession, rootUser)
	}
	return FieldPath{}, fmt.Errorf("field %q: unknown field", path)
}

func signatureTrait(trait string) accessor {
	return func(s Subject) (Value, bool) {
		if s.User == nil {
			return Value{}, false
		}
		v, ok := s.User.BehavioralSignature[trait]
		if !ok {
			return Value{}, false
		}
		return NumberValue(v), true
	}
}

// KnownFields lists the fixed field paths, sorted.
func KnownFields() []string {
	out := make([]string, 0, len(sessionFields)+len(userFields)+1)
	for k := range sessionFields {
		out = append(out, k)
	}
	for k := range userFields {
		out = append(out, k)
	}
	out = append(out, signaturePrefix+"<trait>")
	sort.Strings(out)
	return out
}
