package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/nidhogg/alara-bridge/internal/profile"
	"github.com/spf13/cobra"
)

func newProfileCmd(client func() *adminClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Create and inspect user profiles",
	}
	cmd.AddCommand(newProfileCreateCmd(client), newProfileShowCmd(client))
	return cmd
}

func newProfileCreateCmd(client func() *adminClient) *cobra.Command {
	var flags struct {
		user      string
		phase     string
		signature map[string]string
	}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Seed a new user profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sig, err := parseSignature(flags.signature)
			if err != nil {
				return err
			}
			body := map[string]interface{}{
				"user_id":              flags.user,
				"phase":                flags.phase,
				"behavioral_signature": sig,
			}
			var p profile.UserProfile
			if err := client().post("/api/admin/users", body, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s in phase %s\n", p.UserID, p.Phase.CurrentPhase)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.user, "user", "", "User ID (required)")
	f.StringVar(&flags.phase, "phase", "", "Initial phase (server default when empty)")
	f.StringToStringVar(&flags.signature, "signature", nil, "Behavioral signature traits, e.g. risk_tolerance=0.7")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func parseSignature(raw map[string]string) (map[string]float64, error) {
	sig := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("signature trait %s: %q is not a number", k, v)
		}
		sig[k] = f
	}
	return sig, nil
}

func newProfileShowCmd(client func() *adminClient) *cobra.Command {
	var flags struct {
		user  string
		limit int
	}
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a profile with its recent loop events and phase transitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Profile          profile.UserProfile       `json:"profile"`
				LoopEvents       []profile.LoopEvent       `json:"loop_events"`
				PhaseTransitions []profile.PhaseTransition `json:"phase_transitions"`
			}
			path := fmt.Sprintf("/api/admin/users/%s?limit=%d", url.PathEscape(flags.user), flags.limit)
			if err := client().get(path, &res); err != nil {
				return err
			}

			p := res.Profile
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:      %s\n", p.UserID)
			fmt.Fprintf(out, "Phase:     %s", p.Phase.CurrentPhase)
			if p.Phase.SapienOverride {
				fmt.Fprintf(out, " (sapien override)")
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Archetype: %s (%.2f)\n", orNone(p.Archetype.Primary), p.Archetype.Confidence)
			fmt.Fprintf(out, "Loop:      %s %d/%d", orNone(p.Hebbian.ActiveLoop), p.Hebbian.LoopCount, p.Hebbian.LoopCeiling)
			if p.Hebbian.CooldownUntil != nil {
				fmt.Fprintf(out, " cooldown until %s", p.Hebbian.CooldownUntil.Format("2006-01-02 15:04 MST"))
			}
			fmt.Fprintln(out)
			if len(res.LoopEvents) > 0 {
				fmt.Fprintf(out, "Loop events: (%d)\n", len(res.LoopEvents))
				for _, e := range res.LoopEvents {
					fmt.Fprintf(out, "  %s %s #%d [%s] session %s\n", e.CreatedAt.Format("2006-01-02 15:04"),
						e.LoopName, e.LoopIteration, e.TriggeredByArchetype, e.SessionID)
				}
			}
			if len(res.PhaseTransitions) > 0 {
				fmt.Fprintf(out, "Phase transitions: (%d)\n", len(res.PhaseTransitions))
				for _, t := range res.PhaseTransitions {
					fmt.Fprintf(out, "  %s %s -> %s [%s]\n", t.CreatedAt.Format("2006-01-02 15:04"),
						t.FromPhase, t.ToPhase, t.TransitionTrigger)
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.user, "user", "", "User ID (required)")
	f.IntVar(&flags.limit, "limit", 10, "Audit records to show")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func orNone(s *string) string {
	if s == nil {
		return "none"
	}
	return *s
}
