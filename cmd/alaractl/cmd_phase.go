package main

import (
	"fmt"
	"net/url"

	"github.com/nidhogg/alara-bridge/internal/sacolu"
	"github.com/spf13/cobra"
)

func newPhaseCmd(client func() *adminClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Move users between SaCoLu phases",
	}
	cmd.AddCommand(newPhaseSetCmd(client), newPhaseAdvanceCmd(client))
	return cmd
}

func newPhaseSetCmd(client func() *adminClient) *cobra.Command {
	var flags struct {
		user     string
		to       string
		trigger  string
		override bool
		reason   string
	}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Transition a user to a phase",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]interface{}{
				"to_phase":        flags.to,
				"trigger":         flags.trigger,
				"sapien_override": flags.override,
			}
			if flags.reason != "" {
				body["override_reason"] = flags.reason
			}
			var res sacolu.Result
			if err := client().post("/api/admin/users/"+url.PathEscape(flags.user)+"/phase", body, &res); err != nil {
				return err
			}
			printPhaseResult(cmd, flags.user, res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.user, "user", "", "User ID (required)")
	f.StringVar(&flags.to, "to", "", "Target phase (required)")
	f.StringVar(&flags.trigger, "trigger", "operator", "Label recorded with the transition")
	f.BoolVar(&flags.override, "sapien-override", false, "Hand the user to a human moderator")
	f.StringVar(&flags.reason, "reason", "", "Override reason")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newPhaseAdvanceCmd(client func() *adminClient) *cobra.Command {
	var flags struct {
		user    string
		trigger string
	}
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Move a user to the next phase in the progression",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res sacolu.Result
			body := map[string]string{"trigger": flags.trigger}
			if err := client().post("/api/admin/users/"+url.PathEscape(flags.user)+"/phase/advance", body, &res); err != nil {
				return err
			}
			printPhaseResult(cmd, flags.user, res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.user, "user", "", "User ID (required)")
	f.StringVar(&flags.trigger, "trigger", "advance", "Label recorded with the transition")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printPhaseResult(cmd *cobra.Command, user string, res sacolu.Result) {
	out := cmd.OutOrStdout()
	if !res.Changed {
		fmt.Fprintf(out, "%s: phase unchanged\n", user)
		return
	}
	fmt.Fprintf(out, "%s: %s -> %s\n", user, res.From, res.To)
}
