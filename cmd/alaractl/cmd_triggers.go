package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/spf13/cobra"
)

func newTriggersCmd(client func() *adminClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Manage seeker trigger definitions",
	}
	cmd.AddCommand(newTriggersImportCmd(client), newTriggersListCmd(client))
	return cmd
}

func newTriggersImportCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Validate and upsert trigger definitions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := archetype.LoadDefinitionsFile(args[0])
			if err != nil {
				return err
			}
			var res struct {
				Imported []string `json:"imported"`
			}
			if err := client().post("/api/admin/triggers", defs, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d trigger definitions\n", len(res.Imported))
			for _, id := range res.Imported {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}
}

func newTriggersListCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored trigger definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var defs []archetype.Definition
			if err := client().get("/api/admin/triggers", &defs); err != nil {
				return err
			}
			if len(defs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No trigger definitions stored.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ARCHETYPE\tVERSION\tLOOP\tCEILING\tCOOLDOWN")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%gh\n", d.ArchetypeID, d.Version,
					d.Hebbian.PrimaryLoop, d.Hebbian.LoopCeiling, d.Hebbian.CooldownHours)
			}
			return tw.Flush()
		},
	}
}
