package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	var server string

	root := &cobra.Command{
		Use:   "alaractl",
		Short: "Operator CLI for the Alara bridge",
		Long:  "alaractl manages user profiles, SaCoLu phases and seeker trigger\ndefinitions through the Alara bridge admin API.",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage: true,
		Version:      version,
	}

	defaultServer := os.Getenv("ALARA_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:3210"
	}
	root.PersistentFlags().StringVar(&server, "server", defaultServer, "Alara bridge base URL (env ALARA_SERVER)")

	client := func() *adminClient { return newAdminClient(server) }
	root.AddCommand(newPhaseCmd(client))
	root.AddCommand(newTriggersCmd(client))
	root.AddCommand(newProfileCmd(client))
	return root
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
