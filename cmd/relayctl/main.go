// Command relayctl talks to a running relay server: it sends chat turns and
// prints the decoded answer, inspects conversations and checks the orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	server string
	token  string
	output string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Chat with and inspect a task relay server",
		Long: `relayctl sends chat turns to a task relay server and prints the streamed
answer, lists conversations and their history, and checks the orchestrator.

Quick Start:
  relayctl chat "How did revenue trend last quarter?"
  relayctl conversations
  relayctl history <conversation-id>`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("RELAY_URL", "http://localhost:8080"), "Relay server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("RELAY_TOKEN"), "Bearer token (not needed against a dev-mode server)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "Output format (yaml, json)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCmd(opts),
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newConversationsCmd(opts),
		newHistoryCmd(opts),
		newTokenCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
