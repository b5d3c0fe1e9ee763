package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/task-relay/internal/middleware"
	"github.com/capitalize-ai/task-relay/internal/model"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show relay readiness and orchestrator health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts)

			var ready map[string]any
			if err := client.getJSON(cmd.Context(), "/ready", &ready); err != nil {
				return fmt.Errorf("relay not ready: %w", err)
			}
			var orchestrator map[string]any
			if err := client.getJSON(cmd.Context(), "/api/v1/orchestrator/health", &orchestrator); err != nil {
				orchestrator = map[string]any{"error": err.Error()}
			}

			return render(cmd.OutOrStdout(), opts.output, map[string]any{
				"relay":        ready,
				"orchestrator": orchestrator,
			})
		},
	}
}

func newAgentsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents the orchestrator can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents map[string]any
			if err := newAPIClient(opts).getJSON(cmd.Context(), "/api/v1/agents", &agents); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, agents)
		},
	}
}

func newConversationsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp model.ListConversationsResponse
			if err := newAPIClient(opts).getJSON(cmd.Context(), "/api/v1/conversations/", &resp); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, &resp)
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := middleware.ValidateConversationID(args[0]); err != nil {
				return err
			}
			var resp model.ListMessagesResponse
			if err := newAPIClient(opts).getJSON(cmd.Context(), "/api/v1/conversations/"+args[0]+"/messages", &resp); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, &resp)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Long:  `Mint an HS256 bearer token whose subject is the user id, signed with the server's JWT_SECRET.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			token, err := middleware.IssueToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", ""), "Signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
