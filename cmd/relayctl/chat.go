package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/internal/sse"
)

// chatResult is what relayctl prints after a turn.
type chatResult struct {
	ConversationID string          `json:"conversation_id"`
	Transcript     *sse.Transcript `json:"transcript"`
}

func newChatCmd(opts *options) *cobra.Command {
	var (
		conversationID string
		quiet          bool
	)

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one chat turn and print the streamed answer",
		Long: `Send one chat turn. Content is echoed to stdout as it streams in; the
decoded transcript is printed once the stream ends. Without --conversation a
new conversation is started.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts)
			req, err := client.newRequest(cmd.Context(), http.MethodPost, "/api/v1/chat", &model.SendMessageRequest{
				ConversationID: conversationID,
				Message:        strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")

			resp, err := client.do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out := cmd.OutOrStdout()
			transcript, err := sse.Collect(resp.Body, func(event model.StreamEvent) {
				if quiet {
					return
				}
				switch event.Type {
				case model.EventTypeContent:
					fmt.Fprint(out, event.Content)
				case model.EventTypeAgents:
					fmt.Fprintf(cmd.ErrOrStderr(), "[agents: %s]\n", strings.Join(event.Agents, ", "))
				}
			})
			if err != nil {
				return fmt.Errorf("failed to read stream: %w", err)
			}
			if !quiet && transcript.Content != "" {
				fmt.Fprintln(out)
			}

			if err := render(out, opts.output, &chatResult{
				ConversationID: resp.Header.Get("X-Conversation-ID"),
				Transcript:     transcript,
			}); err != nil {
				return err
			}

			if transcript.Error != "" {
				return fmt.Errorf("turn failed: %s", transcript.Error)
			}
			if !transcript.Done {
				return fmt.Errorf("stream ended without a terminator")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation to continue")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the final transcript")
	return cmd
}
