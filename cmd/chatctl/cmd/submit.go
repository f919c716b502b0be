package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitConversation string
	submitText         string
	submitSender       string
	submitPlatform     string
	submitReplyURL     string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a chat event for processing",
	Long: `Submit a chat event to the dispatcher. The event is validated,
enqueued, and processed asynchronously; the returned task id can be used
to correlate the eventual reply.`,
	Example: `  chatctl submit --conversation conv-42 --text "hello there"
  chatctl submit --conversation conv-42 --text "hi" --platform slack --sender U123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitConversation == "" {
			return fmt.Errorf("--conversation is required")
		}
		if submitText == "" {
			return fmt.Errorf("--text is required")
		}

		body := map[string]string{
			"conversation_id": submitConversation,
			"text":            submitText,
		}
		if submitSender != "" {
			body["sender"] = submitSender
		}
		if submitPlatform != "" {
			body["platform"] = submitPlatform
		}
		if submitReplyURL != "" {
			body["reply_url"] = submitReplyURL
		}

		resp, err := makeHTTPRequest("POST", "/v1/events", body)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var out map[string]string
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Queued task %s\n", out["task_id"])
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitConversation, "conversation", "", "conversation id (required)")
	submitCmd.Flags().StringVar(&submitText, "text", "", "message text (required)")
	submitCmd.Flags().StringVar(&submitSender, "sender", "", "sender identifier")
	submitCmd.Flags().StringVar(&submitPlatform, "platform", "", "source platform (slack, telegram, ...)")
	submitCmd.Flags().StringVar(&submitReplyURL, "reply-url", "", "callback URL for the reply")
	rootCmd.AddCommand(submitCmd)
}
