package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var dlqLimit int

// dlqCmd represents the dlq command group
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered tasks",
}

type deadLetterView struct {
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	Reason         string    `json:"reason"`
	Attempt        int       `json:"attempt"`
	CreatedAt      time.Time `json:"created_at"`
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", fmt.Sprintf("/v1/dlq?limit=%d", dlqLimit), nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var out struct {
			DeadLetters []deadLetterView `json:"dead_letters"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		if len(out.DeadLetters) == 0 {
			fmt.Println("No dead letters")
			return nil
		}
		for _, dl := range out.DeadLetters {
			fmt.Printf("%s  conv=%s attempt=%d at=%s\n    %s\n",
				dl.TaskID, dl.ConversationID, dl.Attempt, dl.CreatedAt.Format(time.RFC3339), dl.Reason)
		}
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <task-id>",
	Short: "Re-enqueue a dead-lettered task",
	Long: `Re-enqueue a dead-lettered task with a reset attempt counter. The
task keeps its original id and payload.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("POST", "/v1/dlq/"+args[0]+"/replay", nil)
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
			fmt.Printf("Replayed task %s\n", out["task_id"])
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "maximum dead letters to list")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
