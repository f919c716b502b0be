package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type conversationView struct {
	ConversationID string `json:"conversation_id"`
	History        []struct {
		Role      string    `json:"role"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"history"`
	UpdatedAt time.Time `json:"updated_at"`
}

// conversationCmd represents the conversation command
var conversationCmd = &cobra.Command{
	Use:   "conversation <conversation-id>",
	Short: "Show a conversation's stored history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/conversations/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}

		var rec conversationView
		if err := decodeResponse(resp, &rec); err != nil {
			return err
		}

		if outputJSON {
			printOutput(rec)
			return nil
		}

		fmt.Printf("Conversation %s (%d turns, updated %s)\n",
			rec.ConversationID, len(rec.History), rec.UpdatedAt.Format(time.RFC3339))
		for _, turn := range rec.History {
			fmt.Printf("  [%s] %s: %s\n", turn.Timestamp.Format(time.RFC3339), turn.Role, turn.Content)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conversationCmd)
}
