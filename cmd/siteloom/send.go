package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var sendFollow bool

var sendCmd = &cobra.Command{
	Use:   "send [project-id] [message]",
	Short: "Send a follow-up prompt to an existing project",
	Long: `Send another prompt to a project's conversation. The agent builds on
the previous result instead of starting from scratch.

Example:
  siteloom send 2f1b7c6e "make the header sticky and add a dark mode toggle"`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVarP(&sendFollow, "follow", "f", false, "Stream build events until the run finishes")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	projectID, content := args[0], args[1]
	body, _ := json.Marshal(map[string]string{"content": content})

	resp, err := http.Post(serverURL+"/api/projects/"+projectID+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, raw)
	}

	var accepted struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Run: %s\n", accepted.RunID)
	if sendFollow {
		return followRun(accepted.RunID)
	}
	return nil
}
