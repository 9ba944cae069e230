package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var createFollow bool

var createCmd = &cobra.Command{
	Use:   "create [prompt]",
	Short: "Create a project and start its first build",
	Long: `Create a new project from a natural language prompt. The coding agent
builds the site in a sandbox and attaches a live preview to the conversation.

Example:
  siteloom create "a landing page for a coffee roastery with a menu section"`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().BoolVarP(&createFollow, "follow", "f", false, "Stream build events until the run finishes")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]string{"prompt": args[0]})

	resp, err := http.Post(serverURL+"/api/projects", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: siteloom serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, raw)
	}

	var created struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Project: %s (%s)\n", created.Name, created.ID)
	fmt.Printf("Run:     %s\n", created.RunID)

	if createFollow {
		return followRun(created.RunID)
	}
	fmt.Printf("\nFollow progress with: siteloom logs %s -f\n", created.RunID)
	return nil
}

// followRun streams a run's SSE events to stdout until the run finishes.
func followRun(runID string) error {
	resp, err := http.Get(serverURL + "/api/runs/" + runID + "/events")
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, raw)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "done":
			fmt.Printf("Preview ready: %s\n", event.Data)
			return nil
		case "error":
			fmt.Printf("Build failed: %s\n", event.Data)
			return nil
		default:
			fmt.Println(event.Data)
		}
	}
	return scanner.Err()
}
