package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Get the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Stream a run's build events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followRun(args[0])
	},
}

var fragmentCmd = &cobra.Command{
	Use:   "fragment [project-id]",
	Short: "Show a project's latest fragment",
	Args:  cobra.ExactArgs(1),
	RunE:  runFragment,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(fragmentCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/runs/" + args[0])
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, raw)
	}

	var run struct {
		ID        string `json:"id"`
		ProjectID string `json:"project_id"`
		Status    string `json:"status"`
		Attempt   int    `json:"attempt"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Run:     %s\n", run.ID)
	fmt.Printf("Project: %s\n", run.ProjectID)
	fmt.Printf("Status:  %s (attempt %d)\n", run.Status, run.Attempt)
	if run.Error != "" {
		fmt.Printf("Error:   %s\n", run.Error)
	}
	return nil
}

func runFragment(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/projects/" + args[0] + "/fragment")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, raw)
	}

	var frag struct {
		Title      string            `json:"title"`
		SandboxURL string            `json:"sandbox_url"`
		Files      map[string]string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&frag); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Title:   %s\n", frag.Title)
	fmt.Printf("Preview: %s\n", frag.SandboxURL)
	fmt.Printf("Files:   %d\n", len(frag.Files))
	for path := range frag.Files {
		fmt.Printf("  %s\n", path)
	}
	return nil
}
