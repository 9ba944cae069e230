package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "siteloom",
	Short: "siteloom builds websites from natural language prompts",
	Long: `siteloom runs an autonomous coding agent against sandboxed Next.js
environments. Describe the website you want; the agent writes the code and
serves a live preview.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:7090", "siteloom server URL")
}

func main() {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
