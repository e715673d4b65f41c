package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
)

var rootCmd = &cobra.Command{
	Use:   "noidctl",
	Short: "noidctl is a command-line tool for managing noid microVMs",
	Long: `noidctl is the tenant-facing command-line front-end for noid.

It creates, inspects, and destroys microVMs, executes commands inside
them, manages checkpoints, and attaches interactive serial consoles.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", getEnvOrDefault("NOID_URL", "http://localhost:8080"), "noid API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("NOID_API_TOKEN"), "noid bearer token")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkToken() error {
	if apiToken == "" {
		return fmt.Errorf("a bearer token is required: set NOID_API_TOKEN or use --token")
	}
	return nil
}
