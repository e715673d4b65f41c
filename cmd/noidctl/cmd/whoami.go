package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/opensandbox/pkg/noidclient"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity of the authenticated tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		who, err := c.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("whoami: %w", err)
		}
		fmt.Printf("user_id: %s\n", who.UserID)
		return nil
	},
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show server capabilities and limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		caps, err := c.Capabilities(ctx)
		if err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
		fmt.Printf("api_version: %d\n", caps.APIVersion)
		fmt.Printf("max_exec_output_bytes: %d\n", caps.MaxExecOutputBytes)
		fmt.Printf("exec_timeout_secs: %d\n", caps.ExecTimeoutSecs)
		fmt.Printf("console_timeout_secs: %d\n", caps.ConsoleTimeoutSecs)
		fmt.Printf("default_cpus: %d\n", caps.DefaultCpus)
		fmt.Printf("default_mem_mib: %d\n", caps.DefaultMemMiB)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(capabilitiesCmd)
}
