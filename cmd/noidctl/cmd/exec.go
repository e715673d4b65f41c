package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/opensandbox/pkg/noidclient"
	"github.com/opensandbox/opensandbox/pkg/noidtypes"
)

var execCmd = &cobra.Command{
	Use:   "exec <name> <command> [args...]",
	Short: "Execute a command in a microVM",
	Long: `Execute a command in a running microVM and return the output.
Example: noidctl exec myvm ls -la /workspace`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		name := args[0]
		command := args[1:]

		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.Exec(ctx, name, noidtypes.ExecRequest{Command: command})
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Truncated {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: output truncated")
		}
		if result.TimedOut {
			return fmt.Errorf("command timed out")
		}
		if result.ExitCode != nil && *result.ExitCode != 0 {
			os.Exit(*result.ExitCode)
		}
		return nil
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell <name> <command>",
	Short: "Execute a shell command in a microVM",
	Long: `Execute a shell command (wrapped in /bin/sh -c) in a microVM.
Example: noidctl shell myvm "cd /workspace && ls -la"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		name := args[0]
		command := []string{"/bin/sh", "-c", args[1]}

		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.Exec(ctx, name, noidtypes.ExecRequest{Command: command})
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.ExitCode != nil && *result.ExitCode != 0 {
			os.Exit(*result.ExitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellCmd)

	// Stop parsing flags after the first non-flag arg so that flags meant
	// for the guest command aren't interpreted by cobra.
	execCmd.Flags().SetInterspersed(false)
}
