package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/opensandbox/pkg/noidclient"
	"github.com/opensandbox/opensandbox/pkg/noidtypes"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Manage VM checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Checkpoint a running microVM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		label, _ := cmd.Flags().GetString("label")

		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		cp, err := c.Checkpoint(ctx, args[0], noidtypes.CheckpointRequest{Label: label})
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Printf("✓ Checkpoint created: %s\n", cp.ID)
		if cp.Label != "" {
			fmt.Printf("  Label: %s\n", cp.Label)
		}
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:     "list <name>",
	Aliases: []string{"ls"},
	Short:   "List checkpoints for a microVM",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cps, err := c.ListCheckpoints(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		if len(cps) == 0 {
			fmt.Println("No checkpoints found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tCREATED")
		for _, cp := range cps {
			fmt.Fprintf(w, "%s\t%s\t%s\n", cp.ID, cp.Label, cp.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name> <checkpoint-id>",
	Short: "Restore a microVM from a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		newName, _ := cmd.Flags().GetString("new-name")

		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		v, err := c.Restore(ctx, args[0], noidtypes.RestoreRequest{CheckpointID: args[1], NewName: newName})
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("✓ VM restored: %s\n", v.Name)
		fmt.Printf("  State: %s\n", v.State)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(restoreCmd)

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)

	checkpointCreateCmd.Flags().String("label", "", "Checkpoint label")
	restoreCmd.Flags().String("new-name", "", "Restore into a new VM name instead of overwriting")
}
