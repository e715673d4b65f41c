package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/opensandbox/pkg/noidclient"
	"github.com/opensandbox/opensandbox/pkg/noidtypes"
)

var vmCmd = &cobra.Command{
	Use:     "vm",
	Aliases: []string{"vms"},
	Short:   "Manage microVMs",
	Long:    `Create, list, inspect, and destroy microVMs.`,
}

var vmCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new microVM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		cpus, _ := cmd.Flags().GetInt("cpus")
		memMiB, _ := cmd.Flags().GetInt("memory")

		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		v, err := c.CreateVM(ctx, noidtypes.CreateVmRequest{Name: args[0], Cpus: cpus, MemMiB: memMiB})
		if err != nil {
			return fmt.Errorf("create vm: %w", err)
		}

		fmt.Printf("✓ VM created: %s\n", v.Name)
		fmt.Printf("  CPUs: %d\n", v.Cpus)
		fmt.Printf("  Memory: %d MiB\n", v.MemMiB)
		fmt.Printf("  State: %s\n", v.State)
		if v.GuestIP != "" {
			fmt.Printf("  Guest IP: %s\n", v.GuestIP)
		}
		return nil
	},
}

var vmListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all microVMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vms, err := c.ListVMs(ctx)
		if err != nil {
			return fmt.Errorf("list vms: %w", err)
		}
		if len(vms) == 0 {
			fmt.Println("No VMs found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCPUS\tMEMORY\tSTATE\tGUEST IP\tCREATED")
		for _, v := range vms {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
				v.Name, v.Cpus, v.MemMiB, v.State, v.GuestIP, v.CreatedAt.Format("15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var vmGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Get microVM details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		v, err := c.GetVM(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get vm: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("VM: %s\n", v.Name)
		fmt.Printf("  CPUs: %d\n", v.Cpus)
		fmt.Printf("  Memory: %d MiB\n", v.MemMiB)
		fmt.Printf("  State: %s\n", v.State)
		if v.GuestIP != "" {
			fmt.Printf("  Guest IP: %s\n", v.GuestIP)
		}
		fmt.Printf("  Created: %s\n", v.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var vmDestroyCmd = &cobra.Command{
	Use:     "destroy <name>",
	Aliases: []string{"rm", "kill"},
	Short:   "Destroy a microVM",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		c := noidclient.New(serverURL, apiToken)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.DestroyVM(ctx, args[0]); err != nil {
			return fmt.Errorf("destroy vm: %w", err)
		}
		fmt.Printf("✓ VM %s destroyed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vmCmd)

	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmGetCmd)
	vmCmd.AddCommand(vmDestroyCmd)

	vmCreateCmd.Flags().Int("cpus", 0, "Number of vCPUs (server default if 0)")
	vmCreateCmd.Flags().Int("memory", 0, "Memory in MiB (server default if 0)")
	vmGetCmd.Flags().Bool("json", false, "Output as JSON")
}
