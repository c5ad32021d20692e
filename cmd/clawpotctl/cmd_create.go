package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new microVM sandbox",
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().Int("cpus", 1, "Number of vCPUs")
	createCmd.Flags().Int("memory", 256, "Memory size in MiB")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cpus, _ := cmd.Flags().GetInt("cpus")
	memory, _ := cmd.Flags().GetInt("memory")

	client, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.CreateVM(cpus, memory)
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%s\t%s\n", result.VMID, result.IPv4, result.ControlSocketPath)
	return nil
}
