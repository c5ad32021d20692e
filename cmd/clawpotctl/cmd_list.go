package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List microVM sandboxes",
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	vms, err := client.ListVMs()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tIPV4\tVCPUS\tMEMORY\tCREATED")
	for _, vm := range vms {
		created := time.Unix(vm.CreatedAtUnix, 0).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dMiB\t%s\n", vm.VMID, vm.State, vm.IPv4, vm.VcpuCount, vm.MemSizeMiB, created)
	}
	return w.Flush()
}
