package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <vm-id>",
	Aliases: []string{"rm"},
	Short:   "Tear down a microVM sandbox",
	Args:    cobra.ExactArgs(1),
	RunE:    runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	client, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeleteVM(args[0]); err != nil {
		return err
	}

	fmt.Println(args[0])
	return nil
}
