package main

import (
	"fmt"

	"formnerd-mcp-server/internal/config"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Create a .formnerd/ workspace with a template config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		if err := config.InitWorkspace(root); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s/%s\n", root, config.WorkspaceDirName)
		return nil
	},
}
