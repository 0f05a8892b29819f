package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var labLogCmd = &cobra.Command{
	Use:   "lablog",
	Short: "Manage the lab log held in the database",
}

var labLogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace the lab_log table with lab_log.csv from the reference directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.pipeline.ImportLabLog(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d lab log entries\n", n)
		return nil
	},
}

func init() {
	labLogCmd.AddCommand(labLogImportCmd)
}
