package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trial-criteria version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trial-criteria", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
