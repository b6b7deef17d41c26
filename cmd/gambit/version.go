package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gambitlabs/gambit/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gambit version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gambit version %s\n", version.GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
