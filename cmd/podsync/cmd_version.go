package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/yairfalse/podsync/providers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of podsync",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "podsync version %s\n", rootCmd.Version)
		_, _ = fmt.Fprintf(out, "  go:        %s\n", runtime.Version())
		_, _ = fmt.Fprintf(out, "  providers: %v\n", providers.Names())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
