package main

import (
	"fmt"

	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Args:  cobra.NoArgs,
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, _ []string) {
	vi := v.Get()
	fmt.Fprintf(cmd.OutOrStdout(),
		"aegis %s (commit=%s, commit_date=%s, go=%s, dirty=%v)\n",
		vi.Version, vi.Commit, vi.CommitDate, vi.GoVersion,
		vi.VCSDirty != nil && *vi.VCSDirty,
	)
}
