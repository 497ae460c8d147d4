package main

import (
	"fmt"
	"os"

	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "AI-assisted incident response and remediation workflows",
	Long: "Aegis triages production alerts by fanning out parallel analysis\n" +
		"branches, routing each incident to automated mitigation or human\n" +
		"escalation, and reporting the outcome.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
	// --version and the version subcommand read the same build info.
	rootCmd.Version = v.Get().Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
