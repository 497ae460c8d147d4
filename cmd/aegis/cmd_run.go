package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/aegis/internal/display"
)

var runFlags struct {
	tn      tuning
	jsonOut bool
}

var runCmd = &cobra.Command{
	Use:   "run \"<alert text>\"",
	Short: "Run one alert through the incident workflow",
	Long: `Run triages a single alert synchronously: the alert is parsed, the
three analysis branches fan out in parallel, and the incident is routed
to automated mitigation or human escalation.

Usage:
  aegis run "Payment API experiencing database connection timeouts"
  aegis run --json "Auth Service showing memory leak patterns"

With ANTHROPIC_API_KEY set the analysis is performed by Claude;
otherwise a deterministic offline provider is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	registerTuning(runCmd, &runFlags.tn)
	runCmd.Flags().BoolVar(&runFlags.jsonOut, "json", false, "Print the terminal record as JSON instead of the styled summary")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := runFlags.tn.validate(); err != nil {
		return err
	}

	svc, err := buildService(cmd.ErrOrStderr(), runFlags.tn, 0)
	if err != nil {
		return err
	}

	rec, runErr := svc.Process(cmd.Context(), args[0])
	if rec == nil {
		// rejected before a record existed: empty alert text
		return runErr
	}

	out := cmd.OutOrStdout()
	if runFlags.jsonOut {
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		fmt.Fprint(out, display.Summary(rec))
	}

	// a non-nil run error means the workflow aborted into the failed stage
	if runErr != nil {
		return fmt.Errorf("incident %s failed: %w", rec.ID, runErr)
	}
	return nil
}
