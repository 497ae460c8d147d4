package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/aegis/internal/display"
)

var demoFlags struct {
	tn       tuning
	scenario int
	delay    time.Duration
}

// demoScenarios are the canned alerts. Each exercises a different
// decision route against the offline provider and the embedded
// knowledge base.
var demoScenarios = []struct {
	title string
	alert string
}{
	{"Database timeout", "Payment API experiencing database connection timeouts and high error rates"},
	{"Memory leak", "Auth Service showing memory leak patterns and degraded performance"},
	{"Network issues", "Load balancer reporting uneven traffic distribution and connection failures"},
	{"Unknown service", "Critical system failure in unknown microservice with no clear symptoms"},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run canned incident scenarios against the offline provider",
	Long: `Demo runs deterministic incident scenarios through the full parallel
workflow without external services: no API key, no database.

Usage:
  aegis demo                 # All four scenarios (picker on a terminal)
  aegis demo --scenario 2    # Scenario 2 only
  aegis demo --delay 0       # No simulated provider latency`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	registerTuning(demoCmd, &demoFlags.tn)
	f := demoCmd.Flags()
	f.IntVar(&demoFlags.scenario, "scenario", 0, "Scenario number (default: all, or prompt on a terminal)")
	f.DurationVar(&demoFlags.delay, "delay", 300*time.Millisecond, "Simulated latency per provider call")
}

func runDemo(cmd *cobra.Command, args []string) error {
	if err := demoFlags.tn.validate(); err != nil {
		return err
	}

	selected := demoFlags.scenario
	if selected < 0 || selected > len(demoScenarios) {
		return fmt.Errorf("scenario must be between 1 and %d, got %d", len(demoScenarios), selected)
	}
	if selected == 0 && !cmd.Flags().Changed("scenario") && stdinIsTerminal() {
		n, err := pickScenario(cmd)
		if err != nil {
			return err
		}
		selected = n
	}

	svc, err := buildService(cmd.ErrOrStderr(), demoFlags.tn, demoFlags.delay)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, sc := range demoScenarios {
		n := i + 1
		if selected != 0 && n != selected {
			continue
		}
		fmt.Fprintf(out, "\nScenario %d: %s\n", n, sc.title)
		fmt.Fprintf(out, "Alert: %q\n\n", sc.alert)

		rec, err := svc.Process(cmd.Context(), sc.alert)
		if err != nil {
			return fmt.Errorf("scenario %d: %w", n, err)
		}
		fmt.Fprint(out, display.Summary(rec))
	}
	return nil
}

// pickScenario prompts for a scenario number. An empty answer selects
// all scenarios.
func pickScenario(cmd *cobra.Command) (int, error) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Scenarios:")
	for i, sc := range demoScenarios {
		fmt.Fprintf(out, "  %d. %s\n", i+1, sc.title)
	}
	fmt.Fprintf(out, "Run which scenario? [1-%d, empty for all]: ", len(demoScenarios))

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read selection: %w", err)
	}
	choice := strings.TrimSpace(line)
	if choice == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(demoScenarios) {
		return 0, fmt.Errorf("invalid selection %q", choice)
	}
	return n, nil
}

// stdinIsTerminal reports whether stdin is attached to a terminal, which
// gates the interactive picker.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
