package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the aegis server configuration. Fields are populated from
// flags and AEGIS_-prefixed environment variables via go-core cfg.
type Config struct {
	// Server lifecycle.
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	// Workflow tuning.
	ConfidenceThreshold float64
	MaxRetries          int
	DeadlineSeconds     int
	HistoryPath         string

	// Integrations. Each one is optional; an empty value disables the
	// component that would use it.
	ClaudeAPIKey    string
	ClaudeModel     string
	LokiEndpoint    string
	LokiTenantID    string
	DatabaseURL     string
	SlackWebhookURL string
}

// RegisterFlags declares every aegis flag on fs, defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to keep serving in-flight requests after the shutdown signal (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "seconds allowed for component shutdown once draining ends (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "TCP port the incident API listens on (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")
	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.80, "minimum root-cause confidence for automated mitigation (0..1]")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "log analysis attempts before the retry budget is exhausted (1..10)")
	fs.IntVar(&c.DeadlineSeconds, "deadline-seconds", 30, "seconds each analysis branch may take before coordination gives up on it (1..300)")
	fs.StringVar(&c.HistoryPath, "history-path", "", "YAML knowledge base of past incidents (empty = built-in)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider (empty = built-in offline provider)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model the analysis branches run on")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint the log-analysis branch queries for evidence (empty = no tools)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "tenant sent as X-Scope-OrgID on Loki queries (empty = single-tenant)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL URL for durable incident records (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook for incident decision notifications (empty = no notifier)")
}

// Validate reports every invalid field in one joined error.
func (c *Config) Validate() error {
	var errs []error

	for _, b := range []struct {
		name   string
		val    int
		lo, hi int
	}{
		{"DRAIN_SECONDS", c.DrainSeconds, 1, 300},
		{"SHUTDOWN_BUDGET_SECONDS", c.ShutdownBudgetSeconds, 1, 300},
		{"HTTP_PORT", c.APIPort, 1, 65535},
		{"MAX_RETRIES", c.MaxRetries, 1, 10},
		{"DEADLINE_SECONDS", c.DeadlineSeconds, 1, 300},
	} {
		if b.val < b.lo || b.val > b.hi {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be %d..%d)", b.name, b.val, b.lo, b.hi))
		}
	}

	// The drain period has to fit inside the shutdown budget.
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must exceed DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// Written so NaN fails too.
	if !(c.ConfidenceThreshold > 0 && c.ConfidenceThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %g (must be in (0..1])", c.ConfidenceThreshold))
	}

	// The model name is required even when the offline provider runs.
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
