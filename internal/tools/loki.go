package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

const (
	defaultLimit    = 100
	maxLimit        = 500
	defaultLookback = 1 * time.Hour
	maxRange        = 6 * time.Hour

	maxResponseBytes = 5 << 20

	successStatus = "success"
)

// LokiQuery queries Loki for log entries matching a LogQL expression. It
// is the evidence source for the log-analysis branch.
type LokiQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewLokiQuery creates a Loki query tool for the given endpoint. tenantID
// may be empty for single-tenant installations.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type lokiInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// queryWindow is a validated query: parsed bounds, clamped limit.
type queryWindow struct {
	query      string
	start, end time.Time
	limit      int
}

type logLine struct {
	Timestamp string            `json:"time"`
	Line      string            `json:"text"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// Name returns the tool name the model calls it by.
func (l *LokiQuery) Name() string { return "query_logs" }

// Description tells the model what the tool does and how to query well.
func (l *LokiQuery) Description() string {
	return `Query Loki for log entries using LogQL. Use this to inspect the logs of the
service named in the incident around the time the alert fired: errors, timeouts,
restarts, crashes, and anything else unusual.

Label selectors pick the streams: {service_name="payment-api"}, {job="systemd-journal"}.
Line filters narrow them down: {service_name="payment-api"} |= "error", or |~ "timeout|refused".
Results come back newest first; limit caps the number of lines (default 100, max 500).
A single query spans at most 6 hours, so cover longer periods with several queries
over adjacent windows.

Exact-match filters (|=) are much faster than regex (|~). Keep regex alternations
specific; short common substrings match too broadly and time out.`
}

// Parameters returns the JSON schema for the query input.
func (l *LokiQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "LogQL expression, e.g. {service_name=\"payment-api\"} |= \"timeout\""
			},
			"start": {
				"type": "string",
				"description": "RFC3339 start of the window. Defaults to one hour before end."
			},
			"end": {
				"type": "string",
				"description": "RFC3339 end of the window. Defaults to now."
			},
			"limit": {
				"type": "integer",
				"description": "Line cap per query. Default 100, max 500."
			}
		},
		"required": ["query"]
	}`)
}

// buildWindow validates the model-supplied params. Malformed timestamps
// are an error so the model can correct them instead of silently getting
// a different window.
func buildWindow(params json.RawMessage) (queryWindow, error) {
	var in lokiInput
	if err := json.Unmarshal(params, &in); err != nil {
		return queryWindow{}, fmt.Errorf("invalid params: %w", err)
	}
	if in.Query == "" {
		return queryWindow{}, errors.New("query is required")
	}

	w := queryWindow{query: in.Query, limit: in.Limit}
	switch {
	case w.limit < 1:
		w.limit = defaultLimit
	case w.limit > maxLimit:
		w.limit = maxLimit
	}

	var err error
	if w.end, err = timeOrDefault(in.End, time.Now().UTC()); err != nil {
		return queryWindow{}, fmt.Errorf("invalid end time: %w", err)
	}
	if w.start, err = timeOrDefault(in.Start, w.end.Add(-defaultLookback)); err != nil {
		return queryWindow{}, fmt.Errorf("invalid start time: %w", err)
	}
	if w.end.Sub(w.start) > maxRange {
		w.start = w.end.Add(-maxRange)
	}
	return w, nil
}

func timeOrDefault(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, s)
}

// queryURL assembles the query_range URL for a validated window.
func (l *LokiQuery) queryURL(w queryWindow) (string, error) {
	u, err := url.Parse(l.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")
	u.RawQuery = url.Values{
		"query":     {w.query},
		"start":     {w.start.Format(time.RFC3339Nano)},
		"end":       {w.end.Format(time.RFC3339Nano)},
		"limit":     {strconv.Itoa(w.limit)},
		"direction": {"backward"},
	}.Encode()
	return u.String(), nil
}

// Execute runs the range query and returns flattened log lines.
func (l *LokiQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	w, err := buildWindow(params)
	if err != nil {
		return nil, err
	}

	target, err := l.queryURL(w)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req) //nolint:gosec // G704: the endpoint is operator config; model-supplied params are query-encoded above
	if err != nil {
		return nil, fmt.Errorf("query loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read loki response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, body)
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		// Unexpected shape; let the model see the raw payload.
		return body, nil
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki error: %s", body)
	}

	lines := flatten(lr.Data.Result, w.limit)
	return json.Marshal(map[string]any{
		"streams":   len(lr.Data.Result),
		"returned":  len(lines),
		"truncated": len(lines) == w.limit,
		"lines":     lines,
	})
}

// flatten merges the streams into one line list, tagging the first kept
// line of each stream with the stream labels.
func flatten(streams []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)
	for _, s := range streams {
		labels := s.Stream
		for _, v := range s.Values {
			if len(v) < 2 {
				continue
			}
			lines = append(lines, logLine{Timestamp: v[0], Line: v[1], Labels: labels})
			labels = nil
			if len(lines) == limit {
				return lines
			}
		}
	}
	return lines
}
