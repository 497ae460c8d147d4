package workflow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// CompleteEvent summarizes one finished workflow for the metrics hooks.
type CompleteEvent struct {
	Stage    incident.Stage
	Route    incident.Route
	Reason   incident.ReasonCode
	Duration float64
}

// Hooks are observability callbacks invoked as the workflow progresses.
// Any field may be nil.
type Hooks struct {
	OnSubmit     func(result string)
	OnBranch     func(branch incident.Branch, status string, seconds float64, attempts int)
	OnCoordinate func(waited float64, timedOut bool)
	OnDecision   func(route incident.Route, reason incident.ReasonCode)
	OnNotify     func(err error)
	OnComplete   func(e *CompleteEvent)
	OnLLMCall    func(inputTokens, outputTokens int, seconds float64)
}

// Metrics holds Prometheus metrics for the workflow subsystem.
type Metrics struct {
	SubmitsTotal         *prometheus.CounterVec
	WorkflowsTotal       *prometheus.CounterVec
	WorkflowDuration     *prometheus.HistogramVec
	BranchDuration       *prometheus.HistogramVec
	LogAnalysisAttempts  prometheus.Histogram
	CoordinationWait     prometheus.Histogram
	CoordinationTimeouts prometheus.Counter
	DecisionsTotal       *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	LLMCallsTotal        prometheus.Counter
	LLMTokensIn          prometheus.Counter
	LLMTokensOut         prometheus.Counter
	LLMDuration          prometheus.Histogram
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_submits_total",
			Help: "Alert submissions by intake result.",
		}, []string{"result"}),
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_workflows_total",
			Help: "Total workflow runs by terminal stage.",
		}, []string{"stage"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // tops out near 4m
		}, []string{"route"}),
		BranchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_branch_duration_seconds",
			Help:    "Duration of analysis branches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // tops out near 51s
		}, []string{"branch", "status"}),
		LogAnalysisAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_log_analysis_attempts",
			Help:    "Attempts used by the log-analysis branch per run.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // one bucket per attempt
		}),
		CoordinationWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_coordination_wait_seconds",
			Help:    "Time spent waiting at the join barrier in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // tops out near 51s
		}),
		CoordinationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_coordination_timeouts_total",
			Help: "Barrier releases forced by the coordination deadline.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_decisions_total",
			Help: "Routing decisions by route and reason code.",
		}, []string{"route", "reason"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_notifications_total",
			Help: "Notification attempts by result.",
		}, []string{"status"}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_llm_calls_total",
			Help: "Calls made to the model provider.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_llm_tokens_input_total",
			Help: "Input tokens sent to the model provider.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_llm_tokens_output_total",
			Help: "Output tokens returned by the model provider.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_llm_call_duration_seconds",
			Help:    "Latency of a single model call in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // tops out near 64s
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.BranchDuration,
		m.LogAnalysisAttempts,
		m.CoordinationWait,
		m.CoordinationTimeouts,
		m.DecisionsTotal,
		m.NotificationsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
	)

	return m
}

// Hooks returns a Hooks that increments the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnBranch: func(branch incident.Branch, status string, seconds float64, attempts int) {
			m.BranchDuration.WithLabelValues(string(branch), status).Observe(seconds)
			if branch == incident.BranchLogAnalysis && attempts > 0 {
				m.LogAnalysisAttempts.Observe(float64(attempts))
			}
		},
		OnCoordinate: func(waited float64, timedOut bool) {
			m.CoordinationWait.Observe(waited)
			if timedOut {
				m.CoordinationTimeouts.Inc()
			}
		},
		OnDecision: func(route incident.Route, reason incident.ReasonCode) {
			m.DecisionsTotal.WithLabelValues(string(route), string(reason)).Inc()
		},
		OnNotify: func(err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.NotificationsTotal.WithLabelValues(status).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.WorkflowsTotal.WithLabelValues(string(e.Stage)).Inc()
			route := string(e.Route)
			if route == "" {
				route = "none"
			}
			m.WorkflowDuration.WithLabelValues(route).Observe(e.Duration)
		},
		OnLLMCall: func(inputTokens, outputTokens int, seconds float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(seconds)
		},
	}
}
