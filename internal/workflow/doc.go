// Package workflow provides the business boundary for Aegis's incident
// response system. It defines the Orchestrator (state machine), Dispatcher
// (fan-out), Coordinator (join barrier and atomic merge), the decision rule
// table, the Service (lifecycle, async dispatch), and the collaborator
// interfaces for analysis, history lookup, notification, and persistence.
package workflow
