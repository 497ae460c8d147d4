// Package incident defines the data model for one incident: the record
// mutated through the coordinator's merge step, the stage state machine,
// branch names and payloads, and branch-level error descriptors.
package incident
