// Package runner executes single files and aggregates their outcomes.
//
// The main components are:
//   - Run: drives one runtime for one file, races it against its time budget
//     and normalizes the outcome into a final status
//   - Aggregator: folds finalized executions into counters and the result
//     table, and publishes them both as they happen and in planning order
//   - OrderGate: releases finalized executions in index order
//   - ProgressIndicator: periodic structured progress logging
package runner
