// Package storage persists routined state.
//
// It provides:
//   - the priority document (priority.Persister), one per storage directory
//   - the outcome history log with retention pruning
//   - the single-instance run lock and pid file used by `run` and `stop`
package storage
