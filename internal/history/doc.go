// Package history records command transitions in SQLite.
//
// Every status change a command goes through is appended to the
// command_log table by the workflow executor. The HTTP API reads the log
// back for inspection, and Prune keeps the table from growing without
// bound on long-lived devices.
package history
