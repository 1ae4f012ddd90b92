// Package storage persists the rule set and the fire history.
//
// Two drivers are available:
//   - "file": the rules JSON document ({"schedules":[...]}) plus an
//     append-only <prefix>.fires.jsonl history
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
//
// Both drivers implement Watcher so a running daemon picks up rule edits
// made by another process (the CLI, a text editor).
package storage
