// Package storage persists scheduled jobs and their execution logs.
//
// Backends:
//   - memory: mutex-guarded maps (tests, single process)
//   - sqlite / postgres: one sqlx implementation with goose migrations
//
// Timestamps are stored as unix milliseconds in every SQL dialect so the
// next_fire_at compare-and-swap behaves identically everywhere.
package storage
