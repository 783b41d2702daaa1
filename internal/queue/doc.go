// Package queue persists pipeline books, status history, scheduled tasks,
// and search results in SQLite.
//
// The Store manages database connections, schema initialization, and short
// per-call transactions. Status transitions go through Transition, which
// writes the status change and its history row atomically; everything else
// uses single-statement writes with busy retries.
package queue
