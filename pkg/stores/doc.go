// Package stores persists rule execution history for the adaptive executor.
//
// SQLiteProfileStore implements engine.ProfileStore on top of SQLite
// (modernc.org/sqlite, no cgo). The schema is managed with embedded
// golang-migrate migrations and consists of one append-only table,
// rule_durations, holding one row per rule execution. Rows are only ever
// inserted; Reset and Prune are explicit maintenance operations invoked
// from the CLI, never by the engine itself.
package stores
