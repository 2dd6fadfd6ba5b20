// Package cache provides the shared observation cache used by rule executions.
//
// Rules inspect overlapping parts of the same filesystem tree. The cache keeps
// each observation (a stat, a file read, a directory listing) for a fixed TTL so
// a run sees a consistent snapshot and repeated inspections cost a map lookup.
// Concurrent misses on one key are collapsed into a single load, and a Watcher
// can drop observations as soon as the underlying files change.
package cache
