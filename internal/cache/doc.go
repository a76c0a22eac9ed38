// Package cache implements the versioned Cache Storage used by the offline
// worker: a set of named stores, each mapping a request identity (method +
// origin-relative URL) to a stored response. Two backends are provided: a
// filesystem layout under StoragePath/<name>/ with atomic temp file + rename
// writes, and a single SQLite database. Store names are the worker's cache
// version strings, so deleting every name except the current one is how old
// deployments are garbage-collected.
package cache
