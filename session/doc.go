// Package session keeps conversational sessions: per-thread message
// histories plus free-form state. Stores persist sessions with a version
// number; Save fails with ErrConflict when another writer saved first, and
// Manager retries read-modify-write cycles on such conflicts.
//
// Backends: MemoryStore, SQLiteStore (modernc.org/sqlite) and RedisStore.
package session
