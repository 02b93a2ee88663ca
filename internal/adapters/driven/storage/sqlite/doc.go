// Package sqlite provides a SQLite-based implementation of the chunk store
// and the embedding cache log.
//
// This adapter uses modernc.org/sqlite, a pure Go SQLite implementation that requires
// no CGO, enabling easy cross-compilation. One database file serves every
// namespace; rows carry the "tenant:project" key.
//
//   - ChunkStore: chunk persistence and in-process change notifications
//   - EmbeddingLog: embedding cache entries, replayed in insertion order
//
// # Schema
//
// The database schema is managed through versioned migrations stored in the
// migrations/ directory. Each migration is a pair of .up.sql and .down.sql files.
//
// # Data Location
//
// By default, the database is stored at ~/.kbsearch/data/chunks.db
//
// # Thread Safety
//
// All operations are thread-safe. The store uses database-level locking provided
// by SQLite in WAL mode.
package sqlite
