// Package driven defines the interfaces that core calls OUT to infrastructure.
//
// These are the "driven" or "secondary" ports in hexagonal architecture.
// Core services depend on these interfaces, and infrastructure adapters
// implement them.
//
// # Required Interfaces
//
//   - EmbeddingService: Turns text into vectors (Ollama, OpenAI, hashing)
//   - ChunkStore: Source of truth for chunks (JSONL, SQLite, memory)
//   - EmbeddingLog: Append-only persistence for the embedding cache (file, Redis)
//   - VectorIndexFactory / VectorIndex: ANN structure (HNSW, flat)
//   - SnapshotStore: Persists index blobs and their metadata
//   - ConfigStore: Application configuration
//
// # Optional Interfaces
//
//   - ChangeNotifier: Announces chunk mutations (in-process, fsnotify, NATS).
//     Without one, rebuilds happen only on explicit request.
//
// # Import Rules
//
//   - Can Import: domain package only
//   - Cannot Import: Any adapter package
package driven
