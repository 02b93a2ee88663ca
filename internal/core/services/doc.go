// Package services implements the driving port interfaces.
// Services contain the retrieval logic and orchestrate calls to
// driven ports (adapters).
//
// Components:
//   - EmbeddingCache: content-hash cache in front of the embedding provider
//   - IndexManager: per-namespace ANN snapshots (rebuild, upsert, search)
//   - LexicalSearcher: keyword scoring over the chunk store
//   - Fuse / Diversify: hybrid fusion and MMR re-ranking
//   - RetrievalService: the orchestrator behind the CLI, HTTP and MCP adapters
//   - RebuildScheduler: debounced rebuilds driven by change events
package services
