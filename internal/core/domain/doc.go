// Package domain defines the core retrieval entities for kbsearch.
//
// This package is part of the hexagonal architecture's innermost layer.
// It has NO external dependencies and defines the fundamental types:
//
//   - Chunk: An immutable, searchable span of a source document
//   - Namespace: The tenant/project pair that partitions every store
//   - SearchCandidate: A scored hit flowing through fusion and MMR
//   - IndexMeta: The persisted description of an ANN snapshot
//
// # Architectural Position
//
// Domain is at the centre of the hexagon. It may only import
// the Go standard library. All other packages depend on domain,
// never the reverse.
//
// # Import Rules
//
//   - Can Import: Standard library only
//   - Cannot Import: Any internal/ package, any external dependency
package domain
