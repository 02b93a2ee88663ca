// Package vector holds the ANN index backends behind driven.VectorIndex.
//
// Sub-packages:
//   - flat: exact brute-force cosine scan
//   - hnsw: approximate search over an HNSW graph
package vector
