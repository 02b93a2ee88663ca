// Package connectors holds document sources for the ingest command. Each
// connector yields raw documents that are normalised and chunked before
// they reach a chunk store.
package connectors
