// Package jsonl provides file-backed implementations of the storage ports.
//
// Every namespace owns one directory:
//
//	<root>/<tenant>/<project>/rag/
//	    chunks.jsonl   chunk log, one JSON record per line
//	    cache.jsonl    embedding cache log, {"t": hash, "v": base64 float32 LE}
//	    index.bin      vector index blob
//	    meta.json      index metadata
//
// Logs are append-only. Rewrites (source removal, status changes, snapshot
// saves) go to a temporary file that is renamed over the original, so a
// crash leaves either the old or the new file, never a torn one.
//
// Malformed lines are skipped and logged; they never abort a read.
package jsonl
