// Package file provides file-based configuration adapters.
//
// Adapters:
//   - ConfigStore: TOML-based configuration storage (~/.kbsearch/config.toml)
//   - LoadEnv: .env loading ahead of KBSEARCH_* environment overrides
package file
