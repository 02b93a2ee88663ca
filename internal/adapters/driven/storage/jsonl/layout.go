package jsonl

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// File names inside a namespace directory.
const (
	ChunksFile = "chunks.jsonl"
	CacheFile  = "cache.jsonl"
	IndexFile  = "index.bin"
	MetaFile   = "meta.json"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	// maxLineBytes bounds a single log line; large embedding vectors
	// encode to a few tens of kilobytes.
	maxLineBytes = 16 << 20
)

// CacheFileFor returns the cache file of an embedding model:
// cache.<model>.jsonl with unsafe characters replaced, or CacheFile when
// model is empty.
func CacheFileFor(model string) string {
	if model == "" {
		return CacheFile
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		}
		return '_'
	}, model)
	return "cache." + safe + ".jsonl"
}

// Layout maps namespaces to directories under Root.
type Layout struct {
	Root string
}

// DefaultRoot returns ~/.kbsearch/data.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".kbsearch", "data"), nil
}

// Dir returns the rag directory of ns.
func (l Layout) Dir(ns domain.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, ns.Tenant, ns.Project, "rag"), nil
}

// Path returns the path of name inside the rag directory of ns.
func (l Layout) Path(ns domain.Namespace, name string) (string, error) {
	dir, err := l.Dir(ns)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// NamespaceOf maps a file inside a rag directory back to its namespace. It reports false for
// paths outside the layout.
func (l Layout) NamespaceOf(path string) (domain.Namespace, bool) {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return domain.Namespace{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 || parts[2] != "rag" {
		return domain.Namespace{}, false
	}
	ns := domain.Namespace{Tenant: parts[0], Project: parts[1]}
	if ns.Validate() != nil {
		return domain.Namespace{}, false
	}
	return ns, true
}

// writeFileAtomic writes data to path through a synced temporary file and
// a rename.
func writeFileAtomic(path string, data []byte) error {
	return rewriteAtomic(path, func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// rewriteAtomic streams a new version of path through fill.
func rewriteAtomic(path string, fill func(w *bufio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true
	return nil
}

// appendLines appends pre-encoded lines to path and syncs.
func appendLines(path string, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending to %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// scanLines calls fn with every non-empty line of path. A missing file has
// no lines.
func scanLines(path string, fn func(lineNo int, line []byte)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(n, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return nil
}
