// Package filesystem reads local files and directory trees as raw documents.
package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/logger"
	"github.com/custodia-labs/kbsearch/internal/normalisers"
)

// DefaultMaxFileSize bounds the files a sync reads.
const DefaultMaxFileSize = 10 << 20

// Connector walks a file or directory.
type Connector struct {
	root        string
	maxFileSize int64
}

// Option configures a Connector.
type Option func(*Connector)

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(c *Connector) {
		if n > 0 {
			c.maxFileSize = n
		}
	}
}

// New creates a connector rooted at path. A file:// URI is accepted.
func New(path string, opts ...Option) *Connector {
	c := &Connector{root: ResolvePath(path), maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the resolved root path.
func (c *Connector) Root() string {
	return c.root
}

// FullSync emits every visible regular file under the root. The document
// channel closes when the walk ends; at most one error is sent.
func (c *Connector) FullSync(ctx context.Context) (<-chan domain.RawDocument, <-chan error) {
	docs := make(chan domain.RawDocument)
	errs := make(chan error, 1)

	go func() {
		defer close(docs)
		defer close(errs)

		info, err := os.Stat(c.root)
		if err != nil {
			if os.IsNotExist(err) {
				errs <- fmt.Errorf("%w: path does not exist: %s", domain.ErrNotFound, c.root)
				return
			}
			errs <- err
			return
		}

		if !info.IsDir() {
			doc, err := c.read(c.root)
			if err != nil {
				errs <- err
				return
			}
			select {
			case docs <- doc:
			case <-ctx.Done():
				errs <- ctx.Err()
			}
			return
		}

		err = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if path != c.root && isHidden(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if fi, err := d.Info(); err == nil && fi.Size() > c.maxFileSize {
				logger.Debug("Skipping %s: %d bytes exceeds limit", path, fi.Size())
				return nil
			}

			doc, err := c.read(path)
			if err != nil {
				return err
			}
			select {
			case docs <- doc:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return docs, errs
}

func (c *Connector) read(path string) (domain.RawDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RawDocument{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return domain.RawDocument{
		SourceID: filepath.ToSlash(filepath.Clean(path)),
		URI:      path,
		MIMEType: normalisers.DetectMIME(path),
		Content:  data,
	}, nil
}

// ResolvePath converts a file:// URI to a local path. Bare paths pass
// through unchanged.
func ResolvePath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// isHidden reports whether a path element starts with a dot. "." and ".."
// are not hidden.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
