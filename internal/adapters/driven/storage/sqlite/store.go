package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/sqlite/migrations"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// DBFile is the database file name inside the data directory.
const DBFile = "chunks.db"

// Store is a SQLite-based storage that provides the chunk store and the
// embedding cache log through wrapper types.
type Store struct {
	db   *sql.DB
	path string
	hub  *changefeed.Hub
}

// NewStore creates a new SQLite store at the specified data directory.
// If dataDir is empty, defaults to ~/.kbsearch/data/chunks.db.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".kbsearch", "data")
	}

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:   db,
		path: dbPath,
		hub:  changefeed.NewHub(),
	}

	// Run migrations
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ChunkStore returns the chunk store backed by this database.
func (s *Store) ChunkStore() *ChunkStore {
	return &ChunkStore{store: s}
}

// EmbeddingLog returns the embedding cache log for vectors of no named model.
func (s *Store) EmbeddingLog() driven.EmbeddingLog {
	return s.EmbeddingLogFor("")
}

// EmbeddingLogFor returns the embedding cache log holding vectors of model.
func (s *Store) EmbeddingLogFor(model string) driven.EmbeddingLog {
	return &embeddingLog{store: s, model: model}
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys embed.FS) error {
	// Ensure schema_migrations table exists
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// Extract version number (e.g., "001_chunks.up.sql" -> 1)
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue // Skip files that don't match pattern
		}

		if version <= currentVersion {
			continue // Already applied
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		logger.Debug("sqlite: applied migration %s", name)
	}

	return nil
}

// ==================== Chunk Store ====================

// ChunkStore implements driven.ChunkStore and driven.ChangeNotifier.
type ChunkStore struct {
	store *Store
}

var (
	_ driven.ChunkStore     = (*ChunkStore)(nil)
	_ driven.ChangeNotifier = (*ChunkStore)(nil)
)

const chunkColumns = `id, source_id, text, start_offset, end_offset, title, headings, status, created_at`

// Subscribe registers fn for changes made through this store.
func (s *ChunkStore) Subscribe(ns domain.Namespace, fn func(domain.ChangeEvent)) (func(), error) {
	return s.store.hub.Subscribe(ns, fn)
}

// Append stores chunks. Chunks whose ID already exists are ignored.
func (s *ChunkStore) Append(ctx context.Context, ns domain.Namespace, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("chunk %q: %w", c.ID, err)
		}
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (namespace, `+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	var added []string
	for _, c := range chunks {
		headingsJSON, err := json.Marshal(c.Headings)
		if err != nil {
			return fmt.Errorf("marshalling headings: %w", err)
		}
		res, err := stmt.ExecContext(ctx, ns.Key(), c.ID, c.SourceID, c.Text,
			c.StartOffset, c.EndOffset, c.Title, string(headingsJSON), string(c.Status), nullTime(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("saving chunk: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added = append(added, c.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if len(added) > 0 {
		s.store.hub.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeAdded, ChunkIDs: added})
	}
	return nil
}

// Chunks returns retrievable chunks in insertion order.
func (s *ChunkStore) Chunks(ctx context.Context, ns domain.Namespace) ([]domain.Chunk, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks WHERE namespace = ? AND (status = '' OR status = ?)
		ORDER BY seq
	`, ns.Key(), string(domain.ChunkStatusApproved))
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk //nolint:prealloc // size unknown from query
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	return chunks, nil
}

// Get retrieves a chunk by ID.
func (s *ChunkStore) Get(ctx context.Context, ns domain.Namespace, id string) (*domain.Chunk, error) {
	row := s.store.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks WHERE namespace = ? AND id = ?
	`, ns.Key(), id)

	return scanChunk(row)
}

// SetStatus changes the moderation state of a chunk.
func (s *ChunkStore) SetStatus(ctx context.Context, ns domain.Namespace, id string, status domain.ChunkStatus) error {
	var sourceID string
	err := s.store.db.QueryRowContext(ctx, `
		UPDATE chunks SET status = ? WHERE namespace = ? AND id = ?
		RETURNING source_id
	`, string(status), ns.Key(), id).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("updating chunk status: %w", err)
	}

	kind := domain.ChangeUpdated
	switch status {
	case domain.ChunkStatusApproved:
		kind = domain.ChangeApproved
	case domain.ChunkStatusRejected:
		kind = domain.ChangeRejected
	}
	s.store.hub.Publish(domain.ChangeEvent{Namespace: ns, Kind: kind, SourceID: sourceID, ChunkIDs: []string{id}})
	return nil
}

// RemoveSource deletes every chunk of sourceID.
func (s *ChunkStore) RemoveSource(ctx context.Context, ns domain.Namespace, sourceID string) (int, error) {
	res, err := s.store.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE namespace = ? AND source_id = ?", ns.Key(), sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted chunks: %w", err)
	}
	if n > 0 {
		s.store.hub.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeRemoved, SourceID: sourceID})
	}
	return int(n), nil
}

// Count returns the number of stored chunks, retrievable or not.
func (s *ChunkStore) Count(ctx context.Context, ns domain.Namespace) (int, error) {
	var n int
	if err := s.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE namespace = ?", ns.Key()).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// ==================== Embedding Log ====================

// embeddingLog implements driven.EmbeddingLog.
type embeddingLog struct {
	store *Store
	model string
}

var _ driven.EmbeddingLog = (*embeddingLog)(nil)

// Append inserts entries in one transaction.
func (l *embeddingLog) Append(ctx context.Context, ns domain.Namespace, entries []domain.EmbeddingCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO embedding_cache (namespace, model, hash, vector) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, ns.Key(), l.model, e.Hash, float32SliceToBytes(e.Vector)); err != nil {
			return fmt.Errorf("saving cache entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Replay streams entries in insertion order.
func (l *embeddingLog) Replay(ctx context.Context, ns domain.Namespace, fn func(domain.EmbeddingCacheEntry)) (int, error) {
	rows, err := l.store.db.QueryContext(ctx,
		"SELECT hash, vector FROM embedding_cache WHERE namespace = ? AND model = ? ORDER BY seq", ns.Key(), l.model)
	if err != nil {
		return 0, fmt.Errorf("querying embedding cache: %w", err)
	}
	defer rows.Close()

	skipped := 0
	for rows.Next() {
		var hash string
		var blob []byte
		if err := rows.Scan(&hash, &blob); err != nil {
			return skipped, fmt.Errorf("scanning cache entry: %w", err)
		}
		if hash == "" || len(blob) == 0 || len(blob)%4 != 0 {
			skipped++
			continue
		}
		fn(domain.EmbeddingCacheEntry{Hash: hash, Vector: bytesToFloat32Slice(blob)})
	}
	if err := rows.Err(); err != nil {
		return skipped, fmt.Errorf("iterating embedding cache: %w", err)
	}
	return skipped, nil
}

// ==================== Helpers ====================

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*domain.Chunk, error) {
	var chunk domain.Chunk
	var headingsJSON, status string
	var createdAt sql.NullTime
	if err := row.Scan(&chunk.ID, &chunk.SourceID, &chunk.Text, &chunk.StartOffset, &chunk.EndOffset,
		&chunk.Title, &headingsJSON, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning chunk: %w", err)
	}
	if headingsJSON != "" && headingsJSON != "null" {
		if err := json.Unmarshal([]byte(headingsJSON), &chunk.Headings); err != nil {
			return nil, fmt.Errorf("%w: chunk %s headings: %w", domain.ErrCorruptRecord, chunk.ID, err)
		}
	}
	chunk.Status = domain.ChunkStatus(status)
	if createdAt.Valid {
		chunk.CreatedAt = createdAt.Time
	}
	return &chunk, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	floats := make([]float32, len(buf)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return floats
}
