// Package flat provides an exact vector index that scans every point.
package flat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Ensure Index and Factory implement the interfaces.
var (
	_ driven.VectorIndex        = (*Index)(nil)
	_ driven.VectorIndexFactory = Factory{}
)

// Name identifies the backend in snapshot metadata.
const Name = "flat"

var magic = [8]byte{'K', 'B', 'F', 'L', 'A', 'T', '0', '1'}

// Index stores vectors densely by slot and answers queries exactly.
type Index struct {
	mu        sync.RWMutex
	dimension int
	vectors   [][]float32
	norms     []float64
}

// New creates an empty index.
func New(dim, capacity int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("flat: dimension must be positive: %w", domain.ErrInvalidInput)
	}
	return &Index{
		dimension: dim,
		vectors:   make([][]float32, 0, capacity),
		norms:     make([]float64, 0, capacity),
	}, nil
}

// Add appends vec. Slots must be dense and in order.
func (idx *Index) Add(slot int, vec []float32) error {
	if len(vec) != idx.dimension {
		return fmt.Errorf("%w: got %d, index has %d", domain.ErrDimensionMismatch, len(vec), idx.dimension)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if slot != len(idx.vectors) {
		return fmt.Errorf("flat: slot %d out of order, next is %d", slot, len(idx.vectors))
	}
	idx.vectors = append(idx.vectors, append([]float32(nil), vec...))
	idx.norms = append(idx.norms, norm(vec))
	return nil
}

// Search returns the k most similar slots, best first. Equal similarities
// keep slot order.
func (idx *Index) Search(query []float32, k int) ([]driven.VectorHit, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrDimensionMismatch, len(query), idx.dimension)
	}
	if k <= 0 {
		return nil, nil
	}
	qn := norm(query)

	idx.mu.RLock()
	hits := make([]driven.VectorHit, len(idx.vectors))
	for slot, v := range idx.vectors {
		hits[slot] = driven.VectorHit{Slot: slot, Similarity: cosine(query, v, qn, idx.norms[slot])}
	}
	idx.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of stored points.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Dimension returns the vector size.
func (idx *Index) Dimension() int {
	return idx.dimension
}

// MarshalBinary encodes the index as magic, dimension, count and the
// little-endian float32 payload.
func (idx *Index) MarshalBinary() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf bytes.Buffer
	buf.Grow(16 + 4*idx.dimension*len(idx.vectors))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(idx.dimension))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(idx.vectors)))
	for _, v := range idx.vectors {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes(), nil
}

// Load decodes MarshalBinary output.
func Load(dim int, blob []byte) (*Index, error) {
	r := bytes.NewReader(blob)
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil || head != magic {
		return nil, fmt.Errorf("flat: bad header: %w", domain.ErrCorruptRecord)
	}
	var storedDim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &storedDim); err != nil {
		return nil, fmt.Errorf("flat: reading dimension: %w", domain.ErrCorruptRecord)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("flat: reading count: %w", domain.ErrCorruptRecord)
	}
	if int(storedDim) != dim {
		return nil, fmt.Errorf("%w: blob has %d, expected %d", domain.ErrDimensionMismatch, storedDim, dim)
	}
	if r.Len() != int(count)*dim*4 {
		return nil, fmt.Errorf("flat: payload is %d bytes, expected %d: %w", r.Len(), int(count)*dim*4, domain.ErrCorruptRecord)
	}

	idx, err := New(dim, int(count))
	if err != nil {
		return nil, err
	}
	for slot := 0; slot < int(count); slot++ {
		v := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, errors.Join(domain.ErrCorruptRecord, err)
		}
		if err := idx.Add(slot, v); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Factory creates flat indexes.
type Factory struct{}

// Name returns the backend name.
func (Factory) Name() string { return Name }

// New creates an empty index.
func (Factory) New(dim, capacity int) (driven.VectorIndex, error) { return New(dim, capacity) }

// Load restores an index.
func (Factory) Load(dim int, blob []byte) (driven.VectorIndex, error) { return Load(dim, blob) }

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}
