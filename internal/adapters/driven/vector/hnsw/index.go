// Package hnsw provides an approximate vector index over an HNSW graph.
package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Ensure Index and Factory implement the interfaces.
var (
	_ driven.VectorIndex        = (*Index)(nil)
	_ driven.VectorIndexFactory = Factory{}
)

// Graph parameters.
const (
	Name = "hnsw"

	DefaultM        = 16
	DefaultEfSearch = 64
)

var magic = [8]byte{'K', 'B', 'H', 'N', 'S', 'W', '0', '1'}

// Index wraps an HNSW graph keyed by slot. The graph is not safe for
// concurrent use, so Add takes the write lock and Search the read lock.
//
// Zero vectors have no cosine direction and are kept beside the graph;
// they match every query with similarity 0.
type Index struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[int]
	dimension int
	zero      []int
}

func newGraph() *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.CosineDistance
	g.M = DefaultM
	g.EfSearch = DefaultEfSearch
	return g
}

// New creates an empty index.
func New(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive: %w", domain.ErrInvalidInput)
	}
	return &Index{graph: newGraph(), dimension: dim}, nil
}

// Add inserts vec at slot.
func (idx *Index) Add(slot int, vec []float32) error {
	if len(vec) != idx.dimension {
		return fmt.Errorf("%w: got %d, index has %d", domain.ErrDimensionMismatch, len(vec), idx.dimension)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if norm(vec) == 0 {
		idx.zero = append(idx.zero, slot)
		return nil
	}
	idx.graph.Add(hnsw.MakeNode(slot, append([]float32(nil), vec...)))
	return nil
}

// Search returns up to k approximate nearest slots, best first. The
// similarity is recomputed exactly from the stored vectors.
func (idx *Index) Search(query []float32, k int) ([]driven.VectorHit, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrDimensionMismatch, len(query), idx.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var hits []driven.VectorHit
	qn := norm(query)
	if qn > 0 && idx.graph.Len() > 0 {
		for _, n := range idx.graph.Search(query, k) {
			hits = append(hits, driven.VectorHit{Slot: n.Key, Similarity: cosine(query, n.Value, qn)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Slot < hits[j].Slot
	})
	for _, slot := range idx.zero {
		if len(hits) >= k {
			break
		}
		hits = append(hits, driven.VectorHit{Slot: slot})
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of stored points.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len() + len(idx.zero)
}

// Dimension returns the vector size.
func (idx *Index) Dimension() int {
	return idx.dimension
}

// MarshalBinary writes magic, dimension, the zero-vector slots and the
// exported graph.
func (idx *Index) MarshalBinary() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(idx.dimension))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(idx.zero)))
	for _, slot := range idx.zero {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(slot))
	}
	if err := idx.graph.Export(&buf); err != nil {
		return nil, fmt.Errorf("hnsw: exporting graph: %w", err)
	}
	return buf.Bytes(), nil
}

// Load restores MarshalBinary output.
func Load(dim int, blob []byte) (*Index, error) {
	r := bytes.NewReader(blob)
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil || head != magic {
		return nil, fmt.Errorf("hnsw: bad header: %w", domain.ErrCorruptRecord)
	}
	var storedDim, zeros uint32
	if err := binary.Read(r, binary.LittleEndian, &storedDim); err != nil {
		return nil, fmt.Errorf("hnsw: reading dimension: %w", domain.ErrCorruptRecord)
	}
	if int(storedDim) != dim {
		return nil, fmt.Errorf("%w: blob has %d, expected %d", domain.ErrDimensionMismatch, storedDim, dim)
	}
	if err := binary.Read(r, binary.LittleEndian, &zeros); err != nil {
		return nil, fmt.Errorf("hnsw: reading zero slots: %w", domain.ErrCorruptRecord)
	}
	if int64(zeros)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("hnsw: zero slot table truncated: %w", domain.ErrCorruptRecord)
	}

	idx, err := New(dim)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < zeros; i++ {
		var slot uint32
		if err := binary.Read(r, binary.LittleEndian, &slot); err != nil {
			return nil, fmt.Errorf("hnsw: reading zero slot: %w", domain.ErrCorruptRecord)
		}
		idx.zero = append(idx.zero, int(slot))
	}
	if r.Len() > 0 {
		if err := idx.graph.Import(r); err != nil {
			return nil, fmt.Errorf("hnsw: importing graph: %w: %w", domain.ErrCorruptRecord, err)
		}
	}
	if idx.graph.Len() > 0 && idx.graph.Dims() != dim {
		return nil, fmt.Errorf("%w: graph has %d, expected %d", domain.ErrDimensionMismatch, idx.graph.Dims(), dim)
	}
	return idx, nil
}

// Factory creates HNSW indexes.
type Factory struct{}

// Name returns the backend name.
func (Factory) Name() string { return Name }

// New creates an empty index. The graph grows on demand, so capacity is
// unused.
func (Factory) New(dim, _ int) (driven.VectorIndex, error) { return New(dim) }

// Load restores an index.
func (Factory) Load(dim int, blob []byte) (driven.VectorIndex, error) { return Load(dim, blob) }

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(q, v []float32, qn float64) float64 {
	vn := norm(v)
	if qn == 0 || vn == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	return dot / (qn * vn)
}
