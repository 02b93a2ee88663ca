package driven

// VectorIndex is an ANN structure addressed by dense integer slots.
// The index manager maps slots to chunk IDs; the index never sees IDs.
//
// Add and Search must be safe to call concurrently: a live snapshot keeps
// serving searches while an upsert appends points.
type VectorIndex interface {
	// Add inserts a vector at the given slot.
	Add(slot int, vec []float32) error

	// Search returns up to k nearest slots by cosine similarity, best first.
	Search(query []float32, k int) ([]VectorHit, error)

	// Len returns the number of stored points.
	Len() int

	// Dimension returns the vector size.
	Dimension() int

	// MarshalBinary serialises the index for persistence.
	MarshalBinary() ([]byte, error)
}

// VectorIndexFactory creates and restores indexes of one backend.
type VectorIndexFactory interface {
	// Name identifies the backend in persisted metadata.
	Name() string

	// New creates an empty index sized for capacity points.
	New(dim, capacity int) (VectorIndex, error)

	// Load restores an index from MarshalBinary output.
	Load(dim int, blob []byte) (VectorIndex, error)
}

// VectorHit represents a similarity search result.
type VectorHit struct {
	// Slot is the matched point.
	Slot int

	// Similarity is the cosine similarity score.
	Similarity float64
}
