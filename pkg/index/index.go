// Package index implements GigaVector's two ANN structures — HNSW and
// IVF-PQ — behind a shared Index interface consumed by the database
// façade (spec.md §4.4, §4.5).
package index

import "io"

// SearchResult is one scored hit from Search/RangeSearch.
type SearchResult struct {
	ID       int
	Distance float32
}

// Filter is an optional metadata equality predicate pushed into a search.
// Indexes that support pushdown apply it during the beam/scan; others
// ignore it and let the façade post-filter.
type Filter struct {
	Key   string
	Value string
}

// Type identifies an index implementation for the database snapshot
// header (spec.md §6).
type Type uint32

const (
	TypeFlat  Type = 0 // reserved: brute-force / KD-tree, not implemented here
	TypeHNSW  Type = 1
	TypeIVFPQ Type = 2
)

// VectorSource resolves a vector id to its current payload and metadata,
// and reports whether it has been soft-deleted. Indexes call back into the
// primary storage through this narrow interface rather than owning their
// own copy of every vector (except where the format requires rerank data,
// e.g. IVF-PQ's stored float payload).
type VectorSource interface {
	GetVector(id int) (data []float32, meta []MetaPair, ok bool)
	IsDeleted(id int) bool
}

// MetaPair mirrors core.MetaEntry without importing pkg/core, keeping this
// package's public surface dependency-light; the façade adapts between the
// two.
type MetaPair struct {
	Key   string
	Value string
}

// Index is the operation set every ANN structure exposes to the façade.
type Index interface {
	// Type reports which concrete index this is, for the snapshot header.
	Type() Type

	// Insert adds id (already appended to primary storage) with payload
	// data and metadata meta.
	Insert(id int, data []float32, meta []MetaPair) error

	// Search returns up to k nearest neighbours of query. If filter is
	// non-nil and the index supports pushdown, only matching vectors are
	// considered; otherwise the façade must post-filter the (possibly
	// oversampled) result.
	Search(query []float32, k int, filter *Filter) ([]SearchResult, error)

	// RangeSearch returns every neighbour within radius, up to maxResults.
	RangeSearch(query []float32, radius float32, maxResults int) ([]SearchResult, error)

	// Delete soft-deletes id within the index's own bookkeeping.
	Delete(id int) error

	// Update replaces id's payload/metadata in place.
	Update(id int, data []float32, meta []MetaPair) error

	// Rebuild reconstructs the index from scratch using src, discarding
	// decayed graph/list structure accumulated by deletes and updates
	// (spec.md §9).
	Rebuild(src VectorSource) error

	// Save serializes the index to w.
	Save(w io.Writer) error

	// Load replaces the index's state by deserializing from r.
	Load(r io.Reader) error
}
