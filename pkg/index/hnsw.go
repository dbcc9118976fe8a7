package index

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"math/rand"
	"sort"
	"sync"

	"github.com/gigavector/gigavector/pkg/core"
)

const hnswNoEntry = ^uint64(0) // sentinel: empty graph

// HNSWConfig configures a new HNSW index (spec.md §4.4).
type HNSWConfig struct {
	M              int // max neighbours per node per layer (default 16)
	EfConstruction int // candidate beam during build (default 200)
	EfSearch       int // candidate beam during query (default 50)
	MaxLevel       int // hierarchy cap (default 16)
	Metric         core.Metric

	// BinaryQuant enables a 1-bit sign quantisation of each vector for a
	// cheap Hamming-distance prefilter during beam search.
	BinaryQuant bool
	// QuantRerank, when BinaryQuant is set and > 0, re-scores the top
	// QuantRerank beam survivors with the exact metric before returning.
	QuantRerank int
	// ACORNExtra adds this many extra candidates to the beam capacity when
	// a metadata filter is supplied, so filtered search explores further
	// before giving up (ACORN-style over-exploration).
	ACORNExtra int
}

// HNSWOption mutates an HNSWConfig.
type HNSWOption func(*HNSWConfig)

func WithM(m int) HNSWOption                  { return func(c *HNSWConfig) { c.M = m } }
func WithEfConstruction(ef int) HNSWOption    { return func(c *HNSWConfig) { c.EfConstruction = ef } }
func WithEfSearch(ef int) HNSWOption          { return func(c *HNSWConfig) { c.EfSearch = ef } }
func WithBinaryQuant(rerank int) HNSWOption {
	return func(c *HNSWConfig) { c.BinaryQuant = true; c.QuantRerank = rerank }
}

func defaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		MaxLevel:       16,
		Metric:         core.MetricL2,
		ACORNExtra:     64,
	}
}

// hnswNode is one arena slot. Neighbours are referenced by dense arena
// index (not raw pointer, not vector id directly — see vecID) per spec.md
// §9's redesign note.
type hnswNode struct {
	vecID     int // the stable primary-storage vector id
	level     int
	neighbors [][]uint32 // per layer, arena indices
	quant     []uint64   // sign-bit quantisation words, if enabled
	deleted   bool
}

// HNSW is the hierarchical navigable small-world index.
type HNSW struct {
	mu  sync.RWMutex
	cfg HNSWConfig
	dim int

	nodes      []hnswNode
	idToArena  map[int]uint32
	entryPoint uint64 // arena index, or hnswNoEntry

	src VectorSource
	rng *rand.Rand
}

// NewHNSW creates an empty HNSW index for vectors of dimension dim.
func NewHNSW(dim int, opts ...HNSWOption) *HNSW {
	cfg := defaultHNSWConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &HNSW{
		cfg:        cfg,
		dim:        dim,
		idToArena:  make(map[int]uint32),
		entryPoint: hnswNoEntry,
		rng:        rand.New(rand.NewSource(1)),
	}
}

func (h *HNSW) Type() Type { return TypeHNSW }

func (h *HNSW) dist(a, b []float32) float32 {
	d, _ := core.Compute(h.cfg.Metric, a, b)
	return d
}

func quantize(v []float32) []uint64 {
	words := (len(v) + 63) / 64
	q := make([]uint64, words)
	for i, x := range v {
		if x >= 0 {
			q[i/64] |= 1 << uint(i%64)
		}
	}
	return q
}

func hamming(a, b []uint64) int {
	total := 0
	for i := range a {
		total += bits.OnesCount64(a[i] ^ b[i])
	}
	return total
}

// selectLevel draws ⌊-ln(U)·(1/ln M)⌋ capped at MaxLevel (spec.md §4.4).
func (h *HNSW) selectLevel() int {
	ml := 1.0 / math.Log(float64(h.cfg.M))
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * ml))
	if level > h.cfg.MaxLevel {
		level = h.cfg.MaxLevel
	}
	return level
}

type beamItem struct {
	arena uint32
	dist  float32
}

type minHeap []beamItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(beamItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxHeap []beamItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(beamItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// greedyStep descends one step per layer from entry, returning the single
// locally-closest arena index at that layer.
func (h *HNSW) greedyStep(query []float32, entry uint32, layer int) uint32 {
	current := entry
	currentDist := h.dist(query, h.vecOf(current))
	improved := true
	for improved {
		improved = false
		node := &h.nodes[current]
		if layer >= len(node.neighbors) {
			break
		}
		for _, nb := range node.neighbors[layer] {
			if h.nodes[nb].deleted {
				continue
			}
			d := h.dist(query, h.vecOf(nb))
			if d < currentDist {
				currentDist = d
				current = nb
				improved = true
			}
		}
	}
	return current
}

func (h *HNSW) vecOf(arena uint32) []float32 {
	data, _, ok := h.src.GetVector(h.nodes[arena].vecID)
	if !ok {
		return make([]float32, h.dim)
	}
	return data
}

// searchLayer runs the bounded beam of capacity ef at layer, starting from
// entryPoints, honoring an optional metadata filter pushed into the beam
// expansion (spec.md §4.4: "the search beam itself does not short-circuit
// on filter to avoid recall collapse" — matches survive filtering but do
// not otherwise change expansion order).
func (h *HNSW) searchLayer(query []float32, entryPoints []uint32, ef int, layer int, filter *Filter) []beamItem {
	visited := make(map[uint32]bool)
	candidates := &minHeap{}
	best := &maxHeap{}

	push := func(arena uint32) {
		if visited[arena] || h.nodes[arena].deleted {
			return
		}
		visited[arena] = true
		var d float32
		if h.cfg.BinaryQuant && h.nodes[arena].quant != nil {
			d = float32(hamming(quantize(query), h.nodes[arena].quant))
		} else {
			d = h.dist(query, h.vecOf(arena))
		}
		heap.Push(candidates, beamItem{arena: arena, dist: d})
		heap.Push(best, beamItem{arena: arena, dist: d})
		if best.Len() > ef {
			heap.Pop(best)
		}
	}

	for _, e := range entryPoints {
		push(e)
	}

	for candidates.Len() > 0 {
		top := (*candidates)[0]
		if best.Len() >= ef && top.dist > (*best)[0].dist {
			break
		}
		cur := heap.Pop(candidates).(beamItem)
		node := &h.nodes[cur.arena]
		if layer >= len(node.neighbors) {
			continue
		}
		for _, nb := range node.neighbors[layer] {
			push(nb)
		}
	}

	out := make([]beamItem, best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(best).(beamItem)
	}

	if filter != nil {
		filtered := out[:0]
		for _, it := range out {
			if h.matchesFilter(h.nodes[it.arena].vecID, filter) {
				filtered = append(filtered, it)
			}
		}
		out = filtered
	}
	return out
}

func (h *HNSW) matchesFilter(vecID int, filter *Filter) bool {
	_, meta, ok := h.src.GetVector(vecID)
	if !ok {
		return false
	}
	for _, e := range meta {
		if e.Key == filter.Key && e.Value == filter.Value {
			return true
		}
	}
	return false
}

func toMetaEntries(meta []MetaPair) core.Metadata {
	out := make(core.Metadata, len(meta))
	for i, m := range meta {
		out[i] = core.MetaEntry{Key: m.Key, Value: m.Value}
	}
	return out
}

// Insert adds vecID (already live in primary storage) to the graph.
func (h *HNSW) Insert(vecID int, data []float32, meta []MetaPair) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.src == nil {
		h.src = &staticSource{}
	}
	if len(data) != h.dim {
		return fmt.Errorf("hnsw: insert: %w", core.ErrInvalidArgument)
	}

	level := h.selectLevel()
	arena := uint32(len(h.nodes))
	node := hnswNode{
		vecID:     vecID,
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	if h.cfg.BinaryQuant {
		node.quant = quantize(data)
	}
	h.nodes = append(h.nodes, node)
	h.idToArena[vecID] = arena

	if h.entryPoint == hnswNoEntry {
		h.entryPoint = uint64(arena)
		return nil
	}

	entry := uint32(h.entryPoint)
	for lc := h.nodes[entry].level; lc > level; lc-- {
		entry = h.greedyStep(data, entry, lc)
	}

	cur := []uint32{entry}
	for lc := min(h.nodes[entry].level, level); lc >= 0; lc-- {
		candidates := h.searchLayer(data, cur, h.cfg.EfConstruction, lc, nil)
		m := h.cfg.M
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].dist != candidates[j].dist {
				return candidates[i].dist < candidates[j].dist
			}
			return h.nodes[candidates[i].arena].vecID < h.nodes[candidates[j].arena].vecID
		})
		if len(candidates) > m {
			candidates = candidates[:m]
		}
		neighbors := make([]uint32, len(candidates))
		for i, c := range candidates {
			neighbors[i] = c.arena
		}
		h.nodes[arena].neighbors[lc] = neighbors

		// Bidirectional link. The source never prunes a full neighbour: it
		// simply skips adding the edge (spec.md §4.4, §9 — preserved
		// exactly rather than switching to heuristic pruning, to keep
		// recall behavior reproducible).
		for _, nb := range neighbors {
			nbNode := &h.nodes[nb]
			if lc >= len(nbNode.neighbors) {
				continue
			}
			if len(nbNode.neighbors[lc]) < m {
				nbNode.neighbors[lc] = append(nbNode.neighbors[lc], arena)
			}
		}

		next := make([]uint32, len(candidates))
		for i, c := range candidates {
			next[i] = c.arena
		}
		cur = next
	}

	if level > h.nodes[uint32(h.entryPoint)].level {
		h.entryPoint = uint64(arena)
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Search performs top-k beam search with optional binary-quant prefilter
// and metadata filter pushdown.
func (h *HNSW) Search(query []float32, k int, filter *Filter) ([]SearchResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.entryPoint == hnswNoEntry {
		return nil, nil
	}
	if k <= 0 || len(query) != h.dim {
		return nil, fmt.Errorf("hnsw: search: %w", core.ErrInvalidArgument)
	}

	entry := uint32(h.entryPoint)
	for lc := h.nodes[entry].level; lc > 0; lc-- {
		entry = h.greedyStep(query, entry, lc)
	}

	ef := h.cfg.EfSearch
	if ef < k {
		ef = k
	}
	if filter != nil {
		ef += h.cfg.ACORNExtra
	}
	beam := h.searchLayer(query, []uint32{entry}, ef, 0, filter)

	if h.cfg.BinaryQuant && h.cfg.QuantRerank > 0 {
		rerankN := h.cfg.QuantRerank
		if rerankN > len(beam) {
			rerankN = len(beam)
		}
		sort.Slice(beam, func(i, j int) bool { return beam[i].dist < beam[j].dist })
		for i := 0; i < rerankN; i++ {
			beam[i].dist = h.dist(query, h.vecOf(beam[i].arena))
		}
	}

	sort.Slice(beam, func(i, j int) bool {
		if beam[i].dist != beam[j].dist {
			return beam[i].dist < beam[j].dist
		}
		return h.nodes[beam[i].arena].vecID < h.nodes[beam[j].arena].vecID
	})
	if len(beam) > k {
		beam = beam[:k]
	}
	out := make([]SearchResult, len(beam))
	for i, b := range beam {
		out[i] = SearchResult{ID: h.nodes[b.arena].vecID, Distance: b.dist}
	}
	return out, nil
}

// RangeSearch returns every neighbour within radius, up to maxResults.
func (h *HNSW) RangeSearch(query []float32, radius float32, maxResults int) ([]SearchResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.entryPoint == hnswNoEntry {
		return nil, nil
	}
	entry := uint32(h.entryPoint)
	for lc := h.nodes[entry].level; lc > 0; lc-- {
		entry = h.greedyStep(query, entry, lc)
	}
	ef := maxResults
	if ef < h.cfg.EfSearch {
		ef = h.cfg.EfSearch
	}
	beam := h.searchLayer(query, []uint32{entry}, ef, 0, nil)
	out := make([]SearchResult, 0, len(beam))
	for _, b := range beam {
		if b.dist <= radius {
			out = append(out, SearchResult{ID: h.nodes[b.arena].vecID, Distance: b.dist})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// Delete soft-deletes the node for vecID. O(1); leaves neighbour lists
// intact (spec.md §4.4).
func (h *HNSW) Delete(vecID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	arena, ok := h.idToArena[vecID]
	if !ok {
		return fmt.Errorf("hnsw: delete: %w", core.ErrNotFound)
	}
	h.nodes[arena].deleted = true
	if uint64(arena) == h.entryPoint {
		h.reassignEntryPoint()
	}
	return nil
}

func (h *HNSW) reassignEntryPoint() {
	for i := range h.nodes {
		if !h.nodes[i].deleted {
			h.entryPoint = uint64(i)
			return
		}
	}
	h.entryPoint = hnswNoEntry
}

// Update replaces vecID's payload in place without restructuring the
// graph; graph quality may degrade until Rebuild (spec.md §4.4).
func (h *HNSW) Update(vecID int, data []float32, meta []MetaPair) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	arena, ok := h.idToArena[vecID]
	if !ok {
		return fmt.Errorf("hnsw: update: %w", core.ErrNotFound)
	}
	if h.cfg.BinaryQuant {
		h.nodes[arena].quant = quantize(data)
	}
	return nil
}

// Rebuild reconstructs the graph from scratch over every live vector
// reachable through src, in ascending id order, discarding any decay
// accumulated from deletes/updates (spec.md §9).
func (h *HNSW) Rebuild(src VectorSource) error {
	h.mu.Lock()
	fresh := NewHNSW(h.dim, func(c *HNSWConfig) { *c = h.cfg })
	h.mu.Unlock()

	maxID := 0
	for id := range h.idToArena {
		if id+1 > maxID {
			maxID = id + 1
		}
	}
	fresh.src = src
	for id := 0; id < maxID; id++ {
		if src.IsDeleted(id) {
			continue
		}
		data, meta, ok := src.GetVector(id)
		if !ok {
			continue
		}
		if err := fresh.Insert(id, data, meta); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = fresh.nodes
	h.idToArena = fresh.idToArena
	h.entryPoint = fresh.entryPoint
	h.src = src
	return nil
}

// SetSource wires the VectorSource the index calls back into for vector
// payloads during search/insert. Must be called before Insert/Search.
func (h *HNSW) SetSource(src VectorSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.src = src
}

type staticSource struct{}

func (staticSource) GetVector(int) ([]float32, []MetaPair, bool) { return nil, nil, false }
func (staticSource) IsDeleted(int) bool                          { return false }

// Save serializes the index in two passes: a header (M, efConstruction,
// efSearch, maxLevel, node count, entry-point arena index), then per-node
// (level, vector id, length-prefixed vector, metadata), then per-node
// per-layer connectivity as arena indices.
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	hdr := make([]byte, 0, 40)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.cfg.M))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.cfg.EfConstruction))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.cfg.EfSearch))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.cfg.MaxLevel))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(h.nodes)))
	hdr = binary.LittleEndian.AppendUint64(hdr, h.entryPoint)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("hnsw: save header: %w", err)
	}

	// Pass 1: level, vector, metadata.
	for _, n := range h.nodes {
		data, meta, _ := h.src.GetVector(n.vecID)
		if err := writeU32(w, uint32(n.level)); err != nil {
			return err
		}
		if err := writeU64(w, uint64(n.vecID)); err != nil {
			return err
		}
		if err := writeFloats(w, data); err != nil {
			return err
		}
		if err := writeMeta(w, meta); err != nil {
			return err
		}
	}

	// Pass 2: connectivity.
	for _, n := range h.nodes {
		for layer := 0; layer <= n.level; layer++ {
			nbs := n.neighbors[layer]
			if err := writeU32(w, uint32(len(nbs))); err != nil {
				return err
			}
			for _, nb := range nbs {
				if err := writeU64(w, uint64(nb)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load deserializes an index written by Save. The caller must call
// SetSource afterwards (Load itself does not know the primary storage).
func (h *HNSW) Load(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var m, efc, efs, maxLevel uint32
	var count, entry uint64
	for _, p := range []*uint32{&m, &efc, &efs, &maxLevel} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("hnsw: load header: %w", err)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("hnsw: load header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
		return fmt.Errorf("hnsw: load header: %w", err)
	}
	h.cfg.M = int(m)
	h.cfg.EfConstruction = int(efc)
	h.cfg.EfSearch = int(efs)
	h.cfg.MaxLevel = int(maxLevel)
	h.entryPoint = entry

	h.nodes = make([]hnswNode, count)
	h.idToArena = make(map[int]uint32, count)
	for i := uint64(0); i < count; i++ {
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return fmt.Errorf("hnsw: load node: %w", err)
		}
		var vecID uint64
		if err := binary.Read(r, binary.LittleEndian, &vecID); err != nil {
			return fmt.Errorf("hnsw: load node: %w", err)
		}
		data, err := readFloats(r, h.dim)
		if err != nil {
			return fmt.Errorf("hnsw: load node: %w", err)
		}
		_, err = readMeta(r)
		if err != nil {
			return fmt.Errorf("hnsw: load node: %w", err)
		}
		h.nodes[i] = hnswNode{
			vecID:     int(vecID),
			level:     int(level),
			neighbors: make([][]uint32, level+1),
		}
		if h.cfg.BinaryQuant {
			h.nodes[i].quant = quantize(data)
		}
		h.idToArena[int(vecID)] = uint32(i)
	}

	for i := range h.nodes {
		for layer := 0; layer <= h.nodes[i].level; layer++ {
			var n uint32
			if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
				return fmt.Errorf("hnsw: load links: %w", err)
			}
			nbs := make([]uint32, n)
			for j := range nbs {
				var id uint64
				if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
					return fmt.Errorf("hnsw: load links: %w", err)
				}
				nbs[j] = uint32(id)
			}
			h.nodes[i].neighbors[layer] = nbs
		}
	}
	return nil
}
