package index

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	crc32klaus "github.com/klauspost/crc32"

	"github.com/gigavector/gigavector/pkg/core"
)

// IVFPQConfig configures a new IVF-PQ index (spec.md §4.5).
type IVFPQConfig struct {
	NList              int // coarse centroids (default 64)
	M                   int // sub-quantisers (default 8; NewIVFPQ falls back to 1 when dim is not divisible by M)
	NBits              int // bits per PQ code, <=16 (default 8)
	NProbe             int // lists visited per query (default 4)
	TrainIters         int // k-means iterations (default 15)
	DefaultRerank      int // default rerank (default 32)
	UseCosine          bool
	OversamplingFactor int // >= 1 (default 1)
}

// IVFPQOption mutates an IVFPQConfig.
type IVFPQOption func(*IVFPQConfig)

func WithNList(n int) IVFPQOption   { return func(c *IVFPQConfig) { c.NList = n } }
func WithNProbe(n int) IVFPQOption  { return func(c *IVFPQConfig) { c.NProbe = n } }
func WithCosine() IVFPQOption       { return func(c *IVFPQConfig) { c.UseCosine = true } }
func WithRerank(n int) IVFPQOption  { return func(c *IVFPQConfig) { c.DefaultRerank = n } }

func defaultIVFPQConfig() IVFPQConfig {
	return IVFPQConfig{
		NList:              64,
		M:                  8,
		NBits:              8,
		NProbe:             4,
		TrainIters:         15,
		DefaultRerank:      32,
		OversamplingFactor: 1,
	}
}

// ivfEntry is one AoS entry: the owned vector (kept for exact rerank), its
// metadata, and a deletion flag (spec.md §3). The entry does not carry a
// copy of its PQ code; the code is held only in the list's SoA code buffer.
type ivfEntry struct {
	vecID   int
	vector  []float32
	meta    []MetaPair
	deleted bool
}

type ivfList struct {
	mu       sync.Mutex
	entries  []ivfEntry
	codes    []byte // SoA: code j of entry e at j*capacity+e
	capacity int
	m        int // sub-quantiser count, fixed at list creation
}

// IVFPQ is the inverted-file index with product-quantised residuals.
type IVFPQ struct {
	rw  sync.RWMutex // process-wide: held for write during Train/Rebuild, read during Insert/Search
	cfg IVFPQConfig
	dim int

	trained bool
	coarse  [][]float32   // NList x dim
	pq      [][][]float32 // M x (2^NBits) x subDim

	lists []*ivfList

	idToLocation map[int]struct{ list, entry int }
}

// NewIVFPQ creates an empty, untrained IVF-PQ index for dimension dim.
func NewIVFPQ(dim int, opts ...IVFPQOption) *IVFPQ {
	cfg := defaultIVFPQConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.M == 0 || dim%cfg.M != 0 {
		cfg.M = 1
	}
	idx := &IVFPQ{
		cfg:          cfg,
		dim:          dim,
		idToLocation: make(map[int]struct{ list, entry int }),
	}
	idx.lists = make([]*ivfList, cfg.NList)
	for i := range idx.lists {
		idx.lists[i] = &ivfList{m: cfg.M}
	}
	return idx
}

func (idx *IVFPQ) Type() Type { return TypeIVFPQ }

func (idx *IVFPQ) subDim() int { return idx.dim / idx.cfg.M }
func (idx *IVFPQ) codeK() int  { return 1 << uint(idx.cfg.NBits) }

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// exactDistance is the metric the final rerank/radius check scores
// candidates under: plain Euclidean distance, or 1-cosine when the index
// is cosine-configured, so the exact pass agrees with the metric the
// coarse/PQ candidate selection was done in (spec.md line 196's rerank
// correctness: returned distances must be exact under the index's
// configured metric, not left as raw Euclidean regardless of UseCosine).
func exactDistance(useCosine bool, a, b []float32) float32 {
	if useCosine {
		d, err := core.Compute(core.MetricCosine, a, b)
		if err != nil {
			return l2(a, b)
		}
		return d
	}
	return l2(a, b)
}

// kMeansFirstK runs Lloyd's algorithm with first-k initialisation, as
// spec.md §4.5 requires ("first-k initialisation", not random sampling).
func kMeansFirstK(vectors [][]float32, k, iters int) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[i%len(vectors)]...)
	}
	assignments := make([]int, len(vectors))

	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, v := range vectors {
			best := 0
			bestDist := l2(v, centroids[0])
			for c := 1; c < k; c++ {
				d := l2(v, centroids[c])
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				changed = true
				assignments[i] = best
			}
		}
		sums := make([][]float32, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float32, dim)
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += v[d]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = sums[c][d] / float32(counts[c])
			}
		}
		if !changed && iter > 0 {
			break
		}
	}
	return centroids
}

// Train trains the coarse centroids and per-sub-quantiser codebooks from
// sample vectors. Requires n >= max(nlist, 2^nbits, m).
func (idx *IVFPQ) Train(vectors [][]float32) error {
	idx.rw.Lock()
	defer idx.rw.Unlock()

	k := idx.codeK()
	need := idx.cfg.NList
	if k > need {
		need = k
	}
	if idx.cfg.M > need {
		need = idx.cfg.M
	}
	if len(vectors) < need {
		return fmt.Errorf("ivfpq: train: %w: need >= %d samples, got %d", core.ErrInvalidArgument, need, len(vectors))
	}

	training := vectors
	if idx.cfg.UseCosine {
		training = make([][]float32, len(vectors))
		for i, v := range vectors {
			training[i] = normalize(v)
		}
	}

	idx.coarse = kMeansFirstK(training, idx.cfg.NList, idx.cfg.TrainIters)

	subDim := idx.subDim()
	idx.pq = make([][][]float32, idx.cfg.M)
	for m := 0; m < idx.cfg.M; m++ {
		slices := make([][]float32, len(training))
		for i, v := range training {
			slices[i] = v[m*subDim : (m+1)*subDim]
		}
		idx.pq[m] = kMeansFirstK(slices, k, idx.cfg.TrainIters)
	}

	idx.trained = true
	return nil
}

func (idx *IVFPQ) nearestCoarse(v []float32) int {
	best := 0
	bestDist := l2(v, idx.coarse[0])
	for c := 1; c < len(idx.coarse); c++ {
		d := l2(v, idx.coarse[c])
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

func (idx *IVFPQ) encode(residual []float32) []byte {
	subDim := idx.subDim()
	code := make([]byte, idx.cfg.M)
	for m := 0; m < idx.cfg.M; m++ {
		sub := residual[m*subDim : (m+1)*subDim]
		best := 0
		bestDist := l2(sub, idx.pq[m][0])
		for c := 1; c < len(idx.pq[m]); c++ {
			d := l2(sub, idx.pq[m][c])
			if d < bestDist {
				bestDist = d
				best = c
			}
		}
		code[m] = byte(best)
	}
	return code
}

func (l *ivfList) grow(minCapacity int) {
	newCap := l.capacity
	if newCap == 0 {
		newCap = 8
	}
	for newCap < minCapacity {
		newCap *= 2
	}
	newCodes := make([]byte, newCap*l.m)
	for j := 0; j < l.m; j++ {
		copy(newCodes[j*newCap:j*newCap+len(l.entries)], l.codes[j*l.capacity:j*l.capacity+len(l.entries)])
	}
	l.codes = newCodes
	l.capacity = newCap
}

// Insert requires Train to have been called. Optionally L2-normalises for
// cosine mode, assigns to the nearest coarse centroid, computes the
// residual PQ code, and appends to that list's AoS+SoA storage.
func (idx *IVFPQ) Insert(vecID int, data []float32, meta []MetaPair) error {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	if !idx.trained {
		return fmt.Errorf("ivfpq: insert: %w", core.ErrNotTrained)
	}
	v := data
	if idx.cfg.UseCosine {
		v = normalize(data)
	}
	c := idx.nearestCoarse(v)
	residual := make([]float32, idx.dim)
	for i := range v {
		residual[i] = v[i] - idx.coarse[c][i]
	}
	code := idx.encode(residual)

	list := idx.lists[c]
	list.mu.Lock()
	defer list.mu.Unlock()

	e := len(list.entries)
	if e+1 > list.capacity {
		list.grow(e + 1)
	}
	list.entries = append(list.entries, ivfEntry{vecID: vecID, vector: append([]float32(nil), data...), meta: meta})
	for j := 0; j < idx.cfg.M; j++ {
		list.codes[j*list.capacity+e] = code[j]
	}

	idx.idToLocation[vecID] = struct{ list, entry int }{c, e}
	return nil
}

// lut is the m x 2^nbits query-to-codeword distance table (spec.md §4.5).
func (idx *IVFPQ) buildLUT(query []float32) [][]float32 {
	subDim := idx.subDim()
	k := idx.codeK()
	table := make([][]float32, idx.cfg.M)
	for m := 0; m < idx.cfg.M; m++ {
		table[m] = make([]float32, k)
		sub := query[m*subDim : (m+1)*subDim]
		for c := 0; c < len(idx.pq[m]); c++ {
			table[m][c] = l2(sub, idx.pq[m][c])
		}
	}
	return table
}

type centroidHeapItem struct {
	idx  int
	dist float32
}
type centroidMaxHeap []centroidHeapItem

func (h centroidMaxHeap) Len() int            { return len(h) }
func (h centroidMaxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h centroidMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *centroidMaxHeap) Push(x interface{}) { *h = append(*h, x.(centroidHeapItem)) }
func (h *centroidMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (idx *IVFPQ) topProbeLists(query []float32, nprobe int) []int {
	h := &centroidMaxHeap{}
	for c, centroid := range idx.coarse {
		d := l2(query, centroid)
		if h.Len() < nprobe {
			heap.Push(h, centroidHeapItem{idx: c, dist: d})
		} else if d < (*h)[0].dist {
			heap.Pop(h)
			heap.Push(h, centroidHeapItem{idx: c, dist: d})
		}
	}
	out := make([]int, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(centroidHeapItem).idx
	}
	return out
}

// estimate sums LUT[j][codes[j]] across j for entry e of list, unrolled by
// 4 (spec.md §4.5).
func (idx *IVFPQ) estimate(lut [][]float32, list *ivfList, e int) float32 {
	m := idx.cfg.M
	var total float32
	j := 0
	for ; j+4 <= m; j += 4 {
		c0 := list.codes[j*list.capacity+e]
		c1 := list.codes[(j+1)*list.capacity+e]
		c2 := list.codes[(j+2)*list.capacity+e]
		c3 := list.codes[(j+3)*list.capacity+e]
		total += lut[j][c0] + lut[j+1][c1] + lut[j+2][c2] + lut[j+3][c3]
	}
	for ; j < m; j++ {
		total += lut[j][list.codes[j*list.capacity+e]]
	}
	return total
}

// Search ranks the nprobe nearest coarse lists, accumulates estimated
// distances via the LUT, keeps the oversample_k best candidates by
// estimate, then rerank_top of them are rescored exactly before
// returning the top-k (spec.md §4.5).
func (idx *IVFPQ) Search(query []float32, k int, filter *Filter) ([]SearchResult, error) {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	if !idx.trained {
		return nil, fmt.Errorf("ivfpq: search: %w", core.ErrNotTrained)
	}
	if k <= 0 || len(query) != idx.dim {
		return nil, fmt.Errorf("ivfpq: search: %w", core.ErrInvalidArgument)
	}

	q := query
	if idx.cfg.UseCosine {
		q = normalize(query)
	}

	nprobe := idx.cfg.NProbe
	if nprobe > len(idx.coarse) {
		nprobe = len(idx.coarse)
	}
	probeLists := idx.topProbeLists(q, nprobe)

	oversampleK := k * idx.cfg.OversamplingFactor
	if oversampleK < k {
		oversampleK = k
	}

	// Metadata pushdown is not supported by IVF-PQ: codes carry no
	// metadata, so a non-nil filter is left for the façade to post-filter
	// against its own storage.
	_ = filter
	_ = oversampleK

	all := idx.collectAndRerank(query, probeLists, oversampleK)
	sort.Slice(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func (idx *IVFPQ) buildLUTForList(query, centroid []float32) [][]float32 {
	residualQuery := make([]float32, idx.dim)
	for i := range query {
		residualQuery[i] = query[i] - centroid[i]
	}
	return idx.buildLUT(residualQuery)
}

// collectAndRerank scans the probed lists (holding one list's lock at a
// time), sorts the live entries by estimated distance and keeps the best
// oversampleK, reranks up to DefaultRerank of them exactly, and returns
// them in estimate order with their (possibly still-estimated) distances.
// Search re-sorts and truncates to top-k after this.
func (idx *IVFPQ) collectAndRerank(query []float32, probeLists []int, oversampleK int) []SearchResult {
	type cand struct {
		vecID    int
		vector   []float32
		estimate float32
	}
	var pool []cand
	for _, li := range probeLists {
		list := idx.lists[li]
		list.mu.Lock()
		lut := idx.buildLUTForList(normalizeIfCosine(idx, query), idx.coarse[li])
		for e, entry := range list.entries {
			if entry.deleted {
				continue
			}
			d := idx.estimate(lut, list, e)
			pool = append(pool, cand{vecID: entry.vecID, vector: entry.vector, estimate: d})
		}
		list.mu.Unlock()
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].estimate < pool[j].estimate })
	if len(pool) > oversampleK {
		pool = pool[:oversampleK]
	}
	rerankN := idx.cfg.DefaultRerank
	if rerankN > len(pool) {
		rerankN = len(pool)
	}
	out := make([]SearchResult, len(pool))
	for i, c := range pool {
		dist := c.estimate
		if i < rerankN {
			dist = exactDistance(idx.cfg.UseCosine, query, c.vector)
		}
		out[i] = SearchResult{ID: c.vecID, Distance: dist}
	}
	return out
}

func normalizeIfCosine(idx *IVFPQ, v []float32) []float32 {
	if idx.cfg.UseCosine {
		return normalize(v)
	}
	return v
}

// RangeSearch filters candidates by estimated distance <= radius, collects
// up to 2*maxResults, then reranks exactly and keeps those within radius.
func (idx *IVFPQ) RangeSearch(query []float32, radius float32, maxResults int) ([]SearchResult, error) {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	if !idx.trained {
		return nil, fmt.Errorf("ivfpq: rangesearch: %w", core.ErrNotTrained)
	}
	q := normalizeIfCosine(idx, query)
	nprobe := idx.cfg.NProbe
	if nprobe > len(idx.coarse) {
		nprobe = len(idx.coarse)
	}
	probeLists := idx.topProbeLists(q, nprobe)

	type cand struct {
		vecID    int
		vector   []float32
		estimate float32
	}
	var pool []cand
	for _, li := range probeLists {
		list := idx.lists[li]
		list.mu.Lock()
		lut := idx.buildLUTForList(q, idx.coarse[li])
		for e, entry := range list.entries {
			if entry.deleted {
				continue
			}
			d := idx.estimate(lut, list, e)
			if d <= radius {
				pool = append(pool, cand{vecID: entry.vecID, vector: entry.vector, estimate: d})
			}
		}
		list.mu.Unlock()
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].estimate < pool[j].estimate })
	limit := 2 * maxResults
	if limit < len(pool) {
		pool = pool[:limit]
	}
	out := make([]SearchResult, 0, len(pool))
	for _, c := range pool {
		d := exactDistance(idx.cfg.UseCosine, query, c.vector)
		if d <= radius {
			out = append(out, SearchResult{ID: c.vecID, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// Delete soft-deletes vecID's entry.
func (idx *IVFPQ) Delete(vecID int) error {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	loc, ok := idx.idToLocation[vecID]
	if !ok {
		return fmt.Errorf("ivfpq: delete: %w", core.ErrNotFound)
	}
	list := idx.lists[loc.list]
	list.mu.Lock()
	defer list.mu.Unlock()
	list.entries[loc.entry].deleted = true
	return nil
}

// Update replaces vecID's vector: it tombstones the existing entry and
// appends a new entry, with a freshly computed coarse assignment and PQ
// code, to the nearest list. The old entry is not rewritten in place; its
// tombstoned slot stays in its list until Rebuild.
func (idx *IVFPQ) Update(vecID int, data []float32, meta []MetaPair) error {
	idx.rw.RLock()
	defer idx.rw.RUnlock()
	if !idx.trained {
		return fmt.Errorf("ivfpq: update: %w", core.ErrNotTrained)
	}
	loc, ok := idx.idToLocation[vecID]
	if !ok {
		return fmt.Errorf("ivfpq: update: %w", core.ErrNotFound)
	}
	oldList := idx.lists[loc.list]
	oldList.mu.Lock()
	oldList.entries[loc.entry].deleted = true
	oldList.mu.Unlock()

	v := data
	if idx.cfg.UseCosine {
		v = normalize(data)
	}
	c := idx.nearestCoarse(v)
	residual := make([]float32, idx.dim)
	for i := range v {
		residual[i] = v[i] - idx.coarse[c][i]
	}
	code := idx.encode(residual)

	list := idx.lists[c]
	list.mu.Lock()
	e := len(list.entries)
	if e+1 > list.capacity {
		list.grow(e + 1)
	}
	list.entries = append(list.entries, ivfEntry{vecID: vecID, vector: append([]float32(nil), data...), meta: meta})
	for j := 0; j < idx.cfg.M; j++ {
		list.codes[j*list.capacity+e] = code[j]
	}
	list.mu.Unlock()

	idx.idToLocation[vecID] = struct{ list, entry int }{c, e}
	return nil
}

// Rebuild re-assigns every live entry to its nearest current centroid
// without retraining codebooks (spec.md §9).
func (idx *IVFPQ) Rebuild(src VectorSource) error {
	idx.rw.Lock()
	defer idx.rw.Unlock()
	if !idx.trained {
		return fmt.Errorf("ivfpq: rebuild: %w", core.ErrNotTrained)
	}
	newLists := make([]*ivfList, idx.cfg.NList)
	for i := range newLists {
		newLists[i] = &ivfList{m: idx.cfg.M}
	}
	newLocation := make(map[int]struct{ list, entry int })

	for _, list := range idx.lists {
		for _, entry := range list.entries {
			if entry.deleted {
				continue
			}
			v := entry.vector
			if idx.cfg.UseCosine {
				v = normalize(v)
			}
			c := idx.nearestCoarse(v)
			residual := make([]float32, idx.dim)
			for i := range v {
				residual[i] = v[i] - idx.coarse[c][i]
			}
			code := idx.encode(residual)
			nl := newLists[c]
			e := len(nl.entries)
			if e+1 > nl.capacity {
				nl.grow(e + 1)
			}
			nl.entries = append(nl.entries, ivfEntry{vecID: entry.vecID, vector: entry.vector, meta: entry.meta})
			for j := 0; j < idx.cfg.M; j++ {
				nl.codes[j*nl.capacity+e] = code[j]
			}
			newLocation[entry.vecID] = struct{ list, entry int }{c, e}
		}
	}
	idx.lists = newLists
	idx.idToLocation = newLocation
	return nil
}

// Save writes the header, codebooks (if trained), then per-list entries,
// trailed by a CRC32 over every preceding byte (spec.md §4.5, §6).
func (idx *IVFPQ) Save(w io.Writer) error {
	idx.rw.RLock()
	defer idx.rw.RUnlock()

	var buf bytes.Buffer
	writeU32(&buf, uint32(idx.dim))
	writeU32(&buf, uint32(idx.cfg.NList))
	writeU32(&buf, uint32(idx.cfg.M))
	writeU32(&buf, uint32(idx.cfg.NBits))
	writeU32(&buf, uint32(idx.cfg.NProbe))
	writeU32(&buf, uint32(idx.cfg.TrainIters))
	writeU32(&buf, uint32(idx.cfg.DefaultRerank))
	writeBool(&buf, idx.cfg.UseCosine)
	writeU32(&buf, uint32(idx.cfg.OversamplingFactor))
	writeBool(&buf, idx.trained)

	if idx.trained {
		for _, c := range idx.coarse {
			writeFloats(&buf, c)
		}
		for m := 0; m < idx.cfg.M; m++ {
			for _, c := range idx.pq[m] {
				writeFloats(&buf, c)
			}
		}
	}

	for _, list := range idx.lists {
		writeU32(&buf, uint32(len(list.entries)))
		for e, entry := range list.entries {
			writeU64(&buf, uint64(entry.vecID))
			writeBool(&buf, entry.deleted)
			code := make([]byte, idx.cfg.M)
			for j := 0; j < idx.cfg.M; j++ {
				code[j] = list.codes[j*list.capacity+e]
			}
			buf.Write(code)
			writeFloats(&buf, entry.vector)
			writeMeta(&buf, entry.meta)
		}
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ivfpq: save: %w", err)
	}
	sum := crc32klaus.ChecksumIEEE(buf.Bytes())
	return writeU32(w, sum)
}

func writeBool(w io.Writer, b bool) {
	if b {
		w.Write([]byte{1})
	} else {
		w.Write([]byte{0})
	}
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// Load deserializes an index written by Save. It does not verify the
// trailing CRC itself — the façade verifies the whole snapshot's CRC
// before calling Load (spec.md §4.7).
func (idx *IVFPQ) Load(r io.Reader) error {
	idx.rw.Lock()
	defer idx.rw.Unlock()

	var dim, nlist, m, nbits, nprobe, trainIters, rerank, oversampling uint32
	for _, p := range []*uint32{&dim, &nlist, &m, &nbits, &nprobe, &trainIters, &rerank} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("ivfpq: load header: %w", err)
		}
	}
	useCosine, err := readBool(r)
	if err != nil {
		return fmt.Errorf("ivfpq: load header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &oversampling); err != nil {
		return fmt.Errorf("ivfpq: load header: %w", err)
	}
	trained, err := readBool(r)
	if err != nil {
		return fmt.Errorf("ivfpq: load header: %w", err)
	}

	idx.dim = int(dim)
	idx.cfg = IVFPQConfig{
		NList: int(nlist), M: int(m), NBits: int(nbits), NProbe: int(nprobe),
		TrainIters: int(trainIters), DefaultRerank: int(rerank),
		UseCosine: useCosine, OversamplingFactor: int(oversampling),
	}
	idx.trained = trained

	if trained {
		idx.coarse = make([][]float32, idx.cfg.NList)
		for i := range idx.coarse {
			v, err := readFloats(r, idx.dim)
			if err != nil {
				return fmt.Errorf("ivfpq: load coarse: %w", err)
			}
			idx.coarse[i] = v
		}
		k := idx.codeK()
		idx.pq = make([][][]float32, idx.cfg.M)
		for mm := 0; mm < idx.cfg.M; mm++ {
			idx.pq[mm] = make([][]float32, k)
			for c := 0; c < k; c++ {
				v, err := readFloats(r, idx.subDim())
				if err != nil {
					return fmt.Errorf("ivfpq: load codebook: %w", err)
				}
				idx.pq[mm][c] = v
			}
		}
	}

	idx.lists = make([]*ivfList, idx.cfg.NList)
	idx.idToLocation = make(map[int]struct{ list, entry int })
	for li := 0; li < idx.cfg.NList; li++ {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("ivfpq: load list count: %w", err)
		}
		list := &ivfList{m: idx.cfg.M}
		list.grow(int(count))
		for e := 0; e < int(count); e++ {
			var vecID uint64
			if err := binary.Read(r, binary.LittleEndian, &vecID); err != nil {
				return fmt.Errorf("ivfpq: load entry: %w", err)
			}
			deleted, err := readBool(r)
			if err != nil {
				return fmt.Errorf("ivfpq: load entry: %w", err)
			}
			code := make([]byte, idx.cfg.M)
			if _, err := io.ReadFull(r, code); err != nil {
				return fmt.Errorf("ivfpq: load entry: %w", err)
			}
			vec, err := readFloats(r, idx.dim)
			if err != nil {
				return fmt.Errorf("ivfpq: load entry: %w", err)
			}
			meta, err := readMeta(r)
			if err != nil {
				return fmt.Errorf("ivfpq: load entry: %w", err)
			}
			list.entries = append(list.entries, ivfEntry{vecID: int(vecID), deleted: deleted, vector: vec, meta: meta})
			for j := 0; j < idx.cfg.M; j++ {
				list.codes[j*list.capacity+e] = code[j]
			}
			idx.idToLocation[int(vecID)] = struct{ list, entry int }{li, e}
		}
		idx.lists[li] = list
	}

	return nil
}

// SetSource is a no-op for IVF-PQ: entries keep their own vector copy for
// rerank, so the index never calls back into the primary store. Present
// to satisfy the same wiring pattern the façade uses for HNSW.
func (idx *IVFPQ) SetSource(VectorSource) {}
