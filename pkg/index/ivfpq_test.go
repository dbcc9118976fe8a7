package index

import (
	"bytes"
	"math/rand"
	"testing"
)

// genClusteredVectors produces n vectors in dim dimensions, drawn from a
// handful of well-separated Gaussian clusters, for IVF-PQ training/search
// tests that need enough samples to populate a 2^NBits-sized codebook.
func genClusteredVectors(rng *rand.Rand, n, dim, clusters int) [][]float32 {
	centers := make([][]float32, clusters)
	for c := range centers {
		centers[c] = make([]float32, dim)
		for d := 0; d < dim; d++ {
			centers[c][d] = float32(c*10) + rng.Float32()
		}
	}
	out := make([][]float32, n)
	for i := range out {
		c := centers[i%clusters]
		v := make([]float32, dim)
		for d := 0; d < dim; d++ {
			v[d] = c[d] + float32(rng.NormFloat64()*0.1)
		}
		out[i] = v
	}
	return out
}

func TestIVFPQTrainRequiresEnoughSamples(t *testing.T) {
	idx := NewIVFPQ(4, WithNList(4))
	rng := rand.New(rand.NewSource(1))
	tooFew := genClusteredVectors(rng, 5, 4, 2)
	if err := idx.Train(tooFew); err == nil {
		t.Error("Train with too few samples should fail")
	}
}

func TestIVFPQInsertBeforeTrainFails(t *testing.T) {
	idx := NewIVFPQ(4, WithNList(4))
	if err := idx.Insert(0, []float32{1, 2, 3, 4}, nil); err == nil {
		t.Error("Insert before Train should fail")
	}
}

func TestIVFPQSearchAndRerank(t *testing.T) {
	const dim = 4
	const clusters = 4
	const n = 300

	rng := rand.New(rand.NewSource(7))
	samples := genClusteredVectors(rng, n, dim, clusters)

	idx := NewIVFPQ(dim, WithNList(8), WithNProbe(4), WithRerank(50))
	if err := idx.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}

	ids := make([]int, n)
	for i, v := range samples {
		if err := idx.Insert(i, v, []MetaPair{{Key: "cluster", Value: ""}}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		ids[i] = i
	}

	// A query exactly matching an inserted vector should return that
	// vector itself, nearly at distance zero, after exact rerank.
	query := samples[0]
	results, err := idx.Search(query, 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search returned no results")
	}
	if results[0].ID != 0 {
		t.Errorf("Search top-1 for an exact-match query = id %d, want id 0", results[0].ID)
	}
	if results[0].Distance > 1e-3 {
		t.Errorf("Search top-1 distance for an exact-match query = %v, want ~0", results[0].Distance)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("Search results not sorted ascending at index %d", i)
		}
	}
}

func TestIVFPQDeleteAndUpdate(t *testing.T) {
	const dim = 4
	rng := rand.New(rand.NewSource(3))
	samples := genClusteredVectors(rng, 300, dim, 4)

	idx := NewIVFPQ(dim, WithNList(8))
	if err := idx.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range samples {
		if err := idx.Insert(i, v, nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	if err := idx.Delete(0); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	results, err := idx.Search(samples[0], 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == 0 {
			t.Error("deleted id 0 still appeared in search results")
		}
	}

	moved := append([]float32(nil), samples[1]...)
	moved[0] += 100
	if err := idx.Update(1, moved, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := idx.Search(moved, 1, nil)
	if err != nil {
		t.Fatalf("Search after update: %v", err)
	}
	if len(got) == 0 || got[0].ID != 1 {
		t.Errorf("Search after Update = %+v, want id 1 as top hit", got)
	}
}

func TestIVFPQRangeSearch(t *testing.T) {
	const dim = 4
	rng := rand.New(rand.NewSource(9))
	samples := genClusteredVectors(rng, 300, dim, 4)

	idx := NewIVFPQ(dim, WithNList(8))
	if err := idx.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range samples {
		if err := idx.Insert(i, v, nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	results, err := idx.RangeSearch(samples[0], 0.5, 50)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	for _, r := range results {
		if r.Distance > 0.5 {
			t.Errorf("RangeSearch returned id %d at distance %v > radius 0.5", r.ID, r.Distance)
		}
	}
	found := false
	for _, r := range results {
		if r.ID == 0 {
			found = true
		}
	}
	if !found {
		t.Error("RangeSearch around samples[0] did not include id 0 itself")
	}
}

func TestIVFPQSaveLoadRoundTrip(t *testing.T) {
	const dim = 4
	rng := rand.New(rand.NewSource(11))
	samples := genClusteredVectors(rng, 300, dim, 4)

	idx := NewIVFPQ(dim, WithNList(8))
	if err := idx.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range samples {
		if err := idx.Insert(i, v, nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := idx.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewIVFPQ(dim)
	if err := loaded.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load: %v", err)
	}

	query := samples[42]
	want, err := idx.Search(query, 5, nil)
	if err != nil {
		t.Fatalf("Search (original): %v", err)
	}
	got, err := loaded.Search(query, 5, nil)
	if err != nil {
		t.Fatalf("Search (loaded): %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded index returned %d results, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("result %d: got id %d, want id %d", i, got[i].ID, want[i].ID)
		}
	}
}

// genVaryingNormVectors produces n vectors in dim dimensions, each a
// random unit direction scaled by a random magnitude, so cosine and
// Euclidean distance disagree sharply between same-direction vectors.
func genVaryingNormVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		scale := float32(1 + rng.Float64()*50)
		for d := range v {
			v[d] *= scale
		}
		out[i] = v
	}
	return out
}

func TestIVFPQCosineRerankUsesConfiguredMetric(t *testing.T) {
	const dim = 4
	rng := rand.New(rand.NewSource(13))
	samples := genVaryingNormVectors(rng, 300, dim)

	idx := NewIVFPQ(dim, WithNList(8), WithCosine())
	if err := idx.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range samples {
		if err := idx.Insert(i, v, nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	// Two vectors along the exact same direction but with wildly different
	// norms: cosine distance between them is ~0, Euclidean distance is huge.
	direction := []float32{1, 2, -1, 3}
	near := append([]float32(nil), direction...)
	far := make([]float32, dim)
	for i, x := range direction {
		far[i] = x * 75
	}
	nearID, err := insertNext(idx, near)
	if err != nil {
		t.Fatalf("Insert near: %v", err)
	}
	farID, err := insertNext(idx, far)
	if err != nil {
		t.Fatalf("Insert far: %v", err)
	}

	results, err := idx.Search(near, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	byID := make(map[int]float32, len(results))
	for _, r := range results {
		byID[r.ID] = r.Distance
	}
	if _, ok := byID[nearID]; !ok {
		t.Fatalf("Search results %+v do not include the query's own id %d", results, nearID)
	}
	if d, ok := byID[farID]; !ok {
		t.Fatalf("Search results %+v do not include the same-direction, different-norm id %d", results, farID)
	} else if d > 1e-2 {
		t.Errorf("cosine-configured rerank distance for a same-direction vector = %v, want ~0 (got raw Euclidean instead of 1-cosine)", d)
	}
}

// insertNext inserts v at the next unused vecID and returns that id.
func insertNext(idx *IVFPQ, v []float32) (int, error) {
	id := len(idx.idToLocation)
	return id, idx.Insert(id, v, nil)
}
