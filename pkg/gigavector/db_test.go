package gigavector

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gigavector/gigavector/pkg/core"
	"github.com/gigavector/gigavector/pkg/index"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.gvdb")
}

func TestAddAndSearch(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id0, err := db.Add([]float32{0, 0}, core.Metadata{{Key: "tenant", Value: "a"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id1, err := db.Add([]float32{10, 10}, core.Metadata{{Key: "tenant", Value: "b"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id1 != id0+1 {
		t.Errorf("ids are not monotonic: %d then %d", id0, id1)
	}

	results, err := db.Search([]float32{0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != id0 {
		t.Errorf("Search = %+v, want id %d as top hit", results, id0)
	}
}

func TestAddRejectsDimMismatch(t *testing.T) {
	db, err := Open(tempDBPath(t), 3, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Add([]float32{1, 2}, nil); err == nil {
		t.Error("Add with wrong dimension should fail")
	}
}

func TestDeleteHidesFromSearch(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id, err := db.Add([]float32{1, 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	results, err := db.Search([]float32{1, 1}, 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == id {
			t.Error("deleted id still returned by Search")
		}
	}
}

func TestUpdateMetadataAndFilterSearch(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id, err := db.Add([]float32{0, 0}, core.Metadata{{Key: "status", Value: "draft"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.UpdateMetadata(id, core.Metadata{{Key: "status", Value: "final"}}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	draft, err := db.Search([]float32{0, 0}, 5, &index.Filter{Key: "status", Value: "draft"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(draft) != 0 {
		t.Errorf("Search with stale filter returned %d results, want 0", len(draft))
	}

	final, err := db.Search([]float32{0, 0}, 5, &index.Filter{Key: "status", Value: "final"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(final) != 1 || final[0].ID != id {
		t.Errorf("Search with updated filter = %+v, want id %d", final, id)
	}
}

func TestRangeSearchWithFilter(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	db.Add([]float32{0, 0}, core.Metadata{{Key: "tenant", Value: "a"}})
	db.Add([]float32{0.1, 0}, core.Metadata{{Key: "tenant", Value: "b"}})
	db.Add([]float32{10, 10}, core.Metadata{{Key: "tenant", Value: "a"}})

	results, err := db.RangeSearch([]float32{0, 0}, 1.0, 10, &index.Filter{Key: "tenant", Value: "a"})
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("RangeSearch with filter returned %d results, want 1", len(results))
	}
}

func TestSaveAndReopenRoundTrip(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, 3, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var ids []int
	for i := 0; i < 10; i++ {
		v := []float32{float32(i), float32(i) * 2, float32(i) * 3}
		id, err := db.Add(v, core.Metadata{{Key: "i", Value: string(rune('a' + i))}})
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := db.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 3, index.TypeHNSW)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	stats, err := reopened.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 10 {
		t.Errorf("Count after reopen = %d, want 10", stats.Count)
	}

	query := []float32{5, 10, 15}
	results, err := reopened.Search(query, 1, nil)
	if err != nil {
		t.Fatalf("Search after reopen: %v", err)
	}
	if len(results) != 1 || results[0].ID != ids[5] {
		t.Errorf("Search after reopen = %+v, want id %d", results, ids[5])
	}
}

func TestWALRecoveryWithoutSave(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id, err := db.Add([]float32{3, 4}, core.Metadata{{Key: "k", Value: "v"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Close without Save: only the WAL persists, mimicking a crash before
	// the next checkpoint.
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered, err := Open(path, 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer recovered.Close()

	stats, err := recovered.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("Count after WAL replay = %d, want 1", stats.Count)
	}
	results, err := recovered.Search([]float32{3, 4}, 1, nil)
	if err != nil {
		t.Fatalf("Search after WAL replay: %v", err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Errorf("Search after WAL replay = %+v, want id %d", results, id)
	}
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.Add([]float32{1, 2}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := db.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[10] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(path, 2, index.TypeHNSW); err == nil {
		t.Error("Open over a corrupted snapshot should fail")
	}
}

func TestConditionalUpdateVectorSeedScenario(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id, err := db.Add([]float32{1, 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	slot, err := db.ConditionalUpdateVector(id, []float32{2, 2}, []core.Condition{core.VersionEq{Expected: 0}})
	if err != nil {
		t.Fatalf("first conditional update: %v", err)
	}
	if slot.Version != 1 {
		t.Fatalf("version after first conditional update = %d, want 1", slot.Version)
	}

	if _, err := db.ConditionalUpdateVector(id, []float32{3, 3}, []core.Condition{core.VersionEq{Expected: 0}}); err == nil {
		t.Error("conditional update against a stale expected version should fail")
	}

	slot, err = db.ConditionalUpdateVector(id, []float32{3, 3}, []core.Condition{core.VersionEq{Expected: 1}, core.NotDeleted{}})
	if err != nil {
		t.Fatalf("second conditional update: %v", err)
	}
	if slot.Version != 2 {
		t.Fatalf("version after second conditional update = %d, want 2", slot.Version)
	}

	results, err := db.Search([]float32{3, 3}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Errorf("Search after conditional update = %+v, want id %d at the new position", results, id)
	}
}

func TestConditionalDeleteAndSetMetadata(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id, err := db.Add([]float32{1, 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := db.ConditionalSetMetadata(id, "status", "active", []core.Condition{core.NotDeleted{}}); err != nil {
		t.Fatalf("ConditionalSetMetadata: %v", err)
	}

	if _, err := db.ConditionalDelete(id, []core.Condition{core.MetadataEq{Key: "status", Value: "missing"}}); err == nil {
		t.Error("ConditionalDelete with a failing metadata condition should fail")
	}

	slot, err := db.ConditionalDelete(id, []core.Condition{core.MetadataEq{Key: "status", Value: "active"}})
	if err != nil {
		t.Fatalf("ConditionalDelete: %v", err)
	}
	if slot.Version == 0 {
		t.Error("ConditionalDelete did not bump the version")
	}

	if _, err := db.ConditionalDelete(id, []core.Condition{core.NotDeleted{}}); err == nil {
		t.Error("ConditionalDelete on an already-deleted row should fail NotDeleted")
	}
}

func TestMigrateEmbedding(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id, err := db.Add([]float32{0, 0}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	slot, err := db.GetVersion(id)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if slot.Version != 0 {
		t.Fatalf("initial version = %d, want 0", slot.Version)
	}

	if _, err := db.MigrateEmbedding(id, []float32{9, 9}, slot.Version); err != nil {
		t.Fatalf("MigrateEmbedding: %v", err)
	}
	if _, err := db.MigrateEmbedding(id, []float32{9, 9}, slot.Version); err == nil {
		t.Error("MigrateEmbedding against a stale version should fail")
	}
}

func TestBatchUpdatePartialFailure(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	id0, _ := db.Add([]float32{0, 0}, nil)
	id1, _ := db.Add([]float32{1, 1}, nil)

	results := db.BatchUpdate([]BatchItem{
		{ID: id0, Data: []float32{5, 5}, Conditions: []core.Condition{core.VersionEq{Expected: 0}}},
		{ID: id1, Data: []float32{6, 6}, Conditions: []core.Condition{core.VersionEq{Expected: 99}}},
	})
	if len(results) != 2 {
		t.Fatalf("BatchUpdate returned %d results, want 2", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("item 0 should have succeeded, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("item 1 with a stale expected version should have failed")
	}

	found, err := db.Search([]float32{5, 5}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 || found[0].ID != id0 {
		t.Errorf("Search after BatchUpdate = %+v, want id %d moved to (5,5)", found, id0)
	}
}

func TestIVFPQIndexThroughFacade(t *testing.T) {
	const dim = 4
	db, err := Open(tempDBPath(t), dim, index.TypeIVFPQ, WithIVFPQOptions(index.WithNList(8)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	rng := rand.New(rand.NewSource(5))
	samples := make([][]float32, 300)
	for i := range samples {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32() * 10
		}
		samples[i] = v
	}
	if err := db.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}

	var ids []int
	for _, v := range samples {
		id, err := db.Add(v, nil)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, id)
	}

	results, err := db.Search(samples[0], 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != ids[0] {
		t.Errorf("Search for exact match = %+v, want id %d", results, ids[0])
	}
}

func TestRebuildPreservesSearchability(t *testing.T) {
	db, err := Open(tempDBPath(t), 2, index.TypeHNSW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var ids []int
	for i := 0; i < 20; i++ {
		id, err := db.Add([]float32{float32(i), 0}, nil)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, id)
	}

	if err := db.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	results, err := db.Search([]float32{10, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search after Rebuild: %v", err)
	}
	if len(results) != 1 || results[0].ID != ids[10] {
		t.Errorf("Search after Rebuild = %+v, want id %d", results, ids[10])
	}
}
