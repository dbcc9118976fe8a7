package gigavector

import (
	"fmt"

	"github.com/gigavector/gigavector/pkg/core"
)

// GetVersion returns id's current MVCC version slot under the read lock
// (spec.md §4.8).
func (db *DB) GetVersion(id int) (core.VersionSlot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if id < 0 || id >= db.storage.Count() {
		return core.VersionSlot{}, fmt.Errorf("gigavector: get version: %w", core.ErrOutOfRange)
	}
	return db.versions.Get(id), nil
}

// evaluate runs conditions against id's current state under the write
// lock the caller already holds, returning the live view for reuse. A
// missing target, or a soft-deleted one whose conditions all pass, fails
// with ErrNotFound.
func (db *DB) evaluate(id int, conditions []core.Condition) (core.View, error) {
	if id < 0 || id >= db.storage.Count() {
		return core.View{}, fmt.Errorf("gigavector: %w", core.ErrNotFound)
	}
	view, err := db.storage.GetView(id)
	if err != nil {
		return core.View{}, err
	}
	deleted, err := db.storage.IsDeleted(id)
	if err != nil {
		return core.View{}, err
	}
	slot := db.versions.Get(id)
	if r := core.EvaluateAll(conditions, slot, deleted, view.Meta); r != core.CondOK {
		return core.View{}, fmt.Errorf("gigavector: %w", core.ConditionError(r))
	}
	if deleted {
		return core.View{}, fmt.Errorf("gigavector: %w", core.ErrNotFound)
	}
	return view, nil
}

// ConditionalUpdateVector replaces id's payload iff every condition holds,
// then bumps its version (spec.md §4.8's update_vector).
func (db *DB) ConditionalUpdateVector(id int, data []float32, conditions []core.Condition) (core.VersionSlot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	view, err := db.evaluate(id, conditions)
	if err != nil {
		return core.VersionSlot{}, err
	}
	if len(data) != db.dim {
		return core.VersionSlot{}, fmt.Errorf("gigavector: conditional update vector: %w", core.ErrInvalidArgument)
	}
	if !db.replaying {
		if err := db.w.AppendUpdate(uint64(id), data, view.Meta); err != nil {
			return core.VersionSlot{}, fmt.Errorf("gigavector: conditional update vector: %w", err)
		}
	}
	if err := db.storage.UpdateData(id, data); err != nil {
		return core.VersionSlot{}, err
	}
	if err := db.idx.Update(id, data, toMetaPairs(view.Meta)); err != nil {
		return core.VersionSlot{}, err
	}
	return db.versions.Bump(id), nil
}

// ConditionalSetMetadata upserts (key, value) into id's metadata iff every
// condition holds, then bumps its version (spec.md §4.8's update_metadata:
// "clone existing list, upsert key").
func (db *DB) ConditionalSetMetadata(id int, key, value string, conditions []core.Condition) (core.VersionSlot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	view, err := db.evaluate(id, conditions)
	if err != nil {
		return core.VersionSlot{}, err
	}
	data := append([]float32(nil), view.Data...)
	newMeta := view.Meta.Clone().Set(key, value)
	if !db.replaying {
		if err := db.w.AppendUpdate(uint64(id), data, newMeta); err != nil {
			return core.VersionSlot{}, fmt.Errorf("gigavector: conditional set metadata: %w", err)
		}
	}
	if err := db.storage.UpdateMetadata(id, newMeta); err != nil {
		return core.VersionSlot{}, err
	}
	if err := db.idx.Update(id, data, toMetaPairs(newMeta)); err != nil {
		return core.VersionSlot{}, err
	}
	db.metaIdx.Update(id, view.Meta, newMeta)
	return db.versions.Bump(id), nil
}

// ConditionalDelete soft-deletes id iff every condition holds, then bumps
// its version (spec.md §4.8's delete).
func (db *DB) ConditionalDelete(id int, conditions []core.Condition) (core.VersionSlot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	view, err := db.evaluate(id, conditions)
	if err != nil {
		return core.VersionSlot{}, err
	}
	if !db.replaying {
		if err := db.w.AppendDelete(uint64(id)); err != nil {
			return core.VersionSlot{}, fmt.Errorf("gigavector: conditional delete: %w", err)
		}
	}
	if err := db.storage.MarkDeleted(id); err != nil {
		return core.VersionSlot{}, err
	}
	if err := db.idx.Delete(id); err != nil {
		return core.VersionSlot{}, err
	}
	db.metaIdx.RemoveAll(id, view.Meta)
	return db.versions.Bump(id), nil
}

// MigrateEmbedding is the idiomatic compare-and-swap: a VersionEq
// condition plus a data update (spec.md §4.8).
func (db *DB) MigrateEmbedding(id int, newData []float32, expectedVersion uint64) (core.VersionSlot, error) {
	return db.ConditionalUpdateVector(id, newData, []core.Condition{core.VersionEq{Expected: expectedVersion}})
}

// BatchItem is one unit of work for BatchUpdate.
type BatchItem struct {
	ID         int
	Data       []float32
	Conditions []core.Condition
}

// BatchResult is BatchUpdate's per-item outcome.
type BatchResult struct {
	Slot core.VersionSlot
	Err  error
}

// BatchUpdate takes the write lock once and applies every item's
// conditional vector update, producing a per-item result slice (spec.md
// §4.8's batch_update). A failed item does not abort the others.
func (db *DB) BatchUpdate(items []BatchItem) []BatchResult {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]BatchResult, len(items))
	for i, it := range items {
		view, err := db.evaluate(it.ID, it.Conditions)
		if err != nil {
			out[i] = BatchResult{Err: err}
			continue
		}
		if len(it.Data) != db.dim {
			out[i] = BatchResult{Err: fmt.Errorf("gigavector: batch update: %w", core.ErrInvalidArgument)}
			continue
		}
		if !db.replaying {
			if err := db.w.AppendUpdate(uint64(it.ID), it.Data, view.Meta); err != nil {
				out[i] = BatchResult{Err: fmt.Errorf("gigavector: batch update: %w", err)}
				continue
			}
		}
		if err := db.storage.UpdateData(it.ID, it.Data); err != nil {
			out[i] = BatchResult{Err: err}
			continue
		}
		if err := db.idx.Update(it.ID, it.Data, toMetaPairs(view.Meta)); err != nil {
			out[i] = BatchResult{Err: err}
			continue
		}
		out[i] = BatchResult{Slot: db.versions.Bump(it.ID)}
	}
	return out
}
