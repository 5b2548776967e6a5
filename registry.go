package refresher

import (
	"context"
	"slices"
	"sync"
	"time"
)

// TaskRecord describes a refresh task while it is queued or running. Records are registered by the coordinator
// on submission and removed once the task reaches a terminal state.
type TaskRecord[K comparable] struct {
	ID        string    `json:"id"`
	Family    string    `json:"family"`
	Key       K         `json:"key"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry tracks outstanding task records per job family.
type Registry[K comparable] interface {
	// ListOutstanding returns the records of the family that are queued or running, oldest first.
	ListOutstanding(ctx context.Context, family string) ([]TaskRecord[K], error)
	// RegisterIfAbsent adds the record unless a live record of the same family already has an equal key.
	// The check and the insert are atomic, it reports whether the record was added.
	RegisterIfAbsent(ctx context.Context, rec TaskRecord[K]) (bool, error)
	// Update replaces a record, typically to publish a state change.
	Update(ctx context.Context, rec TaskRecord[K]) error
	// Remove drops the record. Removing an unknown record is not an error.
	Remove(ctx context.Context, rec TaskRecord[K]) error
}

// MemoryRegistry keeps records in process memory. It is the default registry of a coordinator.
type MemoryRegistry[K comparable] struct {
	mu       sync.RWMutex
	families map[string]map[string]TaskRecord[K]
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry[K comparable]() *MemoryRegistry[K] {
	return &MemoryRegistry[K]{families: make(map[string]map[string]TaskRecord[K])}
}

// ListOutstanding method returns a sorted copy of the family's records.
// The copy is taken under the read lock, so callers may keep it after other goroutines change the registry.
func (r *MemoryRegistry[K]) ListOutstanding(_ context.Context, family string) ([]TaskRecord[K], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]TaskRecord[K], 0, len(r.families[family]))
	for _, rec := range r.families[family] {
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// RegisterIfAbsent method stores rec only when no live record of its family has an equal key.
// The scan and the insert run under the write lock, so two concurrent submissions of an equal key cannot both be added.
func (r *MemoryRegistry[K]) RegisterIfAbsent(_ context.Context, rec TaskRecord[K]) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, ok := r.families[rec.Family]
	if !ok {
		records = make(map[string]TaskRecord[K])
		r.families[rec.Family] = records
	}

	for _, existing := range records {
		if !existing.State.IsTerminal() && existing.Key == rec.Key {
			return false, nil
		}
	}

	records[rec.ID] = rec
	return true, nil
}

// Update method replaces a record that is still registered and ignores one that is not.
func (r *MemoryRegistry[K]) Update(_ context.Context, rec TaskRecord[K]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A record removed concurrently must not be resurrected by a late state change.
	if records, ok := r.families[rec.Family]; ok {
		if _, exists := records[rec.ID]; exists {
			records[rec.ID] = rec
		}
	}
	return nil
}

// Remove method deletes the record and drops the family once it has no records left.
func (r *MemoryRegistry[K]) Remove(_ context.Context, rec TaskRecord[K]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if records, ok := r.families[rec.Family]; ok {
		delete(records, rec.ID)
		if len(records) == 0 {
			delete(r.families, rec.Family)
		}
	}
	return nil
}

func sortRecords[K comparable](records []TaskRecord[K]) {
	slices.SortFunc(records, func(a, b TaskRecord[K]) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
