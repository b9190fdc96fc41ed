package units

import (
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// ChangeFunc is called after every successful Upsert or Remove, outside the registry lock
type ChangeFunc func(record UnitRecord, removed bool)

type MemoryRegistry struct {
	mutex    sync.RWMutex
	records  map[string]UnitRecord
	now      func() time.Time
	onChange []ChangeFunc
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]UnitRecord),
		now:     time.Now,
	}
}

// OnChange registers a change callback. Not safe to call concurrently with mutations.
func (r *MemoryRegistry) OnChange(fn ChangeFunc) {
	r.onChange = append(r.onChange, fn)
}

func (r *MemoryRegistry) Upsert(record UnitRecord) error {
	if record.ID == "" {
		return errors.NewValidationError("unit ID cannot be empty", nil)
	}

	r.mutex.Lock()
	now := r.now()
	if record.CreatedAt.IsZero() {
		if existing, ok := r.records[record.ID]; ok {
			record.CreatedAt = existing.CreatedAt
		} else {
			record.CreatedAt = now
		}
	}
	record.UpdatedAt = now
	r.records[record.ID] = record
	r.mutex.Unlock()

	r.notify(record, false)
	return nil
}

func (r *MemoryRegistry) Update(id string, fn UpdateFunc) (UnitRecord, error) {
	r.mutex.Lock()
	stored, ok := r.records[id]
	if !ok {
		r.mutex.Unlock()
		return UnitRecord{}, errors.NewNotFoundError("unit not found", nil).WithContext("unit_id", id)
	}

	record := stored
	if !fn(&record) {
		r.mutex.Unlock()
		return stored, nil
	}
	record.ID = id
	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = r.now()
	r.records[id] = record
	r.mutex.Unlock()

	r.notify(record, false)
	return record, nil
}

func (r *MemoryRegistry) Remove(id string) error {
	r.mutex.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mutex.Unlock()
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit_id", id)
	}
	delete(r.records, id)
	r.mutex.Unlock()

	r.notify(record, true)
	return nil
}

func (r *MemoryRegistry) Get(id string) (UnitRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return UnitRecord{}, errors.NewNotFoundError("unit not found", nil).WithContext("unit_id", id)
	}
	return record, nil
}

// List returns matching records ordered by creation time, then identity
func (r *MemoryRegistry) List(filter Filter) []UnitRecord {
	r.mutex.RLock()
	result := make([]UnitRecord, 0, len(r.records))
	for _, record := range r.records {
		if filter.Matches(record) {
			result = append(result, record)
		}
	}
	r.mutex.RUnlock()

	SortByCreation(result)
	return result
}

func (r *MemoryRegistry) notify(record UnitRecord, removed bool) {
	for _, fn := range r.onChange {
		fn(record, removed)
	}
}

// SortByCreation orders records oldest first with identity as tie-break
func SortByCreation(records []UnitRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
