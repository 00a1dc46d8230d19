package repositories

import (
	"context"
	"sync"

	"github.com/BradenHooton/totpgate/internal/models"
)

// RateLimitStore persists per-IP failure records.
// Get returns models.ErrNotFound when no record exists.
type RateLimitStore interface {
	Get(ctx context.Context, ip string) (*models.RateLimitRecord, error)
	Set(ctx context.Context, record *models.RateLimitRecord) error
	Delete(ctx context.Context, ip string) error
	// Scan calls fn for every stored record until fn returns false
	Scan(ctx context.Context, fn func(record *models.RateLimitRecord) bool) error
	// Clear removes every record and returns how many were removed
	Clear(ctx context.Context) (int, error)
}

// MemoryRateLimitRepository keeps records in process memory
type MemoryRateLimitRepository struct {
	mu      sync.RWMutex
	records map[string]models.RateLimitRecord
}

// NewMemoryRateLimitRepository creates an empty in-memory store
func NewMemoryRateLimitRepository() *MemoryRateLimitRepository {
	return &MemoryRateLimitRepository{records: make(map[string]models.RateLimitRecord)}
}

// Get returns a copy of the record for ip
func (r *MemoryRateLimitRepository) Get(ctx context.Context, ip string) (*models.RateLimitRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[ip]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyRecord(record), nil
}

// Set stores a copy of record
func (r *MemoryRateLimitRepository) Set(ctx context.Context, record *models.RateLimitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.IP] = *copyRecord(*record)
	return nil
}

// Delete removes the record for ip; missing records are not an error
func (r *MemoryRateLimitRepository) Delete(ctx context.Context, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, ip)
	return nil
}

// Scan iterates over a snapshot so fn may call back into the store
func (r *MemoryRateLimitRepository) Scan(ctx context.Context, fn func(record *models.RateLimitRecord) bool) error {
	r.mu.RLock()
	snapshot := make([]*models.RateLimitRecord, 0, len(r.records))
	for _, record := range r.records {
		snapshot = append(snapshot, copyRecord(record))
	}
	r.mu.RUnlock()

	for _, record := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(record) {
			return nil
		}
	}
	return nil
}

// Clear removes every record
func (r *MemoryRateLimitRepository) Clear(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	r.records = make(map[string]models.RateLimitRecord)
	return n, nil
}

func copyRecord(record models.RateLimitRecord) *models.RateLimitRecord {
	if record.LockedUntil != nil {
		until := *record.LockedUntil
		record.LockedUntil = &until
	}
	return &record
}
