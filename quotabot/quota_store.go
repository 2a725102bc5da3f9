package quotabot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

const (
	QuotaStoreMemory   = "memory"
	QuotaStoreFile     = "file"
	QuotaStoreDatabase = "database"
	QuotaStoreRedis    = "redis"
)

// RecordKey identifies a single UsageRecord.
type RecordKey struct {
	SubjectID string `json:"subject_id"`
	Category  string `json:"category"`
}

func (k RecordKey) String() string {
	return k.SubjectID + "/" + k.Category
}

// UpdateFunc modifies rec in place and reports whether the result should
// be written back. Returning an error aborts the update without writing.
// Stores may call it more than once (ex: after a conflicting write), so it
// must not have side effects outside rec.
type UpdateFunc func(rec *UsageRecord) (dirty bool, err error)

// QuotaStore persists UsageRecords keyed by (subject, category).
//
// Get returns an empty (unpersisted) record when none exists. Put
// persists synchronously; putting an empty record removes it. Reset with
// an empty category removes every record for the subject.
//
// Update is an atomic read-modify-write of one record: no other Update,
// Put or Reset of that key, from this process or any other sharing the
// store, can interleave with it. Resets are ordered against updates the
// same way. FileQuotaStore only makes this guarantee within one process.
//
// Implementations must keep subjects independently durable: a failed write
// for one subject must not damage another subject's records.
type QuotaStore interface {
	Get(ctx context.Context, subjectID, category string) (UsageRecord, error)
	Put(ctx context.Context, subjectID, category string, record UsageRecord) error
	Update(ctx context.Context, subjectID, category string, fn UpdateFunc) error
	Reset(ctx context.Context, subjectID, category string) error
	ResetCategory(ctx context.Context, category string) error
	ResetAll(ctx context.Context) error

	// List returns every stored record for the subject
	List(ctx context.Context, subjectID string) ([]UsageRecord, error)

	// Keys returns the keys of all stored records
	Keys(ctx context.Context) ([]RecordKey, error)

	Close() error
}

// MemoryQuotaStore keeps records in process memory. State does not
// survive restarts, so it's meant for tests and single-shot runs.
type MemoryQuotaStore struct {
	mu      sync.RWMutex
	records map[string]map[string]UsageRecord
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{records: map[string]map[string]UsageRecord{}}
}

func (s *MemoryQuotaStore) Get(
	ctx context.Context,
	subjectID string,
	category string,
) (UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return UsageRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[subjectID][category]
	if !ok {
		return newUsageRecord(subjectID, category), nil
	}
	return rec.Clone(), nil
}

func (s *MemoryQuotaStore) Put(
	ctx context.Context,
	subjectID string,
	category string,
	record UsageRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(subjectID, category, record)
	return nil
}

func (s *MemoryQuotaStore) Update(
	ctx context.Context,
	subjectID string,
	category string,
	fn UpdateFunc,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := newUsageRecord(subjectID, category)
	if existing, ok := s.records[subjectID][category]; ok {
		rec = existing.Clone()
	}
	dirty, err := fn(&rec)
	if err != nil || !dirty {
		return err
	}
	s.putLocked(subjectID, category, rec)
	return nil
}

func (s *MemoryQuotaStore) putLocked(subjectID, category string, record UsageRecord) {
	record = record.Clone()
	record.SubjectID = subjectID
	record.Category = category
	record.normalize()

	if record.IsEmpty() {
		s.deleteLocked(subjectID, category)
		return
	}
	subject, ok := s.records[subjectID]
	if !ok {
		subject = map[string]UsageRecord{}
		s.records[subjectID] = subject
	}
	subject[category] = record
}

func (s *MemoryQuotaStore) deleteLocked(subjectID, category string) {
	subject, ok := s.records[subjectID]
	if !ok {
		return
	}
	delete(subject, category)
	if len(subject) == 0 {
		delete(s.records, subjectID)
	}
}

func (s *MemoryQuotaStore) Reset(ctx context.Context, subjectID, category string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if category == "" {
		delete(s.records, subjectID)
		return nil
	}
	s.deleteLocked(subjectID, category)
	return nil
}

func (s *MemoryQuotaStore) ResetCategory(ctx context.Context, category string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subjectID := range s.records {
		s.deleteLocked(subjectID, category)
	}
	return nil
}

func (s *MemoryQuotaStore) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]map[string]UsageRecord{}
	return nil
}

func (s *MemoryQuotaStore) List(ctx context.Context, subjectID string) ([]UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]UsageRecord, 0, len(s.records[subjectID]))
	for _, rec := range s.records[subjectID] {
		records = append(records, rec.Clone())
	}
	sortRecords(records)
	return records, nil
}

func (s *MemoryQuotaStore) Keys(ctx context.Context) ([]RecordKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []RecordKey
	for subjectID, categories := range s.records {
		for category := range categories {
			keys = append(keys, RecordKey{SubjectID: subjectID, Category: category})
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (*MemoryQuotaStore) Close() error {
	return nil
}

func sortRecords(records []UsageRecord) {
	slices.SortFunc(
		records, func(a, b UsageRecord) int {
			if c := strings.Compare(a.SubjectID, b.SubjectID); c != 0 {
				return c
			}
			return strings.Compare(a.Category, b.Category)
		},
	)
}

func sortKeys(keys []RecordKey) {
	slices.SortFunc(
		keys, func(a, b RecordKey) int {
			if c := strings.Compare(a.SubjectID, b.SubjectID); c != 0 {
				return c
			}
			return strings.Compare(a.Category, b.Category)
		},
	)
}

// NewQuotaStore builds the store selected by config.
func NewQuotaStore(ctx context.Context, config *QuotaConfig, db DBI) (QuotaStore, error) {
	switch config.Store {
	case QuotaStoreMemory:
		return NewMemoryQuotaStore(), nil
	case QuotaStoreFile:
		return NewFileQuotaStore(config.Dir)
	case QuotaStoreDatabase:
		if db == nil {
			return nil, fmt.Errorf("quota store %q requires a database", config.Store)
		}
		return NewDatabaseQuotaStore(db), nil
	case QuotaStoreRedis:
		return NewRedisQuotaStore(ctx, config.Redis)
	default:
		return nil, invalidArgument("unknown quota store %q", config.Store)
	}
}
