package quotabot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

const (
	subjectFileExt  = ".json"
	subjectFilePerm = 0o600
)

// FileQuotaStore keeps one JSON document per subject under a directory.
// Each document is replaced atomically (write to a temp file, then
// rename), so a failed or interrupted write leaves the previous version
// of that subject intact and never touches other subjects.
//
// Updates are serialized per subject within the process. The directory
// must not be shared by more than one running bot.
type FileQuotaStore struct {
	dir   string
	locks *keyedMutex
}

// subjectFile is the on-disk layout of a subject's document
type subjectFile struct {
	SubjectID string                     `json:"subject_id"`
	Records   map[string]subjectFileItem `json:"records"`
}

type subjectFileItem struct {
	Timestamps    []int64 `json:"timestamps"`
	CooldownUntil int64   `json:"cooldown_until,omitempty"`
}

func NewFileQuotaStore(dir string) (*FileQuotaStore, error) {
	if dir == "" {
		return nil, invalidArgument("quota directory must be set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating quota directory: %w", err)
	}
	return &FileQuotaStore{dir: dir, locks: newKeyedMutex()}, nil
}

func (s *FileQuotaStore) path(subjectID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(subjectID))
	return filepath.Join(s.dir, name+subjectFileExt)
}

func subjectFromFilename(name string) (string, bool) {
	encoded, ok := strings.CutSuffix(name, subjectFileExt)
	if !ok {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *FileQuotaStore) read(subjectID string) (subjectFile, error) {
	doc := subjectFile{SubjectID: subjectID, Records: map[string]subjectFileItem{}}
	data, err := os.ReadFile(s.path(subjectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if err = json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("corrupt quota file for %q: %w", subjectID, err)
	}
	if doc.Records == nil {
		doc.Records = map[string]subjectFileItem{}
	}
	return doc, nil
}

func (s *FileQuotaStore) write(doc subjectFile) error {
	if len(doc.Records) == 0 {
		err := os.Remove(s.path(doc.SubjectID))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path(doc.SubjectID), data, subjectFilePerm)
}

func (s *FileQuotaStore) Get(
	ctx context.Context,
	subjectID string,
	category string,
) (UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return UsageRecord{}, err
	}
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	doc, err := s.read(subjectID)
	if err != nil {
		return UsageRecord{}, err
	}
	item, ok := doc.Records[category]
	if !ok {
		return newUsageRecord(subjectID, category), nil
	}
	return item.record(subjectID, category), nil
}

func (s *FileQuotaStore) Put(
	ctx context.Context,
	subjectID string,
	category string,
	record UsageRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	doc, err := s.read(subjectID)
	if err != nil {
		return err
	}
	record = record.Clone()
	record.normalize()
	if record.IsEmpty() {
		delete(doc.Records, category)
	} else {
		doc.Records[category] = newSubjectFileItem(record)
	}
	return s.write(doc)
}

func (s *FileQuotaStore) Update(
	ctx context.Context,
	subjectID string,
	category string,
	fn UpdateFunc,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	doc, err := s.read(subjectID)
	if err != nil {
		return err
	}
	rec := newUsageRecord(subjectID, category)
	if item, ok := doc.Records[category]; ok {
		rec = item.record(subjectID, category)
	}
	dirty, err := fn(&rec)
	if err != nil || !dirty {
		return err
	}
	rec.normalize()
	if rec.IsEmpty() {
		delete(doc.Records, category)
	} else {
		doc.Records[category] = newSubjectFileItem(rec)
	}
	return s.write(doc)
}

func (s *FileQuotaStore) Reset(ctx context.Context, subjectID, category string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	if category == "" {
		return s.write(subjectFile{SubjectID: subjectID})
	}
	doc, err := s.read(subjectID)
	if err != nil {
		return err
	}
	delete(doc.Records, category)
	return s.write(doc)
}

func (s *FileQuotaStore) ResetCategory(ctx context.Context, category string) error {
	subjects, err := s.subjects()
	if err != nil {
		return err
	}
	var errs []error
	for _, subjectID := range subjects {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		errs = append(errs, s.Reset(ctx, subjectID, category))
	}
	return errors.Join(errs...)
}

func (s *FileQuotaStore) ResetAll(ctx context.Context) error {
	subjects, err := s.subjects()
	if err != nil {
		return err
	}
	var errs []error
	for _, subjectID := range subjects {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		errs = append(errs, s.Reset(ctx, subjectID, ""))
	}
	return errors.Join(errs...)
}

func (s *FileQuotaStore) List(ctx context.Context, subjectID string) ([]UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	doc, err := s.read(subjectID)
	if err != nil {
		return nil, err
	}
	records := make([]UsageRecord, 0, len(doc.Records))
	for category, item := range doc.Records {
		records = append(records, item.record(subjectID, category))
	}
	sortRecords(records)
	return records, nil
}

func (s *FileQuotaStore) Keys(ctx context.Context) ([]RecordKey, error) {
	subjects, err := s.subjects()
	if err != nil {
		return nil, err
	}
	var keys []RecordKey
	for _, subjectID := range subjects {
		records, listErr := s.List(ctx, subjectID)
		if listErr != nil {
			return keys, listErr
		}
		for _, rec := range records {
			keys = append(keys, RecordKey{SubjectID: rec.SubjectID, Category: rec.Category})
		}
	}
	sortKeys(keys)
	return keys, nil
}

// subjects lists the subject IDs that have a file on disk.
// Stray files that don't decode to a subject ID are skipped.
func (s *FileQuotaStore) subjects() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	subjects := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if subjectID, ok := subjectFromFilename(entry.Name()); ok {
			subjects = append(subjects, subjectID)
		}
	}
	return subjects, nil
}

func (*FileQuotaStore) Close() error {
	return nil
}

func newSubjectFileItem(r UsageRecord) subjectFileItem {
	item := subjectFileItem{Timestamps: timesToUnixNanos(r.Timestamps)}
	if r.CooldownUntil != nil {
		item.CooldownUntil = r.CooldownUntil.UnixNano()
	}
	return item
}

func (i subjectFileItem) record(subjectID, category string) UsageRecord {
	return UsageRecord{
		SubjectID:     subjectID,
		Category:      category,
		Timestamps:    unixNanosToTimes(i.Timestamps),
		CooldownUntil: unixNanoToTimePtr(i.CooldownUntil),
	}
}
