package quotabot

import (
	"log/slog"
	"slices"
	"time"
)

// UsageRecord is the quota state for one (subject, category) pair.
// Timestamps are kept in ascending order.
type UsageRecord struct {
	SubjectID     string      `json:"subject_id"`
	Category      string      `json:"category"`
	Timestamps    []time.Time `json:"timestamps"`
	CooldownUntil *time.Time  `json:"cooldown_until,omitempty"`
}

func newUsageRecord(subjectID, category string) UsageRecord {
	return UsageRecord{SubjectID: subjectID, Category: category}
}

// IsEmpty reports whether the record holds no state worth persisting.
func (r UsageRecord) IsEmpty() bool {
	return len(r.Timestamps) == 0 && r.CooldownUntil == nil
}

// Clone returns a deep copy of the record.
func (r UsageRecord) Clone() UsageRecord {
	c := r
	if r.Timestamps != nil {
		c.Timestamps = slices.Clone(r.Timestamps)
	}
	if r.CooldownUntil != nil {
		t := *r.CooldownUntil
		c.CooldownUntil = &t
	}
	return c
}

// prune drops timestamps outside the half-open window (now-window, now]
// and clears an elapsed cooldown. It reports whether anything changed.
func (r *UsageRecord) prune(now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(r.Timestamps) && !r.Timestamps[idx].After(cutoff) {
		idx++
	}
	changed := idx > 0
	if changed {
		r.Timestamps = slices.Delete(r.Timestamps, 0, idx)
	}
	if r.CooldownUntil != nil && !now.Before(*r.CooldownUntil) {
		r.CooldownUntil = nil
		changed = true
	}
	return changed
}

// normalize sorts timestamps and converts all instants to UTC, so stores
// round-trip records exactly.
func (r *UsageRecord) normalize() {
	if len(r.Timestamps) == 0 {
		r.Timestamps = nil
	}
	for i, ts := range r.Timestamps {
		r.Timestamps[i] = ts.UTC()
	}
	slices.SortFunc(
		r.Timestamps, func(a, b time.Time) int {
			return a.Compare(b)
		},
	)
	if r.CooldownUntil != nil {
		t := r.CooldownUntil.UTC()
		r.CooldownUntil = &t
	}
}

func unixNanosToTimes(nanos []int64) []time.Time {
	if len(nanos) == 0 {
		return nil
	}
	times := make([]time.Time, len(nanos))
	for i, n := range nanos {
		times[i] = time.Unix(0, n).UTC()
	}
	return times
}

func timesToUnixNanos(times []time.Time) []int64 {
	nanos := make([]int64, len(times))
	for i, ts := range times {
		nanos[i] = ts.UnixNano()
	}
	return nanos
}

// unixNanoToTimePtr returns nil for zero
func unixNanoToTimePtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

func (r UsageRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("subject_id", r.SubjectID),
		slog.String("category", r.Category),
		slog.Int("count", len(r.Timestamps)),
	}
	if r.CooldownUntil != nil {
		attrs = append(attrs, slog.Time("cooldown_until", *r.CooldownUntil))
	}
	return slog.GroupValue(attrs...)
}
