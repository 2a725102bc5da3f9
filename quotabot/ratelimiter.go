package quotabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

const (
	defaultStoreTimeout = 5 * time.Second

	storeOpGet    = "get"
	storeOpUpdate = "update"
	storeOpReset  = "reset"
	storeOpList   = "list"
	storeOpKeys   = "keys"
)

// Decision is the result of a rate limit check. A denial is a normal
// result, not an error.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	SubjectID string `json:"subject_id"`
	Category  string `json:"category"`

	// RetryAfter is how long the subject must wait before the next
	// request could be admitted. Zero when Allowed.
	RetryAfter time.Duration `json:"retry_after"`

	// Remaining is the number of requests still available in the
	// current window, after this one
	Remaining int `json:"remaining"`

	Policy Policy `json:"policy"`
}

// RetryAt returns the instant the next request could be admitted,
// relative to now.
func (d Decision) RetryAt(now time.Time) time.Time {
	return now.Add(d.RetryAfter)
}

func (d Decision) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("allowed", d.Allowed),
		slog.String("subject_id", d.SubjectID),
		slog.String("category", d.Category),
		slog.Int("remaining", d.Remaining),
	}
	if !d.Allowed {
		attrs = append(attrs, slog.Duration("retry_after", d.RetryAfter))
	}
	return slog.GroupValue(attrs...)
}

// Usage is a read-only view of a subject's quota for one category.
type Usage struct {
	SubjectID     string        `json:"subject_id"`
	Category      string        `json:"category"`
	Policy        Policy        `json:"policy"`
	Used          int           `json:"used"`
	Remaining     int           `json:"remaining"`
	RetryAfter    time.Duration `json:"retry_after"`
	CooldownUntil *time.Time    `json:"cooldown_until,omitempty"`
}

// RateLimiter admits or denies requests using sliding-window policies
// from a PolicyRegistry, with state kept in a QuotaStore.
//
// Each check is a single QuotaStore.Update, so admission is atomic
// against other limiters sharing the store and against resets. Checks for
// the same (subject, category) are also queued on a per-key lock within
// the process, which keeps optimistic stores from retrying against each
// other. Checks for different keys never wait on each other.
type RateLimiter struct {
	store        QuotaStore
	policies     *PolicyRegistry
	clock        Clock
	locks        *keyedMutex
	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

type RateLimiterOption func(*RateLimiter)

func WithClock(clock Clock) RateLimiterOption {
	return func(l *RateLimiter) {
		l.clock = clock
	}
}

// WithStoreTimeout bounds each QuotaStore call, including time spent
// queued behind other checks for the same key. A call that overruns it
// fails with context.DeadlineExceeded even if the store ignores its
// context. Zero disables the timeout.
func WithStoreTimeout(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		l.storeTimeout = d
	}
}

func WithLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(l *RateLimiter) {
		l.logger = logger
	}
}

func WithMetrics(m *Metrics) RateLimiterOption {
	return func(l *RateLimiter) {
		l.metrics = m
	}
}

func NewRateLimiter(
	store QuotaStore,
	policies *PolicyRegistry,
	opts ...RateLimiterOption,
) *RateLimiter {
	l := &RateLimiter{
		store:        store,
		policies:     policies,
		clock:        SystemClock(),
		locks:        newKeyedMutex(),
		storeTimeout: defaultStoreTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(loggerNameKey, "ratelimiter")
	return l
}

func (l *RateLimiter) Policies() *PolicyRegistry {
	return l.policies
}

func (l *RateLimiter) Store() QuotaStore {
	return l.store
}

func (l *RateLimiter) Clock() Clock {
	return l.clock
}

// Check is CheckAt using the limiter's clock.
func (l *RateLimiter) Check(ctx context.Context, subjectID, category string) (Decision, error) {
	return l.CheckAt(ctx, subjectID, category, l.clock.Now())
}

// CheckAt decides whether a request from subjectID in category, arriving
// at now, is admitted, and records it if so.
//
// Errors:
//   - ErrInvalidArgument if subjectID is empty
//   - *ConfigError if the category has no policy and there's no default
//   - *StorageError if the record couldn't be read or written. The
//     returned Decision is a denial (fail-closed).
func (l *RateLimiter) CheckAt(
	ctx context.Context,
	subjectID string,
	category string,
	now time.Time,
) (Decision, error) {
	d := Decision{SubjectID: subjectID, Category: category}
	if subjectID == "" {
		return d, invalidArgument("subject ID must not be empty")
	}
	policy, err := l.policies.Resolve(category)
	if err != nil {
		return d, err
	}
	d.Policy = policy

	base := d
	d, err = storeOp(
		ctx, l, storeOpUpdate, func(ctx context.Context) (Decision, error) {
			unlock := l.locks.Lock(lockKey(subjectID, category))
			defer unlock()

			var result Decision
			updateErr := l.store.Update(
				ctx, subjectID, category, func(rec *UsageRecord) (bool, error) {
					var dirty bool
					result, dirty = decide(rec, policy, now, base)
					return dirty, nil
				},
			)
			return result, updateErr
		},
	)
	if err != nil {
		return l.failClosed(ctx, base, storeOpUpdate, err)
	}

	l.metrics.observeDecision(d)
	if !d.Allowed {
		l.logger.DebugContext(ctx, "rate limited", "decision", d)
	}
	return d, nil
}

// decide applies policy to rec at now. rec is updated in place, and
// dirty reports whether it needs to be persisted.
func decide(rec *UsageRecord, policy Policy, now time.Time, d Decision) (
	result Decision,
	dirty bool,
) {
	window := policy.Window.Duration
	dirty = rec.prune(now, window)

	if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
		d.Allowed = false
		d.RetryAfter = rec.CooldownUntil.Sub(now)
		d.Remaining = max(policy.MaxRequests-len(rec.Timestamps), 0)
		return d, dirty
	}

	count := len(rec.Timestamps)
	if count < policy.MaxRequests {
		rec.Timestamps = append(rec.Timestamps, now)
		rec.normalize()
		d.Allowed = true
		d.RetryAfter = 0
		d.Remaining = policy.MaxRequests - len(rec.Timestamps)
		return d, true
	}

	// If the limit was lowered since these were recorded, there may be
	// more timestamps than the policy allows. The next slot opens when
	// enough of the oldest have aged out to get back under the limit.
	d.Allowed = false
	d.Remaining = 0
	d.RetryAfter = rec.Timestamps[count-policy.MaxRequests].Add(window).Sub(now)
	if cooldown := policy.Cooldown.Duration; cooldown > 0 {
		until := now.Add(cooldown)
		rec.CooldownUntil = &until
		d.RetryAfter = max(d.RetryAfter, cooldown)
		dirty = true
	}
	return d, dirty
}

// failClosed turns a storage failure into a denial.
func (l *RateLimiter) failClosed(
	ctx context.Context,
	d Decision,
	op string,
	err error,
) (Decision, error) {
	storageErr := &StorageError{
		Op:       op,
		Subject:  d.SubjectID,
		Category: d.Category,
		Err:      err,
	}
	d.Allowed = false
	d.Remaining = 0
	d.RetryAfter = 0
	l.metrics.observeDecision(d)
	l.logger.ErrorContext(ctx, "quota store error, denying request", tint.Err(storageErr))
	return d, storageErr
}

type storeResult[T any] struct {
	value T
	err   error
}

// storeOp runs fn on its own goroutine with the limiter's store timeout
// applied, and returns as soon as fn finishes or ctx is done, whichever
// is first. An abandoned fn keeps running until it notices its context
// was cancelled; its result is dropped.
func storeOp[T any](
	ctx context.Context,
	l *RateLimiter,
	op string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	cancel := func() {}
	if l.storeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.storeTimeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan storeResult[T], 1)
	go func() {
		var r storeResult[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("panic in quota store %s: %v", op, p)
			}
			done <- r
		}()
		r.value, r.err = fn(ctx)
	}()

	var r storeResult[T]
	select {
	case r = <-done:
	case <-ctx.Done():
		// prefer a result that raced the deadline over dropping it
		select {
		case r = <-done:
		default:
			r.err = fmt.Errorf("quota store %s: %w", op, context.Cause(ctx))
		}
	}
	l.metrics.observeStoreOp(op, time.Since(start), r.err)
	return r.value, r.err
}

// Peek reports usage for subjectID in category without recording a
// request or modifying the stored record.
func (l *RateLimiter) Peek(ctx context.Context, subjectID, category string) (Usage, error) {
	u := Usage{SubjectID: subjectID, Category: category}
	if subjectID == "" {
		return u, invalidArgument("subject ID must not be empty")
	}
	policy, err := l.policies.Resolve(category)
	if err != nil {
		return u, err
	}
	u.Policy = policy

	rec, err := storeOp(
		ctx, l, storeOpGet, func(ctx context.Context) (UsageRecord, error) {
			return l.store.Get(ctx, subjectID, category)
		},
	)
	if err != nil {
		return u, &StorageError{Op: storeOpGet, Subject: subjectID, Category: category, Err: err}
	}

	now := l.clock.Now()
	rec.prune(now, policy.Window.Duration)
	u.Used = len(rec.Timestamps)
	u.Remaining = max(policy.MaxRequests-u.Used, 0)
	u.CooldownUntil = rec.CooldownUntil

	switch {
	case rec.CooldownUntil != nil:
		u.RetryAfter = rec.CooldownUntil.Sub(now)
	case u.Remaining == 0:
		oldest := rec.Timestamps[u.Used-policy.MaxRequests]
		u.RetryAfter = oldest.Add(policy.Window.Duration).Sub(now)
	}
	return u, nil
}

// PeekAll returns usage for each of the given categories.
func (l *RateLimiter) PeekAll(
	ctx context.Context,
	subjectID string,
	categories []string,
) ([]Usage, error) {
	usage := make([]Usage, 0, len(categories))
	for _, category := range categories {
		u, err := l.Peek(ctx, subjectID, category)
		if err != nil {
			return usage, err
		}
		usage = append(usage, u)
	}
	return usage, nil
}

// Records returns the stored records for a subject.
func (l *RateLimiter) Records(ctx context.Context, subjectID string) ([]UsageRecord, error) {
	records, err := storeOp(
		ctx, l, storeOpList, func(ctx context.Context) ([]UsageRecord, error) {
			return l.store.List(ctx, subjectID)
		},
	)
	if err != nil {
		return nil, &StorageError{Op: storeOpList, Subject: subjectID, Err: err}
	}
	return records, nil
}

// reset runs fn, one of the store's reset methods. The store orders it
// against Update, so a check racing the reset either lands before it
// (and is cleared) or after it (and sees an empty record). Checks on
// other keys are never held up.
func (l *RateLimiter) reset(
	ctx context.Context,
	subjectID string,
	category string,
	fn func(ctx context.Context) error,
) error {
	_, err := storeOp(
		ctx, l, storeOpReset, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		},
	)
	if err != nil {
		return &StorageError{Op: storeOpReset, Subject: subjectID, Category: category, Err: err}
	}
	return nil
}

// Compact removes records that hold no live state at the current time:
// every timestamp is outside the window and any cooldown has elapsed.
// Records that are partially stale are pruned and rewritten. Records in
// categories with no resolvable policy are left alone.
//
// Each record is pruned with a single Update, so compaction can run
// alongside checks.
func (l *RateLimiter) Compact(ctx context.Context) (removed int, err error) {
	keys, err := storeOp(ctx, l, storeOpKeys, l.store.Keys)
	if err != nil {
		return 0, &StorageError{Op: storeOpKeys, Err: err}
	}

	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		deleted, compactErr := l.compactKey(ctx, key)
		if compactErr != nil {
			errs = append(errs, compactErr)
			continue
		}
		if deleted {
			removed++
		}
	}
	l.metrics.observeCompacted(removed)
	return removed, errors.Join(errs...)
}

func (l *RateLimiter) compactKey(ctx context.Context, key RecordKey) (deleted bool, err error) {
	policy, err := l.policies.Resolve(key.Category)
	if err != nil {
		var configErr *ConfigError
		if errors.As(err, &configErr) {
			return false, nil
		}
		return false, err
	}

	now := l.clock.Now()
	deleted, err = storeOp(
		ctx, l, storeOpUpdate, func(ctx context.Context) (bool, error) {
			unlock := l.locks.Lock(lockKey(key.SubjectID, key.Category))
			defer unlock()

			var empty bool
			updateErr := l.store.Update(
				ctx, key.SubjectID, key.Category, func(rec *UsageRecord) (bool, error) {
					dirty := rec.prune(now, policy.Window.Duration)
					empty = dirty && rec.IsEmpty()
					return dirty, nil
				},
			)
			return empty, updateErr
		},
	)
	if err != nil {
		return false, &StorageError{
			Op:       storeOpUpdate,
			Subject:  key.SubjectID,
			Category: key.Category,
			Err:      err,
		}
	}
	return deleted, nil
}

// RunCompaction calls Compact every interval until ctx is done.
func (l *RateLimiter) RunCompaction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		l.logger.InfoContext(ctx, "compaction disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.InfoContext(ctx, "starting compaction", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "stopping compaction")
			return
		case <-ticker.C:
			removed, err := l.Compact(ctx)
			if err != nil {
				l.logger.WarnContext(ctx, "compaction error", tint.Err(err))
			}
			if removed > 0 {
				l.logger.InfoContext(ctx, "compacted usage records", "removed", removed)
			}
		}
	}
}

func lockKey(subjectID, category string) string {
	return fmt.Sprintf("%s\x1f%s", subjectID, category)
}
