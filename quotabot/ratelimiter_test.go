package quotabot

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCategory = "test"

func testTable(p Policy) PolicyTable {
	return PolicyTable{
		DefaultPolicyCategory: NewPolicy(100, time.Minute, 0),
		testCategory:          p,
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t, testTable(NewPolicy(3, 10*time.Second, 0)))
	ctx := context.Background()
	subject := subjectUser("u1")

	for i := range 3 {
		clock.Set(testEpoch.Add(time.Duration(i) * time.Second))
		d, err := limiter.Check(ctx, subject, testCategory)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Zero(t, d.RetryAfter)
	}

	clock.Set(testEpoch.Add(3 * time.Second))
	d, err := limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 7*time.Second, d.RetryAfter)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, testEpoch.Add(10*time.Second), d.RetryAt(clock.Now()))

	// denials aren't recorded, so the retry time doesn't move
	clock.Set(testEpoch.Add(5 * time.Second))
	d, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5*time.Second, d.RetryAfter)

	// t=0 and t=1 have left the window
	clock.Set(testEpoch.Add(11 * time.Second))
	d, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRateLimiter_WindowBoundary(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t, testTable(NewPolicy(1, 10*time.Second, 0)))
	ctx := context.Background()
	subject := subjectUser("u1")

	d, err := limiter.CheckAt(ctx, subject, testCategory, testEpoch)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.CheckAt(ctx, subject, testCategory, testEpoch.Add(10*time.Second-time.Nanosecond))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Nanosecond, d.RetryAfter)

	// a request exactly one window old no longer counts
	d, err = limiter.CheckAt(ctx, subject, testCategory, testEpoch.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_Cooldown(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(
		t,
		testTable(NewPolicy(2, 10*time.Second, 30*time.Second)),
	)
	ctx := context.Background()
	subject := subjectUser("u1")

	for i := range 2 {
		clock.Set(testEpoch.Add(time.Duration(i) * time.Second))
		d, err := limiter.Check(ctx, subject, testCategory)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	clock.Set(testEpoch.Add(2 * time.Second))
	d, err := limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// the window has cleared, but the cooldown hasn't
	clock.Set(testEpoch.Add(15 * time.Second))
	d, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 17*time.Second, d.RetryAfter)

	usage, err := limiter.Peek(ctx, subject, testCategory)
	require.NoError(t, err)
	require.NotNil(t, usage.CooldownUntil)
	assert.Equal(t, testEpoch.Add(32*time.Second), *usage.CooldownUntil)

	clock.Set(testEpoch.Add(32 * time.Second))
	d, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRateLimiter_LoweredLimit(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t, testTable(NewPolicy(5, 10*time.Second, 0)))
	ctx := context.Background()
	subject := subjectUser("u1")

	for i := range 5 {
		clock.Set(testEpoch.Add(time.Duration(i) * time.Second))
		d, err := limiter.Check(ctx, subject, testCategory)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	require.NoError(t, limiter.Policies().Replace(testTable(NewPolicy(2, 10*time.Second, 0))))

	// 5 recorded, 2 allowed: a slot opens once the 4th-oldest (t=3)
	// leaves the window
	clock.Set(testEpoch.Add(5 * time.Second))
	d, err := limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 8*time.Second, d.RetryAfter)

	usage, err := limiter.Peek(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.Used)
	assert.Equal(t, 0, usage.Remaining)
	assert.Equal(t, 8*time.Second, usage.RetryAfter)

	clock.Set(testEpoch.Add(13 * time.Second))
	d, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(
		t, PolicyTable{
			DefaultPolicyCategory: NewPolicy(1, time.Minute, 0),
			CategoryAsk:           NewPolicy(1, time.Minute, 0),
		},
	)
	ctx := context.Background()

	d, err := limiter.Check(ctx, subjectUser("u1"), CategoryAsk)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Check(ctx, subjectUser("u1"), CategoryAsk)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = limiter.Check(ctx, subjectUser("u2"), CategoryAsk)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other subjects aren't affected")

	d, err = limiter.Check(ctx, subjectUser("u1"), CategorySummarize)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other categories aren't affected")
	assert.Equal(t, NewPolicy(1, time.Minute, 0), d.Policy)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t, testTable(NewPolicy(10, time.Minute, 0)))
	ctx := context.Background()

	var allowed atomic.Int64
	var otherAllowed atomic.Int64
	wg := sync.WaitGroup{}
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject := subjectUser("u1")
			counter := &allowed
			if i%2 == 1 {
				subject = subjectUser("u2")
				counter = &otherAllowed
			}
			d, err := limiter.Check(ctx, subject, testCategory)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				counter.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	assert.Equal(t, int64(10), otherAllowed.Load())

	usage, err := limiter.Peek(ctx, subjectUser("u1"), testCategory)
	require.NoError(t, err)
	assert.Equal(t, 10, usage.Used)
}

// Two limiters on one store stand in for two bot processes sharing a
// database or redis: neither one's key locks cover the other's checks.
func TestRateLimiter_SharedStore(t *testing.T) {
	t.Parallel()
	const (
		limit  = 5
		checks = 40
	)
	for name, factory := range quotaStoreFactories() {
		t.Run(
			name, func(t *testing.T) {
				t.Parallel()
				store := factory(t)
				registry, err := NewPolicyRegistry(testTable(NewPolicy(limit, time.Minute, 0)))
				require.NoError(t, err)
				clock := NewManualClock(testEpoch)
				limiters := []*RateLimiter{
					NewRateLimiter(store, registry, WithClock(clock), WithLimiterLogger(testLogger(t))),
					NewRateLimiter(store, registry, WithClock(clock), WithLimiterLogger(testLogger(t))),
				}

				ctx := context.Background()
				var allowed atomic.Int64
				wg := sync.WaitGroup{}
				start := make(chan struct{})
				for i := range checks {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						d, checkErr := limiters[i%2].Check(ctx, subjectUser("u1"), testCategory)
						if !assert.NoError(t, checkErr) {
							return
						}
						if d.Allowed {
							allowed.Add(1)
						}
					}()
				}
				close(start)
				wg.Wait()

				assert.Equal(t, int64(limit), allowed.Load())
				rec, err := store.Get(ctx, subjectUser("u1"), testCategory)
				require.NoError(t, err)
				assert.Len(t, rec.Timestamps, limit)
			},
		)
	}
}

func TestRateLimiter_FailClosed(t *testing.T) {
	t.Parallel()
	registry, err := NewPolicyRegistry(testTable(NewPolicy(5, time.Minute, 0)))
	require.NoError(t, err)
	store := newFailingStore()
	metrics := NewMetrics()
	limiter := NewRateLimiter(
		store,
		registry,
		WithClock(NewManualClock(testEpoch)),
		WithLimiterLogger(testLogger(t)),
		WithMetrics(metrics),
	)
	ctx := context.Background()
	subject := subjectUser("u1")

	t.Run(
		"read fails", func(t *testing.T) {
			store.setFailing(true, false)
			d, checkErr := limiter.Check(ctx, subject, testCategory)
			require.Error(t, checkErr)
			assert.False(t, d.Allowed)

			var storageErr *StorageError
			require.ErrorAs(t, checkErr, &storageErr)
			assert.Equal(t, storeOpUpdate, storageErr.Op)
			assert.Equal(t, subject, storageErr.Subject)
			assert.Equal(t, testCategory, storageErr.Category)
			assert.ErrorIs(t, checkErr, store.err)
		},
	)

	t.Run(
		"write fails", func(t *testing.T) {
			store.setFailing(false, true)
			d, checkErr := limiter.Check(ctx, subject, testCategory)
			require.Error(t, checkErr)
			assert.False(t, d.Allowed)

			var storageErr *StorageError
			require.ErrorAs(t, checkErr, &storageErr)
			assert.Equal(t, storeOpUpdate, storageErr.Op)
			assert.ErrorIs(t, checkErr, store.err)

			store.setFailing(false, false)
			usage, peekErr := limiter.Peek(ctx, subject, testCategory)
			require.NoError(t, peekErr)
			assert.Equal(t, 0, usage.Used, "a failed write records nothing")
		},
	)

	t.Run(
		"peek fails", func(t *testing.T) {
			store.setFailing(true, false)
			_, peekErr := limiter.Peek(ctx, subject, testCategory)
			var storageErr *StorageError
			assert.ErrorAs(t, peekErr, &storageErr)
		},
	)

	assert.Equal(
		t,
		float64(2),
		testutil.ToFloat64(metrics.decisions.WithLabelValues(testCategory, "denied")),
	)
}

// slowStore stalls every read and update for delay, ignoring its
// context, like a store stuck on a dead connection.
type slowStore struct {
	QuotaStore
	delay time.Duration
}

func (s slowStore) Get(ctx context.Context, subjectID, category string) (UsageRecord, error) {
	time.Sleep(s.delay)
	return s.QuotaStore.Get(ctx, subjectID, category)
}

func (s slowStore) Update(ctx context.Context, subjectID, category string, fn UpdateFunc) error {
	time.Sleep(s.delay)
	return s.QuotaStore.Update(ctx, subjectID, category, fn)
}

func TestRateLimiter_StoreTimeout(t *testing.T) {
	t.Parallel()
	registry, err := NewPolicyRegistry(testTable(NewPolicy(5, time.Minute, 0)))
	require.NoError(t, err)
	limiter := NewRateLimiter(
		slowStore{QuotaStore: NewMemoryQuotaStore(), delay: 2 * time.Second},
		registry,
		WithStoreTimeout(50*time.Millisecond),
		WithLimiterLogger(testLogger(t)),
	)
	ctx := context.Background()

	tests := []struct {
		name string
		call func(t *testing.T) error
	}{
		{
			name: "check",
			call: func(t *testing.T) error {
				d, checkErr := limiter.Check(ctx, subjectUser("u1"), testCategory)
				assert.False(t, d.Allowed)
				return checkErr
			},
		},
		{
			name: "peek",
			call: func(*testing.T) error {
				_, peekErr := limiter.Peek(ctx, subjectUser("u1"), testCategory)
				return peekErr
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				start := time.Now()
				callErr := tc.call(t)
				assert.Less(t, time.Since(start), time.Second)
				assert.ErrorIs(t, callErr, context.DeadlineExceeded)

				var storageErr *StorageError
				assert.ErrorAs(t, callErr, &storageErr)
			},
		)
	}
}

// countIn returns how many of the sorted instants fall in (end-window, end].
func countIn(instants []time.Time, end time.Time, window time.Duration) int {
	n := 0
	for i := len(instants) - 1; i >= 0 && instants[i].After(end.Add(-window)); i-- {
		if !instants[i].After(end) {
			n++
		}
	}
	return n
}

func TestRateLimiter_RandomArrivals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		seed     uint64
		policy   Policy
		meanGap  time.Duration
		arrivals int
	}{
		{name: "dense", seed: 1, policy: NewPolicy(5, 10*time.Second, 0), meanGap: 500 * time.Millisecond, arrivals: 2000},
		{name: "sparse", seed: 2, policy: NewPolicy(3, time.Minute, 0), meanGap: 15 * time.Second, arrivals: 1000},
		{name: "bursty", seed: 3, policy: NewPolicy(10, time.Second, 0), meanGap: 30 * time.Millisecond, arrivals: 3000},
		{name: "cooldown", seed: 4, policy: NewPolicy(4, 30*time.Second, 20*time.Second), meanGap: 2 * time.Second, arrivals: 2000},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				limiter, _ := newTestLimiter(t, testTable(tc.policy))
				ctx := context.Background()
				window := tc.policy.Window.Duration
				rng := rand.New(rand.NewPCG(tc.seed, tc.seed))

				now := testEpoch
				var admitted []time.Time
				for range tc.arrivals {
					// gaps of zero land several requests on the same instant
					now = now.Add(time.Duration(rng.Int64N(int64(2 * tc.meanGap))))
					d, err := limiter.CheckAt(ctx, subjectUser("u1"), testCategory, now)
					require.NoError(t, err)

					inWindow := countIn(admitted, now, window)
					if d.Allowed {
						admitted = append(admitted, now)
						continue
					}
					if tc.policy.Cooldown.Duration == 0 {
						require.Equal(
							t, tc.policy.MaxRequests, inWindow,
							"denied at %s with the window not full", now.Sub(testEpoch),
						)
					}
				}
				require.Greater(t, len(admitted), tc.policy.MaxRequests)

				// the busiest trailing window always ends on an admission
				for _, end := range admitted {
					require.LessOrEqual(
						t, countIn(admitted, end, window), tc.policy.MaxRequests,
						"window ending %s", end.Sub(testEpoch),
					)
				}
			},
		)
	}
}

func TestRateLimiter_InvalidInput(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t, testTable(NewPolicy(5, time.Minute, 0)))
	ctx := context.Background()

	_, err := limiter.Check(ctx, "", testCategory)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = limiter.Peek(ctx, "", testCategory)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRateLimiter_NoDefaultPolicy(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t, PolicyTable{CategoryAsk: NewPolicy(5, time.Minute, 0)})
	ctx := context.Background()

	d, err := limiter.Check(ctx, subjectUser("u1"), CategoryAsk)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = limiter.Check(ctx, subjectUser("u1"), "unknown")
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "unknown", configErr.Category)

	_, err = limiter.Peek(ctx, subjectUser("u1"), "unknown")
	assert.ErrorAs(t, err, &configErr)
}

func TestRateLimiter_PeekDoesNotRecord(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t, testTable(NewPolicy(3, 10*time.Second, 0)))
	ctx := context.Background()
	subject := subjectUser("u1")

	usage, err := limiter.Peek(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
	assert.Equal(t, 3, usage.Remaining)

	_, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)

	for range 5 {
		usage, err = limiter.Peek(ctx, subject, testCategory)
		require.NoError(t, err)
		assert.Equal(t, 2, usage.Used)
		assert.Equal(t, 1, usage.Remaining)
		assert.Zero(t, usage.RetryAfter)
	}

	// once expired, peeking shows the pruned view but leaves the stored
	// record alone
	clock.Advance(time.Minute)
	usage, err = limiter.Peek(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)

	records, err := limiter.Records(ctx, subject)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Timestamps, 2)
}

func TestRateLimiter_PeekAll(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestLimiter(t, DefaultPolicies())
	ctx := context.Background()
	subject := subjectUser("u1")

	_, err := limiter.Check(ctx, subject, CategoryAsk)
	require.NoError(t, err)

	usage, err := limiter.PeekAll(ctx, subject, []string{CategoryAsk, CategorySummarize})
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, CategoryAsk, usage[0].Category)
	assert.Equal(t, 1, usage[0].Used)
	assert.Equal(t, 9, usage[0].Remaining)
	assert.Equal(t, CategorySummarize, usage[1].Category)
	assert.Equal(t, 0, usage[1].Used)
}

func TestRateLimiter_Compact(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(
		t, PolicyTable{
			DefaultPolicyCategory: NewPolicy(10, 10*time.Second, 0),
			"long":                NewPolicy(10, time.Hour, 0),
		},
	)
	ctx := context.Background()

	for i := range 3 {
		_, err := limiter.Check(ctx, subjectUser(fmt.Sprintf("u%d", i)), DefaultPolicyCategory)
		require.NoError(t, err)
	}
	_, err := limiter.Check(ctx, subjectUser("u0"), "long")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, err = limiter.Check(ctx, subjectUser("u0"), DefaultPolicyCategory)
	require.NoError(t, err)

	removed, err := limiter.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clock.Advance(6 * time.Second)
	removed, err = limiter.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "u1 and u2 have nothing left in the window")

	keys, err := limiter.Store().Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(
		t,
		[]RecordKey{
			{SubjectID: subjectUser("u0"), Category: DefaultPolicyCategory},
			{SubjectID: subjectUser("u0"), Category: "long"},
		},
		keys,
	)

	// u0's first request was pruned, leaving the newer one
	records, err := limiter.Records(ctx, subjectUser("u0"))
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Category == DefaultPolicyCategory {
			assert.Len(t, rec.Timestamps, 1)
		}
	}
}

func TestRateLimiter_CompactKeepsCooldown(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t, testTable(NewPolicy(1, 10*time.Second, time.Minute)))
	ctx := context.Background()
	subject := subjectUser("u1")

	_, err := limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	d, err := limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(30 * time.Second)
	removed, err := limiter.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	d, err = limiter.Check(ctx, subject, testCategory)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "cooldown survives compaction")

	clock.Advance(31 * time.Second)
	removed, err = limiter.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRateLimiter_RunCompaction(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestLimiter(t, testTable(NewPolicy(1, time.Second, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := limiter.Check(ctx, subjectUser("u1"), testCategory)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		limiter.RunCompaction(ctx, 10*time.Millisecond)
	}()

	require.Eventually(
		t, func() bool {
			keys, keysErr := limiter.Store().Keys(ctx)
			return keysErr == nil && len(keys) == 0
		}, 5*time.Second, 10*time.Millisecond,
	)
	cancel()
	<-done
}

func TestDecision_LogValue(t *testing.T) {
	t.Parallel()
	d := Decision{
		Allowed:    false,
		SubjectID:  subjectUser("u1"),
		Category:   CategoryAsk,
		RetryAfter: 3 * time.Second,
	}
	logged := d.LogValue().String()
	assert.Contains(t, logged, "retry_after")
	assert.Contains(t, logged, CategoryAsk)
}

func TestStorageError(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := error(&StorageError{Op: storeOpUpdate, Subject: "user:1", Category: CategoryAsk, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `category="ask"`)

	err = &StorageError{Op: storeOpReset, Subject: "user:1", Err: cause}
	assert.NotContains(t, err.Error(), "category")
}
