package quota

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
	incErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *fakeStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incErr != nil {
		return 0, s.incErr
	}
	n, _ := strconv.ParseInt(s.values[key], 10, 64)
	n++
	s.values[key] = strconv.FormatInt(n, 10)
	if _, seen := s.ttls[key]; !seen {
		s.ttls[key] = ttl
	}
	return n, nil
}

func (s *fakeStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func fixedClock() func() time.Time {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	return func() time.Time { return at }
}

func TestGateStatusThresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		used       int64
		wantStatus Status
		wantColor  string
	}{
		{0, StatusGood, "green"},
		{49, StatusGood, "green"},
		{50, StatusWarning, "yellow"},
		{79, StatusWarning, "yellow"},
		{80, StatusCritical, "orange"},
		{99, StatusCritical, "orange"},
		{100, StatusExhausted, "red"},
	}

	for _, tc := range cases {
		store := newFakeStore()
		ledger := NewLedger(store, Config{}, WithClock(fixedClock()), WithPolicies(map[Resource]Policy{
			ResourceMessages: {Limit: 100, Window: WindowMinute},
		}))
		if tc.used > 0 {
			key := ledger.key("u1", ResourceMessages, WindowMinute)
			store.values[key] = strconv.FormatInt(tc.used, 10)
		}

		got := ledger.Gate(context.Background(), "u1", ResourceMessages)
		if got.Status != tc.wantStatus {
			t.Errorf("used=%d: status = %q, want %q", tc.used, got.Status, tc.wantStatus)
		}
		if got.Color != tc.wantColor {
			t.Errorf("used=%d: color = %q, want %q", tc.used, got.Color, tc.wantColor)
		}
		if wantAllowed := tc.used < 100; got.Allowed != wantAllowed {
			t.Errorf("used=%d: allowed = %v, want %v", tc.used, got.Allowed, wantAllowed)
		}
	}
}

func TestGateDeniesAfterLimitIncrements(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := NewLedger(store, Config{UploadLimit: 5, SearchLimit: 10, ActionLimit: 20, MessageLimit: 30}, WithClock(fixedClock()))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := ledger.Gate(ctx, "u1", ResourceUploads)
		if !d.Allowed {
			t.Fatalf("upload %d unexpectedly denied (used=%d)", i+1, d.Used)
		}
		if err := ledger.Increment(ctx, "u1", ResourceUploads); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	d := ledger.Gate(ctx, "u1", ResourceUploads)
	if d.Allowed {
		t.Fatal("sixth upload allowed past the window limit")
	}
	if d.Status != StatusExhausted {
		t.Fatalf("status = %q, want %q", d.Status, StatusExhausted)
	}
}

func TestGateNearLimitIsCritical(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := NewLedger(store, Config{SearchLimit: 10, UploadLimit: 5, ActionLimit: 20, MessageLimit: 30}, WithClock(fixedClock()))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := ledger.Increment(ctx, "u1", ResourceSearch); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	d := ledger.Gate(ctx, "u1", ResourceSearch)
	if !d.Allowed {
		t.Fatal("search denied with budget remaining")
	}
	if d.Status != StatusCritical || d.Color != "orange" {
		t.Fatalf("got status %q/%q, want critical/orange", d.Status, d.Color)
	}
}

func TestGateStoreOutageFollowsFailPolicy(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	ledger := NewLedger(store, Config{SearchLimit: 10, ActionLimit: 20, MessageLimit: 30, UploadLimit: 5}, WithClock(fixedClock()))
	ctx := context.Background()

	if d := ledger.Gate(ctx, "u1", ResourceSearch); !d.Allowed {
		t.Error("search should fail open on store outage")
	}
	if d := ledger.Gate(ctx, "u1", ResourceUploads); !d.Allowed {
		t.Error("uploads should fail open on store outage")
	}
	if d := ledger.Gate(ctx, "u1", ResourceActions); d.Allowed {
		t.Error("actions should fail closed on store outage")
	}
	if d := ledger.Gate(ctx, "u1", ResourceMessages); d.Allowed {
		t.Error("messages should fail closed on store outage")
	}
}

func TestWindowKeysAreUserAndBucketScoped(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := NewLedger(store, Config{MessageLimit: 30, SearchLimit: 10, ActionLimit: 20, UploadLimit: 5}, WithClock(fixedClock()))
	ctx := context.Background()

	if err := ledger.Increment(ctx, "alice", ResourceMessages); err != nil {
		t.Fatalf("increment: %v", err)
	}

	wantKey := "quota:messages:alice:2025-03-14-09-26"
	if _, ok := store.values[wantKey]; !ok {
		t.Fatalf("counter key missing, have %v", keysOf(store.values))
	}

	// A second user's counter is independent.
	d := ledger.Gate(ctx, "bob", ResourceMessages)
	if d.Used != 0 {
		t.Fatalf("bob's usage = %d, want 0", d.Used)
	}
}

func TestWindowBuckets(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	if got := windowBucket(at, WindowDay); got != "2025-03-14" {
		t.Errorf("day bucket = %q", got)
	}
	if got := windowBucket(at, WindowHour); got != "2025-03-14-09" {
		t.Errorf("hour bucket = %q", got)
	}
	if got := windowBucket(at, WindowMinute); got != "2025-03-14-09-26" {
		t.Errorf("minute bucket = %q", got)
	}
	want := strconv.FormatInt(at.Unix()/36000, 10)
	if got := windowBucket(at, WindowTenHour); got != want {
		t.Errorf("10h bucket = %q, want %q", got, want)
	}
}

func TestIncrementSetsWindowExpiry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := NewLedger(store, Config{MessageLimit: 30, SearchLimit: 10, ActionLimit: 20, UploadLimit: 5}, WithClock(fixedClock()))

	if err := ledger.Increment(context.Background(), "u1", ResourceMessages); err != nil {
		t.Fatalf("increment: %v", err)
	}
	key := ledger.key("u1", ResourceMessages, WindowMinute)
	if store.ttls[key] != time.Minute {
		t.Fatalf("ttl = %v, want %v", store.ttls[key], time.Minute)
	}
}

func TestSnapshotReportsAllResources(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := NewLedger(store, Config{SearchLimit: 10, ActionLimit: 20, MessageLimit: 30, UploadLimit: 5}, WithClock(fixedClock()))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := ledger.Increment(ctx, "u1", ResourceSearch); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	usages := ledger.Snapshot(ctx, "u1")
	if len(usages) != 4 {
		t.Fatalf("snapshot rows = %d, want 4", len(usages))
	}

	byResource := map[Resource]Usage{}
	for _, u := range usages {
		byResource[u.Resource] = u
	}
	search := byResource[ResourceSearch]
	if search.Used != 8 || search.Status != StatusCritical || search.Color != "orange" {
		t.Fatalf("search usage = %+v", search)
	}
	if search.Resets != "resets daily" {
		t.Fatalf("search resets = %q", search.Resets)
	}
	if msgs := byResource[ResourceMessages]; msgs.Used != 0 || msgs.Status != StatusGood {
		t.Fatalf("messages usage = %+v", msgs)
	}
}

func TestSnapshotFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.getErr = errors.New("timeout")
	ledger := NewLedger(store, Config{SearchLimit: 10, ActionLimit: 20, MessageLimit: 30, UploadLimit: 5}, WithClock(fixedClock()))

	usages := ledger.Snapshot(context.Background(), "u1")
	if len(usages) != 4 {
		t.Fatalf("snapshot rows = %d, want 4", len(usages))
	}
	for _, u := range usages {
		if u.Used != 0 || u.Status != StatusGood {
			t.Fatalf("resource %s = %+v, want zero usage", u.Resource, u)
		}
	}
}

func keysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
