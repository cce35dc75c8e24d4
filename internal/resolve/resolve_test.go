package resolve

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quarry/api/internal/store"
)

type fakeBackend struct {
	mu          sync.Mutex
	references  map[string]store.Reference
	records     map[string]store.Record
	recordCalls atomic.Int64
	gate        chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		references: make(map[string]store.Reference),
		records:    make(map[string]store.Record),
	}
}

func (f *fakeBackend) GetReference(_ context.Context, id string) (store.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.references[id]
	if !ok {
		return store.Reference{}, sql.ErrNoRows
	}
	return ref, nil
}

func (f *fakeBackend) GetRecord(_ context.Context, id string) (store.Record, error) {
	f.recordCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return store.Record{}, sql.ErrNoRows
	}
	return record, nil
}

func strPtr(s string) *string { return &s }

func seedInvoice(backend *fakeBackend, total string) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.records["rec_1"] = store.Record{
		ID:         "rec_1",
		UniqueName: "Invoice #42",
		Data:       json.RawMessage(`{"total": ` + total + `}`),
	}
}

func TestResolveDynamicReference(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_1"),
		TargetFieldKey: "total",
		Mode:           store.ModeDynamic,
		Snapshot:       json.RawMessage(`99`),
	}

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDynamic, resolved.Status)
	assert.Equal(t, float64(10), resolved.Value)
	assert.False(t, resolved.Drift, "dynamic references cannot drift")
	assert.Equal(t, "Invoice #42:total", resolved.Label)
}

func TestResolveStaticNoDrift(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_1"),
		TargetFieldKey: "total",
		Mode:           store.ModeStatic,
		Snapshot:       json.RawMessage(`10`),
	}

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusStatic, resolved.Status)
	assert.Equal(t, float64(10), resolved.Value)
	assert.False(t, resolved.Drift)
}

func TestResolveStaticDrift(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "12")
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_1"),
		TargetFieldKey: "total",
		Mode:           store.ModeStatic,
		Snapshot:       json.RawMessage(`10`),
	}

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusStaticDrift, resolved.Status)
	assert.True(t, resolved.Drift)
	// The frozen value is shown, not the live one.
	assert.Equal(t, float64(10), resolved.Value)
}

func TestResolveDynamicNeverDriftsAfterLiveChange(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_1"),
		TargetFieldKey: "total",
		Mode:           store.ModeDynamic,
	}

	resolver := New(backend, nil)
	first, err := resolver.Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, float64(10), first.Value)

	seedInvoice(backend, "12")
	second, err := resolver.Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, float64(12), second.Value)
	assert.False(t, second.Drift)
}

func TestResolveBrokenFallsBackToSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_gone"),
		TargetFieldKey: "total",
		Mode:           store.ModeStatic,
		Snapshot:       json.RawMessage(`10`),
	}

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusBroken, resolved.Status)
	assert.Equal(t, float64(10), resolved.Value)
	assert.False(t, resolved.Drift)
	assert.Equal(t, "unknown", resolved.Label)
}

func TestResolveBrokenNulledSource(t *testing.T) {
	backend := newFakeBackend()
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: nil,
		TargetFieldKey: "total",
		Mode:           store.ModeDynamic,
	}

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusBroken, resolved.Status)
	assert.Nil(t, resolved.Value)
}

func TestResolveDirectRecordLink(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{RecordID: "rec_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDynamic, resolved.Status)
	assert.Equal(t, "Invoice #42", resolved.Value)
	assert.False(t, resolved.Drift)
}

func TestResolveDirectRecordLinkWithField(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{RecordID: "rec_1", FieldKey: "total"})
	require.NoError(t, err)
	assert.Equal(t, float64(10), resolved.Value)
	assert.Equal(t, "Invoice #42:total", resolved.Label)
}

func TestResolveDirectRecordGone(t *testing.T) {
	backend := newFakeBackend()
	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{RecordID: "rec_gone"})
	require.NoError(t, err)
	assert.Equal(t, StatusBroken, resolved.Status)
}

func TestResolveEmptyRef(t *testing.T) {
	_, err := New(newFakeBackend(), nil).Resolve(context.Background(), Ref{})
	assert.ErrorIs(t, err, ErrEmptyRef)
}

func TestResolveMissingReferenceIsError(t *testing.T) {
	_, err := New(newFakeBackend(), nil).Resolve(context.Background(), Ref{ReferenceID: "ref_missing"})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestResolveMalformedSnapshotDegrades(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_1"),
		TargetFieldKey: "total",
		Mode:           store.ModeStatic,
		Snapshot:       json.RawMessage(`{broken`),
	}

	resolved, err := New(backend, nil).Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Nil(t, resolved.Value)
	// A nil snapshot against a live value of 10 counts as drift.
	assert.True(t, resolved.Drift)
}

func TestResolveSingleflightCollapsesConcurrentLookups(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.gate = make(chan struct{})

	resolver := New(backend, nil)
	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Resolved, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.Resolve(context.Background(), Ref{RecordID: "rec_1"})
		}(i)
	}

	// Let all workers pile onto the in-flight call, then release it.
	time.Sleep(50 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	assert.Equal(t, int64(1), backend.recordCalls.Load(), "concurrent identical lookups should share one fetch")
	for i, r := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, r)
		assert.Equal(t, "Invoice #42", r.Value)
	}
}

func TestResolveCancelledContextDiscardsResult(t *testing.T) {
	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.gate = make(chan struct{})

	resolver := New(backend, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(ctx, Ref{RecordID: "rec_1"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	close(backend.gate)
}

func TestResolveUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	backend := newFakeBackend()
	seedInvoice(backend, "10")
	resolver := New(backend, client)

	first, err := resolver.Resolve(context.Background(), Ref{RecordID: "rec_1", FieldKey: "total"})
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), Ref{RecordID: "rec_1", FieldKey: "total"})
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int64(1), backend.recordCalls.Load(), "second resolution should come from cache")

	// After the TTL the backend is consulted again.
	mr.FastForward(time.Minute)
	_, err = resolver.Resolve(context.Background(), Ref{RecordID: "rec_1", FieldKey: "total"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.recordCalls.Load())
}

func TestResolveStaticDriftNeverServedStale(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	backend := newFakeBackend()
	seedInvoice(backend, "10")
	backend.references["ref_1"] = store.Reference{
		ID:             "ref_1",
		SourceRecordID: strPtr("rec_1"),
		TargetFieldKey: "total",
		Mode:           store.ModeStatic,
		Snapshot:       json.RawMessage(`10`),
	}
	resolver := New(backend, client)

	first, err := resolver.Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusStatic, first.Status)

	// The source field changes; the very next resolution must see the drift.
	seedInvoice(backend, "99")
	second, err := resolver.Resolve(context.Background(), Ref{ReferenceID: "ref_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusStaticDrift, second.Status)
	assert.True(t, second.Drift)
	assert.Equal(t, int64(2), backend.recordCalls.Load(), "a static resolution must never come from the cache")
}
