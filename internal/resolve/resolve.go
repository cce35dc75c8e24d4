// Package resolve turns reference ids and direct record links into display
// values, detecting drift between static snapshots and live field values.
package resolve

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quarry/api/internal/store"
)

// Status is the resolution outcome surfaced to the UI.
type Status string

const (
	// StatusDynamic is a normal live link.
	StatusDynamic Status = "dynamic"
	// StatusStatic is a frozen value matching the live source.
	StatusStatic Status = "static"
	// StatusStaticDrift is a frozen value that differs from the live source.
	StatusStaticDrift Status = "static+drift"
	// StatusBroken means the source is no longer resolvable.
	StatusBroken Status = "broken"
)

// Ref identifies what to resolve: either a persisted reference by id, or a
// direct record link by record id (with an optional field key).
type Ref struct {
	ReferenceID string
	RecordID    string
	FieldKey    string
}

var ErrEmptyRef = errors.New("resolve: ref carries neither a reference id nor a record id")

func (r Ref) key() string {
	if r.ReferenceID != "" {
		return "ref:" + r.ReferenceID
	}
	return "rec:" + r.RecordID + ":" + r.FieldKey
}

// Resolved is the derived display state for one reference. It is recomputed
// on every resolution request and never persisted.
type Resolved struct {
	Value          any    `json:"value"`
	Drift          bool   `json:"drift"`
	Label          string `json:"label"`
	Status         Status `json:"status"`
	SourceRecordID string `json:"sourceRecordId,omitempty"`
	TargetFieldKey string `json:"targetFieldKey,omitempty"`
}

// Backend supplies the persisted state a resolution needs. Not-found is
// reported as sql.ErrNoRows.
type Backend interface {
	GetReference(ctx context.Context, referenceID string) (store.Reference, error)
	GetRecord(ctx context.Context, recordID string) (store.Record, error)
}

// Resolver resolves references. Concurrent resolutions of the same ref share
// one backend fetch; an optional Redis cache short-circuits repeated
// resolutions within a small TTL so a document full of tokens pointing at the
// same record costs one round trip.
type Resolver struct {
	backend  Backend
	group    singleflight.Group
	cache    *redis.Client
	cacheTTL time.Duration
}

// New creates a resolver. cache may be nil to disable caching.
func New(backend Backend, cache *redis.Client) *Resolver {
	return &Resolver{
		backend:  backend,
		cache:    cache,
		cacheTTL: 10 * time.Second,
	}
}

// Resolve computes the display state for ref. Cancelled contexts abandon the
// shared fetch without applying its result; the fetch itself completes for
// the other waiters.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*Resolved, error) {
	if ref.ReferenceID == "" && ref.RecordID == "" {
		return nil, ErrEmptyRef
	}

	key := ref.key()
	if cached := r.cacheGet(ctx, key); cached != nil {
		return cached, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		resolved, err := r.resolve(context.WithoutCancel(ctx), ref)
		if err == nil {
			r.cacheSet(key, resolved)
		}
		return resolved, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*Resolved), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, ref Ref) (*Resolved, error) {
	if ref.ReferenceID != "" {
		return r.resolveReference(ctx, ref.ReferenceID)
	}
	return r.resolveRecord(ctx, ref.RecordID, ref.FieldKey)
}

func (r *Resolver) resolveReference(ctx context.Context, referenceID string) (*Resolved, error) {
	ref, err := r.backend.GetReference(ctx, referenceID)
	if err != nil {
		return nil, fmt.Errorf("get reference %s: %w", referenceID, err)
	}

	if ref.SourceRecordID == nil {
		// Source record deleted; the foreign key nulled us out.
		return &Resolved{
			Value:          ref.SnapshotValue(),
			Label:          "unknown",
			Status:         StatusBroken,
			TargetFieldKey: ref.TargetFieldKey,
		}, nil
	}

	record, err := r.backend.GetRecord(ctx, *ref.SourceRecordID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Resolved{
			Value:          ref.SnapshotValue(),
			Label:          "unknown",
			Status:         StatusBroken,
			SourceRecordID: *ref.SourceRecordID,
			TargetFieldKey: ref.TargetFieldKey,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", *ref.SourceRecordID, err)
	}

	live := record.FieldValue(ref.TargetFieldKey)
	resolved := &Resolved{
		Label:          fieldLabel(record.UniqueName, ref.TargetFieldKey),
		SourceRecordID: record.ID,
		TargetFieldKey: ref.TargetFieldKey,
	}

	switch ref.Mode {
	case store.ModeStatic:
		snapshot := ref.SnapshotValue()
		resolved.Value = snapshot
		resolved.Drift = !valuesEqual(live, snapshot)
		if resolved.Drift {
			resolved.Status = StatusStaticDrift
		} else {
			resolved.Status = StatusStatic
		}
	default:
		// Dynamic references always show the live value and cannot drift.
		resolved.Value = live
		resolved.Status = StatusDynamic
	}
	return resolved, nil
}

func (r *Resolver) resolveRecord(ctx context.Context, recordID, fieldKey string) (*Resolved, error) {
	record, err := r.backend.GetRecord(ctx, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Resolved{
			Label:          "unknown",
			Status:         StatusBroken,
			SourceRecordID: recordID,
			TargetFieldKey: fieldKey,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", recordID, err)
	}

	// Direct links have no snapshot to drift from.
	resolved := &Resolved{
		Drift:          false,
		Status:         StatusDynamic,
		Label:          fieldLabel(record.UniqueName, fieldKey),
		SourceRecordID: record.ID,
		TargetFieldKey: fieldKey,
	}
	if fieldKey != "" {
		resolved.Value = record.FieldValue(fieldKey)
	} else {
		resolved.Value = record.UniqueName
	}
	return resolved, nil
}

func fieldLabel(uniqueName, fieldKey string) string {
	if fieldKey == "" {
		return uniqueName
	}
	return uniqueName + ":" + fieldKey
}

// valuesEqual compares two JSON-shaped values. Both sides come out of
// encoding/json, so numbers are float64 and DeepEqual is well-defined.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func (r *Resolver) cacheGet(ctx context.Context, key string) *Resolved {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, "resolve:"+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			log.Printf("resolve: cache get %s: %v", key, err)
		}
		return nil
	}
	var resolved Resolved
	if err := json.Unmarshal([]byte(raw), &resolved); err != nil {
		return nil
	}
	return &resolved
}

func (r *Resolver) cacheSet(key string, resolved *Resolved) {
	if r.cache == nil {
		return
	}
	// Drift verdicts compare the snapshot against the live value; a cached
	// verdict could misreport drift for the whole TTL after the source field
	// changes, so static resolutions always hit the backend.
	if resolved.Status == StatusStatic || resolved.Status == StatusStaticDrift {
		return
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.cache.Set(ctx, "resolve:"+key, raw, r.cacheTTL).Err(); err != nil {
		log.Printf("resolve: cache set %s: %v", key, err)
	}
}
