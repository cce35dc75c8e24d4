package mention

import (
	"context"
	"errors"
	"sync"

	"quarry/api/internal/resolve"
	"quarry/api/internal/store"
)

// ErrReadOnly rejects mutations on a link field rendered read-only.
var ErrReadOnly = errors.New("mention: link field is read-only")

// ErrStaleLoad reports a Load whose result was superseded by a newer load or
// mutation before it finished.
var ErrStaleLoad = errors.New("mention: load superseded")

// LinkStore is the persistence surface a link field needs: reading the
// current field value, writing a new one, and removing a backing reference
// when a reference-mode field is cleared.
type LinkStore interface {
	GetRecord(ctx context.Context, id string) (store.Record, error)
	UpdateRecordField(ctx context.Context, recordID, fieldKey string, value any) error
	DeleteReference(ctx context.Context, id string) error
}

// LinkValue is what a link-type field holds: either a reference id (the
// field belongs to a record and its links are tracked rows) or a bare
// target record id (direct mode).
type LinkValue struct {
	ReferenceID string `json:"referenceId,omitempty"`
	RecordID    string `json:"recordId,omitempty"`
	Label       string `json:"label,omitempty"`
}

// LinkField is the headless controller for a link-type field widget. It
// loads and resolves the current value, swaps it for a popup selection, and
// clears it. Load results are generation-checked so a stale load can never
// clobber a newer one.
type LinkField struct {
	store    LinkStore
	resolver *resolve.Resolver
	refs     ReferenceStore

	// RecordID and FieldKey name the field being edited. ContextID is set
	// when the field lives on a record whose links are reference rows.
	RecordID  string
	FieldKey  string
	ContextID string
	ReadOnly  bool

	mu         sync.Mutex
	generation uint64
	value      *LinkValue
	resolved   *resolve.Resolved
}

func NewLinkField(st LinkStore, resolver *resolve.Resolver, refs ReferenceStore, recordID, fieldKey string) *LinkField {
	return &LinkField{store: st, resolver: resolver, refs: refs, RecordID: recordID, FieldKey: fieldKey}
}

// referenceMode reports whether the field's links are backed by reference
// rows rather than bare record ids.
func (f *LinkField) referenceMode() bool {
	return f.ContextID != ""
}

// Load reads the field's current value and resolves it for display. A load
// that finishes after a newer Load or mutation started is discarded and
// reported as ErrStaleLoad.
func (f *LinkField) Load(ctx context.Context) (*LinkValue, *resolve.Resolved, error) {
	f.mu.Lock()
	f.generation++
	generation := f.generation
	f.mu.Unlock()

	rec, err := f.store.GetRecord(ctx, f.RecordID)
	if err != nil {
		return nil, nil, err
	}
	value := decodeLinkValue(rec.FieldValue(f.FieldKey))

	var resolved *resolve.Resolved
	if value != nil {
		resolved, err = f.resolver.Resolve(ctx, resolve.Ref{
			ReferenceID: value.ReferenceID,
			RecordID:    value.RecordID,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if generation != f.generation {
		return nil, nil, ErrStaleLoad
	}
	f.value = value
	f.resolved = resolved
	return value, resolved, nil
}

// Set replaces the field's value with a popup selection, creating a backing
// reference first in reference mode. The previous reference row, if any, is
// deleted after the new value is stored.
func (f *LinkField) Set(ctx context.Context, sel Selection) (*LinkValue, error) {
	if f.ReadOnly {
		return nil, ErrReadOnly
	}

	f.mu.Lock()
	f.generation++
	previous := f.value
	f.mu.Unlock()

	value := &LinkValue{Label: sel.Entity.Name}
	if f.referenceMode() {
		mode := store.ModeDynamic
		fieldKey := ""
		if sel.Field != nil {
			fieldKey = sel.Field.Key
		}
		ref, err := f.refs.CreateReference(ctx, CreateReferenceInput{
			ContextID:      f.ContextID,
			SourceRecordID: sel.Entity.ID,
			TargetFieldKey: fieldKey,
			Mode:           mode,
		})
		if err != nil {
			return nil, err
		}
		value.ReferenceID = ref.ID
	} else {
		value.RecordID = sel.Entity.ID
	}

	if err := f.store.UpdateRecordField(ctx, f.RecordID, f.FieldKey, value); err != nil {
		if value.ReferenceID != "" {
			_ = f.refs.DeleteReference(context.WithoutCancel(ctx), value.ReferenceID)
		}
		return nil, err
	}
	if previous != nil && previous.ReferenceID != "" {
		_ = f.store.DeleteReference(context.WithoutCancel(ctx), previous.ReferenceID)
	}

	f.mu.Lock()
	f.value = value
	f.resolved = nil
	f.mu.Unlock()
	return value, nil
}

// Clear empties the field. In reference mode the backing reference row is
// deleted too, so clearing never leaves an orphan.
func (f *LinkField) Clear(ctx context.Context) error {
	if f.ReadOnly {
		return ErrReadOnly
	}

	f.mu.Lock()
	f.generation++
	previous := f.value
	f.mu.Unlock()

	if err := f.store.UpdateRecordField(ctx, f.RecordID, f.FieldKey, nil); err != nil {
		return err
	}
	if previous != nil && previous.ReferenceID != "" {
		if err := f.store.DeleteReference(ctx, previous.ReferenceID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.value = nil
	f.resolved = nil
	f.mu.Unlock()
	return nil
}

// Value returns the last loaded or written value and its resolution.
func (f *LinkField) Value() (*LinkValue, *resolve.Resolved) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.resolved
}

func decodeLinkValue(raw any) *LinkValue {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	value := &LinkValue{}
	if s, ok := m["referenceId"].(string); ok {
		value.ReferenceID = s
	}
	if s, ok := m["recordId"].(string); ok {
		value.RecordID = s
	}
	if s, ok := m["label"].(string); ok {
		value.Label = s
	}
	if value.ReferenceID == "" && value.RecordID == "" {
		return nil
	}
	return value
}
