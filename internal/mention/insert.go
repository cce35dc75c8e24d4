package mention

import (
	"context"
	"fmt"

	"quarry/api/internal/document"
	"quarry/api/internal/search"
	"quarry/api/internal/store"
)

// CreateReferenceInput is what the inserter needs persisted before a
// reference-backed mention can exist in a document.
type CreateReferenceInput struct {
	ContextID      string
	SourceRecordID string
	TargetFieldKey string
	Mode           store.ReferenceMode
}

// ReferenceStore persists and removes reference rows on behalf of mention
// insertion.
type ReferenceStore interface {
	CreateReference(ctx context.Context, in CreateReferenceInput) (store.Reference, error)
	DeleteReference(ctx context.Context, id string) error
}

// Inserter turns a completed popup selection into a mention token spliced
// into a document. The splice replaces the whole trigger span, trigger
// character included, atomically.
type Inserter struct {
	refs      ReferenceStore
	contextID string
	mode      store.ReferenceMode
}

func NewInserter(refs ReferenceStore, contextID string, mode store.ReferenceMode) *Inserter {
	if mode == "" {
		mode = store.ModeDynamic
	}
	return &Inserter{refs: refs, contextID: contextID, mode: mode}
}

// Insert builds the token for sel and splices it over doc's [from,to) span
// followed by a single space. A backing reference row is created only on the
// reference-backed path: a context id is present and a record's field was
// chosen. Everything else (no context, no field, or a non-record entity) is a
// direct token with no backend round trip. On splice failure a created
// reference is deleted again so no orphan row survives; on creation failure
// the document is untouched.
func (ins *Inserter) Insert(ctx context.Context, doc *document.Node, from, to int, sel Selection) (Token, error) {
	token := Token{
		Label:   Label(sel),
		Trigger: sel.Trigger,
	}

	var created *store.Reference
	if ins.referenceBacked(sel) {
		ref, err := ins.refs.CreateReference(ctx, CreateReferenceInput{
			ContextID:      ins.contextID,
			SourceRecordID: sel.Entity.ID,
			TargetFieldKey: sel.Field.Key,
			Mode:           ins.mode,
		})
		if err != nil {
			return Token{}, fmt.Errorf("create reference: %w", err)
		}
		created = &ref
		token.ReferenceID = ref.ID
		token.RecordID = sel.Entity.ID
		token.FieldKey = sel.Field.Key
		token.Mode = ref.Mode
	} else {
		token.RecordID = sel.Entity.ID
		token.Mode = ins.mode
		if sel.Field != nil {
			token.FieldKey = sel.Field.Key
		}
	}

	if err := token.Validate(); err != nil {
		return Token{}, err
	}
	if err := doc.SpliceInline(from, to, token.Node(), document.NewText(" ")); err != nil {
		if created != nil {
			// Best effort; the row is unreachable either way and save-time
			// garbage collection removes anything left behind.
			_ = ins.refs.DeleteReference(context.WithoutCancel(ctx), created.ID)
		}
		return Token{}, fmt.Errorf("splice mention: %w", err)
	}
	return token, nil
}

// referenceBacked reports whether sel takes the persisted-reference path:
// the inserter has a document context and the user picked a record's field.
func (ins *Inserter) referenceBacked(sel Selection) bool {
	return ins.contextID != "" && sel.Field != nil && sel.Entity.Type == search.CandidateRecord
}

// Label renders a selection's display text: the trigger character, the
// entity name, and when a field was chosen, a colon and the field key.
func Label(sel Selection) string {
	name := sel.Entity.Name
	if sel.Field != nil {
		return fmt.Sprintf("%c%s:%s", sel.Trigger, name, sel.Field.Key)
	}
	return fmt.Sprintf("%c%s", sel.Trigger, name)
}
