package search

import (
	"context"
	"errors"
	"testing"
)

type fakeFieldLoader struct {
	fields map[string][]Field
	calls  int
}

func (f *fakeFieldLoader) FieldsForDefinition(_ context.Context, definitionID string) ([]Field, error) {
	f.calls++
	fields, ok := f.fields[definitionID]
	if !ok {
		return nil, errors.New("unknown definition")
	}
	return fields, nil
}

func TestAttachFieldsLoadsEachDefinitionOnce(t *testing.T) {
	loader := &fakeFieldLoader{fields: map[string][]Field{
		"def-1": {{Key: "total", Label: "Total"}},
	}}
	svc := NewService(nil, nil, loader)

	candidates := []Candidate{
		{ID: "rec-1", Type: CandidateRecord, DefinitionID: "def-1"},
		{ID: "rec-2", Type: CandidateRecord, DefinitionID: "def-1"},
		{ID: "wfn-1", Type: CandidateNode},
	}
	svc.attachFields(context.Background(), candidates)

	if loader.calls != 1 {
		t.Fatalf("loader calls = %d, want 1 (per definition)", loader.calls)
	}
	if len(candidates[0].Fields) != 1 || candidates[0].Fields[0].Key != "total" {
		t.Fatalf("first candidate fields = %+v", candidates[0].Fields)
	}
	if len(candidates[1].Fields) != 1 {
		t.Fatalf("second candidate fields = %+v", candidates[1].Fields)
	}
	if candidates[2].Fields != nil {
		t.Fatalf("node candidate got fields: %+v", candidates[2].Fields)
	}
}

func TestAttachFieldsToleratesLoaderErrors(t *testing.T) {
	loader := &fakeFieldLoader{fields: map[string][]Field{}}
	svc := NewService(nil, nil, loader)

	candidates := []Candidate{{ID: "rec-1", Type: CandidateRecord, DefinitionID: "def-missing"}}
	svc.attachFields(context.Background(), candidates)

	if candidates[0].Fields != nil {
		t.Fatalf("fields = %+v, want nil when the loader fails", candidates[0].Fields)
	}
}

func TestIndexingIsNoopWithoutMeilisearch(t *testing.T) {
	svc := NewService(nil, nil, nil)

	// None of these may panic or block when no index is configured.
	svc.IndexRecord(RecordEntry{ID: "rec-1"})
	svc.IndexNode(NodeEntry{ID: "wfn-1"})
	svc.DeleteRecord("rec-1")
	svc.DeleteNode("wfn-1")
	svc.ReindexAllFromPG(context.Background())
}

func TestNonNilNormalizesCandidates(t *testing.T) {
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Fatalf("nonNil(nil) = %v", got)
	}
	existing := []Candidate{{ID: "rec-1"}}
	if got := nonNil(existing); len(got) != 1 {
		t.Fatalf("nonNil(existing) = %v", got)
	}
}
