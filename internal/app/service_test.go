package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"quarry/api/internal/auth"
	"quarry/api/internal/config"
	"quarry/api/internal/resolve"
	"quarry/api/internal/search"
	"quarry/api/internal/store"
)

type fakeStore struct {
	pingFn                    func(context.Context) error
	getUserByIDFn             func(context.Context, string) (store.User, error)
	getUserByEmailFn          func(context.Context, string) (store.User, error)
	createUserFn              func(context.Context, store.User) error
	getProjectFn              func(context.Context, string) (store.Project, error)
	insertWorkflowNodeFn      func(context.Context, store.WorkflowNode) error
	getWorkflowNodeFn         func(context.Context, string) (store.WorkflowNode, error)
	listWorkflowNodesFn       func(context.Context, string) ([]store.WorkflowNode, error)
	moveWorkflowNodeFn        func(context.Context, string, *string, int) error
	getDefinitionFn           func(context.Context, string) (store.Definition, error)
	insertRecordFn            func(context.Context, store.Record) error
	getRecordFn               func(context.Context, string) (store.Record, error)
	listRecordsFn             func(context.Context, string) ([]store.Record, error)
	updateRecordFieldFn       func(context.Context, string, string, json.RawMessage) error
	insertReferenceFn         func(context.Context, store.Reference) error
	getReferenceFn            func(context.Context, string) (store.Reference, error)
	listReferencesByContextFn func(context.Context, string) ([]store.Reference, error)
	updateReferenceModeFn     func(context.Context, string, store.ReferenceMode, json.RawMessage) error
	deleteReferenceFn         func(context.Context, string) error
	saveContextDocumentFn     func(context.Context, store.ContextDocument) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Test User"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error   { return nil }
func (f *fakeStore) InsertProject(context.Context, store.Project) error   { return nil }
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, Name: "Project"}, nil
}
func (f *fakeStore) ListProjects(context.Context) ([]store.Project, error) { return nil, nil }
func (f *fakeStore) DeleteProject(context.Context, string) error           { return nil }
func (f *fakeStore) InsertWorkflowNode(ctx context.Context, node store.WorkflowNode) error {
	if f.insertWorkflowNodeFn != nil {
		return f.insertWorkflowNodeFn(ctx, node)
	}
	return nil
}
func (f *fakeStore) GetWorkflowNode(ctx context.Context, nodeID string) (store.WorkflowNode, error) {
	if f.getWorkflowNodeFn != nil {
		return f.getWorkflowNodeFn(ctx, nodeID)
	}
	return store.WorkflowNode{}, sql.ErrNoRows
}
func (f *fakeStore) ListWorkflowNodes(ctx context.Context, projectID string) ([]store.WorkflowNode, error) {
	if f.listWorkflowNodesFn != nil {
		return f.listWorkflowNodesFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateWorkflowNode(context.Context, string, string, string) error { return nil }
func (f *fakeStore) MoveWorkflowNode(ctx context.Context, nodeID string, parentID *string, sortOrder int) error {
	if f.moveWorkflowNodeFn != nil {
		return f.moveWorkflowNodeFn(ctx, nodeID, parentID, sortOrder)
	}
	return nil
}
func (f *fakeStore) DeleteWorkflowNode(context.Context, string) error { return nil }
func (f *fakeStore) InsertDefinition(context.Context, store.Definition) error         { return nil }
func (f *fakeStore) UpdateDefinition(context.Context, store.Definition) error         { return nil }
func (f *fakeStore) GetDefinition(ctx context.Context, definitionID string) (store.Definition, error) {
	if f.getDefinitionFn != nil {
		return f.getDefinitionFn(ctx, definitionID)
	}
	return store.Definition{}, sql.ErrNoRows
}
func (f *fakeStore) ListDefinitions(context.Context) ([]store.Definition, error) { return nil, nil }
func (f *fakeStore) DeleteDefinition(context.Context, string) error              { return nil }
func (f *fakeStore) InsertRecord(ctx context.Context, record store.Record) error {
	if f.insertRecordFn != nil {
		return f.insertRecordFn(ctx, record)
	}
	return nil
}
func (f *fakeStore) GetRecord(ctx context.Context, recordID string) (store.Record, error) {
	if f.getRecordFn != nil {
		return f.getRecordFn(ctx, recordID)
	}
	return store.Record{}, sql.ErrNoRows
}
func (f *fakeStore) ListRecords(ctx context.Context, definitionID string) ([]store.Record, error) {
	if f.listRecordsFn != nil {
		return f.listRecordsFn(ctx, definitionID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateRecord(context.Context, string, string, json.RawMessage) error {
	return nil
}
func (f *fakeStore) UpdateRecordField(ctx context.Context, recordID, fieldKey string, value json.RawMessage) error {
	if f.updateRecordFieldFn != nil {
		return f.updateRecordFieldFn(ctx, recordID, fieldKey, value)
	}
	return nil
}
func (f *fakeStore) DeleteRecord(context.Context, string) error { return nil }
func (f *fakeStore) InsertReference(ctx context.Context, ref store.Reference) error {
	if f.insertReferenceFn != nil {
		return f.insertReferenceFn(ctx, ref)
	}
	return nil
}
func (f *fakeStore) GetReference(ctx context.Context, referenceID string) (store.Reference, error) {
	if f.getReferenceFn != nil {
		return f.getReferenceFn(ctx, referenceID)
	}
	return store.Reference{}, sql.ErrNoRows
}
func (f *fakeStore) ListReferencesByContext(ctx context.Context, contextID string) ([]store.Reference, error) {
	if f.listReferencesByContextFn != nil {
		return f.listReferencesByContextFn(ctx, contextID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateReferenceMode(ctx context.Context, referenceID string, mode store.ReferenceMode, snapshot json.RawMessage) error {
	if f.updateReferenceModeFn != nil {
		return f.updateReferenceModeFn(ctx, referenceID, mode, snapshot)
	}
	return nil
}
func (f *fakeStore) DeleteReference(ctx context.Context, referenceID string) error {
	if f.deleteReferenceFn != nil {
		return f.deleteReferenceFn(ctx, referenceID)
	}
	return nil
}
func (f *fakeStore) GetContextDocument(context.Context, string) (store.ContextDocument, error) {
	return store.ContextDocument{}, sql.ErrNoRows
}
func (f *fakeStore) SaveContextDocument(ctx context.Context, doc store.ContextDocument) error {
	if f.saveContextDocumentFn != nil {
		return f.saveContextDocumentFn(ctx, doc)
	}
	return nil
}
func (f *fakeStore) InsertAttachment(context.Context, store.Attachment) error { return nil }
func (f *fakeStore) GetAttachment(context.Context, string) (store.Attachment, error) {
	return store.Attachment{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteAttachment(context.Context, string) error { return nil }

type fakeSearch struct {
	searchFn func(context.Context, search.Query) search.Response
	records  []search.RecordEntry
	nodes    []search.NodeEntry
	deleted  []string
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Candidates: []search.Candidate{}, Query: q.Text}
}
func (f *fakeSearch) IndexRecord(r search.RecordEntry) { f.records = append(f.records, r) }
func (f *fakeSearch) IndexNode(n search.NodeEntry)     { f.nodes = append(f.nodes, n) }
func (f *fakeSearch) DeleteRecord(id string)           { f.deleted = append(f.deleted, id) }
func (f *fakeSearch) DeleteNode(id string)             { f.deleted = append(f.deleted, id) }

func newTestService(st *fakeStore, searchSvc searchService) *Service {
	cfg := config.Config{AutosaveDelay: 50 * time.Millisecond, SearchRateLimit: 100, SearchRateBurst: 100}
	authSvc := auth.NewService(st, st, "test-secret", 15*time.Minute, 24*time.Hour)
	resolver := resolve.New(st, nil)
	return NewService(cfg, st, searchSvc, resolver, nil, nil, authSvc)
}

func invoiceDefinition() store.Definition {
	return store.Definition{
		ID:   "def-1",
		Name: "Invoice",
		Fields: []store.FieldSchema{
			{Key: "total", Label: "Total", Type: store.FieldNumber},
			{Key: "status", Label: "Status", Type: store.FieldSelect, Options: []string{"draft", "sent"}},
			{Key: "notes", Label: "Notes", Type: store.FieldText},
		},
	}
}

func TestCreateWorkflowNodeEnforcesHierarchy(t *testing.T) {
	st := &fakeStore{
		getWorkflowNodeFn: func(_ context.Context, nodeID string) (store.WorkflowNode, error) {
			if nodeID == "wfn-proc" {
				return store.WorkflowNode{ID: "wfn-proc", ProjectID: "prj-1", Kind: store.NodeProcess}, nil
			}
			return store.WorkflowNode{}, sql.ErrNoRows
		},
	}
	svc := newTestService(st, nil)
	ctx := context.Background()

	if _, err := svc.CreateWorkflowNode(ctx, "prj-1", nil, store.NodeStage, "Review"); err == nil {
		t.Fatal("expected rejection of a stage at the root")
	}

	parent := "wfn-proc"
	if _, err := svc.CreateWorkflowNode(ctx, "prj-1", &parent, store.NodeTask, "Review"); err == nil {
		t.Fatal("expected rejection of a task directly under a process")
	}

	node, err := svc.CreateWorkflowNode(ctx, "prj-1", &parent, store.NodeStage, "Review")
	if err != nil {
		t.Fatalf("create stage under process: %v", err)
	}
	if node.Kind != store.NodeStage || node.ParentID == nil || *node.ParentID != "wfn-proc" {
		t.Fatalf("unexpected node: %+v", node)
	}
}

func TestCreateRecordValidatesSchema(t *testing.T) {
	st := &fakeStore{
		getDefinitionFn: func(context.Context, string) (store.Definition, error) {
			return invoiceDefinition(), nil
		},
	}
	idx := &fakeSearch{}
	svc := newTestService(st, idx)
	ctx := context.Background()

	if _, err := svc.CreateRecord(ctx, "def-1", "INV-1", map[string]any{"unknown": 1}); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if _, err := svc.CreateRecord(ctx, "def-1", "INV-1", map[string]any{"status": "paid"}); err == nil {
		t.Fatal("expected invalid select option to be rejected")
	}
	if _, err := svc.CreateRecord(ctx, "def-1", "INV-1", map[string]any{"total": "a lot"}); err == nil {
		t.Fatal("expected non-numeric total to be rejected")
	}

	record, err := svc.CreateRecord(ctx, "def-1", "INV-1", map[string]any{"total": 42.5, "status": "draft"})
	if err != nil {
		t.Fatalf("create valid record: %v", err)
	}
	if record.DefinitionName != "Invoice" {
		t.Fatalf("definition name = %q", record.DefinitionName)
	}
	if len(idx.records) != 1 || idx.records[0].UniqueName != "INV-1" {
		t.Fatalf("record was not indexed: %+v", idx.records)
	}
}

func TestCreateReferenceStaticCapturesSnapshot(t *testing.T) {
	var inserted store.Reference
	st := &fakeStore{
		getRecordFn: func(context.Context, string) (store.Record, error) {
			return store.Record{ID: "rec-1", DefinitionID: "def-1", UniqueName: "INV-1", Data: json.RawMessage(`{"total":42}`)}, nil
		},
		getDefinitionFn: func(context.Context, string) (store.Definition, error) {
			return invoiceDefinition(), nil
		},
		insertReferenceFn: func(_ context.Context, ref store.Reference) error {
			inserted = ref
			return nil
		},
	}
	svc := newTestService(st, nil)

	ref, err := svc.CreateReference(context.Background(), CreateReferenceInput{
		ContextID:      "wfn-task",
		SourceRecordID: "rec-1",
		TargetFieldKey: "total",
		Mode:           store.ModeStatic,
	})
	if err != nil {
		t.Fatalf("create reference: %v", err)
	}
	if string(ref.Snapshot) != "42" {
		t.Fatalf("snapshot = %s, want 42", ref.Snapshot)
	}
	if string(inserted.Snapshot) != "42" {
		t.Fatalf("persisted snapshot = %s", inserted.Snapshot)
	}

	if _, err := svc.CreateReference(context.Background(), CreateReferenceInput{
		ContextID:      "wfn-task",
		SourceRecordID: "rec-1",
		TargetFieldKey: "missing",
	}); err == nil {
		t.Fatal("expected unknown target field to be rejected")
	}
}

func TestUpdateReferenceModeSnapshotsOnSwitch(t *testing.T) {
	source := "rec-1"
	var gotMode store.ReferenceMode
	var gotSnapshot json.RawMessage
	st := &fakeStore{
		getReferenceFn: func(context.Context, string) (store.Reference, error) {
			return store.Reference{ID: "ref-1", ContextID: "wfn-task", SourceRecordID: &source, TargetFieldKey: "total", Mode: store.ModeDynamic}, nil
		},
		getRecordFn: func(context.Context, string) (store.Record, error) {
			return store.Record{ID: "rec-1", Data: json.RawMessage(`{"total":99}`)}, nil
		},
		updateReferenceModeFn: func(_ context.Context, _ string, mode store.ReferenceMode, snapshot json.RawMessage) error {
			gotMode = mode
			gotSnapshot = snapshot
			return nil
		},
	}
	svc := newTestService(st, nil)

	ref, err := svc.UpdateReferenceMode(context.Background(), "ref-1", store.ModeStatic, false)
	if err != nil {
		t.Fatalf("switch to static: %v", err)
	}
	if gotMode != store.ModeStatic || string(gotSnapshot) != "99" {
		t.Fatalf("persisted mode=%s snapshot=%s", gotMode, gotSnapshot)
	}
	if ref.Mode != store.ModeStatic || string(ref.Snapshot) != "99" {
		t.Fatalf("returned mode=%s snapshot=%s", ref.Mode, ref.Snapshot)
	}
}

func TestUpdateReferenceModeBrokenSourceCannotSnapshot(t *testing.T) {
	st := &fakeStore{
		getReferenceFn: func(context.Context, string) (store.Reference, error) {
			return store.Reference{ID: "ref-1", Mode: store.ModeDynamic}, nil
		},
	}
	svc := newTestService(st, nil)

	_, err := svc.UpdateReferenceMode(context.Background(), "ref-1", store.ModeStatic, false)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Code != "REFERENCE_BROKEN" {
		t.Fatalf("expected REFERENCE_BROKEN, got %v", err)
	}
}

func TestSaveDescriptionGarbageCollectsReferences(t *testing.T) {
	doc := json.RawMessage(`{
		"type": "doc",
		"content": [{
			"type": "paragraph",
			"content": [
				{"type": "text", "text": "Total is "},
				{"type": "mention", "attrs": {"referenceId": "ref-keep", "label": "#Invoice #42:total"}}
			]
		}]
	}`)

	var deleted []string
	var saved store.ContextDocument
	st := &fakeStore{
		getWorkflowNodeFn: func(_ context.Context, nodeID string) (store.WorkflowNode, error) {
			return store.WorkflowNode{ID: nodeID, Kind: store.NodeTask}, nil
		},
		listReferencesByContextFn: func(context.Context, string) ([]store.Reference, error) {
			return []store.Reference{{ID: "ref-keep"}, {ID: "ref-drop"}}, nil
		},
		deleteReferenceFn: func(_ context.Context, referenceID string) error {
			deleted = append(deleted, referenceID)
			return nil
		},
		saveContextDocumentFn: func(_ context.Context, doc store.ContextDocument) error {
			saved = doc
			return nil
		},
	}
	svc := newTestService(st, nil)

	result, err := svc.SaveDescription(context.Background(), Session{UserID: "usr-1", UserName: "Pat"}, "wfn-task", doc)
	if err != nil {
		t.Fatalf("save description: %v", err)
	}
	if result.Removed != 1 {
		t.Fatalf("removed = %d, want 1", result.Removed)
	}
	if len(deleted) != 1 || deleted[0] != "ref-drop" {
		t.Fatalf("deleted = %v, want [ref-drop]", deleted)
	}
	if saved.ContextID != "wfn-task" || saved.UpdatedBy != "usr-1" {
		t.Fatalf("saved document = %+v", saved)
	}
}

func TestDeleteDefinitionWithRecordsConflicts(t *testing.T) {
	st := &fakeStore{
		listRecordsFn: func(context.Context, string) ([]store.Record, error) {
			return []store.Record{{ID: "rec-1"}}, nil
		},
	}
	svc := newTestService(st, nil)

	err := svc.DeleteDefinition(context.Background(), "def-1")
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Code != "DEFINITION_IN_USE" {
		t.Fatalf("expected DEFINITION_IN_USE, got %v", err)
	}
}

func TestMoveWorkflowNodeValidatesTarget(t *testing.T) {
	nodes := map[string]store.WorkflowNode{
		"wfn-proc":  {ID: "wfn-proc", ProjectID: "prj-1", Kind: store.NodeProcess},
		"wfn-stage": {ID: "wfn-stage", ProjectID: "prj-1", Kind: store.NodeStage},
		"wfn-other": {ID: "wfn-other", ProjectID: "prj-2", Kind: store.NodeProcess},
	}
	var moved bool
	st := &fakeStore{
		getWorkflowNodeFn: func(_ context.Context, nodeID string) (store.WorkflowNode, error) {
			node, ok := nodes[nodeID]
			if !ok {
				return store.WorkflowNode{}, sql.ErrNoRows
			}
			return node, nil
		},
		moveWorkflowNodeFn: func(context.Context, string, *string, int) error {
			moved = true
			return nil
		},
	}
	svc := newTestService(st, nil)
	ctx := context.Background()

	if _, err := svc.MoveWorkflowNode(ctx, "wfn-stage", nil, 0); err == nil {
		t.Fatal("expected rejection of a stage moved to the root")
	}

	other := "wfn-other"
	if _, err := svc.MoveWorkflowNode(ctx, "wfn-stage", &other, 0); err == nil {
		t.Fatal("expected rejection of a cross-project move")
	}
	if moved {
		t.Fatal("invalid moves must not reach the store")
	}

	proc := "wfn-proc"
	node, err := svc.MoveWorkflowNode(ctx, "wfn-stage", &proc, 3)
	if err != nil {
		t.Fatalf("valid move: %v", err)
	}
	if !moved || node.ParentID == nil || *node.ParentID != "wfn-proc" || node.SortOrder != 3 {
		t.Fatalf("moved node = %+v", node)
	}
}

func TestProjectTreeNestsAndOrders(t *testing.T) {
	proc := "wfn-proc"
	st := &fakeStore{
		listWorkflowNodesFn: func(context.Context, string) ([]store.WorkflowNode, error) {
			return []store.WorkflowNode{
				{ID: "wfn-proc", Kind: store.NodeProcess, Name: "Billing", SortOrder: 0},
				{ID: "wfn-b", ParentID: &proc, Kind: store.NodeStage, Name: "B stage", SortOrder: 1},
				{ID: "wfn-a", ParentID: &proc, Kind: store.NodeStage, Name: "A stage", SortOrder: 0},
			}, nil
		},
	}
	svc := newTestService(st, nil)

	tree, err := svc.ProjectTree(context.Background(), "prj-1")
	if err != nil {
		t.Fatalf("project tree: %v", err)
	}
	if len(tree) != 1 || tree[0].ID != "wfn-proc" {
		t.Fatalf("roots = %+v", tree)
	}
	kids := tree[0].Children
	if len(kids) != 2 || kids[0].ID != "wfn-a" || kids[1].ID != "wfn-b" {
		t.Fatalf("children = %+v", kids)
	}
}

func TestScheduleFieldSaveDebounces(t *testing.T) {
	saves := make(chan json.RawMessage, 4)
	st := &fakeStore{
		getRecordFn: func(context.Context, string) (store.Record, error) {
			return store.Record{ID: "rec-1", DefinitionID: "def-1"}, nil
		},
		getDefinitionFn: func(context.Context, string) (store.Definition, error) {
			return invoiceDefinition(), nil
		},
		updateRecordFieldFn: func(_ context.Context, _, _ string, value json.RawMessage) error {
			saves <- value
			return nil
		},
	}
	svc := newTestService(st, nil)

	svc.ScheduleFieldSave("rec-1", "notes", "first", nil)
	svc.ScheduleFieldSave("rec-1", "notes", "second", nil)
	svc.Shutdown()

	select {
	case value := <-saves:
		if string(value) != `"second"` {
			t.Fatalf("saved value = %s, want \"second\"", value)
		}
	default:
		t.Fatal("no field save was flushed")
	}
	select {
	case value := <-saves:
		t.Fatalf("unexpected extra save: %s", value)
	default:
	}
}

func TestScheduleDescriptionSaveDebounces(t *testing.T) {
	saves := make(chan store.ContextDocument, 4)
	st := &fakeStore{
		getWorkflowNodeFn: func(_ context.Context, nodeID string) (store.WorkflowNode, error) {
			return store.WorkflowNode{ID: nodeID, Kind: store.NodeTask}, nil
		},
		saveContextDocumentFn: func(_ context.Context, doc store.ContextDocument) error {
			saves <- doc
			return nil
		},
	}
	svc := newTestService(st, nil)
	session := Session{UserID: "usr-1", UserName: "Pat"}

	first := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"draft"}]}]}`)
	second := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"final"}]}]}`)
	svc.ScheduleDescriptionSave(session, "wfn-task", first, nil)
	svc.ScheduleDescriptionSave(session, "wfn-task", second, nil)
	svc.Shutdown()

	select {
	case doc := <-saves:
		if string(doc.Doc) != string(second) {
			t.Fatalf("saved doc = %s, want the later edit", doc.Doc)
		}
		if doc.UpdatedBy != "usr-1" {
			t.Fatalf("saved by %q", doc.UpdatedBy)
		}
	default:
		t.Fatal("no description save was flushed")
	}
	select {
	case doc := <-saves:
		t.Fatalf("unexpected extra save: %s", doc.Doc)
	default:
	}
}

func asDomainError(err error, target **DomainError) bool {
	if err == nil {
		return false
	}
	de, ok := err.(*DomainError)
	if !ok {
		return false
	}
	*target = de
	return true
}
