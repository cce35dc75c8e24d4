package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"quarry/api/internal/auth"
	"quarry/api/internal/blob"
	"quarry/api/internal/config"
	"quarry/api/internal/debounce"
	"quarry/api/internal/docrepo"
	"quarry/api/internal/document"
	"quarry/api/internal/resolve"
	"quarry/api/internal/search"
	"quarry/api/internal/store"
	"quarry/api/internal/util"
)

// Session is an authenticated caller derived from an access token.
type Session struct {
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	InsertProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	DeleteProject(ctx context.Context, projectID string) error

	InsertWorkflowNode(ctx context.Context, node store.WorkflowNode) error
	GetWorkflowNode(ctx context.Context, nodeID string) (store.WorkflowNode, error)
	ListWorkflowNodes(ctx context.Context, projectID string) ([]store.WorkflowNode, error)
	UpdateWorkflowNode(ctx context.Context, nodeID, name, status string) error
	MoveWorkflowNode(ctx context.Context, nodeID string, parentID *string, sortOrder int) error
	DeleteWorkflowNode(ctx context.Context, nodeID string) error

	InsertDefinition(ctx context.Context, def store.Definition) error
	UpdateDefinition(ctx context.Context, def store.Definition) error
	GetDefinition(ctx context.Context, definitionID string) (store.Definition, error)
	ListDefinitions(ctx context.Context) ([]store.Definition, error)
	DeleteDefinition(ctx context.Context, definitionID string) error

	InsertRecord(ctx context.Context, record store.Record) error
	GetRecord(ctx context.Context, recordID string) (store.Record, error)
	ListRecords(ctx context.Context, definitionID string) ([]store.Record, error)
	UpdateRecord(ctx context.Context, recordID, uniqueName string, data json.RawMessage) error
	UpdateRecordField(ctx context.Context, recordID, fieldKey string, value json.RawMessage) error
	DeleteRecord(ctx context.Context, recordID string) error

	InsertReference(ctx context.Context, ref store.Reference) error
	GetReference(ctx context.Context, referenceID string) (store.Reference, error)
	ListReferencesByContext(ctx context.Context, contextID string) ([]store.Reference, error)
	UpdateReferenceMode(ctx context.Context, referenceID string, mode store.ReferenceMode, snapshot json.RawMessage) error
	DeleteReference(ctx context.Context, referenceID string) error

	GetContextDocument(ctx context.Context, contextID string) (store.ContextDocument, error)
	SaveContextDocument(ctx context.Context, doc store.ContextDocument) error

	InsertAttachment(ctx context.Context, a store.Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error
}

// searchService is the slice of the search facade the app layer uses.
type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexRecord(r search.RecordEntry)
	IndexNode(n search.NodeEntry)
	DeleteRecord(id string)
	DeleteNode(id string)
}

// revisionService is the document history backend. Nil disables history.
type revisionService interface {
	Commit(contextID string, doc json.RawMessage, author, message string) (docrepo.Revision, error)
	History(contextID string, limit int) ([]docrepo.Revision, error)
	ReadAt(contextID, hash string) (json.RawMessage, error)
}

// blobStore stores attachment bytes. Nil disables file fields.
type blobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	search    searchService
	resolver  *resolve.Resolver
	revisions revisionService
	blobs     blobStore
	auth      *auth.Service
	autosave  *debounce.Scheduler
}

func NewService(
	cfg config.Config,
	st dataStore,
	searchSvc searchService,
	resolver *resolve.Resolver,
	revisions revisionService,
	blobs blobStore,
	authSvc *auth.Service,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		search:    searchSvc,
		resolver:  resolver,
		revisions: revisions,
		blobs:     blobs,
		auth:      authSvc,
		autosave:  debounce.NewScheduler(),
	}
}

// SetSearch attaches the search facade after construction. The search
// service needs the app service as its field loader, so the two are wired
// in two steps.
func (s *Service) SetSearch(searchSvc searchService) {
	s.search = searchSvc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown flushes buffered autosaves.
func (s *Service) Shutdown() {
	s.autosave.Flush()
}

// --- auth / sessions ---

func (s *Service) Auth() *auth.Service {
	return s.auth
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.auth.Authenticate(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- search ---

// Search runs a suggestion query. The backend's ordering is advisory; the
// mention layer re-ranks with the fuzzy scorer client-side.
func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if s.search == nil {
		return search.Response{Candidates: []search.Candidate{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// FieldsForDefinition implements search.FieldLoader.
func (s *Service) FieldsForDefinition(ctx context.Context, definitionID string) ([]search.Field, error) {
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	fields := make([]search.Field, 0, len(def.Fields))
	for _, f := range def.Fields {
		fields = append(fields, search.Field{Key: f.Key, Label: f.Label})
	}
	return fields, nil
}

// --- projects & workflow hierarchy ---

func (s *Service) CreateProject(ctx context.Context, name, description string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project name is required", nil)
	}
	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	nodes, err := s.store.ListWorkflowNodes(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list workflow nodes: %w", err)
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if s.search != nil {
		for _, node := range nodes {
			s.search.DeleteNode(node.ID)
		}
	}
	return nil
}

// CreateWorkflowNode adds a node under parentID, or a root process node when
// parentID is nil. The hierarchy is fixed: process > stage > subprocess >
// task, each level only under its parent level.
func (s *Service) CreateWorkflowNode(ctx context.Context, projectID string, parentID *string, kind store.NodeKind, name string) (store.WorkflowNode, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "node name is required", nil)
	}
	if !kind.Valid() {
		return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown node kind %q", kind), nil)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.WorkflowNode{}, err
	}

	if parentID == nil {
		if kind != store.NodeProcess {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "root nodes must be processes", nil)
		}
	} else {
		parent, err := s.store.GetWorkflowNode(ctx, *parentID)
		if err != nil {
			return store.WorkflowNode{}, err
		}
		if parent.ProjectID != projectID {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent belongs to another project", nil)
		}
		if want := parent.Kind.ChildKind(); want == "" || want != kind {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("a %s cannot contain a %s", parent.Kind, kind), nil)
		}
	}

	node := store.WorkflowNode{
		ID:        util.NewID("wfn"),
		ProjectID: projectID,
		ParentID:  parentID,
		Kind:      kind,
		Name:      name,
		Status:    "open",
	}
	if err := s.store.InsertWorkflowNode(ctx, node); err != nil {
		return store.WorkflowNode{}, fmt.Errorf("insert workflow node: %w", err)
	}

	if s.search != nil {
		s.search.IndexNode(search.NodeEntry{
			ID:        node.ID,
			Name:      node.Name,
			Kind:      string(node.Kind),
			ProjectID: node.ProjectID,
			Path:      s.nodePath(ctx, project.Name, node),
		})
	}
	return node, nil
}

func (s *Service) UpdateWorkflowNode(ctx context.Context, nodeID, name, status string) (store.WorkflowNode, error) {
	node, err := s.store.GetWorkflowNode(ctx, nodeID)
	if err != nil {
		return store.WorkflowNode{}, err
	}
	if name = strings.TrimSpace(name); name == "" {
		name = node.Name
	}
	if status = strings.TrimSpace(status); status == "" {
		status = node.Status
	}
	if err := s.store.UpdateWorkflowNode(ctx, nodeID, name, status); err != nil {
		return store.WorkflowNode{}, fmt.Errorf("update workflow node: %w", err)
	}
	node.Name = name
	node.Status = status

	if s.search != nil {
		path := ""
		if project, err := s.store.GetProject(ctx, node.ProjectID); err == nil {
			path = s.nodePath(ctx, project.Name, node)
		}
		s.search.IndexNode(search.NodeEntry{
			ID:        node.ID,
			Name:      node.Name,
			Kind:      string(node.Kind),
			ProjectID: node.ProjectID,
			Path:      path,
		})
	}
	return node, nil
}

// MoveWorkflowNode reparents a node within its project. The target parent
// must sit one level above the node's kind; a nil parent is valid only for
// processes.
func (s *Service) MoveWorkflowNode(ctx context.Context, nodeID string, parentID *string, sortOrder int) (store.WorkflowNode, error) {
	node, err := s.store.GetWorkflowNode(ctx, nodeID)
	if err != nil {
		return store.WorkflowNode{}, err
	}

	if parentID == nil {
		if node.Kind != store.NodeProcess {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "only processes can sit at the root", nil)
		}
	} else {
		if *parentID == nodeID {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a node cannot be its own parent", nil)
		}
		parent, err := s.store.GetWorkflowNode(ctx, *parentID)
		if err != nil {
			return store.WorkflowNode{}, err
		}
		if parent.ProjectID != node.ProjectID {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent belongs to another project", nil)
		}
		if want := parent.Kind.ChildKind(); want == "" || want != node.Kind {
			return store.WorkflowNode{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("a %s cannot contain a %s", parent.Kind, node.Kind), nil)
		}
	}

	if err := s.store.MoveWorkflowNode(ctx, nodeID, parentID, sortOrder); err != nil {
		return store.WorkflowNode{}, fmt.Errorf("move workflow node: %w", err)
	}
	node.ParentID = parentID
	node.SortOrder = sortOrder
	return node, nil
}

func (s *Service) DeleteWorkflowNode(ctx context.Context, nodeID string) error {
	node, err := s.store.GetWorkflowNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkflowNode(ctx, nodeID); err != nil {
		return fmt.Errorf("delete workflow node: %w", err)
	}
	if s.search != nil {
		s.search.DeleteNode(node.ID)
	}
	return nil
}

// ProjectTree assembles the project's workflow nodes into their hierarchy,
// children ordered by sort order then name.
func (s *Service) ProjectTree(ctx context.Context, projectID string) ([]store.WorkflowTreeNode, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListWorkflowNodes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list workflow nodes: %w", err)
	}

	children := make(map[string][]store.WorkflowNode)
	var roots []store.WorkflowNode
	for _, node := range nodes {
		if node.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		children[*node.ParentID] = append(children[*node.ParentID], node)
	}

	var build func(node store.WorkflowNode) store.WorkflowTreeNode
	build = func(node store.WorkflowNode) store.WorkflowTreeNode {
		kids := children[node.ID]
		sortNodes(kids)
		tree := store.WorkflowTreeNode{WorkflowNode: node, Children: make([]store.WorkflowTreeNode, 0, len(kids))}
		for _, kid := range kids {
			tree.Children = append(tree.Children, build(kid))
		}
		return tree
	}

	sortNodes(roots)
	out := make([]store.WorkflowTreeNode, 0, len(roots))
	for _, root := range roots {
		out = append(out, build(root))
	}
	return out, nil
}

func sortNodes(nodes []store.WorkflowNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].SortOrder != nodes[j].SortOrder {
			return nodes[i].SortOrder < nodes[j].SortOrder
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// nodePath renders the breadcrumb shown under a node suggestion.
func (s *Service) nodePath(ctx context.Context, projectName string, node store.WorkflowNode) string {
	parts := []string{node.Name}
	current := node
	for current.ParentID != nil {
		parent, err := s.store.GetWorkflowNode(ctx, *current.ParentID)
		if err != nil {
			break
		}
		parts = append(parts, parent.Name)
		current = parent
	}
	parts = append(parts, projectName)
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " / ")
}

// --- definitions ---

func (s *Service) CreateDefinition(ctx context.Context, name string, fields []store.FieldSchema) (store.Definition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Definition{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "definition name is required", nil)
	}
	if err := validateFieldSchemas(fields); err != nil {
		return store.Definition{}, err
	}
	def := store.Definition{
		ID:     util.NewID("def"),
		Name:   name,
		Fields: fields,
	}
	if err := s.store.InsertDefinition(ctx, def); err != nil {
		return store.Definition{}, fmt.Errorf("insert definition: %w", err)
	}
	return def, nil
}

func (s *Service) UpdateDefinition(ctx context.Context, definitionID, name string, fields []store.FieldSchema) (store.Definition, error) {
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return store.Definition{}, err
	}
	if name = strings.TrimSpace(name); name != "" {
		def.Name = name
	}
	if fields != nil {
		if err := validateFieldSchemas(fields); err != nil {
			return store.Definition{}, err
		}
		def.Fields = fields
	}
	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return store.Definition{}, fmt.Errorf("update definition: %w", err)
	}
	return def, nil
}

func (s *Service) GetDefinition(ctx context.Context, definitionID string) (store.Definition, error) {
	return s.store.GetDefinition(ctx, definitionID)
}

func (s *Service) ListDefinitions(ctx context.Context) ([]store.Definition, error) {
	return s.store.ListDefinitions(ctx)
}

func (s *Service) DeleteDefinition(ctx context.Context, definitionID string) error {
	records, err := s.store.ListRecords(ctx, definitionID)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	if len(records) > 0 {
		return domainError(http.StatusConflict, "DEFINITION_IN_USE",
			fmt.Sprintf("definition has %d records", len(records)), nil)
	}
	return s.store.DeleteDefinition(ctx, definitionID)
}

func validateFieldSchemas(fields []store.FieldSchema) error {
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("field %d: key is required", i), nil)
		}
		if _, dup := seen[f.Key]; dup {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("duplicate field key %q", f.Key), nil)
		}
		seen[f.Key] = struct{}{}
		if strings.TrimSpace(f.Label) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("field %q: label is required", f.Key), nil)
		}
		switch f.Type {
		case store.FieldText, store.FieldNumber, store.FieldDate, store.FieldLink, store.FieldFile:
		case store.FieldSelect:
			if len(f.Options) == 0 {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("select field %q needs options", f.Key), nil)
			}
		default:
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("field %q: unknown type %q", f.Key, f.Type), nil)
		}
	}
	return nil
}

// --- records ---

func (s *Service) CreateRecord(ctx context.Context, definitionID, uniqueName string, data map[string]any) (store.Record, error) {
	uniqueName = strings.TrimSpace(uniqueName)
	if uniqueName == "" {
		return store.Record{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "record name is required", nil)
	}
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return store.Record{}, err
	}
	if err := validateRecordData(def, data); err != nil {
		return store.Record{}, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal record data: %w", err)
	}
	record := store.Record{
		ID:             util.NewID("rec"),
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		UniqueName:     uniqueName,
		Data:           raw,
	}
	if err := s.store.InsertRecord(ctx, record); err != nil {
		return store.Record{}, fmt.Errorf("insert record: %w", err)
	}
	s.indexRecord(record)
	return record, nil
}

func (s *Service) GetRecord(ctx context.Context, recordID string) (store.Record, error) {
	return s.store.GetRecord(ctx, recordID)
}

func (s *Service) ListRecords(ctx context.Context, definitionID string) ([]store.Record, error) {
	return s.store.ListRecords(ctx, definitionID)
}

func (s *Service) UpdateRecord(ctx context.Context, recordID, uniqueName string, data map[string]any) (store.Record, error) {
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return store.Record{}, err
	}
	def, err := s.store.GetDefinition(ctx, record.DefinitionID)
	if err != nil {
		return store.Record{}, err
	}
	if uniqueName = strings.TrimSpace(uniqueName); uniqueName == "" {
		uniqueName = record.UniqueName
	}
	if data != nil {
		if err := validateRecordData(def, data); err != nil {
			return store.Record{}, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return store.Record{}, fmt.Errorf("marshal record data: %w", err)
		}
		record.Data = raw
	}
	record.UniqueName = uniqueName
	if err := s.store.UpdateRecord(ctx, recordID, record.UniqueName, record.Data); err != nil {
		return store.Record{}, fmt.Errorf("update record: %w", err)
	}
	s.indexRecord(record)
	return record, nil
}

// UpdateRecordField writes a single field. It runs on the autosave path, so
// validation failures surface before anything is persisted.
func (s *Service) UpdateRecordField(ctx context.Context, recordID, fieldKey string, value any) error {
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	def, err := s.store.GetDefinition(ctx, record.DefinitionID)
	if err != nil {
		return err
	}
	field, ok := def.Field(fieldKey)
	if !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown field %q", fieldKey), nil)
	}
	if err := validateFieldValue(field, value); err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field value: %w", err)
	}
	if err := s.store.UpdateRecordField(ctx, recordID, fieldKey, raw); err != nil {
		return fmt.Errorf("update record field: %w", err)
	}
	return nil
}

// ScheduleFieldSave debounces a field write: rapid edits to the same field
// collapse to one save after the configured delay.
func (s *Service) ScheduleFieldSave(recordID, fieldKey string, value any, report func(error)) {
	key := "field:" + recordID + ":" + fieldKey
	s.autosave.Schedule(key, s.cfg.AutosaveDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.UpdateRecordField(ctx, recordID, fieldKey, value)
		if report != nil {
			report(err)
		}
	})
}

func (s *Service) DeleteRecord(ctx context.Context, recordID string) error {
	if err := s.store.DeleteRecord(ctx, recordID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	// References pointing here keep resolving as broken via the nulled
	// source column; the row stays until its token is removed.
	if s.search != nil {
		s.search.DeleteRecord(recordID)
	}
	return nil
}

func (s *Service) indexRecord(record store.Record) {
	if s.search == nil {
		return
	}
	s.search.IndexRecord(search.RecordEntry{
		ID:             record.ID,
		UniqueName:     record.UniqueName,
		DefinitionID:   record.DefinitionID,
		DefinitionName: record.DefinitionName,
	})
}

func validateRecordData(def store.Definition, data map[string]any) error {
	for key, value := range data {
		field, ok := def.Field(key)
		if !ok {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown field %q", key), nil)
		}
		if err := validateFieldValue(field, value); err != nil {
			return err
		}
	}
	return nil
}

func validateFieldValue(field store.FieldSchema, value any) error {
	if value == nil {
		return nil
	}
	invalid := func(want string) error {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("field %q expects %s", field.Key, want), nil)
	}

	switch field.Type {
	case store.FieldText:
		if _, ok := value.(string); !ok {
			return invalid("a string")
		}
	case store.FieldNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return invalid("a number")
		}
	case store.FieldDate:
		raw, ok := value.(string)
		if !ok {
			return invalid("a date string")
		}
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				return invalid("a date (2006-01-02 or RFC 3339)")
			}
		}
	case store.FieldSelect:
		raw, ok := value.(string)
		if !ok {
			return invalid("a string option")
		}
		for _, opt := range field.Options {
			if opt == raw {
				return nil
			}
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("field %q: %q is not an option", field.Key, raw), nil)
	case store.FieldLink:
		m, ok := value.(map[string]any)
		if !ok {
			return invalid("a link object")
		}
		_, hasRef := m["referenceId"].(string)
		_, hasRec := m["recordId"].(string)
		if !hasRef && !hasRec {
			return invalid("a link with a referenceId or recordId")
		}
	case store.FieldFile:
		m, ok := value.(map[string]any)
		if !ok {
			return invalid("an attachment object")
		}
		if _, hasID := m["attachmentId"].(string); !hasID {
			return invalid("an attachment with an attachmentId")
		}
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("field %q has unknown type %q", field.Key, field.Type), nil)
	}
	return nil
}

// --- references ---

type CreateReferenceInput struct {
	ContextID      string              `json:"contextId"`
	SourceRecordID string              `json:"sourceRecordId"`
	TargetFieldKey string              `json:"targetFieldKey"`
	Mode           store.ReferenceMode `json:"mode"`
}

// CreateReference persists a reference row. Static references freeze the
// source field's value at creation time.
func (s *Service) CreateReference(ctx context.Context, in CreateReferenceInput) (store.Reference, error) {
	if in.ContextID == "" || in.SourceRecordID == "" {
		return store.Reference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contextId and sourceRecordId are required", nil)
	}
	if in.Mode == "" {
		in.Mode = store.ModeDynamic
	}
	if !in.Mode.Valid() {
		return store.Reference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown mode %q", in.Mode), nil)
	}

	record, err := s.store.GetRecord(ctx, in.SourceRecordID)
	if err != nil {
		return store.Reference{}, err
	}
	if in.TargetFieldKey != "" {
		def, err := s.store.GetDefinition(ctx, record.DefinitionID)
		if err != nil {
			return store.Reference{}, err
		}
		if _, ok := def.Field(in.TargetFieldKey); !ok {
			return store.Reference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("record has no field %q", in.TargetFieldKey), nil)
		}
	}

	sourceID := in.SourceRecordID
	ref := store.Reference{
		ID:             util.NewID("ref"),
		ContextID:      in.ContextID,
		SourceRecordID: &sourceID,
		TargetFieldKey: in.TargetFieldKey,
		Mode:           in.Mode,
	}
	if in.Mode == store.ModeStatic {
		snapshot, err := snapshotValue(record, in.TargetFieldKey)
		if err != nil {
			return store.Reference{}, err
		}
		ref.Snapshot = snapshot
	}
	if err := s.store.InsertReference(ctx, ref); err != nil {
		return store.Reference{}, fmt.Errorf("insert reference: %w", err)
	}
	return ref, nil
}

func (s *Service) GetReference(ctx context.Context, referenceID string) (store.Reference, error) {
	return s.store.GetReference(ctx, referenceID)
}

func (s *Service) DeleteReference(ctx context.Context, referenceID string) error {
	return s.store.DeleteReference(ctx, referenceID)
}

// UpdateReferenceMode switches between dynamic and static. Switching to
// static freezes the live value now; resnapshot refreshes the frozen value
// of a reference that is already static.
func (s *Service) UpdateReferenceMode(ctx context.Context, referenceID string, mode store.ReferenceMode, resnapshot bool) (store.Reference, error) {
	if !mode.Valid() {
		return store.Reference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown mode %q", mode), nil)
	}
	ref, err := s.store.GetReference(ctx, referenceID)
	if err != nil {
		return store.Reference{}, err
	}

	snapshot := ref.Snapshot
	if mode == store.ModeStatic && (ref.Mode == store.ModeDynamic || resnapshot || len(snapshot) == 0) {
		if ref.SourceRecordID == nil {
			return store.Reference{}, domainError(http.StatusConflict, "REFERENCE_BROKEN", "cannot snapshot a broken reference", nil)
		}
		record, err := s.store.GetRecord(ctx, *ref.SourceRecordID)
		if err != nil {
			return store.Reference{}, err
		}
		snapshot, err = snapshotValue(record, ref.TargetFieldKey)
		if err != nil {
			return store.Reference{}, err
		}
	}

	if err := s.store.UpdateReferenceMode(ctx, referenceID, mode, snapshot); err != nil {
		return store.Reference{}, fmt.Errorf("update reference mode: %w", err)
	}
	ref.Mode = mode
	ref.Snapshot = snapshot
	return ref, nil
}

func (s *Service) ResolveReference(ctx context.Context, referenceID string) (*resolve.Resolved, error) {
	return s.resolver.Resolve(ctx, resolve.Ref{ReferenceID: referenceID})
}

// ResolveRecordField resolves a direct record link that has no persisted
// reference row behind it.
func (s *Service) ResolveRecordField(ctx context.Context, recordID, fieldKey string) (*resolve.Resolved, error) {
	return s.resolver.Resolve(ctx, resolve.Ref{RecordID: recordID, FieldKey: fieldKey})
}

func snapshotValue(record store.Record, fieldKey string) (json.RawMessage, error) {
	var value any
	if fieldKey == "" {
		value = record.UniqueName
	} else {
		value = record.FieldValue(fieldKey)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return raw, nil
}

// --- task descriptions ---

type SavedDescription struct {
	Document store.ContextDocument `json:"document"`
	Removed  int                   `json:"removedReferences"`
	Revision *docrepo.Revision     `json:"revision,omitempty"`
}

func (s *Service) Description(ctx context.Context, taskID string) (store.ContextDocument, error) {
	return s.store.GetContextDocument(ctx, taskID)
}

// SaveDescription persists a task's description document, removes reference
// rows whose tokens disappeared from it, and commits a history revision.
func (s *Service) SaveDescription(ctx context.Context, session Session, taskID string, raw json.RawMessage) (SavedDescription, error) {
	if _, err := s.store.GetWorkflowNode(ctx, taskID); err != nil {
		return SavedDescription{}, err
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return SavedDescription{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "malformed document", nil)
	}

	kept := make(map[string]struct{})
	for _, id := range doc.ReferenceIDs() {
		kept[id] = struct{}{}
	}
	existing, err := s.store.ListReferencesByContext(ctx, taskID)
	if err != nil {
		return SavedDescription{}, fmt.Errorf("list references: %w", err)
	}
	removed := 0
	for _, ref := range existing {
		if _, ok := kept[ref.ID]; ok {
			continue
		}
		if err := s.store.DeleteReference(ctx, ref.ID); err != nil {
			return SavedDescription{}, fmt.Errorf("garbage collect reference %s: %w", ref.ID, err)
		}
		removed++
	}

	saved := store.ContextDocument{
		ContextID: taskID,
		Doc:       raw,
		UpdatedBy: session.UserID,
	}
	if err := s.store.SaveContextDocument(ctx, saved); err != nil {
		return SavedDescription{}, fmt.Errorf("save document: %w", err)
	}

	result := SavedDescription{Document: saved, Removed: removed}
	if s.revisions != nil {
		author := session.UserName
		if author == "" {
			author = "system"
		}
		revision, err := s.revisions.Commit(taskID, raw, author, "Save description")
		if err != nil {
			return SavedDescription{}, fmt.Errorf("commit revision: %w", err)
		}
		result.Revision = &revision
	}
	return result, nil
}

// ScheduleDescriptionSave debounces description saves per task.
func (s *Service) ScheduleDescriptionSave(session Session, taskID string, raw json.RawMessage, report func(error)) {
	s.autosave.Schedule("desc:"+taskID, s.cfg.AutosaveDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := s.SaveDescription(ctx, session, taskID, raw)
		if report != nil {
			report(err)
		}
	})
}

func (s *Service) DescriptionHistory(ctx context.Context, taskID string, limit int) ([]docrepo.Revision, error) {
	if s.revisions == nil {
		return []docrepo.Revision{}, nil
	}
	if _, err := s.store.GetWorkflowNode(ctx, taskID); err != nil {
		return nil, err
	}
	return s.revisions.History(taskID, limit)
}

func (s *Service) DescriptionAt(ctx context.Context, taskID, hash string) (json.RawMessage, error) {
	if s.revisions == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "document history is not configured", nil)
	}
	return s.revisions.ReadAt(taskID, hash)
}

// --- attachments ---

func (s *Service) UploadAttachment(ctx context.Context, recordID, fieldKey, fileName, contentType string, size int64, reader io.Reader) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, domainError(http.StatusServiceUnavailable, "BLOB_UNAVAILABLE", "attachment storage is not configured", nil)
	}
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return store.Attachment{}, err
	}
	def, err := s.store.GetDefinition(ctx, record.DefinitionID)
	if err != nil {
		return store.Attachment{}, err
	}
	field, ok := def.Field(fieldKey)
	if !ok || field.Type != store.FieldFile {
		return store.Attachment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("field %q is not a file field", fieldKey), nil)
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		RecordID:    recordID,
		FieldKey:    fieldKey,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
	}
	attachment.ObjectKey = blob.Key(recordID, attachment.ID, fileName)

	if err := s.blobs.Put(ctx, attachment.ObjectKey, reader, size, contentType); err != nil {
		return store.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		_ = s.blobs.Delete(context.WithoutCancel(ctx), attachment.ObjectKey)
		return store.Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}

	value, err := json.Marshal(map[string]any{"attachmentId": attachment.ID, "fileName": fileName})
	if err != nil {
		return store.Attachment{}, fmt.Errorf("marshal attachment value: %w", err)
	}
	if err := s.store.UpdateRecordField(ctx, recordID, fieldKey, value); err != nil {
		return store.Attachment{}, fmt.Errorf("update record field: %w", err)
	}
	return attachment, nil
}

// AttachmentURL returns a presigned download URL.
func (s *Service) AttachmentURL(ctx context.Context, attachmentID string) (string, error) {
	if s.blobs == nil {
		return "", domainError(http.StatusServiceUnavailable, "BLOB_UNAVAILABLE", "attachment storage is not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}
	return s.blobs.Presign(ctx, attachment.ObjectKey, 15*time.Minute)
}

func (s *Service) DeleteAttachment(ctx context.Context, attachmentID string) error {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if s.blobs != nil {
		if err := s.blobs.Delete(ctx, attachment.ObjectKey); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("delete attachment object: %w", err)
		}
	}
	return nil
}
