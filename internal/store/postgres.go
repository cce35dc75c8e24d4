package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = $2, expires_at = $3
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions r
		JOIN users u ON u.id = r.user_id
		WHERE r.token_hash = $1 AND r.expires_at > now()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

// --- projects ---

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, sort_order)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.Description, project.SortOrder)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, sort_order, created_at, updated_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.Name, &p.Description, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, sort_order, created_at, updated_at
		FROM projects ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	return err
}

// --- workflow nodes ---

func (s *PostgresStore) InsertWorkflowNode(ctx context.Context, node WorkflowNode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_nodes (id, project_id, parent_id, kind, name, status, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, node.ID, node.ProjectID, node.ParentID, node.Kind, node.Name, node.Status, node.SortOrder)
	if err != nil {
		return fmt.Errorf("insert workflow node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflowNode(ctx context.Context, nodeID string) (WorkflowNode, error) {
	var n WorkflowNode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, parent_id, kind, name, status, sort_order, created_at, updated_at
		FROM workflow_nodes WHERE id = $1
	`, nodeID).Scan(&n.ID, &n.ProjectID, &n.ParentID, &n.Kind, &n.Name, &n.Status, &n.SortOrder, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return WorkflowNode{}, err
	}
	return n, nil
}

func (s *PostgresStore) ListWorkflowNodes(ctx context.Context, projectID string) ([]WorkflowNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, parent_id, kind, name, status, sort_order, created_at, updated_at
		FROM workflow_nodes WHERE project_id = $1
		ORDER BY sort_order, name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list workflow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []WorkflowNode
	for rows.Next() {
		var n WorkflowNode
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.ParentID, &n.Kind, &n.Name, &n.Status, &n.SortOrder, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateWorkflowNode(ctx context.Context, nodeID, name, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_nodes SET name = $2, status = $3, updated_at = now() WHERE id = $1
	`, nodeID, name, status)
	if err != nil {
		return fmt.Errorf("update workflow node: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) MoveWorkflowNode(ctx context.Context, nodeID string, parentID *string, sortOrder int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_nodes SET parent_id = $2, sort_order = $3, updated_at = now() WHERE id = $1
	`, nodeID, parentID, sortOrder)
	if err != nil {
		return fmt.Errorf("move workflow node: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteWorkflowNode(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_nodes WHERE id = $1`, nodeID)
	return err
}

// --- definitions ---

func (s *PostgresStore) InsertDefinition(ctx context.Context, def Definition) error {
	fields, err := json.Marshal(def.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, name, fields)
		VALUES ($1, $2, $3)
	`, def.ID, def.Name, fields)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDefinition(ctx context.Context, def Definition) error {
	fields, err := json.Marshal(def.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE definitions SET name = $2, fields = $3, updated_at = now() WHERE id = $1
	`, def.ID, def.Name, fields)
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) GetDefinition(ctx context.Context, definitionID string) (Definition, error) {
	var def Definition
	var fields []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, fields, created_at, updated_at
		FROM definitions WHERE id = $1
	`, definitionID).Scan(&def.ID, &def.Name, &fields, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return Definition{}, err
	}
	if err := json.Unmarshal(fields, &def.Fields); err != nil {
		return Definition{}, fmt.Errorf("decode definition fields: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, fields, created_at, updated_at
		FROM definitions ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		var fields []byte
		if err := rows.Scan(&def.ID, &def.Name, &fields, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &def.Fields); err != nil {
			return nil, fmt.Errorf("decode definition fields: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *PostgresStore) DeleteDefinition(ctx context.Context, definitionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = $1`, definitionID)
	return err
}

// --- records ---

func (s *PostgresStore) InsertRecord(ctx context.Context, record Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, definition_id, unique_name, data)
		VALUES ($1, $2, $3, $4)
	`, record.ID, record.DefinitionID, record.UniqueName, nullableJSON(record.Data))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (Record, error) {
	var r Record
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.definition_id, d.name, r.unique_name, r.data, r.created_at, r.updated_at
		FROM records r
		JOIN definitions d ON d.id = r.definition_id
		WHERE r.id = $1
	`, recordID).Scan(&r.ID, &r.DefinitionID, &r.DefinitionName, &r.UniqueName, &data, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Data = data
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, definitionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.definition_id, d.name, r.unique_name, r.data, r.created_at, r.updated_at
		FROM records r
		JOIN definitions d ON d.id = r.definition_id
		WHERE r.definition_id = $1
		ORDER BY r.unique_name
	`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.definition_id, d.name, r.unique_name, r.data, r.created_at, r.updated_at
		FROM records r
		JOIN definitions d ON d.id = r.definition_id
		ORDER BY r.unique_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list all records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var data []byte
		if err := rows.Scan(&r.ID, &r.DefinitionID, &r.DefinitionName, &r.UniqueName, &data, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Data = data
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, recordID, uniqueName string, data json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET unique_name = $2, data = $3, updated_at = now() WHERE id = $1
	`, recordID, uniqueName, nullableJSON(data))
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return requireRow(result)
}

// UpdateRecordField sets a single key inside the record's data document.
func (s *PostgresStore) UpdateRecordField(ctx context.Context, recordID, fieldKey string, value json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET data = jsonb_set(COALESCE(data, '{}'::jsonb), ARRAY[$2], $3::jsonb, true),
		    updated_at = now()
		WHERE id = $1
	`, recordID, fieldKey, string(value))
	if err != nil {
		return fmt.Errorf("update record field: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, recordID)
	return err
}

// --- references ---

func (s *PostgresStore) InsertReference(ctx context.Context, ref Reference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "references" (id, context_id, source_record_id, target_field_key, mode, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ref.ID, ref.ContextID, ref.SourceRecordID, ref.TargetFieldKey, ref.Mode, nullableJSON(ref.Snapshot))
	if err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReference(ctx context.Context, referenceID string) (Reference, error) {
	var ref Reference
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, source_record_id, target_field_key, mode, snapshot, created_at, updated_at
		FROM "references" WHERE id = $1
	`, referenceID).Scan(&ref.ID, &ref.ContextID, &ref.SourceRecordID, &ref.TargetFieldKey, &ref.Mode, &snapshot, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return Reference{}, err
	}
	ref.Snapshot = snapshot
	return ref, nil
}

func (s *PostgresStore) ListReferencesByContext(ctx context.Context, contextID string) ([]Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, context_id, source_record_id, target_field_key, mode, snapshot, created_at, updated_at
		FROM "references" WHERE context_id = $1
		ORDER BY created_at
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var refs []Reference
	for rows.Next() {
		var ref Reference
		var snapshot []byte
		if err := rows.Scan(&ref.ID, &ref.ContextID, &ref.SourceRecordID, &ref.TargetFieldKey, &ref.Mode, &snapshot, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
			return nil, err
		}
		ref.Snapshot = snapshot
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpdateReferenceMode changes the resolution mode; when snapshot is non-nil
// the stored snapshot is replaced at the same time.
func (s *PostgresStore) UpdateReferenceMode(ctx context.Context, referenceID string, mode ReferenceMode, snapshot json.RawMessage) error {
	var result sql.Result
	var err error
	if snapshot != nil {
		result, err = s.db.ExecContext(ctx, `
			UPDATE "references" SET mode = $2, snapshot = $3, updated_at = now() WHERE id = $1
		`, referenceID, mode, string(snapshot))
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE "references" SET mode = $2, updated_at = now() WHERE id = $1
		`, referenceID, mode)
	}
	if err != nil {
		return fmt.Errorf("update reference mode: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteReference(ctx context.Context, referenceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM "references" WHERE id = $1`, referenceID)
	return err
}

// --- context documents ---

func (s *PostgresStore) GetContextDocument(ctx context.Context, contextID string) (ContextDocument, error) {
	var doc ContextDocument
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT context_id, doc, updated_by, updated_at
		FROM context_documents WHERE context_id = $1
	`, contextID).Scan(&doc.ContextID, &raw, &doc.UpdatedBy, &doc.UpdatedAt)
	if err != nil {
		return ContextDocument{}, err
	}
	doc.Doc = raw
	return doc, nil
}

func (s *PostgresStore) SaveContextDocument(ctx context.Context, doc ContextDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_documents (context_id, doc, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (context_id) DO UPDATE SET doc = $2, updated_by = $3, updated_at = now()
	`, doc.ContextID, nullableJSON(doc.Doc), doc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("save context document: %w", err)
	}
	return nil
}

// --- attachments ---

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, record_id, field_key, file_name, content_type, size, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.RecordID, a.FieldKey, a.FileName, a.ContentType, a.Size, a.ObjectKey)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var a Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, record_id, field_key, file_name, content_type, size, object_key, created_at
		FROM attachments WHERE id = $1
	`, attachmentID).Scan(&a.ID, &a.RecordID, &a.FieldKey, &a.FileName, &a.ContentType, &a.Size, &a.ObjectKey, &a.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return a, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = $1`, attachmentID)
	return err
}

// --- helpers ---

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
