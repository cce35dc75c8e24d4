package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	SortOrder   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NodeKind is the closed set of workflow hierarchy levels.
type NodeKind string

const (
	NodeProcess    NodeKind = "process"
	NodeStage      NodeKind = "stage"
	NodeSubprocess NodeKind = "subprocess"
	NodeTask       NodeKind = "task"
)

// ChildKind returns the kind one level below k, or "" for tasks.
func (k NodeKind) ChildKind() NodeKind {
	switch k {
	case NodeProcess:
		return NodeStage
	case NodeStage:
		return NodeSubprocess
	case NodeSubprocess:
		return NodeTask
	}
	return ""
}

func (k NodeKind) Valid() bool {
	switch k {
	case NodeProcess, NodeStage, NodeSubprocess, NodeTask:
		return true
	}
	return false
}

type WorkflowNode struct {
	ID        string
	ProjectID string
	ParentID  *string
	Kind      NodeKind
	Name      string
	Status    string
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowTreeNode is a workflow node with its children attached.
type WorkflowTreeNode struct {
	WorkflowNode
	Children []WorkflowTreeNode
}

// FieldType is the closed set of record field types.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldSelect FieldType = "select"
	FieldLink   FieldType = "link"
	FieldFile   FieldType = "file"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldSelect, FieldLink, FieldFile:
		return true
	}
	return false
}

// FieldSchema describes one field of a definition.
type FieldSchema struct {
	Key     string    `json:"key"`
	Label   string    `json:"label"`
	Type    FieldType `json:"type"`
	Options []string  `json:"options,omitempty"`
	// TargetDefinitionID narrows link fields to records of one definition.
	TargetDefinitionID string `json:"targetDefinitionId,omitempty"`
}

// Definition is a user-configurable record type.
type Definition struct {
	ID        string
	Name      string
	Fields    []FieldSchema
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Field returns the schema for key, if present.
func (d Definition) Field(key string) (FieldSchema, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// Record is a row of a definition. Data maps field keys to values.
type Record struct {
	ID             string
	DefinitionID   string
	DefinitionName string
	UniqueName     string
	Data           json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FieldValue reads one field's value from Data. Malformed data degrades to
// nil; stored documents must always render.
func (r Record) FieldValue(key string) any {
	if len(r.Data) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil
	}
	return data[key]
}

// ReferenceMode selects between live and frozen reference resolution.
type ReferenceMode string

const (
	ModeDynamic ReferenceMode = "dynamic"
	ModeStatic  ReferenceMode = "static"
)

func (m ReferenceMode) Valid() bool {
	return m == ModeDynamic || m == ModeStatic
}

// Reference is a persisted pointer from a context (usually a task) to a
// field of a record. Static references carry a snapshot frozen at creation
// or at the last re-snapshot.
type Reference struct {
	ID             string
	ContextID      string
	SourceRecordID *string
	TargetFieldKey string
	Mode           ReferenceMode
	Snapshot       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SnapshotValue decodes the stored snapshot. Unparsable snapshots degrade
// to nil.
func (r Reference) SnapshotValue() any {
	if len(r.Snapshot) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(r.Snapshot, &value); err != nil {
		return nil
	}
	return value
}

// ContextDocument is the rich-text body attached to a context (task).
type ContextDocument struct {
	ContextID string
	Doc       json.RawMessage
	UpdatedBy string
	UpdatedAt time.Time
}

// Attachment is an uploaded object backing a file-type field value.
type Attachment struct {
	ID          string
	RecordID    string
	FieldKey    string
	FileName    string
	ContentType string
	Size        int64
	ObjectKey   string
	CreatedAt   time.Time
}
