package search

// CandidateType identifies the kind of entity in a suggestion result.
type CandidateType string

const (
	CandidateRecord CandidateType = "record"
	CandidateNode   CandidateType = "node"
)

// Field is one selectable field of a record candidate.
type Field struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Candidate is a single entity returned to the mention flow: either a record
// (with its definition's fields when requested) or a workflow hierarchy node.
type Candidate struct {
	ID             string        `json:"id"`
	Type           CandidateType `json:"type"`
	Name           string        `json:"name"`
	Path           string        `json:"path,omitempty"`
	DefinitionID   string        `json:"definitionId,omitempty"`
	DefinitionName string        `json:"definitionName,omitempty"`
	NodeType       string        `json:"nodeType,omitempty"`
	Fields         []Field       `json:"fields,omitempty"`
}

// Query describes a suggestion search request.
type Query struct {
	Text string
	// ProjectID scopes node results to one project; empty searches all.
	ProjectID string
	// IncludeFields attaches each record candidate's field list.
	IncludeFields bool
	// ExcludeID drops a candidate (self-reference exclusion).
	ExcludeID string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Candidates []Candidate `json:"candidates"`
	Query      string      `json:"query"`
}

// Searcher can execute a candidate search.
type Searcher interface {
	Search(q Query) ([]Candidate, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexRecord(r RecordEntry) error
	IndexNode(n NodeEntry) error
	DeleteRecord(id string) error
	DeleteNode(id string) error
}

// RecordEntry is the data we index for a record.
type RecordEntry struct {
	ID             string `json:"id"`
	UniqueName     string `json:"uniqueName"`
	DefinitionID   string `json:"definitionId"`
	DefinitionName string `json:"definitionName"`
}

// NodeEntry is the data we index for a workflow node.
type NodeEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
}
