package search

import (
	"context"
	"log"
)

// FieldLoader attaches definition field lists to record candidates when the
// caller asks for them. Implemented by the app service over the store.
type FieldLoader interface {
	FieldsForDefinition(ctx context.Context, definitionID string) ([]Field, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// PostgreSQL.
type Service struct {
	meili  *Meili
	pg     *PgSearch
	fields FieldLoader
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; fields may be nil if field attachment is never needed.
func NewService(meili *Meili, pg *PgSearch, fields FieldLoader) *Service {
	return &Service{meili: meili, pg: pg, fields: fields}
}

// Search tries Meilisearch if healthy, otherwise falls back to PostgreSQL.
// Failures surface as an empty candidate list: the caller's UI shows "no
// matches" and the next keystroke retries.
func (s *Service) Search(ctx context.Context, q Query) Response {
	var candidates []Candidate
	var err error

	if s.meili != nil && s.meili.Healthy() {
		candidates, err = s.meili.Search(q)
		if err != nil {
			log.Printf("search: meilisearch error, falling back to postgres: %v", err)
			candidates = nil
		}
	}
	if candidates == nil {
		candidates, err = s.pg.SearchContext(ctx, q)
		if err != nil {
			log.Printf("search: postgres error: %v", err)
			return Response{Candidates: []Candidate{}, Query: q.Text}
		}
	}

	if q.IncludeFields && s.fields != nil {
		s.attachFields(ctx, candidates)
	}
	return Response{Candidates: nonNil(candidates), Query: q.Text}
}

func (s *Service) attachFields(ctx context.Context, candidates []Candidate) {
	loaded := make(map[string][]Field)
	for i := range candidates {
		c := &candidates[i]
		if c.Type != CandidateRecord || c.DefinitionID == "" {
			continue
		}
		fields, ok := loaded[c.DefinitionID]
		if !ok {
			var err error
			fields, err = s.fields.FieldsForDefinition(ctx, c.DefinitionID)
			if err != nil {
				log.Printf("search: load fields for %s: %v", c.DefinitionID, err)
				fields = nil
			}
			loaded[c.DefinitionID] = fields
		}
		c.Fields = fields
	}
}

// IndexRecord indexes a record (fire-and-forget to Meilisearch).
func (s *Service) IndexRecord(r RecordEntry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecord(r); err != nil {
			log.Printf("search: index record %s: %v", r.ID, err)
		}
	}()
}

// IndexNode indexes a workflow node (fire-and-forget to Meilisearch).
func (s *Service) IndexNode(n NodeEntry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNode(n); err != nil {
			log.Printf("search: index node %s: %v", n.ID, err)
		}
	}()
}

// DeleteRecord removes a record from the search index (fire-and-forget).
func (s *Service) DeleteRecord(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(id); err != nil {
			log.Printf("search: delete record %s: %v", id, err)
		}
	}()
}

// DeleteNode removes a workflow node from the search index (fire-and-forget).
func (s *Service) DeleteNode(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNode(id); err != nil {
			log.Printf("search: delete node %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes every record and node from PostgreSQL into
// Meilisearch. Called during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	records, nodes, err := s.pg.LoadAllEntries(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexRecords(records); err != nil {
		log.Printf("search: reindex records: %v", err)
	}
	if err := s.meili.IndexNodes(nodes); err != nil {
		log.Printf("search: reindex nodes: %v", err)
	}
}

func nonNil(c []Candidate) []Candidate {
	if c == nil {
		return []Candidate{}
	}
	return c
}
