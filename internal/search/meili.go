package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxRecords = "quarry_records"
	idxNodes   = "quarry_nodes"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// starts unhealthy if the initial connection fails; the health loop will
// pick it up when it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxRecords,
			filterable: []string{"definitionId"},
			searchable: []string{"uniqueName", "definitionName"},
		},
		{
			uid:        idxNodes,
			filterable: []string{"projectId", "kind"},
			searchable: []string{"name", "path"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the record and node indexes and merges results. Field lists
// are not stored in the index; the caller attaches them afterwards when
// IncludeFields is set.
func (m *Meili) Search(q Query) ([]Candidate, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	recordQuery := &meili.SearchRequest{
		IndexUID: idxRecords,
		Query:    q.Text,
		Limit:    limit,
	}
	nodeQuery := &meili.SearchRequest{
		IndexUID: idxNodes,
		Query:    q.Text,
		Limit:    limit,
	}
	if q.ProjectID != "" {
		nodeQuery.Filter = []string{fmt.Sprintf("projectId = %q", q.ProjectID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{recordQuery, nodeQuery},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var candidates []Candidate
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			c := hitToCandidate(hit, sr.IndexUID)
			if q.ExcludeID != "" && c.ID == q.ExcludeID {
				continue
			}
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

func hitToCandidate(hit meili.Hit, indexUID string) Candidate {
	if indexUID == idxNodes {
		return Candidate{
			ID:       decodeString(hit, "id"),
			Type:     CandidateNode,
			Name:     decodeString(hit, "name"),
			Path:     decodeString(hit, "path"),
			NodeType: decodeString(hit, "kind"),
		}
	}
	return Candidate{
		ID:             decodeString(hit, "id"),
		Type:           CandidateRecord,
		Name:           decodeString(hit, "uniqueName"),
		DefinitionID:   decodeString(hit, "definitionId"),
		DefinitionName: decodeString(hit, "definitionName"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

// IndexRecord adds or updates a record in the search index.
func (m *Meili) IndexRecord(r RecordEntry) error {
	_, err := m.client.Index(idxRecords).AddDocuments([]RecordEntry{r}, nil)
	return err
}

// IndexNode adds or updates a workflow node in the search index.
func (m *Meili) IndexNode(n NodeEntry) error {
	_, err := m.client.Index(idxNodes).AddDocuments([]NodeEntry{n}, nil)
	return err
}

// DeleteRecord removes a record from the search index.
func (m *Meili) DeleteRecord(id string) error {
	_, err := m.client.Index(idxRecords).DeleteDocument(id, nil)
	return err
}

// DeleteNode removes a workflow node from the search index.
func (m *Meili) DeleteNode(id string) error {
	_, err := m.client.Index(idxNodes).DeleteDocument(id, nil)
	return err
}

// IndexRecords bulk-indexes records.
func (m *Meili) IndexRecords(records []RecordEntry) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRecords).AddDocuments(records, nil)
	return err
}

// IndexNodes bulk-indexes workflow nodes.
func (m *Meili) IndexNodes(nodes []NodeEntry) error {
	if len(nodes) == 0 {
		return nil
	}
	_, err := m.client.Index(idxNodes).AddDocuments(nodes, nil)
	return err
}
