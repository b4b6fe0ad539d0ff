// Package searchindex provides an in-process full-text index over
// completed tasks' transcript text, layered additively on top of the
// Postgres Store's ILIKE-based text filter (SPEC_FULL.md §4.A).
package searchindex

import (
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve/v2"
)

type document struct {
	TaskID   int64  `json:"task_id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Index is a bleve-backed transcript search index. It holds no authority
// over task state: it is rebuilt from and kept in sync with the Store by
// its caller, never the source of truth.
type Index struct {
	bleveIndex bleve.Index
}

// Open opens an existing on-disk index at path, or creates one if absent.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &Index{bleveIndex: idx}, nil
	}

	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("searchindex: creating index at %s: %w", path, err)
	}
	return &Index{bleveIndex: idx}, nil
}

// OpenInMemory opens a transient index, used by this package's tests and
// any deployment that doesn't need search to survive a restart.
func OpenInMemory() (*Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("searchindex: creating in-memory index: %w", err)
	}
	return &Index{bleveIndex: idx}, nil
}

// Index indexes (or re-indexes) the transcript of a completed task. The
// update worker calls this whenever a task transitions to COMPLETED.
func (i *Index) Index(taskID int64, text, language string) error {
	return i.bleveIndex.Index(docID(taskID), document{TaskID: taskID, Text: text, Language: language})
}

// Delete removes a task's transcript from the index.
func (i *Index) Delete(taskID int64) error {
	return i.bleveIndex.Delete(docID(taskID))
}

// Search returns the task IDs whose transcript matches query, ranked by
// bleve's default relevance scoring, most relevant first.
func (i *Index) Search(query string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	result, err := i.bleveIndex.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searchindex: search failed: %w", err)
	}

	ids := make([]int64, 0, len(result.Hits))
	for _, hit := range result.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the underlying index's file handles.
func (i *Index) Close() error {
	return i.bleveIndex.Close()
}

func docID(taskID int64) string {
	return strconv.FormatInt(taskID, 10)
}
