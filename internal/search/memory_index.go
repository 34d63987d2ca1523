package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
)

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu          sync.RWMutex
	documents   map[messages.Key]Document
	superseded  map[messages.Key][]int64
	upsertCount int
}

// NewMemoryIndex constructs an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		documents:  make(map[messages.Key]Document),
		superseded: make(map[messages.Key][]int64),
	}
}

func (i *MemoryIndex) Upsert(_ context.Context, document Document) error {
	if err := document.validate(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.upsertCount++
	if existing, ok := i.documents[document.Key()]; ok && existing.Revision > document.Revision {
		return nil
	}
	i.documents[document.Key()] = document
	return nil
}

func (i *MemoryIndex) MarkSuperseded(_ context.Context, key messages.Key, revision int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, recorded := range i.superseded[key] {
		if recorded == revision {
			return nil
		}
	}
	i.superseded[key] = append(i.superseded[key], revision)
	return nil
}

func (i *MemoryIndex) Get(_ context.Context, key messages.Key) (Document, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	document, ok := i.documents[key]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return document, nil
}

func (i *MemoryIndex) Search(_ context.Context, query Query) ([]Document, error) {
	needle := strings.ToLower(strings.TrimSpace(query.Text))
	i.mu.RLock()
	results := make([]Document, 0)
	for _, document := range i.documents {
		if document.ChannelID != query.ChannelID {
			continue
		}
		if document.Deleted && !query.IncludeDeleted {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(document.Text), needle) {
			continue
		}
		results = append(results, document)
	}
	i.mu.RUnlock()
	sort.Slice(results, func(a, b int) bool { return results[a].Sequence > results[b].Sequence })
	if limit := query.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Superseded returns the revisions recorded as superseded for key.
func (i *MemoryIndex) Superseded(key messages.Key) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]int64(nil), i.superseded[key]...)
}

// UpsertCount returns how many upserts were received, including ignored ones.
func (i *MemoryIndex) UpsertCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.upsertCount
}

// Close is a no-op.
func (i *MemoryIndex) Close() error {
	return nil
}
