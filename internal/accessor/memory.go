package accessor

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/personium/personium-core-sub022/internal/document"
)

// MemoryStore is a complete in-process DocumentStore. It backs the test
// suite and is suitable for embedders that do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*document.Document
	links    map[string]*document.LinkDocument
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: map[string]*document.Document{},
		links:    map[string]*document.LinkDocument{},
		now:      time.Now,
	}
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) SearchEntities(_ context.Context, q Query) (*SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []*document.Document
	for _, doc := range m.entities {
		if Matches(doc, q) {
			hits = append(hits, doc.Clone())
		}
	}
	SortDocuments(hits, q.Sorts)
	total := int64(len(hits))
	hits = Page(hits, q.Offset, q.Limit)
	return &SearchResult{Hits: hits, Total: total}, nil
}

func (m *MemoryStore) CountEntities(_ context.Context, q Query) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, doc := range m.entities {
		if Matches(doc, q) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) IndexEntity(_ context.Context, doc *document.Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(doc)
}

func (m *MemoryStore) indexLocked(doc *document.Document) (int64, error) {
	if _, exists := m.entities[doc.ID]; exists {
		return 0, ErrAlreadyExists
	}
	stored := doc.Clone()
	stored.Version = 1
	now := m.now()
	if stored.Published.IsZero() {
		stored.Published = now
	}
	stored.Updated = now
	m.entities[doc.ID] = stored
	return stored.Version, nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, doc *document.Document, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entities[doc.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if expectedVersion >= 0 && current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	stored := doc.Clone()
	stored.Version = current.Version + 1
	stored.Published = current.Published
	stored.Updated = m.now()
	m.entities[doc.ID] = stored
	return stored.Version, nil
}

func (m *MemoryStore) DeleteEntity(_ context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entities[id]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion >= 0 && current.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.entities, id)
	return nil
}

func (m *MemoryStore) BulkIndexEntities(_ context.Context, docs []*document.Document) ([]BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]BulkResult, len(docs))
	for i, doc := range docs {
		version, err := m.indexLocked(doc)
		results[i] = BulkResult{ID: doc.ID, Version: version, Err: err}
	}
	return results, nil
}

func (m *MemoryStore) GetLink(_ context.Context, id string) (*document.LinkDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *link
	return &c, nil
}

func (m *MemoryStore) SearchLinks(_ context.Context, q LinkQuery) ([]*document.LinkDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []*document.LinkDocument
	for _, link := range m.links {
		if linkMatches(link, q) {
			c := *link
			hits = append(hits, &c)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	return hits, nil
}

func (m *MemoryStore) CountLinks(_ context.Context, q LinkQuery) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, link := range m.links {
		if linkMatches(link, q) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) IndexLink(_ context.Context, link *document.LinkDocument) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.links[link.ID]; exists {
		return 0, ErrAlreadyExists
	}
	stored := *link
	stored.Version = 1
	now := m.now()
	if stored.Published.IsZero() {
		stored.Published = now
	}
	stored.Updated = now
	m.links[link.ID] = &stored
	return stored.Version, nil
}

func (m *MemoryStore) DeleteLink(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[id]; !ok {
		return ErrNotFound
	}
	delete(m.links, id)
	return nil
}

func linkMatches(link *document.LinkDocument, q LinkQuery) bool {
	if !link.Joins(q.JoinedID) {
		return false
	}
	if q.PeerType == "" {
		return true
	}
	if link.ID1 == q.JoinedID {
		return link.Type2 == q.PeerType
	}
	return link.Type1 == q.PeerType
}

// Matches reports whether a document satisfies every condition of the
// query (terms, required-absent fields and the ids filter). Backends that
// cannot evaluate a condition natively apply it here after decoding. A
// field stored with an explicit null value counts as absent.
func Matches(doc *document.Document, q Query) bool {
	for _, term := range q.Terms {
		v, ok := FieldValue(doc, term.Field)
		if !ok || !equalValues(v, term.Value) {
			return false
		}
	}
	for _, field := range q.Missing {
		if v, ok := FieldValue(doc, field); ok && v != nil {
			return false
		}
	}
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if doc.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func equalValues(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// SortDocuments orders hits by the given sort fields, falling back to id
// order so result pages are stable.
func SortDocuments(hits []*document.Document, sorts []Sort) {
	if len(sorts) == 0 {
		sorts = []Sort{{Field: FieldID}}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		for _, s := range sorts {
			a, _ := FieldValue(hits[i], s.Field)
			b, _ := FieldValue(hits[j], s.Field)
			if equalValues(a, b) {
				continue
			}
			less := valueLess(a, b)
			if s.Desc {
				return !less
			}
			return less
		}
		return false
	})
}

func valueLess(a, b interface{}) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af < bf
		}
		return true
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// Page applies offset/limit paging to an already-sorted hit slice.
func Page(hits []*document.Document, offset, limit int) []*document.Document {
	if offset >= len(hits) {
		return nil
	}
	hits = hits[offset:]
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits
}
