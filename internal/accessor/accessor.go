// Package accessor defines the document-store access interface the producer
// is written against, together with the query representation understood by
// every backend. Backends provide get/search/index/update/delete/bulk/count
// primitives with per-document version numbers; they do not provide
// transactions, foreign keys or joins.
package accessor

import (
	"context"
	"errors"
	"strings"

	"github.com/personium/personium-core-sub022/internal/document"
)

var (
	// ErrNotFound is returned when a document does not exist (or was
	// concurrently deleted).
	ErrNotFound = errors.New("accessor: document not found")

	// ErrVersionConflict is returned when a version-conditioned write
	// observes a different stored version.
	ErrVersionConflict = errors.New("accessor: document version conflict")

	// ErrAlreadyExists is returned when indexing a document whose id is
	// already present.
	ErrAlreadyExists = errors.New("accessor: document already exists")
)

// Well-known query field prefixes. Scope and type fields are addressed by
// bare names; categorized fields are addressed as "<prefix><name>".
const (
	FieldID   = "id"
	FieldCell = "cell"
	FieldBox  = "box"
	FieldNode = "node"
	FieldType = "type"

	PrefixStatic  = "s."
	PrefixDynamic = "d."
	PrefixHidden  = "h."
	PrefixLink    = "l."
)

// StaticField addresses a declared property in a query.
func StaticField(name string) string { return PrefixStatic + name }

// DynamicField addresses an open-type property in a query.
func DynamicField(name string) string { return PrefixDynamic + name }

// LinkField addresses the embedded link id for a target entity-type name.
func LinkField(typeName string) string { return PrefixLink + typeName }

// Term is an exact-match condition on one field.
type Term struct {
	Field string
	Value interface{}
}

// Sort orders results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Query is the backend-neutral search specification: ANDed terms, an
// optional ids filter, fields required to be absent, sort order and paging.
// A Limit of zero or less means no limit.
type Query struct {
	Terms   []Term
	IDs     []string
	Missing []string
	Sorts   []Sort
	Offset  int
	Limit   int
}

// Clone returns a copy that can be extended without aliasing.
func (q Query) Clone() Query {
	c := q
	c.Terms = append([]Term(nil), q.Terms...)
	c.IDs = append([]string(nil), q.IDs...)
	c.Missing = append([]string(nil), q.Missing...)
	c.Sorts = append([]Sort(nil), q.Sorts...)
	return c
}

// SearchResult carries one page of hits plus the total match count before
// paging was applied.
type SearchResult struct {
	Hits  []*document.Document
	Total int64
}

// BulkResult reports the outcome for one item of a bulk index call.
type BulkResult struct {
	ID      string
	Version int64
	Err     error
}

// LinkQuery selects many-to-many link documents joined to one entity,
// optionally restricted to edges whose opposite side has the given
// entity-type name.
type LinkQuery struct {
	Scope    document.Scope
	JoinedID string
	PeerType string
}

// DocumentStore is the document-store accessor consumed by the producer.
// Implementations must assign monotonically increasing per-document version
// numbers on every successful write.
type DocumentStore interface {
	GetEntity(ctx context.Context, id string) (*document.Document, error)
	SearchEntities(ctx context.Context, q Query) (*SearchResult, error)
	CountEntities(ctx context.Context, q Query) (int64, error)

	// IndexEntity creates the document and returns its initial version.
	IndexEntity(ctx context.Context, doc *document.Document) (int64, error)

	// UpdateEntity replaces the document if its stored version equals
	// expectedVersion, returning the new version. A negative
	// expectedVersion skips the precondition.
	UpdateEntity(ctx context.Context, doc *document.Document, expectedVersion int64) (int64, error)

	// DeleteEntity removes the document if its stored version equals
	// expectedVersion (negative skips the check). Returns ErrNotFound if
	// the document is already gone.
	DeleteEntity(ctx context.Context, id string, expectedVersion int64) error

	// BulkIndexEntities creates many documents in one call, returning one
	// result per input in the same order. A per-item failure does not
	// abort the siblings.
	BulkIndexEntities(ctx context.Context, docs []*document.Document) ([]BulkResult, error)

	GetLink(ctx context.Context, id string) (*document.LinkDocument, error)
	SearchLinks(ctx context.Context, q LinkQuery) ([]*document.LinkDocument, error)
	CountLinks(ctx context.Context, q LinkQuery) (int64, error)
	IndexLink(ctx context.Context, link *document.LinkDocument) (int64, error)
	DeleteLink(ctx context.Context, id string) error
}

// FieldValue resolves a query field name against a document. The second
// return reports whether the field is present.
func FieldValue(doc *document.Document, field string) (interface{}, bool) {
	switch field {
	case FieldID:
		return doc.ID, true
	case FieldCell:
		return doc.Scope.Cell, true
	case FieldBox:
		return doc.Scope.Box, true
	case FieldNode:
		return doc.Scope.Node, true
	case FieldType:
		return doc.EntityTypeID, true
	}
	switch {
	case strings.HasPrefix(field, PrefixStatic):
		v, ok := doc.Static[field[len(PrefixStatic):]]
		return v, ok
	case strings.HasPrefix(field, PrefixDynamic):
		v, ok := doc.Dynamic[field[len(PrefixDynamic):]]
		return v, ok
	case strings.HasPrefix(field, PrefixHidden):
		v, ok := doc.Hidden[field[len(PrefixHidden):]]
		return v, ok
	case strings.HasPrefix(field, PrefixLink):
		v, ok := doc.Links[field[len(PrefixLink):]]
		return v, ok
	}
	return nil, false
}
