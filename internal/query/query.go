// Package query translates caller query options ($filter, $orderby, $top,
// $skip, $select, $expand, $inlinecount) plus the implicit scope filters
// into the document-store query representation.
package query

import (
	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// OrderBy orders results by one property.
type OrderBy struct {
	Property string
	Desc     bool
}

// Options carries the caller's parsed query options. Filter holds term
// equalities keyed by property name; richer predicates are out of scope for
// this layer.
type Options struct {
	Filter      map[string]interface{}
	OrderBy     []OrderBy
	Top         int
	Skip        int
	Select      []string
	Expand      []string
	InlineCount bool
}

// Scope builds the implicit filter terms for a data scope and entity type.
// Empty scope elements contribute no condition.
func Scope(scope document.Scope, entityTypeID string) accessor.Query {
	var q accessor.Query
	if scope.Cell != "" {
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.FieldCell, Value: scope.Cell})
	}
	if scope.Box != "" {
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.FieldBox, Value: scope.Box})
	}
	if scope.Node != "" {
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.FieldNode, Value: scope.Node})
	}
	if entityTypeID != "" {
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.FieldType, Value: entityTypeID})
	}
	return q
}

// Field resolves a caller-visible property name to its query field,
// distinguishing declared from open-type properties.
func Field(et *schema.EntityType, name string) string {
	if _, ok := et.Property(name); ok {
		return accessor.StaticField(name)
	}
	return accessor.DynamicField(name)
}

// Translate merges the implicit scope filters with the caller's options
// into one accessor query. defaultTop bounds the page size when the caller
// gives no $top.
func Translate(et *schema.EntityType, scope document.Scope, opts *Options, defaultTop int) accessor.Query {
	q := Scope(scope, et.Name)
	if opts == nil {
		opts = &Options{}
	}
	for name, value := range opts.Filter {
		q.Terms = append(q.Terms, accessor.Term{Field: Field(et, name), Value: value})
	}
	for _, ob := range opts.OrderBy {
		q.Sorts = append(q.Sorts, accessor.Sort{Field: Field(et, ob.Property), Desc: ob.Desc})
	}
	if len(q.Sorts) == 0 {
		// Stable default order: declared name property, then id.
		if name := et.SortNameProperty(); name != "" {
			q.Sorts = append(q.Sorts, accessor.Sort{Field: accessor.StaticField(name)})
		}
		q.Sorts = append(q.Sorts, accessor.Sort{Field: accessor.FieldID})
	}
	q.Offset = opts.Skip
	q.Limit = opts.Top
	if q.Limit <= 0 {
		q.Limit = defaultTop
	}
	return q
}
