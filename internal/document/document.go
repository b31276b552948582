// Package document defines the typed document representations persisted in
// the backing store: entity documents and the dedicated link documents used
// for many-to-many associations.
package document

import (
	"sort"
	"strings"
	"time"
)

// Scope is the (cell, box, node) tenancy triple that namespaces all
// documents. Each element is optional depending on the producer subtype;
// an empty string means "not scoped at this level".
type Scope struct {
	Cell string
	Box  string
	Node string
}

// Document is a single stored entity. Declared properties live in Static,
// undeclared (open-type) properties in Dynamic, server-only attributes in
// Hidden, and access-control payload in ACL. Links maps a target
// entity-type name to the id of the linked document and carries every
// outgoing 1:1, 1:N and N:1 reference; presence of a key, not a null
// marker, encodes "linked".
type Document struct {
	ID           string
	Scope        Scope
	EntityTypeID string
	Static       map[string]interface{}
	Dynamic      map[string]interface{}
	Hidden       map[string]interface{}
	ACL          map[string]interface{}
	Links        map[string]string
	Published    time.Time
	Updated      time.Time
	Version      int64
}

// New returns an empty document with all field maps allocated.
func New(id string, scope Scope, entityTypeID string) *Document {
	return &Document{
		ID:           id,
		Scope:        scope,
		EntityTypeID: entityTypeID,
		Static:       map[string]interface{}{},
		Dynamic:      map[string]interface{}{},
		Hidden:       map[string]interface{}{},
		ACL:          map[string]interface{}{},
		Links:        map[string]string{},
	}
}

// Clone returns a deep copy. Mutating the copy never aliases the
// original's field maps.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Static = copyValueMap(d.Static)
	c.Dynamic = copyValueMap(d.Dynamic)
	c.Hidden = copyValueMap(d.Hidden)
	c.ACL = copyValueMap(d.ACL)
	c.Links = copyStringMap(d.Links)
	return &c
}

func copyStringMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyValueMap(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = copyValue(v)
	}
	return c
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyValueMap(t)
	case []interface{}:
		c := make([]interface{}, len(t))
		for i, e := range t {
			c[i] = copyValue(e)
		}
		return c
	default:
		return v
	}
}

// LinkDocument represents one edge of a many-to-many association. Its id is
// derived from the unordered pair of entity ids, so at most one edge exists
// per pair and existence checks are point lookups.
type LinkDocument struct {
	ID        string
	Scope     Scope
	Type1     string
	ID1       string
	Type2     string
	ID2       string
	Published time.Time
	Updated   time.Time
	Version   int64
}

// LinkID composes the deterministic, order-independent id for the edge
// between two entity documents.
func LinkID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// NewLink builds the link document for the edge between (typeA, idA) and
// (typeB, idB). Sides are stored in id order so the document is identical
// regardless of which end initiated the registration.
func NewLink(scope Scope, typeA, idA, typeB, idB string) *LinkDocument {
	if idB < idA {
		typeA, idA, typeB, idB = typeB, idB, typeA, idA
	}
	return &LinkDocument{
		ID:    LinkID(idA, idB),
		Scope: scope,
		Type1: typeA,
		ID1:   idA,
		Type2: typeB,
		ID2:   idB,
	}
}

// PeerID returns the id on the opposite side of the edge from the given
// entity id, or "" if the id is not part of the edge.
func (l *LinkDocument) PeerID(id string) string {
	switch id {
	case l.ID1:
		return l.ID2
	case l.ID2:
		return l.ID1
	default:
		return ""
	}
}

// Joins returns whether the edge connects the given entity id.
func (l *LinkDocument) Joins(id string) bool {
	return id == l.ID1 || id == l.ID2
}
