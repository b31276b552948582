package producer

import (
	"context"
	"strings"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// normalizeKey renders a document's primary key in canonical string form.
// Values pass through schema-aware normalization so two distinct typed
// values cannot produce the same string.
func normalizeKey(et *schema.EntityType, doc *document.Document) string {
	parts := make([]string, 0, len(et.Keys))
	for _, name := range et.Keys {
		if schema.IsNTKP(name) {
			target, _, _ := schema.SplitNTKP(name)
			id, linked := doc.Links[target]
			if !linked {
				id = "null"
			}
			parts = append(parts, name+"='"+id+"'")
			continue
		}
		prop, _ := et.Property(name)
		parts = append(parts, name+"='"+schema.NormalizeValue(prop.Type, doc.Static[name])+"'")
	}
	return strings.Join(parts, "&")
}

// keyQueryFromDoc builds the primary-key collision search for a document:
// literal conditions from its static fields and link conditions from its
// embedded link ids.
func (p *Producer) keyQueryFromDoc(et *schema.EntityType, doc *document.Document) accessor.Query {
	q := p.scopeQuery(et.Name)
	for _, name := range et.Keys {
		if schema.IsNTKP(name) {
			target, _, _ := schema.SplitNTKP(name)
			if id, linked := doc.Links[target]; linked {
				q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(target), Value: id})
			} else {
				q.Missing = append(q.Missing, accessor.LinkField(target))
			}
			continue
		}
		q.Terms = append(q.Terms, accessor.Term{Field: query.Field(et, name), Value: doc.Static[name]})
	}
	return q
}

// checkUniqueness enforces primary-key and unique-key-group uniqueness for
// doc. For updates, original is the stored document; searches are skipped
// when the corresponding key values did not change. Must be called under
// the scope lock.
func (p *Producer) checkUniqueness(ctx context.Context, et *schema.EntityType, doc, original *document.Document) error {
	if original == nil || normalizeKey(et, doc) != normalizeKey(et, original) {
		if err := p.searchCollision(ctx, p.keyQueryFromDoc(et, doc), doc.ID); err != nil {
			return err
		}
	}

	for _, group := range et.UniqueKeys {
		if allNull(doc, group) {
			continue
		}
		if original != nil && !groupChanged(et, doc, original, group) {
			continue
		}
		q := p.scopeQuery(et.Name)
		for _, name := range group {
			if v := fieldValue(doc, name); v != nil {
				q.Terms = append(q.Terms, accessor.Term{Field: query.Field(et, name), Value: v})
			} else {
				// A null member matches stored documents where the member is
				// also null or absent, the same rule the bulk key set applies.
				q.Missing = append(q.Missing, query.Field(et, name))
			}
		}
		if err := p.searchCollision(ctx, q, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

// searchCollision runs a uniqueness search and reports a conflict when any
// hit other than the document itself matches. Unique-key violations report
// the same conflict kind as primary-key violations.
func (p *Producer) searchCollision(ctx context.Context, q accessor.Query, selfID string) error {
	result, err := p.store.SearchEntities(ctx, q)
	if err != nil {
		return serverError("uniqueness search", err)
	}
	for _, hit := range result.Hits {
		if hit.ID != selfID {
			return ErrAlreadyExists
		}
	}
	return nil
}

func fieldValue(doc *document.Document, name string) interface{} {
	if v, ok := doc.Static[name]; ok {
		return v
	}
	return doc.Dynamic[name]
}

func allNull(doc *document.Document, group []string) bool {
	for _, name := range group {
		if fieldValue(doc, name) != nil {
			return false
		}
	}
	return true
}

func groupChanged(et *schema.EntityType, doc, original *document.Document, group []string) bool {
	for _, name := range group {
		prop, _ := et.Property(name)
		if schema.NormalizeValue(prop.Type, fieldValue(doc, name)) != schema.NormalizeValue(prop.Type, fieldValue(original, name)) {
			return true
		}
	}
	return false
}
