package producer

import (
	"context"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// linkResolution is the outcome of resolving the navigation-target key
// segments of one composite key. A segment either resolves to a target
// document id, resolves to "intentionally no link" (dummy sentinel), or
// fails; failure is carried as a value, never as a panic or sentinel throw.
type linkResolution struct {
	// links maps target entity-type name to the resolved document id.
	links map[string]string
	// noLink marks target types whose segment is intentionally absent.
	noLink map[string]bool
	// unresolved names the first segment that failed to resolve; empty
	// when resolution succeeded.
	unresolved string
}

func newLinkResolution() linkResolution {
	return linkResolution{links: map[string]string{}, noLink: map[string]bool{}}
}

func (r linkResolution) ok() bool { return r.unresolved == "" }

// ntkpGroup collects every key segment pointing at the same target type, so
// one search resolves them together.
type ntkpGroup struct {
	target string
	// segment is a representative original segment name for error reports.
	segment string
	// static holds literal conditions on the target ("_Box.Name" -> value
	// becomes Name=value on Box).
	static map[string]interface{}
	// nested holds conditions that are themselves one hop further
	// ("_EntityType._Box.Name").
	nested map[string]interface{}
}

// resolveLinkSegments resolves all navigation-target key segments in values
// (segment name -> requested value) into concrete target document ids,
// recursing where a segment chains through another entity type.
func (p *Producer) resolveLinkSegments(ctx context.Context, values map[string]interface{}) (linkResolution, error) {
	res := newLinkResolution()
	groups := map[string]*ntkpGroup{}
	for name, value := range values {
		target, rest, ok := schema.SplitNTKP(name)
		if !ok {
			continue
		}
		g := groups[target]
		if g == nil {
			g = &ntkpGroup{
				target:  target,
				segment: name,
				static:  map[string]interface{}{},
				nested:  map[string]interface{}{},
			}
			groups[target] = g
		}
		if schema.IsNTKP(rest) {
			g.nested[rest] = value
		} else {
			g.static[rest] = value
		}
	}

	for _, g := range groups {
		id, state, err := p.resolveGroup(ctx, g)
		if err != nil {
			return res, err
		}
		switch state {
		case groupResolved:
			res.links[g.target] = id
		case groupNoLink:
			res.noLink[g.target] = true
		case groupUnresolved:
			res.unresolved = g.segment
			return res, nil
		}
	}
	return res, nil
}

type groupState int

const (
	groupResolved groupState = iota
	groupNoLink
	groupUnresolved
)

// resolveGroup searches the target entity set for the single document
// matching the group's conditions.
func (p *Producer) resolveGroup(ctx context.Context, g *ntkpGroup) (string, groupState, error) {
	et, ok := p.schema.EntityType(g.target)
	if !ok {
		return "", groupUnresolved, nil
	}

	q := p.scopeQuery(g.target)
	for prop, value := range g.static {
		q.Terms = append(q.Terms, accessor.Term{Field: query.Field(et, prop), Value: value})
	}

	// Chained segments resolve one hop deeper before this group's search.
	nested, err := p.resolveLinkSegments(ctx, g.nested)
	if err != nil {
		return "", groupUnresolved, err
	}
	if !nested.ok() {
		if p.groupIsDummy(g) {
			return "", groupNoLink, nil
		}
		return "", groupUnresolved, nil
	}
	for target, id := range nested.links {
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(target), Value: id})
	}
	for target := range nested.noLink {
		q.Missing = append(q.Missing, accessor.LinkField(target))
	}

	q.Limit = 1
	result, err := p.store.SearchEntities(ctx, q)
	if err != nil {
		return "", groupUnresolved, serverError("ntkp search", err)
	}
	if len(result.Hits) == 0 {
		if p.groupIsDummy(g) {
			return "", groupNoLink, nil
		}
		return "", groupUnresolved, nil
	}
	return result.Hits[0].ID, groupResolved, nil
}

// groupIsDummy reports whether every literal value of the group is the
// configured dummy sentinel, meaning the segment intentionally carries no
// link.
func (p *Producer) groupIsDummy(g *ntkpGroup) bool {
	found := false
	for _, v := range g.static {
		s, ok := v.(string)
		if !ok || s != p.dummyKey {
			return false
		}
		found = true
	}
	for _, v := range g.nested {
		s, ok := v.(string)
		if !ok || s != p.dummyKey {
			return false
		}
		found = true
	}
	return found
}

// partitionKey splits an entity key into literal conditions and
// navigation-target segment values, defaulting omitted navigation segments
// to the dummy sentinel so a partially specified composite key matches the
// one existing default row.
func (p *Producer) partitionKey(et *schema.EntityType, key Key) (static, ntkp map[string]interface{}) {
	static = map[string]interface{}{}
	ntkp = map[string]interface{}{}
	for _, name := range et.Keys {
		value, present := key[name]
		if schema.IsNTKP(name) {
			if !present {
				value = p.dummyKey
			}
			ntkp[name] = value
			continue
		}
		if present {
			static[name] = value
		}
	}
	return static, ntkp
}

// keyQuery builds the search matching exactly the documents with the given
// key, combining literal conditions with resolved link conditions.
func (p *Producer) keyQuery(et *schema.EntityType, static map[string]interface{}, res linkResolution) accessor.Query {
	q := p.scopeQuery(et.Name)
	for name, value := range static {
		q.Terms = append(q.Terms, accessor.Term{Field: query.Field(et, name), Value: value})
	}
	for target, id := range res.links {
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(target), Value: id})
	}
	for target := range res.noLink {
		q.Missing = append(q.Missing, accessor.LinkField(target))
	}
	return q
}

// docCache memoizes referenced-document reads while resolving display
// properties and expands across one result page.
type docCache struct {
	p    *Producer
	docs map[string]*document.Document
}

func (p *Producer) newDocCache() *docCache {
	return &docCache{p: p, docs: map[string]*document.Document{}}
}

// warm bulk-fetches the given ids in one search.
func (c *docCache) warm(ctx context.Context, ids []string) error {
	missing := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.docs[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	result, err := c.p.store.SearchEntities(ctx, accessor.Query{IDs: missing, Limit: len(missing)})
	if err != nil {
		return serverError("cache warm search", err)
	}
	for _, doc := range result.Hits {
		c.docs[doc.ID] = doc
	}
	return nil
}

func (c *docCache) get(ctx context.Context, id string) (*document.Document, error) {
	if doc, ok := c.docs[id]; ok {
		return doc, nil
	}
	doc, err := c.p.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	c.docs[id] = doc
	return doc, nil
}

// displayValue renders one navigation-target key segment for a returned
// entity by following the embedded link id and reading the referenced
// document's static field, chaining further hops while the segment itself
// carries the link marker.
func (p *Producer) displayValue(ctx context.Context, doc *document.Document, segment string, cache *docCache) (interface{}, error) {
	target, rest, ok := schema.SplitNTKP(segment)
	if !ok {
		return nil, nil
	}
	id, linked := doc.Links[target]
	if !linked {
		return nil, nil
	}
	referenced, err := cache.get(ctx, id)
	if err != nil {
		// A dangling link id renders as an absent display value rather
		// than failing the whole read.
		return nil, nil
	}
	if schema.IsNTKP(rest) {
		return p.displayValue(ctx, referenced, rest, cache)
	}
	return referenced.Static[rest], nil
}
