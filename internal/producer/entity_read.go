package producer

import (
	"context"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// GetEntity fetches one entity by key. Composite navigation-target key
// segments are resolved first; a segment that fails to resolve makes the
// whole lookup NotFound rather than an error. Read operations take no lock.
func (p *Producer) GetEntity(ctx context.Context, entitySet string, key Key, opts *query.Options) (*Entity, error) {
	ctx, span := p.obs.StartOperation(ctx, "getEntity", entitySet)
	entity, err := p.getEntity(ctx, entitySet, key, opts)
	span.End(err)
	p.obs.RecordOperation(ctx, "getEntity", err)
	return entity, err
}

func (p *Producer) getEntity(ctx context.Context, entitySet string, key Key, opts *query.Options) (*Entity, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &query.Options{}
	}

	doc, err := p.fetchByKey(ctx, et, key)
	if err != nil {
		return nil, err
	}

	entity := p.entityFromDocument(et, doc, opts.Select)
	cache := p.newDocCache()
	if err := p.resolveDisplay(ctx, et, doc, entity, opts.Select, cache); err != nil {
		return nil, err
	}
	if err := p.expandEntity(ctx, et, doc, entity, opts.Expand, cache); err != nil {
		return nil, err
	}
	return entity, nil
}

// fetchByKey resolves the key to its single stored document.
func (p *Producer) fetchByKey(ctx context.Context, et *schema.EntityType, key Key) (*document.Document, error) {
	static, ntkp := p.partitionKey(et, key)
	res, err := p.resolveLinkSegments(ctx, ntkp)
	if err != nil {
		return nil, err
	}
	if !res.ok() {
		return nil, ErrNotFound
	}

	q := p.keyQuery(et, static, res)
	q.Limit = 1
	result, err := p.store.SearchEntities(ctx, q)
	if err != nil {
		return nil, serverError("entity search", err)
	}
	if len(result.Hits) == 0 {
		return nil, ErrNotFound
	}
	return result.Hits[0], nil
}

// GetEntities lists an entity set with the caller's filter, sort and
// paging ANDed onto the implicit scope filters. When $inlinecount=allpages
// the returned total is the full match count; otherwise it is -1.
func (p *Producer) GetEntities(ctx context.Context, entitySet string, opts *query.Options) ([]*Entity, int64, error) {
	ctx, span := p.obs.StartOperation(ctx, "getEntities", entitySet)
	entities, total, err := p.getEntities(ctx, entitySet, opts)
	span.End(err)
	p.obs.RecordOperation(ctx, "getEntities", err)
	return entities, total, err
}

func (p *Producer) getEntities(ctx context.Context, entitySet string, opts *query.Options) ([]*Entity, int64, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, -1, err
	}
	if opts == nil {
		opts = &query.Options{}
	}

	q := query.Translate(et, p.scope, opts, p.defaultTop)
	result, err := p.store.SearchEntities(ctx, q)
	if err != nil {
		return nil, -1, serverError("entity search", err)
	}

	// Pre-warm referenced documents across the whole page so display and
	// expand resolution costs one lookup per distinct link id instead of
	// one per hit per hop.
	cache := p.newDocCache()
	if err := cache.warm(ctx, referencedIDs(et, result.Hits, opts.Expand)); err != nil {
		return nil, -1, err
	}

	entities := make([]*Entity, 0, len(result.Hits))
	for _, doc := range result.Hits {
		entity := p.entityFromDocument(et, doc, opts.Select)
		if err := p.resolveDisplay(ctx, et, doc, entity, opts.Select, cache); err != nil {
			return nil, -1, err
		}
		if err := p.expandEntity(ctx, et, doc, entity, opts.Expand, cache); err != nil {
			return nil, -1, err
		}
		entities = append(entities, entity)
	}

	total := int64(-1)
	if opts.InlineCount {
		total = result.Total
	}
	return entities, total, nil
}

// CountEntities returns the number of entities matching the options'
// filter within the implicit scope.
func (p *Producer) CountEntities(ctx context.Context, entitySet string, opts *query.Options) (int64, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return 0, err
	}
	if opts == nil {
		opts = &query.Options{}
	}
	q := p.scopeQuery(et.Name)
	for name, value := range opts.Filter {
		q.Terms = append(q.Terms, accessor.Term{Field: query.Field(et, name), Value: value})
	}
	n, err := p.store.CountEntities(ctx, q)
	if err != nil {
		return 0, serverError("entity count", err)
	}
	return n, nil
}

// referencedIDs collects the distinct document ids a result page will
// dereference: navigation-target display hops plus singular expands.
func referencedIDs(et *schema.EntityType, hits []*document.Document, expands []string) []string {
	var ids []string
	for _, doc := range hits {
		for _, name := range et.Keys {
			if !schema.IsNTKP(name) {
				continue
			}
			target, _, _ := schema.SplitNTKP(name)
			if id, linked := doc.Links[target]; linked {
				ids = append(ids, id)
			}
		}
		for _, name := range expands {
			np, ok := et.NavProp(name)
			if !ok {
				continue
			}
			switch np.LinkType() {
			case schema.LinkTypeManyToOne, schema.LinkTypeOneToOne:
				if id, linked := doc.Links[np.Target]; linked {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// resolveDisplay fills navigation-target key display values, honoring the
// caller's $select projection.
func (p *Producer) resolveDisplay(ctx context.Context, et *schema.EntityType, doc *document.Document, entity *Entity, selects []string, cache *docCache) error {
	for _, name := range et.Keys {
		if !schema.IsNTKP(name) || !selected(selects, name) {
			continue
		}
		value, err := p.displayValue(ctx, doc, name, cache)
		if err != nil {
			return err
		}
		entity.Properties[name] = value
	}
	return nil
}

func selected(selects []string, name string) bool {
	if len(selects) == 0 {
		return true
	}
	for _, s := range selects {
		if s == name {
			return true
		}
	}
	return false
}

// expandEntity attaches expanded navigation targets, bounded by the
// configured maximum fan-out per hop.
func (p *Producer) expandEntity(ctx context.Context, et *schema.EntityType, doc *document.Document, entity *Entity, expands []string, cache *docCache) error {
	for _, name := range expands {
		np, ok := et.NavProp(name)
		if !ok {
			continue
		}
		targetET, ok := p.schema.EntityType(np.Target)
		if !ok {
			continue
		}
		targets, err := p.navTargets(ctx, et, np, doc, cache, p.maxExpandCount)
		if err != nil {
			return err
		}
		expanded := make([]*Entity, 0, len(targets))
		for _, target := range targets {
			expanded = append(expanded, p.entityFromDocument(targetET, target, nil))
		}
		if entity.Expanded == nil {
			entity.Expanded = map[string][]*Entity{}
		}
		entity.Expanded[np.Name] = expanded
	}
	return nil
}

// navTargets fetches the documents on the far side of one navigation
// property, choosing the storage strategy for its link shape.
func (p *Producer) navTargets(ctx context.Context, et *schema.EntityType, np schema.NavigationProperty, doc *document.Document, cache *docCache, limit int) ([]*document.Document, error) {
	switch np.LinkType() {
	case schema.LinkTypeManyToOne, schema.LinkTypeOneToOne:
		id, linked := doc.Links[np.Target]
		if !linked {
			return nil, nil
		}
		target, err := cache.get(ctx, id)
		if err != nil {
			return nil, nil
		}
		return []*document.Document{target}, nil

	case schema.LinkTypeOneToMany:
		q := p.scopeQuery(np.Target)
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(et.Name), Value: doc.ID})
		q.Sorts = p.manySideSort(np.Target)
		q.Limit = limit
		result, err := p.store.SearchEntities(ctx, q)
		if err != nil {
			return nil, serverError("navigation search", err)
		}
		return result.Hits, nil

	default: // many-to-many
		ids, err := p.linkedPeerIDs(ctx, doc.ID, np.Target)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		q := p.scopeQuery(np.Target)
		q.IDs = ids
		q.Sorts = p.manySideSort(np.Target)
		q.Limit = limit
		result, err := p.store.SearchEntities(ctx, q)
		if err != nil {
			return nil, serverError("navigation search", err)
		}
		return result.Hits, nil
	}
}

// manySideSort is the deterministic order for listing the many side: name
// field ascending, then id ascending, keeping pagination stable.
func (p *Producer) manySideSort(typeName string) []accessor.Sort {
	var sorts []accessor.Sort
	if et, ok := p.schema.EntityType(typeName); ok {
		if name := et.SortNameProperty(); name != "" {
			sorts = append(sorts, accessor.Sort{Field: accessor.StaticField(name)})
		}
	}
	return append(sorts, accessor.Sort{Field: accessor.FieldID})
}

// linkedPeerIDs lists the ids on the opposite side of every N:N edge of
// one entity, capped at the configured ids-filter bound.
func (p *Producer) linkedPeerIDs(ctx context.Context, id, peerType string) ([]string, error) {
	links, err := p.store.SearchLinks(ctx, accessor.LinkQuery{Scope: p.scope, JoinedID: id, PeerType: peerType})
	if err != nil {
		return nil, serverError("link search", err)
	}
	ids := make([]string, 0, len(links))
	for _, link := range links {
		if len(ids) >= p.maxIDsClauseSize {
			break
		}
		ids = append(ids, link.PeerID(id))
	}
	return ids, nil
}
