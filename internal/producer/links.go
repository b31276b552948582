package producer

import (
	"context"
	"errors"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/etag"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// CreateLink registers a link between two existing entities over the named
// navigation property. The returned ETag always belongs to the source
// side, the document the request addressed, even for shapes where only the
// target document is written.
func (p *Producer) CreateLink(ctx context.Context, entitySet, sourceID, navProp, targetID string) (string, error) {
	ctx, span := p.obs.StartOperation(ctx, "createLink", entitySet)
	tag, err := p.createLink(ctx, entitySet, sourceID, navProp, targetID)
	span.End(err)
	p.obs.RecordOperation(ctx, "createLink", err)
	return tag, err
}

func (p *Producer) createLink(ctx context.Context, entitySet, sourceID, navProp, targetID string) (string, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return "", err
	}
	np, ok := et.NavProp(navProp)
	if !ok {
		return "", ErrNotFound
	}

	var sourceTag string
	err = p.withLock(ctx, func(ctx context.Context) error {
		source, err := p.getDocument(ctx, sourceID)
		if err != nil {
			return err
		}
		target, err := p.getDocument(ctx, targetID)
		if err != nil {
			return err
		}

		switch np.LinkType() {
		case schema.LinkTypeOneToOne:
			// Two existing entities cannot be linked when both ends are
			// mandatory; such a pair can only be created together.
			if np.SourceMultiplicity == schema.MultiplicityOne && np.TargetMultiplicity == schema.MultiplicityOne {
				return ErrInvalidMultiplicity
			}
			if _, linked := source.Links[np.Target]; linked {
				return ErrLinkAlreadyExists
			}
			if _, linked := target.Links[et.Name]; linked {
				return ErrLinkAlreadyExists
			}
			src := source.Clone()
			src.Links[np.Target] = targetID
			tgt := target.Clone()
			tgt.Links[et.Name] = sourceID
			version, err := p.updateDocument(ctx, src, source.Version)
			if err != nil {
				return err
			}
			if _, err := p.updateDocument(ctx, tgt, target.Version); err != nil {
				return err
			}
			sourceTag = etag.Generate(sourceID, version)
			return nil

		case schema.LinkTypeOneToMany:
			// The many side owns the embedded link.
			if _, linked := target.Links[et.Name]; linked {
				return ErrLinkAlreadyExists
			}
			tgt := target.Clone()
			tgt.Links[et.Name] = sourceID
			if _, err := p.updateDocument(ctx, tgt, target.Version); err != nil {
				return err
			}
			sourceTag = etag.Generate(sourceID, source.Version)
			return nil

		case schema.LinkTypeManyToOne:
			if _, linked := source.Links[np.Target]; linked {
				return ErrLinkAlreadyExists
			}
			src := source.Clone()
			src.Links[np.Target] = targetID
			version, err := p.updateDocument(ctx, src, source.Version)
			if err != nil {
				return err
			}
			sourceTag = etag.Generate(sourceID, version)
			return nil

		default: // many-to-many
			if err := p.checkNNPreconditions(ctx, et.Name, sourceID, np.Target, targetID); err != nil {
				return err
			}
			link := document.NewLink(p.scope, et.Name, sourceID, np.Target, targetID)
			if _, err := p.store.IndexLink(ctx, link); err != nil {
				if errors.Is(err, accessor.ErrAlreadyExists) {
					return ErrLinkAlreadyExists
				}
				return serverError("link index", err)
			}
			sourceTag = etag.Generate(sourceID, source.Version)
			return nil
		}
	})
	if err != nil {
		return "", err
	}
	return sourceTag, nil
}

// checkNNPreconditions enforces edge uniqueness and the registered-links
// cap on both sides of a prospective N:N edge.
func (p *Producer) checkNNPreconditions(ctx context.Context, sourceType, sourceID, targetType, targetID string) error {
	if _, err := p.store.GetLink(ctx, document.LinkID(sourceID, targetID)); err == nil {
		return ErrLinkAlreadyExists
	} else if !errors.Is(err, accessor.ErrNotFound) {
		return serverError("link lookup", err)
	}
	for _, side := range []struct{ id, peer string }{
		{sourceID, targetType},
		{targetID, sourceType},
	} {
		n, err := p.store.CountLinks(ctx, accessor.LinkQuery{Scope: p.scope, JoinedID: side.id, PeerType: side.peer})
		if err != nil {
			return serverError("link count", err)
		}
		if n >= int64(p.maxNNLinks) {
			return ErrLinkUpperLimitExceeded
		}
	}
	return nil
}

// DeleteLink removes a link. For 1:1 pairs the link is removed from both
// documents; for the embedded shapes only the owning side changes, after a
// uniqueness re-check in case unlinking re-exposes a primary-key
// collision.
func (p *Producer) DeleteLink(ctx context.Context, entitySet, sourceID, navProp, targetID string) error {
	ctx, span := p.obs.StartOperation(ctx, "deleteLink", entitySet)
	err := p.deleteLink(ctx, entitySet, sourceID, navProp, targetID)
	span.End(err)
	p.obs.RecordOperation(ctx, "deleteLink", err)
	return err
}

func (p *Producer) deleteLink(ctx context.Context, entitySet, sourceID, navProp, targetID string) error {
	et, err := p.entityType(entitySet)
	if err != nil {
		return err
	}
	np, ok := et.NavProp(navProp)
	if !ok {
		return ErrNotFound
	}

	return p.withLock(ctx, func(ctx context.Context) error {
		switch np.LinkType() {
		case schema.LinkTypeOneToOne:
			source, err := p.getDocument(ctx, sourceID)
			if err != nil {
				return err
			}
			if source.Links[np.Target] != targetID {
				return ErrNotFound
			}
			src := source.Clone()
			delete(src.Links, np.Target)
			if err := p.recheckKeyAfterUnlink(ctx, et, src); err != nil {
				return err
			}
			if _, err := p.updateDocument(ctx, src, source.Version); err != nil {
				return err
			}
			if target, err := p.getDocument(ctx, targetID); err == nil && target.Links[et.Name] == sourceID {
				tgt := target.Clone()
				delete(tgt.Links, et.Name)
				if _, err := p.updateDocument(ctx, tgt, target.Version); err != nil {
					return err
				}
			}
			return nil

		case schema.LinkTypeOneToMany:
			target, err := p.getDocument(ctx, targetID)
			if err != nil {
				return err
			}
			if target.Links[et.Name] != sourceID {
				return ErrNotFound
			}
			targetET, ok := p.schema.EntityType(np.Target)
			if !ok {
				return ErrNotFound
			}
			tgt := target.Clone()
			delete(tgt.Links, et.Name)
			if err := p.recheckKeyAfterUnlink(ctx, targetET, tgt); err != nil {
				return err
			}
			_, err = p.updateDocument(ctx, tgt, target.Version)
			return err

		case schema.LinkTypeManyToOne:
			source, err := p.getDocument(ctx, sourceID)
			if err != nil {
				return err
			}
			if source.Links[np.Target] != targetID {
				return ErrNotFound
			}
			src := source.Clone()
			delete(src.Links, np.Target)
			if err := p.recheckKeyAfterUnlink(ctx, et, src); err != nil {
				return err
			}
			_, err = p.updateDocument(ctx, src, source.Version)
			return err

		default: // many-to-many
			if err := p.store.DeleteLink(ctx, document.LinkID(sourceID, targetID)); err != nil {
				if errors.Is(err, accessor.ErrNotFound) {
					return ErrNotFound
				}
				return serverError("link delete", err)
			}
			return nil
		}
	})
}

// recheckKeyAfterUnlink re-runs the primary-key collision search when the
// unlinked document's key includes a navigation-target segment, since a
// composite key that just became single-valued may now collide.
func (p *Producer) recheckKeyAfterUnlink(ctx context.Context, et *schema.EntityType, doc *document.Document) error {
	hasNTKP := false
	for _, name := range et.Keys {
		if schema.IsNTKP(name) {
			hasNTKP = true
			break
		}
	}
	if !hasNTKP {
		return nil
	}
	return p.searchCollision(ctx, p.keyQueryFromDoc(et, doc), doc.ID)
}

// GetLinks lists references to the entities linked over the named
// navigation property.
func (p *Producer) GetLinks(ctx context.Context, entitySet, sourceID, navProp string) ([]EntityRef, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, err
	}
	np, ok := et.NavProp(navProp)
	if !ok {
		return nil, ErrNotFound
	}
	source, err := p.getDocument(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	targets, err := p.navTargets(ctx, et, np, source, p.newDocCache(), p.maxIDsClauseSize)
	if err != nil {
		return nil, err
	}
	refs := make([]EntityRef, 0, len(targets))
	for _, target := range targets {
		refs = append(refs, EntityRef{ID: target.ID, EntitySet: np.Target})
	}
	return refs, nil
}

// GetLinksCount returns the number of linked targets.
func (p *Producer) GetLinksCount(ctx context.Context, entitySet, sourceID, navProp string) (int64, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return 0, err
	}
	np, ok := et.NavProp(navProp)
	if !ok {
		return 0, ErrNotFound
	}

	switch np.LinkType() {
	case schema.LinkTypeManyToMany:
		n, err := p.store.CountLinks(ctx, accessor.LinkQuery{Scope: p.scope, JoinedID: sourceID, PeerType: np.Target})
		if err != nil {
			return 0, serverError("link count", err)
		}
		return n, nil
	case schema.LinkTypeOneToMany:
		q := p.scopeQuery(np.Target)
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(et.Name), Value: sourceID})
		n, err := p.store.CountEntities(ctx, q)
		if err != nil {
			return 0, serverError("dependent count", err)
		}
		return n, nil
	default:
		source, err := p.getDocument(ctx, sourceID)
		if err != nil {
			return 0, err
		}
		if _, linked := source.Links[np.Target]; linked {
			return 1, nil
		}
		return 0, nil
	}
}

// GetNavProperty lists the entities reached through one navigation
// property of the entity addressed by key, honoring the caller's query
// options on the many side.
func (p *Producer) GetNavProperty(ctx context.Context, entitySet string, key Key, navProp string, opts *query.Options) ([]*Entity, int64, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, -1, err
	}
	np, ok := et.NavProp(navProp)
	if !ok {
		return nil, -1, ErrNotFound
	}
	targetET, ok := p.schema.EntityType(np.Target)
	if !ok {
		return nil, -1, ErrNotFound
	}
	if opts == nil {
		opts = &query.Options{}
	}

	source, err := p.fetchByKey(ctx, et, key)
	if err != nil {
		return nil, -1, err
	}

	var result *accessor.SearchResult
	switch np.LinkType() {
	case schema.LinkTypeManyToOne, schema.LinkTypeOneToOne:
		id, linked := source.Links[np.Target]
		if !linked {
			return nil, 0, nil
		}
		doc, err := p.store.GetEntity(ctx, id)
		if errors.Is(err, accessor.ErrNotFound) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, -1, serverError("entity get", err)
		}
		result = &accessor.SearchResult{Hits: []*document.Document{doc}, Total: 1}

	case schema.LinkTypeOneToMany:
		q := query.Translate(targetET, p.scope, opts, p.defaultTop)
		q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(et.Name), Value: source.ID})
		result, err = p.store.SearchEntities(ctx, q)
		if err != nil {
			return nil, -1, serverError("navigation search", err)
		}

	default: // many-to-many
		ids, err := p.linkedPeerIDs(ctx, source.ID, np.Target)
		if err != nil {
			return nil, -1, err
		}
		if len(ids) == 0 {
			return nil, 0, nil
		}
		q := query.Translate(targetET, p.scope, opts, p.defaultTop)
		q.IDs = ids
		result, err = p.store.SearchEntities(ctx, q)
		if err != nil {
			return nil, -1, serverError("navigation search", err)
		}
	}

	cache := p.newDocCache()
	entities := make([]*Entity, 0, len(result.Hits))
	for _, doc := range result.Hits {
		entity := p.entityFromDocument(targetET, doc, opts.Select)
		if err := p.resolveDisplay(ctx, targetET, doc, entity, opts.Select, cache); err != nil {
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

// CreateNavProperty creates a new entity and links it to the source in the
// same locked critical section, making creation plus linking atomic with
// respect to other lock holders even though the store is not
// transactional.
func (p *Producer) CreateNavProperty(ctx context.Context, entitySet string, key Key, navProp string, payload *Payload) (*Entity, error) {
	ctx, span := p.obs.StartOperation(ctx, "createNavProperty", entitySet)
	entity, err := p.createNavProperty(ctx, entitySet, key, navProp, payload)
	span.End(err)
	p.obs.RecordOperation(ctx, "createNavProperty", err)
	return entity, err
}

func (p *Producer) createNavProperty(ctx context.Context, entitySet string, key Key, navProp string, payload *Payload) (*Entity, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, err
	}
	np, ok := et.NavProp(navProp)
	if !ok {
		return nil, ErrNotFound
	}
	targetET, ok := p.schema.EntityType(np.Target)
	if !ok {
		return nil, ErrNotFound
	}

	var entity *Entity
	err = p.withLock(ctx, func(ctx context.Context) error {
		source, err := p.fetchByKey(ctx, et, key)
		if err != nil {
			return err
		}
		doc, err := p.buildNewDocument(ctx, targetET, payload)
		if err != nil {
			return err
		}

		linkAfter := false
		switch np.LinkType() {
		case schema.LinkTypeOneToMany:
			// The new many-side document embeds the link from birth; the
			// link rides along in the same write.
			doc.Links[et.Name] = source.ID
		case schema.LinkTypeOneToOne:
			if _, linked := source.Links[np.Target]; linked {
				return ErrLinkAlreadyExists
			}
			doc.Links[et.Name] = source.ID
			linkAfter = true
		case schema.LinkTypeManyToOne:
			if _, linked := source.Links[np.Target]; linked {
				return ErrLinkAlreadyExists
			}
			linkAfter = true
		default: // many-to-many
			n, err := p.store.CountLinks(ctx, accessor.LinkQuery{Scope: p.scope, JoinedID: source.ID, PeerType: np.Target})
			if err != nil {
				return serverError("link count", err)
			}
			if n >= int64(p.maxNNLinks) {
				return ErrLinkUpperLimitExceeded
			}
		}

		if err := p.checkUniqueness(ctx, targetET, doc, nil); err != nil {
			return err
		}
		if p.hooks.BeforeCreate != nil {
			if err := p.hooks.BeforeCreate(ctx, doc); err != nil {
				return err
			}
		}
		version, err := p.store.IndexEntity(ctx, doc)
		if err != nil {
			if errors.Is(err, accessor.ErrAlreadyExists) {
				return ErrAlreadyExists
			}
			return serverError("entity index", err)
		}
		doc.Version = version

		if linkAfter {
			src := source.Clone()
			src.Links[np.Target] = doc.ID
			if _, err := p.updateDocument(ctx, src, source.Version); err != nil {
				return err
			}
		}
		if np.LinkType() == schema.LinkTypeManyToMany {
			link := document.NewLink(p.scope, et.Name, source.ID, np.Target, doc.ID)
			if _, err := p.store.IndexLink(ctx, link); err != nil {
				return serverError("link index", err)
			}
		}

		if p.hooks.AfterCreate != nil {
			if err := p.hooks.AfterCreate(ctx, doc); err != nil {
				p.logger.Error("AfterCreate hook failed", "entitySet", np.Target, "error", err)
			}
		}
		entity = p.entityFromDocument(targetET, doc, nil)
		return p.resolveDisplay(ctx, targetET, doc, entity, nil, p.newDocCache())
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// getDocument fetches one entity document, mapping a store miss onto the
// producer's NotFound kind.
func (p *Producer) getDocument(ctx context.Context, id string) (*document.Document, error) {
	doc, err := p.store.GetEntity(ctx, id)
	if errors.Is(err, accessor.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, serverError("entity get", err)
	}
	return doc, nil
}

// updateDocument writes a document conditioned on the version observed
// under the current lock.
func (p *Producer) updateDocument(ctx context.Context, doc *document.Document, expectedVersion int64) (int64, error) {
	version, err := p.store.UpdateEntity(ctx, doc, expectedVersion)
	if err != nil {
		if errors.Is(err, accessor.ErrVersionConflict) {
			return 0, ErrPreconditionFailed
		}
		return 0, serverError("entity update", err)
	}
	return version, nil
}
