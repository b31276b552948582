package producer

import (
	"context"
	"errors"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/etag"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// CreateEntity creates one entity. The uniqueness check and the write run
// under the scope lock so two concurrent creates cannot both pass the
// "does not exist" check.
func (p *Producer) CreateEntity(ctx context.Context, entitySet string, payload *Payload) (*Entity, error) {
	ctx, span := p.obs.StartOperation(ctx, "createEntity", entitySet)
	entity, err := p.createEntity(ctx, entitySet, payload)
	span.End(err)
	p.obs.RecordOperation(ctx, "createEntity", err)
	return entity, err
}

func (p *Producer) createEntity(ctx context.Context, entitySet string, payload *Payload) (*Entity, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, err
	}

	var entity *Entity
	err = p.withLock(ctx, func(ctx context.Context) error {
		doc, err := p.buildNewDocument(ctx, et, payload)
		if err != nil {
			return err
		}
		if err := p.checkUniqueness(ctx, et, doc, nil); err != nil {
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
		if p.hooks.AfterCreate != nil {
			if err := p.hooks.AfterCreate(ctx, doc); err != nil {
				p.logger.Error("AfterCreate hook failed", "entitySet", entitySet, "error", err)
			}
		}
		entity = p.entityFromDocument(et, doc, nil)
		return p.resolveDisplay(ctx, et, doc, entity, nil, p.newDocCache())
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Created entity", "entitySet", entitySet, "id", entity.ID)
	return entity, nil
}

// buildNewDocument assembles the stored representation of a new entity,
// resolving composite-key navigation segments into embedded link ids. An
// unresolvable segment is a bad request naming the segment.
func (p *Producer) buildNewDocument(ctx context.Context, et *schema.EntityType, payload *Payload) (*document.Document, error) {
	if payload == nil {
		payload = &Payload{}
	}
	static, dynamic, ntkp := splitProperties(et, payload.Properties)

	doc := document.New(p.newDocumentID(), p.scope, et.Name)
	doc.Static = static
	doc.Dynamic = dynamic
	for k, v := range payload.Hidden {
		doc.Hidden[k] = v
	}
	for k, v := range payload.ACL {
		doc.ACL[k] = v
	}

	res, err := p.resolveLinkSegments(ctx, ntkp)
	if err != nil {
		return nil, err
	}
	if !res.ok() {
		return nil, unresolvedReference(res.unresolved)
	}
	for target, id := range res.links {
		doc.Links[target] = id
	}
	return doc, nil
}

// UpdateEntity replaces (or, with merge, overlays) an entity addressed by
// key. The condition is the caller's If-Match value; a mismatch with the
// stored version fails the precondition. Server-owned fields are carried
// forward and never client-writable.
func (p *Producer) UpdateEntity(ctx context.Context, entitySet string, key Key, payload *Payload, condition string, merge bool) (*Entity, error) {
	op := "updateEntity"
	if merge {
		op = "mergeEntity"
	}
	ctx, span := p.obs.StartOperation(ctx, op, entitySet)
	entity, err := p.updateEntity(ctx, entitySet, key, payload, condition, merge)
	span.End(err)
	p.obs.RecordOperation(ctx, op, err)
	return entity, err
}

func (p *Producer) updateEntity(ctx context.Context, entitySet string, key Key, payload *Payload, condition string, merge bool) (*Entity, error) {
	et, err := p.entityType(entitySet)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = &Payload{}
	}

	var entity *Entity
	err = p.withLock(ctx, func(ctx context.Context) error {
		existing, err := p.fetchByKey(ctx, et, key)
		if err != nil {
			return err
		}
		if !etag.Match(condition, etag.Generate(existing.ID, existing.Version)) {
			return ErrPreconditionFailed
		}

		updated, err := p.applyPayload(ctx, et, existing, payload, merge)
		if err != nil {
			return err
		}
		if err := p.checkUniqueness(ctx, et, updated, existing); err != nil {
			return err
		}
		if p.hooks.BeforeUpdate != nil {
			if err := p.hooks.BeforeUpdate(ctx, existing, updated); err != nil {
				return err
			}
		}
		version, err := p.store.UpdateEntity(ctx, updated, existing.Version)
		if err != nil {
			switch {
			case errors.Is(err, accessor.ErrVersionConflict):
				return ErrPreconditionFailed
			case errors.Is(err, accessor.ErrNotFound):
				return ErrNotFound
			}
			return serverError("entity update", err)
		}
		updated.Version = version
		if p.hooks.AfterUpdate != nil {
			if err := p.hooks.AfterUpdate(ctx, updated); err != nil {
				p.logger.Error("AfterUpdate hook failed", "entitySet", entitySet, "error", err)
			}
		}
		entity = p.entityFromDocument(et, updated, nil)
		return p.resolveDisplay(ctx, et, updated, entity, nil, p.newDocCache())
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// applyPayload builds the replacement document. The clone keeps value
// semantics: mutating the result never aliases the fetched document's
// field maps.
func (p *Producer) applyPayload(ctx context.Context, et *schema.EntityType, existing *document.Document, payload *Payload, merge bool) (*document.Document, error) {
	static, dynamic, ntkp := splitProperties(et, payload.Properties)

	updated := existing.Clone()
	if merge {
		for k, v := range static {
			updated.Static[k] = v
		}
	} else {
		updated.Static = static
	}
	// Dynamic fields absent from the payload survive in both modes.
	for k, v := range dynamic {
		updated.Dynamic[k] = v
	}
	// Hidden fields (hashed credentials) survive unless the payload
	// carries a replacement.
	for k, v := range payload.Hidden {
		updated.Hidden[k] = v
	}
	// ACL and link ids are server-owned; the payload cannot touch them,
	// except for navigation-target key segments, which rename the key.
	if len(ntkp) > 0 {
		res, err := p.resolveLinkSegments(ctx, ntkp)
		if err != nil {
			return nil, err
		}
		if !res.ok() {
			return nil, unresolvedReference(res.unresolved)
		}
		for target, id := range res.links {
			updated.Links[target] = id
		}
		for target := range res.noLink {
			delete(updated.Links, target)
		}
	}
	return updated, nil
}

// DeleteEntity removes an entity addressed by key. Deletion is refused
// while dependents exist and never cascades; an entity already gone is
// success, keeping delete idempotent.
func (p *Producer) DeleteEntity(ctx context.Context, entitySet string, key Key, condition string) error {
	ctx, span := p.obs.StartOperation(ctx, "deleteEntity", entitySet)
	err := p.deleteEntity(ctx, entitySet, key, condition)
	span.End(err)
	p.obs.RecordOperation(ctx, "deleteEntity", err)
	return err
}

func (p *Producer) deleteEntity(ctx context.Context, entitySet string, key Key, condition string) error {
	et, err := p.entityType(entitySet)
	if err != nil {
		return err
	}

	return p.withLock(ctx, func(ctx context.Context) error {
		existing, err := p.fetchByKey(ctx, et, key)
		if errors.Is(err, ErrNotFound) {
			// Already gone.
			return nil
		}
		if err != nil {
			return err
		}
		if !etag.Match(condition, etag.Generate(existing.ID, existing.Version)) {
			return ErrPreconditionFailed
		}
		if err := p.checkNoDependents(ctx, et, existing); err != nil {
			return err
		}
		if p.hooks.BeforeDelete != nil {
			if err := p.hooks.BeforeDelete(ctx, existing); err != nil {
				return err
			}
		}
		if err := p.scrubReciprocalLinks(ctx, et, existing); err != nil {
			return err
		}
		if err := p.store.DeleteEntity(ctx, existing.ID, existing.Version); err != nil {
			switch {
			case errors.Is(err, accessor.ErrNotFound):
				// Concurrently deleted; still a success.
			case errors.Is(err, accessor.ErrVersionConflict):
				return ErrPreconditionFailed
			default:
				return serverError("entity delete", err)
			}
		}
		if p.hooks.AfterDelete != nil {
			if err := p.hooks.AfterDelete(ctx, existing); err != nil {
				p.logger.Error("AfterDelete hook failed", "entitySet", et.Name, "error", err)
			}
		}
		return nil
	})
}

// checkNoDependents refuses deletion while entities on any many side still
// reference the document, or while any N:N edge remains.
func (p *Producer) checkNoDependents(ctx context.Context, et *schema.EntityType, doc *document.Document) error {
	for _, np := range et.NavigationProperties {
		switch np.LinkType() {
		case schema.LinkTypeOneToMany:
			q := p.scopeQuery(np.Target)
			q.Terms = append(q.Terms, accessor.Term{Field: accessor.LinkField(et.Name), Value: doc.ID})
			n, err := p.store.CountEntities(ctx, q)
			if err != nil {
				return serverError("dependent count", err)
			}
			if n > 0 {
				return ErrHasRelated
			}
		case schema.LinkTypeManyToMany:
			n, err := p.store.CountLinks(ctx, accessor.LinkQuery{Scope: p.scope, JoinedID: doc.ID, PeerType: np.Target})
			if err != nil {
				return serverError("link count", err)
			}
			if n > 0 {
				return ErrHasRelated
			}
		}
	}
	return nil
}

// scrubReciprocalLinks removes the back-reference on every document this
// one points at, so no target is left linking to a deleted id.
func (p *Producer) scrubReciprocalLinks(ctx context.Context, et *schema.EntityType, doc *document.Document) error {
	for _, targetID := range doc.Links {
		target, err := p.store.GetEntity(ctx, targetID)
		if errors.Is(err, accessor.ErrNotFound) {
			continue
		}
		if err != nil {
			return serverError("reciprocal fetch", err)
		}
		if target.Links[et.Name] != doc.ID {
			continue
		}
		scrubbed := target.Clone()
		delete(scrubbed.Links, et.Name)
		if _, err := p.store.UpdateEntity(ctx, scrubbed, target.Version); err != nil {
			return serverError("reciprocal update", err)
		}
	}
	return nil
}
