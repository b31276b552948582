package producer

import (
	"context"
	"strings"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// BulkEntityResult is one row's outcome in a bulk registration. Exactly one
// of Entity and Err is set.
type BulkEntityResult struct {
	Entity *Entity
	Err    error
}

// NavigationBulkRow is one row of a navigation-property bulk body: create
// the payload as a new entity and link it to the source addressed by key.
type NavigationBulkRow struct {
	SourceKey Key
	NavProp   string
	Payload   *Payload
}

// batchLinkCounter tracks provisional link registrations within one
// in-flight batch, so two rows claiming the same single-valued slot, or
// pushing the same entity past the N:N cap, conflict against each other
// and not just against the store.
type batchLinkCounter struct {
	counts map[string]int
}

func newBatchLinkCounter() *batchLinkCounter {
	return &batchLinkCounter{counts: map[string]int{}}
}

func (c *batchLinkCounter) key(id, peerType string) string {
	return id + "\x00" + peerType
}

func (c *batchLinkCounter) count(id, peerType string) int {
	return c.counts[c.key(id, peerType)]
}

func (c *batchLinkCounter) add(id, peerType string) {
	c.counts[c.key(id, peerType)]++
}

// BulkCreateEntity registers a batch of entities. The whole batch runs
// under one lock hold: one pre-search loads the entity set's existing key
// strings, each row is validated against the store and against its
// siblings, and the still-valid rows go to the store in one bulk call.
// A failed row never aborts its siblings.
func (p *Producer) BulkCreateEntity(ctx context.Context, entitySet string, payloads []*Payload) []BulkEntityResult {
	ctx, span := p.obs.StartOperation(ctx, "bulkCreateEntity", entitySet)
	results := p.bulkCreateEntity(ctx, entitySet, payloads)
	span.End(nil)
	p.obs.RecordOperation(ctx, "bulkCreateEntity", nil)
	return results
}

func (p *Producer) bulkCreateEntity(ctx context.Context, entitySet string, payloads []*Payload) []BulkEntityResult {
	results := make([]BulkEntityResult, len(payloads))

	et, err := p.entityType(entitySet)
	if err != nil {
		return failAll(results, err)
	}

	err = p.withLock(ctx, func(ctx context.Context) error {
		keys, err := p.existingKeys(ctx, et)
		if err != nil {
			return err
		}

		docs := make([]*document.Document, len(payloads))
		for i, payload := range payloads {
			doc, err := p.buildNewDocument(ctx, et, payload)
			if err != nil {
				results[i].Err = err
				continue
			}
			if err := keys.claim(et, doc); err != nil {
				results[i].Err = err
				continue
			}
			if p.hooks.BeforeCreate != nil {
				if err := p.hooks.BeforeCreate(ctx, doc); err != nil {
					results[i].Err = err
					continue
				}
			}
			docs[i] = doc
		}

		p.commitBulk(ctx, et, docs, results)
		return nil
	})
	if err != nil {
		return failAll(results, err)
	}
	p.logger.Debug("Bulk create finished", "entitySet", entitySet, "rows", len(payloads))
	return results
}

// BulkCreateEntityViaNavigationProperty registers a batch of entities, each
// created through a navigation property of an existing source entity. The
// link shape is classified per row; embedded links ride along in the bulk
// write, source-side updates and N:N link documents follow it for the rows
// that succeeded.
func (p *Producer) BulkCreateEntityViaNavigationProperty(ctx context.Context, entitySet string, rows []NavigationBulkRow) []BulkEntityResult {
	ctx, span := p.obs.StartOperation(ctx, "bulkCreateEntityViaNavigationProperty", entitySet)
	results := p.bulkCreateNavigationProperty(ctx, entitySet, rows)
	span.End(nil)
	p.obs.RecordOperation(ctx, "bulkCreateEntityViaNavigationProperty", nil)
	return results
}

func (p *Producer) bulkCreateNavigationProperty(ctx context.Context, entitySet string, rows []NavigationBulkRow) []BulkEntityResult {
	results := make([]BulkEntityResult, len(rows))

	et, err := p.entityType(entitySet)
	if err != nil {
		return failAll(results, err)
	}

	err = p.withLock(ctx, func(ctx context.Context) error {
		sources := newSourceSet(p, et)
		links := newBatchLinkCounter()

		type pending struct {
			np     schema.NavigationProperty
			source *document.Document
		}
		keysByTarget := map[string]*keySet{}
		docs := make([]*document.Document, len(rows))
		linkage := make([]pending, len(rows))

		for i, row := range rows {
			np, ok := et.NavProp(row.NavProp)
			if !ok {
				results[i].Err = ErrNotFound
				continue
			}
			targetET, ok := p.schema.EntityType(np.Target)
			if !ok {
				results[i].Err = ErrNotFound
				continue
			}
			source, err := sources.fetch(ctx, row.SourceKey)
			if err != nil {
				results[i].Err = err
				continue
			}

			doc, err := p.buildNewDocument(ctx, targetET, row.Payload)
			if err != nil {
				results[i].Err = err
				continue
			}

			keys := keysByTarget[np.Target]
			if keys == nil {
				keys, err = p.existingKeys(ctx, targetET)
				if err != nil {
					return err
				}
				keysByTarget[np.Target] = keys
			}

			switch np.LinkType() {
			case schema.LinkTypeOneToMany:
				doc.Links[et.Name] = source.ID
			case schema.LinkTypeOneToOne:
				if err := claimSourceSlot(source, np, links); err != nil {
					results[i].Err = err
					continue
				}
				doc.Links[et.Name] = source.ID
			case schema.LinkTypeManyToOne:
				if err := claimSourceSlot(source, np, links); err != nil {
					results[i].Err = err
					continue
				}
			default: // many-to-many
				n, err := p.store.CountLinks(ctx, accessor.LinkQuery{Scope: p.scope, JoinedID: source.ID, PeerType: np.Target})
				if err != nil {
					return serverError("link count", err)
				}
				if n+int64(links.count(source.ID, np.Target)) >= int64(p.maxNNLinks) {
					results[i].Err = ErrLinkUpperLimitExceeded
					continue
				}
				links.add(source.ID, np.Target)
			}

			if err := keys.claim(targetET, doc); err != nil {
				results[i].Err = err
				continue
			}
			if p.hooks.BeforeCreate != nil {
				if err := p.hooks.BeforeCreate(ctx, doc); err != nil {
					results[i].Err = err
					continue
				}
			}
			docs[i] = doc
			linkage[i] = pending{np: np, source: source}
		}

		targetETs := make([]*schema.EntityType, len(rows))
		for i := range rows {
			if docs[i] != nil {
				targetETs[i], _ = p.schema.EntityType(linkage[i].np.Target)
			}
		}
		p.commitBulkMixed(ctx, targetETs, docs, results)

		// Source-side fixups for the rows whose target document landed.
		for i, doc := range docs {
			if doc == nil || results[i].Err != nil {
				continue
			}
			np, source := linkage[i].np, linkage[i].source
			switch np.LinkType() {
			case schema.LinkTypeOneToOne, schema.LinkTypeManyToOne:
				if err := sources.setLink(ctx, source.ID, np.Target, doc.ID); err != nil {
					results[i].Err = err
					results[i].Entity = nil
				}
			case schema.LinkTypeManyToMany:
				link := document.NewLink(p.scope, et.Name, source.ID, np.Target, doc.ID)
				if _, err := p.store.IndexLink(ctx, link); err != nil {
					results[i].Err = serverError("link index", err)
					results[i].Entity = nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return failAll(results, err)
	}
	p.logger.Debug("Bulk navigation create finished", "entitySet", entitySet, "rows", len(rows))
	return results
}

// commitBulk submits the non-nil documents in one store bulk call and fans
// each item's outcome back to its row.
func (p *Producer) commitBulk(ctx context.Context, et *schema.EntityType, docs []*document.Document, results []BulkEntityResult) {
	ets := make([]*schema.EntityType, len(docs))
	for i := range docs {
		if docs[i] != nil {
			ets[i] = et
		}
	}
	p.commitBulkMixed(ctx, ets, docs, results)
}

func (p *Producer) commitBulkMixed(ctx context.Context, ets []*schema.EntityType, docs []*document.Document, results []BulkEntityResult) {
	valid := make([]*document.Document, 0, len(docs))
	rows := make([]int, 0, len(docs))
	for i, doc := range docs {
		if doc != nil {
			valid = append(valid, doc)
			rows = append(rows, i)
		}
	}
	if len(valid) == 0 {
		return
	}

	outcomes, err := p.store.BulkIndexEntities(ctx, valid)
	if err != nil {
		// The bulk call itself failed; every row still pending in it fails.
		for _, i := range rows {
			results[i].Err = serverError("bulk index", err)
		}
		return
	}
	for j, outcome := range outcomes {
		i := rows[j]
		if outcome.Err != nil {
			results[i].Err = serverError("bulk index item", outcome.Err)
			continue
		}
		doc := docs[i]
		doc.Version = outcome.Version
		if p.hooks.AfterCreate != nil {
			if err := p.hooks.AfterCreate(ctx, doc); err != nil {
				p.logger.Error("AfterCreate hook failed", "entitySet", ets[i].Name, "error", err)
			}
		}
		results[i].Entity = p.entityFromDocument(ets[i], doc, nil)
	}
}

func failAll(results []BulkEntityResult, err error) []BulkEntityResult {
	for i := range results {
		if results[i].Err == nil && results[i].Entity == nil {
			results[i].Err = err
		}
	}
	return results
}

// claimSourceSlot reserves the source document's single-valued link slot
// for one batch row, conflicting both with a stored link and with an
// earlier row of the same batch.
func claimSourceSlot(source *document.Document, np schema.NavigationProperty, links *batchLinkCounter) error {
	if _, linked := source.Links[np.Target]; linked {
		return ErrLinkAlreadyExists
	}
	if links.count(source.ID, np.Target) > 0 {
		return ErrLinkAlreadyExists
	}
	links.add(source.ID, np.Target)
	return nil
}

// keySet holds the key strings already present in one entity set, loaded by
// a single pre-search, plus the ones claimed by earlier rows of the batch.
type keySet struct {
	primary map[string]bool
	groups  []map[string]bool
}

// existingKeys loads every stored key string of the entity set in one
// search. Bulk validation then runs entirely in memory.
func (p *Producer) existingKeys(ctx context.Context, et *schema.EntityType) (*keySet, error) {
	result, err := p.store.SearchEntities(ctx, p.scopeQuery(et.Name))
	if err != nil {
		return nil, serverError("bulk pre-search", err)
	}
	keys := &keySet{
		primary: make(map[string]bool, len(result.Hits)),
		groups:  make([]map[string]bool, len(et.UniqueKeys)),
	}
	for g := range et.UniqueKeys {
		keys.groups[g] = map[string]bool{}
	}
	for _, doc := range result.Hits {
		keys.primary[normalizeKey(et, doc)] = true
		for g, group := range et.UniqueKeys {
			if s := normalizeGroup(et, doc, group); s != "" {
				keys.groups[g][s] = true
			}
		}
	}
	return keys, nil
}

// claim checks a new document against the set and, on success, registers
// its key strings so later rows of the same batch collide with it.
func (k *keySet) claim(et *schema.EntityType, doc *document.Document) error {
	primary := normalizeKey(et, doc)
	if k.primary[primary] {
		return ErrAlreadyExists
	}
	groupStrings := make([]string, len(et.UniqueKeys))
	for g, group := range et.UniqueKeys {
		s := normalizeGroup(et, doc, group)
		if s != "" && k.groups[g][s] {
			return ErrAlreadyExists
		}
		groupStrings[g] = s
	}
	k.primary[primary] = true
	for g, s := range groupStrings {
		if s != "" {
			k.groups[g][s] = true
		}
	}
	return nil
}

// normalizeGroup renders one unique-key group in canonical form, or ""
// when every member is null (all-null groups never collide).
func normalizeGroup(et *schema.EntityType, doc *document.Document, group []string) string {
	if allNull(doc, group) {
		return ""
	}
	parts := make([]string, 0, len(group))
	for _, name := range group {
		prop, _ := et.Property(name)
		parts = append(parts, name+"='"+schema.NormalizeValue(prop.Type, fieldValue(doc, name))+"'")
	}
	return strings.Join(parts, "&")
}

// sourceSet memoizes the batch's source documents, fetched by key once and
// kept as working copies so several rows can link against the same source
// with one store write at the end of each fixup.
type sourceSet struct {
	p  *Producer
	et *schema.EntityType
	// byKey maps the normalized key expression to the fetched document.
	byKey map[string]*document.Document
	// working maps document id to the mutable copy and its fetched version.
	working  map[string]*document.Document
	versions map[string]int64
}

func newSourceSet(p *Producer, et *schema.EntityType) *sourceSet {
	return &sourceSet{
		p:        p,
		et:       et,
		byKey:    map[string]*document.Document{},
		working:  map[string]*document.Document{},
		versions: map[string]int64{},
	}
}

func (s *sourceSet) fetch(ctx context.Context, key Key) (*document.Document, error) {
	memo := keyString(s.et, key)
	if doc, ok := s.byKey[memo]; ok {
		return doc, nil
	}
	doc, err := s.p.fetchByKey(ctx, s.et, key)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.working[doc.ID]; ok {
		s.byKey[memo] = cached
		return cached, nil
	}
	mutable := doc.Clone()
	s.byKey[memo] = mutable
	s.working[doc.ID] = mutable
	s.versions[doc.ID] = doc.Version
	return mutable, nil
}

// setLink records a link on the working copy and writes it through,
// conditioned on the version observed at first fetch or updated by an
// earlier fixup of the same batch.
func (s *sourceSet) setLink(ctx context.Context, sourceID, targetType, targetID string) error {
	doc, ok := s.working[sourceID]
	if !ok {
		return ErrNotFound
	}
	doc.Links[targetType] = targetID
	version, err := s.p.updateDocument(ctx, doc, s.versions[sourceID])
	if err != nil {
		return err
	}
	s.versions[sourceID] = version
	doc.Version = version
	return nil
}

// keyString is a stable memoization key for a caller-supplied entity key.
func keyString(et *schema.EntityType, key Key) string {
	parts := make([]string, 0, len(et.Keys))
	for _, name := range et.Keys {
		var value string
		if v, ok := key[name]; ok {
			prop, declared := et.Property(name)
			if declared {
				value = schema.NormalizeValue(prop.Type, v)
			} else {
				value = schema.NormalizeValue(schema.TypeString, v)
			}
		}
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, "&")
}
