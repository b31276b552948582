// Package producer implements the translation layer between the OData-style
// entity/relationship model and the schemaless document store: entity CRUD
// with uniqueness enforcement, the four navigation-property link shapes,
// composite-key resolution and bulk registration, all serialized through a
// scope-wide advisory lock.
package producer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/etag"
	"github.com/personium/personium-core-sub022/internal/lock"
	"github.com/personium/personium-core-sub022/internal/observability"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// Defaults applied when the corresponding Config field is zero.
const (
	// DefaultMaxExpandCount bounds the fan-out of one $expand hop.
	DefaultMaxExpandCount = 100

	// DefaultMaxNNLinks caps registered N:N links per entity.
	DefaultMaxNNLinks = 10000

	// DefaultMaxIDsClauseSize bounds the ids-filter size for N:N reads.
	DefaultMaxIDsClauseSize = 1000

	// DefaultTop is the page size when the caller gives no $top.
	DefaultTop = 25

	// DefaultDummyKey is the sentinel meaning "this composite-key segment
	// intentionally has no linked entity".
	DefaultDummyKey = "dummy"
)

// Hooks are optional lifecycle callbacks invoked inside the locked critical
// section of the corresponding operation. A Before hook error aborts the
// operation; After hook errors are logged and ignored.
type Hooks struct {
	BeforeCreate func(ctx context.Context, doc *document.Document) error
	AfterCreate  func(ctx context.Context, doc *document.Document) error
	BeforeUpdate func(ctx context.Context, existing, updated *document.Document) error
	AfterUpdate  func(ctx context.Context, doc *document.Document) error
	BeforeDelete func(ctx context.Context, doc *document.Document) error
	AfterDelete  func(ctx context.Context, doc *document.Document) error
}

// Config assembles a Producer.
type Config struct {
	// Scope is the data scope this producer serves; all queries are
	// implicitly filtered to it and all mutations lock on it.
	Scope document.Scope

	Store  accessor.DocumentStore
	Locks  lock.Service
	Schema schema.Provider
	Hooks  Hooks
	Logger *slog.Logger

	// Observability is optional; nil disables tracing and metrics.
	Observability *observability.Config

	MaxExpandCount   int
	MaxNNLinks       int
	MaxIDsClauseSize int
	DefaultTop       int
	// DummyKey overrides the sentinel value for intentionally absent
	// composite-key segments.
	DummyKey string
}

// Producer orchestrates entity and link operations against the document
// store.
type Producer struct {
	scope  document.Scope
	store  accessor.DocumentStore
	locks  lock.Service
	schema schema.Provider
	hooks  Hooks
	logger *slog.Logger
	obs    *observability.Config

	maxExpandCount   int
	maxNNLinks       int
	maxIDsClauseSize int
	defaultTop       int
	dummyKey         string
}

// New validates the config and returns a Producer.
func New(cfg Config) (*Producer, error) {
	if cfg.Store == nil {
		return nil, errors.New("producer: document store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("producer: lock service is required")
	}
	if cfg.Schema == nil {
		return nil, errors.New("producer: schema provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Producer{
		scope:            cfg.Scope,
		store:            cfg.Store,
		locks:            cfg.Locks,
		schema:           cfg.Schema,
		hooks:            cfg.Hooks,
		logger:           logger,
		obs:              cfg.Observability,
		maxExpandCount:   cfg.MaxExpandCount,
		maxNNLinks:       cfg.MaxNNLinks,
		maxIDsClauseSize: cfg.MaxIDsClauseSize,
		defaultTop:       cfg.DefaultTop,
		dummyKey:         cfg.DummyKey,
	}
	if p.maxExpandCount <= 0 {
		p.maxExpandCount = DefaultMaxExpandCount
	}
	if p.maxNNLinks <= 0 {
		p.maxNNLinks = DefaultMaxNNLinks
	}
	if p.maxIDsClauseSize <= 0 {
		p.maxIDsClauseSize = DefaultMaxIDsClauseSize
	}
	if p.defaultTop <= 0 {
		p.defaultTop = DefaultTop
	}
	if p.dummyKey == "" {
		p.dummyKey = DefaultDummyKey
	}
	return p, nil
}

// Key addresses one entity: key property name to value. Composite keys
// include navigation-target segments ("_Box.Name").
type Key map[string]interface{}

// Payload is the client-supplied body of a create or update. Properties
// holds caller-visible values and is split into declared and open-type
// fields by the schema; Hidden carries server-only attributes such as
// hashed credentials.
type Payload struct {
	Properties map[string]interface{}
	Hidden     map[string]interface{}
	ACL        map[string]interface{}
}

// Entity is the typed operation result.
type Entity struct {
	ID         string
	EntitySet  string
	Properties map[string]interface{}
	Links      map[string]string
	Published  time.Time
	Updated    time.Time
	ETag       string
	Expanded   map[string][]*Entity
}

// EntityRef identifies a linked entity.
type EntityRef struct {
	ID        string
	EntitySet string
}

// entityType resolves an entity set name against the schema provider.
func (p *Producer) entityType(entitySet string) (*schema.EntityType, error) {
	et, ok := p.schema.EntityType(entitySet)
	if !ok {
		return nil, ErrNotFound
	}
	return et, nil
}

// withLock runs fn while holding the scope-wide advisory lock. The lock is
// released on every exit path.
func (p *Producer) withLock(ctx context.Context, fn func(context.Context) error) error {
	timing := observability.StartTiming(ctx, "lock")
	release, err := p.locks.Acquire(ctx, lock.Key{
		Category: lock.CategoryOData,
		Cell:     p.scope.Cell,
		Node:     p.scope.Node,
	})
	timing.Stop()
	if err != nil {
		return serverError("lock acquisition", err)
	}
	defer release()
	return fn(ctx)
}

// scopeQuery is the implicit filter for one entity type within this
// producer's scope.
func (p *Producer) scopeQuery(entityTypeID string) accessor.Query {
	return query.Scope(p.scope, entityTypeID)
}

func (p *Producer) newDocumentID() string {
	return uuid.NewString()
}

// splitProperties partitions a payload's property map into declared static
// fields, open-type dynamic fields, and navigation-target key segments.
func splitProperties(et *schema.EntityType, properties map[string]interface{}) (static, dynamic, ntkp map[string]interface{}) {
	static = map[string]interface{}{}
	dynamic = map[string]interface{}{}
	ntkp = map[string]interface{}{}
	for name, value := range properties {
		switch {
		case schema.IsNTKP(name):
			ntkp[name] = value
		default:
			if _, ok := et.Property(name); ok {
				static[name] = value
			} else {
				dynamic[name] = value
			}
		}
	}
	return static, dynamic, ntkp
}

// entityFromDocument converts a stored document into the caller-visible
// entity, applying $select projection when requested.
func (p *Producer) entityFromDocument(et *schema.EntityType, doc *document.Document, selects []string) *Entity {
	props := make(map[string]interface{}, len(doc.Static)+len(doc.Dynamic))
	for k, v := range doc.Static {
		props[k] = v
	}
	for k, v := range doc.Dynamic {
		props[k] = v
	}
	if len(selects) > 0 {
		selected := make(map[string]interface{}, len(selects))
		for _, name := range selects {
			if v, ok := props[name]; ok {
				selected[name] = v
			}
		}
		props = selected
	}
	links := make(map[string]string, len(doc.Links))
	for k, v := range doc.Links {
		links[k] = v
	}
	return &Entity{
		ID:         doc.ID,
		EntitySet:  et.Name,
		Properties: props,
		Links:      links,
		Published:  doc.Published,
		Updated:    doc.Updated,
		ETag:       etag.Generate(doc.ID, doc.Version),
	}
}
