// Package esodata implements an OData-style entity and relationship layer
// on top of a schemaless document store. Entities live inside a data scope
// (cell, box, node); the package enforces primary and unique-key
// uniqueness, manages the four navigation-property link shapes, resolves
// composite navigation-target keys, and serializes every check-then-write
// sequence through a scope-wide advisory lock because the store provides
// no transactions.
package esodata

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/accessor/gormstore"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/etag"
	"github.com/personium/personium-core-sub022/internal/lock"
	"github.com/personium/personium-core-sub022/internal/observability"
	"github.com/personium/personium-core-sub022/internal/producer"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// Core types re-exported from the internal packages. The aliases are the
// public API; the internal packages stay private to this module.
type (
	// Scope is the data partition every operation is confined to.
	Scope = document.Scope

	// Document is the stored representation of one entity.
	Document = document.Document

	// DocumentStore is the persistence interface the producer writes
	// through. Use NewMemoryStore or OpenStore for the bundled
	// implementations, or bring your own.
	DocumentStore = accessor.DocumentStore

	// LockService serializes mutating sequences per scope.
	LockService = lock.Service

	// SchemaProvider resolves entity-type definitions by name.
	SchemaProvider = schema.Provider

	// EntityType describes one entity set: declared properties, key
	// properties, unique-key groups and navigation properties.
	EntityType = schema.EntityType

	// Property is one declared property of an entity type.
	Property = schema.Property

	// NavigationProperty is one association role of an entity type.
	NavigationProperty = schema.NavigationProperty

	// Key addresses one entity, key property name to value.
	Key = producer.Key

	// Payload is the client-supplied body of a create or update.
	Payload = producer.Payload

	// Entity is the typed result of a read or write operation.
	Entity = producer.Entity

	// EntityRef identifies a linked entity without materializing it.
	EntityRef = producer.EntityRef

	// Hooks are optional lifecycle callbacks run inside the locked
	// critical section of the corresponding operation.
	Hooks = producer.Hooks

	// QueryOptions carries the caller's filter, sort, paging, projection
	// and expansion requests.
	QueryOptions = query.Options

	// OrderBy is one sort clause of QueryOptions.
	OrderBy = query.OrderBy

	// BulkEntityResult is one row's outcome in a bulk registration.
	BulkEntityResult = producer.BulkEntityResult

	// NavigationBulkRow is one row of a navigation-property bulk body.
	NavigationBulkRow = producer.NavigationBulkRow
)

// Property types for schema definitions.
const (
	TypeString   = schema.TypeString
	TypeInt      = schema.TypeInt
	TypeFloat    = schema.TypeFloat
	TypeBool     = schema.TypeBool
	TypeDecimal  = schema.TypeDecimal
	TypeDateTime = schema.TypeDateTime
)

// Association multiplicities for navigation-property definitions.
const (
	MultiplicityOne     = schema.MultiplicityOne
	MultiplicityZeroOne = schema.MultiplicityZeroOne
	MultiplicityMany    = schema.MultiplicityMany
)

// Error kinds returned by Service operations. Classify with errors.Is, or
// map to a stable code string with ErrorCode.
var (
	ErrNotFound               = producer.ErrNotFound
	ErrAlreadyExists          = producer.ErrAlreadyExists
	ErrLinkAlreadyExists      = producer.ErrLinkAlreadyExists
	ErrHasRelated             = producer.ErrHasRelated
	ErrLinkUpperLimitExceeded = producer.ErrLinkUpperLimitExceeded
	ErrInvalidMultiplicity    = producer.ErrInvalidMultiplicity
	ErrPreconditionFailed     = producer.ErrPreconditionFailed
	ErrUnresolvedReference    = producer.ErrUnresolvedReference
	ErrServer                 = producer.ErrServer
)

// ErrorCode maps an operation error to its stable user-facing code string.
func ErrorCode(err error) string {
	return producer.ErrorCode(err)
}

// ETag computes the entity tag for a document id and version.
func ETag(id string, version int64) string {
	return etag.Generate(id, version)
}

// NewSchemaRegistry returns an in-memory SchemaProvider. Register entity
// types on it before constructing the Service.
func NewSchemaRegistry() *schema.Registry {
	return schema.NewRegistry()
}

// NewMemoryStore returns the in-memory DocumentStore. Intended for tests
// and small deployments; data does not survive the process.
func NewMemoryStore() DocumentStore {
	return accessor.NewMemoryStore()
}

// NewLockService returns the in-process advisory lock service.
func NewLockService() LockService {
	return lock.NewInProcess()
}

// StoreConfig selects and configures the SQL-backed document store.
type StoreConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string
	// DSN is the driver-specific connection string.
	DSN string
	// Logger receives store-level debug logging; nil uses slog.Default().
	Logger *slog.Logger
}

// OpenStore opens the SQL-backed DocumentStore, migrating its tables on
// first use.
func OpenStore(cfg StoreConfig) (DocumentStore, error) {
	return gormstore.Open(gormstore.Config{
		Dialect: cfg.Dialect,
		DSN:     cfg.DSN,
		Logger:  cfg.Logger,
	})
}

// ObservabilityConfig enables OpenTelemetry tracing and metrics for all
// operations. All fields are optional; a nil provider disables the
// corresponding signal.
type ObservabilityConfig struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// ServiceName identifies this service in telemetry data.
	ServiceName string
}

// Config assembles a Service.
type Config struct {
	// Scope confines every operation of the service to one data
	// partition.
	Scope Scope

	// Store is required.
	Store DocumentStore

	// Locks defaults to the in-process lock service when nil. Supply a
	// distributed implementation when several processes share one store.
	Locks LockService

	// Schema is required.
	Schema SchemaProvider

	Hooks  Hooks
	Logger *slog.Logger

	Observability *ObservabilityConfig

	// MaxExpandCount bounds the fan-out of one $expand hop.
	MaxExpandCount int
	// MaxNNLinks caps registered N:N links per entity.
	MaxNNLinks int
	// MaxIDsClauseSize bounds the ids-filter size for N:N reads.
	MaxIDsClauseSize int
	// DefaultTop is the page size applied when the caller gives no $top.
	DefaultTop int
	// DummyKey overrides the sentinel for intentionally absent
	// composite-key segments. Defaults to "dummy".
	DummyKey string
}

// Service is the public handle: entity CRUD, link management, navigation
// reads and bulk registration, all scoped and serialized per Config.Scope.
type Service struct {
	*producer.Producer

	logger *slog.Logger
}

// NewService validates the configuration and returns a ready Service.
func NewService(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewInProcess()
	}

	var obs *observability.Config
	if cfg.Observability != nil {
		opts := []observability.Option{}
		if cfg.Observability.TracerProvider != nil {
			opts = append(opts, observability.WithTracerProvider(cfg.Observability.TracerProvider))
		}
		if cfg.Observability.MeterProvider != nil {
			opts = append(opts, observability.WithMeterProvider(cfg.Observability.MeterProvider))
		}
		if cfg.Observability.ServiceName != "" {
			opts = append(opts, observability.WithServiceName(cfg.Observability.ServiceName))
		}
		var err error
		obs, err = observability.NewConfig(opts...)
		if err != nil {
			return nil, fmt.Errorf("esodata: failed to initialize observability: %w", err)
		}
	}

	p, err := producer.New(producer.Config{
		Scope:            cfg.Scope,
		Store:            cfg.Store,
		Locks:            locks,
		Schema:           cfg.Schema,
		Hooks:            cfg.Hooks,
		Logger:           logger,
		Observability:    obs,
		MaxExpandCount:   cfg.MaxExpandCount,
		MaxNNLinks:       cfg.MaxNNLinks,
		MaxIDsClauseSize: cfg.MaxIDsClauseSize,
		DefaultTop:       cfg.DefaultTop,
		DummyKey:         cfg.DummyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("esodata: %w", err)
	}

	logger.Debug("Service ready",
		"cell", cfg.Scope.Cell,
		"box", cfg.Scope.Box,
		"node", cfg.Scope.Node)
	return &Service{Producer: p, logger: logger}, nil
}
