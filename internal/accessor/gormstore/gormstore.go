// Package gormstore implements the document-store accessor on a relational
// database through GORM. Documents are stored as rows with their field maps
// JSON-encoded; version preconditions become conditioned UPDATE/DELETE
// statements. SQLite and PostgreSQL dialects are supported.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Config selects the database dialect and connection string.
type Config struct {
	Dialect string
	DSN     string
	Logger  *slog.Logger
}

// Store is a GORM-backed accessor.DocumentStore.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

type entityRecord struct {
	ID           string `gorm:"primaryKey;size:255"`
	Cell         string `gorm:"index:idx_entity_scope,priority:1;size:255"`
	Box          string `gorm:"index:idx_entity_scope,priority:2;size:255"`
	Node         string `gorm:"index:idx_entity_scope,priority:3;size:255"`
	EntityTypeID string `gorm:"index:idx_entity_scope,priority:4;size:255"`
	Payload      []byte
	Published    time.Time
	Updated      time.Time
	Version      int64
}

func (entityRecord) TableName() string { return "entity_documents" }

type linkRecord struct {
	ID        string `gorm:"primaryKey;size:512"`
	Cell      string `gorm:"size:255"`
	Box       string `gorm:"size:255"`
	Node      string `gorm:"size:255"`
	Type1     string `gorm:"size:255"`
	ID1       string `gorm:"index;size:255"`
	Type2     string `gorm:"size:255"`
	ID2       string `gorm:"index;size:255"`
	Published time.Time
	Updated   time.Time
	Version   int64
}

func (linkRecord) TableName() string { return "link_documents" }

type fieldPayload struct {
	Static  map[string]interface{} `json:"s,omitempty"`
	Dynamic map[string]interface{} `json:"d,omitempty"`
	Hidden  map[string]interface{} `json:"h,omitempty"`
	ACL     map[string]interface{} `json:"a,omitempty"`
	Links   map[string]string      `json:"l,omitempty"`
}

// Open connects to the configured database and migrates the document
// tables.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case DialectSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gormstore: unsupported dialect '%s'", cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&entityRecord{}, &linkRecord{}); err != nil {
		return nil, fmt.Errorf("gormstore: migration failed: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Opened document store", "dialect", cfg.Dialect)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*document.Document, error) {
	var rec entityRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accessor.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: get failed: %w", err)
	}
	return decodeEntity(&rec)
}

func (s *Store) SearchEntities(ctx context.Context, q accessor.Query) (*accessor.SearchResult, error) {
	hits, err := s.searchAll(ctx, q)
	if err != nil {
		return nil, err
	}
	// Sorts may reference payload fields, so ordering and paging happen
	// after decoding.
	accessor.SortDocuments(hits, q.Sorts)
	total := int64(len(hits))
	hits = accessor.Page(hits, q.Offset, q.Limit)
	return &accessor.SearchResult{Hits: hits, Total: total}, nil
}

func (s *Store) searchAll(ctx context.Context, q accessor.Query) ([]*document.Document, error) {
	tx := s.db.WithContext(ctx).Model(&entityRecord{})
	residual := q.Clone()
	residual.Terms = residual.Terms[:0]
	for _, term := range q.Terms {
		switch term.Field {
		case accessor.FieldID:
			tx = tx.Where("id = ?", term.Value)
		case accessor.FieldCell:
			tx = tx.Where("cell = ?", term.Value)
		case accessor.FieldBox:
			tx = tx.Where("box = ?", term.Value)
		case accessor.FieldNode:
			tx = tx.Where("node = ?", term.Value)
		case accessor.FieldType:
			tx = tx.Where("entity_type_id = ?", term.Value)
		default:
			// Categorized fields live inside the JSON payload and are
			// matched after decoding.
			residual.Terms = append(residual.Terms, term)
		}
	}
	if len(q.IDs) > 0 {
		tx = tx.Where("id IN ?", q.IDs)
	}

	var records []entityRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("gormstore: search failed: %w", err)
	}

	var hits []*document.Document
	for i := range records {
		doc, err := decodeEntity(&records[i])
		if err != nil {
			return nil, err
		}
		if accessor.Matches(doc, residual) {
			hits = append(hits, doc)
		}
	}
	return hits, nil
}

func (s *Store) CountEntities(ctx context.Context, q accessor.Query) (int64, error) {
	hits, err := s.searchAll(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(hits)), nil
}

func (s *Store) IndexEntity(ctx context.Context, doc *document.Document) (int64, error) {
	rec, err := encodeEntity(doc)
	if err != nil {
		return 0, err
	}
	rec.Version = 1
	now := time.Now()
	if rec.Published.IsZero() {
		rec.Published = now
	}
	rec.Updated = now
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			return 0, accessor.ErrAlreadyExists
		}
		return 0, fmt.Errorf("gormstore: index failed: %w", err)
	}
	return rec.Version, nil
}

func (s *Store) UpdateEntity(ctx context.Context, doc *document.Document, expectedVersion int64) (int64, error) {
	rec, err := encodeEntity(doc)
	if err != nil {
		return 0, err
	}

	var current entityRecord
	if err := s.db.WithContext(ctx).First(&current, "id = ?", doc.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, accessor.ErrNotFound
		}
		return 0, fmt.Errorf("gormstore: update fetch failed: %w", err)
	}
	if expectedVersion >= 0 && current.Version != expectedVersion {
		return 0, accessor.ErrVersionConflict
	}

	newVersion := current.Version + 1
	res := s.db.WithContext(ctx).Model(&entityRecord{}).
		Where("id = ? AND version = ?", doc.ID, current.Version).
		Updates(map[string]interface{}{
			"cell":           rec.Cell,
			"box":            rec.Box,
			"node":           rec.Node,
			"entity_type_id": rec.EntityTypeID,
			"payload":        rec.Payload,
			"updated":        time.Now(),
			"version":        newVersion,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("gormstore: update failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, accessor.ErrVersionConflict
	}
	return newVersion, nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string, expectedVersion int64) error {
	tx := s.db.WithContext(ctx).Where("id = ?", id)
	if expectedVersion >= 0 {
		tx = tx.Where("version = ?", expectedVersion)
	}
	res := tx.Delete(&entityRecord{})
	if res.Error != nil {
		return fmt.Errorf("gormstore: delete failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&entityRecord{}).Where("id = ?", id).Count(&n).Error; err == nil && n > 0 {
			return accessor.ErrVersionConflict
		}
		return accessor.ErrNotFound
	}
	return nil
}

func (s *Store) BulkIndexEntities(ctx context.Context, docs []*document.Document) ([]accessor.BulkResult, error) {
	results := make([]accessor.BulkResult, len(docs))
	for i, doc := range docs {
		version, err := s.IndexEntity(ctx, doc)
		results[i] = accessor.BulkResult{ID: doc.ID, Version: version, Err: err}
	}
	return results, nil
}

func (s *Store) GetLink(ctx context.Context, id string) (*document.LinkDocument, error) {
	var rec linkRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accessor.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gormstore: link get failed: %w", err)
	}
	return decodeLink(&rec), nil
}

func (s *Store) SearchLinks(ctx context.Context, q accessor.LinkQuery) ([]*document.LinkDocument, error) {
	var records []linkRecord
	tx := s.db.WithContext(ctx).
		Where("id1 = ? OR id2 = ?", q.JoinedID, q.JoinedID).
		Order("id")
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("gormstore: link search failed: %w", err)
	}
	var hits []*document.LinkDocument
	for i := range records {
		link := decodeLink(&records[i])
		if q.PeerType != "" {
			peerType := link.Type1
			if link.ID1 == q.JoinedID {
				peerType = link.Type2
			}
			if peerType != q.PeerType {
				continue
			}
		}
		hits = append(hits, link)
	}
	return hits, nil
}

func (s *Store) CountLinks(ctx context.Context, q accessor.LinkQuery) (int64, error) {
	hits, err := s.SearchLinks(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(hits)), nil
}

func (s *Store) IndexLink(ctx context.Context, link *document.LinkDocument) (int64, error) {
	rec := encodeLink(link)
	rec.Version = 1
	now := time.Now()
	if rec.Published.IsZero() {
		rec.Published = now
	}
	rec.Updated = now
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			return 0, accessor.ErrAlreadyExists
		}
		return 0, fmt.Errorf("gormstore: link index failed: %w", err)
	}
	return rec.Version, nil
}

func (s *Store) DeleteLink(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&linkRecord{})
	if res.Error != nil {
		return fmt.Errorf("gormstore: link delete failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return accessor.ErrNotFound
	}
	return nil
}

// isDuplicateKey recognizes primary-key collisions across both dialects.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return isSQLiteConstraint(err)
}

func encodeEntity(doc *document.Document) (*entityRecord, error) {
	payload, err := json.Marshal(fieldPayload{
		Static:  doc.Static,
		Dynamic: doc.Dynamic,
		Hidden:  doc.Hidden,
		ACL:     doc.ACL,
		Links:   doc.Links,
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: payload encode failed: %w", err)
	}
	return &entityRecord{
		ID:           doc.ID,
		Cell:         doc.Scope.Cell,
		Box:          doc.Scope.Box,
		Node:         doc.Scope.Node,
		EntityTypeID: doc.EntityTypeID,
		Payload:      payload,
		Published:    doc.Published,
		Updated:      doc.Updated,
		Version:      doc.Version,
	}, nil
}

func decodeEntity(rec *entityRecord) (*document.Document, error) {
	var payload fieldPayload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, fmt.Errorf("gormstore: payload decode failed: %w", err)
		}
	}
	doc := document.New(rec.ID, document.Scope{Cell: rec.Cell, Box: rec.Box, Node: rec.Node}, rec.EntityTypeID)
	if payload.Static != nil {
		doc.Static = payload.Static
	}
	if payload.Dynamic != nil {
		doc.Dynamic = payload.Dynamic
	}
	if payload.Hidden != nil {
		doc.Hidden = payload.Hidden
	}
	if payload.ACL != nil {
		doc.ACL = payload.ACL
	}
	if payload.Links != nil {
		doc.Links = payload.Links
	}
	doc.Published = rec.Published
	doc.Updated = rec.Updated
	doc.Version = rec.Version
	return doc, nil
}

func encodeLink(link *document.LinkDocument) *linkRecord {
	return &linkRecord{
		ID:        link.ID,
		Cell:      link.Scope.Cell,
		Box:       link.Scope.Box,
		Node:      link.Scope.Node,
		Type1:     link.Type1,
		ID1:       link.ID1,
		Type2:     link.Type2,
		ID2:       link.ID2,
		Published: link.Published,
		Updated:   link.Updated,
		Version:   link.Version,
	}
}

func decodeLink(rec *linkRecord) *document.LinkDocument {
	return &document.LinkDocument{
		ID:        rec.ID,
		Scope:     document.Scope{Cell: rec.Cell, Box: rec.Box, Node: rec.Node},
		Type1:     rec.Type1,
		ID1:       rec.ID1,
		Type2:     rec.Type2,
		ID2:       rec.ID2,
		Published: rec.Published,
		Updated:   rec.Updated,
		Version:   rec.Version,
	}
}
