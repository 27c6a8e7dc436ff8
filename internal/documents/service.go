package documents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/QuillSyncLabs/quillsync/backend/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEngine     = errors.New("crdt engine is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew     = "documents.service.new"
	opCreateDocument = "documents.create"
	opGetDocument    = "documents.get"
	opListDocuments  = "documents.list"
	opDeleteDocument = "documents.delete"
	opLoadSnapshot   = "documents.load_snapshot"
	opFlushFragments = "documents.flush_fragments"
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues new document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required to build a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Engine     crdt.Engine
	Logger     *zap.Logger
}

// Service owns document records and the durable snapshot store. Flush
// transactions for one document are atomic: load snapshot, merge buffered
// fragments through the CRDT engine, store the merged snapshot, commit.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	engine     crdt.Engine
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Engine == nil {
		return nil, newServiceError(opServiceNew, "missing_engine", errMissingEngine)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		engine:     cfg.Engine,
		logger:     logger,
	}, nil
}

// CreateDocument stores a new document seeded with an empty CRDT snapshot.
func (s *Service) CreateDocument(ctx context.Context, title string) (Document, error) {
	docID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err)
		return Document{}, newServiceError(opCreateDocument, "id_generation_failed", err)
	}
	if len(title) > 500 {
		return Document{}, newServiceError(opCreateDocument, "title_invalid", ErrInvalidTitle)
	}

	now := s.clock().UTC().Unix()
	row := Document{
		DocID:            docID,
		Title:            title,
		SnapshotB64:      base64.StdEncoding.EncodeToString(s.engine.New().Export()),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String("doc_id", docID))
		return Document{}, newServiceError(opCreateDocument, "insert_failed", err)
	}
	return row, nil
}

// GetDocument returns the document row for the identifier.
func (s *Service) GetDocument(ctx context.Context, docID DocumentID) (Document, error) {
	var row Document
	err := s.db.WithContext(ctx).
		Where("doc_id = ?", docID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID.String())
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("doc_id", docID.String()))
		return Document{}, newServiceError(opGetDocument, "query_failed", err)
	}
	return row, nil
}

// ListDocuments returns all documents ordered by most recent update.
func (s *Service) ListDocuments(ctx context.Context) ([]Document, error) {
	var rows []Document
	if err := s.db.WithContext(ctx).
		Order("updated_at_s DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListDocuments, "query_failed", err)
		return nil, newServiceError(opListDocuments, "query_failed", err)
	}
	return rows, nil
}

// DeleteDocument removes the document row.
func (s *Service) DeleteDocument(ctx context.Context, docID DocumentID) error {
	result := s.db.WithContext(ctx).
		Where("doc_id = ?", docID.String()).
		Delete(&Document{})
	if result.Error != nil {
		s.logError(opDeleteDocument, "delete_failed", result.Error, zap.String("doc_id", docID.String()))
		return newServiceError(opDeleteDocument, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID.String())
	}
	return nil
}

// LoadSnapshot returns the latest persisted snapshot bytes for the document.
func (s *Service) LoadSnapshot(ctx context.Context, docID DocumentID) ([]byte, error) {
	row, err := s.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	snapshot, err := base64.StdEncoding.DecodeString(row.SnapshotB64)
	if err != nil {
		s.logError(opLoadSnapshot, "snapshot_corrupt", err, zap.String("doc_id", docID.String()))
		return nil, newServiceError(opLoadSnapshot, "snapshot_corrupt", err)
	}
	return snapshot, nil
}

// FlushFragments merges buffered fragments into the document's persisted
// snapshot inside one transaction. The document row is locked for the
// duration so concurrent flushes against the same document serialize at the
// store even if a session-level guard fails.
//
// Returns ErrDocumentNotFound when the document was deleted concurrently;
// callers must treat that as terminal for the batch.
func (s *Service) FlushFragments(ctx context.Context, docID DocumentID, fragments [][]byte) error {
	if len(fragments) == 0 {
		return nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("doc_id = ?", docID.String()).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID.String())
		}
		if err != nil {
			s.logError(opFlushFragments, "select_failed", err, zap.String("doc_id", docID.String()))
			return newServiceError(opFlushFragments, "select_failed", err)
		}

		snapshot, err := base64.StdEncoding.DecodeString(row.SnapshotB64)
		if err != nil {
			s.logError(opFlushFragments, "snapshot_corrupt", err, zap.String("doc_id", docID.String()))
			return newServiceError(opFlushFragments, "snapshot_corrupt", err)
		}

		doc, err := s.engine.Load(snapshot)
		if err != nil {
			s.logError(opFlushFragments, "snapshot_load_failed", err, zap.String("doc_id", docID.String()))
			return newServiceError(opFlushFragments, "snapshot_load_failed", err)
		}
		if err := doc.ImportBatch(fragments); err != nil {
			s.logError(opFlushFragments, "import_failed", err, zap.String("doc_id", docID.String()))
			return newServiceError(opFlushFragments, "import_failed", err)
		}

		row.SnapshotB64 = base64.StdEncoding.EncodeToString(doc.Export())
		row.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opFlushFragments, "snapshot_save_failed", err, zap.String("doc_id", docID.String()))
			return newServiceError(opFlushFragments, "snapshot_save_failed", err)
		}
		return nil
	})

	return txErr
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
