// Package updatelog provides the durable, ordered buffer of CRDT update
// fragments awaiting merge into a document's snapshot. Entries are backed by
// the server's local storage so a restarted process resumes buffering instead
// of losing unflushed edits.
package updatelog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyDocID      = errors.New("document identifier is required")
	errEmptyPayload    = errors.New("fragment payload is required")
)

// Entry is one logged fragment in append order.
type Entry struct {
	EntryID int64
	Payload []byte
}

// LogConfig describes the dependencies required to build a Log.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log is the durable fragment buffer shared by all document sessions.
// Entries are scoped per document; different documents never observe each
// other's fragments.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog validates the configuration and returns a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("updatelog: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append durably stores one fragment and returns its entry identifier.
// The insert either fully succeeds or fails; a failure never leaves a
// partial row behind.
func (l *Log) Append(ctx context.Context, docID string, payload []byte) (int64, error) {
	if docID == "" {
		return 0, fmt.Errorf("updatelog: append: %w", errEmptyDocID)
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("updatelog: append: %w", errEmptyPayload)
	}

	row := PendingFragment{
		DocID:             docID,
		PayloadB64:        base64.StdEncoding.EncodeToString(payload),
		AppendedAtSeconds: l.clock().UTC().Unix(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		l.logger.Error("fragment append failed",
			zap.String("doc_id", docID),
			zap.Error(err))
		return 0, fmt.Errorf("updatelog: append: %w", err)
	}
	return row.EntryID, nil
}

// ReadAll returns every buffered fragment for the document in append order.
func (l *Log) ReadAll(ctx context.Context, docID string) ([]Entry, error) {
	if docID == "" {
		return nil, fmt.Errorf("updatelog: read: %w", errEmptyDocID)
	}

	var rows []PendingFragment
	if err := l.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("entry_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("updatelog: read: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		payload, err := base64.StdEncoding.DecodeString(row.PayloadB64)
		if err != nil {
			// Row corruption stays isolated to the one document.
			return nil, fmt.Errorf("updatelog: decode entry %d: %w", row.EntryID, err)
		}
		entries = append(entries, Entry{EntryID: row.EntryID, Payload: payload})
	}
	return entries, nil
}

// Count reports how many fragments are buffered for the document.
func (l *Log) Count(ctx context.Context, docID string) (int64, error) {
	if docID == "" {
		return 0, fmt.Errorf("updatelog: count: %w", errEmptyDocID)
	}
	var count int64
	if err := l.db.WithContext(ctx).
		Model(&PendingFragment{}).
		Where("doc_id = ?", docID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("updatelog: count: %w", err)
	}
	return count, nil
}

// ClearThrough removes entries up to and including maxEntryID. Fragments
// appended after a flush snapshotted the log keep their higher ids and
// survive for the next cycle.
func (l *Log) ClearThrough(ctx context.Context, docID string, maxEntryID int64) error {
	if docID == "" {
		return fmt.Errorf("updatelog: clear: %w", errEmptyDocID)
	}
	if err := l.db.WithContext(ctx).
		Where("doc_id = ? AND entry_id <= ?", docID, maxEntryID).
		Delete(&PendingFragment{}).Error; err != nil {
		return fmt.Errorf("updatelog: clear: %w", err)
	}
	return nil
}
