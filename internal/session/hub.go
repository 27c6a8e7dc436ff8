package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/QuillSyncLabs/quillsync/backend/internal/crdt"
	"github.com/QuillSyncLabs/quillsync/backend/internal/documents"
	"github.com/QuillSyncLabs/quillsync/backend/internal/updatelog"
	"go.uber.org/zap"
)

// HubConfig carries the collaborators shared by every session.
type HubConfig struct {
	Store  FlushStore
	Log    *updatelog.Log
	Engine crdt.Engine
	Config Config
	Logger *zap.Logger
}

// Hub maps document ids to their live sessions. At most one live session
// exists per document at a time; lookup and creation are atomic so
// near-simultaneous first joins share one session.
type Hub struct {
	store  FlushStore
	log    *updatelog.Log
	engine crdt.Engine
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub validates the configuration and returns an empty hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("flush store is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("update log is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("crdt engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:    cfg.Store,
		log:      cfg.Log,
		engine:   cfg.Engine,
		cfg:      cfg.Config.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Session returns the live session for the document, creating one if none
// exists. A session already marked closed by teardown is replaced rather
// than handed out. A fresh session adopts any fragments a previous run left
// in the durable log and schedules their flush.
func (h *Hub) Session(ctx context.Context, docID documents.DocumentID) (*Session, error) {
	h.mu.Lock()
	if existing, ok := h.sessions[docID.String()]; ok {
		existing.mu.Lock()
		alive := !existing.closed
		existing.mu.Unlock()
		if alive {
			h.mu.Unlock()
			return existing, nil
		}
	}
	sess := newSession(docID, h.store, h.log, h.engine, h.cfg, h.logger)
	sess.onTeardown = func(tornDown *Session) {
		h.remove(docID.String(), tornDown)
	}
	h.sessions[docID.String()] = sess
	h.mu.Unlock()

	count, err := h.log.Count(ctx, docID.String())
	if err != nil {
		h.logger.Error("leftover fragment count failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
	} else if count > 0 {
		h.logger.Info("adopting leftover fragments",
			zap.String("doc_id", docID.String()),
			zap.Int64("fragments", count))
		sess.mu.Lock()
		sess.pendingCount = count
		sess.armTimerLocked(sess.cfg.FlushInterval)
		sess.mu.Unlock()
	}
	return sess, nil
}

// Attach returns the document's live session with the connection already
// counted. Lookup and attachment can lose a race against a teardown that is
// finishing its last-connection flush, so a refused attach retries against a
// fresh session.
func (h *Hub) Attach(ctx context.Context, docID documents.DocumentID, conn *Conn) (*Session, error) {
	for {
		sess, err := h.Session(ctx, docID)
		if err != nil {
			return nil, err
		}
		if sess.OnConnect(conn) {
			return sess, nil
		}
	}
}

// FlushDocument forces an immediate flush outside the normal triggers. When
// no session is live the log is merged directly; nothing is registered, so
// flushes against arbitrary ids leave no state behind.
func (h *Hub) FlushDocument(ctx context.Context, docID documents.DocumentID) error {
	h.mu.Lock()
	sess, ok := h.sessions[docID.String()]
	h.mu.Unlock()
	if ok {
		return sess.Flush(ctx, "forced")
	}

	entries, err := h.log.ReadAll(ctx, docID.String())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		// Nothing buffered; still surface unknown documents to the caller.
		_, err := h.store.LoadSnapshot(ctx, docID)
		return err
	}

	fragments := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		fragments = append(fragments, entry.Payload)
	}
	maxEntryID := entries[len(entries)-1].EntryID

	if err := h.store.FlushFragments(ctx, docID, fragments); err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			h.logger.Warn("flush target missing, dropping buffered fragments",
				zap.String("doc_id", docID.String()),
				zap.Int("fragments", len(entries)))
			if clearErr := h.log.ClearThrough(ctx, docID.String(), maxEntryID); clearErr != nil {
				h.logger.Error("log clear failed", zap.Error(clearErr))
			}
		}
		return err
	}
	return h.log.ClearThrough(ctx, docID.String(), maxEntryID)
}

// remove drops the session from the registry. Removal aborts when a peer
// re-attached while the last-connection flush was running; otherwise the
// session is marked closed so late lookups cannot resurrect it.
func (h *Hub) remove(key string, sess *Session) {
	sess.mu.Lock()
	if sess.attached > 0 {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	h.mu.Lock()
	if current, ok := h.sessions[key]; ok && current == sess {
		delete(h.sessions, key)
	}
	h.mu.Unlock()
	h.logger.Debug("session released", zap.String("doc_id", key))
}
