// Package session implements the per-document collaboration coordinator:
// the live connection set, the broadcast fanout, and the flush scheduler
// that merges buffered CRDT fragments into the durable snapshot.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/QuillSyncLabs/quillsync/backend/internal/crdt"
	"github.com/QuillSyncLabs/quillsync/backend/internal/documents"
	"github.com/QuillSyncLabs/quillsync/backend/internal/updatelog"
	"github.com/QuillSyncLabs/quillsync/backend/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlushStore is the durable snapshot store consumed by sessions. Both
// operations are atomic with respect to the document row.
type FlushStore interface {
	LoadSnapshot(ctx context.Context, docID documents.DocumentID) ([]byte, error)
	FlushFragments(ctx context.Context, docID documents.DocumentID, fragments [][]byte) error
}

// Config tunes the flush scheduler.
type Config struct {
	// MaxPending is the buffered fragment count that forces an immediate flush.
	MaxPending int
	// FlushInterval is the single-shot delay armed when the first fragment
	// lands in an empty buffer. It is not renewed by later fragments.
	FlushInterval time.Duration
	// RetryBase and RetryCap bound the jittered delay between flush retries.
	RetryBase time.Duration
	RetryCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 20 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
	return c
}

const permissionReadWrite = 1

// Session owns one document's live state. All mutable fields are guarded by
// mu; flush transactions run outside the lock so ingestion continues while a
// flush is in flight.
type Session struct {
	docID      documents.DocumentID
	store      FlushStore
	log        *updatelog.Log
	engine     crdt.Engine
	logger     *zap.Logger
	cfg        Config
	onTeardown func(*Session)

	mu            sync.Mutex
	conns         map[*Conn]struct{}
	attached      int
	closed        bool
	pendingCount  int64
	flushInFlight bool
	timer         *time.Timer
	timerArmed    bool
	retryDelay    time.Duration
}

func newSession(docID documents.DocumentID, store FlushStore, log *updatelog.Log, engine crdt.Engine, cfg Config, logger *zap.Logger) *Session {
	return &Session{
		docID:  docID,
		store:  store,
		log:    log,
		engine: engine,
		logger: logger,
		cfg:    cfg,
		conns:  make(map[*Conn]struct{}),
	}
}

// DocumentID returns the identifier this session serves.
func (s *Session) DocumentID() documents.DocumentID {
	return s.docID
}

// OnConnect attaches an upgraded connection in the Connecting state. The
// connection joins the fanout set only after a successful join handshake.
// It reports false when the session has already been torn down; callers must
// look the session up again.
func (s *Session) OnConnect(conn *Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.attached++
	s.mu.Unlock()
	s.logger.Debug("connection attached",
		zap.String("doc_id", s.docID.String()),
		zap.String("peer_id", conn.peerID))
	return true
}

// OnDisconnect detaches a closed connection. When the last connection leaves,
// buffered fragments are flushed and the session's in-memory state released;
// the durable log outlives the session and is reattached on the next join.
func (s *Session) OnDisconnect(ctx context.Context, conn *Conn) {
	s.mu.Lock()
	conn.state = StateClosed
	delete(s.conns, conn)
	if s.attached > 0 {
		s.attached--
	}
	empty := s.attached == 0
	s.mu.Unlock()

	s.logger.Debug("connection detached",
		zap.String("doc_id", s.docID.String()),
		zap.String("peer_id", conn.peerID))

	if !empty {
		return
	}

	// Errors are already logged and a retry is scheduled; teardown must not
	// wait on it. The retry timer keeps the session alive until it settles.
	_ = s.Flush(ctx, "last_connection")

	if s.onTeardown != nil {
		s.onTeardown(s)
	}
}

// HandleFrame decodes one binary frame and drives the protocol state machine.
// Decoding is side-effect-free; a malformed frame only produces an error
// reply to the offending connection.
func (s *Session) HandleFrame(ctx context.Context, conn *Conn, frame []byte) {
	message, err := wire.Decode(frame)
	if err != nil {
		s.logger.Warn("rejecting malformed frame",
			zap.String("doc_id", s.docID.String()),
			zap.String("peer_id", conn.peerID),
			zap.Error(err))
		s.reply(conn, wire.RoomError{
			RoomID:  s.docID.String(),
			Code:    wire.CodeInternal,
			Message: "malformed frame",
		})
		return
	}

	switch m := message.(type) {
	case wire.JoinRequest:
		s.handleJoin(ctx, conn, m)
	case wire.DocUpdate:
		s.handleDocUpdate(ctx, conn, m)
	case wire.Leave:
		s.handleLeave(conn, m)
	case wire.JoinResponseOk, wire.JoinError, wire.Ack, wire.RoomError:
		// Server-originated tags carry no meaning inbound.
		s.logger.Debug("ignoring server-bound tag from client",
			zap.String("peer_id", conn.peerID))
	}
}

func (s *Session) handleJoin(ctx context.Context, conn *Conn, m wire.JoinRequest) {
	if m.RoomID != s.docID.String() {
		s.reply(conn, wire.JoinError{
			RoomID:  m.RoomID,
			Kind:    m.Kind,
			Code:    wire.CodeRoomMismatch,
			Message: "room does not match this session",
		})
		return
	}

	snapshot, err := s.store.LoadSnapshot(ctx, s.docID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		s.reply(conn, wire.JoinError{
			RoomID:  m.RoomID,
			Kind:    m.Kind,
			Code:    wire.CodeNotFound,
			Message: "document not found",
		})
		return
	}
	if err != nil {
		s.logger.Error("join snapshot load failed",
			zap.String("doc_id", s.docID.String()),
			zap.Error(err))
		s.reply(conn, wire.JoinError{
			RoomID:  m.RoomID,
			Kind:    m.Kind,
			Code:    wire.CodeInternal,
			Message: "snapshot unavailable",
		})
		return
	}

	// A joining peer must see buffered-but-unflushed edits, so they are
	// replayed onto the stored snapshot before the state is sent.
	merged := snapshot
	entries, err := s.log.ReadAll(ctx, s.docID.String())
	if err != nil {
		s.logger.Error("join log read failed",
			zap.String("doc_id", s.docID.String()),
			zap.Error(err))
		entries = nil
	}
	if len(entries) > 0 {
		if replayed, replayErr := s.replay(snapshot, entries); replayErr != nil {
			// Serve the stored snapshot; the buffered edits reach the peer
			// through the next successful flush and rejoin.
			s.logger.Error("join replay failed",
				zap.String("doc_id", s.docID.String()),
				zap.Error(replayErr))
		} else {
			merged = replayed
		}
	}

	s.reply(conn, wire.JoinResponseOk{
		RoomID:     s.docID.String(),
		Kind:       m.Kind,
		Permission: permissionReadWrite,
		Version:    m.Version,
	})
	s.reply(conn, wire.DocUpdate{
		RoomID:  s.docID.String(),
		Kind:    wire.KindContent,
		BatchID: uuid.NewString(),
		Updates: [][]byte{merged},
	})

	s.mu.Lock()
	conn.state = StateJoined
	conn.joinedRoom = s.docID.String()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("peer joined",
		zap.String("doc_id", s.docID.String()),
		zap.String("peer_id", conn.peerID))
}

func (s *Session) handleDocUpdate(ctx context.Context, conn *Conn, m wire.DocUpdate) {
	if conn.state != StateJoined {
		s.reply(conn, wire.RoomError{
			RoomID:  s.docID.String(),
			Kind:    m.Kind,
			Code:    wire.CodeInternal,
			Message: "join required before sending updates",
		})
		return
	}
	if m.RoomID != s.docID.String() {
		s.reply(conn, wire.RoomError{
			RoomID:  m.RoomID,
			Kind:    m.Kind,
			Code:    wire.CodeRoomMismatch,
			Message: "update addressed to a different room",
		})
		return
	}
	if m.Kind != wire.KindContent && m.Kind != wire.KindEphemeral {
		s.reply(conn, wire.RoomError{
			RoomID:  s.docID.String(),
			Kind:    m.Kind,
			Code:    wire.CodeInternal,
			Message: "unsupported crdt kind",
		})
		return
	}

	// Peer-to-peer delivery is the primary path; it happens before and
	// independently of durability bookkeeping.
	s.broadcast(conn, m)
	s.reply(conn, wire.Ack{
		RoomID: s.docID.String(),
		Kind:   m.Kind,
		RefID:  m.BatchID,
		Status: wire.AckOk,
	})

	if m.Kind != wire.KindContent {
		return
	}

	appended := 0
	for _, fragment := range m.Updates {
		if len(fragment) == 0 {
			continue
		}
		if _, err := s.log.Append(ctx, s.docID.String(), fragment); err != nil {
			// Already broadcast; a failed append degrades the secondary
			// durability net, not collaboration.
			s.logger.Error("fragment append failed",
				zap.String("doc_id", s.docID.String()),
				zap.String("peer_id", conn.peerID),
				zap.Error(err))
			continue
		}
		appended++
	}
	if appended == 0 {
		return
	}

	s.mu.Lock()
	s.pendingCount += int64(appended)
	shouldFlush := s.pendingCount >= int64(s.cfg.MaxPending)
	if !shouldFlush && !s.timerArmed {
		s.armTimerLocked(s.cfg.FlushInterval)
	}
	s.mu.Unlock()

	if shouldFlush {
		_ = s.Flush(ctx, "threshold")
	}
}

func (s *Session) handleLeave(conn *Conn, m wire.Leave) {
	s.mu.Lock()
	delete(s.conns, conn)
	if conn.state == StateJoined {
		conn.state = StateConnecting
		conn.joinedRoom = ""
	}
	s.mu.Unlock()
	s.logger.Debug("peer left room",
		zap.String("doc_id", m.RoomID),
		zap.String("peer_id", conn.peerID))
}

// broadcast delivers the update to every live joined connection except the
// origin. Per-connection send failures are isolated; a lagging peer catches
// up from the merged snapshot when it rejoins.
func (s *Session) broadcast(origin *Conn, m wire.DocUpdate) {
	frame, err := wire.Encode(m)
	if err != nil {
		s.logger.Error("broadcast encode failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	peers := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		if conn == origin {
			continue
		}
		peers = append(peers, conn)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		if !peer.transport.Alive() {
			continue
		}
		if err := peer.transport.Send(frame); err != nil {
			s.logger.Warn("fanout send failed",
				zap.String("doc_id", s.docID.String()),
				zap.String("peer_id", peer.peerID),
				zap.Error(err))
		}
	}
}

func (s *Session) reply(conn *Conn, m wire.Message) {
	frame, err := wire.Encode(m)
	if err != nil {
		s.logger.Error("reply encode failed", zap.Error(err))
		return
	}
	if err := conn.transport.Send(frame); err != nil {
		s.logger.Warn("reply send failed",
			zap.String("peer_id", conn.peerID),
			zap.Error(err))
	}
}

func (s *Session) replay(snapshot []byte, entries []updatelog.Entry) ([]byte, error) {
	doc, err := s.engine.Load(snapshot)
	if err != nil {
		return nil, err
	}
	fragments := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		fragments = append(fragments, entry.Payload)
	}
	if err := doc.ImportBatch(fragments); err != nil {
		return nil, err
	}
	return doc.Export(), nil
}

// armTimerLocked arms the single-shot flush timer. Callers hold s.mu.
func (s *Session) armTimerLocked(delay time.Duration) {
	if s.timerArmed {
		return
	}
	s.timerArmed = true
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timerArmed = false
		s.mu.Unlock()
		_ = s.Flush(context.Background(), "timer")
	})
}

// Flush merges buffered fragments into the durable snapshot and clears the
// consumed log entries. At most one flush runs per session at a time;
// overlapping triggers are no-ops and the rescheduling after the in-flight
// flush picks up anything they saw.
func (s *Session) Flush(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.flushInFlight {
		s.mu.Unlock()
		return nil
	}
	s.flushInFlight = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerArmed = false
	s.mu.Unlock()

	err := s.flushOnce(ctx, reason)

	s.mu.Lock()
	s.flushInFlight = false
	if err != nil && !errors.Is(err, documents.ErrDocumentNotFound) {
		s.retryDelay = nextRetryDelay(s.retryDelay, s.cfg.RetryBase, s.cfg.RetryCap)
		s.armTimerLocked(s.retryDelay)
	} else {
		s.retryDelay = 0
		if s.pendingCount > 0 && !s.timerArmed {
			// Fragments arrived while the flush transaction was running.
			s.armTimerLocked(s.cfg.FlushInterval)
		}
	}
	s.mu.Unlock()
	return err
}

func (s *Session) flushOnce(ctx context.Context, reason string) error {
	s.mu.Lock()
	observed := s.pendingCount
	s.mu.Unlock()

	entries, err := s.log.ReadAll(ctx, s.docID.String())
	if err != nil {
		s.logger.Error("flush log read failed",
			zap.String("doc_id", s.docID.String()),
			zap.Error(err))
		return err
	}
	if len(entries) == 0 {
		// Appends increment the count only after their row committed, so a
		// count observed before an empty read is stale; increments for
		// fragments appended during the read survive the subtraction.
		s.adjustPending(-observed)
		return nil
	}

	fragments := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		fragments = append(fragments, entry.Payload)
	}
	maxEntryID := entries[len(entries)-1].EntryID

	err = s.store.FlushFragments(ctx, s.docID, fragments)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		// Deleted concurrently; nothing to merge into. Terminal for this
		// batch, so the entries are dropped rather than retried.
		s.logger.Warn("flush target missing, dropping buffered fragments",
			zap.String("doc_id", s.docID.String()),
			zap.Int("fragments", len(entries)))
		if clearErr := s.log.ClearThrough(ctx, s.docID.String(), maxEntryID); clearErr != nil {
			s.logger.Error("log clear failed", zap.Error(clearErr))
		}
		s.adjustPending(-int64(len(entries)))
		return err
	}
	if err != nil {
		s.logger.Error("flush transaction failed",
			zap.String("doc_id", s.docID.String()),
			zap.String("reason", reason),
			zap.Error(err))
		return err
	}

	// Only entries included in this cycle are cleared; fragments appended
	// after the log was read keep their higher ids for the next cycle.
	if err := s.log.ClearThrough(ctx, s.docID.String(), maxEntryID); err != nil {
		// The merge committed and is idempotent, so replaying these
		// entries on the next flush is safe.
		s.logger.Error("log clear failed after flush",
			zap.String("doc_id", s.docID.String()),
			zap.Error(err))
	}
	s.adjustPending(-int64(len(entries)))

	s.logger.Info("flushed buffered fragments",
		zap.String("doc_id", s.docID.String()),
		zap.Int("fragments", len(entries)),
		zap.String("reason", reason))
	return nil
}

func (s *Session) adjustPending(delta int64) {
	s.mu.Lock()
	s.pendingCount += delta
	if s.pendingCount < 0 {
		s.pendingCount = 0
	}
	s.mu.Unlock()
}

