package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/QuillSyncLabs/quillsync/backend/internal/documents"
	"github.com/QuillSyncLabs/quillsync/backend/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeWriteTimeout = 5 * time.Second

// handleWebSocket validates the target document before upgrading, then runs
// the connection's read loop. All protocol handling past the upgrade happens
// inside the document's session.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	rawDocID := c.Query("docId")
	if rawDocID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_doc_id"})
		return
	}
	docID, err := documents.NewDocumentID(rawDocID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc_id"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	transport := newWSTransport(socket)
	conn := session.NewConn(transport)
	sess, err := h.sessionHub.Attach(c.Request.Context(), docID, conn)
	if err != nil {
		h.logger.Error("session attach failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		_ = transport.Close(websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	h.logger.Info("websocket connected",
		zap.String("doc_id", docID.String()),
		zap.String("peer_id", conn.PeerID()))

	h.readLoop(sess, conn, transport, socket)

	sess.OnDisconnect(context.Background(), conn)
	h.logger.Info("websocket disconnected",
		zap.String("doc_id", docID.String()),
		zap.String("peer_id", conn.PeerID()))
}

func (h *httpHandler) readLoop(sess *session.Session, conn *session.Conn, transport *wsTransport, socket *websocket.Conn) {
	ctx := context.Background()
	for {
		messageType, payload, err := socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended",
					zap.String("peer_id", conn.PeerID()),
					zap.Error(err))
			}
			_ = transport.Close(closeCodeForError(err), "")
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			sess.HandleFrame(ctx, conn, payload)
		case websocket.TextMessage:
			// Text frames act as application keepalives and carry no protocol
			// content.
		}
	}
}

// closeCodeForError picks the close frame code for a finished read loop: a
// clean client close is mirrored with a normal closure, anything else is
// reported as an internal error.
func closeCodeForError(err error) int {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return websocket.CloseNormalClosure
	}
	return websocket.CloseInternalServerErr
}

// wsTransport adapts a gorilla websocket to the session transport. Writes are
// serialized because fanout and the connection's own replies come from
// different goroutines.
type wsTransport struct {
	mu     sync.Mutex
	socket *websocket.Conn
	closed bool
}

func newWSTransport(socket *websocket.Conn) *wsTransport {
	return &wsTransport{socket: socket}
}

func (t *wsTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	return t.socket.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(closeWriteTimeout)
	_ = t.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.socket.Close()
}

func (t *wsTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}
