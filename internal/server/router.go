package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/QuillSyncLabs/quillsync/backend/internal/documents"
	"github.com/QuillSyncLabs/quillsync/backend/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingDocumentService = errors.New("document service dependency required")
	errMissingSessionHub      = errors.New("session hub dependency required")
)

type Dependencies struct {
	DocumentService *documents.Service
	SessionHub      *session.Hub
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.DocumentService == nil {
		return nil, errMissingDocumentService
	}
	if deps.SessionHub == nil {
		return nil, errMissingSessionHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		documentService: deps.DocumentService,
		sessionHub:      deps.SessionHub,
		logger:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/documents", handler.handleCreateDocument)
	router.GET("/documents", handler.handleListDocuments)
	router.GET("/documents/:docId", handler.handleGetDocument)
	router.DELETE("/documents/:docId", handler.handleDeleteDocument)
	router.POST("/documents/:docId/flush", handler.handleFlushDocument)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	documentService *documents.Service
	sessionHub      *session.Hub
	logger          *zap.Logger
	upgrader        websocket.Upgrader
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

type documentPayload struct {
	DocID            string `json:"doc_id"`
	Title            string `json:"title"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type documentListPayload struct {
	Documents []documentPayload `json:"documents"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documentService.CreateDocument(c.Request.Context(), request.Title)
	if err != nil {
		if errors.Is(err, documents.ErrInvalidTitle) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
			return
		}
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, toDocumentPayload(document))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	listed, err := h.documentService.ListDocuments(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := documentListPayload{Documents: make([]documentPayload, 0, len(listed))}
	for _, document := range listed {
		response.Documents = append(response.Documents, toDocumentPayload(document))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	docID, ok := h.bindDocumentID(c)
	if !ok {
		return
	}

	document, err := h.documentService.GetDocument(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}

	c.JSON(http.StatusOK, toDocumentPayload(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	docID, ok := h.bindDocumentID(c)
	if !ok {
		return
	}

	if err := h.documentService.DeleteDocument(c.Request.Context(), docID); err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("failed to delete document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFlushDocument(c *gin.Context) {
	docID, ok := h.bindDocumentID(c)
	if !ok {
		return
	}

	if err := h.sessionHub.FlushDocument(c.Request.Context(), docID); err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("forced flush failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

func (h *httpHandler) bindDocumentID(c *gin.Context) (documents.DocumentID, bool) {
	docID, err := documents.NewDocumentID(c.Param("docId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc_id"})
		return documents.DocumentID(""), false
	}
	return docID, true
}

func toDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		DocID:            document.DocID,
		Title:            document.Title,
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
}
