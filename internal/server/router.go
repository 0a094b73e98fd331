package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell/backend/internal/auth"
	"github.com/inkwell-labs/inkwell/backend/internal/collab"
	"github.com/inkwell-labs/inkwell/backend/internal/store"
)

var (
	errMissingTokenVerifier = errors.New("token verifier dependency required")
	errMissingManager       = errors.New("collab manager dependency required")
	errMissingStore         = errors.New("store dependency required")
)

// TokenVerifier validates collaboration tokens presented by clients.
type TokenVerifier interface {
	Verify(token string) (auth.CollabClaims, error)
}

// Dependencies wires the HTTP surface to the collaboration engine.
type Dependencies struct {
	Tokens  TokenVerifier
	Manager *collab.Manager
	Store   *store.GormStore
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the collab websocket and
// the note content/blame endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenVerifier
	}
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:  deps.Tokens,
		manager: deps.Manager,
		store:   deps.Store,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/collab/:workspaceId/:notePublicId", handler.handleCollab)
	router.PUT("/notes/:noteId/content", handler.handleContentPush)
	router.GET("/notes/:noteId/blame", handler.handleBlame)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens   TokenVerifier
	manager  *collab.Manager
	store    *store.GormStore
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// handleCollab upgrades the connection, then authenticates before any room
// lookup. Auth failures close the socket with policy violation (1008).
func (h *httpHandler) handleCollab(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := h.tokens.Verify(auth.TokenFromRequest(c.Request))
	if err != nil {
		h.logger.Warn("collab token rejected", zap.Error(err))
		closePolicyViolation(conn, "unauthorized")
		return
	}
	if claims.WorkspaceID != c.Param("workspaceId") || claims.NotePublicID != c.Param("notePublicId") {
		h.logger.Warn("collab token does not match room",
			zap.String("workspace_id", c.Param("workspaceId")),
			zap.String("note_public_id", c.Param("notePublicId")))
		closePolicyViolation(conn, "token does not grant this room")
		return
	}

	ticket := collab.Ticket{
		WorkspaceID:  claims.WorkspaceID,
		NoteID:       claims.NoteID,
		NotePublicID: claims.NotePublicID,
		UserID:       claims.UserID,
	}
	if err := h.manager.Connect(c.Request.Context(), ticket, conn); err != nil {
		h.logger.Warn("collab connection ended with error", zap.Error(err))
	}
	_ = conn.Close()
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
	_ = conn.Close()
}

type contentPushPayload struct {
	Content string `json:"content"`
}

type contentPushResponse struct {
	Applied    bool   `json:"applied"`
	RevisionID string `json:"revision_id,omitempty"`
}

// handleContentPush is the out-of-band write path: it persists the new
// content as a checkpoint, then injects it into the live room if one exists.
func (h *httpHandler) handleContentPush(c *gin.Context) {
	claims, ok := h.authorize(c)
	if !ok {
		return
	}
	noteID := c.Param("noteId")
	if claims.NoteID != noteID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this note"})
		return
	}

	var request contentPushPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot, err := h.store.GetNote(c.Request.Context(), noteID)
	if err != nil {
		h.logger.Error("failed to load note for content push", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "note_load_failed"})
		return
	}
	if snapshot.Exists && snapshot.Content == request.Content {
		c.JSON(http.StatusOK, contentPushResponse{Applied: false})
		return
	}

	receipt, err := h.store.SaveCheckpoint(c.Request.Context(), collab.CheckpointWrite{
		WorkspaceID:     claims.WorkspaceID,
		NoteID:          noteID,
		AuthorUserID:    claims.UserID,
		PreviousContent: snapshot.Content,
		Content:         request.Content,
		IncludeBlame:    true,
	})
	if err != nil {
		h.logger.Error("failed to persist pushed content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "content_push_failed"})
		return
	}

	roomKey := collab.RoomKey(claims.WorkspaceID, claims.NotePublicID)
	applied := h.manager.PushExternalUpdate(roomKey, request.Content, claims.UserID)
	c.JSON(http.StatusOK, contentPushResponse{Applied: applied, RevisionID: receipt.RevisionID})
}

type blameRowPayload struct {
	LineNumber       int    `json:"line_number"`
	AuthorUserID     string `json:"author_user_id"`
	RevisionID       string `json:"revision_id"`
	TouchedAtSeconds int64  `json:"touched_at_s"`
}

func (h *httpHandler) handleBlame(c *gin.Context) {
	claims, ok := h.authorize(c)
	if !ok {
		return
	}
	noteID := c.Param("noteId")
	if claims.NoteID != noteID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this note"})
		return
	}

	rows, err := h.store.ListBlame(c.Request.Context(), noteID)
	if err != nil {
		h.logger.Error("failed to list blame rows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blame_query_failed"})
		return
	}

	payload := make([]blameRowPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, blameRowPayload{
			LineNumber:       row.LineNumber,
			AuthorUserID:     row.AuthorUserID,
			RevisionID:       row.RevisionID,
			TouchedAtSeconds: row.TouchedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"blame": payload})
}

func (h *httpHandler) authorize(c *gin.Context) (auth.CollabClaims, bool) {
	claims, err := h.tokens.Verify(auth.TokenFromRequest(c.Request))
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.CollabClaims{}, false
	}
	return claims, true
}
