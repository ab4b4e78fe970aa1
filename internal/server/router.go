package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/canvas/internal/users"
)

const (
	claimsContextKey = "canvas_claims"

	defaultStreamHeartbeat = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingShapeService   = errors.New("shape service dependency required")
	errMissingPresenceStore  = errors.New("presence store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves an access token into the caller's identity.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// ProfileResolver maps an identity to how the caller appears to others.
type ProfileResolver interface {
	Resolve(claims auth.Claims) (users.Profile, error)
}

// Dependencies wires the HTTP API.
type Dependencies struct {
	Tokens          TokenValidator
	Shapes          *shapes.Service
	Presence        PresenceStore
	Profiles        ProfileResolver
	Logger          *zap.Logger
	StreamHeartbeat time.Duration
}

// NewHTTPHandler builds the gin engine serving the canvas API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Shapes == nil {
		return nil, errMissingShapeService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:          deps.Tokens,
		shapes:          deps.Shapes,
		presence:        deps.Presence,
		profiles:        deps.Profiles,
		logger:          logger,
		streamHeartbeat: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/canvases/:canvasId")
	protected.Use(handler.authorizeRequest)
	protected.GET("/shapes", handler.handleListShapes)
	protected.POST("/shapes", handler.handleCreateShape)
	protected.GET("/shapes/stream", handler.handleShapeStream)
	protected.PATCH("/shapes/:shapeId", handler.handleUpdateShape)
	protected.DELETE("/shapes/:shapeId", handler.handleDeleteShape)
	protected.POST("/shapes/:shapeId/lock", handler.handleSetLock)
	protected.PUT("/shapes/:shapeId/lock", handler.handleRefreshLock)
	protected.DELETE("/shapes/:shapeId/lock", handler.handleClearLock)
	protected.GET("/presence/ws", handler.handlePresenceSocket)
	protected.GET("/export.pdf", handler.handleExport)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens          TokenValidator
	shapes          *shapes.Service
	presence        PresenceStore
	profiles        ProfileResolver
	logger          *zap.Logger
	streamHeartbeat time.Duration
}

// authorizeRequest accepts a bearer header or, for streams and sockets that
// cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func claimsFrom(c *gin.Context) (auth.Claims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := value.(auth.Claims)
	if !ok || claims.Subject == "" {
		return auth.Claims{}, false
	}
	return claims, true
}

// respondError maps service failures onto status codes. The body carries the
// service error code when there is one.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, shapes.ErrShapeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shapes.ErrLockNotHeld):
		status = http.StatusConflict
	case errors.Is(err, canvas.ErrInvalidCanvasID),
		errors.Is(err, canvas.ErrInvalidShapeID),
		errors.Is(err, canvas.ErrInvalidUserID),
		errors.Is(err, canvas.ErrInvalidKind):
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var serviceErr *shapes.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	} else if status == http.StatusBadRequest {
		code = "invalid_request"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
