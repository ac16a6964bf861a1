package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/MarcoPoloResearchLab/chirp/internal/auth"
	"github.com/MarcoPoloResearchLab/chirp/internal/metrics"
	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxRequestBytes          = 64 << 10
	defaultHeartbeatInterval = 30 * time.Second
	feedWriteTimeout         = 10 * time.Second
)

var (
	errMissingProcedures = errors.New("procedure invoker dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingDirectory  = errors.New("user resolver dependency required")
)

// SessionValidator verifies the session cookie of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps verified session claims to the acting user record.
type UserResolver interface {
	CurrentUser(ctx context.Context, claims auth.SessionClaims) (users.User, error)
}

type Dependencies struct {
	Procedures        rpc.Invoker
	Sessions          SessionValidator
	Users             UserResolver
	Events            *FeedDispatcher
	Metrics           *metrics.Metrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Procedures == nil {
		return nil, errMissingProcedures
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	events := deps.Events
	if events == nil {
		events = NewFeedDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		procedures: deps.Procedures,
		sessions:   deps.Sessions,
		users:      deps.Users,
		events:     events,
		metrics:    deps.Metrics,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	procedures := router.Group("/rpc")
	procedures.Use(handler.resolveSession)
	procedures.POST("/:procedure", handler.handleProcedure)

	pages := router.Group("/pages")
	pages.GET("/feed", handler.handleFeedPage)
	pages.GET("/post/:id", handler.handlePostPage)
	pages.GET("/profile/:userId", handler.handleProfilePage)

	router.GET("/events", handler.handleFeedEvents)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

type httpHandler struct {
	procedures rpc.Invoker
	sessions   SessionValidator
	users      UserResolver
	events     *FeedDispatcher
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type procedureResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.WireError  `json:"error,omitempty"`
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Origin"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if allowsAnyOrigin(allowedOrigins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// resolveSession attaches the acting user when the request carries a valid session cookie.
// Requests without one proceed anonymously.
func (h *httpHandler) resolveSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.Next()
		return
	}

	user, err := h.users.CurrentUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("session user resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.Next()
		return
	}
	c.Request = c.Request.WithContext(api.WithActingUser(c.Request.Context(), user))
	c.Next()
}

func (h *httpHandler) handleProcedure(c *gin.Context) {
	procedure := rpc.Procedure(c.Param("procedure"))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		writeProcedureError(c, rpc.InvalidArgument("unreadable request body"))
		return
	}

	result, err := h.procedures.Invoke(c.Request.Context(), rpc.Call{Procedure: procedure, Input: body})
	if err != nil {
		writeProcedureError(c, rpc.AsError(err))
		return
	}
	if procedure == api.ProcPostsCreate {
		h.announcePost(result)
	}
	c.JSON(http.StatusOK, procedureResponse{Result: result})
}

func (h *httpHandler) announcePost(result []byte) {
	post, err := api.PostsCreate.DecodeOutput(result)
	if err != nil {
		h.logger.Warn("created post could not be announced", zap.Error(err))
		return
	}
	h.events.Publish(api.FeedEvent{
		Type:      api.EventPostCreated,
		PostID:    post.ID,
		AuthorID:  post.AuthorID,
		Timestamp: h.clock().UTC(),
	})
}

func writeProcedureError(c *gin.Context, err *rpc.Error) {
	if retryAfter := err.RetryAfter(); retryAfter > 0 {
		seconds := int(math.Ceil(retryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	wire := err.Wire()
	c.JSON(err.Code().HTTPStatus(), procedureResponse{Error: &wire})
}
