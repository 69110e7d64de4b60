package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coconut3301/backend/internal/auth"
	"github.com/coconut3301/backend/internal/leaderboard"
	"github.com/coconut3301/backend/internal/metrics"
	"github.com/coconut3301/backend/internal/notify"
	"github.com/coconut3301/backend/internal/progress"
	"github.com/coconut3301/backend/internal/reconcile"
	"github.com/coconut3301/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "coconut_user_id"
	adminContextKey     = "coconut_admin"
	maxRequestBodyBytes = 1 << 20
)

var (
	errMissingVerifier    = errors.New("request verifier dependency required")
	errMissingProgress    = errors.New("progress reader dependency required")
	errMissingLeaderboard = errors.New("leaderboard reader dependency required")
	errMissingReconciler  = errors.New("reconciler dependency required")
	errMissingRegistry    = errors.New("endpoint registry dependency required")
	errMissingAdmins      = errors.New("admin directory dependency required")
)

type ProgressReader interface {
	Load(ctx context.Context, userID users.UserID) (*progress.Document, error)
}

type LeaderboardReader interface {
	List(ctx context.Context, puzzleID leaderboard.PuzzleID, limit int) ([]leaderboard.Entry, error)
}

type Reconciler interface {
	ReconcileProgress(ctx context.Context, userID users.UserID, incoming progress.Document) (progress.Document, error)
	ReconcileLeaderboardSubmission(ctx context.Context, puzzleID leaderboard.PuzzleID, userID users.UserID, submission leaderboard.Submission) (bool, error)
	Notify(ctx context.Context, target reconcile.Target, notification notify.Notification) int
}

type EndpointRegistry interface {
	RegisterEndpoint(ctx context.Context, userID users.UserID, token, platform, locale string) error
	RemoveEndpoint(ctx context.Context, userID users.UserID, token string) error
	Preferences(ctx context.Context, userID users.UserID) (*notify.Preferences, error)
	SavePreferences(ctx context.Context, userID users.UserID, preferences notify.Preferences) error
	RecentLog(ctx context.Context, limit int) ([]notify.LogEntry, error)
}

type AdminDirectory interface {
	ResolveAdmin(ctx context.Context, userID users.UserID) (users.AdminUser, error)
}

type Dependencies struct {
	Verifier           auth.RequestVerifier
	Progress           ProgressReader
	Leaderboard        LeaderboardReader
	Reconciler         Reconciler
	Registry           EndpointRegistry
	Admins             AdminDirectory
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
	AllowedOrigins     []string
	RateLimitPerMinute int
	Clock              func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errMissingVerifier
	case deps.Progress == nil:
		return nil, errMissingProgress
	case deps.Leaderboard == nil:
		return nil, errMissingLeaderboard
	case deps.Reconciler == nil:
		return nil, errMissingReconciler
	case deps.Registry == nil:
		return nil, errMissingRegistry
	case deps.Admins == nil:
		return nil, errMissingAdmins
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(deps.Metrics.GinMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		progress:    deps.Progress,
		leaderboard: deps.Leaderboard,
		reconciler:  deps.Reconciler,
		registry:    deps.Registry,
		admins:      deps.Admins,
		logger:      logger,
	}
	limiter := newRateLimiter(deps.RateLimitPerMinute, deps.Clock)

	router.GET("/health", handler.handleHealth)
	router.GET("/metrics", deps.Metrics.Handler())

	api := router.Group("/api/v1")
	api.GET("/leaderboard/:puzzleId", handler.handleLeaderboardList)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest, limiter.middleware())
	protected.GET("/progress", handler.handleProgressGet)
	protected.PUT("/progress", handler.handleProgressPut)
	protected.POST("/leaderboard/:puzzleId", handler.handleLeaderboardSubmit)
	protected.POST("/fcm-token", handler.handleEndpointRegister)
	protected.DELETE("/fcm-token", handler.handleEndpointRemove)
	protected.GET("/notification-preferences", handler.handlePreferencesGet)
	protected.PUT("/notification-preferences", handler.handlePreferencesPut)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/push", handler.handleAdminPush)
	admin.GET("/push/log", handler.handleAdminPushLog)

	return router, nil
}

type httpHandler struct {
	verifier    auth.RequestVerifier
	progress    ProgressReader
	leaderboard LeaderboardReader
	reconciler  Reconciler
	registry    EndpointRegistry
	admins      AdminDirectory
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, err := h.verifier.VerifyRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingBearerToken):
			h.logger.Debug("request verification failed", zap.Error(err))
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("request verification failed", zap.Error(err))
		default:
			h.logger.Warn("request verification failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	admin, err := h.admins.ResolveAdmin(c.Request.Context(), userID)
	if errors.Is(err, users.ErrNotAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err != nil {
		h.respondError(c, "admin lookup failed", err)
		c.Abort()
		return
	}
	if !admin.Role.CanPush() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(adminContextKey, admin)
	c.Next()
}

func principal(c *gin.Context) (users.UserID, bool) {
	value, exists := c.Get(userIDContextKey)
	if !exists {
		return "", false
	}
	userID, ok := value.(users.UserID)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
