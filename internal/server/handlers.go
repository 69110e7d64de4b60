package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coconut3301/backend/internal/leaderboard"
	"github.com/coconut3301/backend/internal/notify"
	"github.com/coconut3301/backend/internal/progress"
	"github.com/coconut3301/backend/internal/reconcile"
	"github.com/coconut3301/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const leaderboardPageSize = 50

type leaderboardEntryResponse struct {
	UserID      string `json:"uid"`
	DisplayName string `json:"displayName"`
	SolveTime   int64  `json:"solveTime"`
	Attempts    int64  `json:"attempts"`
	HintsUsed   int64  `json:"hintsUsed"`
	Timestamp   string `json:"timestamp"`
}

type endpointRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	Locale   string `json:"locale"`
}

type preferencesRequest struct {
	GameReminders   *bool `json:"gameReminders"`
	ProgressUpdates *bool `json:"progressUpdates"`
	Competition     *bool `json:"competition"`
	Inactivity      *bool `json:"inactivity"`
	NewContent      *bool `json:"newContent"`
}

type adminPushRequest struct {
	Title    string            `json:"title" validate:"required,max=256"`
	Body     string            `json:"body" validate:"required,max=2048"`
	UserID   string            `json:"uid"`
	Data     map[string]string `json:"data"`
	Category string            `json:"category"`
}

type pushLogResponse struct {
	ID       string `json:"id"`
	UserID   string `json:"uid"`
	Category string `json:"type"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	SentAt   string `json:"sentAt"`
	Status   string `json:"status"`
}

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

func (h *httpHandler) handleProgressGet(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	document, err := h.progress.Load(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "progress load failed", err)
		return
	}
	if document == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleProgressPut(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	incoming, err := progress.ParseDocument(raw)
	if err != nil {
		h.respondError(c, "progress payload rejected", err)
		return
	}
	merged, err := h.reconciler.ReconcileProgress(c.Request.Context(), userID, incoming)
	if err != nil {
		h.respondError(c, "progress reconcile failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "progress": merged})
}

func (h *httpHandler) handleLeaderboardList(c *gin.Context) {
	puzzleID, err := leaderboard.NewPuzzleID(c.Param("puzzleId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entries, err := h.leaderboard.List(c.Request.Context(), puzzleID, leaderboardPageSize)
	if err != nil {
		h.respondError(c, "leaderboard list failed", err)
		return
	}
	response := make([]leaderboardEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, leaderboardEntryResponse{
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
			SolveTime:   entry.SolveTime,
			Attempts:    entry.Attempts,
			HintsUsed:   entry.HintsUsed,
			Timestamp:   entry.SubmittedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLeaderboardSubmit(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	puzzleID, err := leaderboard.NewPuzzleID(c.Param("puzzleId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var submission leaderboard.Submission
	if err := c.ShouldBindJSON(&submission); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	accepted, err := h.reconciler.ReconcileLeaderboardSubmission(c.Request.Context(), puzzleID, userID, submission)
	if err != nil {
		h.respondError(c, "leaderboard submit failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": accepted})
}

func (h *httpHandler) handleEndpointRegister(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request endpointRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_required"})
		return
	}
	if err := h.registry.RegisterEndpoint(c.Request.Context(), userID, request.Token, request.Platform, request.Locale); err != nil {
		h.respondError(c, "endpoint registration failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleEndpointRemove(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request endpointRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_required"})
		return
	}
	if err := h.registry.RemoveEndpoint(c.Request.Context(), userID, request.Token); err != nil {
		h.respondError(c, "endpoint removal failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePreferencesGet(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	preferences, err := h.registry.Preferences(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "preferences load failed", err)
		return
	}
	if preferences == nil {
		defaults := notify.DefaultPreferences(userID.String())
		preferences = &defaults
	}
	c.JSON(http.StatusOK, preferences)
}

func (h *httpHandler) handlePreferencesPut(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request preferencesRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	// Omitted keys opt back in.
	preferences := notify.Preferences{
		UserID:          userID.String(),
		GameReminders:   boolOrTrue(request.GameReminders),
		ProgressUpdates: boolOrTrue(request.ProgressUpdates),
		Competition:     boolOrTrue(request.Competition),
		Inactivity:      boolOrTrue(request.Inactivity),
		NewContent:      boolOrTrue(request.NewContent),
	}
	if err := h.registry.SavePreferences(c.Request.Context(), userID, preferences); err != nil {
		h.respondError(c, "preferences save failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleAdminPush(c *gin.Context) {
	var request adminPushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.Title = strings.TrimSpace(request.Title)
	request.Body = strings.TrimSpace(request.Body)
	if err := requestValidator.Struct(request); err != nil {
		h.respondError(c, "admin push rejected", err)
		return
	}
	category, err := notify.ParseCategory(request.Category, notify.CategoryBroadcast)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	target := reconcile.Target{All: true}
	if strings.TrimSpace(request.UserID) != "" {
		recipient, err := users.NewUserID(request.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		target = reconcile.Target{UserID: recipient}
	}

	sent := h.reconciler.Notify(c.Request.Context(), target, notify.Notification{
		Title:    request.Title,
		Body:     request.Body,
		Data:     request.Data,
		Category: category,
	})
	if sender, ok := principal(c); ok {
		h.logger.Info("admin push dispatched",
			zap.String("admin_id", sender.String()),
			zap.String("category", string(category)),
			zap.Bool("broadcast", target.All),
			zap.Int("sent", sent),
		)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sent": sent})
}

func (h *httpHandler) handleAdminPushLog(c *gin.Context) {
	entries, err := h.registry.RecentLog(c.Request.Context(), notify.DefaultLogLimit)
	if err != nil {
		h.respondError(c, "push log load failed", err)
		return
	}
	response := make([]pushLogResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, pushLogResponse{
			ID:       entry.ID,
			UserID:   entry.UserID,
			Category: string(entry.Category),
			Title:    entry.Title,
			Body:     entry.Body,
			SentAt:   entry.SentAt.UTC().Format(time.RFC3339),
			Status:   entry.Status,
		})
	}
	c.JSON(http.StatusOK, response)
}

func boolOrTrue(value *bool) bool {
	if value == nil {
		return true
	}
	return *value
}

type codedError interface {
	Code() string
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, progress.ErrInvalidDocument),
		errors.Is(err, leaderboard.ErrInvalidSubmission),
		errors.Is(err, leaderboard.ErrInvalidPuzzleID),
		errors.Is(err, notify.ErrInvalidToken),
		errors.Is(err, users.ErrInvalidUserID),
		errors.As(err, &validationErrors):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response := gin.H{"error": "internal_error"}
	var coded codedError
	if errors.As(err, &coded) && coded.Code() != "" {
		response["code"] = coded.Code()
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, response)
}
