package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coconut3301/backend/internal/auth"
	"github.com/coconut3301/backend/internal/background"
	"github.com/coconut3301/backend/internal/database"
	"github.com/coconut3301/backend/internal/leaderboard"
	"github.com/coconut3301/backend/internal/metrics"
	"github.com/coconut3301/backend/internal/notify"
	"github.com/coconut3301/backend/internal/progress"
	"github.com/coconut3301/backend/internal/reconcile"
	"github.com/coconut3301/backend/internal/server"
	"github.com/coconut3301/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionIssuer        = "coconut-auth"
	jsonContentType      = "application/json"
	deadTokenPrefix      = "dead-"
)

type delivery struct {
	token string
	title string
}

// scriptedTransport accepts every token except those starting with deadTokenPrefix.
type scriptedTransport struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (s *scriptedTransport) Deliver(_ context.Context, token string, notification notify.Notification) (notify.Outcome, error) {
	if strings.HasPrefix(token, deadTokenPrefix) {
		return notify.OutcomePermanentlyInvalid, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{token: token, title: notification.Title})
	return notify.OutcomeDelivered, nil
}

func (s *scriptedTransport) delivered(token, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.token == token && d.title == title {
			return true
		}
	}
	return false
}

type harness struct {
	server    *httptest.Server
	registry  *notify.Registry
	directory *users.Service
	transport *scriptedTransport
	queue     *background.Queue
	issuer    *auth.TokenIssuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "coconut.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	progressService, err := progress.NewService(progress.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("progress service: %v", err)
	}
	leaderboardService, err := leaderboard.NewService(leaderboard.ServiceConfig{
		Database: db,
		Logger:   logger,
		Policy:   leaderboard.PolicyFirstWins,
		TopK:     3,
	})
	if err != nil {
		t.Fatalf("leaderboard service: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("admin directory: %v", err)
	}
	registry, err := notify.NewRegistry(notify.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	collector := metrics.New()
	transport := &scriptedTransport{}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Store:     registry,
		Transport: transport,
		Logger:    logger,
		Metrics:   collector,
		IDs:       notify.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	queue := background.New(background.Config{Workers: 2, Capacity: 32, Logger: logger, Metrics: collector})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})

	reconciler, err := reconcile.NewService(reconcile.ServiceConfig{
		Progress:    progressService,
		Leaderboard: leaderboardService,
		Notifier:    dispatcher,
		Scheduler:   queue,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
	})
	if err != nil {
		t.Fatalf("session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    validator,
		Progress:    progressService,
		Leaderboard: leaderboardService,
		Reconciler:  reconciler,
		Registry:    registry,
		Admins:      directory,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return &harness{
		server:    testServer,
		registry:  registry,
		directory: directory,
		transport: transport,
		queue:     queue,
		issuer:    issuer,
	}
}

func (h *harness) call(t *testing.T, method, path, user string, body any) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if user != "" {
		token, _, err := h.issuer.IssueToken(users.UserID(user))
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	buffer := new(bytes.Buffer)
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return response.StatusCode, buffer.Bytes()
}

func (h *harness) mustCall(t *testing.T, method, path, user string, body any) map[string]any {
	t.Helper()
	status, raw := h.call(t, method, path, user, body)
	if status != http.StatusOK {
		t.Fatalf("%s %s: unexpected status %d: %s", method, path, status, raw)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("%s %s: invalid JSON %s", method, path, raw)
	}
	return payload
}

func eventually(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestStageUnlockNotifiesPlayer(t *testing.T) {
	h := newHarness(t)

	h.mustCall(t, http.MethodPost, "/api/v1/fcm-token", "alice", map[string]string{"token": "tok-alice", "platform": "android"})
	h.mustCall(t, http.MethodPut, "/api/v1/progress", "alice", map[string]any{"unlockedStages": []string{"stage-1"}})

	payload := h.mustCall(t, http.MethodPut, "/api/v1/progress", "alice", map[string]any{
		"unlockedStages": []string{"stage-2"},
		"hintsUsed":      map[string]int{"p1": 2},
	})
	merged := payload["progress"].(map[string]any)
	stages := merged["unlockedStages"].([]any)
	if len(stages) != 2 {
		t.Fatalf("expected union of stages, got %v", stages)
	}

	eventually(t, "stage completion push", func() bool {
		return h.transport.delivered("tok-alice", "DOSSIER DECLASSIFIED")
	})

	status, raw := h.call(t, http.MethodGet, "/api/v1/progress", "alice", nil)
	if status != http.StatusOK || !strings.Contains(string(raw), `"stage-2"`) {
		t.Fatalf("unexpected stored progress %d %s", status, raw)
	}
}

func TestDisabledCategoryIsSuppressedAndLogged(t *testing.T) {
	h := newHarness(t)

	h.mustCall(t, http.MethodPost, "/api/v1/fcm-token", "alice", map[string]string{"token": "tok-alice"})
	h.mustCall(t, http.MethodPut, "/api/v1/notification-preferences", "alice", map[string]bool{"progressUpdates": false})
	h.mustCall(t, http.MethodPut, "/api/v1/progress", "alice", map[string]any{"unlockedStages": []string{"stage-1"}})
	h.mustCall(t, http.MethodPut, "/api/v1/progress", "alice", map[string]any{"unlockedStages": []string{"stage-2"}})

	eventually(t, "suppressed log entry", func() bool {
		entries, err := h.registry.RecentLog(context.Background(), 10)
		if err != nil {
			return false
		}
		for _, entry := range entries {
			if entry.UserID == "alice" && entry.Status == notify.StatusSuppressed {
				return true
			}
		}
		return false
	})
	if h.transport.delivered("tok-alice", "DOSSIER DECLASSIFIED") {
		t.Fatalf("suppressed notification must not be delivered")
	}
}

func TestLeaderboardDisplacementNotifiesDroppedUser(t *testing.T) {
	h := newHarness(t)

	h.mustCall(t, http.MethodPost, "/api/v1/fcm-token", "dave", map[string]string{"token": "tok-dave"})
	for _, submission := range []struct {
		user      string
		solveTime int
	}{{"bob", 50}, {"carol", 60}, {"dave", 70}} {
		payload := h.mustCall(t, http.MethodPost, "/api/v1/leaderboard/cipher-1", submission.user, map[string]any{"displayName": submission.user, "solveTime": submission.solveTime})
		if payload["accepted"] != true {
			t.Fatalf("expected %s accepted, got %v", submission.user, payload)
		}
	}

	repeat := h.mustCall(t, http.MethodPost, "/api/v1/leaderboard/cipher-1", "bob", map[string]any{"solveTime": 1})
	if repeat["accepted"] != false {
		t.Fatalf("first_wins must reject a second submission, got %v", repeat)
	}

	h.mustCall(t, http.MethodPost, "/api/v1/leaderboard/cipher-1", "eve", map[string]any{"displayName": "eve", "solveTime": 10})
	eventually(t, "displacement push", func() bool {
		return h.transport.delivered("tok-dave", "ALERT: RANK COMPROMISED")
	})

	status, raw := h.call(t, http.MethodGet, "/api/v1/leaderboard/cipher-1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("invalid leaderboard body %s", raw)
	}
	if len(rows) != 4 || rows[0]["uid"] != "eve" || rows[1]["uid"] != "bob" || rows[1]["solveTime"] != float64(50) {
		t.Fatalf("unexpected leaderboard %v", rows)
	}
}

func TestAdminBroadcastPrunesDeadEndpoints(t *testing.T) {
	h := newHarness(t)
	if err := h.directory.GrantRole(context.Background(), "root", users.RoleAdmin, "ops@example.com"); err != nil {
		t.Fatalf("grant role: %v", err)
	}

	h.mustCall(t, http.MethodPost, "/api/v1/fcm-token", "alice", map[string]string{"token": "tok-alice"})
	h.mustCall(t, http.MethodPost, "/api/v1/fcm-token", "bob", map[string]string{"token": deadTokenPrefix + "bob"})

	if status, _ := h.call(t, http.MethodPost, "/api/v1/admin/push", "alice", map[string]string{"title": "t", "body": "b"}); status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", status)
	}

	payload := h.mustCall(t, http.MethodPost, "/api/v1/admin/push", "root", map[string]string{"title": "Season 2", "body": "Now live"})
	if payload["sent"] != float64(1) {
		t.Fatalf("expected one delivery, got %v", payload)
	}

	endpoints, err := h.registry.EndpointsForUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	if len(endpoints) != 0 {
		t.Fatalf("expected dead endpoint pruned, got %v", endpoints)
	}
	endpoints, err = h.registry.EndpointsForUser(context.Background(), "alice")
	if err != nil || len(endpoints) != 1 {
		t.Fatalf("expected alice endpoint retained, got %v (%v)", endpoints, err)
	}

	status, raw := h.call(t, http.MethodGet, "/api/v1/admin/push/log", "root", nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected log status %d", status)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("invalid log body %s", raw)
	}
	if len(rows) != 2 {
		t.Fatalf("expected one log row per recipient, got %v", rows)
	}
	for _, row := range rows {
		if row["type"] != "broadcast" {
			t.Fatalf("unexpected log row %v", row)
		}
	}
}
