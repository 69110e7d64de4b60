package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coconut3301/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Preferences{}, &Endpoint{}, &LogEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	registry, err := NewRegistry(RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry, db
}

func mustUserID(t *testing.T, value string) users.UserID {
	t.Helper()
	id, err := users.NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func TestRegisterEndpointReassociatesToken(t *testing.T) {
	registry, db := newTestRegistry(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	if err := registry.RegisterEndpoint(ctx, alice, "device-token", "", ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.RegisterEndpoint(ctx, bob, "device-token", "ios", "de"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	var endpoints []Endpoint
	if err := db.Find(&endpoints).Error; err != nil {
		t.Fatalf("failed to list endpoints: %v", err)
	}
	if len(endpoints) != 1 {
		t.Fatalf("expected one endpoint row, got %d", len(endpoints))
	}
	if endpoints[0].UserID != "bob" || endpoints[0].Platform != "ios" || endpoints[0].Locale != "de" {
		t.Fatalf("unexpected endpoint %+v", endpoints[0])
	}
}

func TestRegisterEndpointDefaults(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")

	if err := registry.RegisterEndpoint(ctx, alice, "token-1", " ", ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	endpoints, err := registry.EndpointsForUser(ctx, alice)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].Platform != "android" || endpoints[0].Locale != "en" {
		t.Fatalf("unexpected endpoints %+v", endpoints)
	}

	err = registry.RegisterEndpoint(ctx, alice, "   ", "", "")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRemoveEndpointOnlyTouchesOwnToken(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	if err := registry.RegisterEndpoint(ctx, alice, "alice-token", "", ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.RemoveEndpoint(ctx, bob, "alice-token"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	endpoints, _ := registry.EndpointsForUser(ctx, alice)
	if len(endpoints) != 1 {
		t.Fatalf("expected alice's endpoint to survive a foreign removal")
	}
	if err := registry.RemoveEndpoint(ctx, alice, "alice-token"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	endpoints, _ = registry.EndpointsForUser(ctx, alice)
	if len(endpoints) != 0 {
		t.Fatalf("expected endpoint removed, got %+v", endpoints)
	}
}

func TestPruneEndpointsIsScopedToOwner(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	_ = registry.RegisterEndpoint(ctx, alice, "stale", "", "")
	_ = registry.RegisterEndpoint(ctx, alice, "fresh", "", "")
	// The stale token moves to bob after alice's dispatch fetched it.
	_ = registry.RegisterEndpoint(ctx, bob, "stale", "", "")

	removed, err := registry.PruneEndpoints(ctx, alice, []string{"stale", "fresh"})
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected only alice's token removed, got %d", removed)
	}
	bobEndpoints, _ := registry.EndpointsForUser(ctx, bob)
	if len(bobEndpoints) != 1 || bobEndpoints[0].Token != "stale" {
		t.Fatalf("expected bob to keep the re-registered token, got %+v", bobEndpoints)
	}
}

func TestUsersWithEndpointsIsDistinct(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_ = registry.RegisterEndpoint(ctx, mustUserID(t, "bob"), "b1", "", "")
	_ = registry.RegisterEndpoint(ctx, mustUserID(t, "alice"), "a1", "", "")
	_ = registry.RegisterEndpoint(ctx, mustUserID(t, "alice"), "a2", "", "")

	recipients, err := registry.UsersWithEndpoints(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recipients) != 2 || recipients[0].String() != "alice" || recipients[1].String() != "bob" {
		t.Fatalf("unexpected recipients %v", recipients)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	alice := mustUserID(t, "alice")

	stored, err := registry.Preferences(ctx, alice)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored != nil {
		t.Fatalf("expected nil preferences before save")
	}

	preferences := DefaultPreferences("")
	preferences.Competition = false
	if err := registry.SavePreferences(ctx, alice, preferences); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	preferences.Competition = true
	preferences.Inactivity = false
	if err := registry.SavePreferences(ctx, alice, preferences); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	stored, err = registry.Preferences(ctx, alice)
	if err != nil || stored == nil {
		t.Fatalf("expected stored preferences, got %v (%v)", stored, err)
	}
	if !stored.Competition || stored.Inactivity || !stored.GameReminders {
		t.Fatalf("unexpected preferences %+v", stored)
	}
}

func TestRecentLogNewestFirst(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for index, id := range []string{"a", "b", "c"} {
		entry := LogEntry{
			ID:       id,
			UserID:   "alice",
			Category: CategoryProgress,
			Title:    "title",
			Body:     "body",
			Status:   StatusSent,
			SentAt:   base.Add(time.Duration(index) * time.Minute),
		}
		if err := registry.AppendLog(ctx, entry); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := registry.RecentLog(ctx, 2)
	if err != nil {
		t.Fatalf("recent log failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "c" || entries[1].ID != "b" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestRegistryWithoutDatabaseReportsCode(t *testing.T) {
	registry := &Registry{}

	_, err := registry.EndpointsForUser(context.Background(), mustUserID(t, "alice"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "notify.list_endpoints.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}
