package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coconut3301/backend/internal/metrics"
	"github.com/coconut3301/backend/internal/users"
)

type fakeStore struct {
	mu          sync.Mutex
	preferences map[string]*Preferences
	endpoints   map[string][]Endpoint
	pruneCalls  [][]string
	logs        []LogEntry
	failUsers   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		preferences: map[string]*Preferences{},
		endpoints:   map[string][]Endpoint{},
		failUsers:   map[string]bool{},
	}
}

func (s *fakeStore) Preferences(_ context.Context, userID users.UserID) (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUsers[userID.String()] {
		return nil, errors.New("storage offline")
	}
	return s.preferences[userID.String()], nil
}

func (s *fakeStore) EndpointsForUser(_ context.Context, userID users.UserID) ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Endpoint(nil), s.endpoints[userID.String()]...), nil
}

func (s *fakeStore) UsersWithEndpoints(context.Context) ([]users.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recipients []users.UserID
	for owner, endpoints := range s.endpoints {
		if len(endpoints) == 0 {
			continue
		}
		userID, err := users.NewUserID(owner)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, userID)
	}
	return recipients, nil
}

func (s *fakeStore) PruneEndpoints(_ context.Context, userID users.UserID, tokens []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCalls = append(s.pruneCalls, tokens)
	remove := map[string]bool{}
	for _, token := range tokens {
		remove[token] = true
	}
	var kept []Endpoint
	var removed int64
	for _, endpoint := range s.endpoints[userID.String()] {
		if remove[endpoint.Token] {
			removed++
			continue
		}
		kept = append(kept, endpoint)
	}
	s.endpoints[userID.String()] = kept
	return removed, nil
}

func (s *fakeStore) AppendLog(_ context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeStore) addEndpoint(owner string, tokens ...string) {
	for _, token := range tokens {
		s.endpoints[owner] = append(s.endpoints[owner], Endpoint{Token: token, UserID: owner})
	}
}

type scriptedTransport struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	errs     map[string]error
	calls    []string
	block    map[string]bool
	panics   map[string]bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		outcomes: map[string]Outcome{},
		errs:     map[string]error{},
		block:    map[string]bool{},
		panics:   map[string]bool{},
	}
}

func (t *scriptedTransport) Deliver(ctx context.Context, token string, _ Notification) (Outcome, error) {
	t.mu.Lock()
	t.calls = append(t.calls, token)
	outcome, ok := t.outcomes[token]
	err := t.errs[token]
	block := t.block[token]
	shouldPanic := t.panics[token]
	t.mu.Unlock()

	if shouldPanic {
		panic("transport exploded")
	}
	if block {
		<-ctx.Done()
		return OutcomeTransientFailure, ctx.Err()
	}
	if !ok {
		outcome = OutcomeDelivered
	}
	return outcome, err
}

func (t *scriptedTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func newTestDispatcher(t *testing.T, store Store, transport Transport) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Store:           store,
		Transport:       transport,
		Metrics:         metrics.New(),
		Clock:           func() time.Time { return time.Unix(1700000000, 0) },
		DeliveryTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatcher
}

func progressNotification() Notification {
	return Notification{
		Title:    "DOSSIER DECLASSIFIED",
		Body:     "Stage complete. New operations await, recruit.",
		Data:     map[string]string{"route": "/stages"},
		Category: CategoryProgress,
	}
}

func TestSendToUserWithoutEndpointsSkipsPrune(t *testing.T) {
	store := newFakeStore()
	transport := newScriptedTransport()
	dispatcher := newTestDispatcher(t, store, transport)

	delivered := dispatcher.SendToUser(context.Background(), mustUserID(t, "alice"), progressNotification())

	if delivered != 0 {
		t.Fatalf("expected 0 delivered, got %d", delivered)
	}
	if len(store.pruneCalls) != 0 {
		t.Fatalf("expected no prune calls, got %v", store.pruneCalls)
	}
	if transport.callCount() != 0 {
		t.Fatalf("expected no transport calls")
	}
	if len(store.logs) != 1 || store.logs[0].Status != StatusNoEndpoints {
		t.Fatalf("expected a no_endpoints log entry, got %+v", store.logs)
	}
}

func TestSendToUserClassifiesOutcomes(t *testing.T) {
	store := newFakeStore()
	store.addEndpoint("alice", "ok-1", "dead", "flaky", "ok-2")
	transport := newScriptedTransport()
	transport.outcomes["dead"] = OutcomePermanentlyInvalid
	transport.outcomes["flaky"] = OutcomeTransientFailure
	transport.errs["flaky"] = errors.New("503")
	dispatcher := newTestDispatcher(t, store, transport)

	delivered := dispatcher.SendToUser(context.Background(), mustUserID(t, "alice"), progressNotification())

	if delivered != 2 {
		t.Fatalf("expected 2 delivered, got %d", delivered)
	}
	if len(store.pruneCalls) != 1 || len(store.pruneCalls[0]) != 1 || store.pruneCalls[0][0] != "dead" {
		t.Fatalf("expected one batch prune of the dead token, got %v", store.pruneCalls)
	}
	if len(store.endpoints["alice"]) != 3 {
		t.Fatalf("expected transient endpoint to stay registered, got %+v", store.endpoints["alice"])
	}
	entry := store.logs[0]
	if entry.Status != StatusSent || entry.Attempted != 4 || entry.Delivered != 2 {
		t.Fatalf("unexpected log entry %+v", entry)
	}
	if string(entry.Data) != `{"route":"/stages"}` {
		t.Fatalf("unexpected log data %s", entry.Data)
	}
}

func TestSendToUserSuppressedByPreferences(t *testing.T) {
	store := newFakeStore()
	store.addEndpoint("alice", "ok-1")
	preferences := DefaultPreferences("alice")
	preferences.ProgressUpdates = false
	store.preferences["alice"] = &preferences
	transport := newScriptedTransport()
	dispatcher := newTestDispatcher(t, store, transport)

	delivered := dispatcher.SendToUser(context.Background(), mustUserID(t, "alice"), progressNotification())

	if delivered != 0 {
		t.Fatalf("expected suppression, got %d", delivered)
	}
	if transport.callCount() != 0 {
		t.Fatalf("expected endpoints untouched")
	}
	if len(store.logs) != 1 || store.logs[0].Status != StatusSuppressed || store.logs[0].Delivered != 0 {
		t.Fatalf("expected suppressed log entry, got %+v", store.logs)
	}
}

func TestSendToUserTimeoutIsTransient(t *testing.T) {
	store := newFakeStore()
	store.addEndpoint("alice", "hang", "ok-1")
	transport := newScriptedTransport()
	transport.block["hang"] = true
	dispatcher := newTestDispatcher(t, store, transport)

	delivered := dispatcher.SendToUser(context.Background(), mustUserID(t, "alice"), progressNotification())

	if delivered != 1 {
		t.Fatalf("expected 1 delivered, got %d", delivered)
	}
	if len(store.pruneCalls) != 0 {
		t.Fatalf("timeouts must not prune, got %v", store.pruneCalls)
	}
}

func TestSendToUserRecoversTransportPanic(t *testing.T) {
	store := newFakeStore()
	store.addEndpoint("alice", "boom", "ok-1")
	transport := newScriptedTransport()
	transport.panics["boom"] = true
	dispatcher := newTestDispatcher(t, store, transport)

	delivered := dispatcher.SendToUser(context.Background(), mustUserID(t, "alice"), progressNotification())

	if delivered != 1 {
		t.Fatalf("expected 1 delivered, got %d", delivered)
	}
	if len(store.endpoints["alice"]) != 2 {
		t.Fatalf("expected panicking endpoint to stay registered")
	}
}

func TestSendToAllIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	store.addEndpoint("alice", "a1", "a2")
	store.addEndpoint("bob", "b1")
	store.addEndpoint("carol", "c1")
	store.failUsers["bob"] = true
	transport := newScriptedTransport()
	dispatcher := newTestDispatcher(t, store, transport)

	delivered := dispatcher.SendToAll(context.Background(), Notification{Title: "t", Body: "b", Category: CategoryBroadcast})

	if delivered != 3 {
		t.Fatalf("expected 3 delivered across healthy users, got %d", delivered)
	}
}

func TestSendToUserDefaultsCategoryToGeneral(t *testing.T) {
	store := newFakeStore()
	store.addEndpoint("alice", "ok-1")
	store.preferences["alice"] = &Preferences{UserID: "alice"}
	dispatcher := newTestDispatcher(t, store, newScriptedTransport())

	delivered := dispatcher.SendToUser(context.Background(), mustUserID(t, "alice"), Notification{Title: "t", Body: "b"})

	if delivered != 1 {
		t.Fatalf("expected general notification to bypass preferences, got %d", delivered)
	}
	if store.logs[0].Category != CategoryGeneral {
		t.Fatalf("expected general category in log, got %s", store.logs[0].Category)
	}
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{Transport: newScriptedTransport()}); err == nil {
		t.Fatalf("expected missing store error")
	}
	if _, err := NewDispatcher(DispatcherConfig{Store: newFakeStore()}); err == nil {
		t.Fatalf("expected missing transport error")
	}
}
