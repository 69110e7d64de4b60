package push

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/coconut3301/backend/internal/notify"
)

var errUnregistered = errors.New("registration token is not registered")

type stubSender struct {
	err      error
	messages []*messaging.Message
}

func (s *stubSender) Send(_ context.Context, message *messaging.Message) (string, error) {
	s.messages = append(s.messages, message)
	if s.err != nil {
		return "", s.err
	}
	return "projects/test/messages/1", nil
}

func newTestFCMTransport(sender *stubSender) *FCMTransport {
	transport := NewFCMTransport(sender, nil)
	transport.permanent = func(err error) bool { return errors.Is(err, errUnregistered) }
	return transport
}

func TestFCMTransportBuildsMessage(t *testing.T) {
	sender := &stubSender{}
	transport := newTestFCMTransport(sender)

	outcome, err := transport.Deliver(context.Background(), "token-1", notify.Notification{
		Title:    "ALERT: RANK COMPROMISED",
		Body:     "Your record has been surpassed. Reclaim your honor, recruit.",
		Data:     map[string]string{"route": "/leaderboard"},
		Category: notify.CategoryCompetition,
	})

	if err != nil || outcome != notify.OutcomeDelivered {
		t.Fatalf("expected delivered, got %v (%v)", outcome, err)
	}
	message := sender.messages[0]
	if message.Token != "token-1" || message.Notification.Title != "ALERT: RANK COMPROMISED" {
		t.Fatalf("unexpected message %+v", message)
	}
	if message.Data["route"] != "/leaderboard" {
		t.Fatalf("unexpected data %v", message.Data)
	}
}

func TestFCMTransportClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected notify.Outcome
	}{
		{name: "unregistered", err: errUnregistered, expected: notify.OutcomePermanentlyInvalid},
		{name: "server error", err: errors.New("internal error"), expected: notify.OutcomeTransientFailure},
		{name: "deadline", err: context.DeadlineExceeded, expected: notify.OutcomeTransientFailure},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			transport := newTestFCMTransport(&stubSender{err: testCase.err})
			outcome, err := transport.Deliver(context.Background(), "token-1", notify.Notification{Title: "t"})
			if err == nil {
				t.Fatalf("expected error to be reported")
			}
			if outcome != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, outcome)
			}
		})
	}
}

func TestIsPermanentFCMErrorIgnoresPlainErrors(t *testing.T) {
	if isPermanentFCMError(errors.New("boom")) {
		t.Fatalf("plain errors must not prune endpoints")
	}
}

func TestLogTransportDelivers(t *testing.T) {
	transport := NewLogTransport(nil)

	outcome, err := transport.Deliver(context.Background(), "abcdefghijkl", notify.Notification{Title: "t"})
	if err != nil || outcome != notify.OutcomeDelivered {
		t.Fatalf("expected delivered, got %v (%v)", outcome, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, _ = transport.Deliver(ctx, "abcdefghijkl", notify.Notification{Title: "t"})
	if outcome != notify.OutcomeTransientFailure {
		t.Fatalf("expected cancelled context to be transient, got %v", outcome)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("abcdefghijkl"); got != "***ghijkl" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := redact("abc"); got != "***" {
		t.Fatalf("short tokens must be fully hidden, got %q", got)
	}
}

func TestNewTransport(t *testing.T) {
	if _, err := NewTransport(TransportConfig{Kind: "log"}); err != nil {
		t.Fatalf("log transport: %v", err)
	}
	if _, err := NewTransport(TransportConfig{Kind: "fcm"}); err == nil {
		t.Fatalf("expected fcm without sender to fail")
	}
	transport, err := NewTransport(TransportConfig{Kind: "FCM", Sender: &stubSender{}})
	if err != nil {
		t.Fatalf("fcm transport: %v", err)
	}
	if _, ok := transport.(*FCMTransport); !ok {
		t.Fatalf("expected *FCMTransport, got %T", transport)
	}
	if _, err := NewTransport(TransportConfig{Kind: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
