package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/store/rabbitmq"
)

type fakeMessage struct {
	body     []byte
	attempts int
	retryErr error

	acked   int
	nacked  int
	retried int
}

func (m *fakeMessage) Body() []byte  { return m.body }
func (m *fakeMessage) Attempts() int { return m.attempts }
func (m *fakeMessage) Ack() error    { m.acked++; return nil }
func (m *fakeMessage) Nack() error   { m.nacked++; return nil }
func (m *fakeMessage) Retry(ctx context.Context) error {
	m.retried++
	return m.retryErr
}

func triggerBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(rabbitmq.StreamRequest{
		Prompt:    "hello",
		SessionID: "01HZX5TESTSESSIONULID00000",
		RequestID: "req-1",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal trigger: %v", err)
	}
	return b
}

func scriptedRunner(out relay.Outcome, called *int) relayRunner {
	return func(ctx context.Context, req rabbitmq.StreamRequest) relay.Outcome {
		*called++
		return out
	}
}

func TestHandleDelivery_MalformedBodyAckedWithoutRunning(t *testing.T) {
	for _, body := range []string{"not json", `{"prompt":"","sessionId":""}`, `{"prompt":"hi"}`} {
		msg := &fakeMessage{body: []byte(body), attempts: 1}
		called := 0
		handleDelivery(context.Background(), 0, 3, scriptedRunner(relay.Outcome{}, &called), msg)

		if called != 0 {
			t.Fatalf("body %q: relay ran %d times, want 0", body, called)
		}
		if msg.acked != 1 || msg.nacked != 0 || msg.retried != 0 {
			t.Fatalf("body %q: acked=%d nacked=%d retried=%d", body, msg.acked, msg.nacked, msg.retried)
		}
	}
}

func TestHandleDelivery_CompletedIsAcked(t *testing.T) {
	msg := &fakeMessage{body: triggerBody(t), attempts: 1}
	called := 0
	handleDelivery(context.Background(), 0, 3,
		scriptedRunner(relay.Outcome{Status: relay.StatusCompleted, Fragments: 4}, &called), msg)

	if called != 1 {
		t.Fatalf("relay ran %d times, want 1", called)
	}
	if msg.acked != 1 || msg.nacked != 0 || msg.retried != 0 {
		t.Fatalf("acked=%d nacked=%d retried=%d", msg.acked, msg.nacked, msg.retried)
	}
}

func TestHandleDelivery_SinkGoneIsAcked(t *testing.T) {
	msg := &fakeMessage{body: triggerBody(t), attempts: 1}
	called := 0
	handleDelivery(context.Background(), 0, 3,
		scriptedRunner(relay.Outcome{Status: relay.StatusSinkGone, Fragments: 2}, &called), msg)

	// a vanished subscriber is terminal, not retryable
	if msg.acked != 1 || msg.nacked != 0 || msg.retried != 0 {
		t.Fatalf("acked=%d nacked=%d retried=%d", msg.acked, msg.nacked, msg.retried)
	}
}

func TestHandleDelivery_FailedBelowMaxIsRetriedThenAcked(t *testing.T) {
	msg := &fakeMessage{body: triggerBody(t), attempts: 2}
	called := 0
	handleDelivery(context.Background(), 0, 3,
		scriptedRunner(relay.Outcome{Status: relay.StatusFailed, Err: errors.New("upstream stalled")}, &called), msg)

	if msg.retried != 1 {
		t.Fatalf("retried = %d, want 1", msg.retried)
	}
	if msg.acked != 1 || msg.nacked != 0 {
		t.Fatalf("acked=%d nacked=%d", msg.acked, msg.nacked)
	}
}

func TestHandleDelivery_FailedAtMaxIsDeadLettered(t *testing.T) {
	msg := &fakeMessage{body: triggerBody(t), attempts: 3}
	called := 0
	handleDelivery(context.Background(), 0, 3,
		scriptedRunner(relay.Outcome{Status: relay.StatusFailed, Err: errors.New("upstream stalled")}, &called), msg)

	if msg.nacked != 1 {
		t.Fatalf("nacked = %d, want 1", msg.nacked)
	}
	if msg.acked != 0 || msg.retried != 0 {
		t.Fatalf("acked=%d retried=%d", msg.acked, msg.retried)
	}
}

func TestHandleDelivery_RetryPublishFailureFallsBackToNack(t *testing.T) {
	msg := &fakeMessage{body: triggerBody(t), attempts: 1, retryErr: errors.New("channel closed")}
	called := 0
	handleDelivery(context.Background(), 0, 3,
		scriptedRunner(relay.Outcome{Status: relay.StatusFailed, Err: errors.New("upstream stalled")}, &called), msg)

	if msg.retried != 1 || msg.nacked != 1 {
		t.Fatalf("retried=%d nacked=%d", msg.retried, msg.nacked)
	}
	if msg.acked != 0 {
		t.Fatalf("acked = %d, want 0", msg.acked)
	}
}
