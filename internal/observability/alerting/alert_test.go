package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "starknet-agent-kit/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}

	err := NewFanout(ok, nil, failing).Notify(context.Background(), Event{Code: xerrors.CodeQueueFailure})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected joined webhook error, got %v", err)
	}
	if len(ok.events) != 1 || ok.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected stamped event, got %+v", ok.events)
	}
}

func TestFanoutKeepsLastNotifierPerChannel(t *testing.T) {
	first := &recordingNotifier{channel: ChannelLog}
	second := &recordingNotifier{channel: ChannelLog}
	_ = NewFanout(first, second).Notify(context.Background(), Event{})
	if len(first.events) != 0 || len(second.events) != 1 {
		t.Fatalf("expected only the last notifier to receive the event")
	}
}

func TestWebhookNotifierPostsSummary(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Room: "#ops"}
	err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodeExecutorFailure,
		Severity: xerrors.SeverityWarning,
		TaskID:   "t-1",
		TaskKind: "file.ingest",
		Message:  "embed failed",
		Metadata: map[string]string{"agent": "nova"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "EXECUTOR_FAILURE") || !strings.Contains(text, "agent=nova") || got["channel"] != "#ops" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}
