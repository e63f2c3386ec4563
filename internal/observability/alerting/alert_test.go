package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "CrossChain-Escrow/internal/errors"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversAndJoinsErrors(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("unreachable")}
	dispatcher := NewFanout(rec, LogNotifier{}, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: "TRANSFER_FAILED", EscrowID: "3"})
	if err == nil || !strings.Contains(err.Error(), "channel recording") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].EscrowID != "3" {
		t.Fatalf("unexpected events %+v", rec.events)
	}
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := FromError(xerrors.New(xerrors.CodeStorageFailure, "update escrow_legs", xerrors.WithMetadata("address", "escrow_1.factory")))
	event.EscrowID = "1"
	notifier := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != xerrors.CodeStorageFailure || got.Severity != xerrors.SeverityCritical || got.Metadata["address"] != "escrow_1.factory" {
		t.Fatalf("unexpected payload %+v", got)
	}
}
