package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

type countingNotifier struct {
	channel Channel
	count   int
}

func (c *countingNotifier) Channel() Channel { return c.channel }

func (c *countingNotifier) Notify(context.Context, Event) error {
	c.count++
	return nil
}

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeStorageFailure, "save failed", xerrors.WithMetadata("table", "workflow_snapshots"))
	ev := FromError("S1", "awaiting_execution", err)
	assert.Equal(t, xerrors.CodeStorageFailure, ev.Code)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Equal(t, "workflow_snapshots", ev.Metadata["table"])
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestFanoutFiltersBySeverity(t *testing.T) {
	n := &countingNotifier{channel: ChannelLog}
	d := NewFanout(n, nil)

	require.NoError(t, d.Notify(context.Background(), Event{Severity: xerrors.SeverityInfo}))
	assert.Equal(t, 0, n.count)
	require.NoError(t, d.Notify(context.Background(), Event{Severity: xerrors.SeverityWarning}))
	assert.Equal(t, 1, n.count)

	d.WithMinimum(xerrors.SeverityInfo)
	require.NoError(t, d.Notify(context.Background(), Event{Severity: xerrors.SeverityInfo}))
	assert.Equal(t, 2, n.count)
}

func TestWebhookNotifier(t *testing.T) {
	var got struct {
		Text  string `json:"text"`
		Event Event  `json:"event"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	err := n.Notify(context.Background(), Event{Code: "EXECUTION_FAILED", Severity: xerrors.SeverityWarning, SessionID: "S1"})
	require.NoError(t, err)
	assert.Contains(t, got.Text, "EXECUTION_FAILED")
	assert.Equal(t, "S1", got.Event.SessionID)
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	assert.Error(t, err)
	assert.NoError(t, (*WebhookNotifier)(nil).Notify(context.Background(), Event{}))
}
