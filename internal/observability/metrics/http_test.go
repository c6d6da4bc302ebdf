package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesDomainMetrics(t *testing.T) {
	ObserveDelivery("ScoutRequest", "delivered", 20*time.Millisecond)
	ObserveFanoutBranch("risk", false)
	ObserveTransition("idle", "awaiting_proposal")
	RelayDropped("unknown_session")

	wrapped := Instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`martian_deliveries_total{message_type="ScoutRequest",status="delivered"}`,
		`martian_fanout_branches_total{branch="risk",outcome="failed"}`,
		`martian_workflow_transitions_total{from="idle",to="awaiting_proposal"}`,
		`martian_relay_dropped_total{reason="unknown_session"}`,
		`martian_http_requests_total{code="418",handler="healthz",method="GET"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
