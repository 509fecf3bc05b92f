package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Generation("generate", "succeeded")
	m.Tokens("debit", 10)
	m.ProviderCall("mock", "generate", "ok")
	m.ObserveDuration("generate", time.Now())
	m.AuditSinkError("amqp")
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Generation("generate", "succeeded")
	m.Tokens("debit", 30)
	m.ProviderCall("mock", "generate", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`pixelgate_generations_total{mode="generate",outcome="succeeded"} 1`,
		`pixelgate_tokens_total{direction="debit"} 30`,
		`pixelgate_provider_calls_total{adapter="mock",operation="generate",outcome="ok"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
