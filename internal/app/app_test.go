package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lectern/internal/recordstore"

	"github.com/prometheus/client_golang/prometheus"
)

func testMux(t *testing.T, cfg Config, reg *prometheus.Registry) *http.ServeMux {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws := recordstore.NewWSGateway(log, recordstore.NewHub(log), recordstore.NewInMemoryStore(), nil)

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, false, ws, reg)
	return mux
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	mux := testMux(t, Config{}, nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
}

func TestReadyz_WithoutDB(t *testing.T) {
	t.Parallel()

	mux := testMux(t, Config{}, nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("readyz without required db status=%d", rr.Code)
	}
}

func TestReadyz_RequireDBWithoutDB(t *testing.T) {
	t.Parallel()

	mux := testMux(t, Config{ReadinessRequireDB: true}, nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with required-but-missing db status=%d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_ = recordstore.NewMetrics(reg)

	mux := testMux(t, Config{}, reg)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "lectern_recordstore") {
		t.Fatalf("expected lectern_recordstore metrics in exposition, got:\n%s", rr.Body.String())
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	if err := ValidateSecurityConfig(Config{}); err != nil {
		t.Fatalf("empty config must pass: %v", err)
	}

	err := ValidateSecurityConfig(Config{RequireAdminPassword: true})
	if err == nil {
		t.Fatalf("required admin password must be enforced")
	}

	err = ValidateSecurityConfig(Config{
		CORSAllowedOrigins:   []string{"*"},
		CORSAllowCredentials: true,
	})
	if err == nil {
		t.Fatalf("credentialed wildcard CORS must be rejected")
	}
}
