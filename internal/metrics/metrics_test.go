package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

// scrape returns the exposition text of m
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return string(body)
}

func assertContains(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(body, line) {
			t.Errorf("exposition missing %q", line)
		}
	}
}

func TestCause(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"throttled", &domain.StatusError{Code: 429}, "throttled"},
		{"server", fmt.Errorf("get: %w", &domain.StatusError{Code: 503}), "server"},
		{"client", &domain.StatusError{Code: 404}, "client"},
		{"size mismatch", domain.NewRetryableError(domain.ErrSizeMismatch, 0), "size_mismatch"},
		{"stalled", domain.NewRetryableError(domain.ErrReadTimeout, 0), "timeout"},
		{"transport", errors.New("connection reset"), "transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cause(tt.err); got != tt.want {
				t.Errorf("Cause() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetrics_Observer(t *testing.T) {
	m := New()

	m.BytesWritten(100)
	m.BytesWritten(28)
	m.AttemptFailed(&domain.StatusError{Code: 503})
	m.AttemptFailed(&domain.StatusError{Code: 502})
	m.Restarted("range_not_satisfiable")

	assertContains(t, scrape(t, m),
		"installer_fetch_bytes_total 128",
		`installer_fetch_retries_total{cause="server"} 2`,
		`installer_fetch_restarts_total{reason="range_not_satisfiable"} 1`,
	)
}

func TestMetrics_StartedAndVerification(t *testing.T) {
	m := New()

	done := m.Started()
	assertContains(t, scrape(t, m), "installer_fetch_transfers_inflight 1")

	done("completed")
	m.ObserveVerification(nil)
	m.ObserveVerification(domain.ErrUnsignedManifest)
	m.ObserveVerification(&domain.ChunkError{Index: 3})
	m.ObserveVerification(fmt.Errorf("%w: bad magic", domain.ErrMalformedManifest))

	assertContains(t, scrape(t, m),
		"installer_fetch_transfers_inflight 0",
		`installer_fetch_transfers_total{status="completed"} 1`,
		"installer_fetch_transfer_duration_seconds_count 1",
		`installer_fetch_verifications_total{result="passed"} 1`,
		`installer_fetch_verifications_total{result="bad_signature"} 1`,
		`installer_fetch_verifications_total{result="failed"} 1`,
		`installer_fetch_verifications_total{result="malformed"} 1`,
	)
}
