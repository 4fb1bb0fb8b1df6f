package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticStatus struct {
	tiers map[string]any
}

func (s staticStatus) Status() any { return s.tiers }

func (s staticStatus) TierStatus(key string) (any, bool) {
	v, ok := s.tiers[key]
	return v, ok
}

func TestRouter(t *testing.T) {
	m := Init("test")
	m.IncJobsSubmitted(Labels{Tier: "bin4", Kind: "refine3D"})
	m.SetBestResolution(4.2)

	status := staticStatus{tiers: map[string]any{
		"bin4": map[string]string{"refine3D": "/p/refine3D/bin4/iter1"},
	}}
	r := NewRouter(m, status)

	tests := []struct {
		path     string
		code     int
		contains string
	}{
		{"/health", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, `test_jobs_submitted_total{kind="refine3D",tier="bin4"} 1`},
		{"/status", http.StatusOK, "bin4"},
		{"/status/bin4", http.StatusOK, "/p/refine3D/bin4/iter1"},
		{"/status/bin8", http.StatusNotFound, "tier not found"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
		}
		if !strings.Contains(rec.Body.String(), tt.contains) {
			t.Errorf("GET %s body missing %q:\n%s", tt.path, tt.contains, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/bin4", nil))
	var doc map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("status is not JSON: %v", err)
	}
}

func TestRouterWithoutStatus(t *testing.T) {
	r := NewRouter(nil, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /status = %d, want 404 without a provider", rec.Code)
	}
}
