package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"canarybox/internal/history"
	"canarybox/internal/metrics"
	"canarybox/internal/site"
	"canarybox/internal/slots"
)

func setupTestServer(t *testing.T, hist *history.History) (*Server, *site.Site) {
	t.Helper()
	s := site.NewSite("shop", t.TempDir(), t.TempDir(), t.TempDir())
	if _, err := slots.NewManager(s).Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	registry := site.NewRegistry(map[string]*site.Site{"shop": s})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(registry, hist, logger, true), s
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &response)

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", response["status"])
	}
	sites, ok := response["sites"].([]interface{})
	if !ok || len(sites) != 1 || sites[0] != "shop" {
		t.Errorf("Expected sites [shop], got %v", response["sites"])
	}
	if count, ok := response["site_count"].(float64); !ok || count != 1 {
		t.Errorf("Expected site_count 1, got %v", response["site_count"])
	}
}

func TestHandleStatus_UnknownSite(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	req := httptest.NewRequest("GET", "/status/unknown-site", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestHandleStatus_InvalidName(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	req := httptest.NewRequest("GET", "/status/.hidden", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestHandleStatus_Success(t *testing.T) {
	ctx := context.Background()
	hist, err := history.NewHistory(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	defer hist.Close()

	rec, err := hist.Start(ctx, history.Record{Site: "shop", SourceRole: "staging", TargetRole: "production", Mode: history.ModeDirect, Operator: "ops"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := hist.Finalize(ctx, rec.ID, history.OutcomeSuccess, "", nil); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	server, _ := setupTestServer(t, hist)

	req := httptest.NewRequest("GET", "/status/shop", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response struct {
		Site    string            `json:"site"`
		Layout  map[string]string `json:"layout"`
		Pending bool              `json:"rotation_pending"`
		Latest  *history.Record   `json:"latest_deployment"`
		Recent  []history.Record  `json:"recent_deployments"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	if response.Site != "shop" {
		t.Errorf("Expected site 'shop', got %q", response.Site)
	}
	if len(response.Layout) != len(site.Roles) {
		t.Errorf("Expected %d roles, got %v", len(site.Roles), response.Layout)
	}
	if response.Pending {
		t.Error("Expected no pending rotation")
	}
	if response.Latest == nil || response.Latest.ID != rec.ID {
		t.Errorf("Expected latest deployment %s, got %+v", rec.ID, response.Latest)
	}
	if len(response.Recent) != 1 {
		t.Errorf("Expected 1 recent deployment, got %d", len(response.Recent))
	}
}

func TestHandleStatus_BrokenLayout(t *testing.T) {
	server, s := setupTestServer(t, nil)

	// A plain directory where a role symlink belongs
	path := s.RolePath(site.RoleStaging)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/status/shop", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	metrics.RotationsTotal.WithLabelValues("shop", "promote").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "canarybox_rotations_total") {
		t.Error("Expected canarybox_rotations_total in exposition")
	}
}

func TestRateLimit(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	server.TestMode = false
	router := server.Router()

	limited := false
	for i := 0; i < GlobalRateLimit+5; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.10:1234"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("Expected requests beyond the burst to be rate limited")
	}
}
