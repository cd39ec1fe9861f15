// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHealthEndpoint(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "2024.1-test", stats, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "2024.1-test" {
		t.Errorf("version = %q", hr.Version)
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv := NewServer(":0", "test", NewStats(), nil, zap.NewNop())

	w := httptest.NewRecorder()
	srv.handleReady(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before SetReady, got %d", w.Result().StatusCode)
	}

	srv.SetReady(true)
	w = httptest.NewRecorder()
	srv.handleReady(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected 200 after SetReady, got %d", w.Result().StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	stats := NewStats()
	stats.EventsPublished.Add(5)
	stats.PacketsReceived.Add(2)
	stats.SourceErrors.Add(1)

	srv := NewServer(":0", "test", stats, nil, zap.NewNop())

	w := httptest.NewRecorder()
	srv.handleStats(w, httptest.NewRequest("GET", "/stats", nil))

	var snap Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if snap.EventsPublished != 5 || snap.PacketsReceived != 2 || snap.SourceErrors != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Goroutines == 0 {
		t.Error("goroutines should be populated")
	}
}
