package peerapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

type fakeSnapshots struct {
	snap *types.Snapshot
}

func (f *fakeSnapshots) Snapshot(context.Context) *types.Snapshot { return f.snap }

type fakeHistory struct {
	snaps    []types.HistoricalSnapshot
	err      error
	lastDays int
}

func (f *fakeHistory) ListHistoricalSnapshots(_ context.Context, _ string, days int) ([]types.HistoricalSnapshot, error) {
	f.lastDays = days
	return f.snaps, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, apiKey string, history HistorySource) *httptest.Server {
	t.Helper()
	identity := Identity{ClientID: "design-01", Department: "Design", Monitoring: true}
	snaps := &fakeSnapshots{snap: &types.Snapshot{
		Applications: map[string]types.AppUsage{
			"Photoshop": {MonthlyCost: 20.99},
		},
		System:    types.SystemInfo{Hostname: "studio-01"},
		Timestamp: time.Now(),
	}}
	srv := httptest.NewServer(NewServer(identity, apiKey, snaps, history, nil, testLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, "secret", nil)

	resp := get(t, srv.URL+"/status", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.ClientID != "design-01" {
		t.Errorf("ClientID = %q, want design-01", status.ClientID)
	}
	if status.Department != "Design" {
		t.Errorf("Department = %q, want Design", status.Department)
	}
	if !status.IsMonitoring {
		t.Error("IsMonitoring = false, want true")
	}
}

func TestStatusRejectsBadKey(t *testing.T) {
	srv := newTestServer(t, "secret", nil)

	if resp := get(t, srv.URL+"/status", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", resp.StatusCode)
	}
}

func TestNoKeyConfiguredAllowsAll(t *testing.T) {
	srv := newTestServer(t, "", nil)

	if resp := get(t, srv.URL+"/status", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with no key configured", resp.StatusCode)
	}
}

func TestLatest(t *testing.T) {
	srv := newTestServer(t, "secret", nil)

	resp := get(t, srv.URL+"/latest", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap types.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.System.Hostname != "studio-01" {
		t.Errorf("Hostname = %q, want studio-01", snap.System.Hostname)
	}
	if snap.Applications["Photoshop"].MonthlyCost != 20.99 {
		t.Errorf("Photoshop cost = %v", snap.Applications["Photoshop"].MonthlyCost)
	}
}

func TestUsage(t *testing.T) {
	history := &fakeHistory{snaps: []types.HistoricalSnapshot{
		{PeerID: "design-01", Department: "Design", CapturedAt: time.Now()},
	}}
	srv := newTestServer(t, "secret", history)

	resp := get(t, srv.URL+"/usage/7", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if history.lastDays != 7 {
		t.Errorf("queried %d days, want 7", history.lastDays)
	}

	var snaps []types.HistoricalSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
}

func TestUsageBadDays(t *testing.T) {
	srv := newTestServer(t, "secret", &fakeHistory{})

	for _, path := range []string{"/usage/0", "/usage/-3", "/usage/soon", "/usage/9000"} {
		if resp := get(t, srv.URL+path, "secret"); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestUsageWithoutHistory(t *testing.T) {
	srv := newTestServer(t, "secret", nil)

	resp := get(t, srv.URL+"/usage/7", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snaps []types.HistoricalSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Errorf("got %d snapshots, want empty list", len(snaps))
	}
}

func TestUsageHistoryError(t *testing.T) {
	srv := newTestServer(t, "secret", &fakeHistory{err: errors.New("db down")})

	if resp := get(t, srv.URL+"/usage/7", "secret"); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
