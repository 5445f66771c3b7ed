package puller

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/internal/registry"
)

func startPeer(t *testing.T, handler http.Handler) (string, int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

const latestPayload = `{
	"applications": {
		"photoshop": {"totalUsage": 120.5, "lastUsed": "2026-02-20T10:00:00Z", "sessions": 14, "monthlyCost": 60}
	},
	"plugins": {},
	"systemInfo": {"hostname": "ws-07", "memoryUsedPercent": 41.5},
	"timestamp": "2026-02-28T09:30:00Z"
}`

func TestRefresh_Success(t *testing.T) {
	ip, port := startPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(latestPayload))
	}))

	reg := registry.New(0, nil)
	reg.UpsertDiscovered(ip, "ws-07", "Design")

	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	p := New(Config{Port: port, Registry: reg, Bus: bus})
	p.Refresh(context.Background(), ip)

	peer, ok := reg.Get(ip)
	if !ok {
		t.Fatal("peer missing from registry")
	}
	if !peer.Online {
		t.Error("peer should be online after successful refresh")
	}
	if peer.LatestSnapshot == nil {
		t.Fatal("snapshot not stored")
	}
	app, ok := peer.LatestSnapshot.Applications["photoshop"]
	if !ok {
		t.Fatal("application missing from normalized snapshot")
	}
	if app.Sessions != 14 || app.MonthlyCost != 60 {
		t.Errorf("unexpected app usage: %+v", app)
	}
	if peer.LatestSnapshot.System.Hostname != "ws-07" {
		t.Errorf("system info not normalized: %+v", peer.LatestSnapshot.System)
	}

	select {
	case e := <-ch:
		up, ok := e.(events.PeerUpdated)
		if !ok || !up.Online {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no PeerUpdated event")
	}
}

func TestRefresh_TimeoutPreservesSnapshot(t *testing.T) {
	var slow atomic.Bool
	ip, port := startPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			time.Sleep(time.Second)
			return
		}
		w.Write([]byte(latestPayload))
	}))

	reg := registry.New(0, nil)
	reg.UpsertDiscovered(ip, "ws-07", "")

	p := New(Config{Port: port, Registry: reg, RequestTimeout: 200 * time.Millisecond})

	// First pull succeeds and stores a snapshot.
	p.Refresh(context.Background(), ip)
	before, _ := reg.Get(ip)
	if before.LatestSnapshot == nil {
		t.Fatal("first refresh did not store snapshot")
	}

	// Second pull times out; peer flips offline but keeps its data.
	slow.Store(true)
	p.Refresh(context.Background(), ip)

	after, _ := reg.Get(ip)
	if after.Online {
		t.Error("peer should be offline after timed-out refresh")
	}
	if after.LatestSnapshot != before.LatestSnapshot {
		t.Error("last known snapshot must be unchanged after a failed pull")
	}
}

func TestRefresh_BadBodyMarksOffline(t *testing.T) {
	ip, port := startPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))

	reg := registry.New(0, nil)
	reg.UpsertDiscovered(ip, "c1", "")

	p := New(Config{Port: port, Registry: reg})
	p.Refresh(context.Background(), ip)

	peer, _ := reg.Get(ip)
	if peer.Online {
		t.Error("peer with unparsable telemetry should be offline")
	}
}

func TestRefresh_UnknownPeerIsNoop(t *testing.T) {
	reg := registry.New(0, nil)
	p := New(Config{Port: 1, Registry: reg, RequestTimeout: 100 * time.Millisecond})

	// Must not panic or create entries.
	p.Refresh(context.Background(), "127.0.0.1")
	if reg.Len() != 0 {
		t.Errorf("registry gained %d entries from a refresh of an unknown peer", reg.Len())
	}
}
