package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/fleetwatch/usage-mon/internal/config"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Client.ID = "test-client"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, nil, nil, logger)
}

func TestNewEngineStartsEmpty(t *testing.T) {
	e := testEngine(t)

	if peers := e.Peers(); len(peers) != 0 {
		t.Errorf("new engine has %d peers, want 0", len(peers))
	}
	if stats := e.Stats(); stats.TotalPeers != 0 {
		t.Errorf("new engine stats report %d peers, want 0", stats.TotalPeers)
	}
	if _, ok := e.PeerByClientID("anyone"); ok {
		t.Error("PeerByClientID found a peer in an empty engine")
	}
}

func TestAddManualPeerUnreachable(t *testing.T) {
	e := testEngine(t)

	// 127.0.0.1 on the peer port refuses the connection, so the manual
	// entry stays unverified but registered.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.AddManualPeer(ctx, "127.0.0.1", "manual-01", "Ops")

	peers := e.Peers()
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	p := peers[0]
	if !p.Manual {
		t.Error("manual peer not flagged Manual")
	}
	if p.Online {
		t.Error("unreachable manual peer reported online")
	}
}

func TestRemovePeer(t *testing.T) {
	e := testEngine(t)

	ctx := context.Background()
	e.AddManualPeer(ctx, "127.0.0.1", "manual-01", "")

	if !e.RemovePeer("127.0.0.1") {
		t.Error("RemovePeer returned false for known peer")
	}
	if e.RemovePeer("127.0.0.1") {
		t.Error("RemovePeer returned true for already-removed peer")
	}
	if len(e.Peers()) != 0 {
		t.Error("peer still present after removal")
	}
}
