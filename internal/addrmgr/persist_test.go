package addrmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/swiftnode/swiftnode/internal/p2p"
)

func TestSaveLoadPeersRoundTrip(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	a := New(btclog.Disabled, WithClock(clk))

	addr := publicAddr(v4(8, 8, 8, 8), 8333)
	addr.Services |= p2p.SFNodeUtreexo
	if n := a.PushAddresses([]*LocalAddress{addr}); n != 1 {
		t.Fatalf("PushAddresses inserted %d, want 1", n)
	}

	var id ID
	for _, snap := range a.Snapshot() {
		id = snap.ID
	}
	a.UpdateSetState(id, Connected())

	path := filepath.Join(t.TempDir(), "peers.json")
	if err := a.SavePeers(path); err != nil {
		t.Fatalf("SavePeers: %v", err)
	}

	b := New(btclog.Disabled, WithClock(clk))
	if err := b.LoadPeers(path); err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("reloaded table has %d entries, want 1", b.Len())
	}

	got := b.Get(id)
	if got == nil {
		t.Fatal("reloaded table lost the address id")
	}
	if got.Key() != addr.Key() {
		t.Fatal("reloaded address is a different endpoint")
	}
	if got.Services != addr.Services {
		t.Fatalf("services = %v, want %v", got.Services, addr.Services)
	}

	// A connection doesn't survive a restart: Connected comes back as
	// Tried stamped at save time.
	if got.State.Kind != StateTried {
		t.Fatalf("state = %v, want Tried", got.State.Kind)
	}
	if got.State.Timestamp != clk.now.Unix() {
		t.Fatalf("tried timestamp = %d, want %d", got.State.Timestamp, clk.now.Unix())
	}
}

func TestLoadPeersMissingFileIsNotAnError(t *testing.T) {
	a := New(btclog.Disabled)
	if err := a.LoadPeers(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("LoadPeers on a missing file: %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", a.Len())
	}
}

func TestSaveLoadAnchors(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	a := New(btclog.Disabled, WithClock(clk))

	utreexoPeer := publicAddr(v4(1, 2, 3, 4), 8333)
	utreexoPeer.Services |= p2p.SFNodeUtreexo
	plainPeer := publicAddr(v4(5, 6, 7, 8), 8333)
	a.PushAddresses([]*LocalAddress{utreexoPeer, plainPeer})

	var utreexoID ID
	for _, snap := range a.Snapshot() {
		if snap.Services.Has(p2p.SFNodeUtreexo) {
			utreexoID = snap.ID
		}
		a.UpdateSetState(snap.ID, Connected())
	}

	path := filepath.Join(t.TempDir(), "anchors.json")
	if err := a.SaveAnchors(path); err != nil {
		t.Fatalf("SaveAnchors: %v", err)
	}

	anchors, err := a.LoadAnchors(path)
	if err != nil {
		t.Fatalf("LoadAnchors: %v", err)
	}
	if len(anchors) != 1 {
		t.Fatalf("loaded %d anchors, want 1", len(anchors))
	}
	if anchors[0].ID != utreexoID {
		t.Fatalf("anchor id = %d, want the Utreexo peer %d", anchors[0].ID, utreexoID)
	}
}
