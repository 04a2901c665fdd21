package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSavePeerUpsertsSightings(t *testing.T) {
	store := newTestStore(t)

	first := time.UnixMilli(1_706_000_000_000)
	if err := store.SavePeer(KnownPeer{
		PeerAddress: "192.168.1.10",
		DisplayName: "Bob",
		Port:        6000,
		Platform:    "linux",
		Source:      "multicast",
		LastSeen:    first,
	}); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	later := first.Add(5 * time.Second)
	if err := store.SavePeer(KnownPeer{
		PeerAddress: "192.168.1.10",
		DisplayName: "Bobby",
		Port:        6002,
		Platform:    "linux",
		Source:      "mdns",
		LastSeen:    later,
	}); err != nil {
		t.Fatalf("SavePeer (update) failed: %v", err)
	}

	got, err := store.GetPeer("192.168.1.10")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DisplayName != "Bobby" || got.Port != 6002 || got.Source != "mdns" {
		t.Fatalf("unexpected peer after update: %+v", got)
	}
	if !got.FirstSeen.Equal(first) || !got.LastSeen.Equal(later) {
		t.Fatalf("unexpected timestamps first=%v last=%v", got.FirstSeen, got.LastSeen)
	}

	// An out-of-order sighting must not move LastSeen back.
	if err := store.SavePeer(KnownPeer{PeerAddress: "192.168.1.10", DisplayName: "Bobby", Port: 6002, LastSeen: first}); err != nil {
		t.Fatalf("SavePeer (stale) failed: %v", err)
	}
	got, err = store.GetPeer("192.168.1.10")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if !got.LastSeen.Equal(later) {
		t.Fatalf("LastSeen moved backwards to %v", got.LastSeen)
	}
}

func TestListPeersOrdersByName(t *testing.T) {
	store := newTestStore(t)

	for _, peer := range []KnownPeer{
		{PeerAddress: "10.0.0.3", DisplayName: "Zed", Port: 6000},
		{PeerAddress: "10.0.0.2", DisplayName: "Amy", Port: 6000},
	} {
		if err := store.SavePeer(peer); err != nil {
			t.Fatalf("SavePeer failed: %v", err)
		}
	}

	peers, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 2 || peers[0].DisplayName != "Amy" || peers[1].DisplayName != "Zed" {
		t.Fatalf("unexpected peers %+v", peers)
	}
}

func TestGetPeerNotFoundAndValidation(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetPeer("10.9.9.9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SavePeer(KnownPeer{DisplayName: "x"}); err == nil {
		t.Fatalf("expected error for missing address")
	}
	if err := store.SavePeer(KnownPeer{PeerAddress: "10.0.0.1"}); err == nil {
		t.Fatalf("expected error for missing display name")
	}
}
