package storage

import (
	"errors"
	"testing"
	"time"
)

func TestHistoryIsPerPeerInInsertionOrder(t *testing.T) {
	store := newTestStore(t)

	base := time.UnixMilli(1_706_000_000_000)
	entries := []struct {
		peer      string
		direction Direction
		text      string
		at        time.Time
	}{
		{"10.0.0.2", DirectionSent, "hello", base.Add(2 * time.Second)},
		{"10.0.0.3", DirectionReceived, "other peer", base},
		{"10.0.0.2", DirectionReceived, "hi back", base.Add(time.Second)},
		{"10.0.0.2", DirectionSent, "sharing report.pdf", base},
	}
	for _, entry := range entries {
		if err := store.AppendMessage(entry.peer, entry.direction, entry.text, entry.at); err != nil {
			t.Fatalf("AppendMessage %q failed: %v", entry.text, err)
		}
	}

	history, err := store.History("10.0.0.2", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}

	// Insertion order wins over timestamps.
	wantTexts := []string{"hello", "hi back", "sharing report.pdf"}
	for i, want := range wantTexts {
		if history[i].Text != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, history[i].Text)
		}
	}
	if history[1].Direction != DirectionReceived {
		t.Fatalf("expected received direction, got %q", history[1].Direction)
	}
	if !history[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp not preserved: %v", history[0].Timestamp)
	}

	limited, err := store.History("10.0.0.2", 2)
	if err != nil {
		t.Fatalf("History with limit failed: %v", err)
	}
	// The newest two, still oldest first.
	if len(limited) != 2 || limited[0].Text != "hi back" || limited[1].Text != "sharing report.pdf" {
		t.Fatalf("unexpected limited history: %+v", limited)
	}

	peers, err := store.Peers()
	if err != nil {
		t.Fatalf("Peers failed: %v", err)
	}
	if len(peers) != 2 || peers[0] != "10.0.0.2" || peers[1] != "10.0.0.3" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}

func TestAppendMessageValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.AppendMessage("", DirectionSent, "x", time.Time{}); err == nil {
		t.Fatalf("expected error for empty peer address")
	}
	if err := store.AppendMessage("10.0.0.2", Direction("sideways"), "x", time.Time{}); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}

	if err := store.AppendMessage("10.0.0.2", DirectionSent, "stamped", time.Time{}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	history, err := store.History("10.0.0.2", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Timestamp.IsZero() {
		t.Fatalf("expected zero timestamp to be replaced, got %+v", history)
	}
}
