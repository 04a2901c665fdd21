package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"peerdrop/network"
)

func TestRegistryUpsertKeepsAddressAndUpdatesMetadata(t *testing.T) {
	registry := NewRegistry()
	ip := net.ParseIP("192.168.1.20").To4()
	first := time.Unix(1_706_000_000, 0)

	peer, changed := registry.Upsert(ip, network.PresencePacket{Name: "Bob", Port: 6000, Platform: "linux"}, SourceMulticast, first)
	if !changed || peer.Key() != "192.168.1.20" {
		t.Fatalf("expected new peer, got %+v changed=%v", peer, changed)
	}

	// The caller's slice must not alias registry state.
	ip[3] = 99
	if _, ok := registry.Get("192.168.1.20"); !ok {
		t.Fatalf("registry entry changed when the caller mutated its IP")
	}

	second := first.Add(2 * time.Second)
	peer, changed = registry.Upsert(net.ParseIP("192.168.1.20"), network.PresencePacket{Name: "Bobby", Port: 6002, Platform: "linux"}, SourceMulticast, second)
	if !changed {
		t.Fatalf("rename must be reported as a change")
	}
	if peer.DisplayName != "Bobby" || peer.Port != 6002 || !peer.LastSeenAt.Equal(second) {
		t.Fatalf("unexpected updated peer %+v", peer)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected one entry, got %d", registry.Len())
	}

	_, changed = registry.Upsert(net.ParseIP("192.168.1.20"), network.PresencePacket{Name: "Bobby", Port: 6002, Platform: "linux"}, SourceMulticast, first)
	if changed {
		t.Fatalf("identical announcement must not be a change")
	}
	got, _ := registry.Get("192.168.1.20")
	if !got.LastSeenAt.Equal(second) {
		t.Fatalf("LastSeenAt went backwards to %v", got.LastSeenAt)
	}
}

func TestRegistryGetNormalizesAddress(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(net.ParseIP("10.0.0.4").To4(), network.PresencePacket{Name: "Eve", Port: 6000}, SourceMDNS, time.Now())

	if _, ok := registry.Get("::ffff:10.0.0.4"); !ok {
		t.Fatalf("expected IPv4-mapped lookup to find the peer")
	}
	if _, ok := registry.Get("10.0.0.5"); ok {
		t.Fatalf("unexpected peer for unknown address")
	}
}

func TestRegistryListAndFindByName(t *testing.T) {
	registry := NewRegistry()
	now := time.Now()
	registry.Upsert(net.ParseIP("10.0.0.3"), network.PresencePacket{Name: "Zed", Port: 6000}, SourceMulticast, now)
	registry.Upsert(net.ParseIP("10.0.0.2"), network.PresencePacket{Name: "Amy", Port: 6000}, SourceMulticast, now)
	registry.Upsert(net.ParseIP("10.0.0.1"), network.PresencePacket{Name: "Amy", Port: 6000}, SourceMulticast, now)

	peers := registry.List()
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	if peers[0].Key() != "10.0.0.1" || peers[1].Key() != "10.0.0.2" || peers[2].DisplayName != "Zed" {
		t.Fatalf("unexpected ordering %+v", peers)
	}

	peer, ok := registry.FindByName("Amy")
	if !ok || peer.Key() != "10.0.0.1" {
		t.Fatalf("expected first Amy by address, got %+v ok=%v", peer, ok)
	}
	if _, ok := registry.FindByName("Nobody"); ok {
		t.Fatalf("unexpected match for unknown name")
	}
}

func TestRegistryConcurrentUpserts(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ip := net.IPv4(10, 1, byte(worker), byte(j%16))
				registry.Upsert(ip, network.PresencePacket{Name: "peer", Port: 6000}, SourceMulticast, time.Now())
				_ = registry.List()
			}
		}(i)
	}
	wg.Wait()

	if registry.Len() != 8*16 {
		t.Fatalf("expected %d peers, got %d", 8*16, registry.Len())
	}
}

func TestSelfFilter(t *testing.T) {
	byName := selfFilter{name: "Alice", session: "s1"}
	if !byName.isSelf(network.PresencePacket{Name: "Alice", Session: "s2"}) {
		t.Fatalf("name dedup must match on name alone")
	}
	if byName.isSelf(network.PresencePacket{Name: "Bob", Session: "s1"}) {
		t.Fatalf("name dedup must ignore session")
	}

	bySession := selfFilter{name: "Alice", session: "s1", dedupBySession: true}
	if bySession.isSelf(network.PresencePacket{Name: "Alice", Session: "s2"}) {
		t.Fatalf("session dedup must accept same-named devices")
	}
	if !bySession.isSelf(network.PresencePacket{Name: "Renamed", Session: "s1"}) {
		t.Fatalf("session dedup must match own session")
	}
	if !bySession.isSelf(network.PresencePacket{Name: "Alice"}) {
		t.Fatalf("session dedup falls back to name when the packet has no session")
	}
}
