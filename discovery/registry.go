package discovery

import (
	"net"
	"sort"
	"sync"
	"time"

	"peerdrop/network"
)

const (
	// EventPeerDiscovered is emitted for every accepted presence sighting.
	EventPeerDiscovered EventType = "peer_discovered"
)

const (
	SourceMulticast = "multicast"
	SourceMDNS      = "mdns"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one sighting. Changed is set when the sighting created the
// peer or altered its advertised metadata.
type Event struct {
	Type    EventType
	Peer    Peer
	Changed bool
}

// Peer is a remote device known by its IP address.
type Peer struct {
	DisplayName string
	Address     net.IP
	Port        uint16
	Platform    string
	Session     string
	Source      string
	LastSeenAt  time.Time
}

// Key returns the registry key of the peer.
func (p Peer) Key() string {
	return p.Address.String()
}

// Registry is the in-memory peer directory. Entries are never expired.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Upsert records a sighting of packet from ip. The address of an existing
// entry is never replaced; only advertised fields and LastSeenAt change.
func (r *Registry) Upsert(ip net.IP, packet network.PresencePacket, source string, seenAt time.Time) (Peer, bool) {
	key := ip.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[key]
	if !ok {
		peer := Peer{
			DisplayName: packet.Name,
			Address:     append(net.IP(nil), ip...),
			Port:        packet.Port,
			Platform:    packet.Platform,
			Session:     packet.Session,
			Source:      source,
			LastSeenAt:  seenAt,
		}
		r.peers[key] = peer
		return clonePeer(peer), true
	}

	changed := existing.DisplayName != packet.Name ||
		existing.Port != packet.Port ||
		existing.Platform != packet.Platform ||
		existing.Session != packet.Session

	existing.DisplayName = packet.Name
	existing.Port = packet.Port
	existing.Platform = packet.Platform
	existing.Session = packet.Session
	existing.Source = source
	if seenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = seenAt
	}
	r.peers[key] = existing
	return clonePeer(existing), changed
}

// Get returns the peer registered under address.
func (r *Registry) Get(address string) (Peer, bool) {
	if ip := net.ParseIP(address); ip != nil {
		address = ip.String()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[address]
	if !ok {
		return Peer{}, false
	}
	return clonePeer(peer), true
}

// FindByName returns the first peer advertising name, ordered by address.
func (r *Registry) FindByName(name string) (Peer, bool) {
	for _, peer := range r.List() {
		if peer.DisplayName == name {
			return peer, true
		}
	}
	return Peer{}, false
}

// List returns a snapshot ordered by display name, then address.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, clonePeer(peer))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].Key() < out[j].Key()
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func clonePeer(p Peer) Peer {
	p.Address = append(net.IP(nil), p.Address...)
	return p
}

// selfFilter decides whether a sighting is this device's own echo.
type selfFilter struct {
	name           string
	session        string
	dedupBySession bool
}

func (f selfFilter) isSelf(packet network.PresencePacket) bool {
	if f.dedupBySession && f.session != "" && packet.Session != "" {
		return packet.Session == f.session
	}
	return packet.Name == f.name
}
