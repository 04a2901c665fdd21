package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdrop/discovery"
	"peerdrop/network"
	"peerdrop/storage"
)

const (
	EventPeerDiscovered  EventType = "peer_discovered"
	EventMessageReceived EventType = "message_received"
	EventFileReceived    EventType = "file_received"
	EventTransferFailed  EventType = "transfer_failed"
)

const (
	// DefaultFetchConcurrency bounds FetchAll when no limit is given.
	DefaultFetchConcurrency = 4
	// peerSaveInterval throttles unchanged sightings written to History.
	peerSaveInterval = 30 * time.Second
)

// EventType identifies session updates.
type EventType string

// Event is delivered to whatever owns the session.
type Event struct {
	Type        EventType
	Peer        discovery.Peer
	PeerAddress string
	Text        string
	FileName    string
	Path        string
	Bytes       uint64
	Err         error
	At          time.Time
}

// History persists conversations, transfers and known peers. *storage.Store satisfies it.
type History interface {
	AppendMessage(peerAddress string, direction storage.Direction, text string, timestamp time.Time) error
	RecordTransfer(record storage.TransferRecord) error
	SavePeer(peer storage.KnownPeer) error
}

// Config wires the channels of one device.
type Config struct {
	DisplayName    string
	Session        string
	DedupBySession bool

	// MessageAddr and FileAddr are local listen addresses.
	MessageAddr string
	FileAddr    string
	// MessagePort and FilePort are the ports advertised and dialed on peers.
	MessagePort int
	FilePort    int

	MulticastGroup string
	MulticastPort  int
	BeaconInterval time.Duration
	DisableBeacon  bool
	EnableMDNS     bool

	DownloadDir      string
	FetchIdleTimeout time.Duration

	History History
	Logger  logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	out := c
	if out.MessagePort == 0 {
		out.MessagePort = network.DefaultMessagePort
	}
	if out.FilePort == 0 {
		out.FilePort = network.DefaultFilePort
	}
	if out.MessageAddr == "" {
		out.MessageAddr = ":" + strconv.Itoa(out.MessagePort)
	}
	if out.FileAddr == "" {
		out.FileAddr = ":" + strconv.Itoa(out.FilePort)
	}
	if out.DownloadDir == "" {
		out.DownloadDir = "."
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Node owns the beacon, both listeners and the shared file registry.
type Node struct {
	cfg Config
	log logrus.FieldLogger

	registry *discovery.Registry
	shared   *network.SharedFiles

	beacon   *discovery.Beacon
	mdns     *discovery.MDNS
	messages *network.MessageServer
	files    *network.FileServer

	events   chan Event
	eventsMu sync.RWMutex
	stopped  bool

	savedMu sync.Mutex
	savedAt map[string]time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates config. Nothing is bound until Start.
func New(config Config) (*Node, error) {
	cfg := config.withDefaults()
	if cfg.DisplayName == "" {
		return nil, errors.New("display name is required")
	}
	if cfg.MessagePort <= 0 || cfg.MessagePort > 65535 {
		return nil, fmt.Errorf("message port %d out of range", cfg.MessagePort)
	}

	return &Node{
		cfg:      cfg,
		log:      cfg.Logger.WithField("device", cfg.DisplayName),
		registry: discovery.NewRegistry(),
		shared:   network.NewSharedFiles(),
		events:   make(chan Event, 256),
		savedAt:  make(map[string]time.Time),
	}, nil
}

// Start binds every channel. A channel that fails to start does not stop the
// others; the joined failures are returned and the node keeps serving what
// did start.
func (n *Node) Start(ctx context.Context) error {
	n.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		n.cancel = cancel
		n.startErr = n.start(runCtx)
	})
	return n.startErr
}

func (n *Node) start(ctx context.Context) error {
	var errs []error

	messages, err := network.ListenMessages(n.cfg.MessageAddr, n.onMessage, network.MessageServerOptions{
		Logger: n.log,
	})
	if err != nil {
		n.log.WithError(err).Error("message channel unavailable")
		errs = append(errs, err)
	} else {
		n.messages = messages
	}

	files, err := network.ListenFiles(n.cfg.FileAddr, n.shared, network.FileServerOptions{
		Logger:   n.log,
		OnServed: n.onServed,
	})
	if err != nil {
		n.log.WithError(err).Error("file channel unavailable")
		errs = append(errs, err)
	} else {
		n.files = files
		n.wg.Add(1)
		go n.drainFileErrors(files.Errors())
	}

	if !n.cfg.DisableBeacon {
		if err := n.startBeacon(ctx); err != nil {
			n.log.WithError(err).Error("presence beacon unavailable")
			errs = append(errs, err)
		}
	}

	if n.cfg.EnableMDNS {
		mdns, err := discovery.StartMDNS(ctx, discovery.MDNSConfig{
			DisplayName:    n.cfg.DisplayName,
			Session:        n.cfg.Session,
			DedupBySession: n.cfg.DedupBySession,
			MessagePort:    n.cfg.MessagePort,
			FilePort:       n.cfg.FilePort,
			Registry:       n.registry,
			Logger:         n.log,
		})
		if err != nil {
			n.log.WithError(err).Error("mDNS discovery unavailable")
			errs = append(errs, err)
		} else {
			n.mdns = mdns
			n.forwardDiscovery(mdns.Events())
		}
	}

	return errors.Join(errs...)
}

func (n *Node) startBeacon(ctx context.Context) error {
	beacon, err := discovery.NewBeacon(discovery.BeaconConfig{
		DisplayName:    n.cfg.DisplayName,
		Port:           uint16(n.cfg.MessagePort),
		Session:        n.cfg.Session,
		DedupBySession: n.cfg.DedupBySession,
		Group:          n.cfg.MulticastGroup,
		GroupPort:      n.cfg.MulticastPort,
		Interval:       n.cfg.BeaconInterval,
		Registry:       n.registry,
		Logger:         n.log,
	})
	if err != nil {
		return err
	}
	if err := beacon.Start(ctx); err != nil {
		beacon.Stop()
		return err
	}
	n.beacon = beacon
	n.forwardDiscovery(beacon.Events())
	return nil
}

// Stop shuts every channel down and closes Events. It is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.beacon != nil {
			n.beacon.Stop()
		}
		if n.mdns != nil {
			n.mdns.Stop()
		}
		if n.messages != nil {
			_ = n.messages.Close()
		}
		if n.files != nil {
			_ = n.files.Close()
		}
		n.wg.Wait()

		n.eventsMu.Lock()
		n.stopped = true
		close(n.events)
		n.eventsMu.Unlock()
	})
}

// Events provides session updates. It is closed by Stop.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Peers returns a snapshot of discovered peers.
func (n *Node) Peers() []discovery.Peer {
	return n.registry.List()
}

// Registry exposes the peer directory.
func (n *Node) Registry() *discovery.Registry {
	return n.registry
}

// SharedFiles exposes the registry of files this node serves.
func (n *Node) SharedFiles() *network.SharedFiles {
	return n.shared
}

// MessageAddr returns the bound message listener address, or nil.
func (n *Node) MessageAddr() net.Addr {
	if n.messages == nil {
		return nil
	}
	return n.messages.Addr()
}

// FileAddr returns the bound file listener address, or nil.
func (n *Node) FileAddr() net.Addr {
	if n.files == nil {
		return nil
	}
	return n.files.Addr()
}

// Offer makes localPath available under its base name. The path is checked
// when a peer asks for it, not here.
func (n *Node) Offer(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", localPath, err)
	}
	name, err := n.shared.Add(abs)
	if err != nil {
		return "", err
	}
	n.log.WithFields(logrus.Fields{"file": name, "path": abs}).Info("file offered")
	return name, nil
}

// Withdraw stops serving name.
func (n *Node) Withdraw(name string) bool {
	return n.shared.Remove(name)
}

// SendMessage delivers text to peer, given as an IP, host:port or display name.
func (n *Node) SendMessage(ctx context.Context, peer, text string) error {
	host, port := n.resolve(peer, n.cfg.MessagePort, true)
	address := net.JoinHostPort(host, strconv.Itoa(port))

	if err := network.SendMessage(ctx, address, text); err != nil {
		n.log.WithError(err).WithField("peer", address).Warn("message send failed")
		return err
	}

	n.appendHistory(host, storage.DirectionSent, text)
	return nil
}

// Fetch pulls name from peer into dest, or into DownloadDir when dest is empty.
func (n *Node) Fetch(ctx context.Context, peer, name, dest string) (*network.Transfer, error) {
	return n.fetch(ctx, peer, name, dest, nil)
}

// FetchWithProgress is Fetch with a progress callback.
func (n *Node) FetchWithProgress(ctx context.Context, peer, name, dest string, progress func(network.FileOffer, uint64)) (*network.Transfer, error) {
	return n.fetch(ctx, peer, name, dest, progress)
}

func (n *Node) fetch(ctx context.Context, peer, name, dest string, progress func(network.FileOffer, uint64)) (*network.Transfer, error) {
	if dest == "" {
		if err := os.MkdirAll(n.cfg.DownloadDir, 0o700); err != nil {
			return nil, fmt.Errorf("create download directory: %w", err)
		}
		dest = n.cfg.DownloadDir
	}

	host, port := n.resolve(peer, n.cfg.FilePort, false)
	address := net.JoinHostPort(host, strconv.Itoa(port))

	transfer, err := network.RequestFile(ctx, address, name, dest, network.ClientOptions{
		IdleTimeout: n.cfg.FetchIdleTimeout,
		OnProgress:  progress,
		Logger:      n.log,
	})

	record := storage.TransferRecord{
		PeerAddress: host,
		Direction:   storage.DirectionReceived,
		FileName:    name,
		SizeBytes:   transfer.BytesTransferred(),
		Status:      storage.TransferStatusComplete,
	}
	event := Event{
		Type:        EventFileReceived,
		PeerAddress: host,
		FileName:    name,
		Path:        destinationFor(dest, name),
		Bytes:       transfer.BytesTransferred(),
		At:          time.Now(),
	}
	if err != nil {
		record.Status = storage.TransferStatusFailed
		record.Detail = err.Error()
		event.Type = EventTransferFailed
		event.Path = ""
		event.Err = err
	}
	n.recordTransfer(record)
	n.emit(event)

	return transfer, err
}

// FetchAll pulls several names from one peer concurrently, at most limit at
// a time. Every fetch runs to its own end; the returned error joins all failures.
func (n *Node) FetchAll(ctx context.Context, peer string, names []string, destDir string, limit int) ([]*network.Transfer, error) {
	if limit <= 0 {
		limit = DefaultFetchConcurrency
	}

	transfers := make([]*network.Transfer, len(names))
	errs := make([]error, len(names))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			transfers[i], errs[i] = n.Fetch(ctx, peer, name, destDir)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("fetch %q: %w", name, errs[i])
			}
			return errs[i]
		})
	}
	_ = g.Wait()

	return transfers, errors.Join(errs...)
}

// resolve maps a peer reference to host and port. Display names and bare IPs
// are looked up in the registry; the advertised port only applies to the
// message channel.
func (n *Node) resolve(peer string, defaultPort int, useAdvertised bool) (string, int) {
	if host, portText, err := net.SplitHostPort(peer); err == nil {
		if port, err := strconv.Atoi(portText); err == nil {
			return host, port
		}
	}

	known, ok := n.registry.Get(peer)
	if !ok {
		known, ok = n.registry.FindByName(peer)
	}
	if !ok {
		return peer, defaultPort
	}
	if useAdvertised && known.Port != 0 {
		return known.Key(), int(known.Port)
	}
	return known.Key(), defaultPort
}

func (n *Node) onMessage(sourceIP, text string) {
	n.appendHistory(sourceIP, storage.DirectionReceived, text)
	peer, _ := n.registry.Get(sourceIP)
	n.emit(Event{
		Type:        EventMessageReceived,
		Peer:        peer,
		PeerAddress: sourceIP,
		Text:        text,
		At:          time.Now(),
	})
}

func (n *Node) onServed(peer, fileName string, sent uint64, err error) {
	record := storage.TransferRecord{
		PeerAddress: peer,
		Direction:   storage.DirectionSent,
		FileName:    fileName,
		SizeBytes:   sent,
		Status:      storage.TransferStatusComplete,
	}
	if err != nil {
		record.Status = storage.TransferStatusFailed
		record.Detail = err.Error()
	}
	n.recordTransfer(record)
}

func (n *Node) forwardDiscovery(events <-chan discovery.Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for event := range events {
			n.rememberPeer(event)
			if !event.Changed {
				continue
			}
			n.emit(Event{
				Type:        EventPeerDiscovered,
				Peer:        event.Peer,
				PeerAddress: event.Peer.Key(),
				At:          event.Peer.LastSeenAt,
			})
		}
	}()
}

// rememberPeer writes changed sightings at once and refreshes unchanged
// ones at most every peerSaveInterval.
func (n *Node) rememberPeer(event discovery.Event) {
	if n.cfg.History == nil {
		return
	}
	key := event.Peer.Key()

	n.savedMu.Lock()
	last, seen := n.savedAt[key]
	due := event.Changed || !seen || event.Peer.LastSeenAt.Sub(last) >= peerSaveInterval
	if due {
		n.savedAt[key] = event.Peer.LastSeenAt
	}
	n.savedMu.Unlock()
	if !due {
		return
	}

	err := n.cfg.History.SavePeer(storage.KnownPeer{
		PeerAddress: key,
		DisplayName: event.Peer.DisplayName,
		Port:        int(event.Peer.Port),
		Platform:    event.Peer.Platform,
		Session:     event.Peer.Session,
		Source:      event.Peer.Source,
		LastSeen:    event.Peer.LastSeenAt,
	})
	if err != nil {
		n.log.WithError(err).WithField("peer", key).Warn("peer record failed")
	}
}

func (n *Node) drainFileErrors(errs <-chan error) {
	defer n.wg.Done()
	for err := range errs {
		n.log.WithError(err).Debug("file channel error")
	}
}

func (n *Node) appendHistory(peer string, direction storage.Direction, text string) {
	if n.cfg.History == nil {
		return
	}
	if err := n.cfg.History.AppendMessage(peer, direction, text, time.Now()); err != nil {
		n.log.WithError(err).WithField("peer", peer).Warn("history append failed")
	}
}

func (n *Node) recordTransfer(record storage.TransferRecord) {
	if n.cfg.History == nil {
		return
	}
	if err := n.cfg.History.RecordTransfer(record); err != nil {
		n.log.WithError(err).WithField("peer", record.PeerAddress).Warn("transfer record failed")
	}
}

// emit never blocks; a full channel drops the event.
func (n *Node) emit(event Event) {
	n.eventsMu.RLock()
	defer n.eventsMu.RUnlock()
	if n.stopped {
		return
	}
	select {
	case n.events <- event:
	default:
		n.log.WithField("event", event.Type).Debug("event dropped, channel full")
	}
}

func destinationFor(dest, name string) string {
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return filepath.Join(dest, filepath.Base(filepath.Clean(string(filepath.Separator)+name)))
	}
	return dest
}
