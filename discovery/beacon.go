package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"peerdrop/network"
)

const (
	// DefaultMulticastGroup is the presence group address.
	DefaultMulticastGroup = "224.1.1.1"
	// DefaultMulticastPort is the presence UDP port.
	DefaultMulticastPort = 50000
	// DefaultInterval is the advertise period.
	DefaultInterval = 2 * time.Second
	// DefaultReceiveWindow bounds listening per iteration.
	DefaultReceiveWindow = time.Second
	// DefaultMulticastTTL limits presence datagrams to two hops.
	DefaultMulticastTTL = 2
	maxDatagramSize     = 2048
)

// beaconSocket is the datagram transport under a Beacon.
type beaconSocket interface {
	Send(payload []byte) error
	// Receive blocks until a datagram arrives or deadline passes, in which
	// case the error matches os.ErrDeadlineExceeded.
	Receive(buf []byte, deadline time.Time) (int, net.IP, error)
	Close() error
}

type socketFunc func(group *net.UDPAddr, ttl int) (beaconSocket, error)

// BeaconConfig controls the presence beacon.
type BeaconConfig struct {
	DisplayName string
	// Port is the advertised message port.
	Port     uint16
	Platform string
	Session  string
	// DedupBySession filters self-echoes by session id instead of by name
	// when both sides advertise one.
	DedupBySession bool

	Group         string
	GroupPort     int
	Interval      time.Duration
	ReceiveWindow time.Duration
	TTL           int

	Registry *Registry
	Logger   logrus.FieldLogger
	Now      func() time.Time

	socketFn socketFunc
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.Port == 0 {
		out.Port = network.DefaultMessagePort
	}
	if out.Platform == "" {
		out.Platform = runtime.GOOS
	}
	if out.Group == "" {
		out.Group = DefaultMulticastGroup
	}
	if out.GroupPort == 0 {
		out.GroupPort = DefaultMulticastPort
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.ReceiveWindow <= 0 {
		out.ReceiveWindow = DefaultReceiveWindow
	}
	if out.TTL <= 0 {
		out.TTL = DefaultMulticastTTL
	}
	if out.Registry == nil {
		out.Registry = NewRegistry()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.socketFn == nil {
		out.socketFn = listenMulticast
	}
	return out
}

// ErrBeaconStopped is returned by Start after Stop.
var ErrBeaconStopped = errors.New("discovery: beacon stopped")

// Beacon advertises this device on the multicast group and records others.
type Beacon struct {
	cfg     BeaconConfig
	group   *net.UDPAddr
	payload []byte
	filter  selfFilter
	log     logrus.FieldLogger

	socket beaconSocket
	events chan Event

	mu        sync.Mutex
	stopped   bool
	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBeacon validates config and prepares the advertised datagram.
func NewBeacon(config BeaconConfig) (*Beacon, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DisplayName) == "" {
		return nil, errors.New("display name is required")
	}

	ip := net.ParseIP(cfg.Group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	payload, err := network.EncodePresence(network.PresencePacket{
		Name:     cfg.DisplayName,
		Port:     cfg.Port,
		Platform: cfg.Platform,
		Session:  cfg.Session,
	})
	if err != nil {
		return nil, err
	}

	return &Beacon{
		cfg:     cfg,
		group:   &net.UDPAddr{IP: ip, Port: cfg.GroupPort},
		payload: payload,
		filter: selfFilter{
			name:           cfg.DisplayName,
			session:        cfg.Session,
			dedupBySession: cfg.DedupBySession,
		},
		log:    cfg.Logger.WithField("component", "beacon"),
		events: make(chan Event, 128),
	}, nil
}

// Start opens the multicast sockets and runs the advertise/listen loop until
// ctx is done or Stop is called. A stopped beacon cannot be restarted.
func (b *Beacon) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBeaconStopped
	}

	b.startOnce.Do(func() {
		socket, err := b.cfg.socketFn(b.group, b.cfg.TTL)
		if err != nil {
			b.startErr = fmt.Errorf("%w: presence socket %s: %w", network.ErrListenerError, b.group, err)
			return
		}
		b.socket = socket

		loopCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		b.wg.Add(1)
		go b.loop(loopCtx)
	})
	return b.startErr
}

// Stop ends the loop and closes the event channel. It is safe to call more than once.
func (b *Beacon) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.socket != nil {
			_ = b.socket.Close()
		}
		b.wg.Wait()
		close(b.events)
	})
}

// Events provides peer sightings.
func (b *Beacon) Events() <-chan Event {
	return b.events
}

// Registry returns the registry the beacon writes to.
func (b *Beacon) Registry() *Registry {
	return b.cfg.Registry
}

func (b *Beacon) loop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	buf := make([]byte, maxDatagramSize)
	for ctx.Err() == nil {
		b.advertise()
		b.listen(ctx, buf)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Beacon) advertise() {
	if err := b.socket.Send(b.payload); err != nil {
		b.log.WithError(err).Warn("presence send failed")
	}
}

// listen drains datagrams until the receive window closes.
func (b *Beacon) listen(ctx context.Context, buf []byte) {
	deadline := time.Now().Add(b.cfg.ReceiveWindow)
	for ctx.Err() == nil {
		n, ip, err := b.socket.Receive(buf, deadline)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				b.log.WithError(err).Warn("presence receive failed")
			}
			return
		}
		b.handleDatagram(buf[:n], ip)
	}
}

func (b *Beacon) handleDatagram(payload []byte, ip net.IP) {
	packet, err := network.DecodePresence(payload)
	if err != nil {
		b.log.WithError(err).WithField("peer", ip.String()).Debug("ignoring presence datagram")
		return
	}
	if b.filter.isSelf(packet) {
		return
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	peer, changed := b.cfg.Registry.Upsert(ip, packet, SourceMulticast, b.cfg.Now())
	if changed {
		b.log.WithFields(logrus.Fields{
			"peer": peer.Key(),
			"name": peer.DisplayName,
		}).Info("peer discovered")
	}
	emitEvent(b.events, Event{Type: EventPeerDiscovered, Peer: peer, Changed: changed})
}

func emitEvent(events chan<- Event, event Event) {
	select {
	case events <- event:
	default:
	}
}

type udpSocket struct {
	recv  *net.UDPConn
	send  *net.UDPConn
	group *net.UDPAddr
}

func listenMulticast(group *net.UDPAddr, ttl int) (beaconSocket, error) {
	recv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}
	recvPC := ipv4.NewPacketConn(recv)
	for _, iface := range multicastInterfaces() {
		// The default interface is already joined; duplicate joins fail harmlessly.
		_ = recvPC.JoinGroup(&iface, group)
	}

	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		_ = recv.Close()
		return nil, fmt.Errorf("open multicast sender: %w", err)
	}
	sendPC := ipv4.NewPacketConn(send)
	if err := sendPC.SetMulticastTTL(ttl); err != nil {
		_ = recv.Close()
		_ = send.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	_ = sendPC.SetMulticastLoopback(true)

	return &udpSocket{recv: recv, send: send, group: group}, nil
}

func (s *udpSocket) Send(payload []byte) error {
	_, err := s.send.WriteToUDP(payload, s.group)
	return err
}

func (s *udpSocket) Receive(buf []byte, deadline time.Time) (int, net.IP, error) {
	if err := s.recv.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.recv.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	return n, addr.IP, nil
}

func (s *udpSocket) Close() error {
	return errors.Join(s.recv.Close(), s.send.Close())
}

func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}
