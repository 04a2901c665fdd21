package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"peerdrop/network"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_peerdrop._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSScanInterval is the background browse interval.
	DefaultMDNSScanInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each browse.
	DefaultMDNSScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the optional mDNS advertiser and scanner. It feeds
// the same Registry as the multicast beacon.
type MDNSConfig struct {
	DisplayName    string
	Platform       string
	Session        string
	DedupBySession bool
	MessagePort    int
	FilePort       int

	Service      string
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration

	Registry *Registry
	Logger   logrus.FieldLogger
	Now      func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Platform == "" {
		out.Platform = runtime.GOOS
	}
	if out.MessagePort == 0 {
		out.MessagePort = network.DefaultMessagePort
	}
	if out.FilePort == 0 {
		out.FilePort = network.DefaultFilePort
	}
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultMDNSScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
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
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNS advertises this device as a DNS-SD service and periodically browses
// for others.
type MDNS struct {
	cfg    MDNSConfig
	filter selfFilter
	log    logrus.FieldLogger

	server *zeroconf.Server
	browse browseFunc
	events chan Event

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// StartMDNS registers the service and starts the browse loop.
func StartMDNS(ctx context.Context, config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DisplayName) == "" {
		return nil, errors.New("display name is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: mDNS resolver: %w", network.ErrListenerError, err)
		}
		browse = resolver.Browse
	}

	txt := []string{
		"name=" + cfg.DisplayName,
		"platform=" + cfg.Platform,
		"session=" + cfg.Session,
		"file_port=" + strconv.Itoa(cfg.FilePort),
	}
	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.MessagePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: register mDNS service: %w", network.ErrListenerError, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m := &MDNS{
		cfg: cfg,
		filter: selfFilter{
			name:           cfg.DisplayName,
			session:        cfg.Session,
			dedupBySession: cfg.DedupBySession,
		},
		log:    cfg.Logger.WithField("component", "mdns"),
		server: server,
		browse: browse,
		events: make(chan Event, 128),
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.loop(loopCtx)
	return m, nil
}

// Events provides peer sightings from DNS-SD.
func (m *MDNS) Events() <-chan Event {
	return m.events
}

// Stop stops browsing and withdraws the advertisement.
func (m *MDNS) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		if m.server != nil {
			m.server.Shutdown()
		}
		close(m.events)
	})
}

func (m *MDNS) loop(ctx context.Context) {
	defer m.wg.Done()

	// Prime the registry immediately.
	m.scan(ctx)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *MDNS) scan(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry != nil {
					m.handleEntry(entry)
				}
			}
		}
	}()

	err := m.browse(scanCtx, m.cfg.Service, m.cfg.Domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		m.log.WithError(err).Warn("mDNS browse failed")
		cancel()
	}

	<-scanCtx.Done()
	<-collectorDone
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	packet, ip, ok := parseEntry(entry)
	if !ok || m.filter.isSelf(packet) {
		return
	}

	peer, changed := m.cfg.Registry.Upsert(ip, packet, SourceMDNS, m.cfg.Now())
	if changed {
		m.log.WithFields(logrus.Fields{
			"peer": peer.Key(),
			"name": peer.DisplayName,
		}).Info("peer discovered")
	}
	emitEvent(m.events, Event{Type: EventPeerDiscovered, Peer: peer, Changed: changed})
}

func parseEntry(entry *zeroconf.ServiceEntry) (network.PresencePacket, net.IP, bool) {
	var ip net.IP
	for _, candidate := range entry.AddrIPv4 {
		if candidate != nil {
			ip = candidate.To4()
			break
		}
	}
	if ip == nil || entry.Port <= 0 || entry.Port > 65535 {
		return network.PresencePacket{}, nil, false
	}

	txt := txtToMap(entry.Text)
	name := txt["name"]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		return network.PresencePacket{}, nil, false
	}

	return network.PresencePacket{
		Name:     name,
		Port:     uint16(entry.Port),
		Platform: txt["platform"],
		Session:  txt["session"],
	}, ip, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
