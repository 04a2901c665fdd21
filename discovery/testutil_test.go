package discovery

import (
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type datagram struct {
	payload []byte
	from    net.IP
}

// fakeHub is an in-memory multicast group. Every Send reaches every joined
// socket, the sender included, like a looped-back multicast send.
type fakeHub struct {
	mu      sync.Mutex
	sockets []*fakeSocket
}

func (h *fakeHub) socketFor(ip string) socketFunc {
	return func(group *net.UDPAddr, ttl int) (beaconSocket, error) {
		socket := &fakeSocket{
			hub:    h,
			ip:     net.ParseIP(ip),
			inbox:  make(chan datagram, 64),
			closed: make(chan struct{}),
		}
		h.mu.Lock()
		h.sockets = append(h.sockets, socket)
		h.mu.Unlock()
		return socket, nil
	}
}

func (h *fakeHub) inject(payload []byte, from string) {
	h.broadcast(datagram{payload: payload, from: net.ParseIP(from)})
}

func (h *fakeHub) broadcast(d datagram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, socket := range h.sockets {
		select {
		case socket.inbox <- d:
		default:
		}
	}
}

type fakeSocket struct {
	hub   *fakeHub
	ip    net.IP
	inbox chan datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSocket) Send(payload []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	s.hub.broadcast(datagram{payload: append([]byte(nil), payload...), from: s.ip})
	return nil
}

func (s *fakeSocket) Receive(buf []byte, deadline time.Time) (int, net.IP, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case d := <-s.inbox:
		return copy(buf, d.payload), d.from, nil
	case <-timer.C:
		return 0, nil, os.ErrDeadlineExceeded
	case <-s.closed:
		return 0, nil, net.ErrClosed
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForPeerEvent(events <-chan Event, name string, timeout time.Duration) (Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return Event{}, false
			}
			if event.Type == EventPeerDiscovered && event.Peer.DisplayName == name {
				return event, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}
