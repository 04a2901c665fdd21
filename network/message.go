package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// DefaultMessageReadTimeout bounds the single read of an inbound message.
const DefaultMessageReadTimeout = 10 * time.Second

// MessageHandler receives decoded inbound text with the sender's IP.
type MessageHandler func(sourceIP, text string)

// SendMessage opens one connection to address, writes text and closes.
// There is no framing, acknowledgment or retry.
func SendMessage(ctx context.Context, address, text string) error {
	address = WithDefaultPort(address, DefaultMessagePort)

	dialer := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("%w: dial %q: %w", ErrConnectFailed, address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(DefaultDialTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(EncodeMessage(text)); err != nil {
		return fmt.Errorf("write message to %q: %w", address, err)
	}
	return nil
}

// MessageServerOptions tunes the inbound side of the message channel.
type MessageServerOptions struct {
	ReadTimeout time.Duration
	Logger      logrus.FieldLogger
}

func (o MessageServerOptions) withDefaults() MessageServerOptions {
	out := o
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultMessageReadTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// MessageServer accepts one-message connections and dispatches their text.
//
// Each connection is read exactly once with a MessageBufferSize buffer, so
// longer payloads are truncated. The channel carries short typed text only.
type MessageServer struct {
	listener net.Listener
	handler  MessageHandler
	options  MessageServerOptions
	log      logrus.FieldLogger

	conns     *connSet
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenMessages binds address and starts dispatching to handler.
func ListenMessages(address string, handler MessageHandler, options MessageServerOptions) (*MessageServer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	opts := options.withDefaults()

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultMessagePort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %w", ErrListenerError, address, err)
	}

	server := &MessageServer{
		listener: listener,
		handler:  handler,
		options:  opts,
		log:      opts.Logger.WithField("channel", "message"),
		conns:    newConnSet(),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *MessageServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, drops open connections and waits for in-flight handlers.
func (s *MessageServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.conns.closeAll()
		s.wg.Wait()
	})
	return closeErr
}

func (s *MessageServer) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.log.WithError(err).Warn("message accept failed")
			backoff = nextBackoff(backoff)
			select {
			case <-time.After(backoff):
			case <-s.closed:
				return
			}
			continue
		}
		backoff = 0

		if !s.conns.add(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *MessageServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.conns.remove(conn)
		_ = conn.Close()
	}()

	peer := remoteIP(conn.RemoteAddr())
	if err := conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout)); err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("set message read deadline")
		return
	}

	buf := make([]byte, MessageBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !isClosedOrEOF(err) {
			s.log.WithError(err).WithField("peer", peer).Warn("message receive failed")
		}
		return
	}

	// A single read can stop mid-rune, at the buffer edge or a segment boundary.
	payload := trimPartialRune(buf[:n])
	text, err := DecodeMessage(payload)
	if err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("dropping undecodable message")
		return
	}
	if text == "" {
		return
	}

	s.handler(peer, text)
}

// trimPartialRune drops a UTF-8 sequence cut by the read buffer boundary.
func trimPartialRune(payload []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(payload); i++ {
		start := len(payload) - i
		if !utf8.RuneStart(payload[start]) {
			continue
		}
		if !utf8.FullRune(payload[start:]) {
			return payload[:start]
		}
		break
	}
	return payload
}

func isClosedOrEOF(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
