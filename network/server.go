package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultServerIdleTimeout bounds each request read and chunk write on the file server.
	DefaultServerIdleTimeout = 30 * time.Second
	maxAcceptBackoff         = time.Second
)

type serveState string

const (
	serveAccepted     serveState = "accepted"
	serveRequestRead  serveState = "request_read"
	serveFound        serveState = "found"
	serveNotFound     serveState = "not_found"
	serveMetadataSent serveState = "metadata_sent"
	serveStreaming    serveState = "streaming"
	serveDone         serveState = "done"
	serveRejected     serveState = "rejected"
)

// FileServerOptions tunes the inbound side of the file channel.
type FileServerOptions struct {
	IdleTimeout time.Duration
	Logger      logrus.FieldLogger
	// OnServed runs once per connection that asked for a file, with a nil
	// error when the whole file was written.
	OnServed func(peer string, fileName string, bytes uint64, err error)
}

func (o FileServerOptions) withDefaults() FileServerOptions {
	out := o
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultServerIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// FileServer serves files from a SharedFiles registry to pulling clients.
type FileServer struct {
	listener net.Listener
	files    *SharedFiles
	options  FileServerOptions
	log      logrus.FieldLogger

	errs chan error

	conns     *connSet
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenFiles binds address and starts the accept loop.
func ListenFiles(address string, files *SharedFiles, options FileServerOptions) (*FileServer, error) {
	if files == nil {
		return nil, errors.New("shared files registry is required")
	}
	opts := options.withDefaults()

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultFilePort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %w", ErrListenerError, address, err)
	}

	server := &FileServer{
		listener: listener,
		files:    files,
		options:  opts,
		log:      opts.Logger.WithField("channel", "file"),
		errs:     make(chan error, 16),
		conns:    newConnSet(),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *FileServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous accept and per-connection errors.
func (s *FileServer) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, drops open connections and waits for their
// handlers to return. An in-flight transfer ends as a failure on the client.
func (s *FileServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.conns.closeAll()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *FileServer) acceptLoop() {
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

			s.reportError(fmt.Errorf("%w: accept connection: %w", ErrListenerError, err))
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

func (s *FileServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.conns.remove(conn)
		_ = conn.Close()
	}()

	peer := remoteIP(conn.RemoteAddr())
	log := s.log.WithField("peer", peer)
	log.WithField("state", serveAccepted).Debug("file connection accepted")

	payload, err := ReadFrameWithTimeout(conn, s.options.IdleTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read file request from %s: %w", peer, err))
		return
	}
	request, err := DecodeFileRequest(payload)
	if err != nil {
		s.reportError(fmt.Errorf("decode file request from %s: %w", peer, err))
		return
	}
	log = log.WithField("file", request.Request)
	log.WithField("state", serveRequestRead).Debug("file request read")

	file, info, err := s.files.open(request.Request)
	if err != nil {
		// No rejection frame exists; closing is the whole answer.
		log.WithError(err).WithField("state", serveNotFound).Warn("requested file not served")
		log.WithField("state", serveRejected).Debug("closing without metadata")
		s.served(peer, request.Request, 0, err)
		return
	}
	defer func() {
		_ = file.Close()
	}()
	log.WithField("state", serveFound).Debug("shared file resolved")

	offer := FileOffer{FileName: request.Request, FileSizeBytes: uint64(info.Size())}
	meta, err := EncodeFileOffer(offer)
	if err != nil {
		s.served(peer, request.Request, 0, err)
		return
	}
	if err := s.setWriteDeadline(conn); err != nil {
		s.served(peer, request.Request, 0, err)
		return
	}
	if err := WriteFrame(conn, meta); err != nil {
		s.served(peer, request.Request, 0, fmt.Errorf("send metadata: %w", err))
		return
	}
	log.WithField("state", serveMetadataSent).Debug("metadata sent")

	log.WithField("state", serveStreaming).Debug("streaming file")
	sent, err := s.stream(conn, file, offer.FileSizeBytes)
	if err != nil {
		log.WithError(err).WithField("bytes", sent).Warn("file stream aborted")
		s.served(peer, request.Request, sent, err)
		return
	}

	log.WithFields(logrus.Fields{"state": serveDone, "bytes": sent}).Info("file served")
	s.served(peer, request.Request, sent, nil)
}

// stream writes exactly size bytes of src in ChunkSize pieces. A file that
// shrank after stat ends the stream early, which the client sees as a failure.
func (s *FileServer) stream(conn net.Conn, src io.Reader, size uint64) (uint64, error) {
	buf := make([]byte, ChunkSize)
	limited := io.LimitReader(src, int64(size))

	var sent uint64
	for {
		n, readErr := limited.Read(buf)
		if n > 0 {
			if err := s.setWriteDeadline(conn); err != nil {
				return sent, err
			}
			written, err := conn.Write(buf[:n])
			sent += uint64(written)
			if err != nil {
				return sent, fmt.Errorf("write chunk: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return sent, fmt.Errorf("read shared file: %w", readErr)
		}
	}

	if sent != size {
		return sent, fmt.Errorf("shared file shrank: sent %d of %d bytes", sent, size)
	}
	return sent, nil
}

func (s *FileServer) setWriteDeadline(conn net.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.options.IdleTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return nil
}

func (s *FileServer) served(peer, fileName string, sent uint64, err error) {
	if s.options.OnServed != nil {
		s.options.OnServed(peer, fileName, sent, err)
	}
	if err != nil && !errors.Is(err, ErrFileNotOffered) {
		s.reportError(fmt.Errorf("serve %q to %s: %w", fileName, peer, err))
	}
}

func (s *FileServer) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	current *= 2
	if current > maxAcceptBackoff {
		current = maxAcceptBackoff
	}
	return current
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
