package network

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startFileServer(t *testing.T, files *SharedFiles, options FileServerOptions) *FileServer {
	t.Helper()

	if options.Logger == nil {
		options.Logger = quietLogger()
	}
	server, err := ListenFiles("127.0.0.1:0", files, options)
	if err != nil {
		t.Fatalf("ListenFiles failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

// dialIdle connects to address and waits until the server tracks the connection.
func dialIdle(t *testing.T, address string, conns *connSet) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial %s: %v", address, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	deadline := time.Now().Add(3 * time.Second)
	for conns.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server never accepted the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// closeWithin fails the test when closeFn does not return inside limit.
func closeWithin(t *testing.T, limit time.Duration, closeFn func() error) {
	t.Helper()

	done := make(chan error, 1)
	started := time.Now()
	go func() {
		done <- closeFn()
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(limit):
		t.Fatalf("Close still blocked after %s", time.Since(started))
	}
}
