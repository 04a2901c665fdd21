package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientOptions tunes a single file pull.
type ClientOptions struct {
	// DialTimeout bounds the connect step. Zero leaves it to the OS.
	DialTimeout time.Duration
	// IdleTimeout bounds each individual read. Zero disables it; there is
	// never an overall transfer deadline.
	IdleTimeout time.Duration
	// OnProgress runs after the metadata frame and after every chunk written.
	OnProgress func(offer FileOffer, transferred uint64)

	Logger logrus.FieldLogger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// RequestFile pulls fileName from the file server at address and writes it
// to destinationPath. If destinationPath is an existing directory the file is
// stored under it by base name.
//
// ctx only bounds the connect step. Once connected the pull runs until it
// completes or the connection fails. The returned Transfer is always non-nil
// and ends in TransferComplete or TransferFailed.
func RequestFile(ctx context.Context, address, fileName, destinationPath string, options ClientOptions) (*Transfer, error) {
	opts := options.withDefaults()
	address = WithDefaultPort(address, DefaultFilePort)
	transfer := newTransfer(address, fileName)

	log := opts.Logger.WithFields(logrus.Fields{
		"peer": address,
		"file": fileName,
	})

	if err := pullFile(ctx, transfer, destinationPath, opts); err != nil {
		transfer.fail(err)
		log.WithError(err).WithField("bytes", transfer.BytesTransferred()).Warn("file transfer failed")
		return transfer, err
	}

	log.WithField("bytes", transfer.BytesTransferred()).Info("file transfer complete")
	return transfer, nil
}

func pullFile(ctx context.Context, transfer *Transfer, destinationPath string, opts ClientOptions) error {
	if transfer.fileName == "" {
		return errors.New("file name is required")
	}
	if destinationPath == "" {
		return errors.New("destination path is required")
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", transfer.peerAddress)
	if err != nil {
		return fmt.Errorf("%w: dial %q: %w", ErrConnectFailed, transfer.peerAddress, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if err := transfer.advance(TransferConnected); err != nil {
		return err
	}

	request, err := EncodeFileRequest(FileRequest{Request: transfer.fileName})
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, request); err != nil {
		return fmt.Errorf("%w: send request: %w", ErrTransferFailed, err)
	}
	if err := transfer.advance(TransferRequestSent); err != nil {
		return err
	}

	// A server that does not offer the name closes without writing anything,
	// which lands here as a zero-byte read.
	metaPayload, err := ReadFrameWithTimeout(conn, opts.IdleTimeout)
	if err != nil {
		return fmt.Errorf("%w: read metadata (file may not be offered): %w", ErrTransferFailed, err)
	}
	offer, err := DecodeFileOffer(metaPayload)
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if offer.FileName != transfer.fileName {
		return fmt.Errorf("%w: metadata names %q, requested %q", ErrMalformedPacket, offer.FileName, transfer.fileName)
	}
	transfer.setSize(offer.FileSizeBytes)
	if err := transfer.advance(TransferMetadataReceived); err != nil {
		return err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(offer, 0)
	}

	finalPath, err := resolveDestination(destinationPath, transfer.fileName)
	if err != nil {
		return err
	}
	partPath := finalPath + ".part"
	out, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination %q: %w", partPath, err)
	}

	complete := false
	defer func() {
		if !complete {
			_ = out.Close()
			_ = os.Remove(partPath)
		}
	}()

	if err := transfer.advance(TransferStreaming); err != nil {
		return err
	}
	if err := streamPayload(conn, out, transfer, offer, opts); err != nil {
		return err
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination %q: %w", partPath, err)
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		complete = true
		return fmt.Errorf("finalize destination %q: %w", finalPath, err)
	}
	complete = true

	return transfer.advance(TransferComplete)
}

func streamPayload(conn net.Conn, out io.Writer, transfer *Transfer, offer FileOffer, opts ClientOptions) error {
	buf := make([]byte, ChunkSize)
	remaining := offer.FileSizeBytes

	for remaining > 0 {
		want := uint64(len(buf))
		if remaining < want {
			want = remaining
		}
		if opts.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout)); err != nil {
				return fmt.Errorf("set read deadline: %w", err)
			}
		}

		n, readErr := conn.Read(buf[:want])
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination: %w", err)
			}
			if err := transfer.addBytes(n); err != nil {
				return err
			}
			remaining -= uint64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(offer, transfer.BytesTransferred())
			}
		}

		if readErr != nil {
			if remaining == 0 && errors.Is(readErr, io.EOF) {
				break
			}
			if errors.Is(readErr, io.EOF) {
				return fmt.Errorf("%w: peer closed after %d of %d bytes", ErrTransferFailed, transfer.BytesTransferred(), offer.FileSizeBytes)
			}
			return fmt.Errorf("%w: read payload: %w", ErrTransferFailed, readErr)
		}
	}

	return nil
}

func resolveDestination(destinationPath, fileName string) (string, error) {
	info, err := os.Stat(destinationPath)
	switch {
	case err == nil && info.IsDir():
		name := filepath.Base(filepath.Clean(string(filepath.Separator) + fileName))
		if name == string(filepath.Separator) || name == "." {
			return "", fmt.Errorf("cannot derive a file name from %q", fileName)
		}
		return filepath.Join(destinationPath, name), nil
	case err == nil || errors.Is(err, os.ErrNotExist):
		return destinationPath, nil
	default:
		return "", fmt.Errorf("stat destination %q: %w", destinationPath, err)
	}
}

// WithDefaultPort appends port to address when address carries none.
func WithDefaultPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}
