package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMessagePort is the TCP port of the message channel.
	DefaultMessagePort = 6000
	// DefaultFilePort is the TCP port of the file channel.
	DefaultFilePort = 6001
	// ChunkSize bounds every file read and write.
	ChunkSize = 64 * 1024
	// MessageBufferSize is the single read performed per inbound message connection.
	MessageBufferSize = 4096
	// MaxFrameSize caps request and metadata frames (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultDialTimeout bounds outbound message connects.
	DefaultDialTimeout = 3 * time.Second
	// frameHeaderSize is the big-endian uint32 length prefix.
	frameHeaderSize = 4
)

var (
	// ErrMalformedPacket indicates a payload that cannot be decoded.
	ErrMalformedPacket = errors.New("network: malformed packet")
	// ErrFrameTooLarge indicates a frame length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
)

// PresencePacket is the discovery datagram payload.
type PresencePacket struct {
	Name     string `json:"name"`
	Port     uint16 `json:"port"`
	Platform string `json:"platform"`
	Session  string `json:"session,omitempty"`
}

// FileRequest names the file a client wants to pull.
type FileRequest struct {
	Request string `json:"request"`
}

// FileOffer is the metadata frame sent before the raw file bytes.
type FileOffer struct {
	FileName      string `json:"filename"`
	FileSizeBytes uint64 `json:"filesize"`
}

// EncodePresence marshals a presence datagram.
func EncodePresence(packet PresencePacket) ([]byte, error) {
	payload, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("marshal presence packet: %w", err)
	}
	return payload, nil
}

// DecodePresence parses a presence datagram. Name and port are required.
func DecodePresence(payload []byte) (PresencePacket, error) {
	var raw struct {
		Name     *string `json:"name"`
		Port     *uint16 `json:"port"`
		Platform string  `json:"platform"`
		Session  string  `json:"session"`
	}
	if err := decodeStrict(payload, &raw); err != nil {
		return PresencePacket{}, err
	}
	if raw.Name == nil || strings.TrimSpace(*raw.Name) == "" {
		return PresencePacket{}, fmt.Errorf("%w: presence name is required", ErrMalformedPacket)
	}
	if raw.Port == nil || *raw.Port == 0 {
		return PresencePacket{}, fmt.Errorf("%w: presence port is required", ErrMalformedPacket)
	}
	return PresencePacket{
		Name:     *raw.Name,
		Port:     *raw.Port,
		Platform: raw.Platform,
		Session:  raw.Session,
	}, nil
}

// EncodeMessage returns the wire bytes of a text message.
func EncodeMessage(text string) []byte {
	return []byte(text)
}

// DecodeMessage validates and returns a received text message.
func DecodeMessage(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: message is not valid UTF-8", ErrMalformedPacket)
	}
	return string(payload), nil
}

// EncodeFileRequest marshals a request frame payload.
func EncodeFileRequest(request FileRequest) ([]byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal file request: %w", err)
	}
	return payload, nil
}

// DecodeFileRequest parses a request frame payload.
func DecodeFileRequest(payload []byte) (FileRequest, error) {
	var raw struct {
		Request *string `json:"request"`
	}
	if err := decodeStrict(payload, &raw); err != nil {
		return FileRequest{}, err
	}
	if raw.Request == nil || *raw.Request == "" {
		return FileRequest{}, fmt.Errorf("%w: request name is required", ErrMalformedPacket)
	}
	return FileRequest{Request: *raw.Request}, nil
}

// EncodeFileOffer marshals a metadata frame payload.
func EncodeFileOffer(offer FileOffer) ([]byte, error) {
	payload, err := json.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("marshal file offer: %w", err)
	}
	return payload, nil
}

// DecodeFileOffer parses a metadata frame payload.
func DecodeFileOffer(payload []byte) (FileOffer, error) {
	var raw struct {
		FileName *string `json:"filename"`
		FileSize *uint64 `json:"filesize"`
	}
	if err := decodeStrict(payload, &raw); err != nil {
		return FileOffer{}, err
	}
	if raw.FileName == nil || raw.FileSize == nil {
		return FileOffer{}, fmt.Errorf("%w: metadata requires filename and filesize", ErrMalformedPacket)
	}
	return FileOffer{FileName: *raw.FileName, FileSizeBytes: *raw.FileSize}, nil
}

func decodeStrict(payload []byte, out any) error {
	if !utf8.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedPacket)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPacket)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A stream that ends before the
// declared length is reported as ErrMalformedPacket wrapping the io error.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", truncated(err))
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", truncated(err))
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	return err
}
