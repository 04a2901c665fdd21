package network

import (
	"fmt"
	"sync"
)

// TransferState is a step of the client-side pull state machine.
type TransferState string

const (
	TransferIdle             TransferState = "idle"
	TransferConnected        TransferState = "connected"
	TransferRequestSent      TransferState = "request_sent"
	TransferMetadataReceived TransferState = "metadata_received"
	TransferStreaming        TransferState = "streaming"
	TransferComplete         TransferState = "complete"
	TransferFailed           TransferState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	return s == TransferComplete || s == TransferFailed
}

var transferTransitions = map[TransferState]TransferState{
	TransferIdle:             TransferConnected,
	TransferConnected:        TransferRequestSent,
	TransferRequestSent:      TransferMetadataReceived,
	TransferMetadataReceived: TransferStreaming,
	TransferStreaming:        TransferComplete,
}

// Transfer is one client-side file pull. It is owned by a single connection.
type Transfer struct {
	mu sync.Mutex

	peerAddress      string
	fileName         string
	sizeBytes        uint64
	bytesTransferred uint64
	state            TransferState
	err              error
}

func newTransfer(peerAddress, fileName string) *Transfer {
	return &Transfer{
		peerAddress: peerAddress,
		fileName:    fileName,
		state:       TransferIdle,
	}
}

// PeerAddress returns the address the file is pulled from.
func (t *Transfer) PeerAddress() string {
	return t.peerAddress
}

// FileName returns the requested name.
func (t *Transfer) FileName() string {
	return t.fileName
}

// SizeBytes returns the size announced by the server, or 0 before metadata arrives.
func (t *Transfer) SizeBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sizeBytes
}

// BytesTransferred returns the payload bytes written to disk so far.
func (t *Transfer) BytesTransferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesTransferred
}

// State returns the current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause once the transfer is FAILED.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) advance(next TransferState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if transferTransitions[t.state] != next {
		return fmt.Errorf("invalid transfer transition %s -> %s", t.state, next)
	}
	t.state = next
	return nil
}

func (t *Transfer) setSize(size uint64) {
	t.mu.Lock()
	t.sizeBytes = size
	t.mu.Unlock()
}

func (t *Transfer) addBytes(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n < 0 {
		return fmt.Errorf("negative byte count %d", n)
	}
	if t.bytesTransferred+uint64(n) > t.sizeBytes {
		return fmt.Errorf("received %d bytes beyond declared size %d", t.bytesTransferred+uint64(n)-t.sizeBytes, t.sizeBytes)
	}
	t.bytesTransferred += uint64(n)
	return nil
}

// fail moves any non-terminal transfer to FAILED and records the cause.
func (t *Transfer) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return
	}
	t.state = TransferFailed
	t.err = err
}
