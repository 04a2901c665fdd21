package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDirection indicates a direction other than sent or received.
	ErrInvalidDirection = errors.New("storage: invalid direction")
	// ErrNotFound indicates a missing row.
	ErrNotFound = errors.New("storage: not found")
)

// Direction tells whether a record was produced locally or by the peer.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

const (
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

// Message is one history entry exchanged with a peer.
type Message struct {
	ID          int64
	PeerAddress string
	Direction   Direction
	Text        string
	Timestamp   time.Time
}

// TransferRecord is the outcome of one file transfer with a peer.
type TransferRecord struct {
	ID          int64
	PeerAddress string
	Direction   Direction
	FileName    string
	SizeBytes   uint64
	Status      string
	Detail      string
	Timestamp   time.Time
}

// KnownPeer is the last presence seen from a peer address.
type KnownPeer struct {
	PeerAddress string
	DisplayName string
	Port        int
	Platform    string
	Session     string
	Source      string
	FirstSeen   time.Time
	LastSeen    time.Time
}

func validateDirection(direction Direction) error {
	switch direction {
	case DirectionSent, DirectionReceived:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}
