package storage

import (
	"errors"
	"fmt"
	"time"
)

// AppendMessage stores one message. A zero timestamp is replaced with now.
func (s *Store) AppendMessage(peerAddress string, direction Direction, text string, timestamp time.Time) error {
	if peerAddress == "" {
		return errors.New("peer_address is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (peer_address, direction, text, timestamp) VALUES (?, ?, ?, ?)`,
		peerAddress,
		string(direction),
		text,
		timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message for %q: %w", peerAddress, err)
	}
	return nil
}

// History returns the newest limit messages exchanged with one peer, oldest
// first. A non-positive limit returns the whole history.
func (s *Store) History(peerAddress string, limit int) ([]Message, error) {
	if peerAddress == "" {
		return nil, errors.New("peer_address is required")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT id, peer_address, direction, text, timestamp
		FROM (
			SELECT id, peer_address, direction, text, timestamp
			FROM messages
			WHERE peer_address = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC`,
		peerAddress,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get history for %q: %w", peerAddress, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			message   Message
			direction string
			millis    int64
		)
		if err := rows.Scan(&message.ID, &message.PeerAddress, &direction, &message.Text, &millis); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		message.Direction = Direction(direction)
		message.Timestamp = time.UnixMilli(millis)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// Peers returns every peer address with at least one stored message.
func (s *Store) Peers() ([]string, error) {
	rows, err := s.db.Query(`SELECT peer_address FROM messages GROUP BY peer_address ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("list history peers: %w", err)
	}
	defer rows.Close()

	peers := make([]string, 0)
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}
