package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SavePeer records a sighting. FirstSeen is kept from the first insert and
// LastSeen never moves backwards.
func (s *Store) SavePeer(peer KnownPeer) error {
	if peer.PeerAddress == "" {
		return errors.New("peer_address is required")
	}
	if peer.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now()
	}
	seen := peer.LastSeen.UnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_address,
			display_name,
			port,
			platform,
			session,
			source,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_address) DO UPDATE SET
			display_name = excluded.display_name,
			port = excluded.port,
			platform = excluded.platform,
			session = excluded.session,
			source = excluded.source,
			last_seen = MAX(peers.last_seen, excluded.last_seen)`,
		peer.PeerAddress,
		peer.DisplayName,
		peer.Port,
		peer.Platform,
		peer.Session,
		peer.Source,
		seen,
		seen,
	)
	if err != nil {
		return fmt.Errorf("save peer %q: %w", peer.PeerAddress, err)
	}

	return nil
}

// GetPeer fetches a known peer by address.
func (s *Store) GetPeer(peerAddress string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT peer_address, display_name, port, platform, session, source, first_seen, last_seen
		FROM peers
		WHERE peer_address = ?`,
		peerAddress,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerAddress, err)
	}

	return peer, nil
}

// ListPeers returns all known peers sorted by display name.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT peer_address, display_name, port, platform, session, source, first_seen, last_seen
		FROM peers
		ORDER BY display_name, peer_address`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*KnownPeer, error) {
	var (
		peer      KnownPeer
		firstSeen int64
		lastSeen  int64
	)
	if err := row.Scan(
		&peer.PeerAddress,
		&peer.DisplayName,
		&peer.Port,
		&peer.Platform,
		&peer.Session,
		&peer.Source,
		&firstSeen,
		&lastSeen,
	); err != nil {
		return nil, err
	}
	peer.FirstSeen = time.UnixMilli(firstSeen)
	peer.LastSeen = time.UnixMilli(lastSeen)
	return &peer, nil
}
