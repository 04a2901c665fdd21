package storage

import (
	"errors"
	"fmt"
	"time"
)

// RecordTransfer stores the outcome of a file transfer.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.PeerAddress == "" {
		return errors.New("peer_address is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			peer_address,
			direction,
			file_name,
			size_bytes,
			status,
			detail,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.PeerAddress,
		string(record.Direction),
		record.FileName,
		int64(record.SizeBytes),
		record.Status,
		record.Detail,
		record.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q for %q: %w", record.FileName, record.PeerAddress, err)
	}
	return nil
}

// Transfers returns transfer outcomes with one peer in insertion order.
func (s *Store) Transfers(peerAddress string) ([]TransferRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_address, direction, file_name, size_bytes, status, detail, timestamp
		FROM transfers
		WHERE peer_address = ?
		ORDER BY id ASC`,
		peerAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("get transfers for %q: %w", peerAddress, err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var (
			record    TransferRecord
			direction string
			size      int64
			millis    int64
		)
		if err := rows.Scan(&record.ID, &record.PeerAddress, &direction, &record.FileName, &size, &record.Status, &record.Detail, &millis); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		record.Direction = Direction(direction)
		record.SizeBytes = uint64(size)
		record.Timestamp = time.UnixMilli(millis)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}
