package db

import (
	"fmt"
	"time"
)

// SessionRecord is one finished peer session.
type SessionRecord struct {
	ID             int64     `json:"id"`
	PeerID         uint16    `json:"peer_id"`
	GUID           string    `json:"guid"`
	Name           string    `json:"name"`
	Addr           string    `json:"addr"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	Reason         string    `json:"reason"`
	Entities       int       `json:"entities"`
}

// RecordSession appends a finished session to the audit log.
func (s *Store) RecordSession(rec SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO peer_sessions (peer_id, guid, name, addr, connected_at, disconnected_at, reason, entities)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PeerID, rec.GUID, rec.Name, rec.Addr,
		rec.ConnectedAt.UnixMilli(), rec.DisconnectedAt.UnixMilli(),
		rec.Reason, rec.Entities)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, most recent first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, peer_id, guid, name, addr, connected_at, disconnected_at, reason, entities
		 FROM peer_sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var connected, disconnected int64
		if err := rows.Scan(&r.ID, &r.PeerID, &r.GUID, &r.Name, &r.Addr,
			&connected, &disconnected, &r.Reason, &r.Entities); err != nil {
			return nil, err
		}
		r.ConnectedAt = time.UnixMilli(connected)
		r.DisconnectedAt = time.UnixMilli(disconnected)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionCount returns how many sessions a guid has completed.
func (s *Store) SessionCount(guid string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM peer_sessions WHERE guid = ?`, guid).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
