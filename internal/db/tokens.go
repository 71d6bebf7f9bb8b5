package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenInfo is an issued, not yet consumed token.
type TokenInfo struct {
	Name      string    `json:"name"`
	GUID      string    `json:"guid"`
	RemoteIP  string    `json:"remote_ip"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken creates a single-use session token valid for ttl.
func (s *Store) IssueToken(name, guid, remoteIP string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := s.now()

	_, err := s.db.Exec(
		`INSERT INTO session_tokens (token, name, guid, remote_ip, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token, name, guid, remoteIP, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to store session token: %w", err)
	}

	s.logger.Debug().Str("guid", guid).Str("name", name).Msg("session token issued")
	return token, nil
}

// ConsumeToken validates token for guid and marks it used. A token issued
// with an empty guid matches any guid. It returns the name recorded at
// issue time.
func (s *Store) ConsumeToken(token, guid string) (string, bool, error) {
	var name string
	valid := false
	now := s.now().UnixMilli()

	err := s.db.Transaction(func(tx *sql.Tx) error {
		var storedGUID string
		var expires int64
		var used int
		err := tx.QueryRow(
			`SELECT name, guid, expires_at, used FROM session_tokens WHERE token = ?`, token,
		).Scan(&name, &storedGUID, &expires, &used)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if used != 0 || expires <= now || (storedGUID != "" && storedGUID != guid) {
			return nil
		}
		if _, err := tx.Exec(`UPDATE session_tokens SET used = 1 WHERE token = ?`, token); err != nil {
			return err
		}
		valid = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to consume session token: %w", err)
	}
	if !valid {
		return "", false, nil
	}
	return name, true, nil
}

// LookupToken returns an issued token that has not been used or expired.
func (s *Store) LookupToken(token string) (TokenInfo, bool, error) {
	var t TokenInfo
	var issued, expires int64
	err := s.db.QueryRow(
		`SELECT name, guid, remote_ip, issued_at, expires_at FROM session_tokens
		 WHERE token = ? AND used = 0 AND expires_at > ?`, token, s.now().UnixMilli(),
	).Scan(&t.Name, &t.GUID, &t.RemoteIP, &issued, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenInfo{}, false, nil
	}
	if err != nil {
		return TokenInfo{}, false, fmt.Errorf("failed to look up session token: %w", err)
	}
	t.IssuedAt = time.UnixMilli(issued)
	t.ExpiresAt = time.UnixMilli(expires)
	return t, true, nil
}

// PurgeExpiredTokens deletes used and expired tokens and returns how many
// were removed.
func (s *Store) PurgeExpiredTokens() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM session_tokens WHERE used = 1 OR expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge session tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingTokens lists tokens that can still be used, newest first.
func (s *Store) PendingTokens() ([]TokenInfo, error) {
	rows, err := s.db.Query(
		`SELECT name, guid, remote_ip, issued_at, expires_at FROM session_tokens
		 WHERE used = 0 AND expires_at > ? ORDER BY issued_at DESC`, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list session tokens: %w", err)
	}
	defer rows.Close()

	var out []TokenInfo
	for rows.Next() {
		var t TokenInfo
		var issued, expires int64
		if err := rows.Scan(&t.Name, &t.GUID, &t.RemoteIP, &issued, &expires); err != nil {
			return nil, err
		}
		t.IssuedAt = time.UnixMilli(issued)
		t.ExpiresAt = time.UnixMilli(expires)
		out = append(out, t)
	}
	return out, rows.Err()
}
