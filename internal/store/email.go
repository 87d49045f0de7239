package store

import (
	"fmt"
	"time"
)

// IsEmailProcessed reports whether an email id has already been handled.
func (s *Store) IsEmailProcessed(emailID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM processed_emails WHERE email_id = ?`, emailID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check email %s: %w", emailID, err)
	}
	return n > 0, nil
}

// MarkEmailProcessed records an email as handled so restarts skip it.
func (s *Store) MarkEmailProcessed(emailID, threadID, sender, subject string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_emails (email_id, thread_id, sender, subject, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		emailID, threadID, sender, subject, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark email processed %s: %w", emailID, err)
	}
	return nil
}

// MarkEmailResponded records that a reply went out for an email.
func (s *Store) MarkEmailResponded(emailID string) error {
	_, err := s.db.Exec(`UPDATE processed_emails SET responded_at = ? WHERE email_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), emailID)
	if err != nil {
		return fmt.Errorf("mark email responded %s: %w", emailID, err)
	}
	return nil
}
