package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetState returns the router_state value for key, or "" when unset.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts one router_state key.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// AllSessions returns the session continuation token per group folder.
func (s *Store) AllSessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions[folder] = id
	}
	return sessions, rows.Err()
}

// SetSession upserts the session token for a group folder.
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session %s: %w", folder, err)
	}
	return nil
}

// AllRegisteredGroups returns every registered group keyed by JID.
func (s *Store) AllRegisteredGroups() (map[string]RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_token, requires_trigger, added_at
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("query registered groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]RegisteredGroup)
	for rows.Next() {
		var jid string
		var g RegisteredGroup
		var requires int
		if err := rows.Scan(&jid, &g.Name, &g.Folder, &g.Trigger, &requires, &g.AddedAt); err != nil {
			return nil, fmt.Errorf("scan registered group: %w", err)
		}
		g.RequiresTrigger = requires != 0
		groups[jid] = g
	}
	return groups, rows.Err()
}

// SetRegisteredGroup upserts one group registration.
func (s *Store) SetRegisteredGroup(jid string, g RegisteredGroup) error {
	_, err := s.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_token, requires_trigger, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_token = excluded.trigger_token,
			requires_trigger = excluded.requires_trigger`,
		jid, g.Name, g.Folder, g.Trigger, boolInt(g.RequiresTrigger), g.AddedAt)
	if err != nil {
		return fmt.Errorf("set registered group %s: %w", jid, err)
	}
	return nil
}
