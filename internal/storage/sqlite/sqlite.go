// Package sqlite persists chat history, the roster cache and last-seen
// presence in a local SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tetherim/tether/internal/comm"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "tether.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(account, peer)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,

		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			contact TEXT NOT NULL,
			alias TEXT,
			subscription TEXT,
			publish TEXT,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, contact)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_cache_account ON roster_cache(account)`,

		`CREATE TABLE IF NOT EXISTS contact_last_presence (
			account TEXT NOT NULL,
			contact TEXT NOT NULL,
			status TEXT,
			status_msg TEXT,
			last_updated INTEGER,
			PRIMARY KEY (account, contact)
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveMessage implements comm.MessageStore.
func (d *DB) SaveMessage(account, peer, id, body string, timestamp time.Time, outgoing bool) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages (id, account, peer, body, timestamp, outgoing)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, account, peer, body, timestamp.Unix(), outgoing)
	return err
}

type Message struct {
	ID        string
	Body      string
	Timestamp time.Time
	Outgoing  bool
}

// GetMessages returns the newest messages for a peer, oldest first.
func (d *DB) GetMessages(account, peer string, limit, offset int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT id, body, timestamp, outgoing
		FROM messages
		WHERE account = ? AND peer = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, account, peer, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.Body, &ts, &msg.Outgoing); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(ts, 0)
		messages = append(messages, msg)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (d *DB) DeleteMessages(account, peer string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE account = ? AND peer = ?", account, peer)
	return err
}

// DeleteOldMessages drops messages older than the given number of days and
// returns how many were removed.
func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) GetMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

// SaveContact implements comm.MessageStore.
func (d *DB) SaveContact(account string, info comm.ContactInfo) error {
	_, err := d.db.Exec(`
		INSERT INTO roster_cache (account, contact, alias, subscription, publish, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, contact) DO UPDATE SET
			alias = excluded.alias,
			subscription = excluded.subscription,
			publish = excluded.publish,
			last_updated = excluded.last_updated
	`, account, info.Identity.ID, info.Identity.Alias,
		info.Subscription.String(), info.Publish.String(), time.Now().Unix())
	return err
}

type RosterEntry struct {
	Contact      string
	Alias        string
	Subscription string
	Publish      string
}

// GetRoster returns the cached roster for an account, for display before
// the connection is ready.
func (d *DB) GetRoster(account string) ([]RosterEntry, error) {
	rows, err := d.db.Query(`
		SELECT contact, alias, subscription, publish
		FROM roster_cache
		WHERE account = ?
		ORDER BY contact
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RosterEntry
	for rows.Next() {
		var e RosterEntry
		var alias, sub, pub sql.NullString
		if err := rows.Scan(&e.Contact, &alias, &sub, &pub); err != nil {
			return nil, err
		}
		e.Alias = alias.String
		e.Subscription = sub.String
		e.Publish = pub.String
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (d *DB) DeleteContact(account, contact string) error {
	_, err := d.db.Exec("DELETE FROM roster_cache WHERE account = ? AND contact = ?", account, contact)
	return err
}

// SavePresence implements comm.MessageStore.
func (d *DB) SavePresence(account, contact, status, message string) error {
	_, err := d.db.Exec(`
		INSERT INTO contact_last_presence (account, contact, status, status_msg, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, contact) DO UPDATE SET
			status = excluded.status,
			status_msg = excluded.status_msg,
			last_updated = excluded.last_updated
	`, account, contact, status, message, time.Now().Unix())
	return err
}

// GetLastPresence returns a contact's last recorded presence and when it
// was seen.
func (d *DB) GetLastPresence(account, contact string) (status, message string, lastUpdated time.Time, err error) {
	var ts sql.NullInt64
	var st, msg sql.NullString
	err = d.db.QueryRow(`
		SELECT status, status_msg, last_updated
		FROM contact_last_presence
		WHERE account = ? AND contact = ?
	`, account, contact).Scan(&st, &msg, &ts)

	if err == sql.ErrNoRows {
		return "", "", time.Time{}, nil
	}
	if err != nil {
		return "", "", time.Time{}, err
	}
	if ts.Valid {
		lastUpdated = time.Unix(ts.Int64, 0)
	}
	return st.String, msg.String, lastUpdated, nil
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) GetDatabaseSize() (int64, error) {
	var pageCount, pageSize int64
	if err := d.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := d.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
