package storage

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

// DB is the SQLite-backed Store and ForwardQueue.
type DB struct {
	db *sql.DB
}

// OpenDB opens (and if needed creates) the relay database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		user_id TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		registration_id INTEGER NOT NULL,
		signed_pre_key BLOB NOT NULL,
		PRIMARY KEY (user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS one_time_pre_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		key BLOB NOT NULL,
		FOREIGN KEY (user_id, device_id)
			REFERENCES registrations(user_id, device_id)
			ON DELETE CASCADE
	);

	-- Index for pool lookups per device
	CREATE INDEX IF NOT EXISTS idx_otpk_device ON one_time_pre_keys(user_id, device_id);

	CREATE TABLE IF NOT EXISTS forwarded_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_url TEXT NOT NULL,
		message BLOB NOT NULL,
		first_failed INTEGER NOT NULL,
		last_failed INTEGER NOT NULL
	);

	-- Index for per-destination retry scans
	CREATE INDEX IF NOT EXISTS idx_fwd_peer ON forwarded_messages(peer_url);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func userKey(userID []byte) string {
	return hex.EncodeToString(userID)
}

// MergeRegistration applies the append-or-replace merge rule inside one
// transaction.
func (d *DB) MergeRegistration(addr protocol.Address, reg *Registration) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	uk := userKey(addr.UserID)

	var existingID uint32
	var existingSPK []byte
	err = tx.QueryRow(
		`SELECT registration_id, signed_pre_key FROM registrations WHERE user_id = ? AND device_id = ?`,
		uk, addr.DeviceID,
	).Scan(&existingID, &existingSPK)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			`INSERT INTO registrations (user_id, device_id, registration_id, signed_pre_key) VALUES (?, ?, ?, ?)`,
			uk, addr.DeviceID, reg.RegistrationID, reg.SignedPreKey,
		); err != nil {
			return fmt.Errorf("insert registration: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load registration: %w", err)
	case existingID != reg.RegistrationID || !bytes.Equal(existingSPK, reg.SignedPreKey):
		// Replace: discard the old record and its whole prekey pool.
		if _, err := tx.Exec(
			`DELETE FROM one_time_pre_keys WHERE user_id = ? AND device_id = ?`,
			uk, addr.DeviceID,
		); err != nil {
			return fmt.Errorf("clear prekey pool: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE registrations SET registration_id = ?, signed_pre_key = ? WHERE user_id = ? AND device_id = ?`,
			reg.RegistrationID, reg.SignedPreKey, uk, addr.DeviceID,
		); err != nil {
			return fmt.Errorf("replace registration: %w", err)
		}
	}

	for _, key := range reg.OneTimePreKeys {
		if _, err := tx.Exec(
			`INSERT INTO one_time_pre_keys (user_id, device_id, key) VALUES (?, ?, ?)`,
			uk, addr.DeviceID, key,
		); err != nil {
			return fmt.Errorf("append prekey: %w", err)
		}
	}

	return tx.Commit()
}

// Registration returns the record for addr.
func (d *DB) Registration(addr protocol.Address) (*Registration, error) {
	uk := userKey(addr.UserID)

	reg := &Registration{}
	err := d.db.QueryRow(
		`SELECT registration_id, signed_pre_key FROM registrations WHERE user_id = ? AND device_id = ?`,
		uk, addr.DeviceID,
	).Scan(&reg.RegistrationID, &reg.SignedPreKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	}

	rows, err := d.db.Query(
		`SELECT key FROM one_time_pre_keys WHERE user_id = ? AND device_id = ? ORDER BY id ASC`,
		uk, addr.DeviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("load prekey pool: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan prekey: %w", err)
		}
		reg.OneTimePreKeys = append(reg.OneTimePreKeys, key)
	}

	return reg, rows.Err()
}

// DeleteRegistration removes the record and its prekey pool.
func (d *DB) DeleteRegistration(addr protocol.Address) error {
	_, err := d.db.Exec(
		`DELETE FROM registrations WHERE user_id = ? AND device_id = ?`,
		userKey(addr.UserID), addr.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

// DevicesForUser lists registered device addresses, ordered by deviceID.
func (d *DB) DevicesForUser(userID []byte) ([]protocol.Address, error) {
	rows, err := d.db.Query(
		`SELECT device_id FROM registrations WHERE user_id = ? ORDER BY device_id ASC`,
		userKey(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []protocol.Address
	for rows.Next() {
		var deviceID uint32
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, protocol.Address{UserID: userID, DeviceID: deviceID})
	}

	return out, rows.Err()
}

// HasUser reports whether any device of the user is registered.
func (d *DB) HasUser(userID []byte) (bool, error) {
	var count int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM registrations WHERE user_id = ?`, userKey(userID),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count devices: %w", err)
	}
	return count > 0, nil
}

// TakeOneTimePreKey pops the oldest prekey for addr.
func (d *DB) TakeOneTimePreKey(addr protocol.Address) ([]byte, int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, 0, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	uk := userKey(addr.UserID)

	var exists int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM registrations WHERE user_id = ? AND device_id = ?`,
		uk, addr.DeviceID,
	).Scan(&exists)
	if err != nil {
		return nil, 0, fmt.Errorf("check registration: %w", err)
	}
	if exists == 0 {
		return nil, 0, ErrNotFound
	}

	var id int64
	var key []byte
	err = tx.QueryRow(
		`SELECT id, key FROM one_time_pre_keys WHERE user_id = ? AND device_id = ? ORDER BY id ASC LIMIT 1`,
		uk, addr.DeviceID,
	).Scan(&id, &key)
	if err == sql.ErrNoRows {
		return nil, 0, tx.Commit()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("pop prekey: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM one_time_pre_keys WHERE id = ?`, id); err != nil {
		return nil, 0, fmt.Errorf("consume prekey: %w", err)
	}

	var remaining int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM one_time_pre_keys WHERE user_id = ? AND device_id = ?`,
		uk, addr.DeviceID,
	).Scan(&remaining)
	if err != nil {
		return nil, 0, fmt.Errorf("count pool: %w", err)
	}

	return key, remaining, tx.Commit()
}

// ===== FORWARD QUEUE =====

// Add inserts a forwarding record.
func (d *DB) Add(fm *ForwardedMessage) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO forwarded_messages (peer_url, message, first_failed, last_failed) VALUES (?, ?, ?, ?)`,
		fm.PeerURL, fm.Message, fm.FirstFailed.UnixNano(), fm.LastFailed.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("queue forward: %w", err)
	}
	return res.LastInsertId()
}

// Touch updates last_failed only; first_failed is immutable.
func (d *DB) Touch(id int64, lastFailed time.Time) error {
	_, err := d.db.Exec(
		`UPDATE forwarded_messages SET last_failed = ? WHERE id = ?`,
		lastFailed.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("touch forward: %w", err)
	}
	return nil
}

// Remove deletes a forwarding record.
func (d *DB) Remove(id int64) error {
	_, err := d.db.Exec(`DELETE FROM forwarded_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove forward: %w", err)
	}
	return nil
}

// Pending lists records for one destination, oldest first.
func (d *DB) Pending(peerURL string) ([]*ForwardedMessage, error) {
	rows, err := d.db.Query(
		`SELECT id, peer_url, message, first_failed, last_failed FROM forwarded_messages WHERE peer_url = ? ORDER BY id ASC`,
		peerURL,
	)
	if err != nil {
		return nil, fmt.Errorf("list forwards: %w", err)
	}
	defer rows.Close()

	var out []*ForwardedMessage
	for rows.Next() {
		fm := &ForwardedMessage{}
		var first, last int64
		if err := rows.Scan(&fm.ID, &fm.PeerURL, &fm.Message, &first, &last); err != nil {
			return nil, fmt.Errorf("scan forward: %w", err)
		}
		fm.FirstFailed = time.Unix(0, first)
		fm.LastFailed = time.Unix(0, last)
		out = append(out, fm)
	}

	return out, rows.Err()
}

// Destinations lists peer URLs with pending records.
func (d *DB) Destinations() ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT peer_url FROM forwarded_messages`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out = append(out, url)
	}

	return out, rows.Err()
}

// Count returns the total number of pending forwarding records.
func (d *DB) Count() (int, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM forwarded_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count forwards: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
