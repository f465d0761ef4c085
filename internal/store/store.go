// Package store is the persistence capability behind the relay: encrypted
// message rows, friendships and group membership. Content blobs are opaque
// ciphertext; the store never inspects them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to ":memory:" would otherwise see its own
	// empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL for concurrency; busy timeout so interleaved handlers queue
	// instead of failing.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	sender_id  TEXT NOT NULL,
	peer_id    TEXT,
	group_id   TEXT,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	read_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer_id, sender_id);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id);

CREATE TABLE IF NOT EXISTS friendships (
	user_a TEXT NOT NULL,
	user_b TEXT NOT NULL,
	PRIMARY KEY (user_a, user_b)
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, user_id)
);
`

func (d *DB) Close() error { return d.db.Close() }

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

// SaveDirect persists one one-to-one message and returns its durable id and
// timestamp (unix milliseconds).
func (d *DB) SaveDirect(ctx context.Context, senderID, recipientID, content string) (string, int64, error) {
	id := ksuid.New().String()
	ts := nowMillis()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, peer_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, senderID, recipientID, content, ts)
	if err != nil {
		return "", 0, fmt.Errorf("save message: %w", err)
	}
	return id, ts, nil
}

// SaveGroup persists one group message.
func (d *DB) SaveGroup(ctx context.Context, senderID, groupID, content string) (string, int64, error) {
	id := ksuid.New().String()
	ts := nowMillis()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, group_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, senderID, groupID, content, ts)
	if err != nil {
		return "", 0, fmt.Errorf("save group message: %w", err)
	}
	return id, ts, nil
}

// MarkRead bulk-marks every unread message from peerID to readerID as read
// and returns the number of rows affected.
func (d *DB) MarkRead(ctx context.Context, readerID, peerID string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE messages SET read_at = ? WHERE sender_id = ? AND peer_id = ? AND read_at IS NULL`,
		nowMillis(), peerID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// AreFriends reports whether a and b have an allowed-to-message relationship.
// Friendships are stored once with the lower id first.
func (d *DB) AreFriends(ctx context.Context, a, b string) (bool, error) {
	lo, hi := orderPair(a, b)
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM friendships WHERE user_a = ? AND user_b = ?`, lo, hi).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("friendship lookup: %w", err)
	}
	return n > 0, nil
}

// AddFriend records an allowed-to-message relationship between a and b.
func (d *DB) AddFriend(ctx context.Context, a, b string) error {
	lo, hi := orderPair(a, b)
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO friendships (user_a, user_b) VALUES (?, ?)`, lo, hi)
	if err != nil {
		return fmt.Errorf("add friend: %w", err)
	}
	return nil
}

// Members returns the current membership of groupID in join order. It is
// queried per send, not cached: membership changes become visible on the
// next message.
func (d *DB) Members(ctx context.Context, groupID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at, user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("group members: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AddMember adds userID to groupID.
func (d *DB) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)`,
		groupID, userID, nowMillis())
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// UnreadCount returns how many messages from peerID to readerID are unread.
func (d *DB) UnreadCount(ctx context.Context, readerID, peerID string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE sender_id = ? AND peer_id = ? AND read_at IS NULL`,
		peerID, readerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

func orderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
