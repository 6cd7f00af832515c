// Package db wraps the crawshaw.io/sqlite connection pool used for the two
// relational tables this server defines: users and mails. It is the single
// place that issues the SQL statements against them.
package db

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const createSQL = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	hash TEXT
);
CREATE TABLE IF NOT EXISTS mails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	maildir_id TEXT NOT NULL
);
`

// Open opens (creating if necessary) the sqlite database at dbfile and
// returns a pool sized for concurrent connection handlers.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: init open: %w", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: init: %w", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: init close: %w", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("db.Open: pool: %w", err)
	}
	return pool, nil
}

// Init creates the users/mails tables if they do not already exist.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

// UserExists runs SELECT EXISTS(SELECT 1 FROM users WHERE username=$1).
func UserExists(conn *sqlite.Conn, username string) (bool, error) {
	stmt := conn.Prep(`SELECT EXISTS(SELECT 1 FROM users WHERE username = $username);`)
	stmt.SetText("$username", username)
	defer stmt.Reset()
	if ok, err := stmt.Step(); err != nil {
		return false, fmt.Errorf("db.UserExists: %w", err)
	} else if !ok {
		return false, nil
	}
	return stmt.GetInt64("EXISTS(SELECT 1 FROM users WHERE username = $username)") != 0, nil
}

// UserHash runs SELECT hash FROM users WHERE username=$1. ok is false if
// the user does not exist.
func UserHash(conn *sqlite.Conn, username string) (hash string, ok bool, err error) {
	stmt := conn.Prep(`SELECT hash FROM users WHERE username = $username;`)
	stmt.SetText("$username", username)
	defer stmt.Reset()
	hasRow, err := stmt.Step()
	if err != nil {
		return "", false, fmt.Errorf("db.UserHash: %w", err)
	}
	if !hasRow {
		return "", false, nil
	}
	return stmt.GetText("hash"), true, nil
}

// AddUser runs INSERT INTO users(username) VALUES($1).
func AddUser(conn *sqlite.Conn, username string) error {
	stmt := conn.Prep(`INSERT INTO users(username) VALUES($username);`)
	stmt.SetText("$username", username)
	defer stmt.Reset()
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.AddUser: %w", err)
	}
	return nil
}

// SetPassword runs UPDATE users SET hash=$1 WHERE username=$2.
func SetPassword(conn *sqlite.Conn, username, hash string) error {
	stmt := conn.Prep(`UPDATE users SET hash = $hash WHERE username = $username;`)
	stmt.SetText("$hash", hash)
	stmt.SetText("$username", username)
	defer stmt.Reset()
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("db.SetPassword: %w", err)
	}
	return nil
}

// InsertMail runs INSERT INTO mails(maildir_id) VALUES($1) and returns the
// assigned id, which is the IMAP UID (monotonically increasing per the
// AUTOINCREMENT rowid).
func InsertMail(conn *sqlite.Conn, maildirID string) (id int64, err error) {
	stmt := conn.Prep(`INSERT INTO mails(maildir_id) VALUES($maildir_id);`)
	stmt.SetText("$maildir_id", maildirID)
	defer stmt.Reset()
	if _, err := stmt.Step(); err != nil {
		return 0, fmt.Errorf("db.InsertMail: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// MailRow is one row of the mails table.
type MailRow struct {
	ID        int64
	MaildirID string
}

// AllMails runs SELECT * FROM mails.
func AllMails(conn *sqlite.Conn) ([]MailRow, error) {
	var rows []MailRow
	stmt := conn.Prep(`SELECT id, maildir_id FROM mails;`)
	defer stmt.Reset()
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("db.AllMails: %w", err)
		}
		if !hasRow {
			break
		}
		rows = append(rows, MailRow{
			ID:        stmt.GetInt64("id"),
			MaildirID: stmt.GetText("maildir_id"),
		})
	}
	return rows, nil
}

// MaxUID returns the highest assigned id, used to answer UIDNEXT without
// an extra round trip through the maildir directory listing.
func MaxUID(conn *sqlite.Conn) (int64, error) {
	stmt := conn.Prep(`SELECT COALESCE(MAX(id), 0) FROM mails;`)
	defer stmt.Reset()
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, fmt.Errorf("db.MaxUID: %w", err)
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.GetInt64("COALESCE(MAX(id), 0)"), nil
}

// UIDForMaildirID looks up the UID assigned to a maildir filename stem.
// ok is false if no row exists, in which case callers should report UID 0.
func UIDForMaildirID(conn *sqlite.Conn, maildirID string) (uid int64, ok bool, err error) {
	stmt := conn.Prep(`SELECT id FROM mails WHERE maildir_id = $maildir_id;`)
	stmt.SetText("$maildir_id", maildirID)
	defer stmt.Reset()
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, false, fmt.Errorf("db.UIDForMaildirID: %w", err)
	}
	if !hasRow {
		return 0, false, nil
	}
	return stmt.GetInt64("id"), true, nil
}
