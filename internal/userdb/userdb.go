// Package userdb implements the credential store: exists, verify, add,
// and set_password, backed by the users table in internal/db and
// Argon2id password hashing.
package userdb

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/argon2"

	"erooster.dev/internal/db"
)

// Argon2id tuning. These match the library's recommended interactive
// parameters; no dedicated config surface is exposed for them.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var ErrUserExists = errors.New("userdb: user already exists")
var ErrNoSuchUser = errors.New("userdb: no such user")
var ErrBadPassword = errors.New("userdb: invalid password")

// Store is the credential store, backed by a sqlite connection pool.
type Store struct {
	DB *sqlitex.Pool
}

func New(pool *sqlitex.Pool) *Store {
	return &Store{DB: pool}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Exists reports whether username has a row in the users table.
//
// Database errors are treated as "does not exist" (fail-closed) rather
// than propagated, since every caller of Exists uses it to decide
// whether to accept mail for a local recipient.
func (s *Store) Exists(ctx context.Context, username string) bool {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return false
	}
	defer s.DB.Put(conn)

	ok, err := db.UserExists(conn, normalize(username))
	if err != nil {
		return false
	}
	return ok
}

// Verify checks a plaintext password against the stored hash.
//
// Like Exists, any database error is treated as authentication failure.
func (s *Store) Verify(ctx context.Context, username, password string) bool {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return false
	}
	defer s.DB.Put(conn)

	hash, ok, err := db.UserHash(conn, normalize(username))
	if err != nil || !ok || hash == "" {
		return false
	}
	return verifyPHC(hash, password)
}

// Add creates a new user with no password set.
func (s *Store) Add(ctx context.Context, username string) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	username = normalize(username)
	if exists, err := db.UserExists(conn, username); err != nil {
		return fmt.Errorf("userdb.Add: %w", err)
	} else if exists {
		return ErrUserExists
	}
	return db.AddUser(conn, username)
}

// SetPassword hashes password with Argon2id and stores the PHC encoding.
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	conn := s.DB.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.DB.Put(conn)

	username = normalize(username)
	if exists, err := db.UserExists(conn, username); err != nil {
		return fmt.Errorf("userdb.SetPassword: %w", err)
	} else if !exists {
		return ErrNoSuchUser
	}

	hash, err := hashPHC(password)
	if err != nil {
		return fmt.Errorf("userdb.SetPassword: %w", err)
	}
	return db.SetPassword(conn, username, hash)
}

// hashPHC produces a PHC-formatted Argon2id string:
// $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<hash>
func hashPHC(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// verifyPHC parses a PHC-formatted Argon2id string and compares it
// against password in constant time.
func verifyPHC(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	// ["", "argon2id", "v=19", "m=...,t=...,p=...", "<salt>", "<hash>"]
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}
	var mem uint32
	var time_ uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &time_, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, time_, mem, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
