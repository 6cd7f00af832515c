package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"crawshaw.io/sqlite/sqlitex"

	"erooster.dev/internal/maildirstore"
)

// registryFile is the per-folder sqlite database holding the mails table
// that assigns and remembers UIDs for maildir filename stems. Each
// folder gets its own database file so that the "mails" table's
// autoincrement id is, by construction, monotonically increasing for
// that folder alone, using a two-column schema (id, maildir_id) with no
// folder column, while still satisfying the per-folder UID-monotonicity
// invariant. See DESIGN.md for the tradeoff.
const registryFile = ".erooster_mails.db"

// FolderRegistries caches one open pool per folder path.
type FolderRegistries struct {
	mu    sync.Mutex
	pools map[string]*sqlitex.Pool
}

func NewFolderRegistries() *FolderRegistries {
	return &FolderRegistries{pools: make(map[string]*sqlitex.Pool)}
}

// Open returns the maildirstore.Registry for folderPath, opening (and
// initializing) its sqlite file on first use.
func (r *FolderRegistries) Open(folderPath string) (maildirstore.Registry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[folderPath]; ok {
		return &folderRegistry{pool: pool}, nil
	}
	pool, err := Open(filepath.Join(folderPath, registryFile))
	if err != nil {
		return nil, fmt.Errorf("db.FolderRegistries: %w", err)
	}
	r.pools[folderPath] = pool
	return &folderRegistry{pool: pool}, nil
}

type folderRegistry struct {
	pool *sqlitex.Pool
}

func (f *folderRegistry) Insert(ctx context.Context, maildirID string) (uint32, error) {
	conn := f.pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer f.pool.Put(conn)

	id, err := InsertMail(conn, maildirID)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func (f *folderRegistry) UID(ctx context.Context, maildirID string) (uint32, bool, error) {
	conn := f.pool.Get(ctx)
	if conn == nil {
		return 0, false, context.Canceled
	}
	defer f.pool.Put(conn)

	id, ok, err := UIDForMaildirID(conn, maildirID)
	if err != nil || !ok {
		return 0, ok, err
	}
	return uint32(id), true, nil
}

// CountMessages walks every folder registry beneath maildirRoot and sums
// their mails rows, used by eroosterctl status to report how much mail
// the server is holding. Folders without a registry file (never written
// to) count as zero.
func CountMessages(ctx context.Context, maildirRoot string) (int, error) {
	users, err := os.ReadDir(maildirRoot)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("db.CountMessages: %w", err)
	}

	total := 0
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		userDir := filepath.Join(maildirRoot, u.Name())
		folders, err := os.ReadDir(userDir)
		if err != nil {
			continue
		}
		for _, f := range folders {
			if !f.IsDir() {
				continue
			}
			regPath := filepath.Join(userDir, f.Name(), registryFile)
			if _, err := os.Stat(regPath); err != nil {
				continue
			}
			pool, err := Open(regPath)
			if err != nil {
				return 0, fmt.Errorf("db.CountMessages: %w", err)
			}
			conn := pool.Get(ctx)
			if conn == nil {
				pool.Close()
				return 0, context.Canceled
			}
			rows, err := AllMails(conn)
			pool.Put(conn)
			pool.Close()
			if err != nil {
				return 0, err
			}
			total += len(rows)
		}
	}
	return total, nil
}

func (f *folderRegistry) Max(ctx context.Context) (uint32, error) {
	conn := f.pool.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer f.pool.Put(conn)

	id, err := MaxUID(conn)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}
