// Package maildirstore implements the maildir-backed mail storage layer:
// directory/file operations for a maildir tree, the Maildir flag-suffix
// encoding, per-folder sidecar flag files, and path translation between
// the wire folder syntax and the on-disk layout.
//
// Low-level maildir file manipulation (cur/new/tmp, flag-suffix naming)
// is delegated to github.com/emersion/go-maildir; this package adds the
// folder-path translation, the sidecar flags file, and the SQL UID
// registry integration on top of it.
package maildirstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"
)

const sidecarFlagsFile = ".erooster_folder_flags"

// Registry is the SQL-backed UID registry a folder uses to assign and
// look up UIDs for maildir filename stems. One Registry is bound to a
// single folder's mail table (see internal/db and Store.registryFor).
type Registry interface {
	// Insert assigns and returns a new UID for maildirID.
	Insert(ctx context.Context, maildirID string) (uid uint32, err error)
	// UID looks up the UID for maildirID, returning ok=false if unknown.
	UID(ctx context.Context, maildirID string) (uid uint32, ok bool, err error)
	// Max returns the highest assigned UID, 0 if none.
	Max(ctx context.Context) (uint32, error)
}

// RegistryOpener opens or creates the Registry for a given on-disk folder
// path, used so Store can lazily provision one registry per folder.
type RegistryOpener func(folderPath string) (Registry, error)

// Store is the maildir-backed storage layer.
type Store struct {
	Root         string // maildir root directory
	OpenRegistry RegistryOpener
}

func New(root string, opener RegistryOpener) *Store {
	return &Store{Root: root, OpenRegistry: opener}
}

// Entry pairs a stored message with its UID.
type Entry struct {
	Key string // maildir filename stem
	UID uint32 // 0 if no registry row exists
}

// ToOndiskPath translates a wire-syntax folder path (slash-separated,
// possibly quoted) into the on-disk path under root/username:
//   - '/' becomes '.'
//   - surrounding quotes are stripped
//   - every leaf except "INBOX" is dot-prefixed
func (s *Store) ToOndiskPath(wirePath, username string) string {
	wirePath = strings.Trim(wirePath, `"`)
	if strings.EqualFold(wirePath, "INBOX") {
		return filepath.Join(s.Root, username, "INBOX")
	}
	encoded := strings.ReplaceAll(wirePath, "/", ".")
	if !strings.HasPrefix(encoded, ".") {
		encoded = "." + encoded
	}
	return filepath.Join(s.Root, username, encoded)
}

// ToWirePath reverses ToOndiskPath's hierarchy encoding for a folder leaf
// name (the final path component on disk, e.g. ".Sent.2024").
func ToWirePath(leaf string) string {
	leaf = strings.TrimPrefix(leaf, ".")
	return strings.ReplaceAll(leaf, ".", "/")
}

// CreateDirs ensures cur/, new/, tmp/ exist under path.
func (s *Store) CreateDirs(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("maildirstore: create %s: %w", path, err)
	}
	if err := maildir.Dir(path).Init(); err != nil && !os.IsExist(err) {
		return fmt.Errorf("maildirstore: init %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "cur"))
	return err == nil
}

// GetFlags reads the folder-level sidecar flags file. A missing file
// yields an empty list, not an error.
func (s *Store) GetFlags(path string) ([]string, error) {
	f, err := os.Open(filepath.Join(path, sidecarFlagsFile))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("maildirstore: read folder flags: %w", err)
	}
	defer f.Close()

	var flags []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			flags = append(flags, line)
		}
	}
	return flags, sc.Err()
}

// AddFlag appends flag to the sidecar file. Duplicate detection is the
// caller's responsibility.
func (s *Store) AddFlag(path, flag string) error {
	existing, err := s.GetFlags(path)
	if err != nil {
		return err
	}
	for _, f := range existing {
		if f == flag {
			return nil
		}
	}
	f, err := os.OpenFile(filepath.Join(path, sidecarFlagsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("maildirstore: add folder flag: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, flag)
	return err
}

// RemoveFlag rewrites the sidecar file with flag filtered out.
func (s *Store) RemoveFlag(path, flag string) error {
	existing, err := s.GetFlags(path)
	if err != nil {
		return err
	}
	kept := existing[:0]
	for _, f := range existing {
		if f != flag {
			kept = append(kept, f)
		}
	}
	return s.writeFlags(path, kept)
}

func (s *Store) writeFlags(path string, flags []string) error {
	f, err := os.Create(filepath.Join(path, sidecarFlagsFile))
	if err != nil {
		return fmt.Errorf("maildirstore: write folder flags: %w", err)
	}
	defer f.Close()
	for _, flag := range flags {
		if _, err := fmt.Fprintln(f, flag); err != nil {
			return err
		}
	}
	return nil
}

// ListSubdirs lists the folder directories directly under path (i.e. the
// dot-prefixed maildir folders one level down from a mailbox root).
func (s *Store) ListSubdirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("maildirstore: list subdirs: %w", err)
	}
	var subdirs []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if exists(filepath.Join(path, e.Name())) {
			subdirs = append(subdirs, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(subdirs)
	return subdirs, nil
}

func (s *Store) CountNew(path string) (int, error) {
	keys, err := newKeys(filepath.Join(path, "new"))
	if err != nil {
		return 0, fmt.Errorf("maildirstore: count new: %w", err)
	}
	return len(keys), nil
}

func (s *Store) CountCur(path string) (int, error) {
	keys, err := curKeys(filepath.Join(path, "cur"))
	if err != nil {
		return 0, fmt.Errorf("maildirstore: count cur: %w", err)
	}
	return len(keys), nil
}

// UIDForFolder answers UIDNEXT via count(cur)+count(new), a fallback for
// callers that cannot reach the SQL registry.
func (s *Store) UIDForFolder(path string) (uint32, error) {
	nc, err := s.CountCur(path)
	if err != nil {
		return 0, err
	}
	nn, err := s.CountNew(path)
	if err != nil {
		return 0, err
	}
	return uint32(nc + nn), nil
}

func (s *Store) registry(path string) (Registry, error) {
	return s.OpenRegistry(path)
}

// newKeys lists the filenames in a new/ directory; files there carry no
// flag suffix, so the filename is the key. A missing directory is an
// empty folder, not an error.
func newKeys(newDir string) ([]string, error) {
	entries, err := os.ReadDir(newDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// curKeys lists the keys in a cur/ directory, stripping the ":2,..."
// flag suffix each filename carries there.
func curKeys(curDir string) ([]string, error) {
	entries, err := os.ReadDir(curDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// StoreNew writes data into new/ and inserts the SQL registry row,
// returning the maildir id (filename stem). The delivery key is
// recovered by diffing new/ around the write, since the maildir layer
// does not expose it.
func (s *Store) StoreNew(ctx context.Context, path string, data []byte) (maildirID string, uid uint32, err error) {
	if err := s.CreateDirs(path); err != nil {
		return "", 0, err
	}

	newDir := filepath.Join(path, "new")
	before, err := newKeys(newDir)
	if err != nil {
		return "", 0, fmt.Errorf("maildirstore: snapshot new/: %w", err)
	}
	seen := make(map[string]bool, len(before))
	for _, k := range before {
		seen[k] = true
	}

	delivery, err := maildir.NewDelivery(path)
	if err != nil {
		return "", 0, fmt.Errorf("maildirstore: new delivery: %w", err)
	}
	if _, err := delivery.Write(data); err != nil {
		delivery.Abort()
		return "", 0, fmt.Errorf("maildirstore: write: %w", err)
	}
	if err := delivery.Close(); err != nil {
		return "", 0, fmt.Errorf("maildirstore: close delivery: %w", err)
	}

	after, err := newKeys(newDir)
	if err != nil {
		return "", 0, fmt.Errorf("maildirstore: rescan new/: %w", err)
	}
	var key string
	for _, k := range after {
		if !seen[k] {
			key = k
			break
		}
	}
	if key == "" {
		return "", 0, fmt.Errorf("maildirstore: delivered message not found in %s", newDir)
	}

	reg, err := s.registry(path)
	if err != nil {
		return "", 0, err
	}
	uid, err = reg.Insert(ctx, key)
	if err != nil {
		return "", 0, fmt.Errorf("maildirstore: registry insert: %w", err)
	}
	return key, uid, nil
}

// imapToMaildirFlags maps the fixed IMAP flag set to Maildir letters,
// case-insensitive on input, dropping unknown flags.
func imapToMaildirFlags(imapFlags []string) []maildir.Flag {
	var out []maildir.Flag
	for _, f := range imapFlags {
		switch strings.ToLower(f) {
		case `\seen`:
			out = append(out, maildir.FlagSeen)
		case `\deleted`:
			out = append(out, maildir.FlagTrashed)
		case `\flagged`:
			out = append(out, maildir.FlagFlagged)
		case `\draft`:
			out = append(out, maildir.FlagDraft)
		case `\answered`:
			out = append(out, maildir.FlagReplied)
		}
	}
	return out
}

// MaildirToIMAPFlags is the inverse mapping, used when reporting FLAGS.
func MaildirToIMAPFlags(flags []maildir.Flag) []string {
	var out []string
	for _, f := range flags {
		switch f {
		case maildir.FlagSeen:
			out = append(out, `\Seen`)
		case maildir.FlagTrashed:
			out = append(out, `\Deleted`)
		case maildir.FlagFlagged:
			out = append(out, `\Flagged`)
		case maildir.FlagDraft:
			out = append(out, `\Draft`)
		case maildir.FlagReplied:
			out = append(out, `\Answered`)
		}
	}
	return out
}

// infoFromFlags renders the cur/ filename suffix that follows ':', with
// the flag letters in the ASCII order the maildir spec requires.
func infoFromFlags(flags []maildir.Flag) string {
	chars := make([]byte, 0, len(flags))
	for _, f := range flags {
		chars = append(chars, byte(f))
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })
	return "2," + string(chars)
}

// StoreCurWithFlags writes data directly into cur/ with the given IMAP
// flags translated to a Maildir suffix, and inserts the SQL registry row.
func (s *Store) StoreCurWithFlags(ctx context.Context, path string, data []byte, imapFlags []string) (maildirID string, uid uint32, err error) {
	key, uid, err := s.StoreNew(ctx, path, data)
	if err != nil {
		return "", 0, err
	}
	if err := s.setKeyFlags(path, key, imapToMaildirFlags(imapFlags)); err != nil {
		return "", 0, err
	}
	return key, uid, nil
}

// setKeyFlags rewrites a message's filename-encoded flag set. A message
// still sitting in new/ (which MessageByKey cannot see) is moved into
// cur/ with the requested flags, which is also how STORE promotes a
// not-yet-read message.
func (s *Store) setKeyFlags(path, key string, flags []maildir.Flag) error {
	dir := maildir.Dir(path)
	if msg, err := dir.MessageByKey(key); err == nil {
		return msg.SetFlags(flags)
	}

	src := filepath.Join(path, "new", key)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("maildirstore: no message with key %s in %s", key, path)
	}
	dst := filepath.Join(path, "cur", key+":"+infoFromFlags(flags))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("maildirstore: move %s to cur: %w", key, err)
	}
	return nil
}

// MoveNewToCurWithFlags moves a new/ message to cur/ carrying the given
// IMAP flag set, used by STORE when a message hasn't been moved to cur/
// yet.
func (s *Store) MoveNewToCurWithFlags(path, key string, imapFlags []string) error {
	return s.setKeyFlags(path, key, imapToMaildirFlags(imapFlags))
}

func (s *Store) SetFlags(path, key string, imapFlags []string) error {
	return s.setKeyFlags(path, key, imapToMaildirFlags(imapFlags))
}

func (s *Store) AddFlags(path, key string, imapFlags []string) error {
	current, err := s.Flags(path, key)
	if err != nil {
		return err
	}
	merged := append(append([]string{}, current...), imapFlags...)
	return s.setKeyFlags(path, key, imapToMaildirFlags(merged))
}

func (s *Store) RemoveFlags(path, key string, imapFlags []string) error {
	current, err := s.Flags(path, key)
	if err != nil {
		return err
	}
	remove := make(map[string]bool)
	for _, f := range imapFlags {
		remove[strings.ToLower(f)] = true
	}
	var kept []string
	for _, f := range current {
		if !remove[strings.ToLower(f)] {
			kept = append(kept, f)
		}
	}
	return s.setKeyFlags(path, key, imapToMaildirFlags(kept))
}

// ListNew and ListAll enumerate stored messages, each paired with its
// registry UID (0 if no row exists). ListNew reports only messages still
// in the maildir's new/ subdirectory, i.e. the RFC 3501 \Recent set;
// unlike go-maildir's Unseen it does not move them into cur/.
func (s *Store) ListNew(ctx context.Context, path string) ([]Entry, error) {
	keys, err := newKeys(filepath.Join(path, "new"))
	if err != nil {
		return nil, fmt.Errorf("maildirstore: list new: %w", err)
	}
	return s.withUIDs(ctx, path, keys)
}

func (s *Store) ListCur(ctx context.Context, path string) ([]Entry, error) {
	keys, err := curKeys(filepath.Join(path, "cur"))
	if err != nil {
		return nil, fmt.Errorf("maildirstore: list cur: %w", err)
	}
	return s.withUIDs(ctx, path, keys)
}

func (s *Store) ListAll(ctx context.Context, path string) ([]Entry, error) {
	inNew, err := newKeys(filepath.Join(path, "new"))
	if err != nil {
		return nil, fmt.Errorf("maildirstore: list new: %w", err)
	}
	inCur, err := curKeys(filepath.Join(path, "cur"))
	if err != nil {
		return nil, fmt.Errorf("maildirstore: list cur: %w", err)
	}
	return s.withUIDs(ctx, path, append(inNew, inCur...))
}

func (s *Store) withUIDs(ctx context.Context, path string, keys []string) ([]Entry, error) {
	reg, err := s.registry(path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		uid, ok, err := reg.UID(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("maildirstore: registry lookup: %w", err)
		}
		if !ok {
			uid = 0
		}
		entries = append(entries, Entry{Key: k, UID: uid})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })
	return entries, nil
}

// Open returns the raw message bytes of key, wherever it currently lives.
func (s *Store) Open(path, key string) ([]byte, error) {
	dir := maildir.Dir(path)
	if msg, err := dir.MessageByKey(key); err == nil {
		r, err := msg.Open()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}

	data, err := os.ReadFile(filepath.Join(path, "new", key))
	if err != nil {
		return nil, fmt.Errorf("maildirstore: open %s: %w", key, err)
	}
	return data, nil
}

// Remove permanently deletes a stored message, used by CLOSE to purge
// \Deleted messages.
func (s *Store) Remove(path, key string) error {
	dir := maildir.Dir(path)
	if msg, err := dir.MessageByKey(key); err == nil {
		return msg.Remove()
	}
	if err := os.Remove(filepath.Join(path, "new", key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("maildirstore: remove %s: %w", key, err)
	}
	return nil
}

// Flags returns the current IMAP flag set for key. A message still in
// new/ has no flag suffix, so its set is empty.
func (s *Store) Flags(path, key string) ([]string, error) {
	dir := maildir.Dir(path)
	if msg, err := dir.MessageByKey(key); err == nil {
		return MaildirToIMAPFlags(msg.Flags()), nil
	}
	if _, err := os.Stat(filepath.Join(path, "new", key)); err == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("maildirstore: no message with key %s in %s", key, path)
}
