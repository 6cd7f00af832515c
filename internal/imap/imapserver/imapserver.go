// Package imapserver implements the IMAP session state machine: the
// command catalogue, LIST/LSUB, FETCH, STORE, SEARCH, and APPEND, driven
// off internal/imap/imapparser and backed by internal/maildirstore.
package imapserver

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"erooster.dev/internal/imap/imapparser"
	"erooster.dev/internal/maildirstore"
	"erooster.dev/internal/throttle"
	"erooster.dev/internal/wire"
)

// CredentialVerifier is the subset of internal/userdb.Store the session
// FSM needs for AUTHENTICATE; an interface so tests can substitute a
// fake without a real database.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) bool
}

// Mode is the session's authentication/selection state.
type Mode int

const (
	ModeNotAuthenticated Mode = iota
	ModeAuthenticated
	ModeSelected
)

const capabilities = "AUTH=PLAIN LOGINDISABLED UTF8=ONLY ENABLE IMAP4rev2 IMAP4rev1"

// roleFolders maps a lower-cased folder leaf name to the IMAP special-use
// flag attached on auto-creation (see DESIGN.md).
var roleFolders = map[string]string{
	"sent":    `\Sent`,
	"junk":    `\Junk`,
	"drafts":  `\Drafts`,
	"archive": `\Archive`,
	"trash":   `\Trash`,
}

// Server holds the shared, read-only collaborators every connection uses.
type Server struct {
	Hostname  string
	Store     *maildirstore.Store
	Users     CredentialVerifier
	TLSConfig *tls.Config

	// Throttle slows down repeated AUTHENTICATE failures from the same
	// remote address or username. Zero value is usable.
	Throttle throttle.Throttle

	Logf func(format string, v ...interface{})
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
	}
}

// Conn is one accepted connection's session. It is single-threaded: one
// goroutine reads and dispatches commands for its lifetime.
type Conn struct {
	server     *Server
	raw        net.Conn
	fr         *wire.Framer
	remoteAddr string

	mode     Mode
	username string

	selectedPath string
	readOnly     bool
	utf8Accept   bool
}

// Serve runs the session loop for one accepted connection until the
// client disconnects or issues LOGOUT. It never returns an error for a
// normal client-initiated close.
func Serve(ctx context.Context, raw net.Conn, server *Server) error {
	c := &Conn{server: server, raw: raw, fr: wire.NewFramer(raw, raw), remoteAddr: raw.RemoteAddr().String()}
	return c.serve(ctx)
}

func (c *Conn) serve(ctx context.Context) error {
	if err := c.fr.WriteLine(fmt.Sprintf("* OK [CAPABILITY %s] IMAP4rev1/IMAP4rev2 Service Ready", capabilities)); err != nil {
		return err
	}

	for {
		line, err := c.fr.ReadLine()
		if err != nil {
			if errors.Is(err, wire.ErrLineTooLong) {
				c.fr.WriteLine("* BAD [SERVERBUG] line too long")
			}
			return err
		}
		if line == "" {
			continue
		}

		cmd, perr := imapparser.ParseLine(line)
		if perr != nil {
			tag := firstToken(line)
			if err := c.fr.WriteLine(fmt.Sprintf("%s BAD [SERVERBUG] unable to parse command", tag)); err != nil {
				return err
			}
			continue
		}

		if cmd.Name == "LOGOUT" {
			c.fr.WriteLine("* BYE erooster signing off")
			return c.fr.WriteLine(fmt.Sprintf("%s OK LOGOUT completed", cmd.Tag))
		}

		starttls, err := c.dispatch(ctx, cmd)
		if err != nil {
			return err
		}
		if starttls {
			if err := c.upgradeTLS(); err != nil {
				return err
			}
		}
	}
}

func firstToken(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}

// dispatch runs one parsed command and returns starttls=true if the caller
// must now perform the TLS handshake (after this function has already
// written the "OK" reply).
func (c *Conn) dispatch(ctx context.Context, cmd *imapparser.Command) (starttls bool, err error) {
	switch cmd.Name {
	case "CAPABILITY":
		if err := c.fr.WriteLine(fmt.Sprintf("* CAPABILITY %s", capabilities)); err != nil {
			return false, err
		}
		return false, c.ok(cmd.Tag, "CAPABILITY completed")

	case "LOGIN":
		return false, c.fr.WriteLine(fmt.Sprintf("%s NO [PRIVACYREQUIRED] LOGIN is disabled", cmd.Tag))

	case "AUTHENTICATE":
		return false, c.handleAuthenticate(ctx, cmd)

	case "ENABLE":
		for _, p := range cmd.Params {
			if strings.EqualFold(p, "UTF8=ACCEPT") {
				c.utf8Accept = true
			}
		}
		return false, c.fr.WriteLine(fmt.Sprintf("%s OK ENABLE completed", cmd.Tag))

	case "LIST", "LSUB":
		return false, c.handleList(cmd)

	case "SELECT", "EXAMINE":
		return false, c.handleSelect(ctx, cmd)

	case "CREATE":
		return false, c.handleCreate(cmd)

	case "DELETE":
		return false, c.handleDelete(cmd)

	case "RENAME":
		return false, c.handleRename(cmd)

	case "SUBSCRIBE", "UNSUBSCRIBE":
		return false, c.handleSubscribe(cmd)

	case "NOOP":
		return false, c.handleNoop(ctx, cmd)

	case "CHECK":
		return false, c.handleCheck(ctx, cmd)

	case "CLOSE":
		return false, c.handleClose(ctx, cmd)

	case "FETCH":
		return false, c.handleFetch(ctx, cmd)

	case "STORE":
		return false, c.handleStore(ctx, cmd)

	case "SEARCH":
		return false, c.handleSearch(ctx, cmd)

	case "APPEND":
		return false, c.handleAppend(ctx, cmd)

	case "COPY", "MOVE", "EXPUNGE":
		// Bare and UID-prefixed alike; see DESIGN.md.
		return false, c.fr.WriteLine(fmt.Sprintf("%s BAD Not supported", cmd.Tag))

	case "STARTTLS":
		if err := c.fr.WriteLine(fmt.Sprintf("%s OK begin TLS negotiation now", cmd.Tag)); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, c.fr.WriteLine(fmt.Sprintf("%s BAD Not supported", cmd.Tag))
	}
}

func (c *Conn) ok(tag, text string) error {
	return c.fr.WriteLine(fmt.Sprintf("%s OK %s", tag, text))
}

func (c *Conn) no(tag, text string) error {
	return c.fr.WriteLine(fmt.Sprintf("%s NO %s", tag, text))
}

func (c *Conn) requireAuthenticated(tag string) bool {
	if c.mode == ModeNotAuthenticated {
		c.no(tag, "invalid state")
		return false
	}
	return true
}

func (c *Conn) requireSelected(tag string) bool {
	if c.mode != ModeSelected {
		c.no(tag, "invalid state")
		return false
	}
	return true
}

func (c *Conn) handleAuthenticate(ctx context.Context, cmd *imapparser.Command) error {
	if cmd.Auth.Mechanism != "PLAIN" {
		return c.fr.WriteLine(fmt.Sprintf("%s NO unsupported mechanism", cmd.Tag))
	}

	initial := cmd.Auth.Initial
	if initial == "" {
		if err := c.fr.WriteLine("+ "); err != nil {
			return err
		}
		line, err := c.fr.ReadLine()
		if err != nil {
			return err
		}
		initial = line
	}

	user, pass, err := decodePlainAuth(initial)
	if err != nil {
		return c.no(cmd.Tag, "Invalid user or password")
	}

	c.server.Throttle.Throttle(c.remoteAddr)
	c.server.Throttle.Throttle(user)

	if !c.server.Users.Verify(ctx, user, pass) {
		c.server.Throttle.Add(c.remoteAddr)
		c.server.Throttle.Add(user)
		c.mode = ModeNotAuthenticated
		return c.no(cmd.Tag, "Invalid user or password")
	}

	c.mode = ModeAuthenticated
	c.username = strings.ToLower(user)
	protection := "unprotected"
	if _, ok := c.raw.(*tls.Conn); ok {
		protection = "tls protection"
	}
	return c.fr.WriteLine(fmt.Sprintf("%s OK Success (%s)", cmd.Tag, protection))
}

// decodePlainAuth decodes the SASL PLAIN "\0user\0pass" payload.
func decodePlainAuth(b64 string) (user, pass string, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", fmt.Errorf("imapserver: bad base64: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("imapserver: malformed PLAIN payload")
	}
	return parts[1], parts[2], nil
}

func (c *Conn) folderPath(mailbox string) string {
	return c.server.Store.ToOndiskPath(mailbox, c.username)
}

func (c *Conn) handleCreate(cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}
	path := c.folderPath(cmd.Mailbox)
	if err := c.server.Store.CreateDirs(path); err != nil {
		return c.no(cmd.Tag, "create failed")
	}
	c.attachRoleFlags(path, cmd.Mailbox)
	return c.ok(cmd.Tag, "CREATE completed")
}

func (c *Conn) attachRoleFlags(path, mailbox string) {
	leaf := strings.ToLower(mailbox)
	if idx := strings.LastIndexByte(leaf, '/'); idx >= 0 {
		leaf = leaf[idx+1:]
	}
	if role, ok := roleFolders[leaf]; ok {
		c.server.Store.AddFlag(path, role)
		c.server.Store.AddFlag(path, `\Subscribed`)
	}
}

func (c *Conn) handleDelete(cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}
	path := c.folderPath(cmd.Mailbox)
	if err := os.RemoveAll(path); err != nil {
		return c.no(cmd.Tag, "delete failed")
	}
	return c.ok(cmd.Tag, "DELETE completed")
}

func (c *Conn) handleRename(cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}
	oldPath := c.folderPath(cmd.Rename.Old)
	newPath := c.folderPath(cmd.Rename.New)
	if err := os.Rename(oldPath, newPath); err != nil {
		return c.no(cmd.Tag, "rename failed")
	}
	return c.ok(cmd.Tag, "RENAME completed")
}

func (c *Conn) handleSubscribe(cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}
	path := c.folderPath(cmd.Mailbox)
	if cmd.Name == "SUBSCRIBE" {
		c.server.Store.CreateDirs(path)
		c.attachRoleFlags(path, cmd.Mailbox)
		if err := c.server.Store.AddFlag(path, `\Subscribed`); err != nil {
			return c.no(cmd.Tag, "subscribe failed")
		}
	} else {
		if err := c.server.Store.RemoveFlag(path, `\Subscribed`); err != nil {
			return c.no(cmd.Tag, "unsubscribe failed")
		}
	}
	return c.ok(cmd.Tag, cmd.Name+" completed")
}

func (c *Conn) handleSelect(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}
	path := c.folderPath(cmd.Mailbox)
	if strings.EqualFold(cmd.Mailbox, "INBOX") {
		c.server.Store.CreateDirs(path)
	}

	entries, err := c.server.Store.ListAll(ctx, path)
	if err != nil {
		return c.no(cmd.Tag, "select failed")
	}
	recent, err := c.server.Store.ListNew(ctx, path)
	if err != nil {
		return c.no(cmd.Tag, "select failed")
	}

	c.mode = ModeSelected
	c.selectedPath = path
	c.readOnly = cmd.Name == "EXAMINE"

	uidNext := uint32(1)
	if len(entries) > 0 {
		uidNext = entries[len(entries)-1].UID + 1
	}
	uidValidity := uint32(time.Now().UnixMilli())

	c.fr.WriteLine(fmt.Sprintf("* %d EXISTS", len(entries)))
	c.fr.WriteLine(fmt.Sprintf("* %d RECENT", len(recent)))
	c.fr.WriteLine(fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", uidValidity))
	c.fr.WriteLine(fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", uidNext))
	c.fr.WriteLine(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.fr.WriteLine(`* OK [PERMANENTFLAGS (\Deleted \Seen \*)] Limited`)
	c.fr.WriteLine(fmt.Sprintf(`* LIST () "." %q`, cmd.Mailbox))

	state := "READ-WRITE"
	if c.readOnly {
		state = "READ-ONLY"
	}
	return c.fr.WriteLine(fmt.Sprintf("%s OK [%s] %s completed", cmd.Tag, state, cmd.Name))
}

func (c *Conn) handleNoop(ctx context.Context, cmd *imapparser.Command) error {
	if c.mode == ModeSelected {
		n, err := c.server.Store.CountNew(c.selectedPath)
		if err == nil && n > 0 {
			entries, _ := c.server.Store.ListAll(ctx, c.selectedPath)
			c.fr.WriteLine(fmt.Sprintf("* %d EXISTS", len(entries)))
			if recent, err := c.server.Store.ListNew(ctx, c.selectedPath); err == nil {
				c.fr.WriteLine(fmt.Sprintf("* %d RECENT", len(recent)))
			}
		}
	}
	return c.ok(cmd.Tag, "NOOP completed")
}

func (c *Conn) handleCheck(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireSelected(cmd.Tag) {
		return nil
	}
	n, err := c.server.Store.CountNew(c.selectedPath)
	if err == nil {
		for i := 0; i < n; i++ {
			c.fr.WriteLine(fmt.Sprintf("* OK %d EXISTS", i+1))
		}
	}
	return c.ok(cmd.Tag, "CHECK completed")
}

func (c *Conn) handleClose(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireSelected(cmd.Tag) {
		return nil
	}
	if c.readOnly {
		return c.no(cmd.Tag, "in read-only mode")
	}

	entries, err := c.server.Store.ListAll(ctx, c.selectedPath)
	if err == nil {
		for _, e := range entries {
			flags, err := c.server.Store.Flags(c.selectedPath, e.Key)
			if err != nil {
				continue
			}
			if containsFlag(flags, `\Deleted`) {
				c.server.Store.Remove(c.selectedPath, e.Key)
			}
		}
	}

	c.mode = ModeAuthenticated
	c.selectedPath = ""
	return c.ok(cmd.Tag, "CLOSE completed")
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// selectedEntries returns the selected folder's messages ordered by UID,
// which also defines the 1-based sequence numbering for this session.
func (c *Conn) selectedEntries(ctx context.Context) ([]maildirstore.Entry, error) {
	entries, err := c.server.Store.ListAll(ctx, c.selectedPath)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })
	return entries, nil
}

// resolveSequences maps the command's Sequences (seq-nums or UIDs,
// depending on cmd.UID) against the selected folder's current entries.
func (c *Conn) resolveSequences(entries []maildirstore.Entry, seqs []imapparser.SeqRange, byUID bool) []maildirstore.Entry {
	var out []maildirstore.Entry
	for i, e := range entries {
		id := uint32(i + 1)
		if byUID {
			id = e.UID
		}
		for _, r := range seqs {
			if r.Contains(id) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (c *Conn) upgradeTLS() error {
	if c.server.TLSConfig == nil {
		return fmt.Errorf("imapserver: STARTTLS requested but no TLS config configured")
	}
	tlsConn := tls.Server(c.raw, c.server.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("imapserver: TLS handshake: %w", err)
	}
	c.raw = tlsConn
	c.fr = wire.NewFramer(tlsConn, tlsConn)
	return nil
}
