package imapparser

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLine parses one client command line (without the trailing CRLF).
// For APPEND, Command.Append.LiteralLen/NonSync are populated from the
// trailing {N}/{N+} marker; the caller is responsible for reading that
// many bytes from the connection's framer afterward.
func ParseLine(line string) (*Command, error) {
	sc := newScanner(line)
	tagTok, err := sc.token()
	if err != nil {
		return nil, fmt.Errorf("imapparser: missing tag: %w", err)
	}
	if err := validTag(tagTok); err != nil {
		return nil, err
	}

	nameTok, err := sc.token()
	if err != nil {
		return nil, fmt.Errorf("imapparser: missing command: %w", err)
	}
	name := strings.ToUpper(nameTok)

	cmd := &Command{Tag: tagTok, Name: name}
	if name == "UID" {
		cmd.UID = true
		sub, err := sc.token()
		if err != nil {
			return nil, fmt.Errorf("imapparser: UID requires a command: %w", err)
		}
		cmd.Name = strings.ToUpper(sub)
	}

	args := sc.rest()
	cmd.unparsed = args

	switch cmd.Name {
	case "CAPABILITY", "NOOP", "CHECK", "CLOSE", "LOGOUT", "STARTTLS":
		// no arguments
	case "COPY", "MOVE", "EXPUNGE":
		// recognized but always answered BAD Not supported; arguments (if
		// any) are left unparsed in cmd.unparsed

	case "LOGIN":
		return cmd, parseLogin(cmd, args)
	case "AUTHENTICATE":
		return cmd, parseAuthenticate(cmd, args)
	case "ENABLE":
		items, err := splitArgs(args)
		if err != nil {
			return nil, err
		}
		cmd.Params = items
	case "LIST", "LSUB":
		return cmd, parseList(cmd, args)
	case "SELECT", "EXAMINE", "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE", "STATUS":
		cmd.Mailbox = unquote(strings.TrimSpace(args))
	case "RENAME":
		items, err := splitArgs(args)
		if err != nil {
			return nil, err
		}
		if len(items) != 2 {
			return nil, fmt.Errorf("imapparser: RENAME requires two arguments")
		}
		cmd.Rename.Old = unquote(items[0])
		cmd.Rename.New = unquote(items[1])
	case "FETCH":
		return cmd, parseFetch(cmd, args)
	case "STORE":
		return cmd, parseStore(cmd, args)
	case "SEARCH":
		return cmd, parseSearch(cmd, args)
	case "APPEND":
		return cmd, parseAppendHead(cmd, args)
	default:
		return nil, fmt.Errorf("imapparser: unrecognized command %q", nameTok)
	}
	return cmd, nil
}

// validTag rejects the characters RFC 9051 excludes from <tag>.
func validTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("imapparser: empty tag")
	}
	const excluded = " ()%{\\\"+"
	for _, r := range tag {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(excluded, r) {
			return fmt.Errorf("imapparser: invalid character in tag %q", tag)
		}
	}
	return nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func splitArgs(s string) ([]string, error) {
	sc := newScanner(s)
	var out []string
	for {
		sc.skipSpace()
		if sc.eof() {
			return out, nil
		}
		tok, err := sc.token()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
}

func parseLogin(cmd *Command, args string) error {
	items, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(items) != 2 {
		return fmt.Errorf("imapparser: LOGIN requires username and password")
	}
	cmd.Auth.Username = unquote(items[0])
	cmd.Auth.Password = unquote(items[1])
	return nil
}

func parseAuthenticate(cmd *Command, args string) error {
	items, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("imapparser: AUTHENTICATE requires a mechanism")
	}
	cmd.Auth.Mechanism = strings.ToUpper(items[0])
	if len(items) > 1 {
		cmd.Auth.Initial = items[1]
	}
	return nil
}

func parseList(cmd *Command, args string) error {
	items, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(items) != 2 {
		return fmt.Errorf("imapparser: %s requires reference and pattern", cmd.Name)
	}
	cmd.List.Reference = unquote(items[0])
	cmd.List.Pattern = unquote(items[1])
	return nil
}

func parseFetch(cmd *Command, args string) error {
	sc := newScanner(args)
	seqTok, err := sc.token()
	if err != nil {
		return fmt.Errorf("imapparser: FETCH requires a sequence set: %w", err)
	}
	seqs, err := parseSeqRanges(seqTok)
	if err != nil {
		return err
	}
	cmd.Sequences = seqs

	itemsTok := sc.rest()
	var rawItems []string
	if strings.HasPrefix(itemsTok, "(") {
		rawItems, err = parenItems(itemsTok)
		if err != nil {
			return err
		}
	} else {
		rawItems = []string{itemsTok}
	}

	for _, raw := range rawItems {
		item, err := parseFetchItem(raw)
		if err != nil {
			return err
		}
		cmd.FetchItems = append(cmd.FetchItems, item)
	}
	return nil
}

func parseFetchItem(raw string) (FetchItem, error) {
	raw = strings.TrimSpace(raw)
	upper := strings.ToUpper(raw)

	switch upper {
	case "ALL":
		return FetchItem{Type: FetchAll}, nil
	case "FULL":
		return FetchItem{Type: FetchFull}, nil
	case "FAST":
		return FetchItem{Type: FetchFast}, nil
	case "ENVELOPE":
		return FetchItem{Type: FetchEnvelope}, nil
	case "FLAGS":
		return FetchItem{Type: FetchFlags}, nil
	case "INTERNALDATE":
		return FetchItem{Type: FetchInternalDate}, nil
	case "RFC822.SIZE":
		return FetchItem{Type: FetchRFC822Size}, nil
	case "RFC822.HEADER":
		return FetchItem{Type: FetchRFC822Header}, nil
	case "UID":
		return FetchItem{Type: FetchUID}, nil
	case "BODYSTRUCTURE":
		return FetchItem{Type: FetchBodyStructure}, nil
	}

	peek := false
	rest := raw
	switch {
	case hasCIPrefix(rest, "BODY.PEEK"):
		peek = true
		rest = rest[len("BODY.PEEK"):]
		return parseBodyOrBinary(FetchBody, peek, rest)
	case hasCIPrefix(rest, "BODY"):
		rest = rest[len("BODY"):]
		return parseBodyOrBinary(FetchBody, peek, rest)
	case hasCIPrefix(rest, "BINARY.PEEK"):
		peek = true
		rest = rest[len("BINARY.PEEK"):]
		return parseBodyOrBinary(FetchBinary, peek, rest)
	case hasCIPrefix(rest, "BINARY.SIZE"):
		rest = rest[len("BINARY.SIZE"):]
		return parseBodyOrBinary(FetchBinarySize, peek, rest)
	case hasCIPrefix(rest, "BINARY"):
		rest = rest[len("BINARY"):]
		return parseBodyOrBinary(FetchBinary, peek, rest)
	}
	return FetchItem{}, fmt.Errorf("imapparser: unrecognized fetch attribute %q", raw)
}

func hasCIPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// parseBodyOrBinary parses the "[section]<partial>" suffix shared by
// BODY, BODY.PEEK, BINARY, BINARY.PEEK and BINARY.SIZE.
func parseBodyOrBinary(t FetchItemType, peek bool, rest string) (FetchItem, error) {
	item := FetchItem{Type: t, Peek: peek}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return item, nil
	}
	if rest[0] != '[' {
		return FetchItem{}, fmt.Errorf("imapparser: expected '[' in %q", rest)
	}
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return FetchItem{}, fmt.Errorf("imapparser: unterminated section in %q", rest)
	}
	section, err := parseSection(rest[1:end])
	if err != nil {
		return FetchItem{}, err
	}
	item.Section = section
	rest = rest[end+1:]

	if rest == "" {
		return item, nil
	}
	if !strings.HasPrefix(rest, "<") || !strings.HasSuffix(rest, ">") {
		return FetchItem{}, fmt.Errorf("imapparser: malformed partial range %q", rest)
	}
	parts := strings.SplitN(rest[1:len(rest)-1], ".", 2)
	if len(parts) != 2 {
		return FetchItem{}, fmt.Errorf("imapparser: malformed partial range %q", rest)
	}
	start, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return FetchItem{}, fmt.Errorf("imapparser: bad partial start: %w", err)
	}
	length, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return FetchItem{}, fmt.Errorf("imapparser: bad partial length: %w", err)
	}
	item.Partial.Set = true
	item.Partial.Start = uint32(start)
	item.Partial.Length = uint32(length)
	return item, nil
}

func parseSection(inner string) (FetchSection, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return FetchSection{}, nil
	}
	upper := strings.ToUpper(inner)
	switch {
	case upper == "HEADER":
		return FetchSection{Name: "HEADER"}, nil
	case upper == "TEXT":
		return FetchSection{Name: "TEXT"}, nil
	case upper == "MIME":
		return FetchSection{Name: "MIME"}, nil
	case hasCIPrefix(inner, "HEADER.FIELDS.NOT"):
		fields, err := headerFieldList(inner[len("HEADER.FIELDS.NOT"):])
		return FetchSection{Name: "HEADER.FIELDS.NOT", Headers: fields}, err
	case hasCIPrefix(inner, "HEADER.FIELDS"):
		fields, err := headerFieldList(inner[len("HEADER.FIELDS"):])
		return FetchSection{Name: "HEADER.FIELDS", Headers: fields}, err
	}
	return FetchSection{}, fmt.Errorf("imapparser: unrecognized section %q", inner)
}

func headerFieldList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	items, err := parenItems(s)
	if err != nil {
		return nil, fmt.Errorf("imapparser: header field list: %w", err)
	}
	for i := range items {
		items[i] = unquote(items[i])
	}
	return items, nil
}

func parseStore(cmd *Command, args string) error {
	sc := newScanner(args)
	seqTok, err := sc.token()
	if err != nil {
		return fmt.Errorf("imapparser: STORE requires a sequence set: %w", err)
	}
	seqs, err := parseSeqRanges(seqTok)
	if err != nil {
		return err
	}
	cmd.Sequences = seqs

	modeTok, err := sc.token()
	if err != nil {
		return fmt.Errorf("imapparser: STORE requires a mode: %w", err)
	}
	upper := strings.ToUpper(modeTok)
	store := StoreArgs{}
	switch {
	case strings.HasPrefix(upper, "+"):
		store.Mode = StoreAdd
		upper = upper[1:]
	case strings.HasPrefix(upper, "-"):
		store.Mode = StoreRemove
		upper = upper[1:]
	default:
		store.Mode = StoreReplace
	}
	if strings.HasSuffix(upper, ".SILENT") {
		store.Silent = true
	}

	flagsTok := sc.rest()
	var rawFlags []string
	if strings.HasPrefix(flagsTok, "(") {
		rawFlags, err = parenItems(flagsTok)
		if err != nil {
			return err
		}
	} else if flagsTok != "" {
		rawFlags, err = splitArgs(flagsTok)
		if err != nil {
			return err
		}
	}
	store.Flags = rawFlags
	cmd.Store = store
	return nil
}

func parseAppendHead(cmd *Command, args string) error {
	n, nonSync, head, ok := literalMarker(args)
	if !ok {
		return fmt.Errorf("imapparser: APPEND requires a trailing literal length")
	}
	sc := newScanner(head)
	mailboxTok, err := sc.token()
	if err != nil {
		return fmt.Errorf("imapparser: APPEND requires a mailbox: %w", err)
	}
	cmd.Mailbox = unquote(mailboxTok)

	rest := sc.rest()
	var flags []string
	if strings.HasPrefix(rest, "(") {
		flagsTok, err2 := sc.token()
		if err2 != nil {
			return err2
		}
		flags, err = parenItems(flagsTok)
		if err != nil {
			return err
		}
		rest = sc.rest()
	}
	cmd.Append = AppendArgs{
		Flags:      flags,
		DateTime:   unquote(rest),
		LiteralLen: n,
		NonSync:    nonSync,
	}
	return nil
}
