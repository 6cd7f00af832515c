package imapserver

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"erooster.dev/internal/imap/imapparser"
	"erooster.dev/internal/maildirstore"
)

func (c *Conn) handleFetch(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireSelected(cmd.Tag) {
		return nil
	}
	entries, err := c.selectedEntries(ctx)
	if err != nil {
		return c.no(cmd.Tag, "fetch failed")
	}
	targets := c.resolveSequences(entries, cmd.Sequences, cmd.UID)

	for i, e := range entries {
		matched := false
		for _, t := range targets {
			if t.Key == e.Key {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		seqNum := i + 1
		raw, err := c.server.Store.Open(c.selectedPath, e.Key)
		if err != nil {
			continue
		}
		flags, _ := c.server.Store.Flags(c.selectedPath, e.Key)

		// A UID FETCH response always carries the UID, requested or not.
		attrs := make([]string, 0, len(cmd.FetchItems)+1)
		if cmd.UID && !requestsUID(cmd.FetchItems) {
			attrs = append(attrs, fmt.Sprintf("UID %d", e.UID))
		}
		for _, item := range cmd.FetchItems {
			attrs = append(attrs, c.realizeFetchItem(item, e, flags, raw))
		}
		c.fr.WriteLine(fmt.Sprintf("* %d FETCH (%s)", seqNum, strings.Join(attrs, " ")))
	}

	verb := "FETCH"
	if cmd.UID {
		verb = "UID FETCH"
	}
	return c.ok(cmd.Tag, verb+" completed")
}

func requestsUID(items []imapparser.FetchItem) bool {
	for _, it := range items {
		if it.Type == imapparser.FetchUID {
			return true
		}
	}
	return false
}

func (c *Conn) realizeFetchItem(item imapparser.FetchItem, e maildirstore.Entry, flags []string, raw []byte) string {
	switch item.Type {
	case imapparser.FetchUID:
		return fmt.Sprintf("UID %d", e.UID)
	case imapparser.FetchFlags:
		return fmt.Sprintf("FLAGS (%s)", strings.Join(flags, " "))
	case imapparser.FetchRFC822Size:
		return fmt.Sprintf("RFC822.SIZE %d", len(raw))
	case imapparser.FetchInternalDate:
		return fmt.Sprintf("INTERNALDATE %q", internalDate(raw))
	case imapparser.FetchRFC822Header:
		return wrapLiteral("RFC822.HEADER", headerBytes(raw))
	case imapparser.FetchEnvelope:
		return "ENVELOPE " + envelope(raw)
	case imapparser.FetchBodyStructure:
		return "BODYSTRUCTURE " + bodyStructure(raw)
	case imapparser.FetchBody, imapparser.FetchBinary:
		return bodySection(item, raw)
	case imapparser.FetchBinarySize:
		body := bodyOf(raw)
		return fmt.Sprintf("BINARY.SIZE[%s] %d", sectionLabel(item.Section), len(body))
	default:
		return string(item.Type) + " NIL"
	}
}

func internalDate(raw []byte) string {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	date := m.Header.Get("Date")
	if t, err := mail.ParseDate(date); err == nil {
		return t.Format("02-Jan-2006 15:04:05 -0700")
	}
	return ""
}

func splitHeaderBody(raw []byte) (header, body []byte) {
	s := string(raw)
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := strings.Index(s, sep); idx >= 0 {
			return raw[:idx], raw[idx+len(sep):]
		}
	}
	return raw, nil
}

func headerBytes(raw []byte) []byte {
	h, _ := splitHeaderBody(raw)
	return h
}

func bodyOf(raw []byte) []byte {
	_, b := splitHeaderBody(raw)
	return b
}

func wrapLiteral(label string, data []byte) string {
	return fmt.Sprintf("%s {%d}\r\n%s", label, len(data), data)
}

func sectionLabel(sec imapparser.FetchSection) string {
	switch sec.Name {
	case "HEADER.FIELDS":
		return fmt.Sprintf("HEADER.FIELDS (%s)", strings.Join(sec.Headers, " "))
	case "HEADER.FIELDS.NOT":
		return fmt.Sprintf("HEADER.FIELDS.NOT (%s)", strings.Join(sec.Headers, " "))
	default:
		return sec.Name
	}
}

func bodySection(item imapparser.FetchItem, raw []byte) string {
	label := item.Type
	if item.Peek {
		label = label + ".PEEK"
	}
	full := fmt.Sprintf("%s[%s]", label, sectionLabel(item.Section))

	var data []byte
	switch item.Section.Name {
	case "", "TEXT":
		if item.Section.Name == "TEXT" {
			data = bodyOf(raw)
		} else {
			data = raw
		}
	case "HEADER":
		data = headerBytes(raw)
	case "MIME":
		data = headerBytes(raw)
	case "HEADER.FIELDS":
		data = filterHeaders(raw, item.Section.Headers, false)
	case "HEADER.FIELDS.NOT":
		data = filterHeaders(raw, item.Section.Headers, true)
	}

	if item.Partial.Set {
		start := int(item.Partial.Start)
		if start > len(data) {
			start = len(data)
		}
		end := start + int(item.Partial.Length)
		if end > len(data) {
			end = len(data)
		}
		data = data[start:end]
	}

	return wrapLiteral(full, data)
}

func filterHeaders(raw []byte, names []string, negate bool) []byte {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}
	var b strings.Builder
	for key, vals := range m.Header {
		match := want[strings.ToLower(key)]
		if match == negate {
			continue
		}
		for _, v := range vals {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// envelope produces a best-effort ENVELOPE structure: it covers the
// fields every production client actually reads (date, subject, from,
// to, message-id) rather than the full nine-element RFC 3501 address
// grammar.
func envelope(raw []byte) string {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return "NIL"
	}
	h := m.Header
	return fmt.Sprintf("(%q %q %s %s %s %s NIL NIL NIL %q)",
		h.Get("Date"), h.Get("Subject"),
		addressList(h.Get("From")), addressList(h.Get("To")),
		addressList(h.Get("Cc")), addressList(h.Get("Reply-To")),
		h.Get("Message-Id"))
}

func addressList(header string) string {
	if header == "" {
		return "NIL"
	}
	addrs, err := mail.ParseAddressList(header)
	if err != nil || len(addrs) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteString("(")
	for i, a := range addrs {
		if i > 0 {
			b.WriteString(" ")
		}
		local, domain := splitAddr(a.Address)
		fmt.Fprintf(&b, "(%q NIL %q %q)", a.Name, local, domain)
	}
	b.WriteString(")")
	return b.String()
}

func splitAddr(addr string) (local, domain string) {
	if idx := strings.LastIndexByte(addr, '@'); idx >= 0 {
		return addr[:idx], addr[idx+1:]
	}
	return addr, ""
}

// bodyStructure emits a minimal single-part BODYSTRUCTURE; multipart
// MIME decomposition is not attempted (see DESIGN.md).
func bodyStructure(raw []byte) string {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	ctype := "TEXT"
	subtype := "PLAIN"
	if err == nil {
		if ct := m.Header.Get("Content-Type"); ct != "" {
			parts := strings.SplitN(ct, "/", 2)
			if len(parts) == 2 {
				ctype = strings.ToUpper(strings.TrimSpace(parts[0]))
				subtype = strings.ToUpper(strings.SplitN(strings.TrimSpace(parts[1]), ";", 2)[0])
			}
		}
	}
	body := bodyOf(raw)
	lines := strings.Count(string(body), "\n")
	return fmt.Sprintf("(%q %q NIL NIL NIL %q %d %d)", ctype, subtype, "7BIT", len(body), lines)
}
