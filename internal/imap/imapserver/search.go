package imapserver

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"erooster.dev/internal/imap/imapparser"
	"erooster.dev/internal/maildirstore"
)

func (c *Conn) handleSearch(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireSelected(cmd.Tag) {
		return nil
	}
	if containsReturnOpt(cmd.Search.Return, "SAVE") {
		return c.fr.WriteLine(fmt.Sprintf("%s BAD Not implemented", cmd.Tag))
	}

	entries, err := c.selectedEntries(ctx)
	if err != nil {
		return c.no(cmd.Tag, "search failed")
	}

	// UID SEARCH reports matching UIDs; plain SEARCH reports sequence
	// numbers.
	var matched []uint32
	for i, e := range entries {
		flags, _ := c.server.Store.Flags(c.selectedPath, e.Key)
		if evalSearch(cmd.Search.Program, e, flags, uint32(i+1), c.openReader(e)) {
			if cmd.UID {
				matched = append(matched, e.UID)
			} else {
				matched = append(matched, uint32(i+1))
			}
		}
	}

	return c.writeESearch(cmd, matched)
}

// openReader lazily opens message bytes only when a search key needs to
// inspect the body (TEXT/BODY/HEADER), since most searches (flags, UID,
// sequence) never touch disk.
func (c *Conn) openReader(e maildirstore.Entry) func() []byte {
	var cached []byte
	var loaded bool
	return func() []byte {
		if !loaded {
			cached, _ = c.server.Store.Open(c.selectedPath, e.Key)
			loaded = true
		}
		return cached
	}
}

func containsReturnOpt(opts []string, want string) bool {
	for _, o := range opts {
		if strings.EqualFold(o, want) {
			return true
		}
	}
	return false
}

func (c *Conn) writeESearch(cmd *imapparser.Command, ids []uint32) error {
	tagPart := fmt.Sprintf("(TAG %q)", cmd.Tag)
	if cmd.UID {
		tagPart += " UID"
	}

	var fields []string
	wantAll := len(cmd.Search.Return) == 0 || containsReturnOpt(cmd.Search.Return, "ALL")
	if containsReturnOpt(cmd.Search.Return, "MIN") {
		if len(ids) > 0 {
			fields = append(fields, fmt.Sprintf("MIN %d", minOf(ids)))
		}
	}
	if containsReturnOpt(cmd.Search.Return, "MAX") {
		if len(ids) > 0 {
			fields = append(fields, fmt.Sprintf("MAX %d", maxOf(ids)))
		}
	}
	if containsReturnOpt(cmd.Search.Return, "COUNT") {
		fields = append(fields, fmt.Sprintf("COUNT %d", len(ids)))
	}
	if wantAll && len(ids) > 0 {
		fields = append(fields, "ALL "+runLengthEncode(ids))
	}

	if len(fields) == 0 {
		c.fr.WriteLine(fmt.Sprintf("* ESEARCH %s", tagPart))
	} else {
		c.fr.WriteLine(fmt.Sprintf("* ESEARCH %s %s", tagPart, strings.Join(fields, " ")))
	}
	return c.ok(cmd.Tag, "SEARCH completed")
}

func minOf(ids []uint32) uint32 {
	m := ids[0]
	for _, v := range ids {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(ids []uint32) uint32 {
	m := ids[0]
	for _, v := range ids {
		if v > m {
			m = v
		}
	}
	return m
}

// runLengthEncode sorts ids ascending and collapses consecutive runs into
// "a:b" ranges, matching ESEARCH's compact output shape.
func runLengthEncode(ids []uint32) string {
	sorted := append([]uint32(nil), ids...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var parts []string
	i := 0
	for i < len(sorted) {
		start := sorted[i]
		end := start
		j := i + 1
		for j < len(sorted) && sorted[j] == end+1 {
			end = sorted[j]
			j++
		}
		if start == end {
			parts = append(parts, strconv.FormatUint(uint64(start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", start, end))
		}
		i = j
	}
	return strings.Join(parts, " ")
}

// evalSearch evaluates one SEARCH program node against a single message.
// Date-comparison keys are treated conservatively (never match) since no
// stored per-message date index exists to evaluate them against.
func evalSearch(op imapparser.SearchOp, e maildirstore.Entry, flags []string, seqNum uint32, body func() []byte) bool {
	switch op.Key {
	case imapparser.SearchAnd:
		for _, ch := range op.Children {
			if !evalSearch(ch, e, flags, seqNum, body) {
				return false
			}
		}
		return true
	case imapparser.SearchOr:
		return evalSearch(op.Children[0], e, flags, seqNum, body) || evalSearch(op.Children[1], e, flags, seqNum, body)
	case imapparser.SearchNot:
		return !evalSearch(op.Children[0], e, flags, seqNum, body)

	case imapparser.SearchAll:
		return true
	case imapparser.SearchSeqSet:
		return containsAny(op.Sequences, seqNum)
	case imapparser.SearchUID:
		return containsAny(op.Sequences, e.UID)

	case imapparser.SearchSeen:
		return containsFlag(flags, `\Seen`)
	case imapparser.SearchUnseen:
		return !containsFlag(flags, `\Seen`)
	case imapparser.SearchDeleted:
		return containsFlag(flags, `\Deleted`)
	case imapparser.SearchUndeleted:
		return !containsFlag(flags, `\Deleted`)
	case imapparser.SearchFlagged:
		return containsFlag(flags, `\Flagged`)
	case imapparser.SearchUnflagged:
		return !containsFlag(flags, `\Flagged`)
	case imapparser.SearchAnswered:
		return containsFlag(flags, `\Answered`)
	case imapparser.SearchUnanswered:
		return !containsFlag(flags, `\Answered`)
	case imapparser.SearchDraft:
		return containsFlag(flags, `\Draft`)
	case imapparser.SearchUndraft:
		return !containsFlag(flags, `\Draft`)
	case imapparser.SearchNew:
		return containsFlag(flags, `\Recent`) && !containsFlag(flags, `\Seen`)
	case imapparser.SearchOld:
		return !containsFlag(flags, `\Recent`)
	case imapparser.SearchRecent:
		return containsFlag(flags, `\Recent`)

	case imapparser.SearchFrom, imapparser.SearchTo, imapparser.SearchCc, imapparser.SearchBcc, imapparser.SearchSubject:
		return headerContains(body(), string(op.Key), op.Value)
	case imapparser.SearchHeader:
		return headerContains(body(), op.HeaderField, op.Value)
	case imapparser.SearchText, imapparser.SearchBody:
		return strings.Contains(strings.ToLower(string(body())), strings.ToLower(op.Value))
	case imapparser.SearchKeyword:
		return containsFlag(flags, op.Value)
	case imapparser.SearchUnkeyword:
		return !containsFlag(flags, op.Value)
	case imapparser.SearchLarger:
		return int64(len(body())) > op.Num
	case imapparser.SearchSmaller:
		return int64(len(body())) < op.Num

	case imapparser.SearchBefore, imapparser.SearchOn, imapparser.SearchSince,
		imapparser.SearchSentBefore, imapparser.SearchSentOn, imapparser.SearchSentSince:
		// Unimplemented; answer conservatively rather than BAD.
		return false
	}
	return false
}

func containsAny(ranges []imapparser.SeqRange, n uint32) bool {
	for _, r := range ranges {
		if r.Contains(n) {
			return true
		}
	}
	return false
}

func headerContains(raw []byte, field, value string) bool {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return false
	}
	got := m.Header.Get(field)
	return strings.Contains(strings.ToLower(got), strings.ToLower(value))
}
