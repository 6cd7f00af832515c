package imapparser

import (
	"testing"
)

func TestParseLineBasicCommands(t *testing.T) {
	tests := []struct {
		input    string
		wantTag  string
		wantName string
	}{
		{"a1 CAPABILITY", "a1", "CAPABILITY"},
		{"a2 noop", "a2", "NOOP"},
		{"a3 LOGOUT", "a3", "LOGOUT"},
		{"a4 UID FETCH 1 (UID)", "a4", "FETCH"},
	}
	for _, tc := range tests {
		cmd, err := ParseLine(tc.input)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", tc.input, err)
		}
		if cmd.Tag != tc.wantTag || cmd.Name != tc.wantName {
			t.Errorf("ParseLine(%q) = {Tag:%q Name:%q}, want {%q %q}",
				tc.input, cmd.Tag, cmd.Name, tc.wantTag, tc.wantName)
		}
	}
}

func TestParseLineCaseInsensitiveRoundTrip(t *testing.T) {
	variants := []string{
		"a1 SELECT INBOX",
		"a1 select INBOX",
		"a1 Select INBOX",
	}
	var first *Command
	for _, v := range variants {
		cmd, err := ParseLine(v)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", v, err)
		}
		if first == nil {
			first = cmd
			continue
		}
		if cmd.Name != first.Name || cmd.Mailbox != first.Mailbox {
			t.Errorf("ParseLine(%q) = %+v, want to match %+v", v, cmd, first)
		}
	}
}

func TestParseLineRejectsInvalidTag(t *testing.T) {
	if _, err := ParseLine(`a{1} NOOP`); err == nil {
		t.Fatal("expected an error for a tag containing '{'")
	}
}

func TestParseUIDFetchRFC822Size(t *testing.T) {
	cmd, err := ParseLine("a4 UID FETCH 1 (RFC822.SIZE)")
	if err != nil {
		t.Fatal(err)
	}
	if !cmd.UID || cmd.Name != "FETCH" {
		t.Fatalf("got UID=%v Name=%q, want UID=true Name=FETCH", cmd.UID, cmd.Name)
	}
	if len(cmd.Sequences) != 1 || cmd.Sequences[0] != (SeqRange{Min: 1, Max: 1}) {
		t.Fatalf("Sequences = %v, want [{1 1}]", cmd.Sequences)
	}
	if len(cmd.FetchItems) != 1 || cmd.FetchItems[0].Type != FetchRFC822Size {
		t.Fatalf("FetchItems = %v, want [RFC822.SIZE]", cmd.FetchItems)
	}
}

func TestParseFetchBodyPeekHeaderFields(t *testing.T) {
	cmd, err := ParseLine("a1 FETCH 1:* (BODY.PEEK[HEADER.FIELDS (From To)])")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd.FetchItems) != 1 {
		t.Fatalf("got %d fetch items, want 1", len(cmd.FetchItems))
	}
	item := cmd.FetchItems[0]
	if item.Type != FetchBody || !item.Peek {
		t.Fatalf("item = %+v, want Type=BODY Peek=true", item)
	}
	if item.Section.Name != "HEADER.FIELDS" {
		t.Fatalf("section name = %q, want HEADER.FIELDS", item.Section.Name)
	}
	if len(item.Section.Headers) != 2 || item.Section.Headers[0] != "From" || item.Section.Headers[1] != "To" {
		t.Fatalf("section headers = %v, want [From To]", item.Section.Headers)
	}
	if len(cmd.Sequences) != 1 || cmd.Sequences[0] != (SeqRange{Min: 1, Max: 0}) {
		t.Fatalf("Sequences = %v, want [{1 0}] (1:*)", cmd.Sequences)
	}
}

func TestParseFetchBodyPartial(t *testing.T) {
	cmd, err := ParseLine("a1 FETCH 1 (BODY[]<10.20>)")
	if err != nil {
		t.Fatal(err)
	}
	item := cmd.FetchItems[0]
	if !item.Partial.Set || item.Partial.Start != 10 || item.Partial.Length != 20 {
		t.Fatalf("Partial = %+v, want {true 10 20}", item.Partial)
	}
}

func TestParseStoreModes(t *testing.T) {
	tests := []struct {
		input      string
		wantMode   StoreMode
		wantSilent bool
		wantFlags  []string
	}{
		{"a1 STORE 1 FLAGS (\\Seen)", StoreReplace, false, []string{`\Seen`}},
		{"a1 STORE 1 +FLAGS.SILENT (\\Deleted)", StoreAdd, true, []string{`\Deleted`}},
		{"a1 STORE 1 -FLAGS (\\Flagged)", StoreRemove, false, []string{`\Flagged`}},
	}
	for _, tc := range tests {
		cmd, err := ParseLine(tc.input)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", tc.input, err)
		}
		if cmd.Store.Mode != tc.wantMode || cmd.Store.Silent != tc.wantSilent {
			t.Errorf("ParseLine(%q).Store = %+v, want mode=%v silent=%v", tc.input, cmd.Store, tc.wantMode, tc.wantSilent)
		}
		if len(cmd.Store.Flags) != len(tc.wantFlags) || cmd.Store.Flags[0] != tc.wantFlags[0] {
			t.Errorf("ParseLine(%q).Store.Flags = %v, want %v", tc.input, cmd.Store.Flags, tc.wantFlags)
		}
	}
}

func TestParseAppendHead(t *testing.T) {
	cmd, err := ParseLine(`a3 APPEND INBOX (\Seen) {11}`)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Mailbox != "INBOX" {
		t.Fatalf("Mailbox = %q, want INBOX", cmd.Mailbox)
	}
	if cmd.Append.LiteralLen != 11 || cmd.Append.NonSync {
		t.Fatalf("Append = %+v, want LiteralLen=11 NonSync=false", cmd.Append)
	}
	if len(cmd.Append.Flags) != 1 || cmd.Append.Flags[0] != `\Seen` {
		t.Fatalf("Append.Flags = %v, want [\\Seen]", cmd.Append.Flags)
	}
}

func TestParseAppendNonSyncLiteral(t *testing.T) {
	cmd, err := ParseLine(`a3 APPEND INBOX {11+}`)
	if err != nil {
		t.Fatal(err)
	}
	if !cmd.Append.NonSync || cmd.Append.LiteralLen != 11 {
		t.Fatalf("Append = %+v, want LiteralLen=11 NonSync=true", cmd.Append)
	}
}

func TestParseSearchUnseen(t *testing.T) {
	cmd, err := ParseLine("a5 UID SEARCH UNSEEN")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Search.Program.Key != SearchUnseen {
		t.Fatalf("Program.Key = %v, want UNSEEN", cmd.Search.Program.Key)
	}
}

func TestParseSearchOrAndNot(t *testing.T) {
	cmd, err := ParseLine(`a1 SEARCH OR (FROM "a") (NOT SEEN)`)
	if err != nil {
		t.Fatal(err)
	}
	prog := cmd.Search.Program
	if prog.Key != SearchOr || len(prog.Children) != 2 {
		t.Fatalf("Program = %+v, want OR with 2 children", prog)
	}
	if prog.Children[0].Key != SearchFrom || prog.Children[0].Value != "a" {
		t.Fatalf("Children[0] = %+v, want FROM \"a\"", prog.Children[0])
	}
	if prog.Children[1].Key != SearchNot || prog.Children[1].Children[0].Key != SearchSeen {
		t.Fatalf("Children[1] = %+v, want NOT SEEN", prog.Children[1])
	}
}

func TestParseSearchImplicitAnd(t *testing.T) {
	cmd, err := ParseLine("a1 SEARCH SEEN FLAGGED")
	if err != nil {
		t.Fatal(err)
	}
	prog := cmd.Search.Program
	if prog.Key != SearchAnd || len(prog.Children) != 2 {
		t.Fatalf("Program = %+v, want AND with 2 children", prog)
	}
}

func TestParseSearchBareSeqSet(t *testing.T) {
	cmd, err := ParseLine("a1 SEARCH 1:5,7")
	if err != nil {
		t.Fatal(err)
	}
	prog := cmd.Search.Program
	if prog.Key != SearchSeqSet || len(prog.Sequences) != 2 {
		t.Fatalf("Program = %+v, want SEQSET with 2 ranges", prog)
	}
}

func TestSeqRangeContains(t *testing.T) {
	tests := []struct {
		r    SeqRange
		n    uint32
		want bool
	}{
		{SeqRange{1, 5}, 3, true},
		{SeqRange{1, 5}, 6, false},
		{SeqRange{1, 0}, 999999, true}, // 1:* unbounded
		{SeqRange{5, 5}, 5, true},
		{SeqRange{5, 5}, 4, false},
	}
	for _, tc := range tests {
		if got := tc.r.Contains(tc.n); got != tc.want {
			t.Errorf("%+v.Contains(%d) = %v, want %v", tc.r, tc.n, got, tc.want)
		}
	}
}
