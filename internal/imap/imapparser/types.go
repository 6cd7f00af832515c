// Package imapparser implements the IMAP command grammar subset named in
// this server's command catalogue: tag/command/args framing, the FETCH
// attribute grammar, the SEARCH program grammar, sequence/UID ranges, and
// APPEND's literal-length syntax.
package imapparser

// Command is a fully parsed client command. Only the fields relevant to
// Name are populated.
type Command struct {
	Tag  string
	Name string // upper-cased: LOGIN, AUTHENTICATE, SELECT, FETCH, ...
	UID  bool   // true when Name was prefixed by "UID "

	Mailbox string // SELECT, EXAMINE, CREATE, DELETE, SUBSCRIBE, UNSUBSCRIBE, STATUS, APPEND

	Rename struct { // RENAME
		Old string
		New string
	}

	List struct { // LIST, LSUB
		Reference string
		Pattern   string
	}

	Params []string // ENABLE

	Auth struct { // AUTHENTICATE, LOGIN
		Mechanism string
		Initial   string // base64 text, empty if a continuation is required
		Username  string // LOGIN only
		Password  string // LOGIN only
	}

	Sequences []SeqRange // FETCH, STORE range

	FetchItems []FetchItem // FETCH

	Store StoreArgs // STORE

	Search SearchArgs // SEARCH

	Append AppendArgs // APPEND

	unparsed string // remaining args text, for diagnostics
}

// SeqRange is a normalized sequence/UID range. Min <= Max. 0 is the
// placeholder for '*' (unbounded/highest).
type SeqRange struct {
	Min uint32
	Max uint32
}

// Contains reports whether n falls within the range, treating a Max of 0
// as unbounded.
func (r SeqRange) Contains(n uint32) bool {
	if n < r.Min {
		return false
	}
	if r.Max == 0 {
		return true
	}
	return n <= r.Max
}

type FetchItemType string

const (
	FetchAll           FetchItemType = "ALL"
	FetchFull          FetchItemType = "FULL"
	FetchFast          FetchItemType = "FAST"
	FetchEnvelope      FetchItemType = "ENVELOPE"
	FetchFlags         FetchItemType = "FLAGS"
	FetchInternalDate  FetchItemType = "INTERNALDATE"
	FetchRFC822Size    FetchItemType = "RFC822.SIZE"
	FetchRFC822Header  FetchItemType = "RFC822.HEADER"
	FetchUID           FetchItemType = "UID"
	FetchBodyStructure FetchItemType = "BODYSTRUCTURE"
	FetchBody          FetchItemType = "BODY"
	FetchBinary        FetchItemType = "BINARY"
	FetchBinarySize    FetchItemType = "BINARY.SIZE"
)

// FetchItem is one requested attribute, e.g. "BODY.PEEK[HEADER.FIELDS (From To)]<0.100>".
type FetchItem struct {
	Type    FetchItemType
	Peek    bool // BODY.PEEK / BINARY.PEEK
	Section FetchSection
	Partial struct {
		Set    bool
		Start  uint32
		Length uint32
	}
}

// FetchSection is the bracketed [...] part of BODY/BINARY.
type FetchSection struct {
	// Name is one of "", "HEADER", "TEXT", "MIME", "HEADER.FIELDS",
	// "HEADER.FIELDS.NOT".
	Name    string
	Headers []string // for HEADER.FIELDS[.NOT]
}

type StoreMode int

const (
	StoreReplace StoreMode = iota // FLAGS
	StoreAdd                      // +FLAGS
	StoreRemove                   // -FLAGS
)

type StoreArgs struct {
	Mode   StoreMode
	Silent bool
	Flags  []string
}

// SearchKey names an IMAP search criterion. The set matches the 35 keys
// RFC 9051 defines, plus the synthetic SEQSET/AND keys used internally to
// represent an implicit-conjunction list and a bare sequence set.
type SearchKey string

const (
	SearchAll          SearchKey = "ALL"
	SearchAnswered     SearchKey = "ANSWERED"
	SearchBcc          SearchKey = "BCC"
	SearchBefore       SearchKey = "BEFORE"
	SearchBody         SearchKey = "BODY"
	SearchCc           SearchKey = "CC"
	SearchDeleted      SearchKey = "DELETED"
	SearchDraft        SearchKey = "DRAFT"
	SearchFlagged      SearchKey = "FLAGGED"
	SearchFrom         SearchKey = "FROM"
	SearchHeader       SearchKey = "HEADER"
	SearchKeyword      SearchKey = "KEYWORD"
	SearchLarger       SearchKey = "LARGER"
	SearchNew          SearchKey = "NEW"
	SearchNot          SearchKey = "NOT"
	SearchOld          SearchKey = "OLD"
	SearchOn           SearchKey = "ON"
	SearchOr           SearchKey = "OR"
	SearchAnd          SearchKey = "AND"
	SearchRecent       SearchKey = "RECENT"
	SearchSeen         SearchKey = "SEEN"
	SearchSentBefore   SearchKey = "SENTBEFORE"
	SearchSentOn       SearchKey = "SENTON"
	SearchSentSince    SearchKey = "SENTSINCE"
	SearchSince        SearchKey = "SINCE"
	SearchSmaller      SearchKey = "SMALLER"
	SearchSubject      SearchKey = "SUBJECT"
	SearchText         SearchKey = "TEXT"
	SearchTo           SearchKey = "TO"
	SearchUID          SearchKey = "UID"
	SearchUnanswered   SearchKey = "UNANSWERED"
	SearchUndeleted    SearchKey = "UNDELETED"
	SearchUndraft      SearchKey = "UNDRAFT"
	SearchUnflagged    SearchKey = "UNFLAGGED"
	SearchUnkeyword    SearchKey = "UNKEYWORD"
	SearchUnseen       SearchKey = "UNSEEN"
	SearchSeqSet       SearchKey = "SEQSET" // synthetic: bare sequence-set term
)

// SearchOp is one node of the SEARCH program tree.
type SearchOp struct {
	Key         SearchKey
	Children    []SearchOp // AND (flat list), OR (exactly 2), NOT (exactly 1)
	Value       string     // BCC, BODY, CC, FROM, HEADER(name), KEYWORD, SUBJECT, TEXT, TO
	HeaderField string     // HEADER only
	Num         int64      // LARGER, SMALLER; UID lookups use Sequences instead
	Sequences   []SeqRange
	DateText    string // BEFORE/ON/SINCE/... unparsed date text; evaluated conservatively (never matches)
}

// SearchArgs is a full SEARCH command: the optional CHARSET/RETURN
// modifiers plus the program tree.
type SearchArgs struct {
	Charset string
	Return  []string // MIN, MAX, ALL, COUNT, SAVE
	Program SearchOp
}

// AppendArgs is APPEND's parsed argument list, not including the literal
// bytes themselves (the caller reads those from the framer).
type AppendArgs struct {
	Flags      []string
	DateTime   string
	LiteralLen int
	NonSync    bool // {N+} rather than {N}
}
