package imapparser

import (
	"fmt"
	"strconv"
	"strings"
)

// dateKeys are accepted by the grammar but left as unparsed DateText: the
// date-comparison policy is a deliberate open question (see this server's
// search evaluator).
var dateKeys = map[string]bool{
	"BEFORE": true, "ON": true, "SENTBEFORE": true,
	"SENTON": true, "SENTSINCE": true, "SINCE": true,
}

func parseSearch(cmd *Command, args string) error {
	sc := newScanner(args)
	search := SearchArgs{}

	sc.skipSpace()
	if hasCIPrefix(sc.rest(), "CHARSET") {
		sc.token() // consume "CHARSET"
		charset, err := sc.token()
		if err != nil {
			return fmt.Errorf("imapparser: SEARCH CHARSET missing value: %w", err)
		}
		search.Charset = charset
	}

	sc.skipSpace()
	if hasCIPrefix(sc.rest(), "RETURN") {
		sc.token() // consume "RETURN"
		optsTok, err := sc.token()
		if err != nil {
			return fmt.Errorf("imapparser: SEARCH RETURN missing options: %w", err)
		}
		opts, err := parenItems(optsTok)
		if err != nil {
			return err
		}
		for _, o := range opts {
			search.Return = append(search.Return, strings.ToUpper(o))
		}
	}

	terms, err := tokenizeSearchTerms(sc.rest())
	if err != nil {
		return err
	}
	if len(terms) == 0 {
		return fmt.Errorf("imapparser: SEARCH requires at least one key")
	}
	prog, _, err := parseSearchSeq(terms)
	if err != nil {
		return err
	}
	search.Program = prog
	cmd.Search = search
	return nil
}

// tokenizeSearchTerms splits a SEARCH program into its top-level terms,
// treating parenthesized groups and quoted strings as atomic.
func tokenizeSearchTerms(s string) ([]string, error) {
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

// parseSearchSeq parses a flat implicit-AND list of terms starting at
// terms[0], consuming as many terms as the grammar allows, and returns the
// combined op plus the number of terms consumed.
func parseSearchSeq(terms []string) (SearchOp, int, error) {
	var children []SearchOp
	i := 0
	for i < len(terms) {
		op, n, err := parseSearchTerm(terms[i:])
		if err != nil {
			return SearchOp{}, 0, err
		}
		children = append(children, op)
		i += n
	}
	if len(children) == 1 {
		return children[0], i, nil
	}
	return SearchOp{Key: SearchAnd, Children: children}, i, nil
}

// parseSearchTerm parses exactly one search key (and its argument(s)) from
// the front of terms, returning how many terms it consumed.
func parseSearchTerm(terms []string) (SearchOp, int, error) {
	if len(terms) == 0 {
		return SearchOp{}, 0, fmt.Errorf("imapparser: expected a search key")
	}
	head := terms[0]

	if strings.HasPrefix(head, "(") {
		inner, err := parenItems(head)
		if err != nil {
			return SearchOp{}, 0, err
		}
		op, _, err := parseSearchSeq(inner)
		return op, 1, err
	}

	upper := strings.ToUpper(head)

	// Bare sequence set, e.g. "1:5,7".
	if isSeqSetLiteral(head) {
		seqs, err := parseSeqRanges(head)
		if err != nil {
			return SearchOp{}, 0, err
		}
		return SearchOp{Key: SearchSeqSet, Sequences: seqs}, 1, nil
	}

	switch SearchKey(upper) {
	case SearchAll, SearchAnswered, SearchDeleted, SearchDraft, SearchFlagged,
		SearchNew, SearchOld, SearchRecent, SearchSeen, SearchUnanswered,
		SearchUndeleted, SearchUndraft, SearchUnflagged, SearchUnseen:
		return SearchOp{Key: SearchKey(upper)}, 1, nil

	case SearchNot:
		child, n, err := parseSearchTerm(terms[1:])
		if err != nil {
			return SearchOp{}, 0, err
		}
		return SearchOp{Key: SearchNot, Children: []SearchOp{child}}, 1 + n, nil

	case SearchOr:
		a, n1, err := parseSearchTerm(terms[1:])
		if err != nil {
			return SearchOp{}, 0, err
		}
		b, n2, err := parseSearchTerm(terms[1+n1:])
		if err != nil {
			return SearchOp{}, 0, err
		}
		return SearchOp{Key: SearchOr, Children: []SearchOp{a, b}}, 1 + n1 + n2, nil

	case SearchBcc, SearchBody, SearchCc, SearchFrom, SearchSubject, SearchText, SearchTo, SearchKeyword, SearchUnkeyword:
		if len(terms) < 2 {
			return SearchOp{}, 0, fmt.Errorf("imapparser: %s requires a value", upper)
		}
		return SearchOp{Key: SearchKey(upper), Value: unquote(terms[1])}, 2, nil

	case SearchHeader:
		if len(terms) < 3 {
			return SearchOp{}, 0, fmt.Errorf("imapparser: HEADER requires a field name and value")
		}
		return SearchOp{Key: SearchHeader, HeaderField: unquote(terms[1]), Value: unquote(terms[2])}, 3, nil

	case SearchLarger, SearchSmaller:
		if len(terms) < 2 {
			return SearchOp{}, 0, fmt.Errorf("imapparser: %s requires a number", upper)
		}
		n, err := strconv.ParseInt(terms[1], 10, 64)
		if err != nil {
			return SearchOp{}, 0, fmt.Errorf("imapparser: %s: %w", upper, err)
		}
		return SearchOp{Key: SearchKey(upper), Num: n}, 2, nil

	case SearchUID:
		if len(terms) < 2 {
			return SearchOp{}, 0, fmt.Errorf("imapparser: UID requires a sequence set")
		}
		seqs, err := parseSeqRanges(terms[1])
		if err != nil {
			return SearchOp{}, 0, err
		}
		return SearchOp{Key: SearchUID, Sequences: seqs}, 2, nil
	}

	if dateKeys[upper] {
		if len(terms) < 2 {
			return SearchOp{}, 0, fmt.Errorf("imapparser: %s requires a date", upper)
		}
		return SearchOp{Key: SearchKey(upper), DateText: unquote(terms[1])}, 2, nil
	}

	return SearchOp{}, 0, fmt.Errorf("imapparser: unrecognized search key %q", head)
}

func isSeqSetLiteral(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c != '*' && c != ',' && c != ':' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
