// Package smtpparser implements the SMTP command grammar subset this
// server recognizes: EHLO, MAIL FROM, RCPT TO, DATA, AUTH, RSET, NOOP,
// STARTTLS, QUIT.
package smtpparser

import (
	"fmt"
	"strings"
)

// Command is one parsed client command line.
type Command struct {
	Verb string // EHLO, MAIL, RCPT, DATA, AUTH, RSET, NOOP, STARTTLS, QUIT

	Hostname string // EHLO

	Address string // MAIL, RCPT: the bracket-stripped address
	Params  string // MAIL, RCPT: trailing SP-separated parameters, unparsed

	AuthMechanism string // AUTH
	AuthInitial   string // AUTH, empty if a continuation is required
}

// ParseLine parses one SMTP command line (without the trailing CRLF).
func ParseLine(line string) (*Command, error) {
	line = strings.TrimRight(line, " ")
	if line == "" {
		return nil, fmt.Errorf("smtpparser: empty command line")
	}

	head := line
	rest := ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		head = line[:idx]
		rest = strings.TrimLeft(line[idx+1:], " ")
	}
	verb := strings.ToUpper(head)

	cmd := &Command{Verb: verb}
	switch verb {
	case "EHLO", "HELO":
		cmd.Hostname = rest
		return cmd, nil

	case "MAIL":
		return cmd, parseAddrKeyword(cmd, rest, "FROM:")

	case "RCPT":
		return cmd, parseAddrKeyword(cmd, rest, "TO:")

	case "DATA", "RSET", "NOOP", "STARTTLS", "QUIT":
		return cmd, nil

	case "AUTH":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, fmt.Errorf("smtpparser: AUTH requires a mechanism")
		}
		cmd.AuthMechanism = strings.ToUpper(fields[0])
		if len(fields) > 1 {
			cmd.AuthInitial = fields[1]
		}
		return cmd, nil
	}

	return nil, fmt.Errorf("smtpparser: unrecognized command %q", head)
}

// parseAddrKeyword parses the "FROM:<addr> [params]" / "TO:<addr>
// [params]" argument shape MAIL and RCPT share, tolerating both
// "MAIL FROM:<addr>" (no space before the colon) and "MAIL FROM: <addr>"
// (a space some clients insert).
func parseAddrKeyword(cmd *Command, rest, keyword string) error {
	if !hasCIPrefix(rest, keyword) {
		return fmt.Errorf("smtpparser: expected %s", keyword)
	}
	rest = strings.TrimSpace(rest[len(keyword):])

	if !strings.HasPrefix(rest, "<") {
		return fmt.Errorf("smtpparser: address must be enclosed in <>")
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return fmt.Errorf("smtpparser: unterminated address")
	}
	cmd.Address = rest[1:end]
	cmd.Params = strings.TrimSpace(rest[end+1:])
	return nil
}

func hasCIPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
