package smtpparser

import "testing"

func TestParseMailFrom(t *testing.T) {
	cmd, err := ParseLine("MAIL FROM:<remote@example>")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.Verb != "MAIL" || cmd.Address != "remote@example" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseRcptToWithParams(t *testing.T) {
	cmd, err := ParseLine("RCPT TO:<test@local> NOTIFY=NEVER")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.Address != "test@local" {
		t.Fatalf("Address = %q", cmd.Address)
	}
	if cmd.Params != "NOTIFY=NEVER" {
		t.Fatalf("Params = %q", cmd.Params)
	}
}

func TestParseCaseInsensitiveVerb(t *testing.T) {
	lower, err := ParseLine("mail from:<a@b>")
	if err != nil {
		t.Fatalf("ParseLine lower: %v", err)
	}
	upper, err := ParseLine("MAIL FROM:<a@b>")
	if err != nil {
		t.Fatalf("ParseLine upper: %v", err)
	}
	if lower.Verb != upper.Verb || lower.Address != upper.Address {
		t.Fatalf("lower = %+v, upper = %+v", lower, upper)
	}
}

func TestParseEHLO(t *testing.T) {
	cmd, err := ParseLine("EHLO relay.example")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.Hostname != "relay.example" {
		t.Fatalf("Hostname = %q", cmd.Hostname)
	}
}

func TestParseAuthPlainWithInitialResponse(t *testing.T) {
	cmd, err := ParseLine("AUTH PLAIN AHRlc3RAbG9jYWxob3N0AHRlc3Q=")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.AuthMechanism != "PLAIN" || cmd.AuthInitial == "" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseAuthLoginNoInitialResponse(t *testing.T) {
	cmd, err := ParseLine("AUTH LOGIN")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.AuthMechanism != "LOGIN" || cmd.AuthInitial != "" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseNoArgCommands(t *testing.T) {
	for _, verb := range []string{"DATA", "RSET", "NOOP", "STARTTLS", "QUIT"} {
		cmd, err := ParseLine(verb)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", verb, err)
		}
		if cmd.Verb != verb {
			t.Fatalf("Verb = %q, want %q", cmd.Verb, verb)
		}
	}
}

func TestParseRejectsMissingAngleBrackets(t *testing.T) {
	if _, err := ParseLine("MAIL FROM:a@b"); err == nil {
		t.Fatal("ParseLine: want error for an address without angle brackets")
	}
}

func TestParseRejectsUnknownVerb(t *testing.T) {
	if _, err := ParseLine("FROBNICATE foo"); err == nil {
		t.Fatal("ParseLine: want error for an unrecognized verb")
	}
}
