package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
tls:
  cert_path: /etc/erooster/cert.pem
  key_path: /etc/erooster/key.pem
mail:
  hostname: mx.example.com
  display_name: Erooster
maildir_root: /var/mail
dkim:
  key_path: /etc/erooster/dkim.pem
  selector: default
database:
  connstring: /var/lib/erooster/erooster.db
queue_dir: /var/spool/erooster
content_filter:
  endpoint: http://localhost:11333/checkv2
  timeout: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mail.Hostname != "mx.example.com" {
		t.Errorf("Hostname = %q", cfg.Mail.Hostname)
	}
	if time.Duration(cfg.ContentFilter.Timeout) != 5*time.Second {
		t.Errorf("ContentFilter.Timeout = %v, want 5s", cfg.ContentFilter.Timeout)
	}
	if len(cfg.IMAP.ListenAddrs) == 0 || cfg.IMAP.ListenAddrs[0] != ":143" {
		t.Errorf("IMAP.ListenAddrs = %v, want the :143 default", cfg.IMAP.ListenAddrs)
	}
	if len(cfg.IMAP.ImplicitTLSAddrs) == 0 || cfg.IMAP.ImplicitTLSAddrs[0] != ":993" {
		t.Errorf("IMAP.ImplicitTLSAddrs = %v, want the :993 default", cfg.IMAP.ImplicitTLSAddrs)
	}
	if len(cfg.SMTP.ImplicitTLSAddrs) == 0 || cfg.SMTP.ImplicitTLSAddrs[0] != ":465" {
		t.Errorf("SMTP.ImplicitTLSAddrs = %v, want the :465 default", cfg.SMTP.ImplicitTLSAddrs)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	body := strings.Replace(validConfig, "maildir_root: /var/mail\n", "", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("Load: want an error for a missing maildir_root")
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	if _, err := Load(writeConfig(t, validConfig+"bogus_key: 1\n")); err == nil {
		t.Fatal("Load: want an error for an unrecognized top-level key")
	}
}

func TestLoadDefaultsContentFilterTimeout(t *testing.T) {
	body := strings.Replace(validConfig,
		"content_filter:\n  endpoint: http://localhost:11333/checkv2\n  timeout: 5s\n", "", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if time.Duration(cfg.ContentFilter.Timeout) != 10*time.Second {
		t.Errorf("ContentFilter.Timeout = %v, want the 10s default", cfg.ContentFilter.Timeout)
	}
}
