// Package config loads the erooster server configuration file.
//
// The file format is YAML. Every recognized option is listed below as a
// tagged struct field; a field with no default that is missing from the
// file fails the load. Unknown top-level keys are rejected so a typo in
// an operator's config file is caught at startup rather than silently
// ignored.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so "10s"-style strings parse from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TLS holds a certificate/key pair path.
type TLS struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

func (t TLS) validate(section string) error {
	if t.CertPath == "" {
		return fmt.Errorf("config: %s.cert_path is required", section)
	}
	if t.KeyPath == "" {
		return fmt.Errorf("config: %s.key_path is required", section)
	}
	return nil
}

// Webserver configures the autoconfig XML webserver (out of scope as a
// collaborator, but its listen settings are part of the recognized
// config surface).
type Webserver struct {
	Port int `yaml:"port"`
	TLS  TLS `yaml:"tls"`
}

// DKIM holds the outbound signing key location.
type DKIM struct {
	KeyPath  string `yaml:"key_path"`
	Selector string `yaml:"selector"`
}

func (d DKIM) validate() error {
	if d.KeyPath == "" {
		return fmt.Errorf("config: dkim.key_path is required")
	}
	if d.Selector == "" {
		return fmt.Errorf("config: dkim.selector is required")
	}
	return nil
}

// Config is the complete, immutable-after-load server configuration.
type Config struct {
	TLS TLS `yaml:"tls"`

	Mail struct {
		Hostname    string `yaml:"hostname"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"mail"`

	MaildirRoot string `yaml:"maildir_root"`

	DKIM DKIM `yaml:"dkim"`

	Database struct {
		ConnString string `yaml:"connstring"`
	} `yaml:"database"`

	// ContentFilter is optional; an empty URL disables the content-filter
	// RPC step of the acceptance pipeline.
	ContentFilter struct {
		Endpoint string   `yaml:"endpoint"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"content_filter"`

	// InboundListenAddrs is optional; defaults are applied if empty.
	InboundListenAddrs []string `yaml:"inbound_listen_addrs"`

	Webserver Webserver `yaml:"webserver"`

	QueueDir string `yaml:"queue_dir"`

	IMAP struct {
		ListenAddrs      []string `yaml:"listen_addrs"`
		ImplicitTLSAddrs []string `yaml:"implicit_tls_addrs"`
	} `yaml:"imap"`

	SMTP struct {
		ListenAddrs      []string `yaml:"listen_addrs"`
		SubmissionAddrs  []string `yaml:"submission_addrs"`
		ImplicitTLSAddrs []string `yaml:"implicit_tls_addrs"`
	} `yaml:"smtp"`
}

// Load reads and validates a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if err := c.TLS.validate("tls"); err != nil {
		return err
	}
	if c.Mail.Hostname == "" {
		return fmt.Errorf("config: mail.hostname is required")
	}
	if c.Mail.DisplayName == "" {
		c.Mail.DisplayName = "Erooster"
	}
	if c.MaildirRoot == "" {
		return fmt.Errorf("config: maildir_root is required")
	}
	if err := c.DKIM.validate(); err != nil {
		return err
	}
	if c.Database.ConnString == "" {
		return fmt.Errorf("config: database.connstring is required")
	}
	if c.QueueDir == "" {
		return fmt.Errorf("config: queue_dir is required")
	}
	if len(c.IMAP.ListenAddrs) == 0 {
		c.IMAP.ListenAddrs = []string{":143"}
	}
	if len(c.IMAP.ImplicitTLSAddrs) == 0 {
		c.IMAP.ImplicitTLSAddrs = []string{":993"}
	}
	if len(c.SMTP.ListenAddrs) == 0 {
		c.SMTP.ListenAddrs = []string{":25"}
	}
	if len(c.SMTP.SubmissionAddrs) == 0 {
		c.SMTP.SubmissionAddrs = []string{":587"}
	}
	if len(c.SMTP.ImplicitTLSAddrs) == 0 {
		c.SMTP.ImplicitTLSAddrs = []string{":465"}
	}
	if c.ContentFilter.Timeout == 0 {
		c.ContentFilter.Timeout = Duration(10 * time.Second)
	}
	return nil
}
