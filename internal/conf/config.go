package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Domain      string        `yaml:"domain"`
	StorageRoot string        `yaml:"storage_root"`
	IMAP        IMAPConfig    `yaml:"imap"`
	SMTP        SMTPConfig    `yaml:"smtp"`
	TLS         TLSConfig     `yaml:"tls"`
	Auth        AuthConfig    `yaml:"auth"`
	Metrics     MetricsConfig `yaml:"metrics"`
	LogLevel    string        `yaml:"log_level"`
}

type IMAPConfig struct {
	Address    string `yaml:"address"`
	TLSAddress string `yaml:"tls_address"`
}

type SMTPConfig struct {
	Address       string `yaml:"address"`
	MaxMessageKiB int64  `yaml:"max_message_kib"`
	MaxRecipients int    `yaml:"max_recipients"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AuthConfig struct {
	Backend string            `yaml:"backend"`
	Users   map[string]string `yaml:"users"`
	File    string            `yaml:"file"`
	LDAP    LDAPConfig        `yaml:"ldap"`
}

type LDAPConfig struct {
	URL    string `yaml:"url"`
	BaseDN string `yaml:"base_dn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Domain:      "localhost",
		StorageRoot: "./mail",
		IMAP: IMAPConfig{
			Address:    ":143",
			TLSAddress: ":993",
		},
		SMTP: SMTPConfig{
			Address:       ":587",
			MaxMessageKiB: 10240,
			MaxRecipients: 50,
		},
		Auth: AuthConfig{
			Backend: "static",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9143",
			Path:    "/metrics",
		},
		LogLevel: "info",
	}
}

// LoadConfig reads the YAML config from path. An empty path tries the
// conventional locations; a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	paths := []string{path}
	if path == "" {
		paths = []string{
			"/etc/petrel/petrel.yaml",
			"./config/petrel.yaml",
			"./petrel.yaml",
		}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(filepath.Clean(p))
		if err == nil {
			break
		}
	}
	if err != nil {
		if path == "" && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for the mistakes that would
// otherwise only surface as runtime failures.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return errors.New("domain is required")
	}
	if c.StorageRoot == "" {
		return errors.New("storage_root is required")
	}
	if c.IMAP.Address == "" {
		return errors.New("imap.address is required")
	}
	switch c.Auth.Backend {
	case "static", "":
	case "file":
		if c.Auth.File == "" {
			return errors.New("auth.file is required for the file backend")
		}
	case "ldap":
		if c.Auth.LDAP.URL == "" || c.Auth.LDAP.BaseDN == "" {
			return errors.New("auth.ldap.url and auth.ldap.base_dn are required for the ldap backend")
		}
	default:
		return fmt.Errorf("unknown auth backend %q", c.Auth.Backend)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}
	return nil
}
