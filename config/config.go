// Package config loads the YAML configuration of the signing tool.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
)

var (
	ErrConfigurationError = errors.New("configuration error")
	ErrUnexpectedField    = errors.New("unexpected field in configuration")
	ErrInvalidOID         = errors.New("invalid OID")
	ErrInvalidConfigType  = errors.New("configuration must be a dictionary")
)

// EnvKeystorePassword overrides keystore.password when set.
const EnvKeystorePassword = "PDFLTV_KEYSTORE_PASSWORD"

// DefaultSignatureSize is the placeholder size reserved for the CMS blob.
const DefaultSignatureSize = 2 * 8192

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Duration is a time.Duration written as "30s" in YAML. A bare integer is
// read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// KeystoreConfig names the signing key: a PKCS#12 file or URL, or a PKCS#11
// token.
type KeystoreConfig struct {
	// Path is a file path or an http(s) URL.
	Path     string        `yaml:"path,omitempty"`
	Password string        `yaml:"password,omitempty"`
	PKCS11   *PKCS11Config `yaml:"pkcs11,omitempty"`
}

// SignatureConfig controls the signature dictionary.
type SignatureConfig struct {
	// Size is the placeholder size in bytes.
	Size        int    `yaml:"size,omitempty"`
	FieldName   string `yaml:"field-name,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Reason      string `yaml:"reason,omitempty"`
	Location    string `yaml:"location,omitempty"`
	ContactInfo string `yaml:"contact-info,omitempty"`
}

type ChainConfig struct {
	Policy string `yaml:"policy,omitempty"`
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// Mode is "self" for tokens issued with the signing key, or "http".
	Mode     string   `yaml:"mode,omitempty"`
	URL      string   `yaml:"url,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Hash     string   `yaml:"hash,omitempty"`
	Policy   string   `yaml:"policy,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// Timestamp modes.
const (
	TimestampSelf = "self"
	TimestampHTTP = "http"
)

// RevocationConfig lists local CRL and OCSP response files.
type RevocationConfig struct {
	CRLFiles  []string `yaml:"crl-files,omitempty"`
	OCSPFiles []string `yaml:"ocsp-files,omitempty"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`
	// Format is the log format (text, json).
	Format string `yaml:"format,omitempty"`
}

// Config is the complete configuration file.
type Config struct {
	Keystore   KeystoreConfig   `yaml:"keystore"`
	Signature  SignatureConfig  `yaml:"signature"`
	Chain      ChainConfig      `yaml:"chain"`
	Timestamp  TimestampConfig  `yaml:"timestamp"`
	Revocation RevocationConfig `yaml:"revocation"`
	Log        LoggingConfig    `yaml:"log"`
}

var sectionKeys = map[string][]string{
	"keystore":   {"path", "password", "pkcs11"},
	"signature":  {"size", "field-name", "name", "reason", "location", "contact-info"},
	"chain":      {"policy"},
	"timestamp":  {"mode", "url", "username", "password", "hash", "policy", "timeout"},
	"revocation": {"crl-files", "ocsp-files"},
	"log":        {"level", "format"},
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Signature.Size == 0 {
		c.Signature.Size = DefaultSignatureSize
	}
	if c.Signature.FieldName == "" {
		c.Signature.FieldName = "Signature1"
	}
	if c.Chain.Policy == "" {
		c.Chain.Policy = chain.FailFast.String()
	}
	if c.Timestamp.Mode == "" {
		c.Timestamp.Mode = TimestampSelf
	}
	if c.Timestamp.Hash == "" {
		c.Timestamp.Hash = "sha256"
	}
	if c.Timestamp.Timeout == 0 {
		c.Timestamp.Timeout = Duration(30 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ApplyEnv applies non-empty environment overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if pw, ok := lookup(EnvKeystorePassword); ok && pw != "" {
		c.Keystore.Password = pw
	}
	if c.Keystore.PKCS11 != nil {
		if pin, ok := lookup(EnvPKCS11PIN); ok && pin != "" {
			c.Keystore.PKCS11.UserPIN = pin
		}
	}
}

// Validate checks field values. It does not require a keystore, which the
// command line may supply.
func (c *Config) Validate() error {
	if c.Keystore.Path != "" && c.Keystore.PKCS11 != nil {
		return NewConfigError("keystore", "path and pkcs11 are mutually exclusive")
	}
	if c.Keystore.PKCS11 != nil {
		if err := c.Keystore.PKCS11.Validate(); err != nil {
			return err
		}
	}
	if c.Signature.Size < 0 {
		return NewConfigError("signature.size", "must be positive")
	}
	if _, err := chain.ParsePolicy(c.Chain.Policy); err != nil {
		return &ConfigError{Field: "chain.policy", Message: err.Error(), Err: err}
	}
	switch c.Timestamp.Mode {
	case "", TimestampSelf:
	case TimestampHTTP:
		if c.Timestamp.URL == "" {
			return NewConfigError("timestamp.url", "required when mode is http")
		}
	default:
		return NewConfigError("timestamp.mode", fmt.Sprintf("unknown mode %q", c.Timestamp.Mode))
	}
	if _, err := ParseHash(c.Timestamp.Hash); err != nil {
		return &ConfigError{Field: "timestamp.hash", Message: err.Error(), Err: err}
	}
	if c.Timestamp.Policy != "" {
		if _, err := ProcessOID(c.Timestamp.Policy); err != nil {
			return &ConfigError{Field: "timestamp.policy", Message: err.Error(), Err: err}
		}
	}
	if c.Timestamp.Timeout < 0 {
		return NewConfigError("timestamp.timeout", "must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error(), Err: err}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return NewConfigError("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

// Load reads, checks and validates a configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejects unknown keys, applies defaults and the
// environment, and validates the result.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := checkKeys(raw); err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.SetDefaults()
	c.ApplyEnv(os.LookupEnv)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkKeys(raw map[string]any) error {
	var sections []string
	for k := range sectionKeys {
		sections = append(sections, k)
	}
	sort.Strings(sections)
	if err := CheckConfigKeys("configuration", sections, keysOf(raw)); err != nil {
		return err
	}
	for name, value := range raw {
		if value == nil {
			continue
		}
		section, ok := value.(map[string]any)
		if !ok {
			return &ConfigError{Field: name, Message: "must be a dictionary", Err: ErrInvalidConfigType}
		}
		if err := CheckConfigKeys(name, sectionKeys[normalizeKey(name)], keysOf(section)); err != nil {
			return err
		}
		if p, ok := section["pkcs11"].(map[string]any); ok {
			if err := CheckConfigKeys("keystore.pkcs11", pkcs11Keys, keysOf(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckConfigKeys checks if all provided keys are valid for a given configuration type.
func CheckConfigKeys(configName string, expectedKeys, suppliedKeys []string) error {
	expectedSet := make(map[string]bool)
	for _, k := range expectedKeys {
		expectedSet[normalizeKey(k)] = true
	}

	var unexpected []string
	for _, k := range suppliedKeys {
		if !expectedSet[normalizeKey(k)] {
			unexpected = append(unexpected, k)
		}
	}

	if len(unexpected) > 0 {
		keyWord := "key"
		if len(unexpected) > 1 {
			keyWord = "keys"
		}
		return fmt.Errorf("%w: unexpected %s in configuration for %s: %s",
			ErrUnexpectedField, keyWord, configName, strings.Join(unexpected, ", "))
	}
	return nil
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "-")
}

// ProcessOID validates a dotted OID string.
func ProcessOID(oidString string) (string, error) {
	s := strings.TrimSpace(oidString)
	if !OIDRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOID, oidString)
	}
	return s, nil
}

// ParseHash maps sha256, sha384 and sha512 to a crypto.Hash.
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ReplaceAll(strings.ToLower(name), "-", "") {
	case "", "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported hash %q", name)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return l, nil
}

// NewLogger builds a text or JSON logger writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Format)
}
