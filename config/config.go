// Package config loads devauth settings from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/devauth/certvalidator"
	"github.com/georgepadayatti/devauth/certvalidator/revinfo"
	"github.com/georgepadayatti/devauth/keys"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
)

// MaxVerbosity is the highest accepted logging verbosity.
const MaxVerbosity = 10

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

// Config is the complete devauth configuration.
type Config struct {
	// Revocation controls CRL handling.
	Revocation *RevocationConfig `yaml:"revocation" json:"revocation,omitempty"`

	// TestAnchors are certificate files added to the embedded device roots.
	// They exist for testing; production roots are not configurable.
	TestAnchors []string `yaml:"test-anchors" json:"test_anchors,omitempty"`

	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// RevocationConfig contains CRL settings.
type RevocationConfig struct {
	// CRLPolicy is "required" or "optional".
	CRLPolicy string `yaml:"crl-policy" json:"crl_policy,omitempty"`

	// CRLFile is a CRL bundle used when none travels with the response.
	CRLFile string `yaml:"crl-file" json:"crl_file,omitempty"`

	// CRLAnchors are the anchors CRL signers must chain to. The device
	// anchors are used when empty.
	CRLAnchors []string `yaml:"crl-anchors" json:"crl_anchors,omitempty"`
}

// SetDefaults sets default values for revocation configuration.
func (c *RevocationConfig) SetDefaults() {
	if c.CRLPolicy == "" {
		c.CRLPolicy = revinfo.CRLRequired.String()
	}
}

// Validate validates the revocation configuration.
func (c *RevocationConfig) Validate() error {
	if _, err := revinfo.ParseCRLPolicy(c.CRLPolicy); err != nil {
		return &ConfigError{Field: "revocation.crl-policy", Message: "must be 'required' or 'optional'", Err: err}
	}
	for i, path := range c.CRLAnchors {
		if strings.TrimSpace(path) == "" {
			return &ConfigError{
				Field:   fmt.Sprintf("revocation.crl-anchors[%d]", i),
				Message: "path is empty",
				Err:     ErrMissingRequiredField,
			}
		}
	}
	return nil
}

// Policy returns the parsed CRL policy.
func (c *RevocationConfig) Policy() revinfo.CRLPolicy {
	policy, err := revinfo.ParseCRLPolicy(c.CRLPolicy)
	if err != nil {
		return revinfo.CRLRequired
	}
	return policy
}

// LoadCRL reads the configured CRL bundle. It returns nil when none is set.
func (c *RevocationConfig) LoadCRL() ([]byte, error) {
	if c.CRLFile == "" {
		return nil, nil
	}
	return keys.ReadFile(c.CRLFile)
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Verbosity is the klog verbosity level.
	Verbosity int `yaml:"verbosity" json:"verbosity,omitempty"`
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if c.Verbosity < 0 || c.Verbosity > MaxVerbosity {
		return NewConfigError("logging.verbosity", fmt.Sprintf("must be between 0 and %d", MaxVerbosity))
	}
	return nil
}

// SetDefaults fills in missing sections.
func (c *Config) SetDefaults() {
	if c.Revocation == nil {
		c.Revocation = &RevocationConfig{}
	}
	c.Revocation.SetDefaults()
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for i, path := range c.TestAnchors {
		if strings.TrimSpace(path) == "" {
			return &ConfigError{
				Field:   fmt.Sprintf("test-anchors[%d]", i),
				Message: "path is empty",
				Err:     ErrMissingRequiredField,
			}
		}
	}
	if c.Revocation != nil {
		if err := c.Revocation.Validate(); err != nil {
			return err
		}
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DeviceTrustStore returns the embedded device roots plus any test anchors.
func (c *Config) DeviceTrustStore() (*certvalidator.TrustStore, error) {
	if len(c.TestAnchors) == 0 {
		return certvalidator.DefaultTrustStore()
	}
	store, err := certvalidator.NewDeviceTrustStore()
	if err != nil {
		return nil, err
	}
	if err := addAnchors(store, c.TestAnchors); err != nil {
		return nil, &ConfigError{Field: "test-anchors", Message: err.Error(), Err: err}
	}
	return store, nil
}

// CRLTrustStore returns the store CRL signers must chain to. It is device
// unless crl-anchors are configured.
func (c *Config) CRLTrustStore(device *certvalidator.TrustStore) (*certvalidator.TrustStore, error) {
	if c.Revocation == nil || len(c.Revocation.CRLAnchors) == 0 {
		return device, nil
	}
	store := certvalidator.NewTrustStore()
	if err := addAnchors(store, c.Revocation.CRLAnchors); err != nil {
		return nil, &ConfigError{Field: "revocation.crl-anchors", Message: err.Error(), Err: err}
	}
	return store, nil
}

func addAnchors(store *certvalidator.TrustStore, files []string) error {
	ders, err := keys.LoadCertDERsFromFiles(files)
	if err != nil {
		return err
	}
	for _, der := range ders {
		if err := store.AddAnchorDER(der); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, defaults and validates configuration from YAML data.
// Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedField, err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var config Config
	config.SetDefaults()
	return &config
}
