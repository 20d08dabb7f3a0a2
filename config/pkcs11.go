package config

import (
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/keys"
)

// EnvPKCS11PIN overrides keystore.pkcs11.user-pin when set.
const EnvPKCS11PIN = "PDFLTV_PKCS11_PIN"

var pkcs11Keys = []string{"module", "token-label", "key-label", "cert-label", "user-pin"}

// PKCS11Config locates the signing key on a PKCS#11 token.
type PKCS11Config struct {
	// Module is the path to the PKCS#11 module shared object (.so/.dylib/.dll).
	Module     string `yaml:"module"`
	TokenLabel string `yaml:"token-label,omitempty"`
	// KeyLabel defaults to CertLabel and vice versa.
	KeyLabel  string `yaml:"key-label,omitempty"`
	CertLabel string `yaml:"cert-label,omitempty"`
	UserPIN   string `yaml:"user-pin,omitempty"`
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11Config) Validate() error {
	if c.Module == "" {
		return NewConfigError("keystore.pkcs11.module", "PKCS#11 module path is required")
	}
	if c.KeyLabel == "" && c.CertLabel == "" {
		return NewConfigError("keystore.pkcs11", "at least one of key-label or cert-label must be provided")
	}
	return nil
}

// GetKeyLabel returns the effective key label.
func (c *PKCS11Config) GetKeyLabel() string {
	if c.KeyLabel != "" {
		return c.KeyLabel
	}
	return c.CertLabel
}

// GetCertLabel returns the effective cert label.
func (c *PKCS11Config) GetCertLabel() string {
	if c.CertLabel != "" {
		return c.CertLabel
	}
	return c.KeyLabel
}

// Keys converts the configuration for keys.OpenPKCS11.
func (c *PKCS11Config) Keys() keys.PKCS11Config {
	return keys.PKCS11Config{
		Module:     c.Module,
		TokenLabel: c.TokenLabel,
		KeyLabel:   c.GetKeyLabel(),
		CertLabel:  c.GetCertLabel(),
		UserPIN:    c.UserPIN,
	}
}
