// Package keys loads signing key material: PKCS#12 keystores from a path or
// URL, PEM/DER certificates and private keys, and keys held on a PKCS#11
// token.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

var (
	ErrNoCertFound     = errors.New("no certificate found in data")
	ErrNoKeyFound      = errors.New("no private key found in data")
	ErrUnknownKeyType  = errors.New("unknown private key type")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
	ErrKeyMismatch     = errors.New("private key does not match certificate")
	ErrKeystore        = errors.New("cannot open keystore")
)

// maxKeystoreSize bounds keystores fetched over HTTP.
const maxKeystoreSize = 4 << 20

// KeyMaterial is the private key, signer certificate and unordered chain of
// one signing operation.
type KeyMaterial struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	// Chain holds the other certificates of the keystore entry in no
	// particular order.
	Chain []*x509.Certificate
}

// Validate checks that the key and certificate belong together.
func (m *KeyMaterial) Validate() error {
	if m == nil || m.PrivateKey == nil {
		return fmt.Errorf("%w: missing private key", ErrNoKeyFound)
	}
	if m.Certificate == nil {
		return ErrNoCertFound
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	pub, ok := m.PrivateKey.Public().(equaler)
	if !ok || !pub.Equal(m.Certificate.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// Clone returns a copy whose chain slice is not shared.
func (m *KeyMaterial) Clone() *KeyMaterial {
	return &KeyMaterial{
		PrivateKey:  m.PrivateKey,
		Certificate: m.Certificate,
		Chain:       append([]*x509.Certificate(nil), m.Chain...),
	}
}

// LoadKeyMaterial opens a PKCS#12 keystore from a file path or an http(s)
// URL and returns its first key entry.
func LoadKeyMaterial(ctx context.Context, location, password string) (*KeyMaterial, error) {
	data, err := readLocation(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeystore, err)
	}
	return LoadPKCS12(data, password)
}

// LoadPKCS12 decodes a PKCS#12 keystore.
func LoadPKCS12(data []byte, password string) (*KeyMaterial, error) {
	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystore, err)
	}
	signer, err := toSigner(key)
	if err != nil {
		return nil, err
	}
	m := &KeyMaterial{PrivateKey: signer, Certificate: cert, Chain: chain}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readLocation(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return os.ReadFile(location)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeystoreSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxKeystoreSize {
		return nil, fmt.Errorf("GET %s: keystore larger than %d bytes", u.Redacted(), maxKeystoreSize)
	}
	return data, nil
}

// LoadPEMKeyMaterial builds key material from a certificate file, a key
// file and optional chain files.
func LoadPEMKeyMaterial(certFile, keyFile string, chainFiles ...string) (*KeyMaterial, error) {
	certs, err := LoadCertsFromFile(certFile)
	if err != nil {
		return nil, err
	}
	key, err := LoadPrivateKeyFromFile(keyFile)
	if err != nil {
		return nil, err
	}
	m := &KeyMaterial{PrivateKey: key, Certificate: certs[0], Chain: certs[1:]}
	for _, f := range chainFiles {
		chain, err := LoadCertsFromFile(f)
		if err != nil {
			return nil, err
		}
		m.Chain = append(m.Chain, chain...)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadCertsFromFile loads certificates from a PEM or DER encoded file.
func LoadCertsFromFile(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return certs, nil
}

// ParseCertificates parses every CERTIFICATE block of PEM data, or one or
// more concatenated DER certificates.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	if isPEM(data) {
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}
	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadPrivateKeyFromFile loads an unencrypted private key in PEM or DER.
func LoadPrivateKeyFromFile(filename string) (crypto.Signer, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey parses a PKCS#8, PKCS#1 or SEC 1 private key given as PEM
// or DER.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	if isPEM(data) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, ErrInvalidPEMBlock
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
			}
			return toSigner(key)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, block.Type)
		}
	}
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

func toSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

// KeyInfo describes a key for logs and the verify report.
type KeyInfo struct {
	Algorithm string
	BitSize   int
	Curve     string
}

func (i KeyInfo) String() string {
	switch {
	case i.BitSize > 0:
		return fmt.Sprintf("%s-%d", i.Algorithm, i.BitSize)
	case i.Curve != "":
		return fmt.Sprintf("%s %s", i.Algorithm, i.Curve)
	}
	return i.Algorithm
}

// GetKeyInfo describes a public key.
func GetKeyInfo(pub crypto.PublicKey) KeyInfo {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeyInfo{Algorithm: "RSA", BitSize: k.N.BitLen()}
	case *ecdsa.PublicKey:
		return KeyInfo{Algorithm: "ECDSA", Curve: k.Curve.Params().Name}
	case ed25519.PublicKey:
		return KeyInfo{Algorithm: "Ed25519"}
	default:
		return KeyInfo{Algorithm: "Unknown"}
	}
}
