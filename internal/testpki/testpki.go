// Package testpki issues throwaway certificate hierarchies for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
	"software.sslmate.com/src/go-pkcs12"
)

var serial atomic.Int64

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// Hierarchy is root -> intermediate -> leaf.
type Hierarchy struct {
	Root         Identity
	Intermediate Identity
	Leaf         Identity
}

// Chain returns leaf, intermediate, root.
func (h *Hierarchy) Chain() []*x509.Certificate {
	return []*x509.Certificate{h.Leaf.Cert, h.Intermediate.Cert, h.Root.Cert}
}

// Options tweaks generated certificates.
type Options struct {
	RSA bool
	// TimeStamping adds the critical timeStamping extended key usage to
	// the leaf.
	TimeStamping bool
	NotBefore    time.Time
}

// NewKey returns a fresh signing key.
func NewKey(t testing.TB, useRSA bool) crypto.Signer {
	t.Helper()
	if useRSA {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		return k
	}
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	return k
}

// Issue creates a certificate for cn signed by parent. A nil parent makes
// it self-signed.
func Issue(t testing.TB, cn string, parent *Identity, isCA bool, opts Options) Identity {
	t.Helper()
	key := NewKey(t, opts.RSA)
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"pdfltv test"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}
	if opts.TimeStamping {
		ext, err := asn1.Marshal([]asn1.ObjectIdentifier{{1, 3, 6, 1, 5, 5, 7, 3, 8}})
		if err != nil {
			t.Fatalf("marshal EKU: %v", err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:       asn1.ObjectIdentifier{2, 5, 29, 37},
			Critical: true,
			Value:    ext,
		})
	}

	issuerCert, issuerKey := tmpl, key
	if parent != nil {
		issuerCert, issuerKey = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuerCert, key.Public(), issuerKey)
	if err != nil {
		t.Fatalf("create certificate %q: %v", cn, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate %q: %v", cn, err)
	}
	return Identity{Cert: cert, Key: key}
}

// NewHierarchy builds a three level hierarchy. Leaf options apply to the
// leaf only.
func NewHierarchy(t testing.TB, name string, leaf Options) *Hierarchy {
	t.Helper()
	root := Issue(t, name+" Root CA", nil, true, Options{})
	inter := Issue(t, name+" Intermediate CA", &root, true, Options{})
	return &Hierarchy{
		Root:         root,
		Intermediate: inter,
		Leaf:         Issue(t, name+" Signer", &inter, false, leaf),
	}
}

// PKCS12 encodes the leaf key with the full chain.
func (h *Hierarchy) PKCS12(t testing.TB, password string) []byte {
	t.Helper()
	data, err := pkcs12.Modern.Encode(h.Leaf.Key, h.Leaf.Cert,
		[]*x509.Certificate{h.Intermediate.Cert, h.Root.Cert}, password)
	if err != nil {
		t.Fatalf("encode PKCS#12: %v", err)
	}
	return data
}

// CRL issues an empty revocation list signed by issuer.
func CRL(t testing.TB, issuer Identity) []byte {
	t.Helper()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(serial.Add(1)),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(24 * time.Hour),
	}, issuer.Cert, issuer.Key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	return der
}

// OCSP issues a "good" response for cert signed by issuer.
func OCSP(t testing.TB, cert *x509.Certificate, issuer Identity) []byte {
	t.Helper()
	der, err := ocsp.CreateResponse(issuer.Cert, issuer.Cert, ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(24 * time.Hour),
	}, issuer.Key)
	if err != nil {
		t.Fatalf("create OCSP response: %v", err)
	}
	return der
}
