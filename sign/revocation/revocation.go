// Package revocation supplies CRLs and OCSP responses for certificates from
// local material. Nothing is fetched over the network.
package revocation

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/ocsp"
)

var (
	ErrInvalidCRL  = errors.New("invalid CRL")
	ErrInvalidOCSP = errors.New("invalid OCSP response")
)

// Info is the revocation material found for one certificate.
type Info struct {
	CRLs  [][]byte
	OCSPs [][]byte
}

// Source looks up revocation material. issuer may be nil when the issuer of
// cert is not known.
type Source interface {
	Lookup(cert, issuer *x509.Certificate) (Info, error)
}

// Archive holds CRLs and OCSP responses loaded up front. It is safe for
// concurrent use.
type Archive struct {
	mu    sync.RWMutex
	crls  []*x509.RevocationList
	ocsps [][]byte
}

// NewArchive creates an empty archive.
func NewArchive() *Archive {
	return &Archive{}
}

// AddCRL parses a DER or PEM encoded CRL and adds it.
func (a *Archive) AddCRL(data []byte) error {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCRL, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, have := range a.crls {
		if bytes.Equal(have.Raw, crl.Raw) {
			return nil
		}
	}
	a.crls = append(a.crls, crl)
	return nil
}

// AddOCSP adds a DER encoded OCSP response after checking that it parses.
func (a *Archive) AddOCSP(der []byte) error {
	if _, err := ocsp.ParseResponse(der, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOCSP, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ocsps = append(a.ocsps, append([]byte(nil), der...))
	return nil
}

// LoadFiles reads CRL and OCSP files into a new archive.
func LoadFiles(crlFiles, ocspFiles []string) (*Archive, error) {
	a := NewArchive()
	for _, path := range crlFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := a.AddCRL(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, path := range ocspFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := a.AddOCSP(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return a, nil
}

// Lookup returns the CRLs issued by the issuer of cert and the OCSP
// responses about cert. With a known issuer, CRL signatures and OCSP
// responder signatures are checked and failing entries are skipped.
func (a *Archive) Lookup(cert, issuer *x509.Certificate) (Info, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var info Info
	for _, crl := range a.crls {
		if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) {
			continue
		}
		if issuer != nil && crl.CheckSignatureFrom(issuer) != nil {
			continue
		}
		info.CRLs = append(info.CRLs, crl.Raw)
	}
	for _, der := range a.ocsps {
		var resp *ocsp.Response
		var err error
		if issuer != nil {
			resp, err = ocsp.ParseResponseForCert(der, cert, issuer)
		} else {
			resp, err = ocsp.ParseResponse(der, nil)
		}
		if err != nil || resp.SerialNumber.Cmp(cert.SerialNumber) != 0 {
			continue
		}
		info.OCSPs = append(info.OCSPs, der)
	}
	return info, nil
}

// Len returns the number of CRLs and OCSP responses held.
func (a *Archive) Len() (crls, ocsps int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.crls), len(a.ocsps)
}

// Collect queries src for every certificate of a sorted chain except a
// self-signed tail. A kind that yields no data is returned as nil.
func Collect(src Source, chain []*x509.Certificate) (crls, ocsps [][]byte, err error) {
	if src == nil {
		return nil, nil, nil
	}
	for i, cert := range chain {
		if i == len(chain)-1 && bytes.Equal(cert.RawSubject, cert.RawIssuer) {
			break
		}
		var issuer *x509.Certificate
		if i+1 < len(chain) {
			issuer = chain[i+1]
		}
		info, err := src.Lookup(cert, issuer)
		if err != nil {
			return nil, nil, fmt.Errorf("revocation for %s: %w", cert.Subject, err)
		}
		crls = appendUnique(crls, info.CRLs)
		ocsps = appendUnique(ocsps, info.OCSPs)
	}
	return crls, ocsps, nil
}

func appendUnique(dst, src [][]byte) [][]byte {
	for _, b := range src {
		dup := false
		for _, have := range dst {
			if bytes.Equal(have, b) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, b)
		}
	}
	return dst
}
