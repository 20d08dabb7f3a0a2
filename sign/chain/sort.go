// Package chain orders X.509 certificate chains from the signer up to the
// root.
package chain

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrMissingIssuer is returned when a non-self-issued certificate has no
// issuer among the supplied certificates.
var ErrMissingIssuer = errors.New("issuer certificate not found")

// Policy controls what Sort does when the walk cannot reach a self-issued
// certificate.
type Policy int

const (
	// FailFast reports a SortError when an issuer is missing.
	FailFast Policy = iota
	// BestEffort returns the prefix ordered so far.
	BestEffort
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case BestEffort:
		return "best-effort"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps a configuration value to a Policy. The empty string is
// FailFast.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail-fast", "failfast", "strict":
		return FailFast, nil
	case "best-effort", "besteffort", "lenient":
		return BestEffort, nil
	}
	return FailFast, fmt.Errorf("unknown chain policy %q", s)
}

// SortError describes where the walk stopped.
type SortError struct {
	// Partial is the chain ordered up to the certificate whose issuer
	// is missing.
	Partial []*x509.Certificate
	// Subject of the certificate whose issuer could not be found.
	Subject string
	// Issuer that was looked for.
	Issuer string
	Err    error
}

func (e *SortError) Error() string {
	return fmt.Sprintf("sort chain: %v: no certificate with subject %q (issuer of %q)", e.Err, e.Issuer, e.Subject)
}

func (e *SortError) Unwrap() error { return e.Err }

// IsSelfIssued reports whether subject and issuer names are identical.
func IsSelfIssued(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

// Sort returns signer followed by its issuers, each element issued by the
// next, taken from certs. Certificates in certs that are not on the path are
// dropped. With several candidates for the same issuer name the first one
// in input order is used. The signer is never repeated, even if certs
// contains it.
//
// Sort matches names only. Signatures are not checked; use Verify for that.
// nil entries in certs are ignored.
func Sort(signer *x509.Certificate, certs []*x509.Certificate, policy Policy) ([]*x509.Certificate, error) {
	if signer == nil {
		return nil, errors.New("sort chain: signer certificate is nil")
	}
	sorted := []*x509.Certificate{signer}
	used := make([]bool, len(certs))
	for i, c := range certs {
		if c == nil || c.Equal(signer) {
			used[i] = true
		}
	}

	current := signer
	for !IsSelfIssued(current) {
		next := -1
		for i, c := range certs {
			if !used[i] && bytes.Equal(c.RawSubject, current.RawIssuer) {
				next = i
				break
			}
		}
		if next < 0 {
			if policy == BestEffort {
				return sorted, nil
			}
			return nil, &SortError{
				Partial: sorted,
				Subject: current.Subject.String(),
				Issuer:  current.Issuer.String(),
				Err:     ErrMissingIssuer,
			}
		}
		used[next] = true
		current = certs[next]
		sorted = append(sorted, current)
	}
	return sorted, nil
}

// Verify checks that every certificate in a sorted chain is signed by its
// successor and that a self-issued tail is signed by itself.
func Verify(sorted []*x509.Certificate) error {
	for i, cert := range sorted {
		var issuer *x509.Certificate
		switch {
		case i+1 < len(sorted):
			issuer = sorted[i+1]
		case IsSelfIssued(cert):
			issuer = cert
		default:
			continue
		}
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("certificate %d (%s) not signed by %s: %w", i, cert.Subject, issuer.Subject, err)
		}
	}
	return nil
}
