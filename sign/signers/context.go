package signers

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/keys"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
)

// ParseSigningTime parses an explicit signing time "YYYY-MM-DD HH:MM:SS",
// read as UTC.
func ParseSigningTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(SigningTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: signing time %q: want %q", ErrConfiguration, s, SigningTimeLayout)
	}
	return t, nil
}

// SignatureMetadata holds the optional descriptive entries of the
// signature dictionary.
type SignatureMetadata struct {
	FieldName   string
	Name        string
	Reason      string
	Location    string
	ContactInfo string
}

// SigningRequest is the input of one signing operation. It is never
// modified after creation; accessors return copies.
type SigningRequest struct {
	pdf      []byte
	key      *keys.KeyMaterial
	at       time.Time
	explicit bool
}

// NewSigningRequest copies pdf and key.
func NewSigningRequest(pdf []byte, key *keys.KeyMaterial) SigningRequest {
	r := SigningRequest{pdf: append([]byte(nil), pdf...)}
	if key != nil {
		r.key = key.Clone()
	}
	return r
}

// WithTime returns a request with an explicit signing time, truncated to
// the second in UTC.
func (r SigningRequest) WithTime(t time.Time) SigningRequest {
	r.at = t.UTC().Truncate(time.Second)
	r.explicit = true
	return r
}

// PDF returns a copy of the document bytes.
func (r SigningRequest) PDF() []byte { return append([]byte(nil), r.pdf...) }

// KeyMaterial returns a copy of the key material, or nil.
func (r SigningRequest) KeyMaterial() *keys.KeyMaterial {
	if r.key == nil {
		return nil
	}
	return r.key.Clone()
}

// Time returns the explicit signing time, if set.
func (r SigningRequest) Time() (time.Time, bool) { return r.at, r.explicit }

func (r SigningRequest) validate() error {
	if len(r.pdf) == 0 {
		return errors.New("empty PDF")
	}
	return r.key.Validate()
}

// SigningContext is the immutable state of one operation: who signs, when,
// and with which sorted chain. It replaces any shared "current signer"
// state.
type SigningContext struct {
	key         *keys.KeyMaterial
	signingTime time.Time
	chain       []*x509.Certificate
	metadata    SignatureMetadata
}

// NewSigningContext sorts the chain of key for the signer certificate.
func NewSigningContext(key *keys.KeyMaterial, signingTime time.Time, policy chain.Policy, md SignatureMetadata) (*SigningContext, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sorted, err := chain.Sort(key.Certificate, key.Chain, policy)
	if err != nil {
		return nil, err
	}
	if md.FieldName == "" {
		md.FieldName = DefaultFieldName
	}
	return &SigningContext{
		key:         key.Clone(),
		signingTime: signingTime.UTC().Truncate(time.Second),
		chain:       sorted,
		metadata:    md,
	}, nil
}

// KeyMaterial returns a copy of the signing key material.
func (c *SigningContext) KeyMaterial() *keys.KeyMaterial { return c.key.Clone() }

// Signer returns the signer certificate.
func (c *SigningContext) Signer() *x509.Certificate { return c.key.Certificate }

// SigningTime is the time written to /M and given to the timestamp signer.
func (c *SigningContext) SigningTime() time.Time { return c.signingTime }

// Chain returns a copy of the sorted chain, signer first.
func (c *SigningContext) Chain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), c.chain...)
}

// Metadata returns the signature dictionary entries.
func (c *SigningContext) Metadata() SignatureMetadata { return c.metadata }
