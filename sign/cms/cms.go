// Package cms builds and transforms the CMS SignedData values embedded in PDF
// signatures.
//
// Signing and verification go through github.com/digitorus/pkcs7. Values are
// immutable: ReplaceSigners and ReplaceUnsignedAttributes return new
// SignedData values and leave the receiver untouched.
package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/digitorus/pkcs7"
)

var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDSigningTime = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	// OIDTimeStampToken is id-aa-signatureTimeStampToken (RFC 3161
	// appendix A).
	OIDTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrMalformed            = errors.New("malformed CMS structure")
	ErrSignerIndex          = errors.New("signer index out of range")
)

// DigestOID returns the digest algorithm identifier for h.
func DigestOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	}
	return nil, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, h)
}

// Builder creates detached SignedData values.
type Builder struct {
	Certificate *x509.Certificate
	// Chain is the certificate set written after Certificate. A leading
	// copy of Certificate is skipped.
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
	Hash       crypto.Hash
}

// NewBuilder creates a SHA-256 builder.
func NewBuilder(cert *x509.Certificate, key crypto.Signer, chain []*x509.Certificate) *Builder {
	return &Builder{Certificate: cert, PrivateKey: key, Chain: chain, Hash: crypto.SHA256}
}

// Sign reads content to the end and returns a detached SignedData over it.
//
// The signingTime signed attribute is the wall clock reading taken by
// pkcs7 while Sign runs and cannot be chosen by the caller. An explicit
// signing time belongs in the PDF /M entry and the timestamp request.
func (b *Builder) Sign(content io.Reader) (SignedData, error) {
	if b.Certificate == nil {
		return SignedData{}, ErrMissingCertificate
	}
	if b.PrivateKey == nil {
		return SignedData{}, errors.New("no private key")
	}
	if !publicKeysMatch(b.Certificate.PublicKey, b.PrivateKey.Public()) {
		return SignedData{}, fmt.Errorf("%w: private key does not belong to %s", ErrInvalidSignature, b.Certificate.Subject)
	}
	digest, err := DigestOID(b.Hash)
	if err != nil {
		return SignedData{}, err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return SignedData{}, fmt.Errorf("read signed content: %w", err)
	}

	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return SignedData{}, fmt.Errorf("initialize signed data: %w", err)
	}
	sd.SetDigestAlgorithm(digest)

	var parents []*x509.Certificate
	for _, c := range b.Chain {
		if !c.Equal(b.Certificate) {
			parents = append(parents, c)
		}
	}
	if err := sd.AddSignerChain(b.Certificate, b.PrivateKey, parents, pkcs7.SignerInfoConfig{}); err != nil {
		return SignedData{}, fmt.Errorf("add signer: %w", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return SignedData{}, fmt.Errorf("encode signed data: %w", err)
	}
	return Parse(der)
}

func publicKeysMatch(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	if e, ok := a.(equaler); ok {
		return e.Equal(b)
	}
	return false
}

// Attribute is a CMS attribute. Values holds the DER encoding of each
// element of the attribute's value set.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values [][]byte
}

// SignerInfo is a read-only view of one signer.
type SignerInfo struct {
	raw signerInfo
}

// Signature returns a copy of the signature value.
func (s SignerInfo) Signature() []byte {
	return append([]byte(nil), s.raw.EncryptedDigest...)
}

// Version returns the SignerInfo version.
func (s SignerInfo) Version() int { return s.raw.Version }

// UnsignedAttributes returns a copy of the unsigned attributes.
func (s SignerInfo) UnsignedAttributes() []Attribute {
	out := make([]Attribute, 0, len(s.raw.UnauthenticatedAttributes))
	for _, a := range s.raw.UnauthenticatedAttributes {
		attr, err := a.decode()
		if err == nil {
			out = append(out, attr)
		}
	}
	return out
}

// TimestampTokens returns the DER ContentInfo of every signature timestamp
// token attached to the signer.
func (s SignerInfo) TimestampTokens() [][]byte {
	var out [][]byte
	for _, a := range s.UnsignedAttributes() {
		if a.Type.Equal(OIDTimeStampToken) {
			out = append(out, a.Values...)
		}
	}
	return out
}

// WithUnsignedAttributes returns a copy of s whose unsigned attributes are
// attrs, DER-ordered.
func (s SignerInfo) WithUnsignedAttributes(attrs []Attribute) (SignerInfo, error) {
	encoded := make([]attribute, 0, len(attrs))
	for _, a := range attrs {
		enc, err := encodeAttribute(a)
		if err != nil {
			return SignerInfo{}, err
		}
		encoded = append(encoded, enc)
	}
	sortAttributes(encoded)
	if len(encoded) == 0 {
		encoded = nil
	}
	out := s
	out.raw.UnauthenticatedAttributes = encoded
	return out, nil
}

// AddUnsignedAttribute returns a copy of s with attr merged into the existing
// unsigned attributes.
func (s SignerInfo) AddUnsignedAttribute(attr Attribute) (SignerInfo, error) {
	return s.WithUnsignedAttributes(append(s.UnsignedAttributes(), attr))
}

// SignedData is an immutable DER encoded CMS ContentInfo carrying
// SignedData.
type SignedData struct {
	der     []byte
	content signedData
}

// Parse decodes der. Trailing bytes after the outer element, such as the zero
// padding of a PDF /Contents string, are ignored.
func Parse(der []byte) (SignedData, error) {
	der = append([]byte(nil), TrimPadding(der)...)
	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return SignedData{}, fmt.Errorf("%w: content info: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return SignedData{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return SignedData{}, fmt.Errorf("%w: content type %v is not signed data", ErrMalformed, ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return SignedData{}, fmt.Errorf("%w: signed data: %v", ErrMalformed, err)
	}
	return SignedData{der: der, content: sd}, nil
}

// Bytes returns a copy of the DER encoding.
func (sd SignedData) Bytes() []byte {
	return append([]byte(nil), sd.der...)
}

// Len returns the size of the DER encoding.
func (sd SignedData) Len() int { return len(sd.der) }

// IsZero reports whether sd holds no value.
func (sd SignedData) IsZero() bool { return len(sd.der) == 0 }

// Signers returns the signer infos in encoding order.
func (sd SignedData) Signers() []SignerInfo {
	out := make([]SignerInfo, len(sd.content.SignerInfos))
	for i, si := range sd.content.SignerInfos {
		out[i] = SignerInfo{raw: si.clone()}
	}
	return out
}

// Certificates parses the embedded certificate set.
func (sd SignedData) Certificates() ([]*x509.Certificate, error) {
	if len(sd.content.Certificates.Raw) == 0 {
		return nil, nil
	}
	var set asn1.RawValue
	if _, err := asn1.Unmarshal(sd.content.Certificates.Raw, &set); err != nil {
		return nil, fmt.Errorf("%w: certificates: %v", ErrMalformed, err)
	}
	return x509.ParseCertificates(set.Bytes)
}

// ReplaceSigners returns a new value with signers in place of the current
// signer infos. Everything else is carried over byte for byte.
func (sd SignedData) ReplaceSigners(signers []SignerInfo) (SignedData, error) {
	next := sd.content
	next.SignerInfos = make([]signerInfo, len(signers))
	for i, s := range signers {
		next.SignerInfos[i] = s.raw.clone()
	}
	inner, err := asn1.Marshal(next)
	if err != nil {
		return SignedData{}, fmt.Errorf("%w: encode signed data: %v", ErrMalformed, err)
	}
	der, err := asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return SignedData{}, fmt.Errorf("%w: encode content info: %v", ErrMalformed, err)
	}
	return Parse(der)
}

// ReplaceUnsignedAttributes returns a new value where signer index carries
// attrs as its unsigned attributes.
func (sd SignedData) ReplaceUnsignedAttributes(index int, attrs []Attribute) (SignedData, error) {
	signers := sd.Signers()
	if index < 0 || index >= len(signers) {
		return SignedData{}, fmt.Errorf("%w: %d of %d", ErrSignerIndex, index, len(signers))
	}
	updated, err := signers[index].WithUnsignedAttributes(attrs)
	if err != nil {
		return SignedData{}, err
	}
	signers[index] = updated
	return sd.ReplaceSigners(signers)
}

// Verify checks every signer against the detached content. When roots is
// non-nil the signer certificates must also chain to it.
func (sd SignedData) Verify(content []byte, roots *x509.CertPool) (*pkcs7.PKCS7, error) {
	p7, err := pkcs7.Parse(sd.der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p7.Content = content
	if roots != nil {
		err = p7.VerifyWithChain(roots)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return p7, nil
}

// TrimPadding cuts b after its first DER element. b is returned unchanged
// when the header cannot be read.
func TrimPadding(b []byte) []byte {
	n, ok := elementLength(b)
	if !ok || n > len(b) {
		return b
	}
	return b[:n]
}

// elementLength returns the encoded size of the DER element at the start of
// b.
func elementLength(b []byte) (int, bool) {
	if len(b) < 2 || b[0]&0x1f == 0x1f {
		return 0, false
	}
	l := int(b[1])
	if l < 0x80 {
		return 2 + l, true
	}
	octets := l & 0x7f
	if octets == 0 || octets > 4 || len(b) < 2+octets {
		return 0, false
	}
	l = 0
	for _, c := range b[2 : 2+octets] {
		l = l<<8 | int(c)
	}
	return 2 + octets + l, true
}

// Wire structures. Fields that are not transformed are carried as raw
// values so that re-encoding leaves them untouched.

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type rawSet struct {
	Raw asn1.RawContent
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo asn1.RawValue
	Certificates     rawSet       `asn1:"optional,tag:0"`
	CRLs             rawSet       `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo `asn1:"set"`
}

type signerInfo struct {
	Version                   int
	SID                       asn1.RawValue
	DigestAlgorithm           asn1.RawValue
	AuthenticatedAttributes   rawSet `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm asn1.RawValue
	EncryptedDigest           []byte
	UnauthenticatedAttributes []attribute `asn1:"optional,tag:1"`
}

func (s signerInfo) clone() signerInfo {
	s.UnauthenticatedAttributes = append([]attribute(nil), s.UnauthenticatedAttributes...)
	return s
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

func (a attribute) decode() (Attribute, error) {
	out := Attribute{Type: a.Type}
	rest := a.Value.Bytes
	for len(rest) > 0 {
		var v asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &v); err != nil {
			return Attribute{}, fmt.Errorf("%w: attribute %v: %v", ErrMalformed, a.Type, err)
		}
		out.Values = append(out.Values, v.FullBytes)
	}
	return out, nil
}

func encodeAttribute(a Attribute) (attribute, error) {
	values := append([][]byte(nil), a.Values...)
	sort.Slice(values, func(i, j int) bool { return bytes.Compare(values[i], values[j]) < 0 })
	set, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      bytes.Join(values, nil),
	})
	if err != nil {
		return attribute{}, fmt.Errorf("%w: attribute %v: %v", ErrMalformed, a.Type, err)
	}
	return attribute{Type: a.Type, Value: asn1.RawValue{FullBytes: set}}, nil
}

// sortAttributes orders attrs by DER encoding as required for SET OF.
func sortAttributes(attrs []attribute) {
	keys := make(map[int][]byte, len(attrs))
	for i := range attrs {
		keys[i], _ = asn1.Marshal(attrs[i])
	}
	idx := make([]int, len(attrs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return bytes.Compare(keys[idx[i]], keys[idx[j]]) < 0 })
	sorted := make([]attribute, len(attrs))
	for i, k := range idx {
		sorted[i] = attrs[k]
	}
	copy(attrs, sorted)
}
