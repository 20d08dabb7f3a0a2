package cms

import (
	"bytes"
	"crypto"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/internal/testpki"
)

var content = []byte("%PDF-1.7 signed byte ranges")

func signContent(t *testing.T, h *testpki.Hierarchy) SignedData {
	t.Helper()
	sd, err := NewBuilder(h.Leaf.Cert, h.Leaf.Key, h.Chain()).Sign(bytes.NewReader(content))
	require.NoError(t, err)
	return sd
}

func derInteger(t *testing.T, v int) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestBuilderSignRSA(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS RSA", testpki.Options{RSA: true})
	sd := signContent(t, h)

	require.Len(t, sd.Signers(), 1)
	assert.NotEmpty(t, sd.Signers()[0].Signature())
	assert.Empty(t, sd.Signers()[0].UnsignedAttributes())

	certs, err := sd.Certificates()
	require.NoError(t, err)
	assert.Len(t, certs, 3)

	p7, err := sd.Verify(content, nil)
	require.NoError(t, err)
	assert.True(t, p7.GetOnlySigner().Equal(h.Leaf.Cert))

	_, err = sd.Verify([]byte("tampered"), nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestBuilderSignECDSA(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS EC", testpki.Options{})
	sd := signContent(t, h)
	_, err := sd.Verify(content, nil)
	require.NoError(t, err)
}

func TestBuilderSigningTimeIsWallClock(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS Time", testpki.Options{})
	before := time.Now().UTC().Truncate(time.Second)
	sd := signContent(t, h)
	after := time.Now().UTC().Add(time.Second)

	p7, err := sd.Verify(content, nil)
	require.NoError(t, err)
	var signed time.Time
	require.NoError(t, p7.UnmarshalSignedAttribute(OIDSigningTime, &signed))
	assert.False(t, signed.Before(before), "signing time %v before %v", signed, before)
	assert.False(t, signed.After(after), "signing time %v after %v", signed, after)
}

func TestBuilderRejectsMismatchedKey(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS Mismatch", testpki.Options{})
	_, err := NewBuilder(h.Leaf.Cert, h.Intermediate.Key, nil).Sign(bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewBuilder(nil, h.Leaf.Key, nil).Sign(bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrMissingCertificate)

	b := NewBuilder(h.Leaf.Cert, h.Leaf.Key, nil)
	b.Hash = crypto.MD5
	_, err = b.Sign(bytes.NewReader(content))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestReplaceUnsignedAttributesReturnsNewValue(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS Replace", testpki.Options{})
	sd := signContent(t, h)
	before := sd.Bytes()

	first := Attribute{Type: asn1.ObjectIdentifier{1, 2, 3, 4}, Values: [][]byte{derInteger(t, 7)}}
	updated, err := sd.ReplaceUnsignedAttributes(0, []Attribute{first})
	require.NoError(t, err)

	assert.Equal(t, before, sd.Bytes(), "receiver must not change")
	assert.Empty(t, sd.Signers()[0].UnsignedAttributes())
	attrs := updated.Signers()[0].UnsignedAttributes()
	require.Len(t, attrs, 1)
	assert.True(t, attrs[0].Type.Equal(first.Type))
	assert.Equal(t, first.Values, attrs[0].Values)
	assert.Equal(t, sd.Signers()[0].Signature(), updated.Signers()[0].Signature())

	_, err = updated.Verify(content, nil)
	require.NoError(t, err, "unsigned attributes are outside the signature")

	_, err = sd.ReplaceUnsignedAttributes(1, nil)
	assert.ErrorIs(t, err, ErrSignerIndex)
}

func TestAddUnsignedAttributeMerges(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS Merge", testpki.Options{})
	sd := signContent(t, h)

	signer := sd.Signers()[0]
	signer, err := signer.AddUnsignedAttribute(Attribute{Type: asn1.ObjectIdentifier{1, 2, 3, 9}, Values: [][]byte{derInteger(t, 1)}})
	require.NoError(t, err)
	signer, err = signer.AddUnsignedAttribute(Attribute{Type: OIDTimeStampToken, Values: [][]byte{derInteger(t, 2)}})
	require.NoError(t, err)

	merged, err := sd.ReplaceSigners([]SignerInfo{signer})
	require.NoError(t, err)
	attrs := merged.Signers()[0].UnsignedAttributes()
	require.Len(t, attrs, 2)
	// DER order: 1.2.3.9 encodes shorter than the PKCS#9 arc.
	assert.True(t, attrs[0].Type.Equal(asn1.ObjectIdentifier{1, 2, 3, 9}))
	assert.Equal(t, [][]byte{derInteger(t, 2)}, merged.Signers()[0].TimestampTokens())
}

func TestReplaceSignersWithNoChangeIsStable(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS Stable", testpki.Options{})
	sd := signContent(t, h)
	same, err := sd.ReplaceSigners(sd.Signers())
	require.NoError(t, err)
	assert.Equal(t, sd.Bytes(), same.Bytes())
}

func TestParseTrimsPadding(t *testing.T) {
	h := testpki.NewHierarchy(t, "CMS Padding", testpki.Options{})
	sd := signContent(t, h)

	padded := append(sd.Bytes(), make([]byte, 64)...)
	parsed, err := Parse(padded)
	require.NoError(t, err)
	assert.Equal(t, sd.Bytes(), parsed.Bytes())
	assert.Equal(t, sd.Len(), len(TrimPadding(padded)))
}

func TestParseRejectsOtherContent(t *testing.T) {
	der, err := asn1.Marshal(contentInfo{ContentType: OIDData})
	require.NoError(t, err)
	_, err = Parse(der)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte{0x30, 0x03, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, SignedData{}.IsZero())
}

func TestTrimPaddingLongForm(t *testing.T) {
	body := bytes.Repeat([]byte{0x01}, 300)
	elem, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagOctetString, Bytes: body})
	require.NoError(t, err)
	assert.Equal(t, elem, TrimPadding(append(elem, 0, 0, 0)))
	assert.Equal(t, []byte{0x30}, TrimPadding([]byte{0x30}))
}
