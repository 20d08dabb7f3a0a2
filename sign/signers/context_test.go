package signers

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/internal/testpki"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/keys"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
)

func TestParseSigningTime(t *testing.T) {
	got, err := ParseSigningTime("2024-02-29 23:59:58")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 58, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	for _, bad := range []string{"", "2024-02-29T23:59:58Z", "2024-13-01 00:00:00", "yesterday"} {
		_, err := ParseSigningTime(bad)
		assert.ErrorIs(t, err, ErrConfiguration, bad)
	}
}

func TestSigningRequestIsImmutable(t *testing.T) {
	h := testpki.NewHierarchy(t, "Request", testpki.Options{})
	pdf := []byte("%PDF-1.7 original")
	key := &keys.KeyMaterial{PrivateKey: h.Leaf.Key, Certificate: h.Leaf.Cert, Chain: []*x509.Certificate{h.Root.Cert}}

	req := NewSigningRequest(pdf, key)
	pdf[0] = 'X'
	key.Chain[0] = h.Intermediate.Cert
	assert.Equal(t, byte('%'), req.PDF()[0])
	assert.True(t, req.KeyMaterial().Chain[0].Equal(h.Root.Cert))

	out := req.PDF()
	out[0] = 'Y'
	assert.Equal(t, byte('%'), req.PDF()[0])

	_, ok := req.Time()
	assert.False(t, ok)
	at := time.Date(2023, 1, 2, 3, 4, 5, 600, time.FixedZone("CET", 3600))
	timed := req.WithTime(at)
	got, ok := timed.Time()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2023, 1, 2, 2, 4, 5, 0, time.UTC), got)
	_, ok = req.Time()
	assert.False(t, ok, "WithTime must not change the receiver")
}

func TestNewSigningContextSortsChain(t *testing.T) {
	h := testpki.NewHierarchy(t, "Context", testpki.Options{})
	key := &keys.KeyMaterial{
		PrivateKey:  h.Leaf.Key,
		Certificate: h.Leaf.Cert,
		Chain:       []*x509.Certificate{h.Root.Cert, h.Leaf.Cert, h.Intermediate.Cert},
	}
	sc, err := NewSigningContext(key, time.Unix(1700000000, 0), chain.FailFast, SignatureMetadata{})
	require.NoError(t, err)

	sorted := sc.Chain()
	require.Len(t, sorted, 3)
	assert.True(t, sorted[0].Equal(h.Leaf.Cert))
	assert.True(t, sorted[1].Equal(h.Intermediate.Cert))
	assert.True(t, sorted[2].Equal(h.Root.Cert))
	assert.Equal(t, DefaultFieldName, sc.Metadata().FieldName)
	assert.Equal(t, time.UTC, sc.SigningTime().Location())

	sorted[0] = nil
	assert.NotNil(t, sc.Chain()[0], "Chain returns a copy")
}
