package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/internal/testpki"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/cms"
)

func newLocalSigner(t *testing.T) (*LocalSigner, *testpki.Hierarchy) {
	t.Helper()
	h := testpki.NewHierarchy(t, "TSA", testpki.Options{TimeStamping: true})
	signer := NewLocalSigner(h.Leaf.Cert, h.Leaf.Key).
		WithChain([]*x509.Certificate{h.Intermediate.Cert, h.Root.Cert})
	return signer, h
}

// recordingSigner keeps every request it forwards.
type recordingSigner struct {
	next TimestampSigner

	mu       sync.Mutex
	requests []*timestamp.Request
	hints    []time.Time
}

func (r *recordingSigner) Timestamp(ctx context.Context, req *Request) ([]byte, error) {
	parsed, err := timestamp.ParseRequest(req.DER)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.requests = append(r.requests, parsed)
	r.hints = append(r.hints, req.Time)
	r.mu.Unlock()
	return r.next.Timestamp(ctx, req)
}

type signerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f signerFunc) Timestamp(ctx context.Context, req *Request) ([]byte, error) { return f(ctx, req) }

func TestRequestTimestampLocal(t *testing.T) {
	local, h := newLocalSigner(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	local.WithClock(clockwork.NewFakeClockAt(fixed))
	rec := &recordingSigner{next: local}
	client := NewClient(rec)

	imprint := []byte("signature value")
	token, err := client.RequestTimestamp(context.Background(), imprint, 0, nil)
	require.NoError(t, err)

	assert.True(t, token.Covers(imprint))
	assert.True(t, token.GenTime().Equal(fixed))
	assert.Equal(t, crypto.SHA256, token.Info.HashAlgorithm)
	assert.True(t, token.Info.Policy.Equal(PolicyAnyPolicy))
	assert.Equal(t, int64(1), token.Info.SerialNumber.Int64())
	var embedded bool
	for _, c := range token.Info.Certificates {
		embedded = embedded || c.Equal(h.Leaf.Cert)
	}
	assert.True(t, embedded, "TSA certificate must be embedded")

	digest := sha256.Sum256(imprint)
	require.Len(t, rec.requests, 1)
	req := rec.requests[0]
	assert.Equal(t, digest[:], req.HashedMessage)
	assert.True(t, req.Certificates)
	require.NotNil(t, req.Nonce)
	assert.Equal(t, 0, req.Nonce.Cmp(token.Info.Nonce))

	again, err := client.RequestTimestamp(context.Background(), imprint, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Info.SerialNumber.Int64())
}

func TestLocalSignerSerialsAreSequential(t *testing.T) {
	local, _ := newLocalSigner(t)
	client := NewClient(local)

	const n = 16
	serials := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := client.RequestTimestamp(context.Background(), []byte("data"), 0, nil)
			if assert.NoError(t, err) {
				serials <- token.Info.SerialNumber.Int64()
			}
		}()
	}
	wg.Wait()
	close(serials)

	seen := map[int64]bool{}
	for s := range serials {
		seen[s] = true
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "serial %d missing", i)
	}
}

func TestLocalSignerTokenStructure(t *testing.T) {
	local, h := newLocalSigner(t)
	client := NewClient(local)
	token, err := client.RequestTimestamp(context.Background(), []byte("data"), 0, nil)
	require.NoError(t, err)

	p7, err := pkcs7.Parse(token.Raw)
	require.NoError(t, err)
	var ess signingCertificateV2
	require.NoError(t, p7.UnmarshalSignedAttribute(oidSigningCertificateV2, &ess))
	require.Len(t, ess.Certs, 1)
	digest := sha256.Sum256(h.Leaf.Cert.Raw)
	assert.Equal(t, digest[:], ess.Certs[0].CertHash)
	assert.Equal(t, 0, h.Leaf.Cert.SerialNumber.Cmp(ess.Certs[0].IssuerSerial.Serial))

	var info tstInfo
	_, err = asn1.Unmarshal(p7.Content, &info)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	var name asn1.RawValue
	_, err = asn1.Unmarshal(info.TSA.Bytes, &name)
	require.NoError(t, err)
	assert.Equal(t, h.Leaf.Cert.RawSubject, name.Bytes)
}

func TestLocalSignerOmitsCertificatesUnlessRequested(t *testing.T) {
	local, _ := newLocalSigner(t)
	der, err := timestamp.CreateRequest(bytes.NewReader([]byte("data")), &timestamp.RequestOptions{
		Hash:  crypto.SHA256,
		Nonce: big.NewInt(7),
	})
	require.NoError(t, err)
	resp, err := local.Timestamp(context.Background(), &Request{DER: der})
	require.NoError(t, err)

	token, err := parseResponse(resp)
	require.NoError(t, err)
	assert.Empty(t, token.Info.Certificates)
	assert.Equal(t, int64(1), token.Info.SerialNumber.Int64())
	assert.Equal(t, 0, big.NewInt(7).Cmp(token.Info.Nonce))
}

func TestRequestTimestampFreshNonces(t *testing.T) {
	local, _ := newLocalSigner(t)
	rec := &recordingSigner{next: local}
	client := NewClient(rec)

	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		_, err := client.RequestTimestamp(context.Background(), []byte("same input"), 0, nil)
		require.NoError(t, err)
	}
	for _, req := range rec.requests {
		key := req.Nonce.String()
		assert.False(t, seen[key], "nonce reused")
		seen[key] = true
	}
}

func TestRequestTimestampExplicitNonceAndHash(t *testing.T) {
	local, _ := newLocalSigner(t)
	client := NewClient(local)
	nonce := big.NewInt(424242)

	token, err := client.RequestTimestamp(context.Background(), []byte("data"), crypto.SHA512, nonce)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA512, token.Info.HashAlgorithm)
	assert.Equal(t, 0, nonce.Cmp(token.Info.Nonce))
}

func TestRequestTimestampReplayedResponse(t *testing.T) {
	local, _ := newLocalSigner(t)
	var first []byte
	replay := signerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
		if first == nil {
			resp, err := local.Timestamp(ctx, req)
			first = resp
			return resp, err
		}
		return first, nil
	})
	client := NewClient(replay)

	_, err := client.RequestTimestamp(context.Background(), []byte("data"), 0, nil)
	require.NoError(t, err)
	_, err = client.RequestTimestamp(context.Background(), []byte("data"), 0, nil)
	assert.ErrorIs(t, err, ErrTimestampMismatch)
}

func TestRequestTimestampFailures(t *testing.T) {
	rejected := signerFunc(func(context.Context, *Request) ([]byte, error) {
		return RejectionResponse(timestamp.BadAlgorithm, "no")
	})
	_, err := NewClient(rejected).RequestTimestamp(context.Background(), []byte("x"), 0, nil)
	assert.ErrorIs(t, err, ErrTimestampRejected)

	broken := errors.New("unreachable")
	failing := signerFunc(func(context.Context, *Request) ([]byte, error) { return nil, broken })
	_, err = NewClient(failing).RequestTimestamp(context.Background(), []byte("x"), 0, nil)
	assert.ErrorIs(t, err, ErrTimestampFailed)
	assert.ErrorIs(t, err, broken)

	garbage := signerFunc(func(context.Context, *Request) ([]byte, error) { return []byte{0x30, 0x00}, nil })
	_, err = NewClient(garbage).RequestTimestamp(context.Background(), []byte("x"), 0, nil)
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	_, err = (&Client{}).RequestTimestamp(context.Background(), []byte("x"), 0, nil)
	assert.ErrorIs(t, err, ErrTimestampFailed)
}

func TestLocalSignerRejectsForeignPolicy(t *testing.T) {
	local, _ := newLocalSigner(t)
	client := NewClient(local)
	client.Policy = []int{1, 2, 3}
	_, err := client.RequestTimestamp(context.Background(), []byte("x"), 0, nil)
	assert.ErrorIs(t, err, ErrTimestampRejected)
}

func signedData(t *testing.T) (cms.SignedData, []byte) {
	t.Helper()
	h := testpki.NewHierarchy(t, "Document", testpki.Options{RSA: true})
	content := []byte("document byte ranges")
	sd, err := cms.NewBuilder(h.Leaf.Cert, h.Leaf.Key, h.Chain()).Sign(bytes.NewReader(content))
	require.NoError(t, err)
	return sd, content
}

func TestAttachTimestamps(t *testing.T) {
	local, _ := newLocalSigner(t)
	rec := &recordingSigner{next: local}
	client := NewClient(rec)
	sd, content := signedData(t)
	at := time.Date(2023, 11, 5, 8, 30, 0, 0, time.UTC)

	stamped, err := client.AttachTimestamps(context.Background(), sd, at)
	require.NoError(t, err)

	assert.Empty(t, sd.Signers()[0].TimestampTokens(), "input must not change")
	require.Len(t, stamped.Signers()[0].TimestampTokens(), 1)
	require.Len(t, rec.hints, 1)
	assert.True(t, rec.hints[0].Equal(at))

	tokens, err := VerifyAttached(stamped)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.True(t, tokens[0].GenTime().Equal(at))
	assert.True(t, tokens[0].Covers(sd.Signers()[0].Signature()))

	_, err = stamped.Verify(content, nil)
	assert.NoError(t, err)
}

func TestAttachTimestampsMergesExistingAttributes(t *testing.T) {
	local, _ := newLocalSigner(t)
	sd, _ := signedData(t)
	marker := cms.Attribute{Type: []int{1, 2, 3, 4, 5}, Values: [][]byte{{0x05, 0x00}}}
	sd, err := sd.ReplaceUnsignedAttributes(0, []cms.Attribute{marker})
	require.NoError(t, err)

	stamped, err := NewClient(local).AttachTimestamps(context.Background(), sd, time.Time{})
	require.NoError(t, err)
	attrs := stamped.Signers()[0].UnsignedAttributes()
	require.Len(t, attrs, 2)
	var types []string
	for _, a := range attrs {
		types = append(types, a.Type.String())
	}
	assert.ElementsMatch(t, []string{"1.2.3.4.5", OIDSignatureTimeStamp.String()}, types)
}

func TestAttachTimestampsAllOrNothing(t *testing.T) {
	sd, _ := signedData(t)
	failing := signerFunc(func(context.Context, *Request) ([]byte, error) { return nil, errors.New("down") })
	out, err := NewClient(failing).AttachTimestamps(context.Background(), sd, time.Time{})
	require.ErrorIs(t, err, ErrTimestampFailed)
	assert.True(t, out.IsZero())

	_, err = NewClient(failing).AttachTimestamps(context.Background(), cms.SignedData{}, time.Time{})
	assert.ErrorIs(t, err, ErrTimestampFailed)
}
