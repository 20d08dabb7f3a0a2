// Package timestamps provides RFC 3161 timestamp support: requesting tokens
// from a pluggable signer and attaching them to CMS signatures.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/cms"
)

var (
	// PolicyAnyPolicy is used by LocalSigner when no policy is requested.
	PolicyAnyPolicy = asn1.ObjectIdentifier{2, 5, 29, 32, 0}

	OIDSignatureTimeStamp = cms.OIDTimeStampToken
)

var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp does not match request")
)

// nonceBits is the size of generated request nonces.
const nonceBits = 128

// Request is a DER encoded TimeStampReq handed to a TimestampSigner.
type Request struct {
	DER []byte
	// Time is a hint for signers that issue tokens themselves. Network
	// authorities ignore it.
	Time time.Time
}

// TimestampSigner turns a TimeStampReq into a DER encoded TimeStampResp.
type TimestampSigner interface {
	Timestamp(ctx context.Context, req *Request) ([]byte, error)
}

// Token is a validated timestamp token.
type Token struct {
	// Raw is the DER ContentInfo of the token.
	Raw  []byte
	Info *timestamp.Timestamp
}

// GenTime returns the time asserted by the authority.
func (t *Token) GenTime() time.Time { return t.Info.Time }

// ParseToken parses and verifies the signature of a token.
func ParseToken(der []byte) (*Token, error) {
	info, err := timestamp.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return &Token{Raw: append([]byte(nil), der...), Info: info}, nil
}

// Covers reports whether the token's message imprint is the digest of data.
func (t *Token) Covers(data []byte) bool {
	if !t.Info.HashAlgorithm.Available() {
		return false
	}
	h := t.Info.HashAlgorithm.New()
	h.Write(data)
	return bytes.Equal(h.Sum(nil), t.Info.HashedMessage)
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// timeStampResp is RFC 3161 section 2.4.2.
type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// RejectionResponse encodes a TimeStampResp with status rejection and the
// given failure bit set.
func RejectionResponse(failure timestamp.FailureInfo, text string) ([]byte, error) {
	bits := make([]byte, int(failure)/8+1)
	bits[int(failure)/8] |= 0x80 >> (uint(failure) % 8)
	status := pkiStatusInfo{
		Status:   2,
		FailInfo: asn1.BitString{Bytes: bits, BitLength: int(failure) + 1},
	}
	if text != "" {
		status.StatusString = []string{text}
	}
	return asn1.Marshal(timeStampResp{Status: status})
}

func failureInfo(bits asn1.BitString) []string {
	var out []string
	for i := 0; i < bits.BitLength; i++ {
		if bits.At(i) == 1 {
			out = append(out, timestamp.FailureInfo(i).String())
		}
	}
	return out
}

// Client requests timestamps through a TimestampSigner.
type Client struct {
	Signer TimestampSigner
	// Hash is used for message imprints. Zero means SHA-256.
	Hash crypto.Hash
	// Policy is requested from the authority when set.
	Policy asn1.ObjectIdentifier
	Logger *slog.Logger
}

// NewClient returns a SHA-256 client.
func NewClient(signer TimestampSigner) *Client {
	return &Client{Signer: signer, Hash: crypto.SHA256}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// NewNonce draws a fresh random request nonce.
func NewNonce() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), nonceBits))
}

// RequestTimestamp obtains a token over the digest of messageImprint. A nil
// nonce is replaced with a fresh random value.
func (c *Client) RequestTimestamp(ctx context.Context, messageImprint []byte, hash crypto.Hash, nonce *big.Int) (*Token, error) {
	return c.request(ctx, messageImprint, hash, nonce, time.Time{})
}

func (c *Client) request(ctx context.Context, messageImprint []byte, hash crypto.Hash, nonce *big.Int, hint time.Time) (*Token, error) {
	if c.Signer == nil {
		return nil, fmt.Errorf("%w: no timestamp signer configured", ErrTimestampFailed)
	}
	if hash == 0 {
		hash = c.Hash
	}
	if hash == 0 {
		hash = crypto.SHA256
	}
	if !hash.Available() {
		return nil, fmt.Errorf("%w: hash %v unavailable", ErrTimestampFailed, hash)
	}
	if nonce == nil {
		var err error
		if nonce, err = NewNonce(); err != nil {
			return nil, fmt.Errorf("%w: nonce: %v", ErrTimestampFailed, err)
		}
	}

	der, err := timestamp.CreateRequest(bytes.NewReader(messageImprint), &timestamp.RequestOptions{
		Hash:         hash,
		Certificates: true,
		TSAPolicyOID: c.Policy,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrTimestampFailed, err)
	}

	resp, err := c.Signer.Timestamp(ctx, &Request{DER: der, Time: hint})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestampFailed, err)
	}
	token, err := parseResponse(resp)
	if err != nil {
		return nil, err
	}

	if token.Info.HashAlgorithm != hash || !token.Covers(messageImprint) {
		return nil, fmt.Errorf("%w: message imprint", ErrTimestampMismatch)
	}
	if token.Info.Nonce == nil || token.Info.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce", ErrTimestampMismatch)
	}
	c.logger().Debug("timestamp obtained",
		slog.Time("gen_time", token.GenTime()),
		slog.String("serial", token.Info.SerialNumber.String()))
	return token, nil
}

func parseResponse(der []byte) (*Token, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: response: %v", ErrInvalidTimestamp, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data in response", ErrInvalidTimestamp)
	}
	// 0 granted, 1 grantedWithMods.
	if resp.Status.Status > 1 {
		reason := append(failureInfo(resp.Status.FailInfo), resp.Status.StatusString...)
		return nil, fmt.Errorf("%w: status %d: %s", ErrTimestampRejected, resp.Status.Status, strings.Join(reason, "; "))
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrInvalidTimestamp)
	}
	return ParseToken(resp.TimeStampToken.FullBytes)
}

// AttachTimestamps timestamps the signature value of every signer of sd and
// returns a new value carrying each token as an unsigned attribute, merged
// with the attributes already present. at is passed to the signer as the
// time hint. Nothing is returned unless every signer was timestamped.
func (c *Client) AttachTimestamps(ctx context.Context, sd cms.SignedData, at time.Time) (cms.SignedData, error) {
	signers := sd.Signers()
	if len(signers) == 0 {
		return cms.SignedData{}, fmt.Errorf("%w: signed data has no signers", ErrTimestampFailed)
	}
	for i, signer := range signers {
		token, err := c.request(ctx, signer.Signature(), 0, nil, at)
		if err != nil {
			return cms.SignedData{}, fmt.Errorf("signer %d: %w", i, err)
		}
		updated, err := signer.AddUnsignedAttribute(cms.Attribute{
			Type:   OIDSignatureTimeStamp,
			Values: [][]byte{token.Raw},
		})
		if err != nil {
			return cms.SignedData{}, fmt.Errorf("%w: signer %d: %v", ErrTimestampFailed, i, err)
		}
		signers[i] = updated
	}
	out, err := sd.ReplaceSigners(signers)
	if err != nil {
		return cms.SignedData{}, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	return out, nil
}

// VerifyAttached checks every timestamp token of every signer of sd against
// that signer's signature value and returns the tokens in order.
func VerifyAttached(sd cms.SignedData) ([]*Token, error) {
	var out []*Token
	for i, signer := range sd.Signers() {
		for _, raw := range signer.TimestampTokens() {
			token, err := ParseToken(raw)
			if err != nil {
				return nil, fmt.Errorf("signer %d: %w", i, err)
			}
			if !token.Covers(signer.Signature()) {
				return nil, fmt.Errorf("signer %d: %w: message imprint", i, ErrTimestampMismatch)
			}
			out = append(out, token)
		}
	}
	return out, nil
}
