package timestamps

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
)

var (
	oidTSTInfo              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// LocalSigner acts as its own time-stamping authority, signing tokens with
// the given certificate and key.
type LocalSigner struct {
	// Cert is the certificate placed in tokens when the request asks for
	// it.
	Cert *x509.Certificate
	Key  crypto.Signer

	// Chain lists extra certificates embedded next to Cert.
	Chain []*x509.Certificate

	// Policy is the TSA policy of issued tokens.
	Policy asn1.ObjectIdentifier

	// Clock supplies genTime when a request carries no time hint.
	Clock clockwork.Clock

	mu     sync.Mutex
	serial *big.Int
}

// NewLocalSigner creates a signer with policy anyPolicy whose serial numbers
// start at 1.
func NewLocalSigner(cert *x509.Certificate, key crypto.Signer) *LocalSigner {
	return &LocalSigner{
		Cert:   cert,
		Key:    key,
		Policy: PolicyAnyPolicy,
		Clock:  clockwork.NewRealClock(),
	}
}

// WithChain sets additional certificates to embed.
func (s *LocalSigner) WithChain(chain []*x509.Certificate) *LocalSigner {
	s.Chain = chain
	return s
}

// WithClock replaces the clock.
func (s *LocalSigner) WithClock(c clockwork.Clock) *LocalSigner {
	s.Clock = c
	return s
}

// WithPolicy sets the TSA policy OID.
func (s *LocalSigner) WithPolicy(policy asn1.ObjectIdentifier) *LocalSigner {
	s.Policy = policy
	return s
}

func (s *LocalSigner) nextSerial() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serial == nil {
		s.serial = big.NewInt(0)
	}
	s.serial.Add(s.serial, big.NewInt(1))
	return new(big.Int).Set(s.serial)
}

// Timestamp implements TimestampSigner. genTime is req.Time when set.
func (s *LocalSigner) Timestamp(ctx context.Context, req *Request) ([]byte, error) {
	if s.Cert == nil || s.Key == nil {
		return nil, errors.New("local signer has no certificate or key")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := timestamp.ParseRequest(req.DER)
	if err != nil {
		return RejectionResponse(timestamp.BadDataFormat, err.Error())
	}
	if !parsed.HashAlgorithm.Available() || len(parsed.HashedMessage) != parsed.HashAlgorithm.Size() {
		return RejectionResponse(timestamp.BadAlgorithm, "unsupported message imprint")
	}
	policy := s.Policy
	if len(parsed.TSAPolicyOID) > 0 {
		if len(policy) > 0 && !parsed.TSAPolicyOID.Equal(policy) {
			return RejectionResponse(timestamp.UnacceptedPolicy, fmt.Sprintf("policy %v not offered", parsed.TSAPolicyOID))
		}
		policy = parsed.TSAPolicyOID
	}

	genTime := req.Time
	if genTime.IsZero() {
		clock := s.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		genTime = clock.Now()
	}

	imprint, err := newMessageImprint(parsed.HashAlgorithm, parsed.HashedMessage)
	if err != nil {
		return RejectionResponse(timestamp.BadAlgorithm, err.Error())
	}
	tsa, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: s.Cert.RawSubject})
	if err != nil {
		return nil, fmt.Errorf("encode tsa name: %w", err)
	}
	info, err := asn1.Marshal(tstInfo{
		Version:        1,
		Policy:         policy,
		MessageImprint: imprint,
		SerialNumber:   s.nextSerial(),
		Time:           genTime.UTC().Truncate(time.Second),
		Nonce:          parsed.Nonce,
		TSA:            asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: tsa},
	})
	if err != nil {
		return nil, fmt.Errorf("encode tst info: %w", err)
	}
	token, err := s.sign(info, parsed.Certificates)
	if err != nil {
		return nil, fmt.Errorf("sign timestamp token: %w", err)
	}
	resp, err := asn1.Marshal(timeStampResp{
		Status:         pkiStatusInfo{Status: int(timestamp.Granted)},
		TimeStampToken: asn1.RawValue{FullBytes: token},
	})
	if err != nil {
		return nil, fmt.Errorf("create timestamp response: %w", err)
	}
	return resp, nil
}

// sign wraps info in a SignedData with an ESS signing-certificate-v2
// attribute naming s.Cert. Certificates are embedded only when requested.
func (s *LocalSigner) sign(info []byte, withCerts bool) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(info)
	if err != nil {
		return nil, err
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	sd.SetContentType(oidTSTInfo)

	certHash := crypto.SHA256.New()
	certHash.Write(s.Cert.Raw)
	essCert, err := asn1.Marshal(signingCertificateV2{Certs: []essCertIDv2{{
		CertHash: certHash.Sum(nil),
		IssuerSerial: issuerSerial{
			Issuer: generalNames{Name: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: s.Cert.RawIssuer}},
			Serial: s.Cert.SerialNumber,
		},
	}}})
	if err != nil {
		return nil, err
	}
	config := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{{Type: oidSigningCertificateV2, Value: asn1.RawValue{FullBytes: essCert}}},
		SkipCertificates:      !withCerts,
	}
	if withCerts && len(s.Chain) > 0 {
		err = sd.AddSignerChain(s.Cert, s.Key, s.Chain, config)
	} else {
		err = sd.AddSigner(s.Cert, s.Key, config)
	}
	if err != nil {
		return nil, err
	}
	return sd.Finish()
}

func newMessageImprint(h crypto.Hash, hashed []byte) (messageImprint, error) {
	oid, ok := hashOIDs[h]
	if !ok {
		return messageImprint{}, fmt.Errorf("unsupported hash %v", h)
	}
	return messageImprint{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		HashedMessage: hashed,
	}, nil
}

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// RFC 3161 section 2.4.2 and RFC 5035 structures.

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	Time           time.Time     `asn1:"generalized"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"tag:0,optional"`
}

type generalNames struct {
	Name asn1.RawValue `asn1:"optional,tag:4"`
}

type issuerSerial struct {
	Issuer generalNames
	Serial *big.Int
}

type essCertIDv2 struct {
	CertHash     []byte
	IssuerSerial issuerSerial `asn1:"optional"`
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}
