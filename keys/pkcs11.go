package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
)

var (
	ErrPKCS11ModuleLoad    = errors.New("failed to load PKCS#11 module")
	ErrPKCS11NoToken       = errors.New("no matching PKCS#11 token")
	ErrPKCS11LoginFailed   = errors.New("PKCS#11 login failed")
	ErrPKCS11NoObject      = errors.New("PKCS#11 object not found")
	ErrPKCS11Ambiguous     = errors.New("PKCS#11 lookup matched several objects")
	ErrPKCS11UnsupportedOp = errors.New("unsupported PKCS#11 signing operation")
)

// PKCS11Config locates a key and certificate on a token. An empty key label
// defaults to the certificate label and vice versa.
type PKCS11Config struct {
	Module     string
	TokenLabel string
	KeyLabel   string
	CertLabel  string
	UserPIN    string
}

// PKCS11Source is a logged-in session on a token. It implements
// crypto.Signer with the token's raw RSA PKCS#1 v1.5 and ECDSA mechanisms.
type PKCS11Source struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	cert    *x509.Certificate
	chain   []*x509.Certificate

	mu sync.Mutex
}

// OpenPKCS11 loads the module, selects the token and logs in.
func OpenPKCS11(cfg PKCS11Config) (*PKCS11Source, error) {
	ctx := pkcs11.New(cfg.Module)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPKCS11ModuleLoad, cfg.Module)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}
	s := &PKCS11Source{ctx: ctx}
	if err := s.open(cfg); err != nil {
		ctx.Finalize()
		ctx.Destroy()
		return nil, err
	}
	return s, nil
}

func (s *PKCS11Source) open(cfg PKCS11Config) error {
	slots, err := s.ctx.GetSlotList(true)
	if err != nil {
		return fmt.Errorf("failed to get slots: %w", err)
	}
	slot, err := selectSlot(s.ctx, slots, cfg.TokenLabel)
	if err != nil {
		return err
	}
	session, err := s.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return fmt.Errorf("PKCS#11 open session: %w", err)
	}
	s.session = session
	if cfg.UserPIN != "" {
		if err := s.ctx.Login(session, pkcs11.CKU_USER, cfg.UserPIN); err != nil {
			s.ctx.CloseSession(session)
			return fmt.Errorf("%w: %v", ErrPKCS11LoginFailed, err)
		}
	}

	keyLabel, certLabel := cfg.KeyLabel, cfg.CertLabel
	if keyLabel == "" {
		keyLabel = certLabel
	}
	if certLabel == "" {
		certLabel = keyLabel
	}
	if s.cert, err = s.pullCertificate(certLabel); err == nil {
		s.key, err = s.pullKey(keyLabel)
	}
	if err == nil {
		s.chain, err = s.pullOtherCertificates()
	}
	if err != nil {
		s.ctx.CloseSession(session)
		return err
	}
	return nil
}

func selectSlot(ctx *pkcs11.Ctx, slots []uint, label string) (uint, error) {
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slots with tokens available", ErrPKCS11NoToken)
	}
	if label == "" {
		if len(slots) > 1 {
			return 0, fmt.Errorf("%w: several tokens present, set a token label", ErrPKCS11NoToken)
		}
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err == nil && trimPKCS11String(info.Label) == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: label %q", ErrPKCS11NoToken, label)
}

func (s *PKCS11Source) find(template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer s.ctx.FindObjectsFinal(s.session)
	objs, _, err := s.ctx.FindObjects(s.session, max)
	if err != nil {
		return nil, fmt.Errorf("FindObjects failed: %w", err)
	}
	return objs, nil
}

func (s *PKCS11Source) readCertificate(obj pkcs11.ObjectHandle) (*x509.Certificate, error) {
	attrs, err := s.ctx.GetAttributeValue(s.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("GetAttributeValue failed: %w", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, errors.New("certificate has no value")
	}
	return x509.ParseCertificate(attrs[0].Value)
}

func (s *PKCS11Source) pullCertificate(label string) (*x509.Certificate, error) {
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	objs, err := s.find(template, 2)
	if err != nil {
		return nil, err
	}
	switch len(objs) {
	case 0:
		return nil, fmt.Errorf("%w: certificate %q", ErrPKCS11NoObject, label)
	case 1:
		return s.readCertificate(objs[0])
	default:
		return nil, fmt.Errorf("%w: certificate %q", ErrPKCS11Ambiguous, label)
	}
}

func (s *PKCS11Source) pullKey(label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	objs, err := s.find(template, 2)
	if err != nil {
		return 0, err
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("%w: key %q", ErrPKCS11NoObject, label)
	case 1:
		return objs[0], nil
	default:
		return 0, fmt.Errorf("%w: key %q", ErrPKCS11Ambiguous, label)
	}
}

// pullOtherCertificates returns every readable certificate on the token
// except the signer's.
func (s *PKCS11Source) pullOtherCertificates() ([]*x509.Certificate, error) {
	objs, err := s.find([]*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)}, 64)
	if err != nil {
		return nil, err
	}
	var out []*x509.Certificate
	for _, obj := range objs {
		cert, err := s.readCertificate(obj)
		if err != nil || cert.Equal(s.cert) {
			continue
		}
		out = append(out, cert)
	}
	return out, nil
}

// KeyMaterial returns the token key as signing material.
func (s *PKCS11Source) KeyMaterial() *KeyMaterial {
	return &KeyMaterial{PrivateKey: s, Certificate: s.cert, Chain: append([]*x509.Certificate(nil), s.chain...)}
}

// Public returns the public key of the signer certificate.
func (s *PKCS11Source) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

// Sign signs a precomputed digest on the token.
func (s *PKCS11Source) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var (
		mech  *pkcs11.Mechanism
		input []byte
		ec    bool
		err   error
	)
	switch s.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, fmt.Errorf("%w: RSA-PSS", ErrPKCS11UnsupportedOp)
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		if input, err = wrapDigestInfo(opts.HashFunc(), digest); err != nil {
			return nil, err
		}
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
		input, ec = digest, true
	default:
		return nil, fmt.Errorf("%w: %T key", ErrPKCS11UnsupportedOp, s.cert.PublicKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, fmt.Errorf("PKCS#11 SignInit failed: %w", err)
	}
	sig, err := s.ctx.Sign(s.session, input)
	if err != nil {
		return nil, fmt.Errorf("PKCS#11 Sign failed: %w", err)
	}
	if ec {
		return encodeECDSASignature(sig)
	}
	return sig, nil
}

// Close logs out and unloads the module.
func (s *PKCS11Source) Close() error {
	if s == nil || s.ctx == nil {
		return nil
	}
	s.ctx.Logout(s.session)
	err := s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return err
}

var digestInfoOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type digestInfo struct {
	DigestAlgorithm algorithmIdentifier
	Digest          []byte
}

// wrapDigestInfo builds the PKCS#1 DigestInfo that CKM_RSA_PKCS signs.
func wrapDigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, ok := digestInfoOIDs[h]
	if !ok {
		return nil, fmt.Errorf("%w: digest %v", ErrPKCS11UnsupportedOp, h)
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %v", len(digest), h)
	}
	return asn1.Marshal(digestInfo{
		DigestAlgorithm: algorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		Digest:          digest,
	})
}

// encodeECDSASignature converts the token's r||s output to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length: %d", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}

func trimPKCS11String(s string) string {
	return strings.TrimRight(s, " \x00")
}
