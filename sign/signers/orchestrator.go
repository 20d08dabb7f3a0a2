package signers

import (
	"context"
	"crypto"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/writer"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/cms"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/dss"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/revocation"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/timestamps"
)

// Orchestrator signs documents. Its fields are configuration only, so one
// Orchestrator may serve concurrent requests.
type Orchestrator struct {
	// TimestampSigner issues the signature timestamp. When nil, each
	// operation self-issues the token with its own key material.
	TimestampSigner timestamps.TimestampSigner
	TimestampHash   crypto.Hash
	TimestampPolicy asn1.ObjectIdentifier

	// Revocation supplies CRLs and OCSP responses for the DSS. When nil the
	// DSS carries certificates only.
	Revocation revocation.Source

	ChainPolicy   chain.Policy
	SignatureSize int
	Metadata      SignatureMetadata

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// NewOrchestrator returns an orchestrator with default settings.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		TimestampHash: DefaultMD,
		ChainPolicy:   chain.FailFast,
		SignatureSize: DefaultSignatureSize,
		Clock:         clockwork.NewRealClock(),
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (o *Orchestrator) clock() clockwork.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clockwork.NewRealClock()
}

func (o *Orchestrator) signatureSize() int {
	if o.SignatureSize > 0 {
		return o.SignatureSize
	}
	return DefaultSignatureSize
}

// NewContext derives the signing context of req: its own time or the
// clock's, and the sorted chain.
func (o *Orchestrator) NewContext(req SigningRequest) (*SigningContext, error) {
	if err := req.validate(); err != nil {
		return nil, newError(ErrConfiguration, "validate request", StateIdle, err)
	}
	at, ok := req.Time()
	if !ok {
		at = o.clock().Now()
	}
	sc, err := NewSigningContext(req.key, at, o.ChainPolicy, o.Metadata)
	if err != nil {
		kind := ErrConfiguration
		var se *chain.SortError
		if errors.As(err, &se) {
			kind = ErrChainSort
		}
		return nil, newError(kind, "sort chain", StateIdle, err)
	}
	return sc, nil
}

// ReserveAndSign signs the PDF of req in a new incremental revision that
// also carries the DSS, and returns the complete file.
func (o *Orchestrator) ReserveAndSign(ctx context.Context, req SigningRequest) ([]byte, error) {
	logger := o.logger()
	op := newOperation(logger)

	sc, err := o.NewContext(req)
	if err != nil {
		var e *Error
		errors.As(err, &e)
		return nil, op.fail(e.Kind, e.Op, e.Err)
	}
	logger = logger.With(slog.String("signer", sc.Signer().Subject.CommonName))
	op.logger = logger

	doc, err := OpenDocument(req.pdf)
	if err != nil {
		return nil, op.fail(ErrIO, "open document", err)
	}
	if err := o.installDSS(doc, sc); err != nil {
		return nil, op.fail(ErrIO, "install DSS", err)
	}
	sigDict, err := o.PrepareSignatureDictionary(doc, sc)
	if err != nil {
		return nil, op.fail(ErrIO, "prepare signature dictionary", err)
	}
	size := o.signatureSize()
	placeholder, err := doc.Reserve(sc.Metadata().FieldName, sigDict, size)
	if err != nil {
		return nil, op.fail(ErrIO, "reserve", err)
	}
	if err := op.advance(StateReserved); err != nil {
		return nil, op.fail(ErrConfiguration, "reserve", err)
	}

	stream, err := placeholder.DigestStream()
	if err != nil {
		return nil, op.fail(ErrIO, "open digest stream", err)
	}
	signature, err := o.sign(ctx, op, sc, stream)
	if err != nil {
		return nil, err
	}
	if len(signature) > size {
		return nil, op.fail(ErrSignatureSpaceExceeded, "embed",
			fmt.Errorf("%d bytes, %d reserved", len(signature), size))
	}
	out, err := placeholder.Embed(signature)
	if err != nil {
		kind := ErrIO
		if errors.Is(err, writer.ErrSignatureTooLarge) {
			kind = ErrSignatureSpaceExceeded
		}
		return nil, op.fail(kind, "embed", err)
	}
	if err := op.advance(StateFinalized); err != nil {
		return nil, op.fail(ErrConfiguration, "finalize", err)
	}
	logger.Info("document signed",
		slog.Time("signing_time", sc.SigningTime()),
		slog.Int("cms_bytes", len(signature)),
		slog.Int("chain", len(sc.chain)))
	return out, nil
}

// PrepareSignatureDictionary marks the catalog changed and builds the
// detached CMS signature dictionary of sc.
func (o *Orchestrator) PrepareSignatureDictionary(doc Document, sc *SigningContext) (*generic.DictionaryObject, error) {
	if err := doc.UpdateRoot(); err != nil {
		return nil, err
	}
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Sig"))
	d.Set("Filter", generic.NameObject(SigFilter))
	d.Set("SubFilter", generic.NameObject(SigSubFilter))
	d.Set("M", generic.NewLiteralString(writer.FormatPdfDate(sc.SigningTime())))
	md := sc.Metadata()
	for _, e := range []struct{ key, value string }{
		{"Name", md.Name},
		{"Reason", md.Reason},
		{"Location", md.Location},
		{"ContactInfo", md.ContactInfo},
	} {
		if e.value != "" {
			d.Set(e.key, generic.NewTextString(e.value))
		}
	}
	return d, nil
}

// Sign drains stream once, closes it and returns the timestamped CMS
// SignedData over its bytes. The caller has already reserved the space.
func (o *Orchestrator) Sign(ctx context.Context, sc *SigningContext, stream DigestStream) ([]byte, error) {
	op := newOperation(o.logger())
	op.state = StateReserved
	return o.sign(ctx, op, sc, stream)
}

func (o *Orchestrator) sign(ctx context.Context, op *operation, sc *SigningContext, stream DigestStream) ([]byte, error) {
	if sc == nil || stream == nil {
		return nil, op.fail(ErrConfiguration, "sign", errors.New("missing signing context or digest stream"))
	}
	if err := op.advance(StateDigesting); err != nil {
		return nil, op.fail(ErrConfiguration, "sign", err)
	}
	sorted := sc.Chain()
	builder := cms.NewBuilder(sc.Signer(), sc.key.PrivateKey, sorted[1:])
	builder.Hash = DefaultMD
	sd, err := builder.Sign(stream)
	closeErr := stream.Close()
	if err != nil {
		return nil, op.fail(ErrCMSBuild, "build CMS", err)
	}
	if closeErr != nil {
		return nil, op.fail(ErrIO, "close digest stream", closeErr)
	}
	if err := op.advance(StateSigned); err != nil {
		return nil, op.fail(ErrConfiguration, "sign", err)
	}

	stamped, err := o.timestampClient(sc).AttachTimestamps(ctx, sd, sc.SigningTime())
	if err != nil {
		return nil, op.fail(ErrTimestamp, "timestamp", err)
	}
	if err := op.advance(StateTimestamped); err != nil {
		return nil, op.fail(ErrConfiguration, "timestamp", err)
	}
	der := stamped.Bytes()
	if len(der) == 0 {
		return nil, op.fail(ErrCMSBuild, "encode CMS", errors.New("empty SignedData"))
	}
	return der, nil
}

func (o *Orchestrator) timestampClient(sc *SigningContext) *timestamps.Client {
	signer := o.TimestampSigner
	if signer == nil {
		sorted := sc.Chain()
		signer = timestamps.NewLocalSigner(sc.Signer(), sc.key.PrivateKey).WithChain(sorted[1:])
	}
	client := timestamps.NewClient(signer)
	if o.TimestampHash != 0 {
		client.Hash = o.TimestampHash
	}
	client.Policy = o.TimestampPolicy
	client.Logger = o.logger()
	return client
}

// BuildAndInstallDSS writes the sorted chain and its revocation material to
// the catalog /DSS of doc.
func (o *Orchestrator) BuildAndInstallDSS(doc Document, sc *SigningContext) error {
	if err := o.installDSS(doc, sc); err != nil {
		return newError(ErrIO, "install DSS", StateIdle, err)
	}
	return nil
}

func (o *Orchestrator) installDSS(doc Document, sc *SigningContext) error {
	sorted := sc.Chain()
	crls, ocsps, err := revocation.Collect(o.Revocation, sorted)
	if err != nil {
		return err
	}
	d := dss.Build(dss.CertificateCollection(sorted), crls, ocsps)
	o.logger().Debug("installing DSS", slog.String("dss", d.Summary()))
	return dss.Install(doc, d)
}
