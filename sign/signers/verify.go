package signers

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/keys"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/reader"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/cms"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/dss"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/timestamps"
)

// TimestampReport describes one signature timestamp token.
type TimestampReport struct {
	GenTime      time.Time `json:"gen_time"`
	Serial       string    `json:"serial"`
	Policy       string    `json:"policy"`
	ImprintValid bool      `json:"imprint_valid"`
}

// SignatureReport describes one embedded signature.
type SignatureReport struct {
	FieldName       string            `json:"field_name"`
	SubFilter       string            `json:"sub_filter"`
	SigningTime     string            `json:"signing_time,omitempty"`
	Signer          string            `json:"signer,omitempty"`
	Key             string            `json:"key,omitempty"`
	KeyUsageOK      bool              `json:"key_usage_ok"`
	ByteRange       [4]int64          `json:"byte_range"`
	CoversWholeFile bool              `json:"covers_whole_file"`
	CMSValid        bool              `json:"cms_valid"`
	ChainOrdered    bool              `json:"chain_ordered"`
	Timestamps      []TimestampReport `json:"timestamps,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Valid reports whether the CMS verified and every timestamp matched.
func (r *SignatureReport) Valid() bool {
	if !r.CMSValid || r.Error != "" {
		return false
	}
	for _, ts := range r.Timestamps {
		if !ts.ImprintValid {
			return false
		}
	}
	return true
}

// DSSReport counts the entries of the document security store.
type DSSReport struct {
	Present bool   `json:"present"`
	Certs   int    `json:"certs"`
	CRLs    int    `json:"crls"`
	OCSPs   int    `json:"ocsps"`
	Summary string `json:"summary"`
}

// Report is the result of Verify.
type Report struct {
	Signatures []SignatureReport `json:"signatures"`
	DSS        DSSReport         `json:"dss"`
}

// Valid reports whether the document has signatures and all are valid.
func (r *Report) Valid() bool {
	if len(r.Signatures) == 0 {
		return false
	}
	for i := range r.Signatures {
		if !r.Signatures[i].Valid() {
			return false
		}
	}
	return true
}

// Verify checks every signature of the PDF in data. With roots set, signer
// chains are also verified against them. Problems with individual
// signatures are recorded in the report; the error is for unreadable files.
func Verify(data []byte, roots *x509.CertPool) (*Report, error) {
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	report := &Report{}
	for _, sig := range r.GetEmbeddedSignatures() {
		report.Signatures = append(report.Signatures, verifySignature(sig, roots))
	}

	report.DSS.Summary = "no DSS"
	if obj := r.Root.Get(dss.CatalogKey); obj != nil {
		d, err := dss.Parse(obj, r)
		if err != nil {
			return nil, err
		}
		report.DSS = DSSReport{
			Present: true,
			Certs:   len(d.Certs),
			CRLs:    len(d.CRLs),
			OCSPs:   len(d.OCSPs),
			Summary: d.Summary(),
		}
	}
	return report, nil
}

func verifySignature(sig *reader.EmbeddedSignature, roots *x509.CertPool) SignatureReport {
	rep := SignatureReport{
		SubFilter:       sig.SubFilter(),
		SigningTime:     sig.Text("M"),
		ByteRange:       sig.ByteRange,
		CoversWholeFile: sig.CoversWholeFile(),
	}
	if t, ok := sig.Field.Get("T").(*generic.StringObject); ok {
		rep.FieldName = t.Text()
	}

	signed, err := sig.SignedBytes()
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	sd, err := cms.Parse(sig.Contents)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	p7, err := sd.Verify(signed, roots)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.CMSValid = true
	if signer := p7.GetOnlySigner(); signer != nil {
		rep.Signer = signer.Subject.String()
		rep.Key = keys.GetKeyInfo(signer.PublicKey).String()
		rep.KeyUsageOK = signer.KeyUsage&DefaultSignerKeyUsage == DefaultSignerKeyUsage
		if sorted, err := chain.Sort(signer, p7.Certificates, chain.FailFast); err == nil {
			rep.ChainOrdered = chain.Verify(sorted) == nil
		}
	}

	for _, s := range sd.Signers() {
		for _, raw := range s.TimestampTokens() {
			token, err := timestamps.ParseToken(raw)
			if err != nil {
				rep.Error = err.Error()
				continue
			}
			rep.Timestamps = append(rep.Timestamps, TimestampReport{
				GenTime:      token.GenTime(),
				Serial:       token.Info.SerialNumber.String(),
				Policy:       token.Info.Policy.String(),
				ImprintValid: token.Covers(s.Signature()),
			})
		}
	}
	return rep
}
