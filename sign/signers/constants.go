// Package signers drives PAdES signing of a PDF: chain sorting, DSS
// installation, placeholder reservation, CMS construction and timestamping.
package signers

import (
	"crypto"
	"crypto/x509"
)

// DefaultMD is the message digest used for the CMS signature and its
// timestamp imprint.
const DefaultMD = crypto.SHA256

// DefaultSignatureSize is the number of bytes reserved for the CMS blob,
// twice an 8192 byte estimate.
const DefaultSignatureSize = 2 * 8192

// DefaultFieldName names the invisible signature field.
const DefaultFieldName = "Signature1"

// Signature dictionary identifiers for detached CMS.
const (
	SigFilter    = "Adobe.PPKLite"
	SigSubFilter = "adbe.pkcs7.detached"
)

// SigningTimeLayout is the layout of explicit signing times, always UTC.
const SigningTimeLayout = "2006-01-02 15:04:05"

// DefaultSignerKeyUsage is the key usage a signer certificate must carry
// for SignatureReport.KeyUsageOK.
const DefaultSignerKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
