package cli

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/keys"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/signers"
)

// ErrVerificationFailed is returned when a document has no signature or an
// invalid one.
var ErrVerificationFailed = errors.New("signature verification failed")

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	TrustRootsFile string
	JSON           bool
}

func newVerifyCommand() *cobra.Command {
	opts := &VerifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify [flags] <input.pdf>",
		Short: "Verify the signature(s), timestamps and DSS of a PDF file",
		Long: `Verify every embedded signature of a PDF file: the CMS signature over its
byte ranges, the order of the embedded chain and each signature timestamp.
The document security store is summarized.

The command exits non-zero when the document has no signature or an invalid
one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := verifyPDF(args[0], opts)
			if err != nil {
				return err
			}
			if opts.JSON {
				if err := outputJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				outputText(cmd.OutOrStdout(), report)
			}
			if !report.Valid() {
				return ErrVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.TrustRootsFile, "trust-roots", "", "File containing trusted root certificates (PEM or DER)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	return cmd
}

func verifyPDF(inputPath string, opts *VerifyOptions) (*signers.Report, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	var roots *x509.CertPool
	if opts.TrustRootsFile != "" {
		certs, err := keys.LoadCertsFromFile(opts.TrustRootsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load trusted roots: %w", err)
		}
		roots = x509.NewCertPool()
		for _, c := range certs {
			roots.AddCert(c)
		}
	}
	return signers.Verify(data, roots)
}

// outputJSON outputs the results in JSON format.
func outputJSON(w io.Writer, report *signers.Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// outputText outputs the results in human-readable text format.
func outputText(w io.Writer, report *signers.Report) {
	fmt.Fprintf(w, "PDF Verification Results\n")
	fmt.Fprintf(w, "========================\n\n")
	fmt.Fprintf(w, "Found %d signature(s)\n\n", len(report.Signatures))

	for i, sig := range report.Signatures {
		fmt.Fprintf(w, "Signature #%d\n", i+1)
		fmt.Fprintf(w, "------------\n")
		fmt.Fprintf(w, "  Status: %s\n", getStatusIcon(sig.Valid()))
		if sig.FieldName != "" {
			fmt.Fprintf(w, "  Field: %s\n", sig.FieldName)
		}
		fmt.Fprintf(w, "  Integrity: %s\n", boolToStatus(sig.CMSValid))
		fmt.Fprintf(w, "  Chain Order: %s\n", boolToStatus(sig.ChainOrdered))
		fmt.Fprintf(w, "  Whole File: %v\n", sig.CoversWholeFile)
		if sig.Signer != "" {
			fmt.Fprintf(w, "  Signer: %s (%s)\n", sig.Signer, sig.Key)
			fmt.Fprintf(w, "  Key Usage: %s\n", boolToStatus(sig.KeyUsageOK))
		}
		if sig.SigningTime != "" {
			fmt.Fprintf(w, "  Signing Time: %s\n", sig.SigningTime)
		}
		for _, ts := range sig.Timestamps {
			fmt.Fprintf(w, "  Timestamp: %s serial %s [%s]\n",
				ts.GenTime.Format(time.RFC3339), ts.Serial, boolToStatus(ts.ImprintValid))
		}
		if sig.Error != "" {
			fmt.Fprintf(w, "\n  Errors:\n    - %s\n", sig.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%s\n", report.DSS.Summary)
}

func getStatusIcon(valid bool) string {
	if valid {
		return "[OK] VALID"
	}
	return "[FAIL] INVALID"
}

// boolToStatus converts a boolean to a status string.
func boolToStatus(b bool) string {
	if b {
		return "OK"
	}
	return "FAILED"
}
