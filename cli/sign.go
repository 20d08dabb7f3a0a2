package cli

import (
	"context"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/config"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/keys"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/revocation"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/signers"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/timestamps"
)

// SignOptions contains options for the sign command. Empty values leave the
// configuration file untouched.
type SignOptions struct {
	Keystore    string
	Password    string
	Time        string
	TSA         string
	ChainPolicy string
	FieldName   string
	Name        string
	Location    string
	Reason      string
	Contact     string
	CRLFiles    []string
	OCSPFiles   []string
}

func newSignCommand(g *globalOptions) *cobra.Command {
	opts := &SignOptions{}
	cmd := &cobra.Command{
		Use:   "sign [flags] <input.pdf> <output.pdf>",
		Short: "Sign a PDF file with a timestamped signature and a DSS",
		Long: `Sign a PDF file in a new incremental revision.

The revision holds a detached CMS signature whose signer carries an RFC 3161
signature timestamp, and a DSS listing the sorted certificate chain and any
CRLs or OCSP responses given for it.

Without --tsa or a configured authority the timestamp is issued with the
signing key itself. --time fixes the signing time (format "2006-01-02 15:04:05",
UTC); otherwise the current time is used.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := signPDF(cmd, cfg, opts.Time, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully signed PDF: %s\n", args[1])
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Keystore, "keystore", "", "PKCS#12 keystore path or http(s) URL")
	f.StringVar(&opts.Password, "password", "", "Keystore password (or "+config.EnvKeystorePassword+")")
	f.StringVar(&opts.Time, "time", "", `Signing time in UTC, "2006-01-02 15:04:05"`)
	f.StringVar(&opts.TSA, "tsa", "", "URL of the time-stamping authority")
	f.StringVar(&opts.ChainPolicy, "chain-policy", "", "Incomplete chains: fail-fast or best-effort")
	f.StringVar(&opts.FieldName, "field", "", "Name of the signature field")
	f.StringVar(&opts.Name, "name", "", "Name of the signatory")
	f.StringVar(&opts.Location, "location", "", "Location of the signatory")
	f.StringVar(&opts.Reason, "reason", "", "Reason for signing")
	f.StringVar(&opts.Contact, "contact", "", "Contact information for signatory")
	f.StringSliceVar(&opts.CRLFiles, "crl", nil, "CRL file to embed in the DSS (repeatable)")
	f.StringSliceVar(&opts.OCSPFiles, "ocsp", nil, "OCSP response file to embed in the DSS (repeatable)")
	return cmd
}

func (o *SignOptions) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Keystore.Path, o.Keystore)
	set(&cfg.Keystore.Password, o.Password)
	set(&cfg.Chain.Policy, o.ChainPolicy)
	set(&cfg.Signature.FieldName, o.FieldName)
	set(&cfg.Signature.Name, o.Name)
	set(&cfg.Signature.Location, o.Location)
	set(&cfg.Signature.Reason, o.Reason)
	set(&cfg.Signature.ContactInfo, o.Contact)
	if o.Keystore != "" {
		cfg.Keystore.PKCS11 = nil
	}
	if o.TSA != "" {
		cfg.Timestamp.Mode = config.TimestampHTTP
		cfg.Timestamp.URL = o.TSA
	}
	cfg.Revocation.CRLFiles = append(cfg.Revocation.CRLFiles, o.CRLFiles...)
	cfg.Revocation.OCSPFiles = append(cfg.Revocation.OCSPFiles, o.OCSPFiles...)
}

// signPDF performs the actual PDF signing.
func signPDF(cmd *cobra.Command, cfg *config.Config, at, inputPath, outputPath string) error {
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	orchestrator, err := newOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	km, closeKey, err := loadKeyMaterial(cmd.Context(), cfg.Keystore)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeKey(); err != nil {
			logger.Warn("closing keystore", slog.Any("error", err))
		}
	}()

	req := signers.NewSigningRequest(data, km)
	if at != "" {
		t, err := signers.ParseSigningTime(at)
		if err != nil {
			return err
		}
		req = req.WithTime(t)
	}

	signed, err := orchestrator.ReserveAndSign(cmd.Context(), req)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, signed, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// loadKeyMaterial opens the configured keystore. The returned function
// releases token sessions.
func loadKeyMaterial(ctx context.Context, ks config.KeystoreConfig) (*keys.KeyMaterial, func() error, error) {
	noop := func() error { return nil }
	if ks.PKCS11 != nil {
		src, err := keys.OpenPKCS11(ks.PKCS11.Keys())
		if err != nil {
			return nil, noop, err
		}
		return src.KeyMaterial(), src.Close, nil
	}
	if ks.Path == "" {
		return nil, noop, config.NewConfigError("keystore", "a keystore path, URL or pkcs11 section is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	km, err := keys.LoadKeyMaterial(ctx, ks.Path, ks.Password)
	if err != nil {
		return nil, noop, err
	}
	return km, noop, nil
}

// newOrchestrator maps cfg onto a signing orchestrator.
func newOrchestrator(cfg *config.Config, logger *slog.Logger) (*signers.Orchestrator, error) {
	o := signers.NewOrchestrator()
	o.Logger = logger
	o.SignatureSize = cfg.Signature.Size
	o.Metadata = signers.SignatureMetadata{
		FieldName:   cfg.Signature.FieldName,
		Name:        cfg.Signature.Name,
		Reason:      cfg.Signature.Reason,
		Location:    cfg.Signature.Location,
		ContactInfo: cfg.Signature.ContactInfo,
	}

	policy, err := chain.ParsePolicy(cfg.Chain.Policy)
	if err != nil {
		return nil, err
	}
	o.ChainPolicy = policy

	if o.TimestampHash, err = config.ParseHash(cfg.Timestamp.Hash); err != nil {
		return nil, err
	}
	if cfg.Timestamp.Policy != "" {
		if o.TimestampPolicy, err = parseOID(cfg.Timestamp.Policy); err != nil {
			return nil, err
		}
	}
	if cfg.Timestamp.Mode == config.TimestampHTTP {
		tsa := timestamps.NewHTTPSigner(cfg.Timestamp.URL)
		if cfg.Timestamp.Timeout > 0 {
			tsa.HTTPClient.Timeout = time.Duration(cfg.Timestamp.Timeout)
		}
		if cfg.Timestamp.Username != "" {
			tsa.SetCredentials(cfg.Timestamp.Username, cfg.Timestamp.Password)
		}
		tsa.Logger = logger
		o.TimestampSigner = tsa
	}

	if len(cfg.Revocation.CRLFiles) > 0 || len(cfg.Revocation.OCSPFiles) > 0 {
		archive, err := revocation.LoadFiles(cfg.Revocation.CRLFiles, cfg.Revocation.OCSPFiles)
		if err != nil {
			return nil, err
		}
		crls, ocsps := archive.Len()
		logger.Debug("revocation archive loaded", slog.Int("crls", crls), slog.Int("ocsps", ocsps))
		o.Revocation = archive
	}
	return o, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	s, err := config.ProcessOID(s)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		if oid[i], err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("%w: %q", config.ErrInvalidOID, s)
		}
	}
	return oid, nil
}
