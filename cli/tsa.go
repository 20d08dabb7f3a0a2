package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/config"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/chain"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/timestamps"
)

const shutdownTimeout = 5 * time.Second

// TSAOptions contains options for the tsa serve command.
type TSAOptions struct {
	Keystore string
	Password string
	Policy   string
	Addr     string
}

func newTSACommand(g *globalOptions) *cobra.Command {
	tsa := &cobra.Command{
		Use:   "tsa",
		Short: "Time-stamping authority operations (RFC 3161)",
	}

	opts := &TSAOptions{}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start an HTTP time-stamping authority",
		Long: `Start an RFC 3161 time-stamping authority over HTTP.

Requests are accepted as POST to / or /tsa with Content-Type
application/timestamp-query. GET /health reports liveness.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			handler, closeKey, err := newTSAHandler(cmd.Context(), cfg, opts, logger)
			if err != nil {
				return err
			}
			defer closeKey()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveTSA(ctx, opts.Addr, handler, logger)
		},
	}
	f := serve.Flags()
	f.StringVar(&opts.Keystore, "keystore", "", "PKCS#12 keystore of the authority")
	f.StringVar(&opts.Password, "password", "", "Keystore password (or "+config.EnvKeystorePassword+")")
	f.StringVar(&opts.Policy, "policy", "", "TSA policy OID (default anyPolicy)")
	f.StringVar(&opts.Addr, "addr", ":8318", "Listen address")

	tsa.AddCommand(serve)
	return tsa
}

// newTSAHandler loads the authority key and returns its HTTP routes.
func newTSAHandler(ctx context.Context, cfg *config.Config, opts *TSAOptions, logger *slog.Logger) (http.Handler, func() error, error) {
	ks := cfg.Keystore
	if opts.Keystore != "" {
		ks = config.KeystoreConfig{Path: opts.Keystore, Password: cfg.Keystore.Password}
	}
	if opts.Password != "" {
		ks.Password = opts.Password
	}
	km, closeKey, err := loadKeyMaterial(ctx, ks)
	if err != nil {
		return nil, closeKey, err
	}
	sorted, err := chain.Sort(km.Certificate, km.Chain, chain.BestEffort)
	if err != nil {
		return nil, closeKey, err
	}

	signer := timestamps.NewLocalSigner(km.Certificate, km.PrivateKey).WithChain(sorted[1:])
	if opts.Policy != "" {
		oid, err := parseOID(opts.Policy)
		if err != nil {
			return nil, closeKey, err
		}
		signer = signer.WithPolicy(oid)
	}
	logger.Info("time-stamping authority ready",
		slog.String("subject", km.Certificate.Subject.String()),
		slog.Int("chain", len(sorted)))
	h := &timestamps.Handler{Signer: signer, Logger: logger}
	return h.Routes(), closeKey, nil
}

// serveTSA runs the server until ctx is done.
func serveTSA(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
