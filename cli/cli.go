// Package cli provides the command-line interface for signing PDFs with
// long-term validation material and verifying the result.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/config"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// globalOptions are shared by every command.
type globalOptions struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

// Run executes the CLI with the given arguments, args[0] being the program
// name.
func Run(args []string) {
	root := NewRootCommand()
	root.SetArgs(args[1:])
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "pdfltv",
		Short: "Sign PDF documents with embedded long-term validation material",
		Long: `pdfltv signs PDF documents in an incremental revision holding a detached
CMS signature, an RFC 3161 signature timestamp and a document security store
(DSS) with the signer's certificate chain and revocation data.

Examples:
  # Sign with a PKCS#12 keystore, self-issuing the timestamp
  pdfltv sign --keystore signer.p12 --password secret input.pdf output.pdf

  # Sign at a fixed time through a remote time-stamping authority
  pdfltv sign --keystore signer.p12 --time "2024-05-06 07:08:09" --tsa http://tsa.example.com input.pdf output.pdf

  # Verify the signatures of a document
  pdfltv verify --json output.pdf

  # Run a local time-stamping authority
  pdfltv tsa serve --keystore tsa.p12 --addr :8318`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.ConfigFile, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.LogFormat, "log-format", "", "Log format: text, json")

	root.AddCommand(newSignCommand(g), newVerifyCommand(), newTSACommand(g), newVersionCommand())
	return root
}

// loadConfig reads the configuration file when one is given and applies the
// logging flags on top of it.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if g.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(g.ConfigFile); err != nil {
			return nil, err
		}
	} else {
		cfg.ApplyEnv(os.LookupEnv)
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	logger, err := cfg.Log.NewLogger(w)
	if err != nil {
		return nil, &config.ConfigError{Field: "log", Message: err.Error(), Err: err}
	}
	return logger, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pdfltv version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build time: %s\n", BuildTime)
		},
	}
}
