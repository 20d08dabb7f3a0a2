// Command pdfltv signs PDF documents with PAdES long-term validation
// material and verifies them.
//
// Usage:
//
//	pdfltv <command> [flags] <args>
//
// Commands:
//
//	sign       Sign a PDF with a timestamped CMS signature and a DSS
//	verify     Verify the signature(s) of a PDF file
//	tsa serve  Run an RFC 3161 time-stamping authority
//	version    Show version information
//
// Examples:
//
//	# Sign a PDF
//	pdfltv sign --keystore signer.p12 --password secret input.pdf output.pdf
//
//	# Verify with JSON output
//	pdfltv verify --json output.pdf
package main

import (
	"os"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/pdfltv
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	cli.Run(os.Args)
}
