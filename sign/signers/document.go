package signers

import (
	"io"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/reader"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/writer"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/sign/dss"
)

// DigestStream yields the signed bytes of a revision. It can be read to
// the end once and must then be closed.
type DigestStream interface {
	io.ReadCloser
}

// Placeholder is a serialized revision with an empty signature hole.
type Placeholder interface {
	// DigestStream opens the only stream over the bytes outside the hole.
	DigestStream() (DigestStream, error)
	// Embed writes the CMS value into the hole and returns the document.
	Embed(signature []byte) ([]byte, error)
}

// Document is the incremental revision being signed.
type Document interface {
	dss.Document
	// UpdateRoot marks the catalog as changed in this revision.
	UpdateRoot() error
	// Reserve adds sigDict under a new signature field, serializes the
	// revision with size bytes reserved for /Contents and returns the
	// placeholder.
	Reserve(fieldName string, sigDict *generic.DictionaryObject, size int) (Placeholder, error)
}

// OpenDocument starts an incremental revision of the PDF in data.
func OpenDocument(data []byte) (Document, error) {
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		return nil, err
	}
	return &pdfDocument{writer.NewIncrementalPdfFileWriter(r)}, nil
}

type pdfDocument struct {
	*writer.IncrementalPdfFileWriter
}

func (d *pdfDocument) Reserve(fieldName string, sigDict *generic.DictionaryObject, size int) (Placeholder, error) {
	p, err := d.PrepareSignature(fieldName, sigDict, size)
	if err != nil {
		return nil, err
	}
	r, err := d.WriteWithSignature(p)
	if err != nil {
		return nil, err
	}
	return reservation{r}, nil
}

type reservation struct {
	*writer.Reservation
}

func (r reservation) DigestStream() (DigestStream, error) {
	s, err := r.Reservation.DigestStream()
	if err != nil {
		return nil, err
	}
	return s, nil
}
