package reader

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

// minimalPDF builds a hand-written file with a classic xref table.
func minimalPDF(extraCatalog string) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R " + extraCatalog + ">>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestReadMinimalPDF(t *testing.T) {
	r, err := NewPdfFileReaderFromBytes(minimalPDF(""))
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	if r.Version != "1.4" {
		t.Errorf("Version = %q", r.Version)
	}
	if r.RootRef != generic.NewReference(1, 0) {
		t.Errorf("RootRef = %v", r.RootRef)
	}
	if r.Root.GetName("Type") != "Catalog" {
		t.Error("catalog not loaded")
	}
	if len(r.Pages) != 1 || r.PageRefs[0] != generic.NewReference(3, 0) {
		t.Errorf("unexpected pages %v", r.PageRefs)
	}
	if r.MaxObjectNumber() != 3 {
		t.Errorf("MaxObjectNumber = %d", r.MaxObjectNumber())
	}
	if r.AcroForm != nil || len(r.GetEmbeddedSignatures()) != 0 {
		t.Error("unsigned file must not report signatures")
	}
	if _, _, err := r.GetPage(1); err == nil {
		t.Error("GetPage out of range must fail")
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"no header", []byte("hello world"), ErrInvalidPDF},
		{"no startxref", []byte("%PDF-1.7\n1 0 obj null endobj\n"), ErrNoXRef},
		{"encrypted", bytes.Replace(minimalPDF(""), []byte("/Root 1 0 R"), []byte("/Root 1 0 R /Encrypt 9 0 R"), 1), ErrEncrypted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPdfFileReaderFromBytes(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGetObjectMissing(t *testing.T) {
	r, err := NewPdfFileReaderFromBytes(minimalPDF(""))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetObject(42); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := r.GetObject(0); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("free object 0 must not resolve, got %v", err)
	}
}
