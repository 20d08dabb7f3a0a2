package writer

import (
	"testing"
	"time"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/reader"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestPdfFileWriterRoundTrip(t *testing.T) {
	for _, xrefStream := range []bool{false, true} {
		data := onePagePDF(t, xrefStream)
		r, err := reader.NewPdfFileReaderFromBytes(data)
		if err != nil {
			t.Fatalf("xref stream %v: %v", xrefStream, err)
		}
		if r.Version != "1.7" {
			t.Errorf("Version = %q", r.Version)
		}
		if r.HasXRefStream != xrefStream {
			t.Errorf("HasXRefStream = %v", r.HasXRefStream)
		}
		page, _, err := r.GetPage(0)
		if err != nil {
			t.Fatal(err)
		}
		if page.GetName("Type") != "Page" {
			t.Error("first page is not a /Page")
		}
	}
}
