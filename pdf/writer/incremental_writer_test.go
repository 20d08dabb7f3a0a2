package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/mattetti/filebuffer"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/reader"
)

func onePagePDF(t *testing.T, xrefStream bool) []byte {
	t.Helper()
	w := NewPdfFileWriter("1.7")
	w.XRefStream = xrefStream
	w.AddPage(612, 792, []byte("BT /F1 12 Tf 72 720 Td (Hello) Tj ET"))
	var buf bytes.Buffer
	if err := w.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return buf.Bytes()
}

func openIncremental(t *testing.T, data []byte) *IncrementalPdfFileWriter {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	return NewIncrementalPdfFileWriter(r)
}

func TestIncrementalUpdatePreservesOriginal(t *testing.T) {
	for _, xrefStream := range []bool{false, true} {
		original := onePagePDF(t, xrefStream)
		w := openIncremental(t, original)

		root, err := w.Root()
		if err != nil {
			t.Fatalf("Root failed: %v", err)
		}
		ref := w.AddObject(generic.NewLiteralString("payload"))
		root.Set("Extra", ref)

		var out bytes.Buffer
		if err := w.Write(&out); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if !bytes.HasPrefix(out.Bytes(), original) {
			t.Fatal("original bytes must be a prefix of the update")
		}

		r, err := reader.NewPdfFileReaderFromBytes(out.Bytes())
		if err != nil {
			t.Fatalf("re-read failed (xref stream %v): %v", xrefStream, err)
		}
		if len(r.XRefOffsets) != 2 {
			t.Errorf("expected two xref sections, got %d", len(r.XRefOffsets))
		}
		obj, err := r.Resolve(r.Root.Get("Extra"))
		if err != nil {
			t.Fatalf("resolve Extra: %v", err)
		}
		if s, ok := obj.(*generic.StringObject); !ok || string(s.Value) != "payload" {
			t.Errorf("unexpected Extra value %#v", obj)
		}
		if len(r.Pages) != 1 {
			t.Errorf("page count = %d", len(r.Pages))
		}
	}
}

func sigDict() *generic.DictionaryObject {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Sig"))
	d.Set("Filter", generic.NameObject("Adobe.PPKLite"))
	d.Set("SubFilter", generic.NameObject("adbe.pkcs7.detached"))
	return d
}

func reserve(t *testing.T, size int) (*Reservation, []byte) {
	t.Helper()
	original := onePagePDF(t, false)
	w := openIncremental(t, original)
	placeholder, err := w.PrepareSignature("Signature1", sigDict(), size)
	if err != nil {
		t.Fatalf("PrepareSignature failed: %v", err)
	}
	res, err := w.WriteWithSignature(placeholder)
	if err != nil {
		t.Fatalf("WriteWithSignature failed: %v", err)
	}
	return res, original
}

func TestReservationByteRangeAndEmbed(t *testing.T) {
	res, original := reserve(t, 64)

	stream, err := res.DigestStream()
	if err != nil {
		t.Fatalf("DigestStream failed: %v", err)
	}
	signed, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !bytes.HasPrefix(signed, original) {
		t.Error("signed bytes must start with the original file")
	}
	if int64(len(signed)) != res.ByteRange[1]+res.ByteRange[3] {
		t.Errorf("signed length %d does not match byte range %v", len(signed), res.ByteRange)
	}

	out, err := res.Embed([]byte{0xCA, 0xFE})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	hole := string(out[res.ByteRange[1]:res.ByteRange[2]])
	if !strings.HasPrefix(hole, "<CAFE00") || !strings.HasSuffix(hole, "0>") || len(hole) != 2*64+2 {
		t.Errorf("unexpected contents %q", hole)
	}

	r, err := reader.NewPdfFileReaderFromBytes(out)
	if err != nil {
		t.Fatalf("signed file does not parse: %v", err)
	}
	sigs := r.GetEmbeddedSignatures()
	if len(sigs) != 1 {
		t.Fatalf("expected one signature, got %d", len(sigs))
	}
	if sigs[0].ByteRange != res.ByteRange || !sigs[0].CoversWholeFile() {
		t.Errorf("byte range %v read back as %v", res.ByteRange, sigs[0].ByteRange)
	}
	covered, err := sigs[0].SignedBytes()
	if err != nil || !bytes.Equal(covered, signed) {
		t.Error("read-back signed bytes differ from the digest stream")
	}
	if sigs[0].SubFilter() != "adbe.pkcs7.detached" {
		t.Errorf("SubFilter = %q", sigs[0].SubFilter())
	}
	if r.AcroForm == nil {
		t.Fatal("AcroForm missing")
	}
	if flags, _ := r.AcroForm.GetInt("SigFlags"); flags != 3 {
		t.Errorf("SigFlags = %d", flags)
	}
}

func TestEmbedRejectsOversizedSignature(t *testing.T) {
	res, _ := reserve(t, 4)
	_, err := res.Embed(make([]byte, 5))
	if !errors.Is(err, ErrSignatureTooLarge) {
		t.Fatalf("expected ErrSignatureTooLarge, got %v", err)
	}
	if _, err := res.Embed(make([]byte, 4)); err != nil {
		t.Fatalf("exact fit must succeed: %v", err)
	}
	if _, err := res.Embed([]byte{1}); !errors.Is(err, ErrAlreadyEmbedded) {
		t.Errorf("expected ErrAlreadyEmbedded, got %v", err)
	}
}

func TestDigestStreamIsSingleUse(t *testing.T) {
	res, _ := reserve(t, 16)
	stream, err := res.DigestStream()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := res.DigestStream(); !errors.Is(err, ErrStreamOpened) {
		t.Errorf("second open: got %v", err)
	}
	if _, err := io.Copy(io.Discard, stream); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Read(make([]byte, 1)); !errors.Is(err, ErrStreamExhausted) {
		t.Errorf("read after exhaustion: got %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close after full read: %v", err)
	}
	if _, err := stream.Read(make([]byte, 1)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("read after close: got %v", err)
	}
}

func TestDigestStreamEarlyClose(t *testing.T) {
	res, _ := reserve(t, 16)
	stream, err := res.DigestStream()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Read(make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); !errors.Is(err, ErrStreamIncomplete) {
		t.Errorf("expected ErrStreamIncomplete, got %v", err)
	}
}

func TestContiguous(t *testing.T) {
	got := contiguous([]int{3, 4, 5, 9, 11, 12})
	want := []xrefRange{{3, 3}, {9, 1}, {11, 2}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormatPdfDate(t *testing.T) {
	if got := FormatPdfDate(mustTime(t, "2024-03-01T10:20:30+02:00")); got != "D:20240301082030Z" {
		t.Errorf("FormatPdfDate = %q", got)
	}
}

func TestEmbedPatchesInPlace(t *testing.T) {
	res, original := reserve(t, 32)
	before := len(res.buf.Buff.Bytes())

	out, err := res.Embed([]byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(out) != before {
		t.Fatalf("output length changed from %d to %d", before, len(out))
	}
	if int64(len(out)) != res.ByteRange[2]+res.ByteRange[3] {
		t.Errorf("output length %d does not match byte range %v", len(out), res.ByteRange)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Errorf("header lost, output starts with %q", out[:16])
	}
	if !bytes.HasPrefix(out, original) {
		t.Error("original revision was modified")
	}
	want := fmt.Sprintf("/ByteRange [%010d %010d %010d %010d]", res.ByteRange[0], res.ByteRange[1], res.ByteRange[2], res.ByteRange[3])
	if !bytes.Contains(out, []byte(want)) {
		t.Errorf("output does not carry %q", want)
	}
	if !bytes.HasSuffix(out, []byte("%%EOF\n")) {
		t.Error("trailer lost after embedding")
	}
}

func TestPatchAtBounds(t *testing.T) {
	buf := filebuffer.New([]byte("0123456789"))
	if err := patchAt(buf, 2, []byte("ab")); err != nil {
		t.Fatalf("patchAt failed: %v", err)
	}
	if got := buf.Buff.String(); got != "01ab456789" {
		t.Errorf("patched buffer = %q", got)
	}
	if err := patchAt(buf, 9, []byte("xy")); err == nil {
		t.Error("patch past the end must fail")
	}
	if err := patchAt(buf, -1, []byte("x")); err == nil {
		t.Error("negative offset must fail")
	}
	if got := buf.Buff.String(); got != "01ab456789" {
		t.Errorf("failed patch modified buffer: %q", got)
	}
}
