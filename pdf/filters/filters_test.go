package filters

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

func TestFlateRoundTrip(t *testing.T) {
	input := bytes.Repeat([]byte("xref stream payload "), 50)
	encoded, err := FlateEncode(input)
	if err != nil {
		t.Fatalf("FlateEncode failed: %v", err)
	}
	dict := generic.NewDictionary()
	dict.Set("Filter", generic.NameObject("FlateDecode"))
	out, err := Decode(&generic.StreamObject{Dictionary: dict, Data: encoded})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Error("decoded data differs from input")
	}
}

func TestPNGUpPredictor(t *testing.T) {
	// Two rows of three columns, filter type 2 (Up) on the second row.
	raw := []byte{0, 1, 2, 3, 2, 1, 1, 1}
	encoded, err := FlateEncode(raw)
	if err != nil {
		t.Fatal(err)
	}
	out, err := FlateDecode(encoded, Params{Predictor: 12, Colors: 1, BitsPerComponent: 8, Columns: 3})
	if err != nil {
		t.Fatalf("FlateDecode failed: %v", err)
	}
	if want := []byte{1, 2, 3, 2, 3, 4}; !bytes.Equal(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestASCIIHexAndUnsupported(t *testing.T) {
	dict := generic.NewDictionary()
	dict.Set("Filter", generic.ArrayObject{generic.NameObject("AHx")})
	out, err := Decode(&generic.StreamObject{Dictionary: dict, Data: []byte("48 69>")})
	if err != nil || string(out) != "Hi" {
		t.Errorf("got %q, %v", out, err)
	}

	dict.Set("Filter", generic.NameObject("JBIG2Decode"))
	_, err = Decode(&generic.StreamObject{Dictionary: dict, Data: []byte{1}})
	if !errors.Is(err, ErrUnsupportedFilter) {
		t.Errorf("expected ErrUnsupportedFilter, got %v", err)
	}
}
