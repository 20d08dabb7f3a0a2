package generic

import (
	"errors"
	"testing"
)

func parse(t *testing.T, input string) PdfObject {
	t.Helper()
	obj, err := NewParserFromBytes([]byte(input)).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject(%q) failed: %v", input, err)
	}
	return obj
}

func TestParseScalars(t *testing.T) {
	if _, ok := parse(t, "null").(NullObject); !ok {
		t.Error("expected NullObject")
	}
	if b, ok := parse(t, "true").(BooleanObject); !ok || !bool(b) {
		t.Error("expected true")
	}
	for input, want := range map[string]int64{"0": 0, "42": 42, "-123": -123, "+456": 456} {
		if i, ok := parse(t, input).(IntegerObject); !ok || int64(i) != want {
			t.Errorf("%q: got %v", input, i)
		}
	}
	if r, ok := parse(t, "-.5").(RealObject); !ok || float64(r) != -0.5 {
		t.Errorf("expected -0.5, got %v", r)
	}
	if n, ok := parse(t, "/Name#20With#20Spaces").(NameObject); !ok || n != "Name With Spaces" {
		t.Errorf("unexpected name %q", n)
	}
}

func TestParseStrings(t *testing.T) {
	lit := parse(t, `(Hello (nested) \(esc\) \101\n)`).(*StringObject)
	if string(lit.Value) != "Hello (nested) (esc) A\n" {
		t.Errorf("unexpected literal %q", lit.Value)
	}
	hex := parse(t, "<48 65 6C 6C 6F>").(*StringObject)
	if !hex.IsHex || string(hex.Value) != "Hello" {
		t.Errorf("unexpected hex %q", hex.Value)
	}
	odd := parse(t, "<ABC>").(*StringObject)
	if len(odd.Value) != 2 || odd.Value[1] != 0xC0 {
		t.Errorf("odd hex digits should be padded, got % x", odd.Value)
	}
}

func TestParseContainers(t *testing.T) {
	arr := parse(t, "[1 2 0 R [3 4] /N]").(ArrayObject)
	if len(arr) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(arr))
	}
	if arr[0] != IntegerObject(1) || arr[1] != NewReference(2, 0) {
		t.Errorf("unexpected leading elements %v %v", arr[0], arr[1])
	}
	if inner, ok := arr[2].(ArrayObject); !ok || len(inner) != 2 {
		t.Error("nested array not parsed")
	}

	dict := parse(t, "<< /Type /Catalog % comment\n /Pages 3 0 R /Sub << /K 1 >> >>").(*DictionaryObject)
	if dict.GetName("Type") != "Catalog" {
		t.Error("Type mismatch")
	}
	if dict.Get("Pages") != NewReference(3, 0) {
		t.Error("Pages reference mismatch")
	}
	if k, ok := dict.GetDict("Sub").GetInt("K"); !ok || k != 1 {
		t.Error("nested dictionary mismatch")
	}
}

func TestParseIndirectStream(t *testing.T) {
	p := NewParserFromBytes([]byte("5 0 obj\n<< /Length 5 >>\nstream\nhello\nendstream\nendobj\n"))
	obj, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if obj.ObjectNumber != 5 {
		t.Errorf("object number = %d", obj.ObjectNumber)
	}
	stream, ok := obj.Object.(*StreamObject)
	if !ok || string(stream.Data) != "hello" {
		t.Fatalf("unexpected stream %#v", obj.Object)
	}
}

func TestParseStreamIndirectLength(t *testing.T) {
	p := NewParserFromBytes([]byte("1 0 obj << /Length 2 0 R >> stream\nabcd\nendstream endobj"))
	p.Resolve = func(ref Reference) (PdfObject, error) {
		if ref.ObjectNumber != 2 {
			t.Errorf("unexpected resolve of %v", ref)
		}
		return IntegerObject(4), nil
	}
	obj, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if got := string(obj.Object.(*StreamObject).Data); got != "abcd" {
		t.Errorf("stream data = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"(unterminated", ErrInvalidString},
		{"<< /A 1", ErrInvalidDictionary},
		{"[1 2", ErrInvalidArray},
		{"bogus", ErrInvalidObject},
	}
	for _, tt := range tests {
		_, err := NewParserFromBytes([]byte(tt.input)).ParseObject()
		if !errors.Is(err, tt.want) {
			t.Errorf("%q: got %v, want %v", tt.input, err, tt.want)
		}
	}
}
