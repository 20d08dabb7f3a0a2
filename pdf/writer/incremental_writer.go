package writer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/mattetti/filebuffer"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/reader"
)

var ErrNoRoot = errors.New("document has no catalog")

// IncrementalPdfFileWriter appends one incremental update to an existing
// file. The original bytes are never modified.
type IncrementalPdfFileWriter struct {
	Reader *reader.PdfFileReader

	// Objects holds new and replaced objects keyed by object number.
	Objects map[int]*generic.IndirectObject

	nextObjNum  int
	rootRef     generic.Reference
	documentID  generic.ArrayObject
	streamXRefs bool
}

// NewIncrementalPdfFileWriter creates an updater for r.
func NewIncrementalPdfFileWriter(r *reader.PdfFileReader) *IncrementalPdfFileWriter {
	return &IncrementalPdfFileWriter{
		Reader:      r,
		Objects:     make(map[int]*generic.IndirectObject),
		nextObjNum:  r.MaxObjectNumber() + 1,
		rootRef:     r.RootRef,
		documentID:  documentID(r.Trailer),
		streamXRefs: r.HasXRefStream,
	}
}

// documentID keeps the permanent first half of /ID and regenerates the
// second half for the new revision.
func documentID(trailer *generic.TrailerDictionary) generic.ArrayObject {
	changing := make([]byte, 16)
	_, _ = rand.Read(changing)
	var permanent []byte
	if ids := trailer.GetArray("ID"); len(ids) > 0 {
		if s, ok := ids[0].(*generic.StringObject); ok {
			permanent = s.Value
		}
	}
	if permanent == nil {
		permanent = make([]byte, 16)
		_, _ = rand.Read(permanent)
	}
	return generic.ArrayObject{generic.NewHexString(permanent), generic.NewHexString(changing)}
}

// GetObject returns the pending version of an object if it was replaced,
// otherwise the original.
func (w *IncrementalPdfFileWriter) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := w.Objects[objNum]; ok {
		return obj.Object, nil
	}
	return w.Reader.GetObject(objNum)
}

// Resolve follows obj if it is a reference.
func (w *IncrementalPdfFileWriter) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	if ref, ok := obj.(generic.Reference); ok {
		return w.GetObject(ref.ObjectNumber)
	}
	return obj, nil
}

// AddObject registers a new object and returns its reference.
func (w *IncrementalPdfFileWriter) AddObject(obj generic.PdfObject) generic.Reference {
	num := w.nextObjNum
	w.nextObjNum++
	w.Objects[num] = generic.NewIndirectObject(num, 0, obj)
	return generic.NewReference(num, 0)
}

// UpdateObject replaces an existing object in the new revision.
func (w *IncrementalPdfFileWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.Objects[ref.ObjectNumber] = generic.NewIndirectObject(ref.ObjectNumber, ref.GenerationNumber, obj)
}

// editable returns a copy of the dictionary behind ref registered for
// update, or the already registered copy.
func (w *IncrementalPdfFileWriter) editable(ref generic.Reference) (*generic.DictionaryObject, error) {
	if pending, ok := w.Objects[ref.ObjectNumber]; ok {
		if dict, ok := pending.Object.(*generic.DictionaryObject); ok {
			return dict, nil
		}
	}
	orig, err := w.Reader.GetDictionary(ref)
	if err != nil {
		return nil, err
	}
	dict := orig.Copy()
	w.UpdateObject(ref, dict)
	return dict, nil
}

// Root returns the catalog as it will be written in the new revision.
// The first call registers the catalog for update.
func (w *IncrementalPdfFileWriter) Root() (*generic.DictionaryObject, error) {
	if w.rootRef.ObjectNumber == 0 {
		return nil, ErrNoRoot
	}
	return w.editable(w.rootRef)
}

// UpdateRoot registers the catalog for update.
func (w *IncrementalPdfFileWriter) UpdateRoot() error {
	_, err := w.Root()
	return err
}

// AddSignatureField creates an invisible signature widget on the page at
// pageIndex whose /V points at sigRef, and links it from the page and the
// interactive form.
func (w *IncrementalPdfFileWriter) AddSignatureField(name string, pageIndex int, sigRef generic.Reference) (generic.Reference, error) {
	_, pageRef, err := w.Reader.GetPage(pageIndex)
	if err != nil {
		return generic.Reference{}, err
	}

	field := generic.NewDictionary()
	field.Set("Type", generic.NameObject("Annot"))
	field.Set("Subtype", generic.NameObject("Widget"))
	field.Set("FT", generic.NameObject("Sig"))
	field.Set("T", generic.NewTextString(name))
	field.Set("Rect", generic.ArrayObject{generic.IntegerObject(0), generic.IntegerObject(0), generic.IntegerObject(0), generic.IntegerObject(0)})
	field.Set("F", generic.IntegerObject(132)) // Print | Locked
	field.Set("P", pageRef)
	field.Set("V", sigRef)
	fieldRef := w.AddObject(field)

	root, err := w.Root()
	if err != nil {
		return generic.Reference{}, err
	}
	var form *generic.DictionaryObject
	switch v := root.Get("AcroForm").(type) {
	case generic.Reference:
		if form, err = w.editable(v); err != nil {
			return generic.Reference{}, err
		}
	case *generic.DictionaryObject:
		form = v.Copy()
		root.Set("AcroForm", form)
	default:
		form = generic.NewDictionary()
		root.Set("AcroForm", w.AddObject(form))
	}
	fields, err := w.resolveArray(form.Get("Fields"))
	if err != nil {
		return generic.Reference{}, err
	}
	form.Set("Fields", append(fields, fieldRef))
	flags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.IntegerObject(flags|3)) // SignaturesExist | AppendOnly

	page, err := w.editable(pageRef)
	if err != nil {
		return generic.Reference{}, err
	}
	annots, err := w.resolveArray(page.Get("Annots"))
	if err != nil {
		return generic.Reference{}, err
	}
	page.Set("Annots", append(annots, fieldRef))
	return fieldRef, nil
}

// resolveArray returns a fresh copy of an array that may be given
// indirectly or be absent.
func (w *IncrementalPdfFileWriter) resolveArray(obj generic.PdfObject) (generic.ArrayObject, error) {
	if obj == nil {
		return generic.ArrayObject{}, nil
	}
	resolved, err := w.Resolve(obj)
	if err != nil {
		return nil, err
	}
	arr, ok := resolved.(generic.ArrayObject)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", resolved)
	}
	return append(generic.ArrayObject{}, arr...), nil
}

// Write writes the original file followed by the update.
func (w *IncrementalPdfFileWriter) Write(out io.Writer) error {
	buf := filebuffer.New(nil)
	if _, err := w.writeUpdate(buf, nil); err != nil {
		return err
	}
	_, err := out.Write(buf.Buff.Bytes())
	return err
}

// writeUpdate appends the original bytes, the pending objects, the
// cross-reference section and the trailer to buf. When placeholder is set
// the signature object is written with fixed-width /ByteRange and
// /Contents values and their offsets are recorded.
func (w *IncrementalPdfFileWriter) writeUpdate(buf *filebuffer.Buffer, placeholder *SignaturePlaceholder) (int, error) {
	original := w.Reader.Data()
	if _, err := buf.Write(original); err != nil {
		return 0, err
	}
	if n := len(original); n > 0 && original[n-1] != '\n' && original[n-1] != '\r' {
		if _, err := buf.Write([]byte("\n")); err != nil {
			return 0, err
		}
	}

	nums := make([]int, 0, len(w.Objects))
	for num := range w.Objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums)+1)
	var chunk bytes.Buffer
	for _, num := range nums {
		offsets[num] = int64(len(buf.Buff.Bytes()))
		chunk.Reset()
		if placeholder != nil && num == placeholder.Ref.ObjectNumber {
			if err := placeholder.write(&chunk, w.Objects[num], offsets[num]); err != nil {
				return 0, err
			}
		} else if err := w.Objects[num].Write(&chunk); err != nil {
			return 0, err
		}
		if _, err := buf.Write(chunk.Bytes()); err != nil {
			return 0, err
		}
	}

	trailer := generic.NewDictionary()
	for _, key := range w.Reader.Trailer.Keys() {
		switch key {
		case "Type", "W", "Index", "Filter", "DecodeParms", "Length", "XRefStm", "Prev", "Size", "Root", "ID":
			continue
		}
		trailer.Set(key, w.Reader.Trailer.Get(key))
	}
	trailer.Set("Root", w.rootRef)
	trailer.Set("ID", w.documentID)
	if len(w.Reader.XRefOffsets) > 0 {
		trailer.Set("Prev", generic.IntegerObject(w.Reader.XRefOffsets[0]))
	}

	xrefOffset := int64(len(buf.Buff.Bytes()))
	chunk.Reset()
	if w.streamXRefs {
		streamNum := w.nextObjNum
		offsets[streamNum] = xrefOffset
		nums = append(nums, streamNum)
		trailer.Set("Size", generic.IntegerObject(streamNum+1))
		if err := writeXRefStream(&chunk, streamNum, trailer, contiguous(nums), offsets); err != nil {
			return 0, err
		}
	} else {
		trailer.Set("Size", generic.IntegerObject(w.nextObjNum))
		chunk.WriteString("xref\n")
		for _, r := range contiguous(nums) {
			fmt.Fprintf(&chunk, "%d %d\n", r.start, r.count)
			for num := r.start; num < r.start+r.count; num++ {
				fmt.Fprintf(&chunk, "%010d %05d n \n", offsets[num], w.Objects[num].GenerationNumber)
			}
		}
		chunk.WriteString("trailer\n")
		if err := trailer.Write(&chunk); err != nil {
			return 0, err
		}
	}
	fmt.Fprintf(&chunk, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	if _, err := buf.Write(chunk.Bytes()); err != nil {
		return 0, err
	}
	return len(buf.Buff.Bytes()), nil
}

// contiguous groups sorted object numbers into xref subsections.
func contiguous(nums []int) []xrefRange {
	var out []xrefRange
	for _, num := range nums {
		if n := len(out); n > 0 && out[n-1].start+out[n-1].count == num {
			out[n-1].count++
			continue
		}
		out = append(out, xrefRange{start: num, count: 1})
	}
	return out
}
