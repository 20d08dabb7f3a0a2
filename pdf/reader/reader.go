// Package reader parses an existing PDF far enough to append an incremental
// update to it: cross-reference tables and streams, object streams, the
// document catalog, the page tree and embedded signatures.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/filters"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidXRef    = errors.New("invalid xref")
	ErrEncrypted      = errors.New("encrypted PDF files are not supported")
)

var headerRegex = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// XRefEntry locates one object. Entries inside an object stream carry the
// stream's object number and the index within it.
type XRefEntry struct {
	Offset          int64
	Generation      int
	InUse           bool
	ObjectStreamRef int
	IndexInStream   int
}

// PdfFileReader holds a parsed PDF file.
type PdfFileReader struct {
	data    []byte
	Version string
	Trailer *generic.TrailerDictionary
	XRef    map[int]*XRefEntry

	// Root is the document catalog and RootRef its reference.
	Root    *generic.DictionaryObject
	RootRef generic.Reference

	// Pages lists leaf page dictionaries in document order; PageRefs holds
	// the matching references.
	Pages    []*generic.DictionaryObject
	PageRefs []generic.Reference

	AcroForm *generic.DictionaryObject

	// XRefOffsets lists cross-reference sections, newest first.
	XRefOffsets []int64

	// HasXRefStream reports whether the newest section is a stream.
	HasXRefStream bool

	objects map[int]generic.PdfObject
}

// NewPdfFileReader reads all of r and parses it.
func NewPdfFileReader(r io.Reader) (*PdfFileReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF data: %w", err)
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReaderFromBytes parses data. The slice is retained and must
// not be modified afterwards.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:    data,
		XRef:    make(map[int]*XRefEntry),
		objects: make(map[int]generic.PdfObject),
	}
	match := headerRegex.FindSubmatch(data[:min(1024, len(data))])
	if match == nil {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidPDF)
	}
	r.Version = string(match[1])

	start := bytes.LastIndex(data, []byte("startxref"))
	if start < 0 {
		return nil, ErrNoXRef
	}
	p := generic.NewParserFromBytes(data[start+len("startxref"):])
	off, err := p.ParseObject()
	offset, ok := off.(generic.IntegerObject)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: bad startxref", ErrInvalidXRef)
	}
	if err := r.readXRefChain(int64(offset)); err != nil {
		return nil, err
	}
	if r.Trailer.Has("Encrypt") {
		return nil, ErrEncrypted
	}
	if err := r.loadDocumentStructure(); err != nil {
		return nil, err
	}
	return r, nil
}

// Data returns the raw file bytes.
func (r *PdfFileReader) Data() []byte { return r.data }

// MaxObjectNumber returns the highest object number known to the xref.
func (r *PdfFileReader) MaxObjectNumber() int {
	highest := 0
	for num := range r.XRef {
		highest = max(highest, num)
	}
	if size := int(r.Trailer.Size()); size-1 > highest {
		highest = size - 1
	}
	return highest
}

func (r *PdfFileReader) readXRefChain(offset int64) error {
	seen := make(map[int64]bool)
	for offset > 0 && !seen[offset] {
		seen[offset] = true
		if offset >= int64(len(r.data)) {
			return fmt.Errorf("%w: offset %d out of bounds", ErrInvalidXRef, offset)
		}
		r.XRefOffsets = append(r.XRefOffsets, offset)

		pos := int(offset)
		for pos < len(r.data) && isSpace(r.data[pos]) {
			pos++
		}
		var trailer *generic.TrailerDictionary
		var err error
		stream := !bytes.HasPrefix(r.data[pos:], []byte("xref"))
		if stream {
			trailer, err = r.readXRefStream(pos)
		} else {
			trailer, err = r.readXRefTable(pos + len("xref"))
		}
		if err != nil {
			return err
		}
		if r.Trailer == nil {
			r.Trailer = trailer
			r.HasXRefStream = stream
		}
		// Hybrid files point at a supplementary xref stream.
		if stm, ok := trailer.GetInt("XRefStm"); ok && !seen[stm] && stm < int64(len(r.data)) {
			if _, err := r.readXRefStream(int(stm)); err != nil {
				return err
			}
		}
		prev, ok := trailer.Prev()
		if !ok {
			break
		}
		offset = prev
	}
	if r.Trailer == nil {
		return ErrNoXRef
	}
	return nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t' || b == '\f' || b == 0
}

// readXRefTable reads subsections starting right after the "xref" keyword.
func (r *PdfFileReader) readXRefTable(pos int) (*generic.TrailerDictionary, error) {
	for {
		for pos < len(r.data) && isSpace(r.data[pos]) {
			pos++
		}
		if bytes.HasPrefix(r.data[pos:], []byte("trailer")) {
			pos += len("trailer")
			break
		}
		first, n, next, err := r.readNumberPair(pos)
		if err != nil {
			return nil, err
		}
		pos = next
		for i := 0; i < n; i++ {
			for pos < len(r.data) && isSpace(r.data[pos]) {
				pos++
			}
			if pos+18 > len(r.data) {
				return nil, fmt.Errorf("%w: truncated entry", ErrInvalidXRef)
			}
			line := r.data[pos : pos+18]
			off, err1 := strconv.ParseInt(string(line[0:10]), 10, 64)
			gen, err2 := strconv.Atoi(string(line[11:16]))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: malformed entry %q", ErrInvalidXRef, line)
			}
			num := first + i
			if _, exists := r.XRef[num]; !exists {
				r.XRef[num] = &XRefEntry{Offset: off, Generation: gen, InUse: line[17] == 'n'}
			}
			pos += 18
		}
	}
	obj, err := generic.NewParserFromBytes(r.data[pos:]).ParseObject()
	if err != nil {
		return nil, fmt.Errorf("failed to parse trailer: %w", err)
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrInvalidXRef)
	}
	return &generic.TrailerDictionary{DictionaryObject: dict}, nil
}

func (r *PdfFileReader) readNumberPair(pos int) (int, int, int, error) {
	p := generic.NewParserFromBytes(r.data[pos:])
	a, err1 := p.ParseObject()
	b, err2 := p.ParseObject()
	first, ok1 := a.(generic.IntegerObject)
	count, ok2 := b.(generic.IntegerObject)
	if err1 != nil || err2 != nil || !ok1 || !ok2 {
		return 0, 0, pos, fmt.Errorf("%w: bad subsection header", ErrInvalidXRef)
	}
	return int(first), int(count), pos + p.Pos(), nil
}

func (r *PdfFileReader) readXRefStream(pos int) (*generic.TrailerDictionary, error) {
	p := generic.NewParserFromBytes(r.data[pos:])
	p.Resolve = r.resolveForParser
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("failed to parse xref stream: %w", err)
	}
	stream, ok := ind.Object.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: expected xref stream at %d", ErrInvalidXRef, pos)
	}
	data, err := filters.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to decode xref stream: %w", err)
	}
	dict := stream.Dictionary

	warr := dict.GetArray("W")
	if len(warr) != 3 {
		return nil, fmt.Errorf("%w: /W must have three entries", ErrInvalidXRef)
	}
	var w [3]int
	for i, v := range warr {
		n, _ := v.(generic.IntegerObject)
		w[i] = int(n)
	}
	entrySize := w[0] + w[1] + w[2]
	if entrySize == 0 {
		return nil, fmt.Errorf("%w: zero entry size", ErrInvalidXRef)
	}

	size, _ := dict.GetInt("Size")
	index := []int{0, int(size)}
	if arr := dict.GetArray("Index"); len(arr) > 0 {
		index = index[:0]
		for _, v := range arr {
			n, _ := v.(generic.IntegerObject)
			index = append(index, int(n))
		}
	}

	field := func(b []byte) int64 {
		var v int64
		for _, c := range b {
			v = v<<8 | int64(c)
		}
		return v
	}
	at := 0
	for i := 0; i+1 < len(index); i += 2 {
		for j := 0; j < index[i+1] && at+entrySize <= len(data); j++ {
			row := data[at : at+entrySize]
			at += entrySize
			kind := int64(1)
			if w[0] > 0 {
				kind = field(row[:w[0]])
			}
			f2, f3 := field(row[w[0]:w[0]+w[1]]), field(row[w[0]+w[1]:])
			num := index[i] + j
			if _, exists := r.XRef[num]; exists {
				continue
			}
			switch kind {
			case 1:
				r.XRef[num] = &XRefEntry{Offset: f2, Generation: int(f3), InUse: true}
			case 2:
				r.XRef[num] = &XRefEntry{ObjectStreamRef: int(f2), IndexInStream: int(f3), InUse: true}
			default:
				r.XRef[num] = &XRefEntry{Generation: int(f3)}
			}
		}
	}
	return &generic.TrailerDictionary{DictionaryObject: dict}, nil
}

func (r *PdfFileReader) loadDocumentStructure() error {
	rootRef, ok := r.Trailer.Root()
	if !ok {
		return fmt.Errorf("%w: trailer has no /Root", ErrInvalidPDF)
	}
	root, err := r.GetDictionary(rootRef)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	r.Root, r.RootRef = root, rootRef

	pagesRef, ok := root.Get("Pages").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: catalog has no /Pages reference", ErrInvalidPDF)
	}
	if err := r.walkPages(pagesRef, map[int]bool{}); err != nil {
		return fmt.Errorf("failed to load pages: %w", err)
	}

	if form, err := r.ResolveDictionary(root.Get("AcroForm")); err == nil {
		r.AcroForm = form
	}
	return nil
}

func (r *PdfFileReader) walkPages(ref generic.Reference, seen map[int]bool) error {
	if seen[ref.ObjectNumber] {
		return fmt.Errorf("%w: page tree cycle at %s", ErrInvalidPDF, ref)
	}
	seen[ref.ObjectNumber] = true
	node, err := r.GetDictionary(ref)
	if err != nil {
		return err
	}
	if node.GetName("Type") == "Page" {
		r.Pages = append(r.Pages, node)
		r.PageRefs = append(r.PageRefs, ref)
		return nil
	}
	kids, err := r.Resolve(node.Get("Kids"))
	if err != nil {
		return err
	}
	arr, _ := kids.(generic.ArrayObject)
	for _, kid := range arr {
		if kidRef, ok := kid.(generic.Reference); ok {
			if err := r.walkPages(kidRef, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetObject returns the object with the given number.
func (r *PdfFileReader) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := r.objects[objNum]; ok {
		return obj, nil
	}
	entry, ok := r.XRef[objNum]
	if !ok || !entry.InUse {
		return nil, fmt.Errorf("%w: object %d", ErrObjectNotFound, objNum)
	}
	var obj generic.PdfObject
	var err error
	if entry.ObjectStreamRef > 0 {
		obj, err = r.objectFromStream(entry.ObjectStreamRef, entry.IndexInStream)
	} else {
		obj, err = r.objectAtOffset(entry.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("object %d: %w", objNum, err)
	}
	r.objects[objNum] = obj
	return obj, nil
}

func (r *PdfFileReader) resolveForParser(ref generic.Reference) (generic.PdfObject, error) {
	return r.GetObject(ref.ObjectNumber)
}

func (r *PdfFileReader) objectAtOffset(offset int64) (generic.PdfObject, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: offset %d out of bounds", ErrObjectNotFound, offset)
	}
	p := generic.NewParserFromBytes(r.data[offset:])
	p.Resolve = r.resolveForParser
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, err
	}
	if stream, ok := ind.Object.(*generic.StreamObject); ok {
		if decoded, err := filters.Decode(stream); err == nil {
			stream.Decoded = decoded
		}
	}
	return ind.Object, nil
}

func (r *PdfFileReader) objectFromStream(streamNum, index int) (generic.PdfObject, error) {
	obj, err := r.GetObject(streamNum)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*generic.StreamObject)
	if !ok || stream.Decoded == nil {
		return nil, fmt.Errorf("object stream %d is not a decodable stream", streamNum)
	}
	data := stream.Decoded
	n, _ := stream.Dictionary.GetInt("N")
	first, _ := stream.Dictionary.GetInt("First")
	if int64(index) >= n || first > int64(len(data)) {
		return nil, fmt.Errorf("index %d out of bounds in object stream %d", index, streamNum)
	}
	header := generic.NewParserFromBytes(data[:first])
	var offset int64 = -1
	for i := 0; i <= index; i++ {
		if _, err := header.ParseObject(); err != nil {
			return nil, err
		}
		off, err := header.ParseObject()
		if err != nil {
			return nil, err
		}
		if i == index {
			v, _ := off.(generic.IntegerObject)
			offset = int64(v)
		}
	}
	if offset < 0 || first+offset > int64(len(data)) {
		return nil, fmt.Errorf("bad offset in object stream %d", streamNum)
	}
	return generic.NewParserFromBytes(data[first+offset:]).ParseObject()
}

// Resolve follows obj if it is a reference.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	if ref, ok := obj.(generic.Reference); ok {
		return r.GetObject(ref.ObjectNumber)
	}
	return obj, nil
}

// GetDictionary resolves ref and requires a dictionary.
func (r *PdfFileReader) GetDictionary(ref generic.Reference) (*generic.DictionaryObject, error) {
	return r.ResolveDictionary(ref)
}

// ResolveDictionary resolves obj and requires a dictionary.
func (r *PdfFileReader) ResolveDictionary(obj generic.PdfObject) (*generic.DictionaryObject, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: missing dictionary", ErrObjectNotFound)
	}
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	dict, ok := resolved.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrInvalidPDF, resolved)
	}
	return dict, nil
}

// GetPage returns the page at index (0-based) and its reference.
func (r *PdfFileReader) GetPage(index int) (*generic.DictionaryObject, generic.Reference, error) {
	if index < 0 || index >= len(r.Pages) {
		return nil, generic.Reference{}, fmt.Errorf("page index %d out of bounds (%d pages)", index, len(r.Pages))
	}
	return r.Pages[index], r.PageRefs[index], nil
}

// GetSignatureFields returns top-level and child fields of type /Sig.
func (r *PdfFileReader) GetSignatureFields() []*generic.DictionaryObject {
	if r.AcroForm == nil {
		return nil
	}
	fieldsObj, err := r.Resolve(r.AcroForm.Get("Fields"))
	if err != nil {
		return nil
	}
	fields, _ := fieldsObj.(generic.ArrayObject)
	var sigs []*generic.DictionaryObject
	var visit func(objs generic.ArrayObject, depth int)
	visit = func(objs generic.ArrayObject, depth int) {
		for _, obj := range objs {
			field, err := r.ResolveDictionary(obj)
			if err != nil {
				continue
			}
			if field.GetName("FT") == "Sig" {
				sigs = append(sigs, field)
			}
			if depth < 8 {
				if kids, err := r.Resolve(field.Get("Kids")); err == nil {
					arr, _ := kids.(generic.ArrayObject)
					visit(arr, depth+1)
				}
			}
		}
	}
	visit(fields, 0)
	return sigs
}

// EmbeddedSignature is a filled signature field.
type EmbeddedSignature struct {
	Field      *generic.DictionaryObject
	Dictionary *generic.DictionaryObject
	ByteRange  [4]int64
	Contents   []byte
	reader     *PdfFileReader
}

// GetEmbeddedSignatures returns every signature field that has a value.
func (r *PdfFileReader) GetEmbeddedSignatures() []*EmbeddedSignature {
	var out []*EmbeddedSignature
	for _, field := range r.GetSignatureFields() {
		sigDict, err := r.ResolveDictionary(field.Get("V"))
		if err != nil {
			continue
		}
		sig := &EmbeddedSignature{Field: field, Dictionary: sigDict, reader: r}
		if br := sigDict.GetArray("ByteRange"); len(br) == 4 {
			for i, v := range br {
				n, _ := v.(generic.IntegerObject)
				sig.ByteRange[i] = int64(n)
			}
		}
		if contents, ok := sigDict.Get("Contents").(*generic.StringObject); ok {
			sig.Contents = contents.Value
		}
		out = append(out, sig)
	}
	return out
}

// SignedBytes returns the two byte ranges covered by the signature.
func (e *EmbeddedSignature) SignedBytes() ([]byte, error) {
	data := e.reader.data
	br := e.ByteRange
	if br[0] < 0 || br[1] < 0 || br[2] < br[0]+br[1] || br[3] < 0 || br[2]+br[3] > int64(len(data)) {
		return nil, fmt.Errorf("%w: byte range %v outside file of %d bytes", ErrInvalidPDF, br, len(data))
	}
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, data[br[0]:br[0]+br[1]]...)
	return append(out, data[br[2]:br[2]+br[3]]...), nil
}

// CoversWholeFile reports whether the byte range spans the entire file
// apart from the /Contents value.
func (e *EmbeddedSignature) CoversWholeFile() bool {
	return e.ByteRange[0] == 0 && e.ByteRange[2]+e.ByteRange[3] == int64(len(e.reader.data))
}

// SubFilter returns /SubFilter.
func (e *EmbeddedSignature) SubFilter() string { return e.Dictionary.GetName("SubFilter") }

// Text returns a text-string entry of the signature dictionary.
func (e *EmbeddedSignature) Text(key string) string {
	if s, ok := e.Dictionary.Get(key).(*generic.StringObject); ok {
		return s.Text()
	}
	return ""
}
