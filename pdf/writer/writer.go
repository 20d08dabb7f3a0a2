// Package writer creates PDF files and appends incremental updates to
// existing ones, including signature placeholders.
package writer

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/filters"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

// PdfFileWriter builds a new single-revision PDF file.
type PdfFileWriter struct {
	Version string
	// XRefStream writes a compressed cross-reference stream instead of a
	// classic table.
	XRefStream bool

	Objects    map[int]*generic.IndirectObject
	nextObjNum int
	Root       *generic.DictionaryObject
	Info       *generic.DictionaryObject
	Pages      *generic.DictionaryObject
	pagesRef   generic.Reference
	FileID     []byte
}

// NewPdfFileWriter creates a writer with an empty page tree.
func NewPdfFileWriter(version string) *PdfFileWriter {
	if version == "" {
		version = "1.7"
	}
	w := &PdfFileWriter{
		Version:    version,
		Objects:    make(map[int]*generic.IndirectObject),
		nextObjNum: 1,
		Root:       generic.NewDictionary(),
		Info:       generic.NewDictionary(),
		Pages:      generic.NewDictionary(),
	}
	w.Root.Set("Type", generic.NameObject("Catalog"))
	w.Pages.Set("Type", generic.NameObject("Pages"))
	w.Pages.Set("Kids", generic.ArrayObject{})
	w.Pages.Set("Count", generic.IntegerObject(0))
	w.pagesRef = w.AddObject(w.Pages)
	w.Root.Set("Pages", w.pagesRef)
	w.Info.Set("Producer", generic.NewTextString("pdfltv"))
	w.Info.Set("CreationDate", generic.NewLiteralString(FormatPdfDate(time.Now())))
	return w
}

// AddObject adds an object and returns its reference.
func (w *PdfFileWriter) AddObject(obj generic.PdfObject) generic.Reference {
	num := w.nextObjNum
	w.nextObjNum++
	w.Objects[num] = generic.NewIndirectObject(num, 0, obj)
	return generic.NewReference(num, 0)
}

// AddPage appends a page of the given size in points. contents may be nil.
func (w *PdfFileWriter) AddPage(width, height float64, contents []byte) generic.Reference {
	page := generic.NewDictionary()
	page.Set("Type", generic.NameObject("Page"))
	page.Set("Parent", w.pagesRef)
	page.Set("MediaBox", generic.ArrayObject{
		generic.IntegerObject(0), generic.IntegerObject(0),
		generic.RealObject(width), generic.RealObject(height),
	})
	page.Set("Resources", generic.NewDictionary())
	if contents != nil {
		stream := generic.NewStream(nil, contents)
		if encoded, err := filters.FlateEncode(contents); err == nil {
			stream.Data = encoded
			stream.Dictionary.Set("Filter", generic.NameObject("FlateDecode"))
		}
		page.Set("Contents", w.AddObject(stream))
	}
	ref := w.AddObject(page)
	kids := append(w.Pages.GetArray("Kids"), ref)
	w.Pages.Set("Kids", kids)
	w.Pages.Set("Count", generic.IntegerObject(len(kids)))
	return ref
}

// Write serializes the document.
func (w *PdfFileWriter) Write(out io.Writer) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", w.Version)

	rootRef := w.AddObject(w.Root)
	infoRef := w.AddObject(w.Info)
	if w.FileID == nil {
		w.FileID = make([]byte, 16)
		if _, err := rand.Read(w.FileID); err != nil {
			return err
		}
	}

	offsets := make(map[int]int64, len(w.Objects))
	for num := 1; num < w.nextObjNum; num++ {
		offsets[num] = int64(buf.Len())
		if err := w.Objects[num].Write(&buf); err != nil {
			return err
		}
	}

	trailer := generic.NewDictionary()
	trailer.Set("Root", rootRef)
	trailer.Set("Info", infoRef)
	trailer.Set("ID", generic.ArrayObject{generic.NewHexString(w.FileID), generic.NewHexString(w.FileID)})

	xrefOffset := int64(buf.Len())
	if w.XRefStream {
		num := w.nextObjNum
		offsets[num] = xrefOffset
		trailer.Set("Size", generic.IntegerObject(num+1))
		if err := writeXRefStream(&buf, num, trailer, []xrefRange{{start: 0, count: num + 1}}, offsets); err != nil {
			return err
		}
	} else {
		trailer.Set("Size", generic.IntegerObject(w.nextObjNum))
		fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", w.nextObjNum)
		for num := 1; num < w.nextObjNum; num++ {
			fmt.Fprintf(&buf, "%010d %05d n \n", offsets[num], 0)
		}
		buf.WriteString("trailer\n")
		if err := trailer.Write(&buf); err != nil {
			return err
		}
	}
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	_, err := out.Write(buf.Bytes())
	return err
}

type xrefRange struct {
	start, count int
}

// writeXRefStream writes object streamNum as a /Type /XRef stream covering
// ranges. Entries missing from offsets are written as free. trailer supplies
// the remaining stream dictionary entries.
func writeXRefStream(buf *bytes.Buffer, streamNum int, trailer *generic.DictionaryObject, ranges []xrefRange, offsets map[int]int64) error {
	var rows bytes.Buffer
	index := generic.ArrayObject{}
	for _, r := range ranges {
		index = append(index, generic.IntegerObject(r.start), generic.IntegerObject(r.count))
		for num := r.start; num < r.start+r.count; num++ {
			off, used := offsets[num]
			var row [7]byte
			if used {
				row[0] = 1
				binary.BigEndian.PutUint32(row[1:5], uint32(off))
			} else if num == 0 {
				binary.BigEndian.PutUint16(row[5:7], 0xFFFF)
			}
			rows.Write(row[:])
		}
	}
	data, err := filters.FlateEncode(rows.Bytes())
	if err != nil {
		return err
	}
	dict := trailer.Copy()
	dict.Set("Type", generic.NameObject("XRef"))
	dict.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(4), generic.IntegerObject(2)})
	dict.Set("Index", index)
	dict.Set("Filter", generic.NameObject("FlateDecode"))
	return generic.NewIndirectObject(streamNum, 0, &generic.StreamObject{Dictionary: dict, Data: data}).Write(buf)
}

// FormatPdfDate formats t as a PDF date string in UTC.
func FormatPdfDate(t time.Time) string {
	return t.UTC().Format("D:20060102150405") + "Z"
}
