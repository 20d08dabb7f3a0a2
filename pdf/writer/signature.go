package writer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mattetti/filebuffer"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

var (
	// ErrSignatureTooLarge is returned when the encoded signature does not
	// fit in the reserved /Contents space.
	ErrSignatureTooLarge = errors.New("signature does not fit in reserved space")
	ErrStreamOpened      = errors.New("digest stream already opened")
	ErrStreamExhausted   = errors.New("digest stream already exhausted")
	ErrStreamClosed      = errors.New("digest stream closed")
	ErrStreamIncomplete  = errors.New("digest stream closed before it was fully read")
	ErrAlreadyEmbedded   = errors.New("signature already embedded")
)

// byteRangeWidth is the width of the fixed "[%010d %010d %010d %010d]"
// /ByteRange value.
const byteRangeWidth = 4*10 + 3 + 2

// SignaturePlaceholder is a signature dictionary registered with the
// writer whose /ByteRange and /Contents are filled in after serialization.
type SignaturePlaceholder struct {
	Ref          generic.Reference
	Dict         *generic.DictionaryObject
	ContentsSize int

	byteRangeOffset int64
	contentsOffset  int64
}

// PrepareSignature registers sigDict as a new object with room for
// contentsSize bytes of signature and attaches it to a new invisible field
// on the first page.
func (w *IncrementalPdfFileWriter) PrepareSignature(fieldName string, sigDict *generic.DictionaryObject, contentsSize int) (*SignaturePlaceholder, error) {
	if contentsSize <= 0 {
		return nil, fmt.Errorf("contents size must be positive, got %d", contentsSize)
	}
	sigDict.Set("ByteRange", generic.ArrayObject{})
	sigDict.Set("Contents", generic.NewHexString(nil))
	ref := w.AddObject(sigDict)
	if _, err := w.AddSignatureField(fieldName, 0, ref); err != nil {
		return nil, err
	}
	return &SignaturePlaceholder{Ref: ref, Dict: sigDict, ContentsSize: contentsSize}, nil
}

// write serializes the signature object with fixed-width placeholders and
// records their absolute offsets. base is the offset of the object in the
// output.
func (p *SignaturePlaceholder) write(buf *bytes.Buffer, obj *generic.IndirectObject, base int64) error {
	fmt.Fprintf(buf, "%d %d obj\n<<", obj.ObjectNumber, obj.GenerationNumber)
	for _, key := range p.Dict.Keys() {
		buf.WriteString("\n")
		if err := generic.NameObject(key).Write(buf); err != nil {
			return err
		}
		buf.WriteString(" ")
		switch key {
		case "ByteRange":
			p.byteRangeOffset = base + int64(buf.Len())
			fmt.Fprintf(buf, "[%010d %010d %010d %010d]", 0, 0, 0, 0)
		case "Contents":
			p.contentsOffset = base + int64(buf.Len())
			buf.WriteByte('<')
			buf.Write(bytes.Repeat([]byte("0"), 2*p.ContentsSize))
			buf.WriteByte('>')
		default:
			if err := p.Dict.Get(key).Write(buf); err != nil {
				return err
			}
		}
	}
	buf.WriteString("\n>>\nendobj\n")
	return nil
}

// WriteWithSignature serializes the update with the placeholder in place,
// fixes up /ByteRange and returns the reservation used to digest and embed.
func (w *IncrementalPdfFileWriter) WriteWithSignature(placeholder *SignaturePlaceholder) (*Reservation, error) {
	if _, ok := w.Objects[placeholder.Ref.ObjectNumber]; !ok {
		return nil, fmt.Errorf("signature object %s is not part of this update", placeholder.Ref)
	}
	buf := filebuffer.New(nil)
	total, err := w.writeUpdate(buf, placeholder)
	if err != nil {
		return nil, err
	}

	holeStart := placeholder.contentsOffset
	holeEnd := holeStart + int64(2*placeholder.ContentsSize) + 2
	byteRange := [4]int64{0, holeStart, holeEnd, int64(total) - holeEnd}
	fixed := fmt.Sprintf("[%010d %010d %010d %010d]", byteRange[0], byteRange[1], byteRange[2], byteRange[3])
	if len(fixed) != byteRangeWidth {
		return nil, fmt.Errorf("byte range %v does not fit fixed width", byteRange)
	}
	if err := patchAt(buf, placeholder.byteRangeOffset, []byte(fixed)); err != nil {
		return nil, err
	}

	return &Reservation{
		buf:          buf,
		ByteRange:    byteRange,
		ContentsSize: placeholder.ContentsSize,
		hexOffset:    holeStart + 1,
	}, nil
}

// Reservation is a serialized revision with an unfilled signature hole.
// It hands out exactly one DigestStream over the bytes outside the hole.
type Reservation struct {
	ByteRange    [4]int64
	ContentsSize int

	mu        sync.Mutex
	buf       *filebuffer.Buffer
	hexOffset int64
	opened    bool
	embedded  bool
}

// DigestStream returns the single stream over the signed byte ranges.
func (r *Reservation) DigestStream() (*DigestStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened {
		return nil, ErrStreamOpened
	}
	r.opened = true
	data := bytes.NewReader(r.buf.Buff.Bytes())
	return &DigestStream{
		src: io.MultiReader(
			io.NewSectionReader(data, r.ByteRange[0], r.ByteRange[1]),
			io.NewSectionReader(data, r.ByteRange[2], r.ByteRange[3]),
		),
		size: r.ByteRange[1] + r.ByteRange[3],
	}, nil
}

// Embed writes signature into the hole as upper-case hex padded with
// zeros and returns the complete file. The reservation is unchanged if the
// signature does not fit.
func (r *Reservation) Embed(signature []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.embedded {
		return nil, ErrAlreadyEmbedded
	}
	if len(signature) > r.ContentsSize {
		return nil, fmt.Errorf("%w: %d bytes, %d reserved", ErrSignatureTooLarge, len(signature), r.ContentsSize)
	}
	encoded := bytes.ToUpper([]byte(hex.EncodeToString(signature)))
	if err := patchAt(r.buf, r.hexOffset, encoded); err != nil {
		return nil, err
	}
	r.embedded = true
	return append([]byte(nil), r.buf.Buff.Bytes()...), nil
}

// patchAt overwrites len(p) bytes of buf at off. filebuffer's Write
// truncates everything after the current index, so placeholders are
// patched through the backing slice instead.
func patchAt(buf *filebuffer.Buffer, off int64, p []byte) error {
	b := buf.Buff.Bytes()
	if off < 0 || off+int64(len(p)) > int64(len(b)) {
		return fmt.Errorf("patch of %d bytes at %d exceeds output of %d bytes", len(p), off, len(b))
	}
	copy(b[off:], p)
	return nil
}

// DigestStream reads the signed byte ranges once, front to back.
type DigestStream struct {
	src       io.Reader
	size      int64
	read      int64
	exhausted bool
	closed    bool
}

// Size returns the total number of bytes the stream yields.
func (s *DigestStream) Size() int64 { return s.size }

func (s *DigestStream) Read(p []byte) (int, error) {
	switch {
	case s.closed:
		return 0, ErrStreamClosed
	case s.exhausted:
		return 0, ErrStreamExhausted
	}
	n, err := s.src.Read(p)
	s.read += int64(n)
	if errors.Is(err, io.EOF) {
		s.exhausted = true
	}
	return n, err
}

// Close releases the stream. Closing before the end is reported as
// ErrStreamIncomplete.
func (s *DigestStream) Close() error {
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	if !s.exhausted && s.read < s.size {
		return ErrStreamIncomplete
	}
	return nil
}
