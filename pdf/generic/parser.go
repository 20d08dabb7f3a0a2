package generic

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnexpectedEOF     = errors.New("unexpected end of data")
	ErrInvalidObject     = errors.New("invalid PDF object")
	ErrInvalidDictionary = errors.New("invalid PDF dictionary")
	ErrInvalidArray      = errors.New("invalid PDF array")
	ErrInvalidString     = errors.New("invalid PDF string")
	ErrInvalidName       = errors.New("invalid PDF name")
	ErrInvalidNumber     = errors.New("invalid PDF number")
)

// Parser reads PDF objects from an in-memory buffer.
type Parser struct {
	data []byte
	pos  int
	// Resolve, when set, is used to look up indirect /Length values of
	// streams.
	Resolve func(Reference) (PdfObject, error)
}

// NewParserFromBytes creates a parser positioned at the start of data.
func NewParserFromBytes(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the current read offset.
func (p *Parser) Pos() int { return p.pos }

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', 0, '\f':
		return true
	}
	return false
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (p *Parser) eof() bool { return p.pos >= len(p.data) }

func (p *Parser) peek() (byte, error) {
	if p.eof() {
		return 0, ErrUnexpectedEOF
	}
	return p.data[p.pos], nil
}

func (p *Parser) next() (byte, error) {
	b, err := p.peek()
	if err == nil {
		p.pos++
	}
	return b, err
}

// skipSpace skips whitespace and comments.
func (p *Parser) skipSpace() {
	for !p.eof() {
		b := p.data[p.pos]
		switch {
		case isWhitespace(b):
			p.pos++
		case b == '%':
			for !p.eof() && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
		default:
			return
		}
	}
}

// token reads a run of regular characters.
func (p *Parser) token() string {
	p.skipSpace()
	start := p.pos
	for !p.eof() && !isWhitespace(p.data[p.pos]) && !isDelimiter(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ParseObject parses a direct object. Integers followed by "g R" are
// returned as references.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.skipSpace()
	b, err := p.peek()
	if err != nil {
		return nil, err
	}
	switch {
	case b == '(':
		return p.parseLiteralString()
	case b == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			p.pos += 2
			return p.parseDictionary()
		}
		return p.parseHexString()
	case b == '[':
		return p.parseArray()
	case b == '/':
		return p.parseName()
	case b == '-' || b == '+' || b == '.' || (b >= '0' && b <= '9'):
		return p.parseNumberOrReference()
	}
	switch tok := p.token(); tok {
	case "true":
		return BooleanObject(true), nil
	case "false":
		return BooleanObject(false), nil
	case "null":
		return NullObject{}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %q at offset %d", ErrInvalidObject, tok, p.pos)
	}
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	p.pos++ // (
	var buf bytes.Buffer
	depth := 1
	for {
		b, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated string", ErrInvalidString)
		}
		switch b {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: buf.Bytes()}, nil
			}
		case '\\':
			esc, err := p.next()
			if err != nil {
				return nil, fmt.Errorf("%w: unterminated escape", ErrInvalidString)
			}
			switch esc {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if c, err := p.peek(); err == nil && c == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if esc >= '0' && esc <= '7' {
					val := int(esc - '0')
					for i := 0; i < 2; i++ {
						c, err := p.peek()
						if err != nil || c < '0' || c > '7' {
							break
						}
						p.pos++
						val = val*8 + int(c-'0')
					}
					buf.WriteByte(byte(val))
				} else {
					buf.WriteByte(esc)
				}
			}
			continue
		}
		buf.WriteByte(b)
	}
}

func (p *Parser) parseHexString() (*StringObject, error) {
	p.pos++ // <
	end := bytes.IndexByte(p.data[p.pos:], '>')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
	}
	digits := make([]byte, 0, end)
	for _, b := range p.data[p.pos : p.pos+end] {
		if !isWhitespace(b) {
			digits = append(digits, b)
		}
	}
	p.pos += end + 1
	if len(digits)%2 != 0 {
		digits = append(digits, '0')
	}
	value := make([]byte, len(digits)/2)
	if _, err := hex.Decode(value, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}
	return &StringObject{Value: value, IsHex: true}, nil
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	dict := NewDictionary()
	for {
		p.skipSpace()
		b, err := p.peek()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrInvalidDictionary)
		}
		if b == '>' {
			if p.pos+1 >= len(p.data) || p.data[p.pos+1] != '>' {
				return nil, fmt.Errorf("%w: expected '>>'", ErrInvalidDictionary)
			}
			p.pos += 2
			return dict, nil
		}
		key, err := p.parseName()
		if err != nil {
			return nil, fmt.Errorf("%w: key: %v", ErrInvalidDictionary, err)
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: value for /%s: %v", ErrInvalidDictionary, key, err)
		}
		dict.Set(string(key), value)
	}
}

func (p *Parser) parseArray() (ArrayObject, error) {
	p.pos++ // [
	arr := ArrayObject{}
	for {
		p.skipSpace()
		b, err := p.peek()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidArray)
		}
		if b == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArray, err)
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) parseName() (NameObject, error) {
	p.skipSpace()
	if b, err := p.next(); err != nil || b != '/' {
		return "", ErrInvalidName
	}
	var buf bytes.Buffer
	for !p.eof() {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
		if b == '#' && p.pos+2 <= len(p.data) {
			v, err := strconv.ParseUint(string(p.data[p.pos:p.pos+2]), 16, 8)
			if err != nil {
				return "", fmt.Errorf("%w: bad escape", ErrInvalidName)
			}
			buf.WriteByte(byte(v))
			p.pos += 2
			continue
		}
		buf.WriteByte(b)
	}
	return NameObject(buf.String()), nil
}

func (p *Parser) parseNumber() (PdfObject, error) {
	start := p.pos
	isReal := false
	for !p.eof() {
		b := p.data[p.pos]
		if b == '.' {
			isReal = true
		} else if !(b >= '0' && b <= '9') && !((b == '-' || b == '+') && p.pos == start) {
			break
		}
		p.pos++
	}
	s := string(p.data[start:p.pos])
	if isReal {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
		}
		return RealObject(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return IntegerObject(v), nil
}

func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	first, err := p.parseNumber()
	if err != nil {
		return nil, err
	}
	objNum, ok := first.(IntegerObject)
	if !ok || objNum < 0 {
		return first, nil
	}
	mark := p.pos
	p.skipSpace()
	if b, err := p.peek(); err != nil || b < '0' || b > '9' {
		p.pos = mark
		return first, nil
	}
	second, err := p.parseNumber()
	gen, isInt := second.(IntegerObject)
	if err != nil || !isInt {
		p.pos = mark
		return first, nil
	}
	p.skipSpace()
	if b, err := p.peek(); err == nil && b == 'R' {
		p.pos++
		return Reference{ObjectNumber: int(objNum), GenerationNumber: int(gen)}, nil
	}
	p.pos = mark
	return first, nil
}

// ParseIndirectObject parses "n g obj <object> endobj", including a
// trailing stream payload.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	p.skipSpace()
	num, err := p.parseNumber()
	objNum, ok := num.(IntegerObject)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: bad object number", ErrInvalidObject)
	}
	p.skipSpace()
	gen, err := p.parseNumber()
	genNum, ok := gen.(IntegerObject)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: bad generation number", ErrInvalidObject)
	}
	if tok := p.token(); tok != "obj" {
		return nil, fmt.Errorf("%w: expected 'obj', got %q", ErrInvalidObject, tok)
	}
	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}
	if dict, ok := obj.(*DictionaryObject); ok {
		mark := p.pos
		if p.token() == "stream" {
			stream, err := p.readStreamBody(dict)
			if err != nil {
				return nil, err
			}
			obj = stream
		} else {
			p.pos = mark
		}
	}
	// Some producers omit endobj.
	mark := p.pos
	if p.token() != "endobj" {
		p.pos = mark
	}
	return NewIndirectObject(int(objNum), int(genNum), obj), nil
}

func (p *Parser) readStreamBody(dict *DictionaryObject) (*StreamObject, error) {
	if !p.eof() && p.data[p.pos] == '\r' {
		p.pos++
	}
	if !p.eof() && p.data[p.pos] == '\n' {
		p.pos++
	}
	length := -1
	switch l := dict.Get("Length").(type) {
	case IntegerObject:
		length = int(l)
	case Reference:
		if p.Resolve != nil {
			if v, err := p.Resolve(l); err == nil {
				if n, ok := v.(IntegerObject); ok {
					length = int(n)
				}
			}
		}
	}
	if length < 0 || p.pos+length > len(p.data) {
		// Fall back to scanning for the keyword.
		end := bytes.Index(p.data[p.pos:], []byte("endstream"))
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated stream", ErrInvalidObject)
		}
		length = trimmedLen(p.data[p.pos : p.pos+end])
	}
	data := p.data[p.pos : p.pos+length]
	p.pos += length
	if tok := p.token(); tok != "endstream" {
		return nil, fmt.Errorf("%w: expected 'endstream', got %q", ErrInvalidObject, tok)
	}
	return &StreamObject{Dictionary: dict, Data: data}, nil
}

func trimmedLen(b []byte) int {
	return len(bytes.TrimRight(b, "\r\n"))
}
