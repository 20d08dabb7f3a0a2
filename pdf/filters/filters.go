// Package filters decodes the stream filters needed to read cross-reference
// and object streams.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Params holds the /DecodeParms entries understood by the predictors.
type Params struct {
	Predictor        int
	Colors           int
	BitsPerComponent int
	Columns          int
}

func paramsFrom(dict *generic.DictionaryObject) Params {
	p := Params{Predictor: 1, Colors: 1, BitsPerComponent: 8, Columns: 1}
	if dict == nil {
		return p
	}
	if v, ok := dict.GetInt("Predictor"); ok {
		p.Predictor = int(v)
	}
	if v, ok := dict.GetInt("Colors"); ok {
		p.Colors = int(v)
	}
	if v, ok := dict.GetInt("BitsPerComponent"); ok {
		p.BitsPerComponent = int(v)
	}
	if v, ok := dict.GetInt("Columns"); ok {
		p.Columns = int(v)
	}
	return p
}

// Decode applies the /Filter chain of stream to its raw data.
func Decode(stream *generic.StreamObject) ([]byte, error) {
	var names []string
	var parms []*generic.DictionaryObject
	switch f := stream.Dictionary.Get("Filter").(type) {
	case nil:
		return stream.Data, nil
	case generic.NameObject:
		names = []string{string(f)}
	case generic.ArrayObject:
		for _, item := range f {
			if name, ok := item.(generic.NameObject); ok {
				names = append(names, string(name))
			}
		}
	}
	switch dp := stream.Dictionary.Get("DecodeParms").(type) {
	case *generic.DictionaryObject:
		parms = []*generic.DictionaryObject{dp}
	case generic.ArrayObject:
		for _, item := range dp {
			d, _ := item.(*generic.DictionaryObject)
			parms = append(parms, d)
		}
	}

	data := stream.Data
	for i, name := range names {
		var dp *generic.DictionaryObject
		if i < len(parms) {
			dp = parms[i]
		}
		var err error
		switch name {
		case "FlateDecode", "Fl":
			data, err = FlateDecode(data, paramsFrom(dp))
		case "ASCIIHexDecode", "AHx":
			data, err = asciiHexDecode(data)
		default:
			err = fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// FlateDecode inflates data and reverses any PNG predictor.
func FlateDecode(data []byte, params Params) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if params.Predictor >= 10 {
		bpp := (params.Colors*params.BitsPerComponent + 7) / 8
		rowLen := (params.Columns*params.Colors*params.BitsPerComponent + 7) / 8
		return unpredictPNG(out, rowLen, bpp)
	}
	return out, nil
}

// FlateEncode deflates data without a predictor.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpredictPNG(data []byte, rowLen, bpp int) ([]byte, error) {
	stride := rowLen + 1
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: predictor rows do not divide data", ErrDecodeFailed)
	}
	out := make([]byte, 0, len(data)/stride*rowLen)
	prev := make([]byte, rowLen)
	for off := 0; off < len(data); off += stride {
		kind, row := data[off], data[off+1:off+stride]
		cur := make([]byte, rowLen)
		for j := range row {
			var left, upLeft byte
			if j >= bpp {
				left = cur[j-bpp]
				upLeft = prev[j-bpp]
			}
			up := prev[j]
			switch kind {
			case 0:
				cur[j] = row[j]
			case 1:
				cur[j] = row[j] + left
			case 2:
				cur[j] = row[j] + up
			case 3:
				cur[j] = row[j] + byte((int(left)+int(up))/2)
			case 4:
				cur[j] = row[j] + paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: PNG filter type %d", ErrDecodeFailed, kind)
			}
		}
		out = append(out, cur...)
		prev = cur
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func asciiHexDecode(data []byte) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '>' {
			break
		}
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' || b == '\f' || b == 0 {
			continue
		}
		digits = append(digits, b)
	}
	if len(digits)%2 != 0 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}
