// Package dss builds and reads the Document Security Store (ISO 32000-2
// 12.8.4.3) that carries long-term validation material.
package dss

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/filters"
	"github.com/Sean-creative/PDF-Timestamping-with-TSA/pdf/generic"
)

// CatalogKey is the catalog entry holding the store.
const CatalogKey = "DSS"

var (
	ErrNoDSS      = errors.New("no DSS found in document")
	ErrInvalidDSS = errors.New("invalid DSS structure")
)

// Collection is an ordered list of DER blobs. A nil Collection is absent and
// its key is omitted; an empty non-nil Collection is written as an empty
// array.
type Collection [][]byte

// Present reports whether the collection is written at all.
func (c Collection) Present() bool { return c != nil }

func (c Collection) clone() Collection {
	if c == nil {
		return nil
	}
	out := make(Collection, len(c))
	for i, b := range c {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// CertificateCollection returns the raw bytes of certs in order. A nil slice
// yields an absent collection.
func CertificateCollection(certs []*x509.Certificate) Collection {
	if certs == nil {
		return nil
	}
	out := make(Collection, len(certs))
	for i, c := range certs {
		out[i] = c.Raw
	}
	return out
}

// Dictionary is the content of a DSS.
type Dictionary struct {
	Certs Collection
	CRLs  Collection
	OCSPs Collection
}

// Build copies the three collections into a new Dictionary.
func Build(certs, crls, ocsps Collection) *Dictionary {
	return &Dictionary{Certs: certs.clone(), CRLs: crls.clone(), OCSPs: ocsps.clone()}
}

// IsEmpty reports whether no collection is present.
func (d *Dictionary) IsEmpty() bool {
	return !d.Certs.Present() && !d.CRLs.Present() && !d.OCSPs.Present()
}

// Summary returns a short description.
func (d *Dictionary) Summary() string {
	return fmt.Sprintf("DSS: %s certs, %s CRLs, %s OCSPs", count(d.Certs), count(d.CRLs), count(d.OCSPs))
}

func count(c Collection) string {
	if !c.Present() {
		return "no"
	}
	return fmt.Sprint(len(c))
}

// Certificates parses the certificate collection.
func (d *Dictionary) Certificates() ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(d.Certs))
	for i, der := range d.Certs {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrInvalidDSS, i, err)
		}
		out = append(out, cert)
	}
	return out, nil
}

// Merge returns a dictionary holding the entries of d followed by the
// entries of other that d lacks. A collection is present if it is present in
// either input.
func (d *Dictionary) Merge(other *Dictionary) *Dictionary {
	if other == nil {
		return Build(d.Certs, d.CRLs, d.OCSPs)
	}
	return &Dictionary{
		Certs: union(d.Certs, other.Certs),
		CRLs:  union(d.CRLs, other.CRLs),
		OCSPs: union(d.OCSPs, other.OCSPs),
	}
}

func union(a, b Collection) Collection {
	if !a.Present() && !b.Present() {
		return nil
	}
	out := a.clone()
	if out == nil {
		out = Collection{}
	}
	for _, blob := range b {
		dup := false
		for _, have := range out {
			if bytes.Equal(have, blob) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, append([]byte(nil), blob...))
		}
	}
	return out
}

// ObjectAdder registers indirect objects in the revision being written.
type ObjectAdder interface {
	AddObject(obj generic.PdfObject) generic.Reference
}

// ToPdfObject converts d into a /Type /DSS dictionary. Every blob becomes an
// unfiltered stream added through add.
func (d *Dictionary) ToPdfObject(add ObjectAdder) *generic.DictionaryObject {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("DSS"))
	for _, entry := range []struct {
		key  string
		blob Collection
	}{
		{"Certs", d.Certs},
		{"OCSPs", d.OCSPs},
		{"CRLs", d.CRLs},
	} {
		if !entry.blob.Present() {
			continue
		}
		refs := make(generic.ArrayObject, 0, len(entry.blob))
		for _, b := range entry.blob {
			refs = append(refs, add.AddObject(generic.NewStream(nil, b)))
		}
		dict.Set(entry.key, refs)
	}
	return dict
}

// Document is the part of an incremental writer Install needs.
type Document interface {
	ObjectAdder
	Resolver
	Root() (*generic.DictionaryObject, error)
}

// Install writes d into the catalog of doc, merging it with a store already
// present. The store is added to the revision doc is building.
func Install(doc Document, d *Dictionary) error {
	root, err := doc.Root()
	if err != nil {
		return err
	}
	if existing := root.Get(CatalogKey); existing != nil {
		prev, err := Parse(existing, doc)
		if err != nil {
			return fmt.Errorf("read existing DSS: %w", err)
		}
		d = prev.Merge(d)
	}
	root.Set(CatalogKey, doc.AddObject(d.ToPdfObject(doc)))
	return nil
}

// Resolver follows indirect references.
type Resolver interface {
	Resolve(obj generic.PdfObject) (generic.PdfObject, error)
}

// Parse reads a DSS dictionary, given directly or by reference.
func Parse(obj generic.PdfObject, r Resolver) (*Dictionary, error) {
	if obj == nil {
		return nil, ErrNoDSS
	}
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	dict, ok := resolved.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrInvalidDSS, resolved)
	}
	out := &Dictionary{}
	for key, dst := range map[string]*Collection{"Certs": &out.Certs, "CRLs": &out.CRLs, "OCSPs": &out.OCSPs} {
		if !dict.Has(key) {
			continue
		}
		c, err := readCollection(dict.Get(key), r)
		if err != nil {
			return nil, fmt.Errorf("%w: /%s: %v", ErrInvalidDSS, key, err)
		}
		*dst = c
	}
	return out, nil
}

func readCollection(obj generic.PdfObject, r Resolver) (Collection, error) {
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	arr, ok := resolved.(generic.ArrayObject)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", resolved)
	}
	out := make(Collection, 0, len(arr))
	for _, item := range arr {
		v, err := r.Resolve(item)
		if err != nil {
			return nil, err
		}
		stream, ok := v.(*generic.StreamObject)
		if !ok {
			return nil, fmt.Errorf("expected stream, got %T", v)
		}
		data, err := filters.Decode(stream)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
