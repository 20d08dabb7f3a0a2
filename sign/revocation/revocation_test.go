package revocation

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sean-creative/PDF-Timestamping-with-TSA/internal/testpki"
)

func TestArchiveLookup(t *testing.T) {
	h := testpki.NewHierarchy(t, "Revocation", testpki.Options{})
	other := testpki.NewHierarchy(t, "Other", testpki.Options{})

	a := NewArchive()
	crl := testpki.CRL(t, h.Intermediate)
	require.NoError(t, a.AddCRL(crl))
	require.NoError(t, a.AddCRL(crl), "duplicates are ignored")
	require.NoError(t, a.AddCRL(testpki.CRL(t, other.Intermediate)))
	resp := testpki.OCSP(t, h.Leaf.Cert, h.Intermediate)
	require.NoError(t, a.AddOCSP(resp))

	crls, ocsps := a.Len()
	assert.Equal(t, 2, crls)
	assert.Equal(t, 1, ocsps)

	info, err := a.Lookup(h.Leaf.Cert, h.Intermediate.Cert)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{crl}, info.CRLs)
	assert.Equal(t, [][]byte{resp}, info.OCSPs)

	info, err = a.Lookup(h.Intermediate.Cert, h.Root.Cert)
	require.NoError(t, err)
	assert.Empty(t, info.CRLs)
	assert.Empty(t, info.OCSPs)
}

func TestArchiveSkipsBadSignatures(t *testing.T) {
	h := testpki.NewHierarchy(t, "Forged", testpki.Options{})
	impostor := testpki.Issue(t, "Forged Intermediate CA", &h.Root, true, testpki.Options{})

	a := NewArchive()
	require.NoError(t, a.AddCRL(testpki.CRL(t, impostor)))
	require.NoError(t, a.AddOCSP(testpki.OCSP(t, h.Leaf.Cert, impostor)))

	info, err := a.Lookup(h.Leaf.Cert, h.Intermediate.Cert)
	require.NoError(t, err)
	assert.Empty(t, info.CRLs)
	assert.Empty(t, info.OCSPs)
}

func TestAddRejectsGarbage(t *testing.T) {
	a := NewArchive()
	assert.ErrorIs(t, a.AddCRL([]byte("nope")), ErrInvalidCRL)
	assert.ErrorIs(t, a.AddOCSP([]byte("nope")), ErrInvalidOCSP)
}

func TestLoadFiles(t *testing.T) {
	h := testpki.NewHierarchy(t, "Files", testpki.Options{})
	dir := t.TempDir()
	crlPath := filepath.Join(dir, "ca.crl")
	ocspPath := filepath.Join(dir, "leaf.ocsp")
	crl := testpki.CRL(t, h.Intermediate)
	pemCRL := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl})
	require.NoError(t, os.WriteFile(crlPath, pemCRL, 0o600))
	require.NoError(t, os.WriteFile(ocspPath, testpki.OCSP(t, h.Leaf.Cert, h.Intermediate), 0o600))

	a, err := LoadFiles([]string{crlPath}, []string{ocspPath})
	require.NoError(t, err)
	info, err := a.Lookup(h.Leaf.Cert, h.Intermediate.Cert)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{crl}, info.CRLs)
	assert.Len(t, info.OCSPs, 1)

	_, err = LoadFiles([]string{filepath.Join(dir, "missing.crl")}, nil)
	assert.Error(t, err)
	_, err = LoadFiles(nil, []string{crlPath})
	assert.ErrorIs(t, err, ErrInvalidOCSP)
}

func TestCollect(t *testing.T) {
	h := testpki.NewHierarchy(t, "Collect", testpki.Options{})
	a := NewArchive()
	require.NoError(t, a.AddCRL(testpki.CRL(t, h.Intermediate)))
	require.NoError(t, a.AddCRL(testpki.CRL(t, h.Root)))
	require.NoError(t, a.AddOCSP(testpki.OCSP(t, h.Leaf.Cert, h.Intermediate)))

	crls, ocsps, err := Collect(a, h.Chain())
	require.NoError(t, err)
	assert.Len(t, crls, 2)
	assert.Len(t, ocsps, 1)

	crls, ocsps, err = Collect(nil, h.Chain())
	require.NoError(t, err)
	assert.Nil(t, crls)
	assert.Nil(t, ocsps)

	crls, ocsps, err = Collect(NewArchive(), []*x509.Certificate{h.Leaf.Cert})
	require.NoError(t, err)
	assert.Nil(t, crls)
	assert.Nil(t, ocsps)
}

func TestCollectCRLsOnly(t *testing.T) {
	h := testpki.NewHierarchy(t, "Collect CRL", testpki.Options{})
	a := NewArchive()
	require.NoError(t, a.AddCRL(testpki.CRL(t, h.Intermediate)))

	crls, ocsps, err := Collect(a, h.Chain())
	require.NoError(t, err)
	assert.Len(t, crls, 1)
	assert.Nil(t, ocsps)
}
