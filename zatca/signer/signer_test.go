package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/go-zatca-client/zatca/invoice"
	"github.com/alapierre/go-zatca-client/zatca/keys"
	"github.com/alapierre/go-zatca-client/zatca/qr"
)

var fixedNow = time.Date(2024, 2, 29, 10, 0, 5, 0, time.UTC)

func fixture(t *testing.T) (*invoice.Document, *keys.PrivateKey, string) {
	t.Helper()
	b, err := os.ReadFile("../invoice/testdata/simplified.xml")
	require.NoError(t, err)
	doc, err := invoice.Parse(b)
	require.NoError(t, err)

	key, err := keys.GenerateKey()
	require.NoError(t, err)
	subject := keys.Name{{Type: []int{2, 5, 4, 3}, Value: "EGS1-886431145"}}
	cert, err := keys.SelfSignedCertificate(key, subject, big.NewInt(42), fixedNow.AddDate(0, -1, 0), fixedNow.AddDate(1, 0, 0))
	require.NoError(t, err)
	return doc, key, cert
}

func TestSign_VerifiesAgainstDigestBytes(t *testing.T) {
	doc, key, _ := fixture(t)
	hash, err := doc.Hash()
	require.NoError(t, err)

	sig, err := Sign(hash, key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(hash)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	assert.True(t, keys.Verify(key.PublicKey(), sum[:], sig))

	_, err = Sign("%%%", key)
	assert.Error(t, err)
}

func TestSignInvoice(t *testing.T) {
	doc, key, cert := fixture(t)
	hash, err := doc.Hash()
	require.NoError(t, err)

	signed, err := SignInvoice(doc, cert, key, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	assert.Equal(t, hash, signed.Hash)
	assert.Equal(t, fixedNow, signed.SigningTime)

	// the embedded document hashes to the signed digest
	rehashed, err := invoice.HashBytes(signed.XML)
	require.NoError(t, err)
	assert.Equal(t, hash, rehashed)

	out := etree.NewDocument()
	require.NoError(t, out.ReadFromBytes(signed.XML))
	root := out.Root()

	first := root.ChildElements()[0]
	assert.Equal(t, "ext:UBLExtensions", first.FullTag())
	assert.Equal(t, signed.Signature, root.FindElement("ext:UBLExtensions//ds:SignatureValue").Text())
	assert.Equal(t, hash, root.FindElement("ext:UBLExtensions//ds:Reference[@Id='invoiceSignedData']/ds:DigestValue").Text())
	assert.Equal(t, "2024-02-29T10:00:05", root.FindElement("ext:UBLExtensions//xades:SigningTime").Text())
	assert.Equal(t, keys.StripPEM(cert), root.FindElement("ext:UBLExtensions//ds:X509Certificate").Text())
	assert.Equal(t, "42", root.FindElement("ext:UBLExtensions//ds:X509SerialNumber").Text())
	assert.Equal(t, "CN=EGS1-886431145", root.FindElement("ext:UBLExtensions//ds:X509IssuerName").Text())
	assert.Len(t, root.FindElements("ext:UBLExtensions//ds:Transform"), 4)

	assert.Equal(t, signed.QR, root.FindElement("cac:AdditionalDocumentReference[cbc:ID='QR']/cac:Attachment/cbc:EmbeddedDocumentBinaryObject").Text())
	assert.Equal(t, InvoiceSignature, root.FindElement("cac:Signature/cbc:ID").Text())

	payload, err := qr.Parse(signed.QR)
	require.NoError(t, err)
	assert.Equal(t, qr.Phase2, payload.Phase)
	assert.Equal(t, doc.Fields.QR(), payload.Fields)
	assert.Equal(t, []byte(hash), payload.Value(qr.TagInvoiceHash))
	assert.Equal(t, []byte(signed.Signature), payload.Value(qr.TagSignature))
	assert.Equal(t, keys.MarshalPublicKey(key.PublicKey()), payload.Value(qr.TagPublicKey))
}

func TestSignInvoice_Deterministic(t *testing.T) {
	doc, key, cert := fixture(t)
	clock := WithClock(func() time.Time { return fixedNow })

	a, err := SignInvoice(doc, cert, key, clock)
	require.NoError(t, err)
	b, err := SignInvoice(doc, cert, key, clock)
	require.NoError(t, err)
	assert.Equal(t, a.XML, b.XML)
}

func TestSignInvoice_ResignReplacesExtension(t *testing.T) {
	doc, key, cert := fixture(t)
	first, err := SignInvoice(doc, cert, key)
	require.NoError(t, err)

	signedDoc, err := invoice.Parse(first.XML)
	require.NoError(t, err)
	second, err := SignInvoice(signedDoc, cert, key)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)

	out := etree.NewDocument()
	require.NoError(t, out.ReadFromBytes(second.XML))
	root := out.Root()
	assert.Len(t, root.SelectElements("ext:UBLExtensions"), 1)
	assert.Len(t, root.FindElements("cac:AdditionalDocumentReference[cbc:ID='QR']"), 1)
	assert.Len(t, root.SelectElements("cac:Signature"), 1)
}

func TestEmbed_HashMismatch(t *testing.T) {
	doc, _, cert := fixture(t)
	info, err := keys.ParseCertificateInfo(cert)
	require.NoError(t, err)

	_, err = Embed(doc, Parts{
		Hash:        base64.StdEncoding.EncodeToString(make([]byte, 32)),
		Signature:   "c2ln",
		QR:          "cXI=",
		Certificate: info,
		SigningTime: fixedNow,
	})
	assert.True(t, errors.Is(err, ErrHashMismatch))
}

func TestEmbed_RequiresParts(t *testing.T) {
	doc, _, _ := fixture(t)
	_, err := Embed(doc, Parts{Hash: "h", Signature: "s", QR: "q"})
	assert.Error(t, err)
}
