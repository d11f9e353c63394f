// Package signer signs invoices with the unit key and embeds the XAdES signature,
// the signing certificate and the phase 2 QR code into the document.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-zatca-client/zatca/invoice"
	"github.com/alapierre/go-zatca-client/zatca/keys"
	"github.com/alapierre/go-zatca-client/zatca/qr"
)

var logger = logrus.WithField("component", "zatca.signer")

// ErrHashMismatch means the embedded document no longer hashes to the signed digest.
var ErrHashMismatch = errors.New("signed document hash differs from signed digest")

// Parts are the values written into the signature extension.
type Parts struct {
	Hash        string // invoice digest, base64
	Signature   string // ECDSA signature, base64
	QR          string
	Certificate *keys.CertificateInfo
	SigningTime time.Time
}

// SignedInvoice is the result of SignInvoice.
type SignedInvoice struct {
	XML         []byte
	Hash        string
	QR          string
	Signature   string
	SigningTime time.Time
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock sets the source of the signing time.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Sign returns the DER signature of SHA-256 over the decoded digest bytes.
func Sign(digest string, key crypto.Signer) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(digest)
	if err != nil {
		return nil, errors.Wrap(err, "decode invoice digest")
	}
	sum := sha256.Sum256(raw)
	sig, err := key.Sign(rand.Reader, sum[:], crypto.SHA256)
	if err != nil {
		return nil, errors.Wrap(err, "sign invoice digest")
	}
	return sig, nil
}

// Embed returns the document with the signature extension, the QR reference and the
// signature reference set. The document itself is not modified.
func Embed(doc *invoice.Document, p Parts) ([]byte, error) {
	if p.Certificate == nil {
		return nil, errors.New("signing certificate is required")
	}
	if p.Hash == "" || p.Signature == "" || p.QR == "" {
		return nil, errors.New("hash, signature and qr are required")
	}

	signedProps := signedPropertiesXML(p.SigningTime, p.Certificate)
	propsDigest, err := signedPropertiesDigest(signedProps)
	if err != nil {
		return nil, err
	}

	ext := etree.NewDocument()
	if err := ext.ReadFromString(extensionsXML(p, signedProps, propsDigest)); err != nil {
		return nil, errors.Wrap(err, "parse signature extension")
	}

	tree := doc.Tree()
	root := tree.Root()
	for _, old := range root.SelectElements("ext:UBLExtensions") {
		root.RemoveChild(old)
	}
	root.InsertChildAt(0, ext.Root())

	setQR(root, p.QR)
	ensureSignatureReference(root)

	got, err := invoice.Hash(tree)
	if err != nil {
		return nil, err
	}
	if got != p.Hash {
		return nil, errors.Wrapf(ErrHashMismatch, "signed %s, embedded %s", p.Hash, got)
	}

	return tree.WriteToBytes()
}

// setQR fills the QR reference, creating it after the previous invoice hash reference.
func setQR(root *etree.Element, payload string) {
	if el := root.FindElement("cac:AdditionalDocumentReference[cbc:ID='QR']/cac:Attachment/cbc:EmbeddedDocumentBinaryObject"); el != nil {
		el.SetText(payload)
		return
	}

	ref := etree.NewElement("cac:AdditionalDocumentReference")
	ref.CreateElement("cbc:ID").SetText("QR")
	obj := ref.CreateElement("cac:Attachment").CreateElement("cbc:EmbeddedDocumentBinaryObject")
	obj.CreateAttr("mimeCode", "text/plain")
	obj.SetText(payload)

	root.InsertChildAt(insertAfter(root, "cac:AdditionalDocumentReference"), ref)
}

func ensureSignatureReference(root *etree.Element) {
	if root.SelectElement("cac:Signature") != nil {
		return
	}
	sig := etree.NewElement("cac:Signature")
	sig.CreateElement("cbc:ID").SetText(InvoiceSignature)
	sig.CreateElement("cbc:SignatureMethod").SetText(ExtensionURI)

	root.InsertChildAt(insertAfter(root, "cac:AdditionalDocumentReference"), sig)
}

// insertAfter returns the child index following the last element with tag.
func insertAfter(root *etree.Element, tag string) int {
	refs := root.SelectElements(tag)
	if len(refs) == 0 {
		return len(root.Child)
	}
	return refs[len(refs)-1].Index() + 1
}

// SignInvoice hashes, signs and embeds doc using the certificate and key of the unit.
func SignInvoice(doc *invoice.Document, certPEM string, key crypto.Signer, opts ...Option) (*SignedInvoice, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cert, err := keys.ParseCertificateInfo(certPEM)
	if err != nil {
		return nil, errors.Wrap(err, "parse signing certificate")
	}

	hash, err := doc.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	payload, err := qr.BuildPhase2(doc.Fields.QR(), hash, sigB64, cert.PublicKey, cert.Signature)
	if err != nil {
		return nil, err
	}

	signingTime := o.now().UTC().Truncate(time.Second)
	out, err := Embed(doc, Parts{
		Hash:        hash,
		Signature:   sigB64,
		QR:          payload,
		Certificate: cert,
		SigningTime: signingTime,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"invoice": doc.Header.SerialNumber,
		"counter": doc.Header.Counter,
	}).Debug("invoice signed")

	return &SignedInvoice{
		XML:         out,
		Hash:        hash,
		QR:          payload,
		Signature:   sigB64,
		SigningTime: signingTime,
	}, nil
}
