// Package qr builds the base64 TLV payload printed on simplified tax invoices.
//
// Phase 1 carries five seller/amount tags. Phase 2 adds the invoice hash, the ECDSA
// signature, the signer's public key and the signature of the signing certificate.
// Verifiers tell the phases apart by tag count only.
package qr

import (
	"encoding/base64"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-zatca-client/zatca/tlv"
)

var logger = logrus.WithField("component", "zatca.qr")

// Tag numbers of the payload entries.
const (
	TagSellerName           byte = 1
	TagVATNumber            byte = 2
	TagTimestamp            byte = 3
	TagInvoiceTotal         byte = 4
	TagVATTotal             byte = 5
	TagInvoiceHash          byte = 6
	TagSignature            byte = 7
	TagPublicKey            byte = 8
	TagCertificateSignature byte = 9
)

type Phase int

const (
	Phase1 Phase = 1
	Phase2 Phase = 2
)

// MissingFieldError means a required payload field was empty. It matches tlv.ErrEncoding.
type MissingFieldError struct {
	Field string
	Tag   byte
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("qr: missing required field %s (tag %d)", e.Field, e.Tag)
}

func (e *MissingFieldError) Unwrap() error { return tlv.ErrEncoding }

// Fields are the invoice values shared by both phases, already in their textual form.
type Fields struct {
	SellerName   string
	VATNumber    string
	Timestamp    string // {date}T{time}
	InvoiceTotal string
	VATTotal     string
}

// Validate reports the first empty field.
func (f Fields) Validate() error {
	for _, c := range []struct {
		name  string
		tag   byte
		value string
	}{
		{"SellerName", TagSellerName, f.SellerName},
		{"VATNumber", TagVATNumber, f.VATNumber},
		{"Timestamp", TagTimestamp, f.Timestamp},
		{"InvoiceTotal", TagInvoiceTotal, f.InvoiceTotal},
		{"VATTotal", TagVATTotal, f.VATTotal},
	} {
		if c.value == "" {
			return &MissingFieldError{Field: c.name, Tag: c.tag}
		}
	}
	return nil
}

func (f Fields) entries() []tlv.Entry {
	return []tlv.Entry{
		{Tag: TagSellerName, Value: []byte(f.SellerName)},
		{Tag: TagVATNumber, Value: []byte(f.VATNumber)},
		{Tag: TagTimestamp, Value: []byte(f.Timestamp)},
		{Tag: TagInvoiceTotal, Value: []byte(f.InvoiceTotal)},
		{Tag: TagVATTotal, Value: []byte(f.VATTotal)},
	}
}

// ====== Phase 1 ======

// BuildPhase1 returns the five tag payload.
func BuildPhase1(f Fields) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	return encode(f.entries())
}

// ====== Phase 2 ======

// BuildPhase2 returns the nine tag payload. digest and signature are the base64 texts
// produced by the signer, publicKey is the DER SubjectPublicKeyInfo of the signing
// certificate and certSignature its signature bits.
func BuildPhase2(f Fields, digest, signature string, publicKey, certSignature []byte) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	switch {
	case digest == "":
		return "", &MissingFieldError{Field: "InvoiceHash", Tag: TagInvoiceHash}
	case signature == "":
		return "", &MissingFieldError{Field: "Signature", Tag: TagSignature}
	case len(publicKey) == 0:
		return "", &MissingFieldError{Field: "PublicKey", Tag: TagPublicKey}
	case len(certSignature) == 0:
		return "", &MissingFieldError{Field: "CertificateSignature", Tag: TagCertificateSignature}
	}

	entries := append(f.entries(),
		tlv.Entry{Tag: TagInvoiceHash, Value: []byte(digest)},
		tlv.Entry{Tag: TagSignature, Value: []byte(signature)},
		tlv.Entry{Tag: TagPublicKey, Value: publicKey},
		tlv.Entry{Tag: TagCertificateSignature, Value: certSignature},
	)
	return encode(entries)
}

func encode(entries []tlv.Entry) (string, error) {
	buf, err := tlv.Encode(entries)
	if err != nil {
		return "", err
	}
	logger.Debugf("qr payload: %d tags, %d bytes", len(entries), len(buf))
	return base64.StdEncoding.EncodeToString(buf), nil
}

// ====== Inspection ======

// Payload is a decoded QR string.
type Payload struct {
	Phase   Phase
	Fields  Fields
	Entries []tlv.Entry
}

// Value returns the raw value of tag.
func (p *Payload) Value(tag byte) []byte {
	v, _ := tlv.Find(p.Entries, tag)
	return v
}

// Parse decodes a payload and checks it carries tags 1..5 or 1..9 in ascending order.
func Parse(payload string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode qr base64")
	}
	entries, err := tlv.Decode(raw)
	if err != nil {
		return nil, err
	}

	var phase Phase
	switch len(entries) {
	case 5:
		phase = Phase1
	case 9:
		phase = Phase2
	default:
		return nil, errors.Errorf("qr: unexpected tag count %d", len(entries))
	}
	for i, e := range entries {
		if e.Tag != byte(i+1) {
			return nil, errors.Errorf("qr: tag %d at position %d", e.Tag, i)
		}
	}

	return &Payload{
		Phase:   phase,
		Entries: entries,
		Fields: Fields{
			SellerName:   string(entries[0].Value),
			VATNumber:    string(entries[1].Value),
			Timestamp:    string(entries[2].Value),
			InvoiceTotal: string(entries[3].Value),
			VATTotal:     string(entries[4].Value),
		},
	}, nil
}
