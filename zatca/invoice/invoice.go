// Package invoice reads UBL 2.1 tax invoices and computes their canonical hash.
package invoice

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-zatca-client/zatca/qr"
	"github.com/alapierre/go-zatca-client/zatca/tlv"
)

var logger = logrus.WithField("component", "zatca.invoice")

// FirstInvoiceHash is the previous invoice hash of the first invoice a unit issues,
// base64 of the single byte '0'.
const FirstInvoiceHash = "NA=="

var ErrMalformed = errors.New("malformed invoice document")

// MissingFieldError reports required source data absent from the document.
type MissingFieldError struct {
	Field string
	Path  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("invoice: missing %s (%s)", e.Field, e.Path)
}

func (e *MissingFieldError) Unwrap() error { return tlv.ErrEncoding }

// Header holds the identification data of an invoice.
type Header struct {
	SerialNumber        string
	UUID                string
	IssueDate           string
	IssueTime           string
	TypeCode            string
	TypeName            string
	Currency            string
	Counter             uint64
	PreviousInvoiceHash string
}

// Fields are the values printed in the QR code.
type Fields struct {
	SellerName         string
	VATNumber          string
	Timestamp          string
	TaxInclusiveAmount decimal.Decimal
	VATAmount          decimal.Decimal
}

// QR converts the fields to the textual form used by the QR payload.
func (f Fields) QR() qr.Fields {
	return qr.Fields{
		SellerName:   f.SellerName,
		VATNumber:    f.VATNumber,
		Timestamp:    f.Timestamp,
		InvoiceTotal: f.TaxInclusiveAmount.StringFixed(2),
		VATTotal:     f.VATAmount.StringFixed(2),
	}
}

type Line struct {
	ID                  string
	Name                string
	Quantity            decimal.Decimal
	LineExtensionAmount decimal.Decimal
	VATAmount           decimal.Decimal
}

// Document is a parsed invoice. The typed fields are read once by Parse; the XML tree
// is never modified afterwards.
type Document struct {
	Header Header
	Fields Fields
	Lines  []Line

	tree *etree.Document
}

// Paths are relative to the Invoice root and use the standard UBL prefixes.
const (
	pathID           = "cbc:ID"
	pathUUID         = "cbc:UUID"
	pathIssueDate    = "cbc:IssueDate"
	pathIssueTime    = "cbc:IssueTime"
	pathTypeCode     = "cbc:InvoiceTypeCode"
	pathCurrency     = "cbc:DocumentCurrencyCode"
	pathCounter      = "cac:AdditionalDocumentReference[cbc:ID='ICV']/cbc:UUID"
	pathPreviousHash = "cac:AdditionalDocumentReference[cbc:ID='PIH']/cac:Attachment/cbc:EmbeddedDocumentBinaryObject"
	pathSellerName   = "cac:AccountingSupplierParty/cac:Party/cac:PartyLegalEntity/cbc:RegistrationName"
	pathSellerVAT    = "cac:AccountingSupplierParty/cac:Party/cac:PartyTaxScheme/cbc:CompanyID"
	pathTotal        = "cac:LegalMonetaryTotal/cbc:TaxInclusiveAmount"
	pathVATTotal     = "cac:TaxTotal/cbc:TaxAmount"
	pathLines        = "cac:InvoiceLine"
	pathLineQuantity = "cbc:InvoicedQuantity"
	pathLineAmount   = "cbc:LineExtensionAmount"
	pathLineVAT      = "cac:TaxTotal/cbc:TaxAmount"
	pathLineItemName = "cac:Item/cbc:Name"
)

// Parse reads an invoice and extracts the fields used by the signer, the QR builder
// and the hash chain.
func Parse(b []byte) (*Document, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(b); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	root := tree.Root()
	if root == nil || root.Tag != "Invoice" {
		return nil, errors.Wrap(ErrMalformed, "root element is not Invoice")
	}

	r := reader{root: root}
	d := &Document{tree: tree}

	d.Header = Header{
		SerialNumber:        r.text("SerialNumber", pathID),
		UUID:                r.text("UUID", pathUUID),
		IssueDate:           r.text("IssueDate", pathIssueDate),
		IssueTime:           r.text("IssueTime", pathIssueTime),
		TypeCode:            r.text("InvoiceTypeCode", pathTypeCode),
		Currency:            r.optional(pathCurrency),
		PreviousInvoiceHash: r.text("PreviousInvoiceHash", pathPreviousHash),
	}
	if el := root.FindElement(pathTypeCode); el != nil {
		d.Header.TypeName = el.SelectAttrValue("name", "")
	}
	if counter := r.text("Counter", pathCounter); counter != "" && r.err == nil {
		n, err := strconv.ParseUint(counter, 10, 64)
		if err != nil || n == 0 {
			return nil, errors.Wrapf(ErrMalformed, "invoice counter %q is not a positive integer", counter)
		}
		d.Header.Counter = n
	}
	if r.err == nil {
		if _, err := uuid.Parse(d.Header.UUID); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "invoice uuid %q: %s", d.Header.UUID, err)
		}
	}

	d.Fields = Fields{
		SellerName:         r.text("SellerName", pathSellerName),
		VATNumber:          r.text("VATNumber", pathSellerVAT),
		TaxInclusiveAmount: r.amount("TaxInclusiveAmount", pathTotal),
		VATAmount:          r.amount("VATAmount", pathVATTotal),
	}
	d.Fields.Timestamp = d.Header.IssueDate + "T" + d.Header.IssueTime

	for i, el := range root.SelectElements(pathLines) {
		lr := reader{root: el, prefix: fmt.Sprintf("%s[%d]/", pathLines, i+1)}
		d.Lines = append(d.Lines, Line{
			ID:                  lr.text("LineID", pathID),
			Name:                lr.optional(pathLineItemName),
			Quantity:            lr.amount("InvoicedQuantity", pathLineQuantity),
			LineExtensionAmount: lr.amount("LineExtensionAmount", pathLineAmount),
			VATAmount:           lr.amount("LineVATAmount", pathLineVAT),
		})
		if lr.err != nil && r.err == nil {
			r.err = lr.err
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	logger.Debugf("parsed invoice %s (counter %d, %d lines)", d.Header.SerialNumber, d.Header.Counter, len(d.Lines))
	return d, nil
}

// IsFirst reports whether the document carries the first invoice sentinel.
func (d *Document) IsFirst() bool {
	return d.Header.PreviousInvoiceHash == FirstInvoiceHash
}

// Simplified reports whether the invoice is a B2C simplified tax invoice, the kind that
// is reported after issue instead of cleared before it.
func (d *Document) Simplified() bool {
	return strings.HasPrefix(d.Header.TypeName, "02")
}

// Tree returns a deep copy of the XML tree.
func (d *Document) Tree() *etree.Document {
	return d.tree.Copy()
}

// Bytes serializes the document.
func (d *Document) Bytes() ([]byte, error) {
	return d.tree.WriteToBytes()
}

// reader keeps the first error so Parse reports every lookup in one pass.
type reader struct {
	root   *etree.Element
	prefix string
	err    error
}

func (r *reader) optional(path string) string {
	if el := r.root.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func (r *reader) text(field, path string) string {
	v := r.optional(path)
	if v == "" && r.err == nil {
		r.err = &MissingFieldError{Field: field, Path: r.prefix + path}
	}
	return v
}

func (r *reader) amount(field, path string) decimal.Decimal {
	v := r.text(field, path)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil && r.err == nil {
		r.err = errors.Wrapf(ErrMalformed, "%s: %q is not a number", field, v)
	}
	return d
}
