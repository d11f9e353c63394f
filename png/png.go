// Package png renders invoice QR payloads as images for printed invoices.
package png

import (
	"os"

	"github.com/go-faster/errors"
	"github.com/skip2/go-qrcode"

	"github.com/alapierre/go-zatca-client/zatca/qr"
)

const DefaultSize = 300

// Qr renders content as a PNG QR code of size pixels, DefaultSize when size is 0.
func Qr(content string, size int) ([]byte, error) {
	if size == 0 {
		size = DefaultSize
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}

// InvoiceQR checks that payload is a phase 1 or phase 2 invoice payload and renders it.
func InvoiceQR(payload string, size int) ([]byte, error) {
	if _, err := qr.Parse(payload); err != nil {
		return nil, errors.Wrap(err, "invoice qr payload")
	}
	return Qr(payload, size)
}

func WriteInvoiceQR(path, payload string, size int) error {
	data, err := InvoiceQR(payload, size)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write qr image")
	}
	return nil
}
