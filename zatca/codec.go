package zatca

import (
	"encoding/base64"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/alapierre/go-zatca-client/zatca/keys"
)

// ====== requests ======

func encodeComplianceCSR(csrPEM []byte) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("csr")
	e.Str(base64.StdEncoding.EncodeToString(csrPEM))
	e.ObjEnd()
	return e.Bytes()
}

func encodeProductionCSID(requestID string) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("compliance_request_id")
	e.Str(requestID)
	e.ObjEnd()
	return e.Bytes()
}

func encodeInvoiceRequest(r InvoiceRequest) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("invoiceHash")
	e.Str(r.InvoiceHash)
	e.FieldStart("uuid")
	e.Str(r.UUID)
	e.FieldStart("invoice")
	e.Str(base64.StdEncoding.EncodeToString(r.Invoice))
	e.ObjEnd()
	return e.Bytes()
}

// ====== responses ======

// optStr reads a string, a number as its text, or null as "".
func optStr(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.Null:
		return "", d.Null()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.String:
		return d.Str()
	default:
		return "", d.Skip()
	}
}

func decodeCertificateResponse(b []byte) (*CertificateRecord, error) {
	var (
		rec   CertificateRecord
		token string
	)
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "binarySecurityToken":
			token, err = optStr(d)
		case "secret":
			rec.Secret, err = optStr(d)
		case "requestID":
			rec.RequestID, err = optStr(d)
		case "dispositionMessage":
			rec.DispositionMessage, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode certificate response")
	}
	if token == "" {
		return nil, errors.New("certificate response has no binarySecurityToken")
	}

	body, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrap(err, "decode binarySecurityToken")
	}
	rec.Certificate = keys.WrapCertificate(string(body))
	return &rec, nil
}

func decodeMessage(d *jx.Decoder, def string) (ValidationMessage, error) {
	m := ValidationMessage{Type: def}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "type":
			m.Type, err = optStr(d)
		case "code":
			m.Code, err = optStr(d)
		case "category":
			m.Category, err = optStr(d)
		case "message":
			m.Message, err = optStr(d)
		case "status":
			m.Status, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return m, err
}

// decodeMessages accepts an array of messages, a single message object or null.
func decodeMessages(d *jx.Decoder, def string) ([]ValidationMessage, error) {
	switch d.Next() {
	case jx.Null:
		return nil, d.Null()
	case jx.Object:
		m, err := decodeMessage(d, def)
		if err != nil {
			return nil, err
		}
		return []ValidationMessage{m}, nil
	case jx.Array:
		var out []ValidationMessage
		err := d.Arr(func(d *jx.Decoder) error {
			m, err := decodeMessage(d, def)
			out = append(out, m)
			return err
		})
		return out, err
	default:
		return nil, d.Skip()
	}
}

func decodeValidationResults(d *jx.Decoder, r *ValidationResult) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "infoMessages":
			r.Info, err = decodeMessages(d, "INFO")
		case "warningMessages":
			r.Warnings, err = decodeMessages(d, "WARNING")
		case "errorMessages":
			r.Errors, err = decodeMessages(d, "ERROR")
		case "status":
			r.Status, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// decodeSubmission reads a compliance, reporting or clearance answer. It also reads
// the plain error bodies of certificate calls ({"errors": [...]} or {"code", "message"}).
// structured is false when the body carries no validation content at all.
func decodeSubmission(b []byte) (res *SubmissionResult, structured bool, err error) {
	res = &SubmissionResult{}
	var top ValidationMessage
	err = jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "validationResults":
			structured = true
			err = decodeValidationResults(d, &res.Validation)
		case "errors":
			structured = true
			var msgs []ValidationMessage
			msgs, err = decodeMessages(d, "ERROR")
			res.Validation.Errors = append(res.Validation.Errors, msgs...)
		case "reportingStatus":
			res.ReportingStatus, err = optStr(d)
		case "clearanceStatus":
			res.ClearanceStatus, err = optStr(d)
		case "clearedInvoice":
			var s string
			s, err = optStr(d)
			if err == nil && s != "" {
				res.ClearedInvoice, err = base64.StdEncoding.DecodeString(s)
			}
		case "code":
			top.Code, err = optStr(d)
		case "message":
			top.Message, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "decode submission response")
	}
	if top.Code != "" {
		structured = true
		top.Type = "ERROR"
		res.Validation.Errors = append(res.Validation.Errors, top)
	}
	return res, structured, nil
}

// decodeErrorText extracts a human readable message from an error body, if any.
func decodeErrorText(b []byte) string {
	var msg, fallback string
	_ = jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "message":
			msg, err = optStr(d)
		case "error":
			fallback, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if msg == "" {
		return fallback
	}
	return msg
}
