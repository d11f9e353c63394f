package zatca

// CertificateRecord is a certificate issued by the authority with the secret paired
// with it and the id of the issuing request.
type CertificateRecord struct {
	Certificate        string // PEM
	Secret             string
	RequestID          string
	DispositionMessage string
}

// InvoiceRequest is the body of compliance, reporting and clearance calls.
type InvoiceRequest struct {
	InvoiceHash string
	UUID        string
	Invoice     []byte // signed XML, sent base64 encoded
}

type ValidationMessage struct {
	Type     string
	Code     string
	Category string
	Message  string
	Status   string
}

type ValidationResult struct {
	Info     []ValidationMessage
	Warnings []ValidationMessage
	Errors   []ValidationMessage
	Status   string
}

func (r *ValidationResult) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

func (r *ValidationResult) HasWarnings() bool {
	return r != nil && len(r.Warnings) > 0
}

// SubmissionResult is the answer to compliance, reporting and clearance calls.
type SubmissionResult struct {
	Validation      ValidationResult
	ReportingStatus string
	ClearanceStatus string
	// ClearedInvoice is the invoice stamped by the authority, set by clearance only.
	ClearedInvoice []byte
}
