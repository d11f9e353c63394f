package zatca

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/alapierre/go-zatca-client/zatca/util"
)

const (
	DefaultAPIVersion = "V2"
	DefaultLanguage   = "en"

	maxResponseBody = 10 << 20
)

const (
	pathCompliance         = "/compliance"
	pathComplianceInvoices = "/compliance/invoices"
	pathProductionCSIDs    = "/production/csids"
	pathReporting          = "/invoices/reporting/single"
	pathClearance          = "/invoices/clearance/single"
)

// Client talks to one environment. It holds no state besides its configuration and
// is safe for concurrent use.
type Client struct {
	env           Environment
	baseURL       string
	httpClient    *http.Client
	apiVersion    string
	authorization string
	limiter       *rate.Limiter
	log           logrus.FieldLogger
}

type ClientOption func(*Client)

// WithCredentials authenticates calls with a certificate and its secret. Without
// credentials only compliance certificate issuance can succeed.
func WithCredentials(certificate, secret string) ClientOption {
	return func(c *Client) {
		if certificate == "" || secret == "" {
			c.authorization = ""
			return
		}
		c.authorization = AuthorizationHeader(certificate, secret)
	}
}

func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithAPIVersion(v string) ClientOption {
	return func(c *Client) { c.apiVersion = v }
}

// WithRateLimiter makes every call wait for l. Clients derived with With share it.
func WithRateLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithBaseURL overrides the environment URL, e.g. for a proxy or a test server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func NewClient(env Environment, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		env:        env,
		baseURL:    env.BaseURL(),
		httpClient: httpClient,
		apiVersion: DefaultAPIVersion,
		log:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Environment() Environment { return c.env }

// With returns a copy of the client with opts applied.
func (c *Client) With(opts ...ClientOption) *Client {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// ====== compliance ======

// IssueComplianceCertificate exchanges a CSR and a one time password from the portal
// for a compliance certificate.
func (c *Client) IssueComplianceCertificate(ctx context.Context, csrPEM []byte, otp string) (*CertificateRecord, error) {
	const op = "issue compliance certificate"
	if otp == "" {
		return nil, &SequenceError{Op: op, Reason: "no otp, request one in the taxpayer portal"}
	}
	headers := map[string]string{"OTP": otp}
	res, err := c.post(ctx, op, pathCompliance, headers, encodeComplianceCSR(csrPEM), false)
	if err != nil {
		return nil, err
	}
	rec, err := c.certificateResult(op, res)
	return rec, otpRejection(err)
}

// otpRejection turns a validation error about the OTP into an authentication error.
func otpRejection(err error) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	for _, m := range ve.Result.Errors {
		if strings.Contains(strings.ToUpper(m.Code), "OTP") {
			return &AuthenticationError{Response: ve.Response, Message: m.Message}
		}
	}
	return err
}

// CheckCompliance submits a signed sample invoice. The check has no side effects on
// the unit; warnings are returned in the result, errors also as *ValidationError.
func (c *Client) CheckCompliance(ctx context.Context, r InvoiceRequest) (*SubmissionResult, error) {
	const op = "check compliance"
	res, err := c.post(ctx, op, pathComplianceInvoices, nil, encodeInvoiceRequest(r), true)
	if err != nil {
		return nil, err
	}
	return c.submissionResult(op, res)
}

// ====== production ======

// IssueProductionCertificate exchanges the request id of a compliance certificate for
// a production certificate. The client must carry the compliance credentials.
func (c *Client) IssueProductionCertificate(ctx context.Context, complianceRequestID string) (*CertificateRecord, error) {
	const op = "issue production certificate"
	if complianceRequestID == "" {
		return nil, &SequenceError{Op: op, Reason: "no compliance request id, issue a compliance certificate first"}
	}
	res, err := c.post(ctx, op, pathProductionCSIDs, nil, encodeProductionCSID(complianceRequestID), true)
	if err != nil {
		return nil, err
	}
	return c.certificateResult(op, res)
}

// ReportInvoice reports a simplified invoice after it was issued.
func (c *Client) ReportInvoice(ctx context.Context, r InvoiceRequest) (*SubmissionResult, error) {
	const op = "report invoice"
	res, err := c.post(ctx, op, pathReporting, map[string]string{"Clearance-Status": "0"}, encodeInvoiceRequest(r), true)
	if err != nil {
		return nil, err
	}
	return c.submissionResult(op, res)
}

// ClearInvoice submits a standard invoice for clearance before it is shared with the buyer.
func (c *Client) ClearInvoice(ctx context.Context, r InvoiceRequest) (*SubmissionResult, error) {
	const op = "clear invoice"
	res, err := c.post(ctx, op, pathClearance, map[string]string{"Clearance-Status": "1"}, encodeInvoiceRequest(r), true)
	if err != nil {
		return nil, err
	}
	return c.submissionResult(op, res)
}

// ====== transport ======

func (c *Client) post(ctx context.Context, op, path string, headers map[string]string, body []byte, auth bool) (*Response, error) {
	if auth && c.authorization == "" {
		return nil, errors.Wrap(ErrNoCredential, op)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: errors.Wrap(err, "rate limit")}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	lang, ok := LanguageFromContext(ctx)
	if !ok {
		lang = DefaultLanguage
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Version", c.apiVersion)
	req.Header.Set("Accept-Language", lang)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if auth {
		req.Header.Set("Authorization", c.authorization)
	}

	trace := util.HTTPTrace.Enabled()
	if trace {
		c.log.WithFields(logrus.Fields{"op": op, "url": req.URL.String()}).Debugf("request: %s", body)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: b}
	if err != nil {
		return nil, &TransportError{Response: *res, Op: op, Err: errors.Wrap(err, "read response body")}
	}

	if trace {
		c.log.WithFields(logrus.Fields{"op": op, "status": resp.StatusCode}).Debugf("response: %s", b)
	}
	return res, nil
}

func success(status int) bool {
	return status == http.StatusOK || status == http.StatusAccepted
}

func (c *Client) certificateResult(op string, res *Response) (*CertificateRecord, error) {
	if success(res.Status) {
		rec, err := decodeCertificateResponse(res.Body)
		if err != nil {
			return nil, &TransportError{Response: *res, Op: op, Err: err}
		}
		c.log.WithFields(logrus.Fields{"op": op, "requestID": rec.RequestID}).Info("certificate issued")
		return rec, nil
	}
	return nil, c.remoteError(op, res)
}

func (c *Client) submissionResult(op string, res *Response) (*SubmissionResult, error) {
	if success(res.Status) {
		sub, _, err := decodeSubmission(res.Body)
		if err != nil {
			return nil, &TransportError{Response: *res, Op: op, Err: err}
		}
		c.log.WithFields(logrus.Fields{
			"op":        op,
			"status":    sub.Validation.Status,
			"reporting": sub.ReportingStatus,
			"clearance": sub.ClearanceStatus,
			"warnings":  len(sub.Validation.Warnings),
		}).Info("invoice submitted")
		if sub.Validation.HasErrors() {
			return sub, &ValidationError{Response: *res, Result: &sub.Validation}
		}
		return sub, nil
	}
	return nil, c.remoteError(op, res)
}

// remoteError classifies a non success response.
func (c *Client) remoteError(op string, res *Response) error {
	c.log.WithFields(logrus.Fields{"op": op, "status": res.Status}).Warn("zatca call failed")

	if res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden {
		return &AuthenticationError{Response: *res, Message: decodeErrorText(res.Body)}
	}
	if len(res.Body) > 0 {
		if sub, structured, err := decodeSubmission(res.Body); err == nil && structured {
			return &ValidationError{Response: *res, Result: &sub.Validation}
		}
	}
	return &TransportError{Response: *res, Op: op}
}
