// Package egs drives one e-invoice generation solution unit through its lifecycle:
// key generation, compliance certificate, compliance checks, production certificate,
// then reporting and clearance of signed invoices.
package egs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-zatca-client/zatca"
	"github.com/alapierre/go-zatca-client/zatca/chain"
	"github.com/alapierre/go-zatca-client/zatca/invoice"
	"github.com/alapierre/go-zatca-client/zatca/keys"
	"github.com/alapierre/go-zatca-client/zatca/signer"
)

var logger = logrus.WithField("component", "zatca.egs")

type State int

const (
	Unregistered State = iota
	KeysGenerated
	ComplianceCertIssued
	ProductionCertIssued
)

var stateNames = map[State]string{
	Unregistered:         "unregistered",
	KeysGenerated:        "keys-generated",
	ComplianceCertIssued: "compliance-cert-issued",
	ProductionCertIssued: "production-cert-issued",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st, n := range stateNames {
		if n == string(text) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown unit state %q", text)
}

// Authority is the part of the remote API a unit uses.
type Authority interface {
	IssueComplianceCertificate(ctx context.Context, csrPEM []byte, otp string) (*zatca.CertificateRecord, error)
	CheckCompliance(ctx context.Context, r zatca.InvoiceRequest) (*zatca.SubmissionResult, error)
	IssueProductionCertificate(ctx context.Context, complianceRequestID string) (*zatca.CertificateRecord, error)
	ReportInvoice(ctx context.Context, r zatca.InvoiceRequest) (*zatca.SubmissionResult, error)
	ClearInvoice(ctx context.Context, r zatca.InvoiceRequest) (*zatca.SubmissionResult, error)
}

// ClientFactory returns an Authority authenticated with creds, or an unauthenticated
// one when creds is nil.
type ClientFactory func(creds *zatca.CertificateRecord) Authority

// NewClientFactory builds zatca clients for env sharing httpClient.
func NewClientFactory(env zatca.Environment, httpClient *http.Client, opts ...zatca.ClientOption) ClientFactory {
	base := zatca.NewClient(env, httpClient, opts...)
	return func(creds *zatca.CertificateRecord) Authority {
		if creds == nil {
			return base
		}
		return base.With(zatca.WithCredentials(creds.Certificate, creds.Secret))
	}
}

// Unit is one invoicing unit. Its methods are safe for concurrent use. A certificate
// reply is dropped with a *zatca.SequenceError when the unit moved on while the call
// was in flight. Invoices of one unit must be signed in chain order; callers that sign
// concurrently serialize through a chain.Locker.
type Unit struct {
	identity Identity
	env      zatca.Environment
	clients  ClientFactory
	chain    chain.Store
	signOpts []signer.Option
	log      logrus.FieldLogger

	mu         sync.Mutex
	state      State
	key        *keys.PrivateKey
	csr        []byte
	compliance *zatca.CertificateRecord
	production *zatca.CertificateRecord
}

type Option func(*Unit)

// WithChainStore replaces the in-memory chain store.
func WithChainStore(s chain.Store) Option {
	return func(u *Unit) { u.chain = s }
}

func WithSignerOptions(opts ...signer.Option) Option {
	return func(u *Unit) { u.signOpts = append(u.signOpts, opts...) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(u *Unit) { u.log = l }
}

func New(identity Identity, env zatca.Environment, clients ClientFactory, opts ...Option) (*Unit, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if clients == nil {
		return nil, errors.New("client factory is required")
	}
	u := &Unit{
		identity: identity,
		env:      env,
		clients:  clients,
		chain:    chain.NewMemoryStore(),
		log:      logger.WithField("unit", identity.UUID),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

func (u *Unit) Identity() Identity { return u.identity }

func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// CSR returns the PEM request created by GenerateKeys.
func (u *Unit) CSR() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.csr...)
}

func (u *Unit) ComplianceCertificate() *zatca.CertificateRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return copyRecord(u.compliance)
}

func (u *Unit) ProductionCertificate() *zatca.CertificateRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return copyRecord(u.production)
}

func copyRecord(r *zatca.CertificateRecord) *zatca.CertificateRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (u *Unit) sequenceError(op, reason string) error {
	return &zatca.SequenceError{Op: op, State: u.state.String(), Reason: reason}
}

// GenerateKeys creates a new key and CSR. Calling it again before the production
// certificate replaces the key and drops the compliance certificate bound to the old one.
func (u *Unit) GenerateKeys() error {
	const op = "generate keys"
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == ProductionCertIssued {
		return u.sequenceError(op, "the production certificate is bound to the current key")
	}

	key, err := keys.GenerateKey()
	if err != nil {
		return err
	}
	csr, err := keys.CreateCSR(u.identity.CSRTemplate(u.env.CertificateTemplateName()), key)
	if err != nil {
		return err
	}

	u.key, u.csr, u.compliance = key, csr, nil
	u.state = KeysGenerated
	u.log.Info("keys generated")
	return nil
}

// IssueComplianceCertificate sends the CSR with the OTP from the taxpayer portal.
func (u *Unit) IssueComplianceCertificate(ctx context.Context, otp string) (*zatca.CertificateRecord, error) {
	const op = "issue compliance certificate"
	u.mu.Lock()
	if u.state != KeysGenerated && u.state != ComplianceCertIssued {
		defer u.mu.Unlock()
		return nil, u.sequenceError(op, "generate keys first")
	}
	csr := u.csr
	u.mu.Unlock()

	rec, err := u.clients(nil).IssueComplianceCertificate(ctx, csr, otp)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != KeysGenerated && u.state != ComplianceCertIssued {
		return nil, u.sequenceError(op, "unit state changed while the certificate was issued")
	}
	if !bytes.Equal(u.csr, csr) {
		return nil, u.sequenceError(op, "keys were regenerated while the certificate was issued")
	}
	u.compliance = rec
	u.state = ComplianceCertIssued
	u.log.WithField("requestID", rec.RequestID).Info("compliance certificate issued")
	return copyRecord(rec), nil
}

// signingMaterial returns the current certificate (production once issued) and key.
func (u *Unit) signingMaterial(op string) (*zatca.CertificateRecord, *keys.PrivateKey, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.state {
	case ProductionCertIssued:
		return u.production, u.key, nil
	case ComplianceCertIssued:
		return u.compliance, u.key, nil
	}
	return nil, nil, u.sequenceError(op, "no certificate issued")
}

// SignInvoice checks that doc continues the unit's hash chain, signs it and advances
// the chain to its digest.
func (u *Unit) SignInvoice(ctx context.Context, doc *invoice.Document) (*signer.SignedInvoice, error) {
	const op = "sign invoice"
	cert, key, err := u.signingMaterial(op)
	if err != nil {
		return nil, err
	}

	prev, err := u.chain.Head(ctx, u.identity.UUID)
	if err != nil {
		return nil, errors.Wrap(err, "read chain head")
	}
	if err := chain.Verify(prev, doc.Header.Counter, doc.Header.PreviousInvoiceHash); err != nil {
		return nil, err
	}

	signed, err := signer.SignInvoice(doc, cert.Certificate, key, u.signOpts...)
	if err != nil {
		return nil, err
	}

	next := chain.Head{Counter: doc.Header.Counter, Hash: signed.Hash}
	if err := u.chain.Advance(ctx, u.identity.UUID, prev, next); err != nil {
		return nil, err
	}

	u.log.WithFields(logrus.Fields{
		"invoice": doc.Header.SerialNumber,
		"counter": doc.Header.Counter,
	}).Info("invoice signed")
	return signed, nil
}

func (u *Unit) invoiceRequest(signed *signer.SignedInvoice) zatca.InvoiceRequest {
	return zatca.InvoiceRequest{
		InvoiceHash: signed.Hash,
		UUID:        u.identity.UUID,
		Invoice:     signed.XML,
	}
}

// CheckCompliance submits a signed sample to the compliance endpoint. The unit state is
// not changed whatever the outcome.
func (u *Unit) CheckCompliance(ctx context.Context, signed *signer.SignedInvoice) (*zatca.SubmissionResult, error) {
	const op = "check compliance"
	u.mu.Lock()
	creds := u.compliance
	if creds == nil {
		defer u.mu.Unlock()
		return nil, u.sequenceError(op, "no compliance certificate")
	}
	u.mu.Unlock()

	return u.clients(creds).CheckCompliance(ctx, u.invoiceRequest(signed))
}

// IssueProductionCertificate exchanges the compliance request id for the production
// certificate. An empty id means the id of the unit's compliance certificate.
func (u *Unit) IssueProductionCertificate(ctx context.Context, complianceRequestID string) (*zatca.CertificateRecord, error) {
	const op = "issue production certificate"
	u.mu.Lock()
	if u.state != ComplianceCertIssued {
		defer u.mu.Unlock()
		if u.state == ProductionCertIssued {
			return nil, u.sequenceError(op, "production certificate already issued")
		}
		return nil, u.sequenceError(op, "issue a compliance certificate first")
	}
	creds := u.compliance
	if complianceRequestID == "" {
		complianceRequestID = creds.RequestID
	}
	u.mu.Unlock()

	if complianceRequestID == "" {
		return nil, &zatca.SequenceError{Op: op, State: ComplianceCertIssued.String(), Reason: "no compliance request id"}
	}

	rec, err := u.clients(creds).IssueProductionCertificate(ctx, complianceRequestID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != ComplianceCertIssued || u.compliance != creds {
		return nil, u.sequenceError(op, "compliance certificate changed while the production certificate was issued")
	}
	u.production = rec
	u.state = ProductionCertIssued
	u.log.WithField("requestID", rec.RequestID).Info("production certificate issued")
	return copyRecord(rec), nil
}

func (u *Unit) productionClient(op string) (Authority, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != ProductionCertIssued {
		return nil, u.sequenceError(op, "issue a production certificate first")
	}
	return u.clients(u.production), nil
}

// ReportInvoice reports a signed simplified invoice.
func (u *Unit) ReportInvoice(ctx context.Context, signed *signer.SignedInvoice) (*zatca.SubmissionResult, error) {
	c, err := u.productionClient("report invoice")
	if err != nil {
		return nil, err
	}
	return c.ReportInvoice(ctx, u.invoiceRequest(signed))
}

// ClearInvoice clears a signed standard invoice.
func (u *Unit) ClearInvoice(ctx context.Context, signed *signer.SignedInvoice) (*zatca.SubmissionResult, error) {
	c, err := u.productionClient("clear invoice")
	if err != nil {
		return nil, err
	}
	return c.ClearInvoice(ctx, u.invoiceRequest(signed))
}
