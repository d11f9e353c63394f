package egs

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/go-zatca-client/zatca"
	"github.com/alapierre/go-zatca-client/zatca/chain"
	"github.com/alapierre/go-zatca-client/zatca/invoice"
	"github.com/alapierre/go-zatca-client/zatca/keys"
	"github.com/alapierre/go-zatca-client/zatca/signer"
)

const (
	validOTP = "123345"
	passBody = `{"validationResults":{"infoMessages":[],"warningMessages":[],"errorMessages":[],"status":"PASS"},"reportingStatus":"REPORTED","clearanceStatus":"CLEARED"}`
)

// authority issues certificates for received CSRs and accepts every invoice.
type authority struct {
	t   *testing.T
	key *keys.PrivateKey

	mu        sync.Mutex
	serial    int64
	certified *keys.CertificateRequest
	paths     []string
	invoices  []string
	auth      map[string]string
}

func newAuthority(t *testing.T) *authority {
	key, err := keys.GenerateKey()
	require.NoError(t, err)
	return &authority{t: t, key: key, serial: 1000, auth: map[string]string{}}
}

func (a *authority) field(body []byte, name string) string {
	var v string
	_ = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != name {
			return d.Skip()
		}
		s, err := d.Str()
		v = s
		return err
	})
	return v
}

func (a *authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	a.mu.Lock()
	a.paths = append(a.paths, r.URL.Path)
	a.auth[r.URL.Path] = r.Header.Get("Authorization")
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/compliance":
		if r.Header.Get("OTP") != validOTP {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"errors":[{"code":"Invalid-OTP","message":"The provided OTP is invalid"}]}`)
			return
		}
		csr, err := base64.StdEncoding.DecodeString(a.field(body, "csr"))
		require.NoError(a.t, err)
		a.issue(w, csr)
	case "/production/csids":
		require.NotEmpty(a.t, a.field(body, "compliance_request_id"))
		a.issue(w, nil)
	default:
		a.mu.Lock()
		a.invoices = append(a.invoices, a.field(body, "invoiceHash"))
		a.mu.Unlock()
		_, _ = io.WriteString(w, passBody)
	}
}

// issue answers with a certificate for the CSR key, or for the previously certified
// key when csr is nil.
func (a *authority) issue(w http.ResponseWriter, csr []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if csr != nil {
		req, err := keys.ParseCSR(csr)
		require.NoError(a.t, err)
		a.certified = req
	}
	require.NotNil(a.t, a.certified)

	a.serial++
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	certPEM, err := keys.CreateCertificate(keys.CertificateTemplate{
		Issuer:       keys.Name{{Type: asn1.ObjectIdentifier{2, 5, 4, 3}, Value: "TSZEINVOICE-SubCA-1"}},
		Subject:      a.certified.Subject,
		SerialNumber: big.NewInt(a.serial),
		NotBefore:    now,
		NotAfter:     now.AddDate(1, 0, 0),
	}, a.certified.PublicKey, a.key)
	require.NoError(a.t, err)

	token := base64.StdEncoding.EncodeToString([]byte(keys.StripPEM(certPEM)))
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("requestID")
	e.Int64(a.serial)
	e.FieldStart("dispositionMessage")
	e.Str("ISSUED")
	e.FieldStart("binarySecurityToken")
	e.Str(token)
	e.FieldStart("secret")
	e.Str("secret-" + big.NewInt(a.serial).String())
	e.ObjEnd()
	_, _ = w.Write(e.Bytes())
}

func (a *authority) requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.paths...)
}

func (a *authority) invoiceHashes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.invoices...)
}

func (a *authority) authorization(path string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.auth[path]
}

func testIdentity() Identity {
	return Identity{
		UUID:           "6f4d20e0-6bfe-4a80-9389-7dabe6620f12",
		CustomID:       "EGS1-886431145",
		Model:          "IOS",
		SolutionName:   "Invoicer",
		CRN:            "454634645645654",
		VATName:        "ABC Company",
		VATNumber:      "399999999900003",
		Location:       Location{City: "Riyadh", CitySubdivision: "Al Olaya", Street: "King Fahd Road", PlotID: "1234", Building: "0000", PostalZone: "12345"},
		BranchName:     "Riyadh Branch",
		BranchIndustry: "Food",
	}
}

var signingTime = time.Date(2024, 2, 29, 10, 0, 5, 0, time.UTC)

func newTestUnit(t *testing.T, opts ...Option) (*Unit, *authority, ClientFactory) {
	t.Helper()
	a := newAuthority(t)
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	clients := NewClientFactory(zatca.Sandbox, srv.Client(), zatca.WithBaseURL(srv.URL))
	opts = append([]Option{WithSignerOptions(signer.WithClock(func() time.Time { return signingTime }))}, opts...)
	u, err := New(testIdentity(), zatca.Sandbox, clients, opts...)
	require.NoError(t, err)
	return u, a, clients
}

func loadInvoice(t *testing.T, counter, pih string) *invoice.Document {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("..", "invoice", "testdata", "simplified.xml"))
	require.NoError(t, err)
	s := strings.Replace(string(b), "<cbc:UUID>10</cbc:UUID>", "<cbc:UUID>"+counter+"</cbc:UUID>", 1)
	s = strings.Replace(s, `mimeCode="text/plain">NA==<`, `mimeCode="text/plain">`+pih+`<`, 1)
	doc, err := invoice.Parse([]byte(s))
	require.NoError(t, err)
	return doc
}

func onboard(t *testing.T, u *Unit) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, u.GenerateKeys())
	_, err := u.IssueComplianceCertificate(ctx, validOTP)
	require.NoError(t, err)
	_, err = u.IssueProductionCertificate(ctx, "")
	require.NoError(t, err)
}

func TestNew_InvalidIdentity(t *testing.T) {
	id := testIdentity()
	id.VATNumber = "123"
	_, err := New(id, zatca.Sandbox, func(*zatca.CertificateRecord) Authority { return nil })
	assert.Error(t, err)

	_, err = New(testIdentity(), zatca.Sandbox, nil)
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	u, a, _ := newTestUnit(t)
	assert.Equal(t, Unregistered, u.State())

	require.NoError(t, u.GenerateKeys())
	assert.Equal(t, KeysGenerated, u.State())

	req, err := keys.ParseCSR(u.CSR())
	require.NoError(t, err)
	assert.Equal(t, keys.TemplateSandbox, req.TemplateName)
	assert.Contains(t, req.Subject.String(), "CN=EGS1-886431145")

	compliance, err := u.IssueComplianceCertificate(ctx, validOTP)
	require.NoError(t, err)
	assert.Equal(t, ComplianceCertIssued, u.State())
	assert.Equal(t, "1001", compliance.RequestID)
	assert.Empty(t, a.authorization("/compliance"))

	signed, err := u.SignInvoice(ctx, loadInvoice(t, "10", invoice.FirstInvoiceHash))
	require.NoError(t, err)

	res, err := u.CheckCompliance(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "PASS", res.Validation.Status)
	assert.Equal(t, ComplianceCertIssued, u.State(), "compliance checks leave the state alone")
	assert.Equal(t, zatca.AuthorizationHeader(compliance.Certificate, compliance.Secret), a.authorization("/compliance/invoices"))

	production, err := u.IssueProductionCertificate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ProductionCertIssued, u.State())
	assert.Equal(t, zatca.AuthorizationHeader(compliance.Certificate, compliance.Secret), a.authorization("/production/csids"))

	signed, err = u.SignInvoice(ctx, loadInvoice(t, "11", signed.Hash))
	require.NoError(t, err)

	res, err = u.ReportInvoice(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "REPORTED", res.ReportingStatus)
	assert.Equal(t, zatca.AuthorizationHeader(production.Certificate, production.Secret), a.authorization("/invoices/reporting/single"))

	res, err = u.ClearInvoice(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "CLEARED", res.ClearanceStatus)

	assert.Equal(t, []string{
		"/compliance",
		"/compliance/invoices",
		"/production/csids",
		"/invoices/reporting/single",
		"/invoices/clearance/single",
	}, a.requests())
	assert.Equal(t, []string{signed.Hash, signed.Hash}, a.invoiceHashes()[1:])
}

func TestSignedInvoiceUsesUnitCertificate(t *testing.T) {
	ctx := context.Background()
	u, _, _ := newTestUnit(t)
	onboard(t, u)

	signed, err := u.SignInvoice(ctx, loadInvoice(t, "10", invoice.FirstInvoiceHash))
	require.NoError(t, err)

	info, err := keys.ParseCertificateInfo(u.ProductionCertificate().Certificate)
	require.NoError(t, err)
	pub, err := keys.ParsePublicKey(info.PublicKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(signed.Hash)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(signed.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256(raw)
	assert.True(t, keys.Verify(pub, digest[:], sig))
	assert.Equal(t, signingTime, signed.SigningTime)
}

func TestOutOfOrderOperations(t *testing.T) {
	ctx := context.Background()
	u, a, _ := newTestUnit(t)
	doc := loadInvoice(t, "10", invoice.FirstInvoiceHash)

	_, err := u.IssueComplianceCertificate(ctx, validOTP)
	assertSequence(t, err)
	_, err = u.SignInvoice(ctx, doc)
	assertSequence(t, err)
	_, err = u.CheckCompliance(ctx, &signer.SignedInvoice{})
	assertSequence(t, err)
	_, err = u.IssueProductionCertificate(ctx, "1")
	assertSequence(t, err)
	_, err = u.ReportInvoice(ctx, &signer.SignedInvoice{})
	assertSequence(t, err)
	_, err = u.ClearInvoice(ctx, &signer.SignedInvoice{})
	assertSequence(t, err)
	assert.Empty(t, a.requests(), "no call may reach the authority")

	require.NoError(t, u.GenerateKeys())
	_, err = u.IssueComplianceCertificate(ctx, validOTP)
	require.NoError(t, err)

	_, err = u.ReportInvoice(ctx, &signer.SignedInvoice{})
	assertSequence(t, err)

	_, err = u.IssueProductionCertificate(ctx, "")
	require.NoError(t, err)

	_, err = u.IssueProductionCertificate(ctx, "")
	assertSequence(t, err)
	assert.ErrorIs(t, u.GenerateKeys(), zatca.ErrSequence)
	_, err = u.IssueComplianceCertificate(ctx, validOTP)
	assertSequence(t, err)
	assert.Equal(t, ProductionCertIssued, u.State())
}

func assertSequence(t *testing.T, err error) {
	t.Helper()
	var se *zatca.SequenceError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.True(t, errors.Is(err, zatca.ErrSequence))
}

func TestGenerateKeysResetsCompliance(t *testing.T) {
	ctx := context.Background()
	u, _, _ := newTestUnit(t)
	require.NoError(t, u.GenerateKeys())
	first := u.CSR()
	_, err := u.IssueComplianceCertificate(ctx, validOTP)
	require.NoError(t, err)

	require.NoError(t, u.GenerateKeys())
	assert.Equal(t, KeysGenerated, u.State())
	assert.Nil(t, u.ComplianceCertificate())
	assert.NotEqual(t, first, u.CSR())
}

func TestIssueComplianceCertificate_InvalidOTP(t *testing.T) {
	u, _, _ := newTestUnit(t)
	require.NoError(t, u.GenerateKeys())

	_, err := u.IssueComplianceCertificate(context.Background(), "000000")
	assert.ErrorIs(t, err, zatca.ErrUnauthorized)
	assert.Equal(t, KeysGenerated, u.State())
	assert.Nil(t, u.ComplianceCertificate())
}

func TestSignInvoice_ChainContinuity(t *testing.T) {
	ctx := context.Background()
	store := chain.NewMemoryStore()
	u, _, _ := newTestUnit(t, WithChainStore(store))
	onboard(t, u)

	first, err := u.SignInvoice(ctx, loadInvoice(t, "10", invoice.FirstInvoiceHash))
	require.NoError(t, err)

	head, err := store.Head(ctx, u.Identity().UUID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), head.Counter)
	assert.Equal(t, first.Hash, head.Hash)

	_, err = u.SignInvoice(ctx, loadInvoice(t, "11", invoice.FirstInvoiceHash))
	assertSequence(t, err)
	_, err = u.SignInvoice(ctx, loadInvoice(t, "10", first.Hash))
	assertSequence(t, err)

	second, err := u.SignInvoice(ctx, loadInvoice(t, "12", first.Hash))
	require.NoError(t, err)
	head, err = store.Head(ctx, u.Identity().UUID)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), head.Counter)
	assert.Equal(t, second.Hash, head.Hash)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	u, _, clients := newTestUnit(t)
	onboard(t, u)

	s, err := u.Snapshot()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "unit.json")
	require.NoError(t, SaveSnapshot(path, s))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)

	store := chain.NewMemoryStore()
	restored, err := Restore(loaded, clients, WithChainStore(store),
		WithSignerOptions(signer.WithClock(func() time.Time { return signingTime })))
	require.NoError(t, err)
	assert.Equal(t, ProductionCertIssued, restored.State())
	assert.Equal(t, u.ProductionCertificate().Certificate, restored.ProductionCertificate().Certificate)
	assert.Equal(t, u.ProductionCertificate().Secret, restored.ProductionCertificate().Secret)
	assert.Equal(t, u.CSR(), restored.CSR())

	doc := loadInvoice(t, "10", invoice.FirstInvoiceHash)
	a, err := u.SignInvoice(ctx, doc)
	require.NoError(t, err)
	b, err := restored.SignInvoice(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, a.Signature, b.Signature, "restored key signs identically")
}

func TestRestore_Inconsistent(t *testing.T) {
	u, _, clients := newTestUnit(t)
	onboard(t, u)
	s, err := u.Snapshot()
	require.NoError(t, err)

	noProd := *s
	noProd.Production = nil
	_, err = Restore(&noProd, clients)
	assert.Error(t, err)

	other, err := keys.GenerateKey()
	require.NoError(t, err)
	otherPEM, err := other.MarshalPEM()
	require.NoError(t, err)
	wrongKey := *s
	wrongKey.PrivateKey = string(otherPEM)
	_, err = Restore(&wrongKey, clients)
	assert.Error(t, err)

	noKey := *s
	noKey.PrivateKey = ""
	_, err = Restore(&noKey, clients)
	assert.Error(t, err)
}

func TestState_Text(t *testing.T) {
	for _, st := range []State{Unregistered, KeysGenerated, ComplianceCertIssued, ProductionCertIssued} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, st, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("registered")))
	assert.Equal(t, "state(9)", State(9).String())
}
