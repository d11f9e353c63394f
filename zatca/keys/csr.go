package keys

import (
	"crypto/sha256"
	encasn1 "encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-faster/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const pemTypeCSR = "CERTIFICATE REQUEST"

// Certificate template names requested in the CSR, one per environment.
const (
	TemplateProduction = "ZATCA-Code-Signing"
	TemplateSimulation = "PREZATCA-Code-Signing"
	TemplateSandbox    = "TSTZATCA-Code-Signing"
)

// DefaultInvoiceType declares the unit issues both standard and simplified invoices.
const DefaultInvoiceType = "1100"

// CSRTemplate carries the subject and extension values the authority expects.
type CSRTemplate struct {
	CommonName             string // unit custom id
	SerialNumber           string // see UnitSerialNumber
	OrganizationIdentifier string // VAT registration number
	OrganizationUnit       string // branch name
	Organization           string // taxpayer name
	Country                string
	InvoiceType            string
	Location               string
	Industry               string
	TemplateName           string
}

// UnitSerialNumber formats the unit serial number "1-solution|2-model|3-uuid".
func UnitSerialNumber(solution, model, unitID string) string {
	return fmt.Sprintf("1-%s|2-%s|3-%s", solution, model, unitID)
}

func (t CSRTemplate) withDefaults() CSRTemplate {
	if t.Country == "" {
		t.Country = "SA"
	}
	if t.InvoiceType == "" {
		t.InvoiceType = DefaultInvoiceType
	}
	if t.TemplateName == "" {
		t.TemplateName = TemplateSandbox
	}
	return t
}

// Validate reports the first empty required value.
func (t CSRTemplate) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"CommonName", t.CommonName},
		{"SerialNumber", t.SerialNumber},
		{"OrganizationIdentifier", t.OrganizationIdentifier},
		{"OrganizationUnit", t.OrganizationUnit},
		{"Organization", t.Organization},
		{"Location", t.Location},
		{"Industry", t.Industry},
	} {
		if f.value == "" {
			return errors.Errorf("csr: %s is required", f.name)
		}
	}
	return nil
}

func (t CSRTemplate) subject() Name {
	return Name{
		{Type: oidCountry, Value: t.Country},
		{Type: oidOrganizationalUnit, Value: t.OrganizationUnit},
		{Type: oidOrganization, Value: t.Organization},
		{Type: oidCommonName, Value: t.CommonName},
	}
}

func (t CSRTemplate) altName() Name {
	return Name{
		{Type: oidSurname, Value: t.SerialNumber},
		{Type: oidUserID, Value: t.OrganizationIdentifier},
		{Type: oidTitle, Value: t.InvoiceType},
		{Type: oidRegisteredAddress, Value: t.Location},
		{Type: oidBusinessCategory, Value: t.Industry},
	}
}

// CreateCSR returns a PEM encoded PKCS#10 request signed with key.
func CreateCSR(tmpl CSRTemplate, key *PrivateKey) ([]byte, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	tmpl = tmpl.withDefaults()

	var ib cryptobyte.Builder
	ib.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		addName(b, tmpl.subject())
		addPublicKeyInfo(b, key.PublicKey())
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidExtensionRequest)
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						addExtension(b, oidCertificateTemplate, func(b *cryptobyte.Builder) {
							b.AddASN1(asn1.PrintableString, func(b *cryptobyte.Builder) {
								b.AddBytes([]byte(tmpl.TemplateName))
							})
						})
						addExtension(b, oidSubjectAltName, func(b *cryptobyte.Builder) {
							b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
								b.AddASN1(asn1.Tag(4).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
									addName(b, tmpl.altName())
								})
							})
						})
					})
				})
			})
		})
	})
	info, err := ib.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "build certification request info")
	}

	digest := sha256.Sum256(info)
	sig, err := key.Sign(nil, digest[:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "sign certification request")
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(info)
		addSignatureAlgorithm(b)
		b.AddASN1BitString(sig)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "build certification request")
	}

	logger.WithField("cn", tmpl.CommonName).Debug("created certificate signing request")
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der}), nil
}

func addExtension(b *cryptobyte.Builder, oid encasn1.ObjectIdentifier, value cryptobyte.BuilderContinuation) {
	var vb cryptobyte.Builder
	value(&vb)
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		b.AddASN1OctetString(vb.BytesOrPanic())
	})
}

func addSignatureAlgorithm(b *cryptobyte.Builder) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidSignatureECDSA256)
	})
}

// CertificateRequest is the parsed content of a CSR created by CreateCSR.
type CertificateRequest struct {
	Subject      Name
	AltName      Name
	TemplateName string
	PublicKey    *secp256k1.PublicKey
}

// ParseCSR reads a PEM (or bare base64) CSR and verifies its signature.
func ParseCSR(data []byte) (*CertificateRequest, error) {
	der, err := decodePEM(data, pemTypeCSR)
	if err != nil {
		return nil, err
	}

	var (
		s       = cryptobyte.String(der)
		csr     cryptobyte.String
		infoRaw cryptobyte.String
		alg     cryptobyte.String
		sig     encasn1.BitString
	)
	if !s.ReadASN1(&csr, asn1.SEQUENCE) ||
		!csr.ReadASN1Element(&infoRaw, asn1.SEQUENCE) ||
		!csr.ReadASN1(&alg, asn1.SEQUENCE) ||
		!csr.ReadASN1BitString(&sig) {
		return nil, errors.New("malformed certificate request")
	}

	info := infoRaw
	var (
		body    cryptobyte.String
		version int64
		spki    cryptobyte.String
		attrs   cryptobyte.String
	)
	if !info.ReadASN1(&body, asn1.SEQUENCE) || !body.ReadASN1Integer(&version) {
		return nil, errors.New("malformed certification request info")
	}
	subject, err := readName(&body)
	if err != nil {
		return nil, errors.Wrap(err, "subject")
	}
	if !body.ReadASN1Element(&spki, asn1.SEQUENCE) ||
		!body.ReadASN1(&attrs, asn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, errors.New("malformed certification request info")
	}
	pub, err := ParsePublicKey(spki)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(infoRaw)
	if !Verify(pub, digest[:], sig.RightAlign()) {
		return nil, errors.New("certificate request signature does not verify")
	}

	req := &CertificateRequest{Subject: subject, PublicKey: pub}
	if err := readExtensionRequest(attrs, req); err != nil {
		return nil, err
	}
	return req, nil
}

func readExtensionRequest(attrs cryptobyte.String, req *CertificateRequest) error {
	for !attrs.Empty() {
		var (
			attr   cryptobyte.String
			oid    encasn1.ObjectIdentifier
			values cryptobyte.String
			exts   cryptobyte.String
		)
		if !attrs.ReadASN1(&attr, asn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&values, asn1.SET) {
			return errors.New("malformed request attribute")
		}
		if !oid.Equal(oidExtensionRequest) {
			continue
		}
		if !values.ReadASN1(&exts, asn1.SEQUENCE) {
			return errors.New("malformed extension request")
		}
		for !exts.Empty() {
			var (
				ext   cryptobyte.String
				extID encasn1.ObjectIdentifier
				value cryptobyte.String
			)
			if !exts.ReadASN1(&ext, asn1.SEQUENCE) ||
				!ext.ReadASN1ObjectIdentifier(&extID) ||
				!ext.SkipOptionalASN1(asn1.BOOLEAN) ||
				!ext.ReadASN1(&value, asn1.OCTET_STRING) {
				return errors.New("malformed extension")
			}
			switch {
			case extID.Equal(oidCertificateTemplate):
				var name cryptobyte.String
				if !value.ReadASN1(&name, asn1.PrintableString) {
					return errors.New("malformed certificate template name")
				}
				req.TemplateName = string(name)
			case extID.Equal(oidSubjectAltName):
				var names, dir cryptobyte.String
				if !value.ReadASN1(&names, asn1.SEQUENCE) ||
					!names.ReadASN1(&dir, asn1.Tag(4).ContextSpecific().Constructed()) {
					return errors.New("malformed subject alternative name")
				}
				alt, err := readName(&dir)
				if err != nil {
					return errors.Wrap(err, "alternative name")
				}
				req.AltName = alt
			}
		}
	}
	return nil
}
