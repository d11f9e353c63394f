package keys

import (
	"crypto/sha256"
	encasn1 "encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-faster/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const pemTypeCertificate = "CERTIFICATE"

// CertificateInfo holds the certificate values referenced by the invoice signature and
// the phase 2 QR code.
type CertificateInfo struct {
	// Hash is base64 of the hex encoded SHA-256 of the stripped certificate text.
	Hash         string
	Issuer       string
	SerialNumber string // decimal
	PublicKey    []byte // DER SubjectPublicKeyInfo
	Signature    []byte
	NotAfter     time.Time
	Subject      Name
	// Body is the stripped base64 certificate text.
	Body string
	Raw  []byte
}

// WrapCertificate turns a base64 DER body into a PEM certificate.
func WrapCertificate(body string) string {
	return "-----BEGIN CERTIFICATE-----\n" + StripPEM(body) + "\n-----END CERTIFICATE-----"
}

// ParseCertificateInfo reads a PEM or bare base64 certificate of any EC curve.
func ParseCertificateInfo(certPEM string) (*CertificateInfo, error) {
	body := StripPEM(certPEM)
	if body == "" {
		return nil, errors.New("certificate is empty")
	}
	der, err := decodePEM([]byte(certPEM), pemTypeCertificate)
	if err != nil {
		return nil, err
	}

	var (
		s       = cryptobyte.String(der)
		cert    cryptobyte.String
		tbs     cryptobyte.String
		sigAlg  cryptobyte.String
		sigBits encasn1.BitString
		serial  = new(big.Int)
		alg     cryptobyte.String
		spki    cryptobyte.String
	)
	if !s.ReadASN1(&cert, asn1.SEQUENCE) ||
		!cert.ReadASN1(&tbs, asn1.SEQUENCE) ||
		!cert.ReadASN1(&sigAlg, asn1.SEQUENCE) ||
		!cert.ReadASN1BitString(&sigBits) {
		return nil, errors.New("malformed certificate")
	}
	if !tbs.SkipOptionalASN1(asn1.Tag(0).ContextSpecific().Constructed()) ||
		!tbs.ReadASN1Integer(serial) ||
		!tbs.ReadASN1(&alg, asn1.SEQUENCE) {
		return nil, errors.New("malformed tbs certificate")
	}
	issuer, err := readName(&tbs)
	if err != nil {
		return nil, errors.Wrap(err, "issuer")
	}
	notAfter, err := readValidity(&tbs)
	if err != nil {
		return nil, err
	}
	subject, err := readName(&tbs)
	if err != nil {
		return nil, errors.Wrap(err, "subject")
	}
	if !tbs.ReadASN1Element(&spki, asn1.SEQUENCE) {
		return nil, errors.New("malformed subject public key info")
	}

	sum := sha256.Sum256([]byte(body))
	return &CertificateInfo{
		Hash:         base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum[:]))),
		Issuer:       issuer.String(),
		SerialNumber: serial.String(),
		PublicKey:    append([]byte(nil), spki...),
		Signature:    sigBits.RightAlign(),
		NotAfter:     notAfter,
		Subject:      subject,
		Body:         body,
		Raw:          der,
	}, nil
}

func readValidity(s *cryptobyte.String) (time.Time, error) {
	var (
		validity  cryptobyte.String
		notBefore time.Time
		notAfter  time.Time
	)
	if !s.ReadASN1(&validity, asn1.SEQUENCE) ||
		!readTime(&validity, &notBefore) ||
		!readTime(&validity, &notAfter) {
		return time.Time{}, errors.New("malformed validity")
	}
	return notAfter, nil
}

func readTime(s *cryptobyte.String, out *time.Time) bool {
	switch {
	case s.PeekASN1Tag(asn1.UTCTime):
		return s.ReadASN1UTCTime(out)
	case s.PeekASN1Tag(asn1.GeneralizedTime):
		return s.ReadASN1GeneralizedTime(out)
	}
	return false
}

// CertificateTemplate describes a certificate created by CreateCertificate.
type CertificateTemplate struct {
	Issuer       Name
	Subject      Name
	SerialNumber *big.Int
	NotBefore    time.Time
	NotAfter     time.Time
}

// CreateCertificate issues a PEM certificate for pub signed by issuerKey. Test
// authorities and offline tooling use it in place of an authority issued certificate.
func CreateCertificate(tmpl CertificateTemplate, pub *secp256k1.PublicKey, issuerKey *PrivateKey) (string, error) {
	if tmpl.SerialNumber == nil {
		return "", errors.New("certificate serial number is required")
	}

	var tb cryptobyte.Builder
	tb.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1Int64(2)
		})
		b.AddASN1BigInt(tmpl.SerialNumber)
		addSignatureAlgorithm(b)
		addName(b, tmpl.Issuer)
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1UTCTime(tmpl.NotBefore.UTC())
			b.AddASN1UTCTime(tmpl.NotAfter.UTC())
		})
		addName(b, tmpl.Subject)
		addPublicKeyInfo(b, pub)
	})
	tbs, err := tb.Bytes()
	if err != nil {
		return "", errors.Wrap(err, "build tbs certificate")
	}

	digest := sha256.Sum256(tbs)
	sig, err := issuerKey.Sign(nil, digest[:], nil)
	if err != nil {
		return "", errors.Wrap(err, "sign certificate")
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbs)
		addSignatureAlgorithm(b)
		b.AddASN1BitString(sig)
	})
	der, err := b.Bytes()
	if err != nil {
		return "", errors.Wrap(err, "build certificate")
	}
	return strings.TrimSpace(string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}))), nil
}

// SelfSignedCertificate issues a certificate for key signed by key itself.
func SelfSignedCertificate(key *PrivateKey, subject Name, serial *big.Int, notBefore, notAfter time.Time) (string, error) {
	return CreateCertificate(CertificateTemplate{
		Issuer:       subject,
		Subject:      subject,
		SerialNumber: serial,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}, key.PublicKey(), key)
}
