package keys

import (
	encasn1 "encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidPublicKeyECDSA      = encasn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidNamedCurveSecp256k1 = encasn1.ObjectIdentifier{1, 3, 132, 0, 10}
	oidSignatureECDSA256   = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidExtensionRequest    = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
	oidSubjectAltName      = encasn1.ObjectIdentifier{2, 5, 29, 17}
	oidCertificateTemplate = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2}

	oidCommonName         = encasn1.ObjectIdentifier{2, 5, 4, 3}
	oidSurname            = encasn1.ObjectIdentifier{2, 5, 4, 4}
	oidSerialNumber       = encasn1.ObjectIdentifier{2, 5, 4, 5}
	oidCountry            = encasn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = encasn1.ObjectIdentifier{2, 5, 4, 7}
	oidProvince           = encasn1.ObjectIdentifier{2, 5, 4, 8}
	oidOrganization       = encasn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = encasn1.ObjectIdentifier{2, 5, 4, 11}
	oidTitle              = encasn1.ObjectIdentifier{2, 5, 4, 12}
	oidBusinessCategory   = encasn1.ObjectIdentifier{2, 5, 4, 15}
	oidRegisteredAddress  = encasn1.ObjectIdentifier{2, 5, 4, 26}
	oidUserID             = encasn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidDomainComponent    = encasn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	oidEmailAddress       = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

var attributeNames = []struct {
	oid  encasn1.ObjectIdentifier
	name string
}{
	{oidCommonName, "CN"},
	{oidSurname, "SN"},
	{oidSerialNumber, "serialNumber"},
	{oidCountry, "C"},
	{oidLocality, "L"},
	{oidProvince, "ST"},
	{oidOrganization, "O"},
	{oidOrganizationalUnit, "OU"},
	{oidTitle, "title"},
	{oidBusinessCategory, "businessCategory"},
	{oidRegisteredAddress, "registeredAddress"},
	{oidUserID, "UID"},
	{oidDomainComponent, "DC"},
	{oidEmailAddress, "emailAddress"},
}

func attributeName(oid encasn1.ObjectIdentifier) string {
	for _, a := range attributeNames {
		if a.oid.Equal(oid) {
			return a.name
		}
	}
	return oid.String()
}

// Attribute is one single-valued relative distinguished name.
type Attribute struct {
	Type  encasn1.ObjectIdentifier
	Value string
}

// Name is a distinguished name in encoding order.
type Name []Attribute

// String renders the name most-specific first, "CN=..., DC=...".
func (n Name) String() string {
	parts := make([]string, 0, len(n))
	for i := len(n) - 1; i >= 0; i-- {
		parts = append(parts, attributeName(n[i].Type)+"="+n[i].Value)
	}
	return strings.Join(parts, ", ")
}

func stringTag(oid encasn1.ObjectIdentifier) asn1.Tag {
	switch {
	case oid.Equal(oidCountry), oid.Equal(oidSerialNumber):
		return asn1.PrintableString
	case oid.Equal(oidDomainComponent), oid.Equal(oidEmailAddress):
		return asn1.IA5String
	default:
		return asn1.UTF8String
	}
}

func addName(b *cryptobyte.Builder, n Name) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, a := range n {
			b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(a.Type)
					b.AddASN1(stringTag(a.Type), func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(a.Value))
					})
				})
			})
		}
	})
}

// readName parses a Name. Multi-valued RDNs are flattened in order.
func readName(s *cryptobyte.String) (Name, error) {
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, asn1.SEQUENCE) {
		return nil, errors.New("malformed name")
	}
	var n Name
	for !seq.Empty() {
		var set cryptobyte.String
		if !seq.ReadASN1(&set, asn1.SET) {
			return nil, errors.New("malformed relative distinguished name")
		}
		for !set.Empty() {
			var (
				atv   cryptobyte.String
				oid   encasn1.ObjectIdentifier
				value cryptobyte.String
				tag   asn1.Tag
			)
			if !set.ReadASN1(&atv, asn1.SEQUENCE) ||
				!atv.ReadASN1ObjectIdentifier(&oid) ||
				!atv.ReadAnyASN1(&value, &tag) {
				return nil, errors.New("malformed attribute")
			}
			n = append(n, Attribute{Type: oid, Value: string(value)})
		}
	}
	return n, nil
}

// StripPEM removes the header, footer and line breaks of a PEM block, leaving the
// base64 body. Input without decoration is returned trimmed.
func StripPEM(s string) string {
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// decodePEM returns the DER bytes of the first block of the given type. Undecorated
// base64 bodies are accepted as well.
func decodePEM(data []byte, blockType string) ([]byte, error) {
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == blockType {
			return block.Bytes, nil
		}
	}
	if strings.Contains(string(data), "-----BEGIN") {
		return nil, errors.Errorf("no %s block found", blockType)
	}
	der, err := base64.StdEncoding.DecodeString(StripPEM(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s body", blockType)
	}
	return der, nil
}
