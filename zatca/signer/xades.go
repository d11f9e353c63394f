package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/alapierre/go-zatca-client/zatca/invoice"
	"github.com/alapierre/go-zatca-client/zatca/keys"
)

// Namespaces of the signature extension.
const (
	NamespaceExt   = "urn:oasis:names:specification:ubl:schema:xsd:CommonExtensionComponents-2"
	NamespaceSig   = "urn:oasis:names:specification:ubl:schema:xsd:CommonSignatureComponents-2"
	NamespaceSac   = "urn:oasis:names:specification:ubl:schema:xsd:SignatureAggregateComponents-2"
	NamespaceSbc   = "urn:oasis:names:specification:ubl:schema:xsd:SignatureBasicComponents-2"
	NamespaceDS    = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceXAdES = "http://uri.etsi.org/01903/v1.3.2#"
)

// Algorithms and identifiers.
const (
	AlgC14N11        = "http://www.w3.org/2006/12/xml-c14n11"
	AlgECDSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	AlgSHA256        = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgXPath         = "http://www.w3.org/TR/1999/REC-xpath-19991116"
	TypeSignedProps  = "http://www.w3.org/2000/09/xmldsig#SignatureProperties"
	ExtensionURI     = "urn:oasis:names:specification:ubl:dsig:enveloped:xades"
	SignatureInfoID  = "urn:oasis:names:specification:ubl:signature:1"
	InvoiceSignature = "urn:oasis:names:specification:ubl:signature:Invoice"
	SigningTimeFmt   = "2006-01-02T15:04:05"
)

// xpathExclusions mirror invoice.Excluded in the form validators evaluate.
var xpathExclusions = []string{
	"not(//ancestor-or-self::ext:UBLExtensions)",
	"not(//ancestor-or-self::cac:Signature)",
	"not(//ancestor-or-self::cac:AdditionalDocumentReference[cbc:ID='QR'])",
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

func signedPropertiesXML(signingTime time.Time, cert *keys.CertificateInfo) string {
	var sb strings.Builder
	sb.WriteString(`<xades:SignedProperties xmlns:xades="` + NamespaceXAdES + `" xmlns:ds="` + NamespaceDS + `" Id="xadesSignedProperties">`)
	sb.WriteString(`<xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SigningTime>` + signingTime.UTC().Format(SigningTimeFmt) + `</xades:SigningTime>`)
	sb.WriteString(`<xades:SigningCertificate><xades:Cert><xades:CertDigest>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + cert.Hash + `</ds:DigestValue></xades:CertDigest>`)
	sb.WriteString(`<xades:IssuerSerial><ds:X509IssuerName>` + escapeXML(cert.Issuer) + `</ds:X509IssuerName>`)
	sb.WriteString(`<ds:X509SerialNumber>` + cert.SerialNumber + `</ds:X509SerialNumber></xades:IssuerSerial>`)
	sb.WriteString(`</xades:Cert></xades:SigningCertificate>`)
	sb.WriteString(`</xades:SignedSignatureProperties></xades:SignedProperties>`)
	return sb.String()
}

// signedPropertiesDigest is base64 of the hex SHA-256 of the canonical SignedProperties,
// the same encoding the authority uses for the certificate digest.
func signedPropertiesDigest(signedProps string) (string, error) {
	canonical, err := invoice.Canonicalize([]byte(signedProps))
	if err != nil {
		return "", errors.Wrap(err, "canonicalize signed properties")
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum[:]))), nil
}

func signedInfoXML(invoiceHash, propsDigest string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo>`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + AlgC14N11 + `"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + AlgECDSASHA256 + `"/>`)
	sb.WriteString(`<ds:Reference Id="invoiceSignedData" URI="">`)
	sb.WriteString(`<ds:Transforms>`)
	for _, xp := range xpathExclusions {
		sb.WriteString(`<ds:Transform Algorithm="` + AlgXPath + `"><ds:XPath>` + escapeXML(xp) + `</ds:XPath></ds:Transform>`)
	}
	sb.WriteString(`<ds:Transform Algorithm="` + AlgC14N11 + `"/>`)
	sb.WriteString(`</ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + invoiceHash + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`<ds:Reference Type="` + TypeSignedProps + `" URI="#xadesSignedProperties">`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + propsDigest + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func extensionsXML(p Parts, signedProps, propsDigest string) string {
	var sb strings.Builder
	sb.WriteString(`<ext:UBLExtensions xmlns:ext="` + NamespaceExt + `">`)
	sb.WriteString(`<ext:UBLExtension>`)
	sb.WriteString(`<ext:ExtensionURI>` + ExtensionURI + `</ext:ExtensionURI>`)
	sb.WriteString(`<ext:ExtensionContent>`)
	sb.WriteString(`<sig:UBLDocumentSignatures xmlns:sig="` + NamespaceSig + `" xmlns:sac="` + NamespaceSac + `" xmlns:sbc="` + NamespaceSbc + `">`)
	sb.WriteString(`<sac:SignatureInformation>`)
	sb.WriteString(`<cbc:ID xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">` + SignatureInfoID + `</cbc:ID>`)
	sb.WriteString(`<sbc:ReferencedSignatureID>` + InvoiceSignature + `</sbc:ReferencedSignatureID>`)
	sb.WriteString(`<ds:Signature xmlns:ds="` + NamespaceDS + `" Id="signature">`)
	sb.WriteString(signedInfoXML(p.Hash, propsDigest))
	sb.WriteString(`<ds:SignatureValue>` + p.Signature + `</ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>` + p.Certificate.Body + `</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`)
	sb.WriteString(`<ds:Object><xades:QualifyingProperties xmlns:xades="` + NamespaceXAdES + `" Target="signature">`)
	sb.WriteString(signedProps)
	sb.WriteString(`</xades:QualifyingProperties></ds:Object>`)
	sb.WriteString(`</ds:Signature>`)
	sb.WriteString(`</sac:SignatureInformation>`)
	sb.WriteString(`</sig:UBLDocumentSignatures>`)
	sb.WriteString(`</ext:ExtensionContent>`)
	sb.WriteString(`</ext:UBLExtension>`)
	sb.WriteString(`</ext:UBLExtensions>`)
	return sb.String()
}
