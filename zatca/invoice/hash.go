package invoice

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/ucarion/c14n"
)

// Excluded lists the regions removed before hashing. They hold the signature, the QR
// code and the signature reference, all of which are produced from the hash.
var Excluded = []string{
	"ext:UBLExtensions",
	"cac:Signature",
	"cac:AdditionalDocumentReference[cbc:ID='QR']",
}

// Hash returns the canonical digest of the document.
func (d *Document) Hash() (string, error) {
	return Hash(d.tree)
}

// HashBytes parses b and returns its canonical digest.
func HashBytes(b []byte) (string, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(b); err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}
	return Hash(tree)
}

// Hash strips the excluded regions from a copy of tree, canonicalizes the remaining
// invoice element and returns base64(SHA-256).
func Hash(tree *etree.Document) (string, error) {
	root := tree.Root()
	if root == nil {
		return "", errors.Wrap(ErrMalformed, "document has no root element")
	}

	pure := etree.NewDocument()
	pure.SetRoot(root.Copy())
	for _, path := range Excluded {
		for _, el := range pure.Root().FindElements(path) {
			pure.Root().RemoveChild(el)
		}
	}

	b, err := pure.WriteToBytes()
	if err != nil {
		return "", errors.Wrap(err, "serialize invoice")
	}
	canonical, err := Canonicalize(b)
	if err != nil {
		return "", errors.Wrap(err, "canonicalize invoice")
	}

	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Canonicalize applies inclusive XML canonicalization.
func Canonicalize(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}
