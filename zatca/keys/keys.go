// Package keys holds the secp256k1 key material of an invoicing unit: key generation,
// SEC1 PEM encoding, certificate signing requests and certificate inspection.
//
// crypto/x509 does not support secp256k1, so the ASN.1 structures are read and written
// with cryptobyte.
package keys

import (
	"crypto"
	"crypto/sha256"
	encasn1 "encoding/asn1"
	"encoding/pem"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var logger = logrus.WithField("component", "zatca.keys")

const pemTypeECPrivateKey = "EC PRIVATE KEY"

var (
	ErrInvalidKey    = errors.New("invalid private key")
	ErrInvalidDigest = errors.New("digest must be 32 bytes")
)

// PrivateKey is a secp256k1 signing key. It implements crypto.Signer.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

var _ crypto.Signer = (*PrivateKey)(nil)

// GenerateKey creates a new random key.
func GenerateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate secp256k1 key")
	}
	return &PrivateKey{key: k}, nil
}

// Public returns the *secp256k1.PublicKey of the key.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.key.PubKey()
}

func (k *PrivateKey) PublicKey() *secp256k1.PublicKey {
	return k.key.PubKey()
}

// Sign returns a DER encoded deterministic (RFC 6979) ECDSA signature of digest.
// rand and opts are ignored.
func (k *PrivateKey) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigest
	}
	return ecdsa.Sign(k.key, digest).Serialize(), nil
}

// MarshalPEM encodes the key as a SEC1 "EC PRIVATE KEY" block.
func (k *PrivateKey) MarshalPEM() ([]byte, error) {
	der, err := k.marshalSEC1()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivateKey, Bytes: der}), nil
}

// ECPrivateKey ::= SEQUENCE { version, privateKey, [0] parameters, [1] publicKey }
func (k *PrivateKey) marshalSEC1() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1OctetString(k.key.Serialize())
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidNamedCurveSecp256k1)
		})
		b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1BitString(k.key.PubKey().SerializeUncompressed())
		})
	})
	return b.Bytes()
}

// ParsePrivateKeyPEM reads a SEC1 key. The input may be a full PEM block or only its
// base64 body, the way the authority portal shows keys.
func ParsePrivateKeyPEM(data []byte) (*PrivateKey, error) {
	der, err := decodePEM(data, pemTypeECPrivateKey)
	if err != nil {
		return nil, err
	}

	var (
		s       = cryptobyte.String(der)
		seq     cryptobyte.String
		version int64
		raw     []byte
		params  cryptobyte.String
		present bool
	)
	if !s.ReadASN1(&seq, asn1.SEQUENCE) ||
		!seq.ReadASN1Integer(&version) ||
		!seq.ReadASN1Bytes(&raw, asn1.OCTET_STRING) ||
		!seq.ReadOptionalASN1(&params, &present, asn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, errors.Wrap(ErrInvalidKey, "malformed SEC1 structure")
	}
	if version != 1 {
		return nil, errors.Wrapf(ErrInvalidKey, "unsupported SEC1 version %d", version)
	}
	if present {
		var curve encasn1.ObjectIdentifier
		if !params.ReadASN1ObjectIdentifier(&curve) {
			return nil, errors.Wrap(ErrInvalidKey, "malformed curve parameters")
		}
		if !curve.Equal(oidNamedCurveSecp256k1) {
			return nil, errors.Wrapf(ErrInvalidKey, "curve %s is not secp256k1", curve)
		}
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, errors.Wrapf(ErrInvalidKey, "key length %d", len(raw))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// MarshalPublicKey returns the DER SubjectPublicKeyInfo of pub.
func MarshalPublicKey(pub *secp256k1.PublicKey) []byte {
	var b cryptobyte.Builder
	addPublicKeyInfo(&b, pub)
	return b.BytesOrPanic()
}

func addPublicKeyInfo(b *cryptobyte.Builder, pub *secp256k1.PublicKey) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPublicKeyECDSA)
			b.AddASN1ObjectIdentifier(oidNamedCurveSecp256k1)
		})
		b.AddASN1BitString(pub.SerializeUncompressed())
	})
}

// ParsePublicKey reads a secp256k1 SubjectPublicKeyInfo.
func ParsePublicKey(spki []byte) (*secp256k1.PublicKey, error) {
	var (
		s     = cryptobyte.String(spki)
		seq   cryptobyte.String
		alg   cryptobyte.String
		algID encasn1.ObjectIdentifier
		curve encasn1.ObjectIdentifier
		bits  encasn1.BitString
	)
	if !s.ReadASN1(&seq, asn1.SEQUENCE) ||
		!seq.ReadASN1(&alg, asn1.SEQUENCE) ||
		!alg.ReadASN1ObjectIdentifier(&algID) ||
		!alg.ReadASN1ObjectIdentifier(&curve) ||
		!seq.ReadASN1BitString(&bits) {
		return nil, errors.New("malformed subject public key info")
	}
	if !algID.Equal(oidPublicKeyECDSA) || !curve.Equal(oidNamedCurveSecp256k1) {
		return nil, errors.Errorf("public key %s/%s is not secp256k1", algID, curve)
	}
	return secp256k1.ParsePubKey(bits.RightAlign())
}

// Verify checks a DER ECDSA signature of digest.
func Verify(pub *secp256k1.PublicKey, digest, sig []byte) bool {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest, pub)
}
