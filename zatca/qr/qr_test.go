package qr

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/go-zatca-client/zatca/tlv"
)

var abc = Fields{
	SellerName:   "ABC Company",
	VATNumber:    "399999999900003",
	Timestamp:    "2024-02-29T10:00:00Z",
	InvoiceTotal: "57.50",
	VATTotal:     "7.50",
}

func TestBuildPhase1_ABCCompany(t *testing.T) {
	payload, err := BuildPhase1(abc)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)

	expected := []byte{}
	for _, e := range []struct {
		tag byte
		v   string
	}{
		{1, "ABC Company"},
		{2, "399999999900003"},
		{3, "2024-02-29T10:00:00Z"},
		{4, "57.50"},
		{5, "7.50"},
	} {
		expected = append(expected, e.tag, byte(len(e.v)))
		expected = append(expected, e.v...)
	}
	assert.Equal(t, expected, raw)

	// 11+15+20+5+4 value bytes plus 10 header bytes, base64 padded
	assert.Equal(t, 65, len(raw))
	assert.Len(t, payload, 88)
}

func TestBuildPhase1_LengthDependsOnlyOnInputLengths(t *testing.T) {
	other := Fields{
		SellerName:   "XYZ Trading",
		VATNumber:    "300000000000003",
		Timestamp:    "2023-01-01T23:59:59Z",
		InvoiceTotal: "99.99",
		VATTotal:     "1.25",
	}
	a, err := BuildPhase1(abc)
	require.NoError(t, err)
	b, err := BuildPhase1(other)
	require.NoError(t, err)
	assert.Equal(t, len(a), len(b))
	assert.NotEqual(t, a, b)
}

func TestBuildPhase1_MissingField(t *testing.T) {
	f := abc
	f.VATTotal = ""
	_, err := BuildPhase1(f)
	require.Error(t, err)

	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "VATTotal", missing.Field)
	assert.Equal(t, TagVATTotal, missing.Tag)
	assert.True(t, errors.Is(err, tlv.ErrEncoding))
}

func TestBuildPhase1_OversizeSellerName(t *testing.T) {
	f := abc
	f.SellerName = strings.Repeat("A", 300)
	_, err := BuildPhase1(f)

	var encErr *tlv.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, TagSellerName, encErr.Tag)
}

func TestBuildPhase2_RoundTrip(t *testing.T) {
	pub := bytes.Repeat([]byte{0x30}, 88)
	certSig := bytes.Repeat([]byte{0x02}, 71)

	payload, err := BuildPhase2(abc, "hash-b64", "sig-b64", pub, certSig)
	require.NoError(t, err)

	p, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, Phase2, p.Phase)
	assert.Equal(t, abc, p.Fields)
	require.Len(t, p.Entries, 9)
	for i, e := range p.Entries {
		assert.Equal(t, byte(i+1), e.Tag)
	}
	assert.Equal(t, []byte("hash-b64"), p.Value(TagInvoiceHash))
	assert.Equal(t, []byte("sig-b64"), p.Value(TagSignature))
	assert.Equal(t, pub, p.Value(TagPublicKey))
	assert.Equal(t, certSig, p.Value(TagCertificateSignature))
}

func TestBuildPhase2_MissingCryptoMaterial(t *testing.T) {
	_, err := BuildPhase2(abc, "h", "s", nil, []byte{1})
	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, TagPublicKey, missing.Tag)
}

func TestParse_Phase1(t *testing.T) {
	payload, err := BuildPhase1(abc)
	require.NoError(t, err)

	p, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, Phase1, p.Phase)
	assert.Equal(t, abc, p.Fields)
}

func TestParse_Rejects(t *testing.T) {
	shuffled, err := tlv.Encode([]tlv.Entry{
		{Tag: 2, Value: []byte("a")},
		{Tag: 1, Value: []byte("b")},
		{Tag: 3, Value: []byte("c")},
		{Tag: 4, Value: []byte("d")},
		{Tag: 5, Value: []byte("e")},
	})
	require.NoError(t, err)

	short, err := tlv.Encode([]tlv.Entry{{Tag: 1, Value: []byte("a")}})
	require.NoError(t, err)

	for name, payload := range map[string]string{
		"not base64":  "%%%",
		"wrong order": base64.StdEncoding.EncodeToString(shuffled),
		"tag count":   base64.StdEncoding.EncodeToString(short),
		"truncated":   base64.StdEncoding.EncodeToString([]byte{1, 9, 'a'}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(payload)
			assert.Error(t, err)
		})
	}
}
