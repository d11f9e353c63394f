package tlv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Layout(t *testing.T) {
	out, err := Encode([]Entry{
		{Tag: 1, Value: []byte("AB")},
		{Tag: 2, Value: nil},
		{Tag: 9, Value: []byte{0xff}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 'A', 'B', 2, 0, 9, 1, 0xff}, out)
}

func TestEncode_MaxLengthAccepted(t *testing.T) {
	value := bytes.Repeat([]byte{'x'}, MaxValueLen)
	out, err := Encode([]Entry{{Tag: 3, Value: value}})
	require.NoError(t, err)
	assert.Len(t, out, MaxValueLen+2)
	assert.Equal(t, byte(255), out[1])
}

func TestEncode_OversizeValue(t *testing.T) {
	entries := []Entry{
		{Tag: 1, Value: []byte("ok")},
		{Tag: 2, Value: []byte(strings.Repeat("y", 256))},
	}
	out, err := Encode(entries)
	require.Error(t, err)
	assert.Nil(t, out, "no partial output on failure")
	assert.True(t, errors.Is(err, ErrEncoding))

	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, byte(2), encErr.Tag)
	assert.Equal(t, 256, encErr.Length)
}

func TestDecode_Truncated(t *testing.T) {
	cases := map[string][]byte{
		"missing length":     {1},
		"length past end":    {1, 5, 'a', 'b'},
		"second entry short": {1, 1, 'a', 2, 3, 'b'},
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			entries, err := Decode(buf)
			assert.Nil(t, entries)
			assert.True(t, errors.Is(err, ErrEncoding), "got %v", err)
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	entries, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDecode_DoesNotAliasInput(t *testing.T) {
	buf := []byte{1, 1, 'a'}
	entries, err := Decode(buf)
	require.NoError(t, err)
	buf[2] = 'z'
	assert.Equal(t, []byte("a"), entries[0].Value)
}

func TestFind(t *testing.T) {
	entries := []Entry{{Tag: 1, Value: []byte("a")}, {Tag: 4, Value: []byte("d")}}
	v, ok := Find(entries, 4)
	assert.True(t, ok)
	assert.Equal(t, []byte("d"), v)
	_, ok = Find(entries, 2)
	assert.False(t, ok)
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(entries)) == entries", prop.ForAll(
		func(tags []uint8, values [][]uint8) bool {
			n := len(tags)
			if len(values) < n {
				n = len(values)
			}
			entries := make([]Entry, n)
			for i := 0; i < n; i++ {
				entries[i] = Entry{Tag: tags[i], Value: values[i]}
			}

			buf, err := Encode(entries)
			if err != nil {
				return false
			}
			decoded, err := Decode(buf)
			if err != nil || len(decoded) != len(entries) {
				return false
			}
			for i := range entries {
				if decoded[i].Tag != entries[i].Tag || !bytes.Equal(decoded[i].Value, entries[i].Value) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.Property("oversize values always fail without output", prop.ForAll(
		func(size int, tag uint8) bool {
			out, err := Encode([]Entry{
				{Tag: 1, Value: []byte("prefix")},
				{Tag: tag, Value: make([]byte, size)},
			})
			return out == nil && errors.Is(err, ErrEncoding)
		},
		gen.IntRange(MaxValueLen+1, 4096),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
