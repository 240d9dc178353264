package digest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_Deterministic(t *testing.T) {
	data := []byte("envelope bytes")

	a := Address(data)
	b := Address(append([]byte(nil), data...))
	assert.Equal(t, a, b)
	assert.True(t, Verify(a, data))
}

func TestAddress_DistinctInputs(t *testing.T) {
	a := Address([]byte("envelope-a"))
	b := Address([]byte("envelope-b"))
	assert.NotEqual(t, a, b)
	assert.False(t, Verify(a, []byte("envelope-b")))
}

func TestDigest_TextForm(t *testing.T) {
	d := Address([]byte("x"))
	s := d.String()
	assert.Len(t, s, EncodedLen)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	var viaText Digest
	require.NoError(t, viaText.UnmarshalText([]byte(s)))
	assert.Equal(t, d, viaText)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"truncated", strings.Repeat("A", 40)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrInvalidDigest)
		})
	}
}

func TestDigest_CID(t *testing.T) {
	d := Address([]byte("x"))
	c := d.CID()
	require.True(t, c.Defined())
	assert.Equal(t, c.String(), d.CID().String())

	decoded := c.Hash()
	assert.True(t, strings.HasSuffix(string(decoded), string(d[:])))
}

func TestDigest_BytesIsACopy(t *testing.T) {
	d := Address([]byte("x"))
	b := d.Bytes()
	b[0] ^= 0xff
	assert.NotEqual(t, b[0], d[0])
	assert.False(t, d.IsZero())
	assert.True(t, Digest{}.IsZero())
}
