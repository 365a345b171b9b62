//nolint:testpackage
package daemon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numtide/harmonia/testhelper"
)

func TestStringFraming(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"a",
		"12345678",      // exactly one frame, no padding
		"123456789",     // one byte into the next frame
		"/nix/store/" + testhelper.MustRandNarInfoHash() + "-hello-2.12.1",
	}

	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			require.NoError(t, writeString(&buf, s))

			// Length prefix plus payload padded to an 8-byte boundary.
			assert.Zero(t, (buf.Len()-8)%8)

			got, err := readString(&buf, MaxStringSize)
			require.NoError(t, err)
			assert.Equal(t, s, got)
			assert.Zero(t, buf.Len(), "no trailing bytes left behind")
		})
	}
}

func TestReadStringRejectsOversizedLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, writeUint64(&buf, MaxStringSize+1))

	_, err := readString(&buf, MaxStringSize)
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestStringsFraming(t *testing.T) {
	t.Parallel()

	tests := [][]string{
		nil,
		{"one"},
		{"a", "bb", "ccc", ""},
	}

	for _, ss := range tests {
		var buf bytes.Buffer

		require.NoError(t, writeStrings(&buf, ss))

		got, err := readStrings(&buf, MaxStringSize)
		require.NoError(t, err)
		require.Len(t, got, len(ss))

		for i := range ss {
			assert.Equal(t, ss[i], got[i])
		}
	}
}

func TestBoolFraming(t *testing.T) {
	t.Parallel()

	for _, b := range []bool{true, false} {
		var buf bytes.Buffer

		require.NoError(t, writeBool(&buf, b))

		got, err := readBool(&buf)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
}

func TestPadLen(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, padLen(0))
	assert.Equal(t, 7, padLen(1))
	assert.Equal(t, 1, padLen(7))
	assert.Equal(t, 0, padLen(8))
	assert.Equal(t, 3, padLen(13))
}

func TestVersionPacking(t *testing.T) {
	t.Parallel()

	major, minor := unpackVersion(packVersion(1, 38))
	assert.Equal(t, 1, major)
	assert.Equal(t, 38, minor)

	major, minor = unpackVersion(packVersion(1, 21))
	assert.Equal(t, 1, major)
	assert.Equal(t, 21, minor)
}
