package bitfield_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullseed/swarmd/pkg/bitfield"
)

func TestSetHasIsExclusive(t *testing.T) {
	const n = 37 // spans 5 bytes, including a partial trailing byte
	for i := 0; i < n; i++ {
		bf := bitfield.New(n)
		bf.Set(i)
		for j := 0; j < n; j++ {
			assert.Equal(t, i == j, bf.Has(j), "bit %d after Set(%d)", j, i)
		}
	}
}

func TestHasOutOfRangeIsFalse(t *testing.T) {
	bf := bitfield.New(10)
	assert.False(t, bf.Has(-1))
	assert.False(t, bf.Has(10))
	assert.False(t, bf.Has(1000))
}

func TestFirstByteIsReachable(t *testing.T) {
	// regression: an earlier bounds check excluded byte 0 entirely.
	bf := bitfield.New(8)
	bf.Set(0)
	assert.True(t, bf.Has(0))
	bf.Clear(0)
	assert.False(t, bf.Has(0))
}

func TestClear(t *testing.T) {
	bf := bitfield.New(16)
	bf.Set(3)
	bf.Set(9)
	bf.Clear(3)
	assert.False(t, bf.Has(3))
	assert.True(t, bf.Has(9))
}

func TestEmptyAndFull(t *testing.T) {
	bf := bitfield.New(20)
	assert.True(t, bf.Empty())
	assert.False(t, bf.Full())

	for i := 0; i < 20; i++ {
		bf.Set(i)
	}
	assert.True(t, bf.Full())
	assert.False(t, bf.Empty())

	bf.Clear(19)
	assert.False(t, bf.Full())
}

func TestFullWithClearPaddingBits(t *testing.T) {
	// count=10 needs 2 bytes; the last 6 bits of byte 1 are padding, and
	// Full holds once bits 0-9 are set while the padding stays clear.
	raw := []byte{0xFF, 0xC0} // bits 0-9 set, trailing 6 padding bits clear
	bf, err := bitfield.FromBytes(10, raw)
	require.NoError(t, err)
	assert.True(t, bf.Full())
}

func TestCountSet(t *testing.T) {
	bf := bitfield.New(12)
	bf.Set(0)
	bf.Set(5)
	bf.Set(11)
	assert.Equal(t, 3, bf.CountSet())
}

func TestCountMissing(t *testing.T) {
	mine := bitfield.New(8)
	theirs := bitfield.New(8)

	theirs.Set(1)
	theirs.Set(2)
	theirs.Set(3)
	mine.Set(2)

	missing, err := mine.CountMissing(theirs)
	require.NoError(t, err)
	assert.Equal(t, 2, missing) // bits 1 and 3
}

func TestCountMissingLengthMismatch(t *testing.T) {
	a := bitfield.New(8)
	b := bitfield.New(16)
	_, err := a.CountMissing(b)
	assert.Error(t, err)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := bitfield.FromBytes(10, []byte{0x00})
	assert.Error(t, err)
}

func TestCopyFromRejectsWrongLength(t *testing.T) {
	bf := bitfield.New(10)
	err := bf.CopyFrom([]byte{0x00})
	assert.Error(t, err)
}

func TestCopyFromReplacesContent(t *testing.T) {
	bf := bitfield.New(8)
	require.NoError(t, bf.CopyFrom([]byte{0x80}))
	assert.True(t, bf.Has(0))
	assert.False(t, bf.Has(1))
}

func TestCloneIsIndependent(t *testing.T) {
	bf := bitfield.New(8)
	bf.Set(0)
	clone := bf.Clone()
	clone.Set(1)
	assert.False(t, bf.Has(1))
	assert.True(t, clone.Has(1))
}
