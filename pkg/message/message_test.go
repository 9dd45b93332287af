package message_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullseed/swarmd/pkg/message"
)

func roundtrip(t *testing.T, m *message.Message) *message.Message {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(m.Serialize())

	got, err := message.Read(&buf)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestRequestRoundtrip(t *testing.T) {
	m := message.NewReqest(3, 16384, 16384)
	got := roundtrip(t, m)

	assert.Equal(t, message.Request, got.Identifier)
	index, begin, length, err := message.ParseRequest(got)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestCancelRoundtrip(t *testing.T) {
	m := message.NewCancel(3, 16384, 16384)
	got := roundtrip(t, m)

	assert.Equal(t, message.Cancel, got.Identifier)
	index, begin, length, err := message.ParseRequest(got)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestHaveRoundtrip(t *testing.T) {
	m := message.NewHave(42)
	got := roundtrip(t, m)

	idx, err := message.ParseHave(got)
	require.NoError(t, err)
	assert.Equal(t, 42, idx)
}

func TestBitfieldRoundtrip(t *testing.T) {
	bits := []byte{0xFF, 0x0F}
	m := message.NewBitfield(bits)
	got := roundtrip(t, m)

	assert.Equal(t, message.Bitfield, got.Identifier)
	assert.Equal(t, bits, got.Payload)
}

func TestPieceRoundtrip(t *testing.T) {
	block := []byte("hello world")
	m := message.NewPiece(5, 10, block)
	got := roundtrip(t, m)

	buf := make([]byte, 21)
	n, err := message.ParsePiece(5, buf, got)
	require.NoError(t, err)
	assert.Equal(t, len(block), n)
	assert.Equal(t, block, buf[10:21])
}

func TestKeepAliveRoundtrips(t *testing.T) {
	var buf bytes.Buffer
	// a keep-alive is simply 4 zero bytes, represented by a nil message.
	buf.Write((*message.Message)(nil).Serialize())

	got, err := message.Read(&buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseRequestRejectsWrongIdentifier(t *testing.T) {
	m := message.NewHave(1)
	_, _, _, err := message.ParseRequest(m)
	assert.Error(t, err)
}
