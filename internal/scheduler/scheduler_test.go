package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nullseed/swarmd/pkg/metainfo"
)

func TestBlockOffsetsExactMultiple(t *testing.T) {
	offsets := blockOffsets(BlockSize * 3)
	assert.Len(t, offsets, 3)
	for i, o := range offsets {
		assert.Equal(t, i*BlockSize, o.begin)
		assert.Equal(t, BlockSize, o.length)
	}
}

func TestBlockOffsetsShortFinalBlock(t *testing.T) {
	offsets := blockOffsets(BlockSize*2 + 100)
	assert.Len(t, offsets, 3)
	assert.Equal(t, BlockSize, offsets[0].length)
	assert.Equal(t, BlockSize, offsets[1].length)
	assert.Equal(t, 100, offsets[2].length)
	assert.Equal(t, BlockSize*2, offsets[2].begin)
}

func TestBlockOffsetsShortPiece(t *testing.T) {
	offsets := blockOffsets(500)
	assert.Len(t, offsets, 1)
	assert.Equal(t, 0, offsets[0].begin)
	assert.Equal(t, 500, offsets[0].length)
}

func TestPieceSizeShortensLastPiece(t *testing.T) {
	s := &Scheduler{
		pieceLength: 10,
		length:      24,
		pieceHashes: make([]metainfo.Hash, 3),
	}

	assert.EqualValues(t, 10, s.pieceSize(0))
	assert.EqualValues(t, 10, s.pieceSize(1))
	assert.EqualValues(t, 4, s.pieceSize(2))
}

func TestFilterSessions(t *testing.T) {
	a := &session{}
	b := &session{}
	in := []*session{a, b}
	out := filterSessions(in, func(s *session) bool { return s == b })
	assert.Equal(t, []*session{b}, out)
}

func TestContainsSession(t *testing.T) {
	a := &session{}
	b := &session{}
	assert.True(t, containsSession([]*session{a}, a))
	assert.False(t, containsSession([]*session{a}, b))
}
