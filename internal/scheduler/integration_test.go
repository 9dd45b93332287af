package scheduler

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullseed/swarmd/internal/files"
	"github.com/nullseed/swarmd/pkg/message"
	"github.com/nullseed/swarmd/pkg/metainfo"
	"github.com/nullseed/swarmd/pkg/peerconn"
)

// fakePeer drives the remote end of an in-memory pipe as if it were a
// real peer: completes the inbound handshake and answers every block
// request with the matching slice of data.
func fakePeer(t *testing.T, conn net.Conn, infoHash, peerID [20]byte, data []byte) {
	t.Helper()

	_, err := conn.Write(message.NewHandshake(infoHash, peerID).Serialize())
	require.NoError(t, err)

	_, err = message.ReadHandshake(conn)
	require.NoError(t, err)

	for {
		msg, err := message.Read(conn)
		if err != nil {
			return
		}
		if msg == nil || msg.Identifier != message.Request {
			continue
		}

		index, begin, length, err := message.ParseRequest(msg)
		if err != nil {
			return
		}
		block := data[begin : begin+length]
		if _, err := conn.Write(message.NewPiece(index, begin, block).Serialize()); err != nil {
			return
		}
	}
}

func TestSchedulerRequestPieceEndToEnd(t *testing.T) {
	dir := t.TempDir()

	pieceData := bytes.Repeat([]byte{0xAB}, BlockSize+500) // two blocks, second short
	hash := metainfo.Hash(sha1.Sum(pieceData))

	m := &metainfo.Metainfo{
		PieceLength: len(pieceData),
		Length:      len(pieceData),
		Files:       []metainfo.File{{Length: len(pieceData), Path: "f.bin"}},
		PieceHashes: []metainfo.Hash{hash},
	}

	fileMgr, err := files.Open(dir, m)
	require.NoError(t, err)

	client, remote := net.Pipe()
	defer remote.Close()

	var clientID, peerID [20]byte
	copy(clientID[:], "-SD0001-000000000000")

	go fakePeer(t, remote, m.InfoHash, peerID, pieceData)

	conn, err := peerconn.Accept(client, clientID, map[[20]byte]int{m.InfoHash: m.NumPieces()}, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	s := New(m, fileMgr, clientID, Config{PieceTimeout: 2 * time.Second})
	sess := &session{peer: conn.Peer(), conn: conn}

	s.requestPiece(ctx, sess, 0)

	assert.True(t, fileMgr.Bitfield().Has(0))
	assert.EqualValues(t, len(pieceData), s.Stats().Downloaded)
}
