package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullseed/swarmd/pkg/bitfield"
	"github.com/nullseed/swarmd/pkg/message"
)

// newTestPair returns a Conn wired to one end of an in-memory pipe, and
// the raw peer-side net.Conn for driving the test.
func newTestPair(numPieces int) (*Conn, net.Conn) {
	client, remote := net.Pipe()
	c := &Conn{
		conn:            client,
		peer:            Peer{IP: net.ParseIP("127.0.0.1"), Port: 6881},
		bitfield:        bitfield.New(numPieces),
		amChoking:       true,
		peerChoking:     true,
		lastMessageTime: time.Now(),
		pending:         make(map[blockKey]chan []byte),
		done:            make(chan struct{}),
	}
	return c, remote
}

func TestUnmarshalPeers(t *testing.T) {
	buf := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	peers, err := UnmarshalPeers(buf)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1:6881", peers[0].String())
}

func TestUnmarshalPeersRejectsBadLength(t *testing.T) {
	_, err := UnmarshalPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDispatchHaveUpdatesBitfield(t *testing.T) {
	c, remote := newTestPair(4)
	defer remote.Close()

	require.NoError(t, c.dispatch(message.NewHave(2)))
	assert.True(t, c.Bitfield().Has(2))
}

func TestDispatchChokeUnchoke(t *testing.T) {
	c, remote := newTestPair(1)
	defer remote.Close()

	require.NoError(t, c.dispatch(&message.Message{Identifier: message.UnChoke}))
	assert.False(t, c.PeerChoking())

	require.NoError(t, c.dispatch(&message.Message{Identifier: message.Choke}))
	assert.True(t, c.PeerChoking())
}

func TestDispatchBitfieldReplacesContent(t *testing.T) {
	c, remote := newTestPair(8)
	defer remote.Close()

	require.NoError(t, c.dispatch(message.NewBitfield([]byte{0xFF})))
	assert.True(t, c.Bitfield().Full())
}

func TestDispatchRequestInvokesHandler(t *testing.T) {
	c, remote := newTestPair(1)
	defer remote.Close()

	// requests are only forwarded while we are not choking the peer.
	c.amChoking = false

	called := make(chan [3]int, 1)
	c.OnRequest(func(conn *Conn, index, begin, length int) {
		called <- [3]int{index, begin, length}
	})

	require.NoError(t, c.dispatch(message.NewReqest(1, 2, 3)))
	select {
	case got := <-called:
		assert.Equal(t, [3]int{1, 2, 3}, got)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestRequestDeliversPiece(t *testing.T) {
	c, remote := newTestPair(4)
	defer remote.Close()
	defer c.Close()

	// drain the outbound Request message written to the pipe so Request
	// doesn't block on the write.
	go func() {
		buf := make([]byte, 17)
		remote.Read(buf)
	}()

	done := make(chan struct{})
	var block []byte
	var reqErr error
	go func() {
		block, reqErr = c.Request(context.Background(), 0, 0, 4)
		close(done)
	}()

	// give Request a moment to register the pending waiter before we
	// deliver the piece directly.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.dispatchPiece(message.NewPiece(0, 0, []byte("data"))))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Request did not complete")
	}
	require.NoError(t, reqErr)
	assert.Equal(t, []byte("data"), block)
}

func TestRequestContextCancel(t *testing.T) {
	c, remote := newTestPair(4)
	defer remote.Close()
	defer c.Close()

	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, 0, 0, 4)
	assert.Error(t, err)
}

func TestAcceptCompletesInboundHandshake(t *testing.T) {
	client, remote := net.Pipe()
	defer remote.Close()

	var infoHash, theirID, ourID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(theirID[:], "-XX0001-111111111111")
	copy(ourID[:], "-SD0001-222222222222")

	result := make(chan *Conn, 1)
	go func() {
		c, err := Accept(client, ourID, map[[20]byte]int{infoHash: 8}, nil)
		require.NoError(t, err)
		result <- c
	}()

	require.NoError(t, remote.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := remote.Write(message.NewHandshake(infoHash, theirID).Serialize())
	require.NoError(t, err)

	res, err := message.ReadHandshake(remote)
	require.NoError(t, err)
	assert.Equal(t, infoHash, res.InfoHash)
	assert.Equal(t, ourID, res.Identifier)

	select {
	case c := <-result:
		assert.Equal(t, theirID, c.peerID)
		assert.Equal(t, 8, c.Bitfield().Len())
	case <-time.After(time.Second):
		t.Fatal("Accept did not complete")
	}
}

func TestAcceptRejectsUnknownInfoHash(t *testing.T) {
	client, remote := net.Pipe()
	defer remote.Close()
	defer client.Close()

	var infoHash, otherHash, theirID, ourID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(otherHash[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(theirID[:], "-XX0001-111111111111")

	go func() {
		remote.Write(message.NewHandshake(infoHash, theirID).Serialize())
	}()

	_, err := Accept(client, ourID, map[[20]byte]int{otherHash: 8}, nil)
	assert.Error(t, err)
}

func TestCloseIsIdempotentAndUnblocksRequest(t *testing.T) {
	c, remote := newTestPair(4)
	defer remote.Close()

	go func() {
		buf := make([]byte, 64)
		remote.Read(buf)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), 0, 0, 4)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Request did not unblock on Close")
	}
}
