// Copyright © 2021 Rak Laptudirm <raklaptudirm@gmail.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package peerconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nullseed/swarmd/internal/swarmerr"
	"github.com/nullseed/swarmd/pkg/bitfield"
	"github.com/nullseed/swarmd/pkg/message"
)

// dialTimeout bounds both the TCP dial and the handshake roundtrip.
const dialTimeout = 5 * time.Second

// keepAliveIdle is how long Conn may go without sending anything, while
// unchoked, before it sends a keep-alive of its own accord.
const keepAliveIdle = 10 * time.Second

// RequestHandler is invoked, from the connection's read loop, whenever
// the remote peer requests a block from us. Implementations must not
// block for long, since it runs inline with message dispatch.
type RequestHandler func(c *Conn, index, begin, length int)

// blockKey identifies a single in-flight block request.
type blockKey struct {
	index int
	begin int
}

// Conn is a single, live peer wire-protocol session. All exported
// methods are safe for concurrent use; the mutex guards everything
// except the raw socket I/O, which is never performed while holding
// it.
type Conn struct {
	conn net.Conn
	peer Peer
	log  *zap.Logger

	infoHash [20]byte
	peerID   [20]byte

	mu              sync.Mutex
	bitfield        *bitfield.Bitfield
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	lastMessageTime time.Time
	pending         map[blockKey]chan []byte
	closed          bool
	onRequest       RequestHandler

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a TCP connection to peer, performs the BitTorrent
// handshake and returns a Conn ready to Serve. numPieces sizes the
// peer's initially-empty bitfield.
func Dial(ctx context.Context, peer Peer, infoHash, clientID [20]byte, numPieces int, log *zap.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return nil, swarmerr.Wrap(err, swarmerr.PeerIoError, fmt.Sprintf("peerconn: dial %s", peer))
	}

	if err := handshake(conn, infoHash, clientID); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Conn{
		conn:            conn,
		peer:            peer,
		log:             log,
		infoHash:        infoHash,
		peerID:          clientID,
		bitfield:        bitfield.New(numPieces),
		amChoking:       true,
		peerChoking:     true,
		lastMessageTime: time.Now(),
		pending:         make(map[blockKey]chan []byte),
		done:            make(chan struct{}),
	}
	return c, nil
}

// Accept completes the server side of a handshake on an already
// accepted inbound connection: it reads the remote peer's handshake
// first, checks infoHash against knownInfoHashes, then replies with
// our own. knownInfoHashes lets a listener serving several torrents at
// once route an inbound connection to the right one.
func Accept(conn net.Conn, clientID [20]byte, knownInfoHashes map[[20]byte]int, log *zap.Logger) (*Conn, error) {
	conn.SetDeadline(time.Now().Add(dialTimeout))
	req, err := message.ReadHandshake(conn)
	if err != nil {
		conn.SetDeadline(time.Time{})
		return nil, swarmerr.Wrap(err, swarmerr.PeerIoError, "peerconn: read inbound handshake")
	}

	numPieces, ok := knownInfoHashes[req.InfoHash]
	if !ok {
		conn.SetDeadline(time.Time{})
		return nil, fmt.Errorf("peerconn: unknown infohash %x from %s", req.InfoHash, conn.RemoteAddr())
	}

	res := message.NewHandshake(req.InfoHash, clientID)
	if _, err := conn.Write(res.Serialize()); err != nil {
		conn.SetDeadline(time.Time{})
		return nil, swarmerr.Wrap(err, swarmerr.PeerIoError, "peerconn: send inbound handshake reply")
	}
	conn.SetDeadline(time.Time{})

	host, port := splitHostPort(conn.RemoteAddr())

	return &Conn{
		conn:            conn,
		peer:            Peer{IP: host, Port: port},
		log:             log,
		infoHash:        req.InfoHash,
		peerID:          req.Identifier,
		bitfield:        bitfield.New(numPieces),
		amChoking:       true,
		peerChoking:     true,
		lastMessageTime: time.Now(),
		pending:         make(map[blockKey]chan []byte),
		done:            make(chan struct{}),
	}, nil
}

func splitHostPort(addr net.Addr) (net.IP, uint16) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0
	}
	return tcpAddr.IP, uint16(tcpAddr.Port)
}

// handshake performs the initial handshake exchange and validates the
// remote peer's infohash.
func handshake(conn net.Conn, infoHash, clientID [20]byte) error {
	conn.SetDeadline(time.Now().Add(dialTimeout))
	defer conn.SetDeadline(time.Time{})

	req := message.NewHandshake(infoHash, clientID)
	if _, err := conn.Write(req.Serialize()); err != nil {
		return swarmerr.Wrap(err, swarmerr.PeerIoError, "peerconn: send handshake")
	}

	res, err := message.ReadHandshake(conn)
	if err != nil {
		return swarmerr.Wrap(err, swarmerr.PeerIoError, "peerconn: read handshake")
	}

	if err := res.Verify(infoHash); err != nil {
		return fmt.Errorf("peerconn: verify handshake: %w", err)
	}
	return nil
}

// Peer returns the remote peer's address.
func (c *Conn) Peer() Peer { return c.peer }

// Bitfield returns the peer's last known bitfield. The returned value
// is shared; callers must not mutate it.
func (c *Conn) Bitfield() *bitfield.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield
}

// AmChoking reports whether we are choking the peer.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// PeerChoking reports whether the peer is choking us.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// AmInterested reports whether we've told the peer we're interested.
func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// PeerInterested reports whether the peer has told us it's interested.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// OnRequest registers the callback invoked when the peer requests a
// block from us. It must be called before Serve.
func (c *Conn) OnRequest(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = h
}

// send serializes and writes msg, refreshing the idle timer.
func (c *Conn) send(msg *message.Message) error {
	if _, err := c.conn.Write(msg.Serialize()); err != nil {
		return swarmerr.Wrap(err, swarmerr.PeerIoError, fmt.Sprintf("peerconn: write to %s", c.peer))
	}
	c.mu.Lock()
	c.lastMessageTime = time.Now()
	c.mu.Unlock()
	return nil
}

// Choke tells the peer we are now choking it.
func (c *Conn) Choke() error {
	c.mu.Lock()
	c.amChoking = true
	c.mu.Unlock()
	return c.send(&message.Message{Identifier: message.Choke})
}

// Unchoke tells the peer we are no longer choking it.
func (c *Conn) Unchoke() error {
	c.mu.Lock()
	c.amChoking = false
	c.mu.Unlock()
	return c.send(&message.Message{Identifier: message.UnChoke})
}

// Interested tells the peer we want to download from it.
func (c *Conn) Interested() error {
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return c.send(&message.Message{Identifier: message.Interested})
}

// NotInterested tells the peer we no longer want to download from it.
func (c *Conn) NotInterested() error {
	c.mu.Lock()
	c.amInterested = false
	c.mu.Unlock()
	return c.send(&message.Message{Identifier: message.NotInterested})
}

// Have announces that we've finished downloading piece index.
func (c *Conn) Have(index int) error {
	return c.send(message.NewHave(index))
}

// SendBitfield sends our full bitfield to the peer. Per BEP 3 this must
// be the first message sent after the handshake, if sent at all.
func (c *Conn) SendBitfield(bf *bitfield.Bitfield) error {
	return c.send(message.NewBitfield(bf.Bytes()))
}

// KeepAlive sends an empty keep-alive message.
func (c *Conn) KeepAlive() error {
	return c.send((*message.Message)(nil))
}

// SendPiece sends a block of piece data to the peer, in response to a
// prior request it made of us.
func (c *Conn) SendPiece(index, begin int, block []byte) error {
	return c.send(message.NewPiece(index, begin, block))
}

// Request asks the peer for a block and blocks until it arrives, ctx
// is done, or the connection closes. Duplicate requests for the same
// (index, begin) replace the pending waiter.
func (c *Conn) Request(ctx context.Context, index, begin, length int) ([]byte, error) {
	key := blockKey{index, begin}
	ch := make(chan []byte, 1)

	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.send(message.NewReqest(index, begin, length)); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case block, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("peerconn: request to %s for piece %d/%d cancelled or connection closed", c.peer, index, begin)
		}
		return block, nil
	case <-ctx.Done():
		c.Cancel(index, begin, length)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("peerconn: connection to %s closed awaiting piece %d/%d", c.peer, index, begin)
	}
}

// Cancel withdraws a previously made Request, waking its caller with an
// error, and notifies the peer.
func (c *Conn) Cancel(index, begin, length int) error {
	key := blockKey{index, begin}

	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	close(ch)
	return c.send(message.NewCancel(index, begin, length))
}

// Serve runs the connection's read loop until the connection closes or
// ctx is cancelled, dispatching inbound messages. It also runs the
// idle keep-alive ticker. Serve blocks until the session ends; callers
// should run it in its own goroutine.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.keepAliveLoop(ctx)
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		msg, err := message.Read(c.conn)
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return swarmerr.Wrap(err, swarmerr.PeerIoError, fmt.Sprintf("peerconn: read from %s", c.peer))
		}

		if msg == nil {
			continue // keep-alive
		}

		if err := c.dispatch(msg); err != nil {
			c.Close()
			return err
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		default:
		}
	}
}

func (c *Conn) dispatch(msg *message.Message) error {
	switch msg.Identifier {
	case message.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()

	case message.UnChoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()

	case message.Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()

	case message.NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()

	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			return fmt.Errorf("peerconn: %s: %w", c.peer, err)
		}
		c.mu.Lock()
		c.bitfield.Set(index)
		c.mu.Unlock()

	case message.Bitfield:
		c.mu.Lock()
		err := c.bitfield.CopyFrom(msg.Payload)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("peerconn: %s sent malformed bitfield: %w", c.peer, err)
		}

	case message.Request:
		index, begin, length, err := message.ParseRequest(msg)
		if err != nil {
			return nil // malformed request, dropped silently
		}
		c.mu.Lock()
		handler := c.onRequest
		choking := c.amChoking
		c.mu.Unlock()
		if handler != nil && !choking {
			handler(c, index, begin, length)
		}

	case message.Piece:
		return c.dispatchPiece(msg)

	case message.Cancel:
		// an in-flight upload we haven't sent yet could honor this,
		// but the upload handler is expected to be fast enough that
		// it rarely matters; nothing to do on the read-loop side.

	default:
		if c.log != nil {
			c.log.Debug("unknown message identifier", zap.Int("peer", int(msg.Identifier)))
		}
	}
	return nil
}

func (c *Conn) dispatchPiece(msg *message.Message) error {
	if len(msg.Payload) < 8 {
		return nil // malformed piece, dropped silently
	}

	index := int(beUint32(msg.Payload[0:4]))
	begin := int(beUint32(msg.Payload[4:8]))
	block := msg.Payload[8:]

	key := blockKey{index, begin}

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		return nil // unsolicited or already-cancelled block
	}
	ch <- block
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// keepAliveLoop periodically sends a keep-alive if the connection has
// been idle while unchoked, mirroring the reference client's idle
// watchdog.
func (c *Conn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastMessageTime) >= keepAliveIdle
			peerChoking := c.peerChoking
			c.mu.Unlock()

			if idle && !peerChoking {
				c.KeepAlive()
			}
		}
	}
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close idempotently tears down the connection, waking every goroutine
// blocked in Request with an error.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[blockKey]chan []byte)
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
