// Package scheduler is the download/upload engine: it keeps a pool of
// peer connections alive, decides which piece to request from which
// peer next, and serves blocks back out to peers that ask us for them.
//
// The original client ran all of this cooperatively on a single
// asyncio event loop. Here the same four responsibilities — keeping
// connections alive, tracking which peers we're interested in,
// requesting pieces, and serving uploads — each run as their own
// goroutine, coordinated through a single mutex that is never held
// across network I/O.
package scheduler

import (
	"context"
	"crypto/sha1"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nullseed/swarmd/internal/files"
	"github.com/nullseed/swarmd/internal/stats"
	"github.com/nullseed/swarmd/internal/swarmerr"
	"github.com/nullseed/swarmd/pkg/metainfo"
	"github.com/nullseed/swarmd/pkg/peerconn"
)

// BlockSize is the size in bytes of a single block request, per BEP 3
// convention (2^14 bytes).
const BlockSize = 16384

const (
	defaultMaxConnections  = 30
	defaultConnectBatch    = 4
	defaultConnectTimeout  = 10 * time.Second
	defaultPieceTimeout    = 15 * time.Second
	connectionPollInterval = 500 * time.Millisecond
	interestPollInterval   = 250 * time.Millisecond
	downloadIdleInterval   = 50 * time.Millisecond
)

// uploadRequest is a single block another peer asked us for.
type uploadRequest struct {
	conn                 *peerconn.Conn
	index, begin, length int
}

// session tracks one live peer connection alongside the scheduling
// bookkeeping attached to it.
type session struct {
	peer peerconn.Peer
	conn *peerconn.Conn
}

// Config bundles the tunables a Scheduler needs beyond the torrent's
// own metainfo.
type Config struct {
	MaxConnections int
	ConnectBatch   int
	ConnectTimeout time.Duration
	PieceTimeout   time.Duration
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.ConnectBatch == 0 {
		c.ConnectBatch = defaultConnectBatch
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PieceTimeout == 0 {
		c.PieceTimeout = defaultPieceTimeout
	}
	return c
}

// Scheduler drives a single torrent's swarm: connecting to peers,
// tracking interest, requesting rarest-first pieces, and serving
// uploads.
type Scheduler struct {
	cfg Config

	infoHash    [20]byte
	clientID    [20]byte
	pieceLength int64
	length      int64
	pieceHashes []metainfo.Hash

	files *files.Manager
	log   *zap.Logger

	mu            sync.Mutex
	known         map[string]peerconn.Peer
	connected     map[string]*session
	interesting   []*session
	busy          map[string]bool       // peer address -> has an outstanding piece request
	pieceWaiters  map[int]map[string]bool // piece index -> set of peer addresses requesting it
	queue         []int                 // rarest-first piece indices awaiting a request
	roundRobin    int

	uploadQueue chan uploadRequest

	uploadedBytes   int64
	downloadedBytes int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Scheduler for the given metainfo, serving data out of
// fileMgr and identifying itself to peers as clientID.
func New(m *metainfo.Metainfo, fileMgr *files.Manager, clientID [20]byte, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:          cfg,
		infoHash:     m.InfoHash,
		clientID:     clientID,
		pieceLength:  int64(m.PieceLength),
		length:       int64(m.Length),
		pieceHashes:  m.PieceHashes,
		files:        fileMgr,
		log:          cfg.Logger,
		known:        make(map[string]peerconn.Peer),
		connected:    make(map[string]*session),
		busy:         make(map[string]bool),
		pieceWaiters: make(map[int]map[string]bool),
		uploadQueue:  make(chan uploadRequest, 1000),
		stopCh:       make(chan struct{}),
	}
}

// UpdatePeers merges newly discovered peers (typically from a tracker
// announce) into the known set, ignoring ones we already know about.
func (s *Scheduler) UpdatePeers(peers []peerconn.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		addr := p.String()
		if _, ok := s.known[addr]; !ok {
			s.known[addr] = p
		}
	}
}

// Start launches the connection supporter, interest supporter, and
// upload server as background goroutines. It returns immediately;
// call Download to run the main download loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.connectionSupporterLoop(ctx)
	go s.interestSupporterLoop(ctx)
	go s.uploadLoop(ctx)
}

// Shutdown stops all background loops and disconnects every connected
// peer. It is safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		sessions := make([]*session, 0, len(s.connected))
		for _, sess := range s.connected {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Add(1)
			go func(sess *session) {
				defer wg.Done()
				sess.conn.Close()
			}(sess)
		}
		wg.Wait()
	})
}

// Stats returns a snapshot of the swarm's current progress.
func (s *Scheduler) Stats() stats.Statistic {
	bf := s.files.Bitfield()

	s.mu.Lock()
	connected := len(s.connected)
	interesting := len(s.interesting)
	known := len(s.known)
	s.mu.Unlock()

	left := s.length - int64(bf.CountSet())*s.pieceLength
	if bf.Full() {
		left = 0
	}
	if left < 0 {
		left = 0
	}

	return stats.Statistic{
		Uploaded:    atomic.LoadInt64(&s.uploadedBytes),
		Downloaded:  atomic.LoadInt64(&s.downloadedBytes),
		Left:        left,
		Length:      s.length,
		PeersCount:  known,
		Connected:   connected,
		Interesting: interesting,
	}
}

// connectionSupporterLoop dials unconnected known peers in small
// batches until MaxConnections live sessions are held, and prunes
// sessions whose connection has died.
func (s *Scheduler) connectionSupporterLoop(ctx context.Context) {
	ticker := time.NewTicker(connectionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pruneDeadSessions()
			s.growConnections(ctx)
		}
	}
}

func (s *Scheduler) pruneDeadSessions() {
	s.mu.Lock()
	var dead []*session
	for addr, sess := range s.connected {
		if sess.conn.Closed() {
			dead = append(dead, sess)
			delete(s.connected, addr)
		}
	}
	s.interesting = filterSessions(s.interesting, func(sess *session) bool {
		_, ok := s.connected[sess.peer.String()]
		return ok
	})
	s.mu.Unlock()

	for _, sess := range dead {
		if s.log != nil {
			s.log.Info("peer disconnected", zap.String("peer", sess.peer.String()))
		}
	}
}

func (s *Scheduler) growConnections(ctx context.Context) {
	s.mu.Lock()
	if len(s.connected) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		return
	}

	var candidates []peerconn.Peer
	for addr, p := range s.known {
		if _, ok := s.connected[addr]; ok {
			continue
		}
		candidates = append(candidates, p)
		if len(candidates) >= s.cfg.ConnectBatch {
			break
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p peerconn.Peer) {
			defer wg.Done()
			s.connectPeer(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (s *Scheduler) connectPeer(ctx context.Context, p peerconn.Peer) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := peerconn.Dial(dialCtx, p, s.infoHash, s.clientID, len(s.pieceHashes), s.log)
	if err != nil {
		if s.log != nil {
			s.log.Debug("peer connect failed", zap.String("peer", p.String()), zap.Error(err))
		}
		s.mu.Lock()
		delete(s.known, p.String())
		s.mu.Unlock()
		return
	}

	sess := &session{peer: p, conn: conn}
	conn.OnRequest(func(c *peerconn.Conn, index, begin, length int) {
		s.handleUploadRequest(c, index, begin, length)
	})

	s.mu.Lock()
	s.connected[p.String()] = sess
	haveEverything := !s.files.Bitfield().Empty()
	s.mu.Unlock()

	go conn.Serve(ctx)

	if haveEverything {
		conn.SendBitfield(s.files.Bitfield())
	}
	conn.Unchoke()

	if s.log != nil {
		s.log.Info("peer connected", zap.String("peer", p.String()))
	}
}

// AdoptConnection registers an already-handshaked inbound connection
// (one accepted via peerconn.Accept rather than dialed by
// connectPeer) as a live session, wiring it the same way an outbound
// connection is wired once Dial succeeds.
func (s *Scheduler) AdoptConnection(conn *peerconn.Conn) {
	sess := &session{peer: conn.Peer(), conn: conn}
	conn.OnRequest(func(c *peerconn.Conn, index, begin, length int) {
		s.handleUploadRequest(c, index, begin, length)
	})

	s.mu.Lock()
	s.connected[conn.Peer().String()] = sess
	haveEverything := !s.files.Bitfield().Empty()
	s.mu.Unlock()

	if haveEverything {
		conn.SendBitfield(s.files.Bitfield())
	}
	conn.Unchoke()

	if s.log != nil {
		s.log.Info("inbound peer connected", zap.String("peer", conn.Peer().String()))
	}
}

func (s *Scheduler) handleUploadRequest(c *peerconn.Conn, index, begin, length int) {
	select {
	case s.uploadQueue <- uploadRequest{conn: c, index: index, begin: begin, length: length}:
	default:
		// queue full, drop the request; the peer will re-request if it
		// still wants the block.
	}
}

// interestSupporterLoop keeps our "interested" signal to each peer in
// sync with whether they have any piece we're missing, and maintains
// the set of unchoked, interesting peers the download loop draws from.
func (s *Scheduler) interestSupporterLoop(ctx context.Context) {
	ticker := time.NewTicker(interestPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshInterest()
		}
	}
}

func (s *Scheduler) refreshInterest() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.connected))
	for _, sess := range s.connected {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	ourBits := s.files.Bitfield()
	needsPrioritize := false

	for _, sess := range sessions {
		missing, err := ourBits.CountMissing(sess.conn.Bitfield())
		if err != nil {
			continue
		}

		if missing > 0 {
			if !sess.conn.AmInterested() {
				sess.conn.Interested()
				continue
			}
			if !sess.conn.PeerChoking() {
				s.mu.Lock()
				if !containsSession(s.interesting, sess) {
					s.interesting = append(s.interesting, sess)
					needsPrioritize = true
				}
				s.mu.Unlock()
			}
		} else if sess.conn.AmInterested() {
			sess.conn.NotInterested()
			s.mu.Lock()
			s.interesting = filterSessions(s.interesting, func(other *session) bool { return other != sess })
			s.mu.Unlock()
		}
	}

	if needsPrioritize {
		s.prioritize()
	}
}

// prioritize rebuilds the piece request queue in rarest-first order,
// counting only pieces held by peers we're currently interesting in
// and missing from our own bitfield.
func (s *Scheduler) prioritize() {
	ourBits := s.files.Bitfield()

	s.mu.Lock()
	sessions := append([]*session(nil), s.interesting...)
	s.mu.Unlock()

	type count struct {
		index int
		n     int
	}
	counts := make([]count, 0, ourBits.Len())
	for i := 0; i < ourBits.Len(); i++ {
		if ourBits.Has(i) {
			continue
		}
		n := 0
		for _, sess := range sessions {
			if sess.conn.Bitfield().Has(i) {
				n++
			}
		}
		if n > 0 {
			counts = append(counts, count{index: i, n: n})
		}
	}

	for i := 1; i < len(counts); i++ {
		for j := i; j > 0 && counts[j].n < counts[j-1].n; j-- {
			counts[j], counts[j-1] = counts[j-1], counts[j]
		}
	}

	queue := make([]int, len(counts))
	for i, c := range counts {
		queue[i] = c.index
	}

	s.mu.Lock()
	s.queue = queue
	s.mu.Unlock()
}

// Download runs the main piece-scheduling loop until every piece is
// downloaded or ctx is cancelled.
func (s *Scheduler) Download(ctx context.Context) error {
	var pending *int

	for {
		if s.files.Bitfield().Full() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		if pending == nil {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				s.prioritize()
				time.Sleep(downloadIdleInterval)
				continue
			}
			idx := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			pending = &idx
		}

		assigned := s.assignPiece(ctx, *pending)
		if assigned {
			pending = nil
		} else {
			time.Sleep(downloadIdleInterval)
		}
	}
}

// assignPiece tries to hand piece index to the next idle, interesting
// peer in round-robin order that both has the piece and isn't already
// being asked for it. It reports whether a peer was found.
func (s *Scheduler) assignPiece(ctx context.Context, index int) bool {
	s.mu.Lock()
	n := len(s.interesting)
	if n == 0 {
		s.mu.Unlock()
		return false
	}

	for i := 0; i < n; i++ {
		sess := s.interesting[(s.roundRobin+i)%n]
		addr := sess.peer.String()

		if s.busy[addr] {
			continue
		}
		if s.pieceWaiters[index][addr] {
			continue
		}
		if !sess.conn.Bitfield().Has(index) {
			continue
		}

		s.busy[addr] = true
		if s.pieceWaiters[index] == nil {
			s.pieceWaiters[index] = make(map[string]bool)
		}
		s.pieceWaiters[index][addr] = true
		s.roundRobin = (s.roundRobin + i + 1) % n
		s.mu.Unlock()

		go s.requestPiece(ctx, sess, index)
		return true
	}

	s.mu.Unlock()
	return false
}

// requestPiece fetches every block of piece index from sess, verifies
// the assembled piece's hash, writes it to disk and announces it to
// peers that don't have it yet.
func (s *Scheduler) requestPiece(ctx context.Context, sess *session, index int) {
	addr := sess.peer.String()
	defer func() {
		s.mu.Lock()
		delete(s.busy, addr)
		s.mu.Unlock()
	}()

	pieceLen := s.pieceSize(index)
	offsets := blockOffsets(pieceLen)

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.PieceTimeout)
	defer cancel()

	blocks := make([][]byte, len(offsets))
	errs := make([]error, len(offsets))

	var wg sync.WaitGroup
	for i, off := range offsets {
		wg.Add(1)
		go func(i int, begin, length int) {
			defer wg.Done()
			block, err := sess.conn.Request(reqCtx, index, begin, length)
			blocks[i] = block
			errs[i] = err
		}(i, off.begin, off.length)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = swarmerr.Wrap(err, swarmerr.PieceReceiveTimeout, "piece request timed out")
			}
			s.forgetPieceWaiter(index, addr)
			if s.log != nil {
				s.log.Debug("piece request failed", zap.String("peer", addr), zap.Int("piece", index), zap.Error(err))
			}
			return
		}
	}

	piece := make([]byte, 0, pieceLen)
	for _, b := range blocks {
		piece = append(piece, b...)
	}
	atomic.AddInt64(&s.downloadedBytes, int64(len(piece)))

	if sha1.Sum(piece) != [20]byte(s.pieceHashes[index]) {
		s.forgetPieceWaiter(index, addr)
		verifyErr := swarmerr.New(swarmerr.PieceHashMismatch, "piece failed verification")
		if s.log != nil {
			s.log.Warn("piece hash mismatch", zap.String("peer", addr), zap.Int("piece", index), zap.Error(verifyErr))
		}
		return
	}

	s.mu.Lock()
	if s.files.Bitfield().Has(index) {
		s.mu.Unlock()
		s.forgetPieceWaiter(index, addr)
		return // another peer already delivered this piece
	}
	err := s.files.WriteBlock(index, piece)
	s.mu.Unlock()

	if err != nil {
		if s.log != nil {
			s.log.Error("writing piece to disk failed", zap.Int("piece", index), zap.Error(err))
		}
		s.forgetPieceWaiter(index, addr)
		return
	}

	if s.log != nil {
		s.log.Info("piece complete", zap.Int("piece", index), zap.String("from", addr))
	}

	s.cancelOtherRequesters(index, addr, offsets)
	s.forgetPieceWaiter(index, addr)
	s.sendHaves(index)
}

// cancelOtherRequesters tells every other peer still being asked for
// index that the request is no longer needed, now that addr has
// delivered a verified copy of it.
func (s *Scheduler) cancelOtherRequesters(index int, addr string, offsets []blockOffset) {
	s.mu.Lock()
	var others []*session
	for other := range s.pieceWaiters[index] {
		if other == addr {
			continue
		}
		if sess, ok := s.connected[other]; ok {
			others = append(others, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range others {
		for _, off := range offsets {
			sess.conn.Cancel(index, off.begin, off.length)
		}
	}
}

func (s *Scheduler) forgetPieceWaiter(index int, addr string) {
	s.mu.Lock()
	delete(s.pieceWaiters[index], addr)
	if len(s.pieceWaiters[index]) == 0 {
		delete(s.pieceWaiters, index)
	}
	s.mu.Unlock()
}

func (s *Scheduler) sendHaves(index int) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.connected))
	for _, sess := range s.connected {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.conn.Bitfield().Has(index) {
			continue
		}
		go sess.conn.Have(index)
	}
}

// uploadLoop serves blocks out of the upload queue to whichever peer
// requested them.
func (s *Scheduler) uploadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case req := <-s.uploadQueue:
			s.serveUpload(req)
		}
	}
}

func (s *Scheduler) serveUpload(req uploadRequest) {
	if !s.files.Bitfield().Has(req.index) {
		return
	}

	piece, err := s.files.ReadPiece(req.index)
	if err != nil {
		return
	}

	end := req.begin + req.length
	if req.begin < 0 || end > len(piece) {
		return
	}

	if err := req.conn.SendPiece(req.index, req.begin, piece[req.begin:end]); err != nil {
		return
	}
	atomic.AddInt64(&s.uploadedBytes, int64(req.length))
}

// pieceSize returns the size in bytes of piece index, accounting for a
// short final piece.
func (s *Scheduler) pieceSize(index int) int64 {
	if index == len(s.pieceHashes)-1 {
		if rem := s.length % s.pieceLength; rem != 0 {
			return rem
		}
	}
	return s.pieceLength
}

type blockOffset struct {
	begin, length int
}

// blockOffsets splits a piece of pieceLen bytes into BlockSize chunks,
// with a final short chunk if pieceLen isn't an exact multiple.
func blockOffsets(pieceLen int64) []blockOffset {
	var offsets []blockOffset
	var begin int64
	for begin+BlockSize <= pieceLen {
		offsets = append(offsets, blockOffset{begin: int(begin), length: BlockSize})
		begin += BlockSize
	}
	if begin < pieceLen {
		offsets = append(offsets, blockOffset{begin: int(begin), length: int(pieceLen - begin)})
	}
	return offsets
}

func filterSessions(in []*session, keep func(*session) bool) []*session {
	out := in[:0]
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func containsSession(in []*session, s *session) bool {
	for _, sess := range in {
		if sess == s {
			return true
		}
	}
	return false
}
