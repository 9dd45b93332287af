package tracker_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullseed/swarmd/internal/tracker"
	"github.com/nullseed/swarmd/pkg/peerconn"
)

type fakeResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

func encodeResponse(t *testing.T, r fakeResponse) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, r))
	return buf.Bytes()
}

func TestAnnounceTierDeliversPeers(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	body := encodeResponse(t, fakeResponse{Interval: 1, Peers: string(peerBytes)})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	mgr := tracker.NewManager(srv.URL, nil, infoHash, peerID, 100, 6881, nil)

	var mu sync.Mutex
	var got []peerconn.Peer
	received := make(chan struct{}, 1)
	mgr.OnPeers(func(peers []peerconn.Peer) {
		mu.Lock()
		got = peers
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go mgr.Run(ctx)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no peers delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "127.0.0.1:6881", got[0].String())
}

func TestAnnounceTierFallsBackOnFailure(t *testing.T) {
	var calls int32

	peerBytes := []byte{10, 0, 0, 1, 0x00, 0x50}
	body := encodeResponse(t, fakeResponse{Interval: 60, Peers: string(peerBytes)})

	// NewManager shuffles each tier, so either url may be asked first:
	// whichever one is asked first fails, and the tier has to fall
	// through to the other one.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(body)
	})
	first := httptest.NewServer(handler)
	defer first.Close()
	second := httptest.NewServer(handler)
	defer second.Close()

	var infoHash, peerID [20]byte
	mgr := tracker.NewManager("", [][]string{{first.URL, second.URL}}, infoHash, peerID, 100, 6881, nil)

	received := make(chan []peerconn.Peer, 1)
	mgr.OnPeers(func(peers []peerconn.Peer) {
		select {
		case received <- peers:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go mgr.Run(ctx)

	select {
	case peers := <-received:
		assert.Len(t, peers, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("tier never fell through to the working url")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
