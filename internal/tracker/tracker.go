// Package tracker implements the BitTorrent HTTP tracker announce
// protocol, including BEP-12 multi-tier announce list rotation.
package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nullseed/swarmd/internal/stats"
	"github.com/nullseed/swarmd/internal/swarmerr"
	"github.com/nullseed/swarmd/pkg/peerconn"
)

// Event is the lifecycle event reported alongside an announce.
type Event string

// Announce events, per BEP 3.
const (
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
	EventRegular   Event = "" // omitted from the request entirely
)

// pollInterval is how often Run checks whether any tier is due for a
// regular re-announce.
const pollInterval = time.Second

// defaultInterval is used when a tracker's response omits "interval".
const defaultInterval = 30 * time.Minute

// rawResponse mirrors the bencode dictionary returned by an HTTP
// tracker's announce endpoint.
type rawResponse struct {
	Failure    string `bencode:"failure reason"`
	Warning    string `bencode:"warning message"`
	Interval   int    `bencode:"interval"`
	MinIterval int    `bencode:"min interval"`
	TrackerID  string `bencode:"tracker id"`
	Complete   int    `bencode:"complete"`
	Incomplete int    `bencode:"incomplete"`
	Peers      string `bencode:"peers"`
}

// Response is a decoded, validated tracker announce response.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Complete    int
	Incomplete  int
	Peers       []peerconn.Peer
}

// tier is one BEP-12 announce-list tier: a set of equivalent tracker
// URLs, tried in rotation until one succeeds. A successful URL is
// moved to the front of its tier, per BEP-12.
type tier struct {
	urls        []string
	interval    time.Duration
	minInterval time.Duration
	nextQuery   time.Time
}

// Manager tracks announce state across every tier of a torrent's
// announce list and periodically re-announces to keep the peer list
// fresh.
type Manager struct {
	mu    sync.Mutex
	tiers []*tier

	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	length   int64

	client *http.Client
	log    *zap.Logger

	onPeers     func([]peerconn.Peer)
	statsSource func() stats.Statistic
}

// NewManager builds a Manager from a metainfo's announce/announce-list
// fields. If announceList is empty, announce is used as a single,
// single-url tier.
func NewManager(announce string, announceList [][]string, infoHash, peerID [20]byte, length int64, port uint16, log *zap.Logger) *Manager {
	var tiers []*tier
	if len(announceList) > 0 {
		for _, group := range announceList {
			urls := append([]string(nil), group...)
			rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
			tiers = append(tiers, &tier{urls: urls})
		}
	} else {
		tiers = []*tier{{urls: []string{announce}}}
	}

	return &Manager{
		tiers:    tiers,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		length:   length,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
	}
}

// OnPeers registers the callback invoked with every peer list a
// tracker returns.
func (m *Manager) OnPeers(f func([]peerconn.Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeers = f
}

// SetStatsSource registers the callback Run polls for the upload and
// download counters to report in each announce.
func (m *Manager) SetStatsSource(f func() stats.Statistic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsSource = f
}

// Run polls every tier once a second and re-announces any tier whose
// interval has elapsed, sending EventStarted on a tier's first ever
// announce. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollTiers(ctx)
		}
	}
}

func (m *Manager) pollTiers(ctx context.Context) {
	m.mu.Lock()
	due := make([]*tier, 0, len(m.tiers))
	now := time.Now()
	for _, t := range m.tiers {
		if !t.nextQuery.After(now) {
			due = append(due, t)
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		event := EventRegular
		if t.nextQuery.IsZero() {
			event = EventStarted
		}
		if err := m.announceTier(ctx, t, event); err != nil && m.log != nil {
			m.log.Warn("tracker announce failed", zap.Error(err))
		}
	}
}

// announceTier tries every url in t, in rotation, until one succeeds.
// A success moves that url to the front of t's rotation and reschedules
// t's next query.
func (m *Manager) announceTier(ctx context.Context, t *tier, event Event) error {
	m.mu.Lock()
	n := len(t.urls)
	m.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		m.mu.Lock()
		u := t.urls[0]
		m.mu.Unlock()

		res, err := m.announceOnce(ctx, u, event)
		if err == nil {
			m.mu.Lock()
			t.interval = res.Interval
			t.minInterval = res.MinInterval
			if t.minInterval == 0 {
				t.minInterval = t.interval
			}
			wait := t.interval
			if t.minInterval < wait {
				wait = t.minInterval
			}
			t.nextQuery = time.Now().Add(wait)
			m.mu.Unlock()

			if m.onPeers != nil {
				m.onPeers(res.Peers)
			}
			return nil
		}

		lastErr = err
		m.mu.Lock()
		t.urls = append(t.urls[1:], t.urls[0]) // rotate the failed url to the back
		m.mu.Unlock()
	}

	return swarmerr.Wrap(lastErr, swarmerr.TrackerRequestFailed, "every url in tier failed")
}

// announceOnce issues a single HTTP GET announce to rawURL.
func (m *Manager) announceOnce(ctx context.Context, rawURL string, event Event) (*Response, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: parse announce url")
	}

	uploaded, downloaded, left := m.progress()

	params := url.Values{
		"info_hash":  []string{string(m.infoHash[:])},
		"peer_id":    []string{string(m.peerID[:])},
		"port":       []string{strconv.Itoa(int(m.port))},
		"uploaded":   []string{strconv.FormatInt(uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
		"numwant":    []string{"50"},
	}
	if event != EventRegular {
		params.Set("event", string(event))
	}
	base.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: %s returned status %d", rawURL, resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, errors.Wrap(err, "tracker: decode response")
	}
	if raw.Failure != "" {
		return nil, errors.New("tracker: " + raw.Failure)
	}

	peers, err := peerconn.UnmarshalPeers([]byte(raw.Peers))
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode peer list")
	}

	interval := time.Duration(raw.Interval) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Response{
		Interval:    interval,
		MinInterval: time.Duration(raw.MinIterval) * time.Second,
		TrackerID:   raw.TrackerID,
		Complete:    raw.Complete,
		Incomplete:  raw.Incomplete,
		Peers:       peers,
	}, nil
}

func (m *Manager) progress() (uploaded, downloaded, left int64) {
	m.mu.Lock()
	src := m.statsSource
	m.mu.Unlock()

	if src == nil {
		return 0, 0, m.length
	}
	s := src()
	return s.Uploaded, s.Downloaded, s.Left
}

// Complete announces EventCompleted to every tier's current preferred
// url, concurrently, and waits for all of them to finish.
func (m *Manager) Complete(ctx context.Context) {
	m.broadcast(ctx, EventCompleted)
}

// Stop announces EventStopped to every tier's current preferred url,
// concurrently, and waits for all of them to finish.
func (m *Manager) Stop(ctx context.Context) {
	m.broadcast(ctx, EventStopped)
}

func (m *Manager) broadcast(ctx context.Context, event Event) {
	m.mu.Lock()
	urls := make([]string, 0, len(m.tiers))
	for _, t := range m.tiers {
		if len(t.urls) > 0 {
			urls = append(urls, t.urls[0])
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := m.announceOnce(ctx, u, event); err != nil && m.log != nil {
				m.log.Warn("tracker shutdown announce failed", zap.String("url", u), zap.Error(err))
			}
		}(u)
	}
	wg.Wait()
}
