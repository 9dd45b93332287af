// Package files lays downloaded pieces out on disk according to a
// torrent's file list, resolving pieces that straddle file boundaries,
// and serves reads back out of a small LRU cache.
package files

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/nullseed/swarmd/internal/swarmerr"
	"github.com/nullseed/swarmd/pkg/bitfield"
	"github.com/nullseed/swarmd/pkg/metainfo"
)

// cacheSize bounds the number of recently read or written pieces kept
// in memory to serve to requesting peers without re-reading disk.
const cacheSize = 1000

// entry is a single file within the torrent, positioned at offset
// bytes into the logical concatenation of all files.
type entry struct {
	offset int64
	length int64
	path   string // absolute path on disk
}

// Manager maps between piece-indexed reads/writes and the underlying
// file layout of a (possibly multi-file) torrent.
type Manager struct {
	mu sync.Mutex

	destination string
	entries     []entry
	pieceLength int64
	totalLength int64
	pieceHashes []metainfo.Hash

	bitfield *bitfield.Bitfield
	cache    *lru.Cache
}

// Open prepares destination to receive m's files, creating any missing
// directories, and verifies any data already present against the
// recorded piece hashes so a resumed download doesn't re-fetch
// completed pieces.
func Open(destination string, m *metainfo.Metainfo) (*Manager, error) {
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return nil, swarmerr.Wrap(err, swarmerr.DestinationMissing, "creating destination directory")
	}

	entries := make([]entry, len(m.Files))
	var offset int64
	for i, f := range m.Files {
		entries[i] = entry{
			offset: offset,
			length: int64(f.Length),
			path:   filepath.Join(destination, f.Path),
		}
		offset += int64(f.Length)
	}

	mgr := &Manager{
		destination: destination,
		entries:     entries,
		pieceLength: int64(m.PieceLength),
		totalLength: int64(m.Length),
		pieceHashes: m.PieceHashes,
		bitfield:    bitfield.New(m.NumPieces()),
		cache:       lru.New(cacheSize),
	}

	mgr.verifyExisting()
	return mgr, nil
}

// verifyExisting reads back every piece already on disk and marks it
// present in the bitfield if its hash matches, letting a restarted
// download resume instead of starting over. Missing files are treated
// as missing pieces, not errors.
func (m *Manager) verifyExisting() {
	for i := 0; i < m.bitfield.Len(); i++ {
		data, err := m.ReadPiece(i)
		if err != nil {
			continue
		}
		if sha1.Sum(data) == [20]byte(m.pieceHashes[i]) {
			m.bitfield.Set(i)
		}
	}
}

// Bitfield returns the set of pieces currently verified present on
// disk. The returned value is shared; callers must not mutate it.
func (m *Manager) Bitfield() *bitfield.Bitfield {
	return m.bitfield
}

// pieceRange returns the [start, end) byte range, in the logical
// concatenation of all files, occupied by piece index.
func (m *Manager) pieceRange(index int) (start, end int64) {
	start = int64(index) * m.pieceLength
	end = start + m.pieceLength
	if end > m.totalLength {
		end = m.totalLength
	}
	return start, end
}

// WriteBlock writes a complete, hash-verified piece's bytes to disk,
// splitting it across every file it overlaps, and marks the piece
// present in the bitfield.
func (m *Manager) WriteBlock(index int, data []byte) error {
	start, end := m.pieceRange(index)
	if int64(len(data)) != end-start {
		return errors.Errorf("files: piece %d expected %d bytes, got %d", index, end-start, len(data))
	}

	for _, e := range m.entries {
		fileStart, fileEnd := e.offset, e.offset+e.length-1

		switch {
		case fileStart <= start && end-1 <= fileEnd:
			// piece lies entirely inside this file
			if err := writeAt(e.path, data, start-fileStart); err != nil {
				return err
			}

		case start <= fileStart && fileEnd <= end-1:
			// file lies entirely inside this piece
			lo := fileStart - start
			hi := fileEnd - start + 1
			if err := writeAt(e.path, data[lo:hi], 0); err != nil {
				return err
			}

		case fileStart <= start && start <= fileEnd && fileEnd <= end-1:
			// piece starts inside this file and runs past its end
			hi := fileEnd - start + 1
			if err := writeAt(e.path, data[:hi], start-fileStart); err != nil {
				return err
			}

		case start <= fileStart && fileStart <= end-1 && end-1 <= fileEnd:
			// piece starts before this file and ends inside it
			lo := fileStart - start
			if err := writeAt(e.path, data[lo:], 0); err != nil {
				return err
			}
		}
	}

	m.mu.Lock()
	m.cache.Add(index, append([]byte(nil), data...))
	m.mu.Unlock()
	m.bitfield.Set(index)
	return nil
}

// ReadPiece returns piece index's bytes, reassembled from whichever
// files it spans. Reads are served from an LRU cache when possible.
func (m *Manager) ReadPiece(index int) ([]byte, error) {
	m.mu.Lock()
	if v, ok := m.cache.Get(index); ok {
		m.mu.Unlock()
		return v.([]byte), nil
	}
	m.mu.Unlock()

	start, end := m.pieceRange(index)
	out := make([]byte, end-start)

	for _, e := range m.entries {
		fileStart, fileEnd := e.offset, e.offset+e.length-1

		switch {
		case fileStart <= start && end-1 <= fileEnd:
			if err := readAt(e.path, out, start-fileStart); err != nil {
				return nil, err
			}

		case start <= fileStart && fileEnd <= end-1:
			lo := fileStart - start
			hi := fileEnd - start + 1
			if err := readAt(e.path, out[lo:hi], 0); err != nil {
				return nil, err
			}

		case fileStart <= start && start <= fileEnd && fileEnd <= end-1:
			hi := fileEnd - start + 1
			if err := readAt(e.path, out[:hi], start-fileStart); err != nil {
				return nil, err
			}

		case start <= fileStart && fileStart <= end-1 && end-1 <= fileEnd:
			lo := fileStart - start
			if err := readAt(e.path, out[lo:], 0); err != nil {
				return nil, err
			}
		}
	}

	m.mu.Lock()
	m.cache.Add(index, append([]byte(nil), out...))
	m.mu.Unlock()
	return out, nil
}

func writeAt(path string, data []byte, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "files: creating directory for %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "files: opening %s", path)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "files: writing %s", path)
	}
	return nil
}

func readAt(path string, buf []byte, offset int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err // expected to be os.ErrNotExist for unwritten pieces
	}
	defer f.Close()

	_, err = f.ReadAt(buf, offset)
	return err
}
