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

// Package metainfo decodes .torrent metainfo files into a typed view,
// deriving the fields a client needs to announce to trackers and to
// verify and lay out downloaded pieces on disk.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nullseed/swarmd/pkg/bencode"
)

// HashSize is the length in bytes of a SHA-1 piece or info hash.
const HashSize = 20

// Hash is a SHA-1 hash, used both for the infohash and individual piece
// hashes.
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// rawInfo mirrors the bencode "info" dictionary shared by single- and
// multi-file torrents.
type rawInfo struct {
	PieceLength int        `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int        `bencode:"length"`
	Files       []rawFile  `bencode:"files"`
	Private     int        `bencode:"private"`
}

type rawFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawMetainfo mirrors the top-level bencode dictionary of a .torrent file.
type rawMetainfo struct {
	Info         rawInfo    `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	CreationDate int64      `bencode:"creation date"`
	Encoding     string     `bencode:"encoding"`
}

// File describes a single file inside a (possibly multi-file) torrent.
type File struct {
	Length int    // length of the file in bytes
	Path   string // path of the file relative to the torrent's root
}

// Metainfo is the parsed, validated contents of a .torrent file.
type Metainfo struct {
	InfoHash Hash // SHA-1 of the raw, unreencoded "info" dictionary bytes

	Announce     string     // primary tracker announce URL
	AnnounceList [][]string // BEP-12 tiered announce list, may be empty

	Name        string // suggested file or directory name
	Comment     string
	CreatedBy   string
	Private     bool

	PieceLength int    // length in bytes of every piece except possibly the last
	PieceHashes []Hash // SHA-1 hash of every piece, in order

	Files  []File // one entry for single-file torrents too
	Length int    // total length across all files
}

// Open decodes and validates a .torrent metainfo file from raw bytes.
func Open(data []byte) (*Metainfo, error) {
	var raw rawMetainfo
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "metainfo: decode")
	}

	if raw.Info.PieceLength <= 0 {
		return nil, errors.New("metainfo: missing or non-positive piece length")
	}
	if len(raw.Info.Pieces)%HashSize != 0 {
		return nil, errors.Errorf("metainfo: malformed pieces string of length %d", len(raw.Info.Pieces))
	}
	if raw.Info.Name == "" {
		return nil, errors.New("metainfo: missing name")
	}

	start, end, err := bencode.InfoRange(data)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: locate info dictionary")
	}
	infoHash := sha1.Sum(data[start : end+1])

	pieceHashes, err := splitHashes(raw.Info.Pieces)
	if err != nil {
		return nil, err
	}

	files, length := deriveFiles(raw.Info)

	expectedPieces := (length + raw.Info.PieceLength - 1) / raw.Info.PieceLength
	if length > 0 && expectedPieces != len(pieceHashes) {
		return nil, errors.Errorf(
			"metainfo: piece count mismatch, expected %d pieces for %d bytes at %d piece length, got %d",
			expectedPieces, length, raw.Info.PieceLength, len(pieceHashes),
		)
	}

	return &Metainfo{
		InfoHash:     infoHash,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Name:         raw.Info.Name,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
		Private:      raw.Info.Private != 0,
		PieceLength:  raw.Info.PieceLength,
		PieceHashes:  pieceHashes,
		Files:        files,
		Length:       length,
	}, nil
}

// splitHashes splits the concatenated pieces string into individual
// SHA-1 hashes.
func splitHashes(pieces string) ([]Hash, error) {
	n := len(pieces) / HashSize
	hashes := make([]Hash, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], pieces[i*HashSize:(i+1)*HashSize])
	}
	return hashes, nil
}

// deriveFiles returns the file list and total length for info, handling
// both the single-file and multi-file forms of the info dictionary.
func deriveFiles(info rawInfo) ([]File, int) {
	if len(info.Files) == 0 {
		return []File{{Length: info.Length, Path: info.Name}}, info.Length
	}

	files := make([]File, len(info.Files))
	total := 0
	for i, f := range info.Files {
		files[i] = File{Length: f.Length, Path: filepath.Join(f.Path...)}
		total += f.Length
	}
	return files, total
}

// IsSingleFile reports whether the torrent describes exactly one file
// with no enclosing directory.
func (m *Metainfo) IsSingleFile() bool {
	return len(m.Files) == 1 && m.Files[0].Path == m.Name
}

// NumPieces returns the number of pieces in the torrent.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceSize returns the size in bytes of piece i, accounting for the
// final piece being shorter than PieceLength.
func (m *Metainfo) PieceSize(i int) int {
	if i < 0 || i >= m.NumPieces() {
		return 0
	}
	if i == m.NumPieces()-1 {
		if last := m.Length - i*m.PieceLength; last > 0 {
			return last
		}
	}
	return m.PieceLength
}
