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

package message

import (
	"fmt"
	"io"
)

// ProtocolName is the protocol the client is following.
const ProtocolName = "BitTorrent protocol"

const (
	reservedLen = 8
	hashLen     = 20
	// tailLen is the fixed-size portion following the protocol name:
	// reserved bits, infohash and peer identifier.
	tailLen = reservedLen + hashLen + hashLen
)

// Handshake represents an initial handshake message.
type Handshake struct {
	Protocol   string   // protocol understood by the sender
	Reserved   [8]byte  // reserved bits
	InfoHash   [20]byte // info hash of torrent
	Identifier [20]byte // identifier of sender
}

// NewHandshake creates a new Handshake value with the provided identifier
// and infohash.
func NewHandshake(hash, name [20]byte) *Handshake {
	return &Handshake{
		Protocol:   ProtocolName,
		InfoHash:   hash,
		Identifier: name,
	}
}

// Serialize encodes the handshake as:
// [1-byte protocol length][protocol][8 reserved][20 infohash][20 id]
func (h *Handshake) Serialize() []byte {
	out := make([]byte, 1+len(h.Protocol)+tailLen)

	out[0] = byte(len(h.Protocol))
	n := 1
	n += copy(out[n:], h.Protocol)
	n += copy(out[n:], h.Reserved[:])
	n += copy(out[n:], h.InfoHash[:])
	copy(out[n:], h.Identifier[:])

	return out
}

// Verify checks that the handshake declares the expected protocol name
// and info hash.
func (h *Handshake) Verify(hash [20]byte) error {
	switch {
	case h.Protocol != ProtocolName:
		return fmt.Errorf("invalid protocol %v", h.Protocol)
	case h.InfoHash != hash:
		return fmt.Errorf("invalid infohash %x", h.InfoHash)
	default:
		return nil
	}
}

// ReadHandshake reads a serialized Handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return nil, err
	}

	protocol := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, protocol); err != nil {
		return nil, err
	}

	var tail [tailLen]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, err
	}

	h := &Handshake{Protocol: string(protocol)}
	copy(h.Reserved[:], tail[:reservedLen])
	copy(h.InfoHash[:], tail[reservedLen:reservedLen+hashLen])
	copy(h.Identifier[:], tail[reservedLen+hashLen:])
	return h, nil
}
