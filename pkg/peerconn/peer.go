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

// Package peerconn implements a single peer wire protocol session: the
// handshake, the length-prefixed message framing loop, and the
// choke/interest state machine described in BEP 3.
package peerconn

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Peer identifies a peer by its dialable address.
type Peer struct {
	IP   net.IP
	Port uint16
}

// String formats the peer as an "ip:port" dial address.
func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// UnmarshalPeers parses a compact peer list (6 bytes per peer: 4 byte
// IPv4 address, 2 byte big-endian port) as returned by most trackers.
func UnmarshalPeers(buffer []byte) ([]Peer, error) {
	const peerLen = 6

	length := len(buffer)
	if length%peerLen != 0 {
		return nil, fmt.Errorf("peerconn: malformed compact peer list of length %d", length)
	}

	n := length / peerLen
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		offset := i * peerLen
		ip := make(net.IP, 4)
		copy(ip, buffer[offset:offset+4])
		peers[i] = Peer{
			IP:   ip,
			Port: binary.BigEndian.Uint16(buffer[offset+4 : offset+6]),
		}
	}
	return peers, nil
}
