// Package clientid generates the 20-byte peer id the client presents
// to trackers and peers.
package clientid

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// Prefix is the Azureus-style client identification prefix used in
// every generated peer id: "-" + 2 letter client code + 4 digit
// version + "-".
const Prefix = "-SD0001-"

// Generate returns a fresh 20-byte peer id: Prefix followed by random
// ASCII digits filling out the remaining bytes.
func Generate() ([20]byte, error) {
	var id [20]byte
	copy(id[:], Prefix)

	suffix := id[len(Prefix):]
	raw := make([]byte, len(suffix))
	if _, err := rand.Read(raw); err != nil {
		return id, errors.Wrap(err, "clientid: generate")
	}

	for i, b := range raw {
		suffix[i] = '0' + b%10
	}
	return id, nil
}
