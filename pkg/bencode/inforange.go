package bencode

// InfoRange returns the inclusive byte range that the top-level "info"
// dictionary occupies within data, from its leading 'd' through its
// matching 'e'. Computing the infohash requires hashing exactly this
// slice of the original bytes, not a re-encoding of the decoded value.
// Dictionary keys must appear in sorted order: a top-level or info
// dictionary with out-of-order keys is reported as a syntax error, and
// no range is returned for it.
func InfoRange(data []byte) (start, end int, err error) {
	r := &reader{buf: data}

	if r.done() || r.buf[r.pos] != 'd' {
		return 0, 0, r.syntaxErrorf("top-level value is not a dictionary")
	}
	r.pos++ // consume 'd'

	for {
		if r.done() {
			return 0, 0, r.syntaxErrorf("unexpected end of input reading top-level dictionary")
		}
		if r.buf[r.pos] == 'e' {
			break
		}
		if !isDigit(r.buf[r.pos]) {
			return 0, 0, r.syntaxErrorf("dictionary key is not a string")
		}

		key, err := r.parseStringLiteral()
		if err != nil {
			return 0, 0, err
		}

		if key == "info" {
			if r.done() || r.buf[r.pos] != 'd' {
				return 0, 0, r.syntaxErrorf("info value is not a dictionary")
			}
			infoStart := r.pos
			if err := r.skipDict(); err != nil {
				return 0, 0, err
			}
			return infoStart, r.pos - 1, nil
		}

		if err := r.skipValue(); err != nil {
			return 0, 0, err
		}
	}

	return 0, 0, r.syntaxErrorf("no info key in top-level dictionary")
}
