package provider

// objectScanner extracts complete top-level JSON objects from an
// incrementally growing byte stream. Google's streaming endpoint
// returns one JSON array whose elements arrive in arbitrary chunks, so
// a consumer must frame each `{...}` element before it can be decoded.
//
// The scanner walks the buffer byte by byte, tracking brace depth and
// string/escape state. Nested objects and strings containing braces
// frame correctly, which a regex scan cannot guarantee. Bytes between
// elements (the array punctuation `[`, `,`, `]` and whitespace) are
// skipped.
type objectScanner struct {
	buf []byte
	pos int

	inObject bool
	start    int
	depth    int
	inString bool
	escaped  bool
}

// feed appends newly read bytes.
func (s *objectScanner) feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// next returns the next complete top-level object, or false when the
// buffered bytes do not yet contain one. The returned slice is a copy
// and remains valid across further feeds.
func (s *objectScanner) next() ([]byte, bool) {
	for ; s.pos < len(s.buf); s.pos++ {
		c := s.buf[s.pos]

		if !s.inObject {
			if c == '{' {
				s.inObject = true
				s.start = s.pos
				s.depth = 1
			}
			continue
		}

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				obj := make([]byte, s.pos+1-s.start)
				copy(obj, s.buf[s.start:s.pos+1])

				// Discard consumed bytes so the buffer stays bounded by
				// the size of one in-flight object.
				s.buf = append(s.buf[:0], s.buf[s.pos+1:]...)
				s.pos = 0
				s.inObject = false
				return obj, true
			}
		}
	}
	return nil, false
}
