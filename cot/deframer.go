package cot

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
)

var declOpen = []byte("<?xml ")
var declClose = []byte("?>")

// Deframer converts a TCP byte stream holding a concatenation of
// fragmentary XML documents into a sequence of complete <event>
// elements.
//
// Two problems are solved here. First, every document on the stream is
// typically prefixed with its own <?xml ...?> declaration, which a
// stream parser cannot tolerate more than once; any substring starting
// with "<?xml " and ending with "?>" is stripped, even when it spans
// Feed calls. Second, TCP may split the stream at any byte, so element
// extraction has to tolerate partial tags and resume on the next chunk.
//
// The underlying tokenizer never resolves external entities.
type Deframer struct {
	// pend holds bytes held back between Feed calls: outside a
	// declaration, a suffix that may be a partial "<?xml "; inside one,
	// a trailing "?" that may be half of "?>".
	pend   []byte
	inDecl bool

	// buf accumulates declaration-stripped bytes until they form
	// complete elements.
	buf []byte
}

// NewDeframer returns a Deframer ready to accept stream data.
func NewDeframer() *Deframer {
	return &Deframer{}
}

// Feed accepts an arbitrary chunk of stream bytes and returns the raw
// XML of each <event> element completed by it, in arrival order. A
// non-nil error is an XML syntax error in the stream itself and must
// terminate the owning session; the Deframer is unusable afterwards.
func (d *Deframer) Feed(p []byte) ([][]byte, error) {
	d.strip(p)
	return d.extract()
}

// strip runs the declaration-removal state machine over the held-back
// bytes plus the new chunk, appending everything outside declarations to
// the element buffer.
func (d *Deframer) strip(p []byte) {
	data := append(d.pend, p...)
	d.pend = nil

	for len(data) > 0 {
		if d.inDecl {
			if idx := bytes.Index(data, declClose); idx >= 0 {
				data = data[idx+len(declClose):]
				d.inDecl = false
				continue
			}
			// "?>" may be split across chunks; hold back a trailing "?".
			if data[len(data)-1] == '?' {
				d.pend = []byte{'?'}
			}
			return
		}

		if idx := bytes.Index(data, declOpen); idx >= 0 {
			d.buf = append(d.buf, data[:idx]...)
			data = data[idx+len(declOpen):]
			d.inDecl = true
			continue
		}

		// A suffix of the chunk may be the start of "<?xml " whose rest
		// has not arrived yet. Hold back the longest such suffix.
		keep := declPrefixLen(data)
		d.buf = append(d.buf, data[:len(data)-keep]...)
		if keep > 0 {
			d.pend = append(d.pend, data[len(data)-keep:]...)
		}
		return
	}
}

// declPrefixLen returns the length of the longest suffix of data that is
// a proper prefix of "<?xml ".
func declPrefixLen(data []byte) int {
	max := len(declOpen) - 1
	if len(data) < max {
		max = len(data)
	}
	for k := max; k > 0; k-- {
		if bytes.HasSuffix(data, declOpen[:k]) {
			return k
		}
	}
	return 0
}

// extract scans the element buffer for complete top-level elements and
// consumes them.
func (d *Deframer) extract() ([][]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(d.buf))

	var frames [][]byte
	var start, consumed int64
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) || isTruncated(err) {
				break
			}
			return frames, err
		}

		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				start = consumed
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				end := dec.InputOffset()
				frame := make([]byte, end-start)
				copy(frame, d.buf[start:end])
				frames = append(frames, frame)
				consumed = end
			}
		default:
			// Whitespace, comments, and stray processing instructions
			// between events are consumed and dropped.
			if depth == 0 {
				consumed = dec.InputOffset()
			}
		}
	}

	d.buf = d.buf[:copy(d.buf, d.buf[consumed:])]
	return frames, nil
}

// isTruncated reports whether the tokenizer ran off the end of the
// buffered data mid-token, which simply means more bytes are needed.
func isTruncated(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var syn *xml.SyntaxError
	return errors.As(err, &syn) && syn.Msg == "unexpected EOF"
}
