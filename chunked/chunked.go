// Package chunked implements an incremental RFC 7230 §4.1 chunked
// transfer-coding decoder. The decoder is a pure state machine driven
// by repeated calls to [Decoder.Parse]: it never reads from a socket
// itself, so it tolerates arbitrary partitioning of the input byte
// stream, down to one byte at a time, and always produces the same
// decoded output for the same logical stream regardless of how the
// caller chopped it up.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc7230#section-4.1
package chunked

import (
	"math/big"

	"github.com/pkg/errors"

	"httpstack/herr"
)

type state int

const (
	waitingSize state = iota
	readingData
	readingDataTrailer
	readingTrailers
	complete
)

// maxSizeLineLen bounds the partial chunk-size line buffered across
// calls. The spec requires accepting at least 16 bytes of hex digits
// plus extensions; this leaves generous room for both.
const maxSizeLineLen = 256

// Decoder is an incremental chunked-body decoder. The zero value is
// ready to use.
type Decoder struct {
	state state

	sizeBuf  []byte // partial chunk-size line, not yet newline-terminated
	expected uint64 // size of the chunk currently being read
	received uint64 // bytes of the current chunk copied so far

	trailerCR  bool   // reading_data_trailer: '\r' of the CRLF already seen
	trailerBuf []byte // reading_trailers: partial trailer line buffered across calls
}

// New returns a ready-to-use Decoder.
func New() *Decoder {
	return &Decoder{}
}

// IsComplete reports whether the terminating chunk and trailer section
// have been fully consumed.
func (d *Decoder) IsComplete() bool {
	return d.state == complete
}

// Parse consumes as much of input as forms complete chunked-coding
// grammar, appending decoded body bytes to output (which must have
// enough remaining capacity, or will be grown via append — callers
// wanting zero-allocation behavior should pass a slice with spare
// capacity). It returns the (possibly grown) output slice and the
// number of bytes appended to it.
//
// Parse may be called repeatedly with arbitrarily small slices of the
// same logical stream; it buffers incomplete lines and partial chunk
// bodies internally between calls. Once complete, further calls are a
// no-op returning (output, 0, nil).
func (d *Decoder) Parse(input []byte, output []byte) ([]byte, int, error) {
	appended := 0

	for len(input) > 0 {
		switch d.state {
		case waitingSize:
			consumed, done, err := d.scanSizeLine(input)
			input = input[consumed:]
			if err != nil {
				return output, appended, err
			}
			if !done {
				return output, appended, nil
			}

		case readingData:
			n := d.expected - d.received
			if uint64(len(input)) < n {
				n = uint64(len(input))
			}
			output = append(output, input[:n]...)
			appended += int(n)
			input = input[n:]
			d.received += n
			if d.received == d.expected {
				d.state = readingDataTrailer
				d.trailerCR = false
			}

		case readingDataTrailer:
			consumed, done, err := d.scanDataTrailer(input)
			input = input[consumed:]
			if err != nil {
				return output, appended, err
			}
			if !done {
				return output, appended, nil
			}
			d.state = waitingSize

		case readingTrailers:
			consumed, done, err := d.scanTrailerLine(input)
			input = input[consumed:]
			if err != nil {
				return output, appended, err
			}
			if !done {
				return output, appended, nil
			}

		case complete:
			return output, appended, nil
		}
	}

	return output, appended, nil
}

// scanSizeLine consumes bytes belonging to the chunk-size line, up to
// and including its terminating '\n'. Returns whether a full line was
// consumed (transitioning state) and how many input bytes it used.
func (d *Decoder) scanSizeLine(input []byte) (consumed int, done bool, err error) {
	idx := indexByte(input, '\n')
	if idx < 0 {
		if len(d.sizeBuf)+len(input) > maxSizeLineLen {
			return len(input), false, errors.Wrap(herr.ErrInvalidChunkSize, "chunk-size line too long")
		}
		d.sizeBuf = append(d.sizeBuf, input...)
		return len(input), false, nil
	}

	line := input[:idx]
	if len(d.sizeBuf)+len(line) > maxSizeLineLen {
		return idx + 1, false, errors.Wrap(herr.ErrInvalidChunkSize, "chunk-size line too long")
	}
	full := append(d.sizeBuf, line...)
	d.sizeBuf = nil

	size, err := parseChunkSize(full)
	if err != nil {
		return idx + 1, false, err
	}

	d.expected = size
	d.received = 0
	if size == 0 {
		d.state = readingTrailers
	} else {
		d.state = readingData
	}
	return idx + 1, true, nil
}

// scanDataTrailer consumes the CRLF that terminates a chunk's data,
// tolerating the boundary falling between calls.
func (d *Decoder) scanDataTrailer(input []byte) (consumed int, done bool, err error) {
	i := 0
	if !d.trailerCR {
		if i >= len(input) {
			return i, false, nil
		}
		if input[i] != '\r' {
			return i + 1, false, errors.Wrapf(herr.ErrMalformedChunk, "expected CR after chunk data, got %q", input[i])
		}
		d.trailerCR = true
		i++
	}
	if i >= len(input) {
		return i, false, nil
	}
	if input[i] != '\n' {
		return i + 1, false, errors.Wrapf(herr.ErrMalformedChunk, "expected LF after chunk data CR, got %q", input[i])
	}
	return i + 1, true, nil
}

// scanTrailerLine consumes trailer lines (ignoring their content, no
// trailer header is surfaced to the caller) until an empty line ends
// the trailer section.
func (d *Decoder) scanTrailerLine(input []byte) (consumed int, done bool, err error) {
	idx := indexByte(input, '\n')
	if idx < 0 {
		d.trailerBuf = append(d.trailerBuf, input...)
		return len(input), false, nil
	}

	line := append(d.trailerBuf, input[:idx]...)
	d.trailerBuf = nil

	if isEmptyTrailerLine(line) {
		d.state = complete
		return idx + 1, true, nil
	}
	// Non-empty trailer line: discard, stay in readingTrailers for the
	// next line.
	return idx + 1, false, nil
}

func isEmptyTrailerLine(line []byte) bool {
	if len(line) == 0 {
		return true
	}
	return len(line) == 1 && line[0] == '\r'
}

// parseChunkSize parses the hex chunk-size, ignoring any ";ext" chunk
// extensions, per RFC 7230 §4.1.1.
func parseChunkSize(line []byte) (uint64, error) {
	line = trimCR(line)
	if idx := indexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	line = trimTrailingWS(line)
	if len(line) == 0 {
		return 0, errors.Wrap(herr.ErrInvalidChunkSize, "empty chunk-size line")
	}

	n := new(big.Int)
	if _, ok := n.SetString(string(line), 16); !ok {
		return 0, errors.Wrapf(herr.ErrInvalidChunkSize, "not a hex chunk-size: %q", line)
	}
	if !n.IsUint64() {
		return 0, errors.Wrapf(herr.ErrInvalidChunkSize, "chunk-size overflows: %q", line)
	}
	return n.Uint64(), nil
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

func trimTrailingWS(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
		line = line[:len(line)-1]
	}
	return line
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
