package message

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"httpstack/herr"
)

// TransferMode is how a response body is framed on the wire, derived
// from headers after the status line and header block are parsed.
type TransferMode int

const (
	// FixedLength means Content-Length bytes follow.
	FixedLength TransferMode = iota
	// Chunked means the body uses RFC 7230 §4.1 chunked coding.
	Chunked
	// SSE means Content-Type: text/event-stream; only meaningful on
	// streaming paths.
	SSE
	// ReadUntilClose means the body runs until the peer closes the
	// connection.
	ReadUntilClose
)

// Response is a parsed status line, header block, and (once read)
// body. ContentLength is only meaningful when TransferMode ==
// FixedLength.
type Response struct {
	StatusCode int
	HTTPMajor  int
	HTTPMinor  int
	Headers    *Headers
	Body       []byte

	TransferMode  TransferMode
	ContentLength int64 // valid iff TransferMode == FixedLength
}

// ParseHeaders parses a status line followed by a header block
// (terminated by an empty line) from buf, tolerating only CRLF line
// endings on send but a bare LF on receive provided the value portion
// is whitespace-trimmed either way. It returns the parsed Response
// (without a body) and the offset into buf immediately following the
// header-terminating blank line.
func ParseHeaders(buf []byte) (*Response, int, error) {
	line, offset, err := cutLine(buf, 0)
	if err != nil {
		return nil, 0, errors.Wrap(err, "reading status line")
	}

	resp, err := parseStatusLine(line)
	if err != nil {
		return nil, 0, err
	}
	resp.Headers = NewHeaders()

	for {
		line, next, err := cutLine(buf, offset)
		if err != nil {
			return nil, 0, errors.Wrap(err, "reading header line")
		}
		offset = next

		if line == "" {
			break
		}

		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, 0, err
		}
		resp.Headers.Set(name, value)
	}

	resp.TransferMode, resp.ContentLength = deriveTransferMode(resp.Headers)
	return resp, offset, nil
}

// cutLine returns the line starting at buf[from], trimmed of its CRLF
// or bare-LF terminator, plus the offset immediately following it.
func cutLine(buf []byte, from int) (line string, next int, err error) {
	idx := bytes.IndexByte(buf[from:], '\n')
	if idx < 0 {
		return "", 0, herr.ErrUnexpectedEOF
	}
	end := from + idx
	next = end + 1

	raw := buf[from:end]
	if len(raw) > 0 && raw[len(raw)-1] == '\r' {
		raw = raw[:len(raw)-1]
	}
	return string(raw), next, nil
}

func parseStatusLine(line string) (*Response, error) {
	line = strings.TrimRight(line, "\r")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, errors.Wrapf(herr.ErrMalformedResponse, "malformed status line %q", line)
	}

	major, minor, err := parseHTTPVersion(parts[0])
	if err != nil {
		return nil, err
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return nil, errors.Wrapf(herr.ErrMalformedResponse, "malformed status code %q", parts[1])
	}

	return &Response{StatusCode: code, HTTPMajor: major, HTTPMinor: minor}, nil
}

// parseHTTPVersion accepts "HTTP/x.y", and the minor-less "HTTP/2" and
// "HTTP/3". Versions newer than 1.1 are accepted but downgraded to 1.1
// for framing purposes; HTTP/0.9 is rejected outright since it has no
// headers to parse.
func parseHTTPVersion(tok string) (major, minor int, err error) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(tok, prefix) {
		return 0, 0, errors.Wrapf(herr.ErrMalformedResponse, "malformed version %q", tok)
	}
	rest := tok[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		// HTTP/2, HTTP/3: no minor version; downgraded to 1.1 for framing.
		if m, err := strconv.Atoi(rest); err == nil && m > 1 {
			return 1, 1, nil
		}
		return 0, 0, errors.Wrapf(herr.ErrMalformedResponse, "malformed version %q", tok)
	}
	major, err1 := strconv.Atoi(rest[:dot])
	minor, err2 := strconv.Atoi(rest[dot+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, errors.Wrapf(herr.ErrMalformedResponse, "malformed version %q", tok)
	}

	if major == 0 {
		return 0, 0, errors.Wrapf(herr.ErrHTTPVersionNotSupported, "HTTP/%d.%d", major, minor)
	}
	if major > 1 {
		// HTTP/2, HTTP/3: accepted, downgraded to 1.1 for framing.
		return 1, 1, nil
	}
	return major, minor, nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", errors.Wrapf(herr.ErrMalformedResponse, "malformed header line %q", line)
	}
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", errors.Wrapf(herr.ErrMalformedResponse, "empty header name in %q", line)
	}
	return name, value, nil
}

// deriveTransferMode applies the body-framing decision table: chunked
// beats SSE beats Content-Length beats read-until-close.
func deriveTransferMode(h *Headers) (TransferMode, int64) {
	if h.ContainsToken("Transfer-Encoding", "chunked") {
		return Chunked, 0
	}
	if ct, ok := h.Get("Content-Type"); ok && strings.HasPrefix(ct, "text/event-stream") {
		return SSE, 0
	}
	if cl, ok := h.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			return FixedLength, n
		}
	}
	return ReadUntilClose, 0
}

// ParseBody replaces the response's body with a copy of data.
// Idempotent: calling it again fully replaces the prior body.
func (r *Response) ParseBody(data []byte) {
	r.Body = append([]byte(nil), data...)
}

// GetHeader is a case-insensitive lookup.
func (r *Response) GetHeader(name string) (string, bool) {
	return r.Headers.Get(name)
}

// GetContentLength returns the parsed Content-Length, if the header
// was present and parsed as a non-negative integer.
func (r *Response) GetContentLength() (int64, bool) {
	if r.TransferMode != FixedLength {
		if cl, ok := r.Headers.Get("Content-Length"); ok {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
				return n, true
			}
		}
		return 0, false
	}
	return r.ContentLength, true
}

// IsSuccess reports whether StatusCode is in [200, 300).
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect reports whether StatusCode is in [300, 400).
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// GetLocation returns the Location header, if present.
func (r *Response) GetLocation() (string, bool) {
	return r.Headers.Get("Location")
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "unmarshaling json response body")
	}
	return nil
}

// ShouldClose reports whether the peer requested the connection be
// closed after this response (explicit Connection: close, or an
// HTTP/1.0 peer without a Connection: keep-alive).
func (r *Response) ShouldClose() bool {
	if r.Headers.ContainsToken("Connection", "close") {
		return true
	}
	if r.HTTPMajor == 1 && r.HTTPMinor == 0 {
		return !r.Headers.ContainsToken("Connection", "keep-alive")
	}
	return false
}
