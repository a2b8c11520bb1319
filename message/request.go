package message

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"httpstack/herr"
	"httpstack/url"
)

// Method is one of the fixed set of HTTP/1.1 methods this client
// understands.
type Method string

const (
	GET     Method = "GET"
	HEAD    Method = "HEAD"
	POST    Method = "POST"
	PUT     Method = "PUT"
	PATCH   Method = "PATCH"
	DELETE  Method = "DELETE"
	OPTIONS Method = "OPTIONS"
	TRACE   Method = "TRACE"
	CONNECT Method = "CONNECT"
)

// Request is a method, a parsed URL, an ordered header map, and an
// optional body. The Host header is synthesized at construction time;
// Content-Length, when applicable, is synthesized at serialization
// time unless the caller already set it explicitly.
type Request struct {
	Method  Method
	URL     url.URL
	Headers *Headers
	Body    []byte

	// FollowRedirects overrides the client's default for this request
	// when non-nil.
	FollowRedirects *bool
}

// New parses rawURL and constructs a Request with a synthesized Host
// header. The body and any further headers are added by the caller
// (directly, or via the convenience constructors / builder below).
func New(method Method, rawURL string) (*Request, error) {
	if method == "" {
		return nil, herr.ErrMethodRequired
	}
	if rawURL == "" {
		return nil, herr.ErrURLRequired
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing request url")
	}

	req := &Request{
		Method:  method,
		URL:     u,
		Headers: NewHeaders(),
	}
	req.Headers.Set("Host", hostHeaderValue(u))
	return req, nil
}

// hostHeaderValue synthesizes the Host header value, omitting the port
// exactly when (scheme, port) is a known default.
func hostHeaderValue(u url.URL) string {
	if !u.HasPort {
		return u.Host
	}
	if def, ok := url.DefaultPort(u.Scheme); ok && def == u.Port {
		return u.Host
	}
	return u.Authority()
}

// SetHeader replaces any prior value under name (case-insensitive).
func (r *Request) SetHeader(name, value string) *Request {
	r.Headers.Set(name, value)
	return r
}

// SetBody stores body directly, without touching Content-Type.
func (r *Request) SetBody(body []byte) *Request {
	r.Body = body
	return r
}

// SetJSON marshals value with encoding/json, stores the result as the
// body, and sets Content-Type: application/json.
func (r *Request) SetJSON(value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshaling json body")
	}
	r.Body = b
	r.Headers.Set("Content-Type", "application/json")
	return nil
}

// WithFollowRedirects overrides the client default for this request.
func (r *Request) WithFollowRedirects(follow bool) *Request {
	r.FollowRedirects = &follow
	return r
}

// Get, Post, Put, Patch, Delete, Head, Options, Trace, and Connect are
// convenience constructors composing New for each method in the fixed
// set.
func Get(rawURL string) (*Request, error)     { return New(GET, rawURL) }
func Post(rawURL string) (*Request, error)    { return New(POST, rawURL) }
func Put(rawURL string) (*Request, error)     { return New(PUT, rawURL) }
func Patch(rawURL string) (*Request, error)   { return New(PATCH, rawURL) }
func Delete(rawURL string) (*Request, error)  { return New(DELETE, rawURL) }
func Head(rawURL string) (*Request, error)    { return New(HEAD, rawURL) }
func Options(rawURL string) (*Request, error) { return New(OPTIONS, rawURL) }
func Trace(rawURL string) (*Request, error)   { return New(TRACE, rawURL) }
func Connect(rawURL string) (*Request, error) { return New(CONNECT, rawURL) }

// targetFormFor picks the request-target form per RFC 9112 §3.2:
// CONNECT uses authority-form, everything else uses origin-form (this
// client never goes through a forward proxy, so absolute-form is never
// produced, and has no representation for a server-wide OPTIONS *).
func targetFormFor(method Method) url.TargetForm {
	if method == CONNECT {
		return url.AuthorityForm
	}
	return url.OriginForm
}

// WriteTo serializes the request onto w in wire format:
//
//	METHOD request-target HTTP/1.1 CRLF
//	(Header: Value CRLF)*
//	[Content-Length: n CRLF   if body present and not already set]
//	CRLF
//	[body bytes]
//
// The request-target is the origin form, except for CONNECT, which uses
// the authority form (see targetFormFor); headers are emitted in
// insertion order. A caller-supplied Content-Length is honored
// verbatim, even if it disagrees with len(Body) — this layer never
// recomputes a value the caller set explicitly.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	target, err := url.RequestTarget(r.URL, targetFormFor(r.Method))
	if err != nil {
		return cw.n, errors.Wrap(err, "rendering request-target")
	}

	if _, err := fmt.Fprintf(cw, "%s %s HTTP/1.1\r\n", r.Method, target); err != nil {
		return cw.n, errors.Wrap(err, "writing request line")
	}

	for _, f := range r.Headers.Fields() {
		if _, err := fmt.Fprintf(cw, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return cw.n, errors.Wrap(err, "writing header")
		}
	}

	if len(r.Body) > 0 && !r.Headers.Has("Content-Length") {
		if _, err := fmt.Fprintf(cw, "Content-Length: %s\r\n", strconv.Itoa(len(r.Body))); err != nil {
			return cw.n, errors.Wrap(err, "writing content-length")
		}
	}

	if _, err := io.WriteString(cw, "\r\n"); err != nil {
		return cw.n, errors.Wrap(err, "writing header terminator")
	}

	if len(r.Body) > 0 {
		if _, err := cw.Write(r.Body); err != nil {
			return cw.n, errors.Wrap(err, "writing body")
		}
	}

	return cw.n, nil
}

// Bytes renders the request into a single byte slice, for callers that
// want to hand the wire form straight to a Connection's SendAll.
func (r *Request) Bytes() ([]byte, error) {
	var b strings.Builder
	if _, err := r.WriteTo(&b); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
