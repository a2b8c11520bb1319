// Package herr collects the sentinel errors shared across the stack,
// grouped the way the protocol groups its own failures: a bad request
// the caller built, a malformed byte stream from the peer, a transport
// failure talking to the peer, and a policy the caller asked for that
// couldn't be honored. Call sites wrap these with github.com/pkg/errors
// to attach context; callers that need to branch on failure kind use
// errors.Is against the sentinels below.
package herr

import "github.com/pkg/errors"

// Input errors: the caller asked for something malformed.
var (
	ErrMalformedURL           = errors.New("malformed url")
	ErrNoHostInURL            = errors.New("no host in url")
	ErrUnknownSchemeNoDefault = errors.New("unknown scheme, no default port")
	ErrPortMissing            = errors.New("port missing")
	ErrLocationTooLong        = errors.New("location header too long")
	ErrMissingLocationHeader  = errors.New("missing location header")
	ErrMethodRequired         = errors.New("method required")
	ErrURLRequired            = errors.New("url required")
)

// Framing errors: bytes received from the peer don't parse.
var (
	ErrMalformedResponse       = errors.New("malformed response")
	ErrHTTPVersionNotSupported = errors.New("http version not supported")
	ErrInvalidChunkSize        = errors.New("invalid chunk size")
	ErrMalformedChunk          = errors.New("malformed chunk")
	ErrHeadersTooLarge         = errors.New("headers too large")
	ErrUnexpectedEOF           = errors.New("unexpected eof")
	ErrUnexpectedEndOfStream   = errors.New("unexpected end of stream")
	ErrEmptyResponse           = errors.New("empty response")
)

// Transport errors: I/O with the peer failed.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNoAddressFound   = errors.New("no address found")
	ErrTLSHandshake     = errors.New("tls handshake failed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrDialFailed       = errors.New("dial failed")
)

// Policy errors: the caller's configuration or the peer's behavior
// violated a policy this library enforces, independent of framing.
var (
	ErrTooManyRedirects              = errors.New("too many redirects")
	ErrConnectionPoolExhausted       = errors.New("connection pool exhausted")
	ErrEventTooLarge                 = errors.New("sse event too large")
	ErrHeapFallbackRequiresAllocator = errors.New("heap fallback requires allocator")
	ErrStreamClosed                  = errors.New("stream closed")
	ErrNotSSEResponse                = errors.New("response is not an sse stream")
)
