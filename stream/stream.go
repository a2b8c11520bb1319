// Package stream implements the Streaming Response: a consumer bound
// to a Connection, a parsed response header, and any header-read
// leftover bytes, delivering the decoded body either via callback or
// pull iterator. A Streaming Response always owns its Connection
// outright — it bypasses the pool entirely, since keep-alive
// boundaries cannot be reliably inferred from an open chunked or SSE
// stream — and destroys it on completion or early termination.
package stream

import (
	"github.com/pkg/errors"

	"httpstack/chunked"
	"httpstack/conn"
	"httpstack/herr"
	"httpstack/message"
	"httpstack/sse"
)

// Options configures a Response's consumption behavior.
type Options struct {
	ChunkBufferSize int
	ParseSSE        bool

	// SSEArenaSize bounds the managed arena StreamSSE copies each
	// dispatched event's fields through (see arena.go). The raw entry
	// point, StreamSSERaw, takes a caller-supplied buffer instead and
	// ignores this field.
	SSEArenaSize int
	// OverflowPolicy governs what StreamSSE does when an event
	// overflows the managed arena.
	OverflowPolicy OverflowPolicy
	// Allocator is consulted only when OverflowPolicy is HeapFallback.
	Allocator Allocator
}

// DefaultOptions mirrors the client's own configuration defaults.
func DefaultOptions() Options {
	return Options{
		ChunkBufferSize: 8192,
		ParseSSE:        true,
		SSEArenaSize:    4096,
		OverflowPolicy:  ReturnError,
	}
}

// Response binds a live Connection to a parsed response header and
// drives its body to completion through the chunked decoder or SSE
// tokenizer as appropriate. The zero value is not usable; construct
// with New.
type Response struct {
	Conn   *conn.Conn
	Header *message.Response
	opts   Options

	leftover []byte // body bytes already read while parsing headers
	decoder  *chunked.Decoder
	sse      *sse.Tokenizer
	sseArena *arena

	done   bool
	remain int64 // remaining bytes for FixedLength bookkeeping
}

// New constructs a Response for an already-connected Connection whose
// response headers have just been parsed. leftover holds any body
// bytes that were already read off the wire while scanning for the
// header terminator.
func New(c *conn.Conn, header *message.Response, leftover []byte, opts Options) *Response {
	r := &Response{
		Conn:     c,
		Header:   header,
		opts:     opts,
		leftover: leftover,
	}

	switch header.TransferMode {
	case message.Chunked:
		r.decoder = chunked.New()
	case message.SSE:
		r.sse = &sse.Tokenizer{}
		r.sseArena = newArena(opts.SSEArenaSize, opts.OverflowPolicy, opts.Allocator)
	case message.FixedLength:
		r.remain = header.ContentLength
	}

	return r
}

// Close destroys the underlying Connection. Safe to call multiple
// times, and required whenever the caller stops consuming the stream
// before natural end-of-stream (dropping mid-stream must not leak the
// socket).
func (r *Response) Close() error {
	return r.Conn.Close()
}

// StreamChunks delivers decoded (post-chunked, for chunked responses;
// raw, for fixed-length/read-until-close responses) bytes to cb one
// recv at a time until the stream completes or cb returns an error.
func (r *Response) StreamChunks(cb func([]byte) error) error {
	defer r.Close()

	if len(r.leftover) > 0 {
		chunk := r.leftover
		r.leftover = nil
		if err := r.deliver(chunk, cb); err != nil {
			return err
		}
		if r.done {
			return nil
		}
	}

	buf := make([]byte, r.opts.ChunkBufferSize)
	for !r.done {
		n, err := r.Conn.RecvSome(buf)
		if err != nil {
			if r.atNaturalEnd(err) {
				return nil
			}
			return err
		}
		if err := r.deliver(buf[:n], cb); err != nil {
			return err
		}
	}
	return nil
}

// atNaturalEnd reports whether a connection-closed error while
// reading is actually the expected terminator for read_until_close
// transfer mode.
func (r *Response) atNaturalEnd(err error) bool {
	return r.Header.TransferMode == message.ReadUntilClose && errors.Is(err, herr.ErrConnectionClosed)
}

// deliver feeds raw wire bytes through the chunked decoder (for
// chunked responses) or passes them straight through, invoking cb with
// whatever decoded/raw bytes result, and tracks completion.
func (r *Response) deliver(raw []byte, cb func([]byte) error) error {
	switch r.Header.TransferMode {
	case message.Chunked:
		out, _, err := r.decoder.Parse(raw, nil)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := cb(out); err != nil {
				return err
			}
		}
		if r.decoder.IsComplete() {
			r.done = true
		}
		return nil

	case message.FixedLength:
		n := int64(len(raw))
		if n > r.remain {
			n = r.remain
		}
		if n > 0 {
			if err := cb(raw[:n]); err != nil {
				return err
			}
		}
		r.remain -= n
		if r.remain <= 0 {
			r.done = true
		}
		if int64(len(raw)) > n {
			return errors.Wrap(herr.ErrUnexpectedEndOfStream, "more bytes than Content-Length declared")
		}
		return nil

	default: // ReadUntilClose, or SSE consumed via the chunk path
		if len(raw) > 0 {
			return cb(raw)
		}
		return nil
	}
}

// StreamSSE parses the body as a Server-Sent Events stream, invoking
// cb once per dispatched event. SSE streams are effectively infinite:
// they terminate only when the peer closes the connection or cb
// returns an error (used here as the halt signal). Each event is
// copied through the Response's managed arena (sized by
// Options.SSEArenaSize) before cb sees it; StreamSSERaw is the
// building-block variant for a caller that wants to supply and reuse
// its own arena instead.
func (r *Response) StreamSSE(cb func(sse.Event) error) error {
	return r.streamSSE(r.sseArena, cb)
}

// StreamSSERaw is StreamSSE's raw entry point: the caller supplies the
// arena buffer (and, for OverflowPolicy HeapFallback, the allocator)
// directly instead of relying on the Response's managed arena sized
// from Options. Both entry points run the same event loop; this one
// is for a caller that wants to reuse one arena across multiple
// streams or tune its size per call.
func (r *Response) StreamSSERaw(arenaBuf []byte, policy OverflowPolicy, allocator Allocator, cb func(sse.Event) error) error {
	a := &arena{buf: arenaBuf, policy: policy, alloc: allocator}
	return r.streamSSE(a, cb)
}

func (r *Response) streamSSE(a *arena, cb func(sse.Event) error) error {
	defer r.Close()

	if r.Header.TransferMode != message.SSE {
		return herr.ErrNotSSEResponse
	}

	deliverEvents := func(events []sse.Event) error {
		for _, ev := range events {
			copied, err := a.copyEvent(ev)
			if err != nil {
				return err
			}
			if err := cb(copied); err != nil {
				return err
			}
		}
		return nil
	}

	if len(r.leftover) > 0 {
		chunk := r.leftover
		r.leftover = nil
		if err := deliverEvents(r.sse.ParseChunk(chunk)); err != nil {
			return err
		}
	}

	buf := make([]byte, r.opts.ChunkBufferSize)
	for {
		n, err := r.Conn.RecvSome(buf)
		if err != nil {
			if errors.Is(err, herr.ErrConnectionClosed) {
				return nil
			}
			return err
		}
		if err := deliverEvents(r.sse.ParseChunk(buf[:n])); err != nil {
			return err
		}
	}
}

// Iterator pulls chunks or SSE events one at a time, in place of the
// callback API, and is responsible for destroying its Connection once
// the caller stops pulling (either at natural end-of-stream, on error,
// or when the caller abandons it by calling Close).
type Iterator struct {
	r       *Response
	buf     []byte
	closed  bool
	pending []sse.Event // events already tokenized but not yet returned
}

// Iter returns a pull-based Iterator over r's decoded body.
func (r *Response) Iter() *Iterator {
	return &Iterator{r: r, buf: make([]byte, r.opts.ChunkBufferSize)}
}

// NextChunk returns the next decoded byte slice, an empty slice
// meaning "the decoder wants more input" (call again), or (nil, false)
// at end-of-stream. The Connection is closed automatically at
// end-of-stream or on error. Calling it again after that point returns
// herr.ErrStreamClosed.
func (it *Iterator) NextChunk() ([]byte, bool, error) {
	if it.closed {
		return nil, false, herr.ErrStreamClosed
	}
	if it.r.done {
		// The body was fully delivered by an earlier call; this call is
		// the end-of-stream signal.
		it.finish()
		return nil, false, nil
	}

	var out []byte
	cb := func(b []byte) error {
		out = append(out, b...)
		return nil
	}

	if len(it.r.leftover) > 0 {
		chunk := it.r.leftover
		it.r.leftover = nil
		if err := it.r.deliver(chunk, cb); err != nil {
			it.finish()
			return nil, false, err
		}
		if it.r.done || len(out) > 0 {
			return out, true, nil
		}
	}

	n, err := it.r.Conn.RecvSome(it.buf)
	if err != nil {
		it.finish()
		if it.r.atNaturalEnd(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if err := it.r.deliver(it.buf[:n], cb); err != nil {
		it.finish()
		return nil, false, err
	}
	return out, true, nil
}

// NextSSEMessage returns the next fully parsed event, or (Event{},
// false, nil) when the stream ends (peer closed the connection).
// Calling it again after that point returns herr.ErrStreamClosed.
// Every event tokenized out of a single leftover buffer or recv is
// queued and drained before the next read, so two events delivered in
// one TCP segment are both returned rather than only the first.
func (it *Iterator) NextSSEMessage() (sse.Event, bool, error) {
	if len(it.pending) > 0 {
		ev := it.pending[0]
		it.pending = it.pending[1:]
		copied, err := it.r.sseArena.copyEvent(ev)
		if err != nil {
			it.finish()
			return sse.Event{}, false, err
		}
		return copied, true, nil
	}
	if it.closed {
		return sse.Event{}, false, herr.ErrStreamClosed
	}
	if it.r.Header.TransferMode != message.SSE {
		return sse.Event{}, false, herr.ErrNotSSEResponse
	}

	if len(it.r.leftover) > 0 {
		chunk := it.r.leftover
		it.r.leftover = nil
		if events := it.r.sse.ParseChunk(chunk); len(events) > 0 {
			it.pending = events
			return it.NextSSEMessage()
		}
	}

	for {
		n, err := it.r.Conn.RecvSome(it.buf)
		if err != nil {
			it.finish()
			if errors.Is(err, herr.ErrConnectionClosed) {
				return sse.Event{}, false, nil
			}
			return sse.Event{}, false, err
		}
		if events := it.r.sse.ParseChunk(it.buf[:n]); len(events) > 0 {
			it.pending = events
			return it.NextSSEMessage()
		}
	}
}

// Close destroys the Connection of an iterator the caller stops pulling
// from before end-of-stream. Safe to call more than once; later Next
// calls return herr.ErrStreamClosed.
func (it *Iterator) Close() error {
	it.finish()
	return nil
}

func (it *Iterator) finish() {
	if it.closed {
		return
	}
	it.closed = true
	_ = it.r.Close()
}
