package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"assistant-chat/internal/domain"
)

// RawUnit holds bytes believed to be exactly one serialized chunk object.
type RawUnit []byte

// DefaultMaxUnitBytes bounds a single serialized chunk.
const DefaultMaxUnitBytes = 4 << 20

// Reassembler recovers complete top-level JSON objects from a byte stream
// whose framing does not line up with object boundaries. Fragments may hold
// part of an object, exactly one, or several with no delimiter in between.
//
// Boundaries come from a depth-aware scanner that tracks string literals and
// escapes, so a "}{" inside a quoted value never splits a unit and each byte
// is examined once. Anything between top-level objects (whitespace, SSE
// "data:" prefixes, ": comment" lines, "[DONE]") is treated as framing.
// Open brackets are kept on a stack; a closer that does not match ends the
// object as malformed and scanning resumes at the next top-level '{'.
//
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	maxUnit int

	buf      []byte // bytes of the object currently open
	stack    []byte // open '{' and '[' of the current object
	inString bool
	escape   bool
	skipping bool // inside an oversized object, consuming without buffering
	comment  bool // inside a ": ..." framing line
	lineHead bool // at the start of a framing line

	held       []byte   // balanced segment that failed to parse, awaiting one join attempt
	unresolved [][]byte // segments that never parsed
}

// NewReassembler returns a Reassembler rejecting units larger than maxUnit
// bytes. A non-positive maxUnit selects DefaultMaxUnitBytes.
func NewReassembler(maxUnit int) *Reassembler {
	if maxUnit <= 0 {
		maxUnit = DefaultMaxUnitBytes
	}
	return &Reassembler{maxUnit: maxUnit, lineHead: true}
}

// Push scans fragment and returns every unit it completes, in stream order.
// Unconsumed bytes are carried into the next call. The only error is
// ErrChunkTooLarge; the oversized object is skipped and scanning continues,
// so units returned alongside the error are valid.
func (r *Reassembler) Push(fragment []byte) ([]RawUnit, error) {
	var (
		units []RawUnit
		errs  []error
	)
	for _, b := range fragment {
		if len(r.stack) == 0 {
			r.frame(b)
			continue
		}

		if !r.skipping {
			r.buf = append(r.buf, b)
			if len(r.buf) > r.maxUnit {
				errs = append(errs, domain.NewSubSystemError("stream", "Reassembler.Push",
					domain.ErrChunkTooLarge, fmt.Sprintf("unit exceeds %d bytes", r.maxUnit)))
				r.skipping = true
				r.buf = r.buf[:0]
			}
		}

		if r.inString {
			switch {
			case r.escape:
				r.escape = false
			case b == '\\':
				r.escape = true
			case b == '"':
				r.inString = false
			}
			continue
		}

		switch b {
		case '"':
			r.inString = true
		case '{', '[':
			r.stack = append(r.stack, b)
		case '}', ']':
			if open := r.stack[len(r.stack)-1]; (open == '{') != (b == '}') {
				r.mismatch()
				continue
			}
			r.stack = r.stack[:len(r.stack)-1]
			if len(r.stack) == 0 {
				if r.skipping {
					r.skipping = false
				} else if u := r.segment(); u != nil {
					units = append(units, u)
				}
				r.buf = r.buf[:0]
				r.lineHead = false
			}
		}
	}
	return units, errors.Join(errs...)
}

// frame handles a byte outside any object.
func (r *Reassembler) frame(b byte) {
	switch {
	case r.comment:
		if b == '\n' {
			r.comment = false
			r.lineHead = true
		}
	case b == '\n' || b == '\r':
		r.lineHead = true
	case b == ':' && r.lineHead:
		r.comment = true
	case b == '{':
		r.buf = append(r.buf[:0], b)
		r.stack = append(r.stack[:0], b)
		r.inString = false
		r.escape = false
	default:
		if b != ' ' && b != '\t' {
			r.lineHead = false
		}
	}
}

// mismatch abandons the open object after a closer that does not match its
// opener. The bytes so far can never parse, so they are recorded as
// unresolved without a join attempt.
func (r *Reassembler) mismatch() {
	if !r.skipping {
		r.unresolved = append(r.unresolved, append([]byte(nil), r.buf...))
	}
	r.skipping = false
	r.stack = r.stack[:0]
	r.buf = r.buf[:0]
	r.lineHead = false
}

// segment decides what to do with a balanced top-level object in r.buf.
// A segment that does not parse is held for one join attempt with the next
// segment before it is recorded as unresolved.
func (r *Reassembler) segment() RawUnit {
	seg := append([]byte(nil), r.buf...)

	if r.held != nil {
		joined := append(r.held, seg...)
		r.held = nil
		if json.Valid(joined) {
			return joined
		}
		r.unresolved = append(r.unresolved, joined[:len(joined)-len(seg)])
	}

	if json.Valid(seg) {
		return seg
	}
	r.held = seg
	return nil
}

// Buffered returns the number of carried-over bytes not yet emitted.
func (r *Reassembler) Buffered() int {
	n := len(r.held)
	if len(r.stack) > 0 && !r.skipping {
		n += len(r.buf)
	}
	return n
}

// Flush ends the stream. Carried-over bytes get a final parse attempt; what
// still does not parse is reported as ErrStreamTruncated (an object left
// open) and/or ErrMalformedChunk (balanced segments that never parsed).
// The Reassembler is reset and may be reused.
func (r *Reassembler) Flush() ([]RawUnit, error) {
	defer r.reset()

	var (
		units []RawUnit
		errs  []error
	)

	open := len(r.stack) > 0 && !r.skipping && len(r.buf) > 0
	if open && r.held != nil {
		joined := append(append([]byte(nil), r.held...), r.buf...)
		if json.Valid(joined) {
			units = append(units, joined)
			r.held = nil
			open = false
		}
	}
	if open && json.Valid(r.buf) {
		units = append(units, append(RawUnit(nil), r.buf...))
		open = false
	}
	if r.held != nil {
		r.unresolved = append(r.unresolved, r.held)
	}

	if open {
		errs = append(errs, domain.NewSubSystemError("stream", "Reassembler.Flush",
			domain.ErrStreamTruncated, fmt.Sprintf("%d bytes of an unterminated object", len(r.buf))))
	}
	if len(r.unresolved) > 0 {
		errs = append(errs, &MalformedError{Segments: r.unresolved})
	}
	return units, errors.Join(errs...)
}

func (r *Reassembler) reset() {
	*r = Reassembler{maxUnit: r.maxUnit, lineHead: true}
}

// MalformedError reports balanced segments that never parsed.
type MalformedError struct {
	Segments [][]byte
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("Reassembler.Flush: %d unparsable segment(s): %s", len(e.Segments), domain.ErrMalformedChunk)
}

func (e *MalformedError) Unwrap() error { return domain.ErrMalformedChunk }
