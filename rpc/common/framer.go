package common

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/tkv/lib/dispatch"
)

// --------------------------------------------------------------------------
// Stream buffer
// --------------------------------------------------------------------------

// stream collects raw bytes and hands out complete frames from the front
type stream struct {
	buf []byte
	off int // start of the first unconsumed byte
}

func (s *stream) feed(p []byte) {
	// reclaim consumed space before growing
	if s.off > 0 && (s.off == len(s.buf) || s.off > cap(s.buf)/2) {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	s.buf = append(s.buf, p...)
}

func (s *stream) pending() []byte {
	return s.buf[s.off:]
}

// length reads a 2 byte length field at pos. none reports the NoneLen sentinel, ok is false if
// the field is not complete yet.
func length(b []byte, pos int) (n int, none bool, ok bool) {
	if len(b) < pos+2 {
		return 0, false, false
	}
	raw := binary.BigEndian.Uint16(b[pos:])
	if raw == NoneLen {
		return 0, true, true
	}
	return int(raw & LenMask), false, true
}

// --------------------------------------------------------------------------
// Request framer (server side)
// --------------------------------------------------------------------------

// RequestFramer turns a byte stream into requests. Bytes can arrive in arbitrary pieces, a frame
// is only returned once it is complete.
//
// Thread-safety: not safe for concurrent use, every connection owns its own framer.
type RequestFramer struct {
	stream
}

// Feed appends bytes read from the connection
func (f *RequestFramer) Feed(p []byte) {
	f.feed(p)
}

// Buffered returns the number of bytes that do not form a complete frame yet
func (f *RequestFramer) Buffered() int {
	return len(f.pending())
}

// Next returns the next complete request. The second result is false if more bytes are needed.
// Key and value are copies and stay valid after further calls. ErrUnknownOpcode is permanent.
func (f *RequestFramer) Next() (dispatch.Request, bool, error) {
	b := f.pending()
	if len(b) == 0 {
		return dispatch.Request{}, false, nil
	}

	var op dispatch.Op
	switch b[0] {
	case OpGet:
		op = dispatch.OpGet
	case OpSet:
		op = dispatch.OpSet
	default:
		return dispatch.Request{}, false, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, b[0])
	}

	// key lengths have no sentinel, only the low 15 bits count
	if len(b) < 3 {
		return dispatch.Request{}, false, nil
	}
	keyLen := int(binary.BigEndian.Uint16(b[1:]) & LenMask)
	if len(b) < 3+keyLen {
		return dispatch.Request{}, false, nil
	}
	pos := 3 + keyLen
	req := dispatch.Request{Op: op, Key: append([]byte{}, b[3:pos]...)}

	if op == dispatch.OpSet {
		valueLen, none, ok := length(b, pos)
		if !ok {
			return dispatch.Request{}, false, nil
		}
		pos += 2
		if !none {
			if len(b) < pos+valueLen {
				return dispatch.Request{}, false, nil
			}
			req.Value = append([]byte{}, b[pos:pos+valueLen]...)
			pos += valueLen
		}
	}

	f.off += pos
	return req, true, nil
}

// --------------------------------------------------------------------------
// Response framer (client side)
// --------------------------------------------------------------------------

// ResponseFramer turns a byte stream into responses.
//
// Thread-safety: not safe for concurrent use.
type ResponseFramer struct {
	stream
}

// Feed appends bytes read from the connection
func (f *ResponseFramer) Feed(p []byte) {
	f.feed(p)
}

// Next returns the next complete response. The second result is false if more bytes are needed.
func (f *ResponseFramer) Next() (dispatch.Response, bool, error) {
	b := f.pending()
	if len(b) == 0 {
		return dispatch.Response{}, false, nil
	}

	switch b[0] {
	case RespSet:
		f.off++
		return dispatch.Response{Op: dispatch.OpSet}, true, nil

	case RespGet:
		valueLen, none, ok := length(b, 1)
		if !ok {
			return dispatch.Response{}, false, nil
		}
		if none {
			f.off += 3
			return dispatch.Response{Op: dispatch.OpGet}, true, nil
		}
		if len(b) < 3+valueLen {
			return dispatch.Response{}, false, nil
		}
		resp := dispatch.Response{Op: dispatch.OpGet, Value: append([]byte{}, b[3:3+valueLen]...)}
		f.off += 3 + valueLen
		return resp, true, nil

	default:
		return dispatch.Response{}, false, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, b[0])
	}
}
