package common

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/lib/persist"
)

// --------------------------------------------------------------------------
// Wire Constants
// --------------------------------------------------------------------------

const (
	// HelloByte is written by the server right after accept and must be echoed by the client
	HelloByte byte = 77

	// request opcodes
	OpGet byte = 0xC1
	OpSet byte = 0xC2

	// response opcodes
	RespGet byte = 0x81
	RespSet byte = 0x82

	// LenMask selects the significant bits of a length field
	LenMask = 0x7fff
	// NoneLen is the value length that marks an absent value (tombstone / key not found)
	NoneLen uint16 = 0xffff
)

var (
	// ErrUnknownOpcode is returned when a frame starts with a byte that is no known opcode.
	// The stream cannot be resynchronized after that, so the connection must be closed.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrHandshake is returned when the peer did not echo the hello byte
	ErrHandshake = errors.New("handshake failed")
)

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

/*
 Request frames:

	GET  [0xC1][2 byte key length][key]
	SET  [0xC2][2 byte key length][key][2 byte value length | 0xFFFF][value]

 Response frames:

	GET  [0x81][2 byte value length | 0xFFFF][value]
	SET  [0x82]

 Everything after the opcode of a SET request has the same layout as a WAL record.
*/

// AppendRequest appends the frame for req to dst. For OpSet a nil Value encodes a tombstone.
func AppendRequest(dst []byte, req dispatch.Request) ([]byte, error) {
	switch req.Op {
	case dispatch.OpGet:
		if len(req.Key) > persist.MaxKeyLen {
			return dst, persist.ErrKeyTooLong
		}
		dst = append(dst, OpGet, byte(len(req.Key)>>8), byte(len(req.Key)))
		return append(dst, req.Key...), nil

	case dispatch.OpSet:
		return persist.AppendRecord(append(dst, OpSet), req.Key, req.Value)

	default:
		return dst, fmt.Errorf("%w: %v", ErrUnknownOpcode, req.Op)
	}
}

// AppendResponse appends the frame for resp to dst. For OpGet a nil Value encodes "absent".
func AppendResponse(dst []byte, resp dispatch.Response) []byte {
	if resp.Op == dispatch.OpSet {
		return append(dst, RespSet)
	}

	if resp.Value == nil {
		return append(dst, RespGet, byte(NoneLen>>8), byte(NoneLen&0xff))
	}
	n := len(resp.Value) & LenMask
	dst = append(dst, RespGet, byte(n>>8), byte(n))
	return append(dst, resp.Value[:n]...)
}
