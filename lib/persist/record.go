package persist

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// --------------------------------------------------------------------------
// Record format
// --------------------------------------------------------------------------

/*
 WAL and snapshot files are a plain concatenation of records:

	[2 byte key length][key][2 byte value length | Tombstone][value]

 Lengths are big endian and only the low 15 bits count. A value length of exactly
 Tombstone marks a cleared key and is followed by no value bytes.
*/

const (
	// Tombstone is the value length sentinel for "no value"
	Tombstone uint16 = 0xffff
	// MaxKeyLen is the longest key a record can hold
	MaxKeyLen = 0x7fff
	// MaxValueLen is the longest value a record can hold
	MaxValueLen = 0x7fff

	lenMask = 0x7fff
)

var (
	ErrKeyTooLong   = errors.New("key exceeds 32767 bytes")
	ErrValueTooLong = errors.New("value exceeds 32767 bytes")
)

// AppendRecord appends the encoded record for key and value to dst.
// A nil value is encoded as a tombstone.
func AppendRecord(dst, key, value []byte) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return dst, ErrKeyTooLong
	}
	if len(value) > MaxValueLen {
		return dst, ErrValueTooLong
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(key)))
	dst = append(dst, key...)

	if value == nil {
		return binary.BigEndian.AppendUint16(dst, Tombstone), nil
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
	return append(dst, value...), nil
}

// ReadRecords decodes records from r and passes each one to fn, in file order.
// Tombstones are passed as a nil value, empty values as a non-nil empty slice.
//
// It returns the number of bytes that belong to complete records. A record cut off by the end
// of the stream is the trace of an interrupted append: it is dropped and not reported as an
// error.
func ReadRecords(r io.Reader, fn func(key, value []byte) error) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		valid int64
		hdr   [2]byte
	)

	for {
		// key
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return valid, truncation(err)
		}
		key := make([]byte, binary.BigEndian.Uint16(hdr[:])&lenMask)
		if _, err := io.ReadFull(br, key); err != nil {
			return valid, truncation(err)
		}

		// value
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return valid, truncation(err)
		}
		size := int64(2 + len(key) + 2)

		var value []byte
		if raw := binary.BigEndian.Uint16(hdr[:]); raw != Tombstone {
			value = make([]byte, raw&lenMask)
			if _, err := io.ReadFull(br, value); err != nil {
				return valid, truncation(err)
			}
			size += int64(len(value))
		}

		if err := fn(key, value); err != nil {
			return valid, err
		}
		valid += size
	}
}

// truncation maps the end of the stream (clean or in the middle of a record) to nil
func truncation(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}
