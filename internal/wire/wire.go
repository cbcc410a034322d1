package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version     byte = 1
	kindPlain   byte = 1
	kindLogical byte = 2

	hdrLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("flashsale: corrupt cache entry")
	magic4     = [...]byte{'F', 'S', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// IsEmptyMarker reports whether b is the cached "confirmed not found" value.
func IsEmptyMarker(b []byte) bool { return len(b) == 0 }

// Plain: magic(4) | ver(1) | kind(1=plain) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func EncodePlain(gen uint64, payload []byte) []byte {
	return encode(kindPlain, gen, payload)
}

func DecodePlain(b []byte) (gen uint64, payload []byte, err error) {
	return decode(kindPlain, b)
}

// Logical: magic(4) | ver(1) | kind(2=logical) | expireAt(unix nanos, i64 be) | vlen(u32 be) | payload(vlen)
//
// The envelope carries its own staleness deadline and is stored without a
// physical TTL.
func EncodeLogical(expireAtUnixNano int64, payload []byte) []byte {
	return encode(kindLogical, uint64(expireAtUnixNano), payload)
}

func DecodeLogical(b []byte) (expireAtUnixNano int64, payload []byte, err error) {
	v, p, err := decode(kindLogical, b)
	return int64(v), p, err
}

func encode(kind byte, word uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], word)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func decode(kind byte, b []byte) (uint64, []byte, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kind {
		return 0, nil, ErrCorrupt
	}
	off := 6

	word := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: truncated and trailing bytes are both corrupt
	if vlen < 0 || vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return word, b[off : off+vlen], nil
}
