package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version   byte = 1
	kindEntry byte = 1

	// magic(4) | ver(1) | kind(1) | storedAt(8) | epoch(8) | group(8) | key(8) | slen(2)
	headerLen = 4 + 1 + 1 + 8 + 8 + 8 + 8 + 2
)

var (
	ErrCorrupt = errors.New("quizcache: corrupt entry")
	magic4     = [...]byte{'Q', 'Z', 'C', 'E'}
)

// Gens are the invalidation generations observed when an entry was written.
// An entry is only served while all three still match the current ones.
type Gens struct {
	Epoch uint64 // namespace-wide
	Group uint64 // per group (game type)
	Key   uint64 // per key
}

// Entry is the envelope stored in every tier.
type Entry struct {
	StoredAt int64 // unix millis
	Schema   string
	Gens     Gens
	Payload  []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames e as:
//
//	magic(4) | ver(1) | kind(1) | storedAt(i64 be) | epoch(u64 be) | group(u64 be) | key(u64 be)
//	slen(u16 be) | schema(slen) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) ([]byte, error) {
	if len(e.Schema) > 0xFFFF {
		return nil, fmt.Errorf("quizcache: schema version too long (%d bytes)", len(e.Schema))
	}
	if uint64(len(e.Payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("quizcache: payload too large (%d bytes)", len(e.Payload))
	}

	var buf bytes.Buffer
	buf.Grow(headerLen + len(e.Schema) + 4 + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.StoredAt))
	buf.Write(u8[:])
	for _, g := range [...]uint64{e.Gens.Epoch, e.Gens.Group, e.Gens.Key} {
		binary.BigEndian.PutUint64(u8[:], g)
		buf.Write(u8[:])
	}

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Schema)))
	buf.Write(u2[:])
	buf.WriteString(e.Schema)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

// Decode parses an envelope produced by Encode. The returned payload aliases b.
func Decode(b []byte) (Entry, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}

	off := 6
	var e Entry

	e.StoredAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	e.Gens.Epoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	e.Gens.Group = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	e.Gens.Key = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	slen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if slen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Schema = string(b[off : off+slen])
	off += slen

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no trailing bytes
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen]

	return e, nil
}
