package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// --------------------------------------------------------------------------
// Record layout (little endian)
// --------------------------------------------------------------------------
//
//	crc32   uint32  IEEE checksum of everything after this field
//	op      uint8   opPut | opDelete
//	family  uint8
//	idLen   uint32
//	valLen  uint32
//	identity [idLen]byte
//	value    [valLen]byte

const (
	opPut    uint8 = 1
	opDelete uint8 = 2

	recordHeaderSize = 4 + 1 + 1 + 4 + 4

	// MaxIdentitySize limits identities so a corrupt length field is detected early.
	MaxIdentitySize = 64 << 10
)

type recordHeader struct {
	crc    uint32
	op     uint8
	family Family
	idLen  uint32
	valLen uint32
}

func (h recordHeader) size() int64 {
	return recordHeaderSize + int64(h.idLen) + int64(h.valLen)
}

// encodeRecord returns the full record bytes.
func encodeRecord(op uint8, f Family, identity string, value []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(identity)+len(value))
	buf[4] = op
	buf[5] = byte(f)
	binary.LittleEndian.PutUint32(buf[6:], uint32(len(identity)))
	binary.LittleEndian.PutUint32(buf[10:], uint32(len(value)))
	copy(buf[recordHeaderSize:], identity)
	copy(buf[recordHeaderSize+len(identity):], value)
	binary.LittleEndian.PutUint32(buf[0:], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// decodeHeader parses and sanity checks a record header. limit is the number of
// bytes available for the record starting at the header.
func decodeHeader(b []byte, limit int64) (recordHeader, error) {
	var h recordHeader
	if len(b) < recordHeaderSize {
		return h, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	h.crc = binary.LittleEndian.Uint32(b[0:])
	h.op = b[4]
	h.family = Family(b[5])
	h.idLen = binary.LittleEndian.Uint32(b[6:])
	h.valLen = binary.LittleEndian.Uint32(b[10:])

	switch {
	case h.op != opPut && h.op != opDelete:
		return h, fmt.Errorf("%w: unknown op %d", ErrCorrupt, h.op)
	case !h.family.valid():
		return h, fmt.Errorf("%w: unknown family %d", ErrCorrupt, h.family)
	case h.idLen == 0 || h.idLen > MaxIdentitySize:
		return h, fmt.Errorf("%w: identity length %d", ErrCorrupt, h.idLen)
	case h.op == opDelete && h.valLen != 0:
		return h, fmt.Errorf("%w: delete record with value", ErrCorrupt)
	case h.size() > limit:
		return h, fmt.Errorf("%w: record exceeds segment", ErrCorrupt)
	}
	return h, nil
}

// verifyRecord checks the checksum of a complete record.
func verifyRecord(h recordHeader, rec []byte) error {
	if crc32.ChecksumIEEE(rec[4:]) != h.crc {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return nil
}

// recordIdentity and recordValue slice a verified record.
func recordIdentity(h recordHeader, rec []byte) string {
	return string(rec[recordHeaderSize : recordHeaderSize+int(h.idLen)])
}

func recordValue(h recordHeader, rec []byte) []byte {
	return rec[recordHeaderSize+int(h.idLen):]
}
