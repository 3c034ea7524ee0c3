package disk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	fileatomic "github.com/natefinch/atomic"

	"github.com/ValentinKolb/objrepo/lib/util"
)

// --------------------------------------------------------------------------
// Snapshot layout (little endian)
// --------------------------------------------------------------------------
//
//	magic      [8]byte "OREPOIDX"
//	version    uint8
//	generation [16]byte
//	per family:
//	  first    uint32  lowest live segment, older files are compaction leftovers
//	  count    uint32
//	  count x (number uint32, covered int64)
//	entries    uint64
//	entries x (family uint8, idLen uint32, identity, segment uint32, offset int64, length uint32)
//	checksum   uint64  xxhash of everything before

const (
	snapshotFile    = "index.snap"
	snapshotMagic   = "OREPOIDX"
	snapshotVersion = 1
)

var errSnapshot = errors.New("invalid snapshot")

// writeSnapshot atomically replaces the snapshot with the current index.
// The caller holds s.mu and has synced all segments.
func (s *Store) writeSnapshot() error {
	var buf bytes.Buffer
	digest := util.NewDigest()
	bw := bufio.NewWriter(io.MultiWriter(&buf, digest))

	put := func(v any) error {
		return binary.Write(bw, binary.LittleEndian, v)
	}

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := put(uint8(snapshotVersion)); err != nil {
		return err
	}
	if _, err := bw.Write(s.meta.Generation[:]); err != nil {
		return err
	}

	for f := range s.segments {
		segs := s.segments[f]
		var first uint32
		if len(segs) > 0 {
			first = segs[0].number
		}
		if err := put(first); err != nil {
			return err
		}
		if err := put(uint32(len(segs))); err != nil {
			return err
		}
		for _, seg := range segs {
			if err := put(seg.number); err != nil {
				return err
			}
			if err := put(seg.size); err != nil {
				return err
			}
		}
	}

	if err := put(uint64(len(s.index))); err != nil {
		return err
	}
	for k, sl := range s.index {
		if err := put(uint8(k.family)); err != nil {
			return err
		}
		if err := put(uint32(len(k.identity))); err != nil {
			return err
		}
		if _, err := bw.WriteString(k.identity); err != nil {
			return err
		}
		if err := put(sl.segment); err != nil {
			return err
		}
		if err := put(sl.offset); err != nil {
			return err
		}
		if err := put(sl.length); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, digest.Sum64()); err != nil {
		return err
	}

	if err := fileatomic.WriteFile(filepath.Join(s.dir, snapshotFile), &buf); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// loadSnapshot fills the index from the snapshot and returns the covered size
// of every listed segment. Segments older than the first listed one are
// removed. On error the index may be partially filled and must be discarded.
func (s *Store) loadSnapshot() (map[Family]map[uint32]int64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if err != nil {
		return nil, err
	}
	if len(data) < len(snapshotMagic)+1+16+8 {
		return nil, fmt.Errorf("%w: too short", errSnapshot)
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	if util.Checksum(body) != binary.LittleEndian.Uint64(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", errSnapshot)
	}

	r := bytes.NewReader(body)
	get := func(v any) error {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("%w: %v", errSnapshot, err)
		}
		return nil
	}

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", errSnapshot)
	}
	var version uint8
	if err := get(&version); err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errSnapshot, version)
	}
	var gen uuid.UUID
	if err := get(&gen); err != nil {
		return nil, err
	}
	if gen != s.meta.Generation {
		return nil, fmt.Errorf("%w: foreign generation", errSnapshot)
	}

	covered := make(map[Family]map[uint32]int64, numFamilies)
	var first [numFamilies]uint32
	for f := Family(0); f < numFamilies; f++ {
		var count uint32
		if err := get(&first[f]); err != nil {
			return nil, err
		}
		if err := get(&count); err != nil {
			return nil, err
		}
		covered[f] = make(map[uint32]int64, count)
		var last uint32
		for i := uint32(0); i < count; i++ {
			var number uint32
			var size int64
			if err := get(&number); err != nil {
				return nil, err
			}
			if err := get(&size); err != nil {
				return nil, err
			}
			seg := s.segmentLocked(f, number)
			if seg == nil || seg.size < size {
				return nil, fmt.Errorf("%w: %s shorter than recorded", errSnapshot, segmentName(f, number))
			}
			covered[f][number] = size
			last = number
		}
		// every existing segment from first on is either listed or newer than all listed ones
		for _, seg := range s.segments[f] {
			if seg.number < first[f] || seg.number > last {
				continue
			}
			if _, ok := covered[f][seg.number]; !ok {
				return nil, fmt.Errorf("%w: %s not listed", errSnapshot, segmentName(f, seg.number))
			}
		}
	}

	var entries uint64
	if err := get(&entries); err != nil {
		return nil, err
	}
	if entries > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: entry count %d", errSnapshot, entries)
	}
	for i := uint64(0); i < entries; i++ {
		var family uint8
		var idLen uint32
		if err := get(&family); err != nil {
			return nil, err
		}
		if err := get(&idLen); err != nil {
			return nil, err
		}
		if !Family(family).valid() || idLen == 0 || idLen > MaxIdentitySize {
			return nil, fmt.Errorf("%w: bad entry", errSnapshot)
		}
		identity := make([]byte, idLen)
		if _, err := io.ReadFull(r, identity); err != nil {
			return nil, fmt.Errorf("%w: %v", errSnapshot, err)
		}
		var sl slot
		if err := get(&sl.segment); err != nil {
			return nil, err
		}
		if err := get(&sl.offset); err != nil {
			return nil, err
		}
		if err := get(&sl.length); err != nil {
			return nil, err
		}
		size, ok := covered[Family(family)][sl.segment]
		if !ok || sl.offset < segmentHeaderSize || sl.offset+int64(sl.length) > size {
			return nil, fmt.Errorf("%w: entry outside covered range", errSnapshot)
		}
		s.index[slotKey{Family(family), string(identity)}] = sl
		s.live += int64(sl.length)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing data", errSnapshot)
	}

	// the snapshot is valid, segments older than first are leftovers of a compaction
	for f := Family(0); f < numFamilies; f++ {
		kept := s.segments[f][:0]
		for _, seg := range s.segments[f] {
			if seg.number >= first[f] {
				kept = append(kept, seg)
				continue
			}
			_ = seg.close()
			if err := os.Remove(seg.path); err != nil {
				return nil, err
			}
			s.recovery.RemovedSegments++
		}
		s.segments[f] = kept
	}
	return covered, nil
}
