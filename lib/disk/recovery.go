package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// load reads meta data, segments and snapshot and replays everything the
// snapshot does not cover. Errors wrapping errUnrecoverable make Open reset the unit.
func (s *Store) load() error {
	meta, err := readMeta(s.dir, s.unit)
	if errors.Is(err, os.ErrNotExist) {
		if s.hasData() {
			return fmt.Errorf("%w: meta data missing", errUnrecoverable)
		}
		return s.initFresh()
	}
	if err != nil {
		return err
	}
	s.meta = meta

	if err := s.openSegments(); err != nil {
		return err
	}

	covered, err := s.loadSnapshot()
	switch {
	case err == nil:
		s.recovery.SnapshotUsed = true
	case errors.Is(err, os.ErrNotExist):
	default:
		log.Warningf("unit %s: ignoring index snapshot, replaying all segments: %v", s.unit, err)
		s.index = make(map[slotKey]slot)
		s.live = 0
		covered = nil
	}

	if err := s.replay(covered); err != nil {
		return err
	}
	if err := s.ensureActiveSegments(); err != nil {
		return err
	}

	if s.recovery.TruncatedBytes > 0 || s.recovery.RemovedSegments > 0 {
		log.Warningf("unit %s recovered: truncated %d bytes, removed %d segments",
			s.unit, s.recovery.TruncatedBytes, s.recovery.RemovedSegments)
	}
	log.Debugf("unit %s loaded: %d records, snapshot used: %v, %d records replayed",
		s.unit, len(s.index), s.recovery.SnapshotUsed, s.recovery.Replayed)
	return nil
}

// hasData reports whether dir contains segments or a snapshot.
func (s *Store) hasData() bool {
	segs, err := listSegments(s.dir)
	if err != nil {
		return true
	}
	for f := range segs {
		if len(segs[f]) > 0 {
			return true
		}
	}
	_, err = os.Stat(filepath.Join(s.dir, snapshotFile))
	return err == nil
}

// openSegments opens all segments and checks their headers. A last segment
// that is shorter than its header or has a zero-filled header is a torn
// rotation and is removed.
func (s *Store) openSegments() error {
	numbers, err := listSegments(s.dir)
	if err != nil {
		return err
	}
	for f := Family(0); f < numFamilies; f++ {
		for i, n := range numbers[f] {
			seg, err := openSegment(s.dir, s.meta.Generation, f, n)
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if i != len(numbers[f])-1 {
					return fmt.Errorf("%w: %s: truncated header", errUnrecoverable, segmentName(f, n))
				}
				if err := os.Remove(filepath.Join(s.dir, segmentName(f, n))); err != nil {
					return err
				}
				s.recovery.RemovedSegments++
				continue
			}
			if err != nil {
				return err
			}
			s.segments[f] = append(s.segments[f], seg)
		}
	}
	return nil
}

// replay applies the records of every segment behind the covered offsets. A
// segment missing from covered is replayed from its start.
func (s *Store) replay(covered map[Family]map[uint32]int64) error {
	for f := Family(0); f < numFamilies; f++ {
		for i := 0; i < len(s.segments[f]); i++ {
			seg := s.segments[f][i]
			start := int64(segmentHeaderSize)
			if off, ok := covered[f][seg.number]; ok {
				start = off
			}

			end, err := s.replaySegment(seg, start)
			if err != nil {
				return err
			}
			if end == seg.size {
				continue
			}

			log.Warningf("unit %s: invalid record in %s at offset %d, truncating", s.unit, seg.path, end)
			if err := s.truncateFamily(f, i, end); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// replaySegment applies the records from start on and returns the offset of
// the first invalid record, or the segment size if all records are valid.
func (s *Store) replaySegment(seg *segment, start int64) (int64, error) {
	if start > seg.size {
		return seg.size, nil
	}
	r := bufio.NewReaderSize(io.NewSectionReader(seg.file, start, seg.size-start), 1<<20)
	off := start
	header := make([]byte, recordHeaderSize)

	for off < seg.size {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, err
		}
		h, err := decodeHeader(header, seg.size-off)
		if err != nil {
			return off, nil
		}

		rec := make([]byte, h.size())
		copy(rec, header)
		if _, err := io.ReadFull(r, rec[recordHeaderSize:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, err
		}
		if verifyRecord(h, rec) != nil || h.family != seg.family {
			return off, nil
		}

		key := slotKey{h.family, recordIdentity(h, rec)}
		if old, ok := s.index[key]; ok {
			delete(s.index, key)
			s.live -= int64(old.length)
		}
		if h.op == opPut {
			s.index[key] = slot{segment: seg.number, offset: off, length: uint32(h.size())}
			s.live += h.size()
		}
		s.recovery.Replayed++
		off += h.size()
	}
	return off, nil
}

// truncateFamily cuts segment i of family f at end and removes all later
// segments of the family. Index slots pointing into the removed range are dropped.
func (s *Store) truncateFamily(f Family, i int, end int64) error {
	seg := s.segments[f][i]
	s.recovery.TruncatedBytes += seg.size - end
	if err := seg.truncate(end); err != nil {
		return fmt.Errorf("truncate %s: %w", seg.path, err)
	}

	for _, later := range s.segments[f][i+1:] {
		s.recovery.TruncatedBytes += later.size - segmentHeaderSize
		_ = later.close()
		if err := os.Remove(later.path); err != nil {
			return err
		}
		s.recovery.RemovedSegments++
	}
	s.segments[f] = s.segments[f][:i+1]

	for k, sl := range s.index {
		if k.family != f {
			continue
		}
		if sl.segment > seg.number || (sl.segment == seg.number && sl.offset >= end) {
			delete(s.index, k)
			s.live -= int64(sl.length)
		}
	}
	return nil
}
