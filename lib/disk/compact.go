package disk

import (
	"errors"
	"fmt"
	"os"
	"sort"
)

// CompactStats describes the result of a compaction.
type CompactStats struct {
	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`
	Records     int   `json:"records"`
	Dropped     int   `json:"dropped"`
}

// Compact copies every live record into fresh segments, writes a snapshot that
// only lists the new segments and deletes the old ones. Records that fail
// validation are dropped.
//
// A crash at any point leaves a recoverable unit: before the snapshot is
// written the old snapshot still describes the old segments and the new ones
// replay on top of them with the same result. Afterwards the old segments are
// older than the snapshot's first segment and are deleted on open.
func (s *Store) Compact() (CompactStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats CompactStats
	if s.closed {
		return stats, ErrClosed
	}
	for f := range s.segments {
		for _, seg := range s.segments[f] {
			stats.BytesBefore += seg.size - segmentHeaderSize
		}
	}

	var fresh [numFamilies][]*segment
	abort := func(err error) (CompactStats, error) {
		for f := range fresh {
			for _, seg := range fresh[f] {
				_ = seg.close()
				_ = os.Remove(seg.path)
			}
		}
		return stats, err
	}

	index := make(map[slotKey]slot, len(s.index))
	var live int64

	for f := Family(0); f < numFamilies; f++ {
		keys := s.liveKeysLocked(f)

		old := s.segments[f]
		active, err := createSegment(s.dir, s.meta.Generation, f, old[len(old)-1].number+1)
		if err != nil {
			return abort(err)
		}
		fresh[f] = append(fresh[f], active)

		for _, k := range keys {
			sl := s.index[k]
			src := s.segmentLocked(f, sl.segment)
			if src == nil {
				stats.Dropped++
				continue
			}
			h, rec, err := src.readRecord(sl.offset, sl.length)
			if err == nil && (h.op != opPut || recordIdentity(h, rec) != k.identity) {
				err = fmt.Errorf("%w: index points to a foreign record", ErrCorrupt)
			}
			if err != nil {
				log.Warningf("unit %s: dropping %s record during compaction: %v", s.unit, f, err)
				stats.Dropped++
				continue
			}

			if active.size > segmentHeaderSize && active.size+int64(len(rec)) > s.opts.MaxSegmentSize {
				if err := active.sync(); err != nil {
					return abort(err)
				}
				if active, err = createSegment(s.dir, s.meta.Generation, f, active.number+1); err != nil {
					return abort(err)
				}
				fresh[f] = append(fresh[f], active)
			}
			off, err := active.append(rec)
			if err != nil {
				return abort(fmt.Errorf("append to %s: %w", active.path, err))
			}
			index[k] = slot{segment: active.number, offset: off, length: sl.length}
			live += int64(sl.length)
			stats.Records++
		}
		if err := active.sync(); err != nil {
			return abort(err)
		}
	}

	old := s.segments
	s.segments = fresh
	s.index = index
	s.live = live

	if err := s.writeSnapshot(); err != nil {
		// the old files stay on disk so a restart replays old and new segments
		for f := range old {
			for _, seg := range old[f] {
				_ = seg.close()
			}
		}
		return stats, fmt.Errorf("compaction snapshot: %w", err)
	}

	var errs []error
	for f := range old {
		for _, seg := range old[f] {
			_ = seg.close()
			if err := os.Remove(seg.path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for f := range fresh {
		for _, seg := range fresh[f] {
			stats.BytesAfter += seg.size - segmentHeaderSize
		}
	}

	log.Infof("unit %s compacted: %d -> %d bytes, %d records, %d dropped",
		s.unit, stats.BytesBefore, stats.BytesAfter, stats.Records, stats.Dropped)
	return stats, errors.Join(errs...)
}

// liveKeysLocked returns the indexed keys of family f in disk order.
func (s *Store) liveKeysLocked(f Family) []slotKey {
	keys := make([]slotKey, 0)
	for k := range s.index {
		if k.family == f {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.index[keys[i]], s.index[keys[j]]
		if a.segment != b.segment {
			return a.segment < b.segment
		}
		return a.offset < b.offset
	})
	return keys
}
