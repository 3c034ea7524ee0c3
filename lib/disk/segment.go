package disk

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Segment header (little endian)
// --------------------------------------------------------------------------
//
//	magic      [8]byte  "OREPOSEG"
//	version    uint8
//	generation [16]byte unit generation from the meta file
//	family     uint8
//	number     uint32

const (
	segmentMagic      = "OREPOSEG"
	segmentVersion    = 1
	segmentHeaderSize = 8 + 1 + 16 + 1 + 4
	segmentExt        = ".seg"
)

type segment struct {
	family Family
	number uint32
	path   string
	file   *os.File
	size   int64
}

func segmentName(f Family, n uint32) string {
	return fmt.Sprintf("%s-%06d%s", f, n, segmentExt)
}

// parseSegmentName is the inverse of segmentName.
func parseSegmentName(name string) (Family, uint32, bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, 0, false
	}
	prefix, num, ok := strings.Cut(strings.TrimSuffix(name, segmentExt), "-")
	if !ok {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	for f := Family(0); f < numFamilies; f++ {
		if f.String() == prefix {
			return f, uint32(n), true
		}
	}
	return 0, 0, false
}

// listSegments returns the segment numbers per family, ascending.
func listSegments(dir string) ([numFamilies][]uint32, error) {
	var out [numFamilies][]uint32
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f, n, ok := parseSegmentName(e.Name()); ok {
			out[f] = append(out[f], n)
		}
	}
	for f := range out {
		sort.Slice(out[f], func(i, j int) bool { return out[f][i] < out[f][j] })
	}
	return out, nil
}

func encodeSegmentHeader(gen uuid.UUID, f Family, n uint32) []byte {
	buf := make([]byte, segmentHeaderSize)
	copy(buf, segmentMagic)
	buf[8] = segmentVersion
	copy(buf[9:25], gen[:])
	buf[25] = byte(f)
	binary.LittleEndian.PutUint32(buf[26:], n)
	return buf
}

// createSegment creates a new segment file and writes its header.
func createSegment(dir string, gen uuid.UUID, f Family, n uint32) (*segment, error) {
	path := filepath.Join(dir, segmentName(f, n))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	if _, err := file.WriteAt(encodeSegmentHeader(gen, f, n), 0); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("sync segment header: %w", err)
	}
	return &segment{family: f, number: n, path: path, file: file, size: segmentHeaderSize}, nil
}

// openSegment opens an existing segment and validates its header.
// A file shorter than the header or with a zero-filled header is reported
// with io.ErrUnexpectedEOF, any other mismatch with errUnrecoverable.
func openSegment(dir string, gen uuid.UUID, f Family, n uint32) (*segment, error) {
	path := filepath.Join(dir, segmentName(f, n))
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	header := make([]byte, segmentHeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		_ = file.Close()
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var want = encodeSegmentHeader(gen, f, n)
	switch {
	case zeroed(header):
		err = io.ErrUnexpectedEOF
	case string(header[:8]) != segmentMagic:
		err = fmt.Errorf("%w: %s: bad magic", errUnrecoverable, path)
	case header[8] != segmentVersion:
		err = fmt.Errorf("%w: %s: version %d", errUnrecoverable, path, header[8])
	case string(header[9:25]) != string(want[9:25]):
		err = fmt.Errorf("%w: %s: foreign generation", errUnrecoverable, path)
	case string(header[25:]) != string(want[25:]):
		err = fmt.Errorf("%w: %s: family or number mismatch", errUnrecoverable, path)
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &segment{family: f, number: n, path: path, file: file, size: st.Size()}, nil
}

// zeroed reports whether b holds only zero bytes, as left behind by a crash
// between extending a new file and writing its first block.
func zeroed(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// append writes rec at the end of the segment. A failed write leaves size
// untouched so the next append overwrites the partial data.
func (s *segment) append(rec []byte) (int64, error) {
	off := s.size
	if _, err := s.file.WriteAt(rec, off); err != nil {
		return 0, err
	}
	s.size += int64(len(rec))
	return off, nil
}

func (s *segment) truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return err
	}
	s.size = size
	return s.file.Sync()
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

// readRecord reads and verifies the record at off.
func (s *segment) readRecord(off int64, length uint32) (recordHeader, []byte, error) {
	rec := make([]byte, length)
	if _, err := s.file.ReadAt(rec, off); err != nil {
		return recordHeader{}, nil, fmt.Errorf("%w: read %s@%d: %v", ErrCorrupt, s.path, off, err)
	}
	h, err := decodeHeader(rec, int64(length))
	if err != nil {
		return h, nil, err
	}
	if h.size() != int64(length) {
		return h, nil, fmt.Errorf("%w: length mismatch", ErrCorrupt)
	}
	if err := verifyRecord(h, rec); err != nil {
		return h, nil, err
	}
	return h, rec, nil
}
