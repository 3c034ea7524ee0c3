package disk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	fileatomic "github.com/natefinch/atomic"
)

const (
	metaFile = "UNIT"
	// FormatVersion is bumped whenever the on-disk layout changes. Units written
	// with another version are reset on open.
	FormatVersion = 1
)

// Meta is the content of the UNIT file.
type Meta struct {
	Format     int       `json:"format"`
	Unit       string    `json:"unit"`
	Generation uuid.UUID `json:"generation"`
	Created    time.Time `json:"created"`
}

func newMeta(unit string) Meta {
	return Meta{
		Format:     FormatVersion,
		Unit:       unit,
		Generation: uuid.New(),
		Created:    time.Now().UTC(),
	}
}

func writeMeta(dir string, m Meta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := fileatomic.WriteFile(filepath.Join(dir, metaFile), bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// readMeta returns os.ErrNotExist (wrapped) if the unit has no meta file yet and
// errUnrecoverable for anything that can not be trusted.
func readMeta(dir, unit string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", errUnrecoverable, err)
	}
	if m.Format != FormatVersion {
		return m, fmt.Errorf("%w: format %d, expected %d", errUnrecoverable, m.Format, FormatVersion)
	}
	if m.Unit != unit {
		return m, fmt.Errorf("%w: meta names unit %q", errUnrecoverable, m.Unit)
	}
	if m.Generation == uuid.Nil {
		return m, fmt.Errorf("%w: missing generation", errUnrecoverable)
	}
	return m, nil
}
