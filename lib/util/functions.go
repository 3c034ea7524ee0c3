package util

import (
	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Checksums
// --------------------------------------------------------------------------

// Checksum returns the 64 bit xxhash of b. It protects whole files (index
// snapshots) where a collision-resistant but fast digest is wanted.
func Checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Digest is a streaming variant of Checksum.
type Digest struct {
	d *xxhash.Digest
}

// NewDigest creates an empty streaming checksum.
func NewDigest() *Digest {
	return &Digest{d: xxhash.New()}
}

// Write adds b to the checksum. It never fails.
func (d *Digest) Write(b []byte) (int, error) {
	return d.d.Write(b)
}

// Sum64 returns the checksum of everything written so far.
func (d *Digest) Sum64() uint64 {
	return d.d.Sum64()
}
