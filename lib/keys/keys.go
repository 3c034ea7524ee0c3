// Package keys provides ready-made keys and values for the object repository.
//
// Callers with their own object model implement repo.Key and repo.Persistent
// directly; these types serve tools, tests and simple string or blob payloads.
package keys

import (
	"encoding/binary"

	"github.com/ValentinKolb/objrepo/lib/codec"
	"github.com/ValentinKolb/objrepo/lib/repo"
)

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

type key struct {
	unit     repo.UnitID
	kind     repo.Kind
	identity string
	factory  repo.Factory
}

func (k key) Unit() repo.UnitID     { return k.unit }
func (k key) Kind() repo.Kind       { return k.kind }
func (k key) Identity() string      { return k.identity }
func (k key) Factory() repo.Factory { return k.factory }

// SmallKey names a small object. The default factory restores StringValues.
type SmallKey struct{ key }

// Small creates a small key with a string identity.
func Small(unit repo.UnitID, identity string) SmallKey {
	return SmallKey{key{unit: unit, kind: repo.KindSmall, identity: identity, factory: StringFactory}}
}

// SmallID creates a small key with a fixed size 8 byte identity.
func SmallID(unit repo.UnitID, id uint64) SmallKey {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return Small(unit, string(b[:]))
}

// WithFactory returns a copy of the key that uses f to restore values.
func (k SmallKey) WithFactory(f repo.Factory) SmallKey {
	k.factory = f
	return k
}

// LargeKey names a large object. The default factory restores BlobValues.
type LargeKey struct{ key }

// Large creates a large key.
func Large(unit repo.UnitID, identity string) LargeKey {
	return LargeKey{key{unit: unit, kind: repo.KindLarge, identity: identity, factory: BlobFactory}}
}

// WithFactory returns a copy of the key that uses f to restore values.
func (k LargeKey) WithFactory(f repo.Factory) LargeKey {
	k.factory = f
	return k
}

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// StringValue stores a string.
type StringValue string

func (v StringValue) Serialize(w *codec.Writer) error {
	return w.WriteString(string(v))
}

// StringFactory restores StringValues.
var StringFactory repo.Factory = repo.FactoryFunc(func(r *codec.Reader) (repo.Persistent, error) {
	s, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return StringValue(s), nil
})

// BlobValue stores raw bytes.
type BlobValue []byte

func (v BlobValue) Serialize(w *codec.Writer) error {
	return w.WriteBytes(v)
}

// BlobFactory restores BlobValues.
var BlobFactory repo.Factory = repo.FactoryFunc(func(r *codec.Reader) (repo.Persistent, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return BlobValue(b), nil
})
