package repo

import (
	"fmt"

	"github.com/ValentinKolb/objrepo/lib/codec"
	"github.com/ValentinKolb/objrepo/lib/disk"
)

// --------------------------------------------------------------------------
// Units
// --------------------------------------------------------------------------

// UnitID names a unit. It is used as the name of the unit directory and must
// consist of 1 to 128 characters out of [A-Za-z0-9._-]. "." and ".." are not allowed.
type UnitID string

const maxUnitIDLen = 128

// Validate returns an error wrapping ErrInvalidUnit if id can not be used.
func (id UnitID) Validate() error {
	if len(id) == 0 || len(id) > maxUnitIDLen || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidUnit, string(id))
	}
	for _, c := range []byte(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidUnit, string(id), c)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Keys and values
// --------------------------------------------------------------------------

// Kind selects how an object is stored. The caller decides; the repository
// keeps small and large objects in separate segment families.
type Kind uint8

const (
	KindSmall Kind = iota
	KindLarge
)

func (k Kind) String() string {
	switch k {
	case KindSmall:
		return "small"
	case KindLarge:
		return "large"
	default:
		return "unknown"
	}
}

func (k Kind) family() disk.Family {
	if k == KindLarge {
		return disk.FamilyLarge
	}
	return disk.FamilySmall
}

// Key names one object. Within a unit, (Kind, Identity) must name exactly one
// logical object. Keys must be immutable.
type Key interface {
	// Unit returns the unit the object belongs to.
	Unit() UnitID
	// Kind returns whether this is a small or a large object.
	Kind() Kind
	// Identity returns the identity bytes of the object. It must not be empty.
	Identity() string
	// Factory returns the factory that restores values stored under this key.
	Factory() Factory
}

// Persistent is a value that can be stored in the repository.
type Persistent interface {
	Serialize(w *codec.Writer) error
}

// Factory restores a Persistent value from its serialized form.
type Factory interface {
	Deserialize(r *codec.Reader) (Persistent, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(r *codec.Reader) (Persistent, error)

func (f FactoryFunc) Deserialize(r *codec.Reader) (Persistent, error) {
	return f(r)
}

// cacheKey is the key of the per-unit cache map.
type cacheKey struct {
	kind     Kind
	identity string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s/%q", k.kind, k.identity)
}

func cacheKeyOf(key Key) cacheKey {
	return cacheKey{kind: key.Kind(), identity: key.Identity()}
}

// serialize encodes v into a fresh byte slice.
func serialize(v Persistent) ([]byte, error) {
	w := codec.NewWriter(64)
	if err := v.Serialize(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
