package repo

import "errors"

var (
	// ErrUnitBroken is returned by OpenUnit when the unit's files could not be
	// recovered. The unit is open but empty and the caller should rebuild it.
	ErrUnitBroken = errors.New("unit broken")
	// ErrUnitLocked is returned by OpenUnit when another process uses the unit.
	ErrUnitLocked = errors.New("unit locked")
	// ErrKeyCollision is returned by Put in validation mode when a different
	// value is put under a key that already holds a value.
	ErrKeyCollision = errors.New("key collision")
	// ErrNotRunning is returned by every operation while the repository is stopped.
	ErrNotRunning = errors.New("repository not running")
	// ErrUnitNotOpen is returned for keys of units that have not been opened.
	ErrUnitNotOpen = errors.New("unit not open")
	// ErrInvalidLevel is returned by Startup for unknown persistence levels.
	ErrInvalidLevel = errors.New("invalid persistence level")
	// ErrLevelMismatch is returned by Startup if the repository already runs with another level.
	ErrLevelMismatch = errors.New("repository running with a different level")
	// ErrInvalidUnit is returned for unit ids that can not be used as directory names.
	ErrInvalidUnit = errors.New("invalid unit id")
	// ErrNilKey is returned when a nil key or a key with an empty identity is passed.
	ErrNilKey = errors.New("nil key")
	// ErrNilValue is returned by Put for nil values.
	ErrNilValue = errors.New("nil value")
)
