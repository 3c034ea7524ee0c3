package disk

import "errors"

var (
	// ErrBroken is returned by Open when the unit could not be recovered and was reset.
	ErrBroken = errors.New("unit broken")
	// ErrLocked is returned by Open when another process holds the unit lock.
	ErrLocked = errors.New("unit locked by another process")
	// ErrCorrupt is returned by Get when a record fails validation.
	ErrCorrupt = errors.New("corrupt record")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store closed")
)

// errUnrecoverable marks damage that Open answers with a reset of the unit.
var errUnrecoverable = errors.New("unrecoverable")
