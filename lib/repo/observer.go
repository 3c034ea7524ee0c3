package repo

// DropReason tells why an object was dropped from a unit.
type DropReason string

const (
	// DropCorrupt: the stored record failed validation.
	DropCorrupt DropReason = "corrupt"
	// DropDeserialize: the factory could not restore the value.
	DropDeserialize DropReason = "deserialize"
	// DropSerialize: the value could not be serialized for writing.
	DropSerialize DropReason = "serialize"
	// DropIO: the disk write failed after all retries.
	DropIO DropReason = "io"
)

// Observer is notified about physical disk operations of the repository.
// Implementations must be safe for concurrent use and must not call back
// into the repository.
type Observer interface {
	// OnRead is called after an object was read from disk by Get.
	OnRead(unit UnitID, kind Kind, identity string, size int)
	// OnWrite is called after an object was written to disk by the writer.
	OnWrite(unit UnitID, kind Kind, identity string, size int)
	// OnRemove is called after a delete was written to disk by the writer.
	OnRemove(unit UnitID, kind Kind, identity string)
	// OnDrop is called when an object is lost because of a failure.
	OnDrop(unit UnitID, kind Kind, identity string, reason DropReason)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) OnRead(UnitID, Kind, string, int) {}
func (NopObserver) OnWrite(UnitID, Kind, string, int) {}
func (NopObserver) OnRemove(UnitID, Kind, string) {}
func (NopObserver) OnDrop(UnitID, Kind, string, DropReason) {}

// MultiObserver forwards every notification to all of its observers.
type MultiObserver []Observer

func (m MultiObserver) OnRead(unit UnitID, kind Kind, identity string, size int) {
	for _, o := range m {
		o.OnRead(unit, kind, identity, size)
	}
}

func (m MultiObserver) OnWrite(unit UnitID, kind Kind, identity string, size int) {
	for _, o := range m {
		o.OnWrite(unit, kind, identity, size)
	}
}

func (m MultiObserver) OnRemove(unit UnitID, kind Kind, identity string) {
	for _, o := range m {
		o.OnRemove(unit, kind, identity)
	}
}

func (m MultiObserver) OnDrop(unit UnitID, kind Kind, identity string, reason DropReason) {
	for _, o := range m {
		o.OnDrop(unit, kind, identity, reason)
	}
}
