package internal

import "testing"

func TestTicketSupersede(t *testing.T) {
	tk := NewTicket(OpPut, "k", "v1")

	if !tk.Supersede(OpRemove, nil) {
		t.Fatalf("Supersede should succeed before Take")
	}
	if !tk.Supersede(OpPut, "v2") {
		t.Fatalf("Supersede should succeed before Take")
	}

	op, value := tk.Take()
	if op != OpPut || value != "v2" {
		t.Errorf("Expected Put v2, got %s %v", op, value)
	}
	if tk.Supersede(OpRemove, nil) {
		t.Errorf("Supersede should fail after Take")
	}
	if tk.Op() != OpPut {
		t.Errorf("payload must not change after Take")
	}
}

func TestSignalTicket(t *testing.T) {
	tk := NewSignalTicket(OpBarrier)
	tk.Signal()
	select {
	case <-tk.Done:
	default:
		t.Errorf("Done should be closed after Signal")
	}
}

func TestEntryClean(t *testing.T) {
	if !(Entry{State: StatePresent}).Clean() {
		t.Errorf("present entry without ticket is clean")
	}
	if (Entry{State: StatePresent, Ticket: NewTicket(OpPut, "k", nil)}).Clean() {
		t.Errorf("pending entry is not clean")
	}
	if (Entry{State: StateTombstone}).Clean() {
		t.Errorf("tombstone is not clean")
	}
	if (Entry{State: StatePresent, Pinned: true}).Clean() {
		t.Errorf("pinned entry is not clean")
	}
}
