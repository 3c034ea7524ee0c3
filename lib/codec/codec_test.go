package codec

import (
	"errors"
	"testing"
)

func TestWriterReader(t *testing.T) {
	w := NewWriter(16)
	w.WriteUint8(7)
	w.WriteUint16(513)
	w.WriteUint32(70000)
	w.WriteUint64(1 << 40)
	w.WriteInt64(-5)
	w.WriteBool(true)
	if err := w.WriteString("small_obj_1"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := w.WriteBytes([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	r := NewReader(w.Bytes())
	if v, err := r.ReadUint8(); err != nil || v != 7 {
		t.Errorf("ReadUint8 = %d, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 513 {
		t.Errorf("ReadUint16 = %d, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 70000 {
		t.Errorf("ReadUint32 = %d, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != 1<<40 {
		t.Errorf("ReadUint64 = %d, %v", v, err)
	}
	if v, err := r.ReadInt64(); err != nil || v != -5 {
		t.Errorf("ReadInt64 = %d, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool = %t, %v", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "small_obj_1" {
		t.Errorf("ReadString = %q, %v", v, err)
	}
	b, err := r.ReadBytes()
	if err != nil || len(b) != 3 || b[2] != 3 {
		t.Errorf("ReadBytes = %v, %v", b, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("expected no remaining bytes, got %d", r.Remaining())
	}
}

func TestReaderShortBuffer(t *testing.T) {
	w := NewWriter(0)
	_ = w.WriteString("truncated")

	// cut the string in half
	r := NewReader(w.Bytes()[:w.Len()-4])
	if _, err := r.ReadString(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}

	r = NewReader(nil)
	if _, err := r.ReadUint64(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer on empty input, got %v", err)
	}
}

func TestReadBytesCopies(t *testing.T) {
	w := NewWriter(0)
	_ = w.WriteBytes([]byte("abc"))
	src := w.Bytes()

	b, err := NewReader(src).ReadBytes()
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	src[4] = 'X'
	if string(b) != "abc" {
		t.Errorf("ReadBytes should return a copy, got %q", b)
	}
}
