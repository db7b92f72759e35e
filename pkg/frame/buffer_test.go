package frame

import (
	"bytes"
	"testing"
)

func TestBufferAppendConsume(t *testing.T) {
	b := NewBuffer(16)

	if err := b.Append([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if b.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", b.Len())
	}
	if !bytes.Equal(b.Peek(2), []byte{1, 2}) {
		t.Errorf("Peek(2) = % X", b.Peek(2))
	}

	b.Consume(2)
	if b.Len() != 2 {
		t.Fatalf("Len() after Consume = %d, want 2", b.Len())
	}
	if !bytes.Equal(b.Bytes(), []byte{3, 4}) {
		t.Errorf("Bytes() = % X, want 03 04", b.Bytes())
	}

	// Byte 0 must stay the earliest unconsumed byte across appends.
	if err := b.Append([]byte{5}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !bytes.Equal(b.Bytes(), []byte{3, 4, 5}) {
		t.Errorf("Bytes() = % X, want 03 04 05", b.Bytes())
	}
}

func TestBufferDropTo(t *testing.T) {
	b := NewBuffer(16)
	b.Append([]byte{0xFF, 0xFF, 0x01, 0x03})
	b.DropTo(2)
	if !bytes.Equal(b.Bytes(), []byte{0x01, 0x03}) {
		t.Errorf("Bytes() = % X, want 01 03", b.Bytes())
	}
}

func TestBufferOverflow(t *testing.T) {
	b := NewBuffer(4)
	if err := b.Append([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := b.Append([]byte{4, 5}); err != ErrBufferOverflow {
		t.Fatalf("Append = %v, want ErrBufferOverflow", err)
	}
	// Consumed space must be reclaimable.
	b.Consume(3)
	if err := b.Append([]byte{4, 5, 6, 7}); err != nil {
		t.Fatalf("Append after Consume failed: %v", err)
	}
	if !bytes.Equal(b.Bytes(), []byte{4, 5, 6, 7}) {
		t.Errorf("Bytes() = % X", b.Bytes())
	}
}

func TestBufferConsumePastEnd(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte{1, 2})
	b.Consume(10)
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	b.Append([]byte{3})
	if !bytes.Equal(b.Bytes(), []byte{3}) {
		t.Errorf("Bytes() = % X, want 03", b.Bytes())
	}
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte{1, 2, 3})
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", b.Len())
	}
}
