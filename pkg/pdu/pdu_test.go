package pdu

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewReadRequestEncoding(t *testing.T) {
	req := NewReadRequest(0x11, FuncReadHoldingRegisters, 0x006B, 3)
	if req.FunctionCode != 0x03 || req.SlaveID != 0x11 {
		t.Fatalf("fc=%02X slave=%02X", req.FunctionCode, req.SlaveID)
	}
	if !bytes.Equal(req.Data, []byte{0x00, 0x6B, 0x00, 0x03}) {
		t.Errorf("Data = % X", req.Data)
	}
}

func TestWriteSingleCoilEncoding(t *testing.T) {
	on := NewWriteSingleCoilRequest(1, 0x00AC, true)
	if !bytes.Equal(on.Data, []byte{0x00, 0xAC, 0xFF, 0x00}) {
		t.Errorf("on Data = % X", on.Data)
	}
	off := NewWriteSingleCoilRequest(1, 0x00AC, false)
	if !bytes.Equal(off.Data, []byte{0x00, 0xAC, 0x00, 0x00}) {
		t.Errorf("off Data = % X", off.Data)
	}
}

func TestWriteMultipleCoilsEncoding(t *testing.T) {
	// The protocol guide example: 10 coils at address 19.
	values := []bool{true, false, true, true, false, false, true, true, true, false}
	req := NewWriteMultipleCoilsRequest(0x11, 0x0013, values)
	want := []byte{0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	if !bytes.Equal(req.Data, want) {
		t.Errorf("Data = % X, want % X", req.Data, want)
	}
}

func TestRegistersDecoding(t *testing.T) {
	p := &PDU{FunctionCode: FuncReadHoldingRegisters, Data: []byte{0x04, 0x00, 0x0A, 0x01, 0x02}}
	regs, err := p.Registers()
	if err != nil {
		t.Fatalf("Registers failed: %v", err)
	}
	if len(regs) != 2 || regs[0] != 10 || regs[1] != 258 {
		t.Errorf("Registers = %v", regs)
	}

	bad := &PDU{FunctionCode: FuncReadHoldingRegisters, Data: []byte{0x04, 0x00, 0x0A}}
	if _, err := bad.Registers(); err == nil {
		t.Error("expected error for inconsistent byte count")
	}
}

func TestBitsDecoding(t *testing.T) {
	p := &PDU{FunctionCode: FuncReadCoils, Data: []byte{0x02, 0xCD, 0x01}}
	bits, err := p.Bits(10)
	if err != nil {
		t.Fatalf("Bits failed: %v", err)
	}
	want := []bool{true, false, true, true, false, false, true, true, true, false}
	for i := range want {
		if bits[i] != want[i] {
			t.Errorf("bit %d = %v, want %v", i, bits[i], want[i])
		}
	}
}

func TestExceptionResponse(t *testing.T) {
	p := NewExceptionResponse(1, FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	if !p.IsException() {
		t.Fatal("expected exception")
	}
	if p.FunctionCode != 0x83 {
		t.Errorf("FunctionCode = %02X, want 83", p.FunctionCode)
	}
	if p.ExceptionCode() != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode = %02X, want 02", p.ExceptionCode())
	}
}

func TestClientRegistryFrameSizes(t *testing.T) {
	r := NewClientRegistry()

	tests := []struct {
		name   string
		prefix []byte
		want   int
	}{
		{"read response", []byte{0x01, 0x03, 0x02}, 7},
		{"read response large", []byte{0x01, 0x04, 0x08}, 13},
		{"write echo", []byte{0x01, 0x06}, 8},
		{"write multiple echo", []byte{0x01, 0x10}, 8},
		{"exception", []byte{0x01, 0x83}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.FrameSize(tt.prefix)
			if err != nil {
				t.Fatalf("FrameSize failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("FrameSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestServerRegistryFrameSizes(t *testing.T) {
	r := NewServerRegistry()

	if got, err := r.FrameSize([]byte{0x01, 0x03}); err != nil || got != 8 {
		t.Errorf("read request FrameSize = %d, %v; want 8", got, err)
	}
	if got, err := r.FrameSize([]byte{0x11, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04}); err != nil || got != 13 {
		t.Errorf("write multiple FrameSize = %d, %v; want 13", got, err)
	}
}

func TestFrameSizeShortFrame(t *testing.T) {
	r := NewClientRegistry()

	// The byte count of a read response sits at offset 2; with only
	// two bytes the size is not knowable yet.
	if _, err := r.FrameSize([]byte{0x01, 0x03}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("FrameSize = %v, want ErrShortFrame", err)
	}
	if _, err := r.FrameSize([]byte{0x01}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("FrameSize = %v, want ErrShortFrame", err)
	}
}

func TestFrameSizeUnknownFunction(t *testing.T) {
	r := NewClientRegistry()
	if _, err := r.FrameSize([]byte{0x01, 0x55}); !errors.Is(err, ErrUnknownFunc) {
		t.Errorf("FrameSize = %v, want ErrUnknownFunc", err)
	}
}

func TestRegistryKnown(t *testing.T) {
	r := NewClientRegistry()
	if !r.Known(FuncReadCoils) {
		t.Error("FuncReadCoils should be known")
	}
	// Exception forms count as known during resynchronization.
	if !r.Known(FuncReadCoils | ExceptionBit) {
		t.Error("exception form should be known")
	}
	if r.Known(0x55) {
		t.Error("0x55 should be unknown")
	}
}

func TestRegistryDecode(t *testing.T) {
	r := NewClientRegistry()

	p, err := r.Decode([]byte{0x03, 0x02, 0x00, 0x0A})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.FunctionCode != 0x03 || !bytes.Equal(p.Data, []byte{0x02, 0x00, 0x0A}) {
		t.Errorf("decoded fc=%02X data=% X", p.FunctionCode, p.Data)
	}

	if _, err := r.Decode([]byte{0x03, 0x05, 0x00, 0x0A}); err == nil {
		t.Error("expected error for inconsistent byte count")
	}
	if _, err := r.Decode([]byte{0x55, 0x00}); !errors.Is(err, ErrUnknownFunc) {
		t.Errorf("Decode = %v, want ErrUnknownFunc", err)
	}

	exc, err := r.Decode([]byte{0x83, 0x02})
	if err != nil {
		t.Fatalf("Decode exception failed: %v", err)
	}
	if !exc.IsException() || exc.ExceptionCode() != 0x02 {
		t.Errorf("exception fc=%02X code=%02X", exc.FunctionCode, exc.ExceptionCode())
	}
}
