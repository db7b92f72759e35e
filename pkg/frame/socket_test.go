package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/commatea/ModX-Core/pkg/pdu"
)

// 00 01 00 00 00 06 01 03 00 00 00 0A: tid=1, uid=1, read-holding
// request for 10 registers at 0.
var mbapReadRequest = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}

func collectSocket(t *testing.T, f *SocketFramer, opts Options, input []byte) []*pdu.PDU {
	t.Helper()
	if err := f.Feed(input); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	var got []*pdu.PDU
	if err := f.ProcessIncoming(opts, func(p *pdu.PDU) { got = append(got, p) }); err != nil {
		t.Fatalf("ProcessIncoming failed: %v", err)
	}
	return got
}

func TestSocketWellFormedRequest(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())

	got := collectSocket(t, f, Options{}, mbapReadRequest)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	p := got[0]
	if p.TransactionID != 1 || p.ProtocolID != 0 || p.SlaveID != 1 || p.FunctionCode != 0x03 {
		t.Fatalf("decoded tid=%d pid=%d slave=%d fc=%02X", p.TransactionID, p.ProtocolID, p.SlaveID, p.FunctionCode)
	}
	if !bytes.Equal(p.Data, []byte{0x00, 0x00, 0x00, 0x0A}) {
		t.Errorf("Data = % X, want 00 00 00 0A", p.Data)
	}
}

func TestSocketShortLengthDropped(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())

	// A header announcing LEN=1 is malformed; it is dropped and the
	// stream continues with the next message.
	malformed := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x55}
	got := collectSocket(t, f, Options{}, append(malformed, mbapReadRequest...))
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].TransactionID != 1 {
		t.Errorf("TransactionID = %d, want 1", got[0].TransactionID)
	}
}

func TestSocketBackToBackFrames(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())

	var input []byte
	for i := 0; i < 3; i++ {
		input = append(input, mbapReadRequest...)
	}
	got := collectSocket(t, f, Options{}, input)
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
}

func TestSocketPartialFrameWaits(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())

	got := collectSocket(t, f, Options{}, mbapReadRequest[:9])
	if len(got) != 0 {
		t.Fatalf("got %d frames from partial input, want 0", len(got))
	}
	got = collectSocket(t, f, Options{}, mbapReadRequest[9:])
	if len(got) != 1 {
		t.Fatalf("got %d frames after completion, want 1", len(got))
	}
}

func TestSocketExpectedTIDMismatch(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())
	opts := Options{ExpectedTID: 7, HasExpectedTID: true}

	// The stale frame (tid 1) is dropped without error; a matching
	// frame behind it is still delivered.
	matching := append([]byte{}, mbapReadRequest...)
	matching[1] = 0x07
	got := collectSocket(t, f, opts, append(append([]byte{}, mbapReadRequest...), matching...))
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].TransactionID != 7 {
		t.Errorf("TransactionID = %d, want 7", got[0].TransactionID)
	}
}

func TestSocketDecodeFailureResetsBuffer(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())

	// Unknown function code in a well-formed MBAP envelope: the
	// stream framing is considered lost.
	input := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x01, 0x55, 0x00}
	if err := f.Feed(append(input, mbapReadRequest...)); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	err := f.ProcessIncoming(Options{}, func(*pdu.PDU) { t.Fatal("unexpected delivery") })
	if !errors.Is(err, ErrIO) {
		t.Fatalf("ProcessIncoming = %v, want ErrIO", err)
	}
	// Everything, including the valid frame behind the garbage, is
	// gone.
	got := collectSocket(t, f, Options{}, nil)
	if len(got) != 0 {
		t.Fatalf("got %d frames after reset, want 0", len(got))
	}
}

func TestSocketSlaveValidation(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())
	opts := Options{Validate: AcceptSlaves(9), Peer: "192.0.2.1:1502"}

	got := collectSocket(t, f, opts, mbapReadRequest)
	if len(got) != 0 {
		t.Fatalf("got %d frames for filtered slave, want 0", len(got))
	}
}

func TestSocketPeerAwareValidation(t *testing.T) {
	f := NewSocketFramer(pdu.NewServerRegistry())
	accept := func(slaveID byte, peer string) bool {
		return slaveID == 1 && peer == "192.0.2.1:1502"
	}

	got := collectSocket(t, f, Options{Validate: accept, Peer: "192.0.2.1:1502"}, mbapReadRequest)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	f2 := NewSocketFramer(pdu.NewServerRegistry())
	got = collectSocket(t, f2, Options{Validate: accept, Peer: "192.0.2.9:1502"}, mbapReadRequest)
	if len(got) != 0 {
		t.Fatalf("got %d frames from wrong peer, want 0", len(got))
	}
}

func TestSocketBuildFrame(t *testing.T) {
	f := NewSocketFramer(pdu.NewClientRegistry())

	req := pdu.NewReadRequest(1, pdu.FuncReadHoldingRegisters, 0, 10)
	req.TransactionID = 1
	packet, err := f.BuildFrame(req)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	if !bytes.Equal(packet, mbapReadRequest) {
		t.Errorf("BuildFrame = % X, want % X", packet, mbapReadRequest)
	}
}

func TestSocketRoundTrip(t *testing.T) {
	f := NewSocketFramer(pdu.NewClientRegistry())

	resp := pdu.NewReadRegistersResponse(1, pdu.FuncReadHoldingRegisters, []uint16{10, 258})
	resp.TransactionID = 42
	packet, err := f.BuildFrame(resp)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	got := collectSocket(t, f, Options{}, packet)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	p := got[0]
	if p.TransactionID != 42 {
		t.Errorf("TransactionID = %d, want 42", p.TransactionID)
	}
	regs, err := p.Registers()
	if err != nil {
		t.Fatalf("Registers failed: %v", err)
	}
	if len(regs) != 2 || regs[0] != 10 || regs[1] != 258 {
		t.Errorf("Registers = %v, want [10 258]", regs)
	}
}
