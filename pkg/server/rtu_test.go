package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/commatea/ModX-Core/pkg/frame"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/transport"
)

// fakeBus is a scripted serial bus: queued inbound chunks, recorded
// outbound frames.
type fakeBus struct {
	mu    sync.Mutex
	rx    [][]byte
	sends [][]byte
}

func (f *fakeBus) Connect(ctx context.Context) error { return nil }
func (f *fakeBus) Close() error                      { return nil }
func (f *fakeBus) IsConnected() bool                 { return true }
func (f *fakeBus) PeerAddress() string               { return "" }
func (f *fakeBus) State() transport.ConnectionState  { return transport.StateConnected }
func (f *fakeBus) Info() transport.Info              { return transport.Info{ID: "bus", Type: "fake"} }

func (f *fakeBus) Send(ctx context.Context, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := make([]byte, len(data))
	copy(sent, data)
	f.sends = append(f.sends, sent)
	return len(data), nil
}

func (f *fakeBus) Receive(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if len(f.rx) > 0 {
		data := f.rx[0]
		f.rx = f.rx[1:]
		f.mu.Unlock()
		return data, nil
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond)
	return nil, nil
}

func (f *fakeBus) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.sends...)
}

func buildRequest(t *testing.T, req *pdu.PDU) []byte {
	t.Helper()
	f := frame.NewRTUFramer(pdu.NewServerRegistry())
	packet, err := f.BuildFrame(req)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	return packet
}

func TestRTUServerRespondsToRequest(t *testing.T) {
	bus := &fakeBus{}
	bus.rx = [][]byte{buildRequest(t, pdu.NewReadRequest(1, pdu.FuncReadHoldingRegisters, 0, 2))}

	handler := func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
		return pdu.NewReadRegistersResponse(req.SlaveID, req.FunctionCode, []uint16{5, 6}), nil
	}
	srv := NewRTUServer(bus, time.Millisecond, handler, Config{Validate: frame.AcceptSlaves(1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(bus.sentFrames()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	sends := bus.sentFrames()
	if len(sends) != 1 {
		t.Fatalf("got %d responses, want 1", len(sends))
	}

	// The response must frame back through a client framer.
	cf := frame.NewRTUFramer(pdu.NewClientRegistry())
	if err := cf.Feed(sends[0]); err != nil {
		t.Fatal(err)
	}
	var got []*pdu.PDU
	if err := cf.ProcessIncoming(frame.Options{Validate: frame.AcceptSlaves(1)}, func(p *pdu.PDU) { got = append(got, p) }); err != nil {
		t.Fatalf("ProcessIncoming failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	regs, err := got[0].Registers()
	if err != nil {
		t.Fatalf("Registers failed: %v", err)
	}
	if len(regs) != 2 || regs[0] != 5 || regs[1] != 6 {
		t.Errorf("Registers = %v, want [5 6]", regs)
	}
}

func TestRTUServerIgnoresBroadcastReply(t *testing.T) {
	bus := &fakeBus{}
	bus.rx = [][]byte{buildRequest(t, pdu.NewWriteSingleRegisterRequest(0, 1, 7))}

	var handled bool
	var mu sync.Mutex
	handler := func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
		mu.Lock()
		handled = true
		mu.Unlock()
		return pdu.NewWriteEchoResponse(req.SlaveID, req.FunctionCode, 1, 7), nil
	}
	// Accept set includes unit 0 so broadcasts reach the handler.
	srv := NewRTUServer(bus, time.Millisecond, handler, Config{Validate: frame.AcceptSlaves(0, 1)})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	<-done

	mu.Lock()
	wasHandled := handled
	mu.Unlock()
	if !wasHandled {
		t.Fatal("broadcast request was not handled")
	}
	if len(bus.sentFrames()) != 0 {
		t.Fatalf("broadcast must not be answered, got %d sends", len(bus.sentFrames()))
	}
}
