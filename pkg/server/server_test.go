package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/commatea/ModX-Core/pkg/client"
	"github.com/commatea/ModX-Core/pkg/frame"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/transport/tcp"
)

// startServer spins up a TCP server on a loopback port with the given
// handler and returns the port.
func startServer(t *testing.T, handler Handler, cfg Config) int {
	t.Helper()
	listener, err := tcp.Listen(tcp.Config{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	srv := NewTCPServer(listener, handler, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return port
}

func newTestClient(t *testing.T, port int) *client.Client {
	t.Helper()
	tr, err := tcp.NewClient(tcp.Config{Host: "127.0.0.1", Port: port, ReadTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c := client.NewSocket(tr, client.Config{Timeout: 2 * time.Second, Retries: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTCPServerReadHoldingRegisters(t *testing.T) {
	handler := func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
		if req.FunctionCode != pdu.FuncReadHoldingRegisters {
			return pdu.NewExceptionResponse(req.SlaveID, req.FunctionCode, pdu.ExceptionIllegalFunction), nil
		}
		return pdu.NewReadRegistersResponse(req.SlaveID, req.FunctionCode, []uint16{10, 20, 30}), nil
	}
	port := startServer(t, handler, Config{})
	c := newTestClient(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	values, err := c.ReadHoldingRegisters(ctx, 1, 0, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if len(values) != 3 || values[0] != 10 || values[1] != 20 || values[2] != 30 {
		t.Errorf("values = %v, want [10 20 30]", values)
	}
}

func TestTCPServerExceptionFromHandler(t *testing.T) {
	handler := func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
		return pdu.NewExceptionResponse(req.SlaveID, req.FunctionCode, pdu.ExceptionIllegalDataAddress), nil
	}
	port := startServer(t, handler, Config{})
	c := newTestClient(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Execute(ctx, pdu.NewReadRequest(1, pdu.FuncReadHoldingRegisters, 0, 1))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.IsException() || resp.ExceptionCode() != pdu.ExceptionIllegalDataAddress {
		t.Fatalf("resp = %v, want illegal data address exception", resp)
	}
}

func TestTCPServerHandlerErrorBecomesException(t *testing.T) {
	handler := func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
		return nil, context.DeadlineExceeded
	}
	port := startServer(t, handler, Config{})
	c := newTestClient(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Execute(ctx, pdu.NewReadRequest(1, pdu.FuncReadHoldingRegisters, 0, 1))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.IsException() || resp.ExceptionCode() != pdu.ExceptionSlaveDeviceFailure {
		t.Fatalf("resp = %v, want slave device failure exception", resp)
	}
}

func TestTCPServerSlaveFilter(t *testing.T) {
	handler := func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
		return pdu.NewReadRegistersResponse(req.SlaveID, req.FunctionCode, []uint16{1}), nil
	}
	port := startServer(t, handler, Config{Validate: frame.AcceptSlaves(9)})
	c := newTestClient(t, port)

	// Unit id 1 is filtered out; the request times out.
	tr, _ := tcp.NewClient(tcp.Config{Host: "127.0.0.1", Port: port, ReadTimeout: 20 * time.Millisecond})
	short := client.NewSocket(tr, client.Config{Timeout: 200 * time.Millisecond, Retries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := short.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer short.Close()
	if _, err := short.ReadHoldingRegisters(ctx, 1, 0, 1); err == nil {
		t.Fatal("expected timeout for filtered unit id")
	}

	// Unit id 9 is served.
	values, err := c.ReadHoldingRegisters(ctx, 9, 0, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if len(values) != 1 || values[0] != 1 {
		t.Errorf("values = %v, want [1]", values)
	}
}
