// Package server implements the receiving side of the framing core:
// it drives a framer over inbound connections and hands every decoded
// request to a caller-supplied handler. Register and coil storage is
// the handler's business, not the library's.
package server

import (
	"context"
	"sync"

	"github.com/commatea/ModX-Core/pkg/capture"
	"github.com/commatea/ModX-Core/pkg/frame"
	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/transport"
	"github.com/commatea/ModX-Core/pkg/transport/tcp"
)

// Handler processes one decoded request and returns the response to
// send. A nil response suppresses the reply. Broadcast requests (slave
// id 0) are never answered, whatever the handler returns. An error
// turns into a slave-device-failure exception response.
type Handler func(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error)

// Config holds server configuration.
type Config struct {
	// Validate filters requests by slave id (and peer on socket
	// carriers). nil serves every unit id on the wire.
	Validate frame.ValidateFunc

	// Store, when set, records every inbound frame.
	Store capture.Store
}

// TCPServer serves MBAP requests over accepted TCP/TLS connections,
// one framer per connection.
type TCPServer struct {
	config   Config
	listener *tcp.Listener
	handler  Handler
	registry *pdu.Registry
	log      *logger.Logger

	mu     sync.Mutex
	conns  map[transport.Transport]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer creates a server on an already-listening listener.
func NewTCPServer(listener *tcp.Listener, handler Handler, config Config) *TCPServer {
	return &TCPServer{
		config:   config,
		listener: listener,
		handler:  handler,
		registry: pdu.NewServerRegistry(),
		log:      logger.Global().Component("tcp-server"),
		conns:    make(map[transport.Transport]struct{}),
	}
}

// Serve accepts connections until the context is cancelled or the
// listener is closed.
func (s *TCPServer) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting and closes every live connection.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]transport.Transport, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	err := s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// serveConn pumps one connection through its own framer.
func (s *TCPServer) serveConn(ctx context.Context, conn transport.Transport) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	framer := frame.NewSocketFramer(s.registry)
	peer := conn.PeerAddress()
	opts := frame.Options{Validate: s.config.Validate, Peer: peer}
	log := &logger.Logger{Logger: s.log.With("peer", peer)}

	for ctx.Err() == nil {
		data, err := conn.Receive(ctx)
		if err != nil {
			log.Debug("connection closed", "error", err)
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := framer.Feed(data); err != nil {
			framer.Reset()
			continue
		}
		err = framer.ProcessIncoming(opts, func(req *pdu.PDU) {
			s.record(peer, req)
			s.respond(ctx, conn, framer, req, log)
		})
		if err != nil {
			// MBAP framing is unrecoverable once lost; drop the
			// connection and let the peer re-establish.
			log.Warn("dropping connection", "error", err)
			return
		}
	}
}

// respond runs the handler and sends its response, if any.
func (s *TCPServer) respond(ctx context.Context, conn transport.Transport, framer frame.Framer, req *pdu.PDU, log *logger.Logger) {
	resp, err := s.handler(ctx, req)
	if err != nil {
		log.Warn("handler failed", "function", req.FunctionCode, "error", err)
		resp = pdu.NewExceptionResponse(req.SlaveID, req.FunctionCode, pdu.ExceptionSlaveDeviceFailure)
	}
	if resp == nil || req.SlaveID == 0 {
		// Broadcasts are handled, never answered.
		return
	}
	resp.SlaveID = req.SlaveID
	resp.TransactionID = req.TransactionID
	resp.ProtocolID = req.ProtocolID
	packet, err := framer.BuildFrame(resp)
	if err != nil {
		log.Warn("response encode failed", "error", err)
		return
	}
	if _, err := conn.Send(ctx, packet); err != nil {
		log.Debug("response send failed", "error", err)
	}
}

func (s *TCPServer) record(peer string, req *pdu.PDU) {
	if s.config.Store == nil {
		return
	}
	rec := capture.NewRecord(peer, capture.DirectionInbound, req)
	if err := s.config.Store.Save(rec); err != nil {
		s.log.Debug("capture save failed", "error", err)
	}
}
