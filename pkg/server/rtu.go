package server

import (
	"context"
	"time"

	"github.com/commatea/ModX-Core/pkg/capture"
	"github.com/commatea/ModX-Core/pkg/frame"
	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/transport"
)

// RTUServer serves requests on a serial bus. It owns the single
// framer of its transport and replies after the inter-frame silent
// interval, as bus discipline requires.
type RTUServer struct {
	config         Config
	tr             transport.Transport
	handler        Handler
	framer         *frame.RTUFramer
	silentInterval time.Duration
	log            *logger.Logger

	lastFrameEnd time.Time
}

// NewRTUServer creates a serial-bus server. silentInterval is the
// 3.5 character gap for the port's settings (client.SilentInterval
// computes it from a serial config).
func NewRTUServer(tr transport.Transport, silentInterval time.Duration, handler Handler, config Config) *RTUServer {
	return &RTUServer{
		config:         config,
		tr:             tr,
		handler:        handler,
		framer:         frame.NewRTUFramer(pdu.NewServerRegistry()),
		silentInterval: silentInterval,
		log:            logger.Global().Component("rtu-server"),
	}
}

// Serve pumps the bus until the context is cancelled. Requests for
// other slave ids resynchronize past silently; broadcasts (slave id 0)
// reach the handler only when the validator accepts unit 0, and are
// never answered.
func (s *RTUServer) Serve(ctx context.Context) error {
	opts := frame.Options{Validate: s.config.Validate}
	for ctx.Err() == nil {
		data, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		s.lastFrameEnd = time.Now()
		if err := s.framer.Feed(data); err != nil {
			s.framer.Reset()
			continue
		}
		err = s.framer.ProcessIncoming(opts, func(req *pdu.PDU) {
			if s.config.Store != nil {
				rec := capture.NewRecord("", capture.DirectionInbound, req)
				if err := s.config.Store.Save(rec); err != nil {
					s.log.Debug("capture save failed", "error", err)
				}
			}
			s.respond(ctx, req)
		})
		if err != nil {
			// Malformed payload in a well-framed message; the framer
			// has advanced past it already.
			s.log.Debug("discarding undecodable frame", "error", err)
		}
	}
	return nil
}

func (s *RTUServer) respond(ctx context.Context, req *pdu.PDU) {
	resp, err := s.handler(ctx, req)
	if err != nil {
		resp = pdu.NewExceptionResponse(req.SlaveID, req.FunctionCode, pdu.ExceptionSlaveDeviceFailure)
	}
	if resp == nil || req.SlaveID == 0 {
		return
	}
	resp.SlaveID = req.SlaveID
	packet, err := s.framer.BuildFrame(resp)
	if err != nil {
		s.log.Warn("response encode failed", "error", err)
		return
	}
	if wait := s.silentInterval - time.Since(s.lastFrameEnd); wait > 0 {
		time.Sleep(wait)
	}
	if _, err := s.tr.Send(ctx, packet); err != nil {
		s.log.Debug("response send failed", "error", err)
		return
	}
	s.lastFrameEnd = time.Now()
}
