package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/metrics"
	"github.com/commatea/ModX-Core/pkg/pdu"
)

// MBAP wire layout: [tid:2][pid:2][len:2][uid:1] big endian, followed
// by function code and data. len counts uid + fc + data. Framing is
// deterministic: once the 7-byte header is in, the frame boundary is
// known.
const (
	mbapHeaderSize = 7

	// The protocol caps len at 253; slightly larger values are
	// tolerated for broken peers.
	mbapMaxLength = 260
)

// mbapHeader is the parsed 7-byte MBAP header of the frame at the
// front of the buffer.
type mbapHeader struct {
	tid    uint16
	pid    uint16
	length uint16
	uid    byte
}

// SocketFramer extracts MBAP-framed messages for the TCP, UDP and TLS
// carriers.
type SocketFramer struct {
	registry *pdu.Registry
	buf      *Buffer
	header   mbapHeader
	log      *logger.Logger
}

// NewSocketFramer creates an MBAP framer decoding with the given
// registry.
func NewSocketFramer(registry *pdu.Registry) *SocketFramer {
	return &SocketFramer{
		registry: registry,
		buf:      NewBuffer(DefaultBufferSize),
		log:      logger.Global().Component("socket-framer"),
	}
}

// Method identifies the framing.
func (f *SocketFramer) Method() string {
	return "socket"
}

// Feed appends received bytes to the framer's buffer.
func (f *SocketFramer) Feed(p []byte) error {
	return f.buf.Append(p)
}

// Reset discards all buffered bytes and partial-frame state.
func (f *SocketFramer) Reset() {
	f.buf.Reset()
	f.header = mbapHeader{}
}

// isFrameReady reports whether the buffer holds more than a header.
func (f *SocketFramer) isFrameReady() bool {
	return f.buf.Len() > mbapHeaderSize
}

// checkFrame parses the header and reports whether a complete frame is
// buffered. Headers announcing an impossible length are dropped on the
// spot so a hostile peer cannot wedge the stream with a zero-length
// frame.
func (f *SocketFramer) checkFrame() bool {
	for f.isFrameReady() {
		data := f.buf.Bytes()
		f.header.tid = binary.BigEndian.Uint16(data[0:2])
		f.header.pid = binary.BigEndian.Uint16(data[2:4])
		f.header.length = binary.BigEndian.Uint16(data[4:6])
		f.header.uid = data[6]

		if f.header.length < 2 || f.header.length > mbapMaxLength {
			// The announced length cannot be trusted; drop just the
			// header and rescan.
			f.log.Debug("dropping malformed header", "len", f.header.length)
			metrics.IncResync(f.Method(), metrics.ReasonFrame)
			f.buf.Consume(mbapHeaderSize)
			f.header = mbapHeader{}
			continue
		}
		if f.buf.Len()-mbapHeaderSize+1 >= int(f.header.length) {
			return true
		}
		return false
	}
	return false
}

// advanceFrame skips over the current frame and resets the header.
func (f *SocketFramer) advanceFrame() {
	f.buf.Consume(mbapHeaderSize - 1 + int(f.header.length))
	f.header = mbapHeader{}
}

// ProcessIncoming extracts every complete frame currently buffered and
// hands the decoded PDUs to onFrame in stream order.
//
// Slave validation uses the (peer, uid) pair when the carrier supplies
// a peer address, so the same unit id may appear on different
// connections. A decode failure resets the buffer entirely: once MBAP
// framing is lost there is no content to resynchronize on.
func (f *SocketFramer) ProcessIncoming(opts Options, onFrame OnFrame) error {
	for f.checkFrame() {
		if !opts.Broadcast && !opts.accept(f.header.uid) {
			f.log.Debug("not a valid slave id, ignoring", "slave", f.header.uid, "peer", opts.Peer)
			metrics.IncResync(f.Method(), metrics.ReasonSlave)
			f.Reset()
			return nil
		}
		if err := f.process(opts, onFrame); err != nil {
			return err
		}
	}
	return nil
}

// process decodes the frame at the front of the buffer, advances past
// it and delivers the result unless its transaction id is stale.
func (f *SocketFramer) process(opts Options, onFrame OnFrame) error {
	data := f.buf.Bytes()
	payload := data[mbapHeaderSize : mbapHeaderSize-1+int(f.header.length)]
	result, err := f.registry.Decode(payload)
	if err != nil {
		f.Reset()
		metrics.IncFrame(f.Method(), metrics.DirectionInbound, metrics.StatusFailed)
		return fmt.Errorf("%w: unable to decode frame: %v", ErrIO, err)
	}
	result.SlaveID = f.header.uid
	result.TransactionID = f.header.tid
	result.ProtocolID = f.header.pid
	tid := f.header.tid
	f.advanceFrame()
	if opts.HasExpectedTID && opts.ExpectedTID != tid {
		f.log.Debug("dropping frame with stale transaction id", "tid", tid, "want", opts.ExpectedTID)
		metrics.IncFrame(f.Method(), metrics.DirectionInbound, metrics.StatusFailed)
		return nil
	}
	metrics.IncFrame(f.Method(), metrics.DirectionInbound, metrics.StatusSuccess)
	onFrame(result)
	return nil
}

// BuildFrame encodes a PDU into an MBAP wire frame.
func (f *SocketFramer) BuildFrame(p *pdu.PDU) ([]byte, error) {
	data := p.Encode()
	packet := make([]byte, mbapHeaderSize+1+len(data))
	binary.BigEndian.PutUint16(packet[0:2], p.TransactionID)
	binary.BigEndian.PutUint16(packet[2:4], p.ProtocolID)
	binary.BigEndian.PutUint16(packet[4:6], uint16(len(data)+2))
	packet[6] = p.SlaveID
	packet[7] = p.FunctionCode
	copy(packet[8:], data)
	metrics.IncFrame(f.Method(), metrics.DirectionOutbound, metrics.StatusSuccess)
	return packet, nil
}
