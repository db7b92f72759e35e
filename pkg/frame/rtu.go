package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/metrics"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/utils/crc"
)

// RTU wire layout: [slave:1][fc:1][data:N][crc:2]. There is no frame
// delimiter; the bus separates frames with a 3.5 character silence the
// host OS cannot observe, so the framer resynchronizes by content: it
// scans for a plausible (slave, function) pair and lets the CRC decide.
const (
	rtuHeaderSize   = 1
	rtuMinFrameSize = 4
)

// rtuHeader holds the partial-frame metadata of the frame currently at
// the front of the buffer. length stays 0 until the frame size is
// known.
type rtuHeader struct {
	uid    byte
	tid    uint16
	length int
	crc    [2]byte
}

// RTUFramer extracts CRC-validated frames from a resynchronizing
// serial byte stream.
type RTUFramer struct {
	registry *pdu.Registry
	buf      *Buffer
	header   rtuHeader
	log      *logger.Logger
}

// NewRTUFramer creates an RTU framer decoding with the given registry.
func NewRTUFramer(registry *pdu.Registry) *RTUFramer {
	return &RTUFramer{
		registry: registry,
		buf:      NewBuffer(DefaultBufferSize),
		log:      logger.Global().Component("rtu-framer"),
	}
}

// Method identifies the framing.
func (f *RTUFramer) Method() string {
	return "rtu"
}

// Feed appends received bytes to the framer's buffer.
func (f *RTUFramer) Feed(p []byte) error {
	return f.buf.Append(p)
}

// Reset discards all buffered bytes and partial-frame state.
func (f *RTUFramer) Reset() {
	f.buf.Reset()
	f.resetHeader()
}

func (f *RTUFramer) resetHeader() {
	f.header = rtuHeader{}
}

// frameStart scans the buffer for a plausible frame start: a byte the
// validator accepts (or any byte under broadcast) followed by a known
// function code, plain or exception form. Preceding trash is dropped.
// When no candidate exists only the last three bytes are retained; they
// may be the head of a frame still in flight.
func (f *RTUFramer) frameStart(opts Options, skipCurFrame bool) bool {
	start := 0
	if skipCurFrame {
		start = 1
	}
	data := f.buf.Bytes()
	if len(data) < rtuMinFrameSize {
		return false
	}
	for i := start; i <= len(data)-rtuMinFrameSize; i++ {
		if !opts.Broadcast && !opts.accept(data[i]) {
			continue
		}
		if !f.registry.Known(data[i+1]) {
			continue
		}
		if i > 0 {
			f.log.Debug("discarding leading trash", "bytes", i)
			metrics.IncResync(f.Method(), metrics.ReasonScan)
			f.buf.DropTo(i)
			f.resetHeader()
		}
		return true
	}
	if f.buf.Len() > 3 {
		f.buf.DropTo(f.buf.Len() - 3)
	}
	return false
}

// populateHeader fills in uid, tid, length and crc from the buffer.
// Returns pdu.ErrShortFrame while the buffer is too short to know the
// frame length or to reach the CRC.
func (f *RTUFramer) populateHeader() error {
	data := f.buf.Bytes()
	f.header.uid = data[0]
	f.header.tid = uint16(data[0])
	size, err := f.registry.FrameSize(data)
	if err != nil {
		return err
	}
	f.header.length = size
	if len(data) < size {
		return pdu.ErrShortFrame
	}
	f.header.crc[0] = data[size-2]
	f.header.crc[1] = data[size-1]
	return nil
}

// isFrameReady reports whether a complete candidate frame is buffered.
func (f *RTUFramer) isFrameReady() (bool, error) {
	if f.header.length == 0 {
		if f.buf.Len() <= rtuHeaderSize {
			return false, nil
		}
		if err := f.populateHeader(); err != nil {
			if errors.Is(err, pdu.ErrShortFrame) {
				return false, nil
			}
			return false, err
		}
	}
	return f.buf.Len() >= f.header.length, nil
}

// checkFrame validates the candidate frame's CRC.
func (f *RTUFramer) checkFrame() bool {
	return crc.Check(f.buf.Peek(f.header.length))
}

// advanceFrame skips over the current frame and resets the header.
func (f *RTUFramer) advanceFrame() {
	f.buf.Consume(f.header.length)
	f.resetHeader()
}

// ProcessIncoming extracts every complete frame currently buffered and
// hands the decoded PDUs to onFrame in stream order.
//
// CRC mismatches and implausible frame starts are recovered from
// silently: the scan resumes one byte further into the buffer, since
// the byte that looked like a slave id may belong to the tail of a
// prior corrupted frame. Only a decode failure on a well-framed
// message is surfaced, after the frame has been advanced past.
func (f *RTUFramer) ProcessIncoming(opts Options, onFrame OnFrame) error {
	skipCurFrame := false
	for f.frameStart(opts, skipCurFrame) {
		ready, err := f.isFrameReady()
		if err != nil {
			// Size not computable for this candidate; resync.
			f.resetHeader()
			skipCurFrame = true
			continue
		}
		if !ready {
			f.log.Debug("frame not ready")
			break
		}
		if !f.checkFrame() {
			f.log.Debug("frame check failed, ignoring", logger.Hex("buffer", f.buf.Peek(f.header.length)))
			metrics.IncResync(f.Method(), metrics.ReasonCRC)
			f.resetHeader()
			skipCurFrame = true
			continue
		}
		if !opts.Broadcast && !opts.accept(f.header.uid) {
			f.log.Debug("not a valid slave id, ignoring", "slave", f.header.uid)
			metrics.IncResync(f.Method(), metrics.ReasonSlave)
			f.resetHeader()
			skipCurFrame = true
			continue
		}
		if err := f.process(onFrame); err != nil {
			return err
		}
		skipCurFrame = false
	}
	return nil
}

// process decodes the frame at the front of the buffer, advances past
// it and delivers the result.
func (f *RTUFramer) process(onFrame OnFrame) error {
	data := f.buf.Peek(f.header.length)
	payload := data[rtuHeaderSize : f.header.length-2]
	result, err := f.registry.Decode(payload)
	if err != nil {
		f.advanceFrame()
		metrics.IncFrame(f.Method(), metrics.DirectionInbound, metrics.StatusFailed)
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	result.SlaveID = f.header.uid
	result.TransactionID = f.header.tid
	f.advanceFrame()
	metrics.IncFrame(f.Method(), metrics.DirectionInbound, metrics.StatusSuccess)
	onFrame(result)
	return nil
}

// BuildFrame encodes a PDU into an RTU wire frame. The checksum is
// appended high byte first; Check accepts both orderings on receive.
// RTU has no transaction id, so the slave id doubles as one for the
// transaction layer.
func (f *RTUFramer) BuildFrame(p *pdu.PDU) ([]byte, error) {
	data := p.Encode()
	packet := make([]byte, 0, len(data)+4)
	packet = append(packet, p.SlaveID, p.FunctionCode)
	packet = append(packet, data...)
	packet = binary.BigEndian.AppendUint16(packet, crc.CalculateCRC16(packet))
	p.TransactionID = uint16(p.SlaveID)
	metrics.IncFrame(f.Method(), metrics.DirectionOutbound, metrics.StatusSuccess)
	return packet, nil
}
