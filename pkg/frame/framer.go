package frame

import (
	"errors"

	"github.com/commatea/ModX-Core/pkg/pdu"
)

// Layered error kinds. CRC and plain framing errors are recovered from
// silently inside the framers and never reach callers; ErrIO and
// ErrDecode below are the ones that do.
var (
	// ErrIO marks transport-level or unrecoverable stream failures.
	ErrIO = errors.New("i/o failure")

	// ErrFrame marks malformed framing detected after resync. The
	// framers in this package drop such framing silently and do not
	// return it.
	ErrFrame = errors.New("malformed frame")

	// ErrDecode marks a well-framed message whose PDU payload failed
	// to decode.
	ErrDecode = errors.New("pdu decode failed")
)

// ValidateFunc decides whether a frame from the given slave id should
// be accepted. peer is the transport peer address when one exists
// (socket carriers), otherwise empty.
type ValidateFunc func(slaveID byte, peer string) bool

// AcceptAny accepts every slave id. This is the single-context mode:
// one device behind the connection, no filtering needed.
func AcceptAny() ValidateFunc {
	return func(byte, string) bool { return true }
}

// AcceptSlaves accepts the listed slave ids on any peer.
func AcceptSlaves(ids ...byte) ValidateFunc {
	set := make(map[byte]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(slaveID byte, _ string) bool {
		_, ok := set[slaveID]
		return ok
	}
}

// Options controls one ProcessIncoming pass.
type Options struct {
	// Validate filters frames by slave id. nil accepts everything.
	Validate ValidateFunc

	// Broadcast accepts frames regardless of slave id during the
	// frame-start scan (RTU) and slave validation.
	Broadcast bool

	// Peer is the transport peer address, if the carrier has one.
	Peer string

	// ExpectedTID, when HasExpectedTID is set, silently drops socket
	// frames whose transaction id does not match. Late replies to a
	// retried or cancelled request die here.
	ExpectedTID    uint16
	HasExpectedTID bool
}

func (o Options) accept(slaveID byte) bool {
	if o.Validate == nil {
		return true
	}
	return o.Validate(slaveID, o.Peer)
}

// OnFrame receives each extracted, decoded PDU in stream order. It is
// invoked synchronously on the processing goroutine; long-running work
// must be offloaded by the callback itself.
type OnFrame func(*pdu.PDU)

// Framer converts a byte stream into discrete validated messages and
// encodes PDUs into on-wire frames. A framer is owned by exactly one
// connection and is not safe for concurrent use.
type Framer interface {
	// Method identifies the framing ("rtu" or "socket").
	Method() string

	// Feed appends received bytes to the framer's buffer.
	Feed(p []byte) error

	// ProcessIncoming extracts every complete frame currently in the
	// buffer and hands the decoded PDUs to onFrame in order.
	ProcessIncoming(opts Options, onFrame OnFrame) error

	// BuildFrame encodes a PDU into a ready-to-send wire frame.
	BuildFrame(p *pdu.PDU) ([]byte, error)

	// Reset discards all buffered bytes and partial-frame state.
	Reset()
}
