package pdu

import (
	"errors"
	"fmt"
)

// ErrShortFrame signals that a frame-size calculation needs more bytes
// than the buffer currently holds. Framers treat it as "wait for more
// data", never as a failure.
var ErrShortFrame = errors.New("short frame")

// Spec describes the wire shape of one function code in one direction.
type Spec struct {
	FunctionCode byte

	// frameSize computes the total RTU frame length (slave id through
	// CRC) from the start of a candidate frame. Returns ErrShortFrame
	// when the length byte is not in the prefix yet.
	frameSize func(prefix []byte) (int, error)

	// validate checks the payload that follows the function code.
	validate func(payload []byte) error
}

// RTUFrameSize computes the total RTU frame length implied by the first
// bytes of a frame, prefix[0] being the slave id.
func (s Spec) RTUFrameSize(prefix []byte) (int, error) {
	return s.frameSize(prefix)
}

// Registry maps function codes to their wire shapes for one direction
// of traffic. A client registry decodes responses, a server registry
// decodes requests. Registries are immutable after construction and
// safe for concurrent readers.
type Registry struct {
	specs map[byte]Spec
}

// fixedSize builds a frame-size calculator for a constant frame length.
func fixedSize(n int) func([]byte) (int, error) {
	return func([]byte) (int, error) { return n, nil }
}

// byteCountAt builds a frame-size calculator for frames that carry a
// byte count at the given offset from the slave id. The total length is
// count + offset + 3: the counted bytes plus everything before the
// count byte, the count byte itself and the two CRC bytes.
func byteCountAt(pos int) func([]byte) (int, error) {
	return func(prefix []byte) (int, error) {
		if len(prefix) <= pos {
			return 0, ErrShortFrame
		}
		return int(prefix[pos]) + pos + 3, nil
	}
}

func exactLen(n int) func([]byte) error {
	return func(payload []byte) error {
		if len(payload) != n {
			return ErrInvalidLength
		}
		return nil
	}
}

// countedPayload validates a byte-count-prefixed payload.
func countedPayload(payload []byte) error {
	if len(payload) < 1 {
		return ErrInvalidLength
	}
	if int(payload[0]) != len(payload)-1 {
		return ErrInvalidData
	}
	return nil
}

// writeMultipleRequest validates the payload of FC 0F/10 requests:
// address, quantity, byte count, counted bytes.
func writeMultipleRequest(payload []byte) error {
	if len(payload) < 5 {
		return ErrInvalidLength
	}
	if int(payload[4]) != len(payload)-5 {
		return ErrInvalidData
	}
	return nil
}

// NewClientRegistry returns the registry a client uses to size and
// decode responses.
func NewClientRegistry() *Registry {
	r := &Registry{specs: make(map[byte]Spec)}
	for _, fc := range []byte{FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters} {
		r.add(Spec{FunctionCode: fc, frameSize: byteCountAt(2), validate: countedPayload})
	}
	for _, fc := range []byte{FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters} {
		r.add(Spec{FunctionCode: fc, frameSize: fixedSize(8), validate: exactLen(4)})
	}
	return r
}

// NewServerRegistry returns the registry a server uses to size and
// decode requests.
func NewServerRegistry() *Registry {
	r := &Registry{specs: make(map[byte]Spec)}
	for _, fc := range []byte{FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters, FuncWriteSingleCoil, FuncWriteSingleRegister} {
		r.add(Spec{FunctionCode: fc, frameSize: fixedSize(8), validate: exactLen(4)})
	}
	for _, fc := range []byte{FuncWriteMultipleCoils, FuncWriteMultipleRegisters} {
		r.add(Spec{FunctionCode: fc, frameSize: byteCountAt(6), validate: writeMultipleRequest})
	}
	return r
}

func (r *Registry) add(s Spec) {
	r.specs[s.FunctionCode] = s
}

// Lookup returns the spec for a function code. Exception responses
// resolve to the spec of their base function code.
func (r *Registry) Lookup(functionCode byte) (Spec, bool) {
	s, ok := r.specs[functionCode&^ExceptionBit]
	return s, ok
}

// Known reports whether a function code, or its exception form, is
// registered. The RTU framer uses it to judge frame-start candidates
// during resynchronization.
func (r *Registry) Known(functionCode byte) bool {
	_, ok := r.specs[functionCode&^ExceptionBit]
	return ok
}

// FrameSize computes the total RTU frame length from the start of a
// candidate frame (prefix[0] is the slave id). Exception responses have
// a fixed five-byte frame. Returns ErrShortFrame when more bytes are
// needed to know the length.
func (r *Registry) FrameSize(prefix []byte) (int, error) {
	if len(prefix) < 2 {
		return 0, ErrShortFrame
	}
	fc := prefix[1]
	if fc&ExceptionBit != 0 {
		if !r.Known(fc) {
			return 0, fmt.Errorf("%w: %02X", ErrUnknownFunc, fc)
		}
		return 5, nil
	}
	s, ok := r.Lookup(fc)
	if !ok {
		return 0, fmt.Errorf("%w: %02X", ErrUnknownFunc, fc)
	}
	return s.RTUFrameSize(prefix)
}

// Decode parses a PDU from data, where data[0] is the function code and
// the rest is the payload. The slave and transaction ids are left for
// the framer to populate.
func (r *Registry) Decode(data []byte) (*PDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidLength
	}
	fc := data[0]
	if !r.Known(fc) {
		return nil, fmt.Errorf("%w: %02X", ErrUnknownFunc, fc)
	}
	payload := make([]byte, len(data)-1)
	copy(payload, data[1:])
	if fc&ExceptionBit != 0 {
		if len(payload) != 1 {
			return nil, ErrInvalidLength
		}
		return &PDU{FunctionCode: fc, Data: payload}, nil
	}
	s, _ := r.Lookup(fc)
	if err := s.validate(payload); err != nil {
		return nil, err
	}
	return &PDU{FunctionCode: fc, Data: payload}, nil
}
