// Package pdu defines the Modbus Protocol Data Unit model and the
// registry that maps function codes to their wire shapes. A PDU is the
// carrier-independent core of a Modbus message: function code plus
// payload. Framing (RTU CRC, MBAP header) lives in pkg/frame.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Function codes.
const (
	FuncReadCoils              = 0x01
	FuncReadDiscreteInputs     = 0x02
	FuncReadHoldingRegisters   = 0x03
	FuncReadInputRegisters     = 0x04
	FuncWriteSingleCoil        = 0x05
	FuncWriteSingleRegister    = 0x06
	FuncWriteMultipleCoils     = 0x0F
	FuncWriteMultipleRegisters = 0x10
)

// ExceptionBit marks a response PDU as a Modbus exception. A device
// answers a failed request with the request's function code OR'd with
// this bit and a one-byte exception code.
const ExceptionBit = 0x80

// Exception codes.
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionSlaveDeviceFailure = 0x04
	ExceptionAcknowledge        = 0x05
	ExceptionSlaveDeviceBusy    = 0x06
)

// Limits from the Modbus application protocol.
const (
	MaxReadRegisters = 125
	MaxReadBits      = 2000
)

// Error definitions.
var (
	ErrInvalidLength = errors.New("invalid pdu length")
	ErrInvalidData   = errors.New("invalid pdu data")
	ErrUnknownFunc   = errors.New("unknown function code")
)

// PDU is a Modbus protocol data unit plus the addressing metadata the
// transaction layer needs. FunctionCode is the variant tag; Data holds
// the encoded payload that follows the function code on the wire.
type PDU struct {
	SlaveID       byte
	TransactionID uint16
	ProtocolID    uint16
	FunctionCode  byte
	Data          []byte
}

// IsException reports whether the PDU is a Modbus exception response.
func (p *PDU) IsException() bool {
	return p.FunctionCode&ExceptionBit != 0
}

// ExceptionCode returns the exception code of an exception response,
// or 0 for a normal PDU.
func (p *PDU) ExceptionCode() byte {
	if !p.IsException() || len(p.Data) < 1 {
		return 0
	}
	return p.Data[0]
}

// Encode returns the payload bytes that follow the function code.
func (p *PDU) Encode() []byte {
	return p.Data
}

func (p *PDU) String() string {
	if p.IsException() {
		return fmt.Sprintf("pdu(slave=%d fc=%02X exception=%02X)", p.SlaveID, p.FunctionCode, p.ExceptionCode())
	}
	return fmt.Sprintf("pdu(slave=%d fc=%02X len=%d)", p.SlaveID, p.FunctionCode, len(p.Data))
}

// Registers decodes the payload of a read-registers response (FC 03/04)
// into register values.
func (p *PDU) Registers() ([]uint16, error) {
	if len(p.Data) < 1 {
		return nil, ErrInvalidLength
	}
	count := int(p.Data[0])
	if count != len(p.Data)-1 || count%2 != 0 {
		return nil, ErrInvalidData
	}
	regs := make([]uint16, count/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(p.Data[1+2*i:])
	}
	return regs, nil
}

// Bits decodes the payload of a read-coils or read-discrete-inputs
// response (FC 01/02) into quantity booleans, LSB first per byte.
func (p *PDU) Bits(quantity int) ([]bool, error) {
	if len(p.Data) < 1 {
		return nil, ErrInvalidLength
	}
	count := int(p.Data[0])
	if count != len(p.Data)-1 || quantity > count*8 {
		return nil, ErrInvalidData
	}
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = p.Data[1+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

// NewReadRequest builds a read request (FC 01/02/03/04) for quantity
// items starting at address.
func NewReadRequest(slaveID, functionCode byte, address, quantity uint16) *PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return &PDU{SlaveID: slaveID, FunctionCode: functionCode, Data: data}
}

// NewWriteSingleCoilRequest builds an FC 05 request. The on-value is
// encoded as 0xFF00 per the protocol.
func NewWriteSingleCoilRequest(slaveID byte, address uint16, value bool) *PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	if value {
		binary.BigEndian.PutUint16(data[2:4], 0xFF00)
	}
	return &PDU{SlaveID: slaveID, FunctionCode: FuncWriteSingleCoil, Data: data}
}

// NewWriteSingleRegisterRequest builds an FC 06 request.
func NewWriteSingleRegisterRequest(slaveID byte, address, value uint16) *PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return &PDU{SlaveID: slaveID, FunctionCode: FuncWriteSingleRegister, Data: data}
}

// NewWriteMultipleCoilsRequest builds an FC 0F request.
func NewWriteMultipleCoilsRequest(slaveID byte, address uint16, values []bool) *PDU {
	count := (len(values) + 7) / 8
	data := make([]byte, 5+count)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(count)
	for i, v := range values {
		if v {
			data[5+i/8] |= 1 << (i % 8)
		}
	}
	return &PDU{SlaveID: slaveID, FunctionCode: FuncWriteMultipleCoils, Data: data}
}

// NewWriteMultipleRegistersRequest builds an FC 10 request.
func NewWriteMultipleRegistersRequest(slaveID byte, address uint16, values []uint16) *PDU {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return &PDU{SlaveID: slaveID, FunctionCode: FuncWriteMultipleRegisters, Data: data}
}

// NewReadBitsResponse builds an FC 01/02 response carrying values.
func NewReadBitsResponse(slaveID, functionCode byte, values []bool) *PDU {
	count := (len(values) + 7) / 8
	data := make([]byte, 1+count)
	data[0] = byte(count)
	for i, v := range values {
		if v {
			data[1+i/8] |= 1 << (i % 8)
		}
	}
	return &PDU{SlaveID: slaveID, FunctionCode: functionCode, Data: data}
}

// NewReadRegistersResponse builds an FC 03/04 response carrying values.
func NewReadRegistersResponse(slaveID, functionCode byte, values []uint16) *PDU {
	data := make([]byte, 1+2*len(values))
	data[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return &PDU{SlaveID: slaveID, FunctionCode: functionCode, Data: data}
}

// NewWriteEchoResponse builds the echo-style response of the write
// functions (FC 05/06/0F/10): address plus value or quantity.
func NewWriteEchoResponse(slaveID, functionCode byte, address, value uint16) *PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return &PDU{SlaveID: slaveID, FunctionCode: functionCode, Data: data}
}

// NewExceptionResponse builds an exception response for the given
// request function code.
func NewExceptionResponse(slaveID, functionCode, exceptionCode byte) *PDU {
	return &PDU{
		SlaveID:      slaveID,
		FunctionCode: functionCode | ExceptionBit,
		Data:         []byte{exceptionCode},
	}
}
