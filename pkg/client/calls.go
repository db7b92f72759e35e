package client

import (
	"context"

	"github.com/commatea/ModX-Core/pkg/pdu"
)

// Convenience calls covering the standard register and coil
// operations. Each builds the request PDU, runs it through Execute and
// decodes the response, converting Modbus exception responses into
// *ExceptionError.

func (c *Client) call(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
	resp, err := c.Execute(ctx, req)
	if err != nil || resp == nil {
		return nil, err
	}
	if resp.IsException() {
		return nil, &ExceptionError{FunctionCode: resp.FunctionCode, Code: resp.ExceptionCode()}
	}
	return resp, nil
}

// ReadCoils reads quantity coil states starting at address (FC 01).
func (c *Client) ReadCoils(ctx context.Context, slaveID byte, address, quantity uint16) ([]bool, error) {
	resp, err := c.call(ctx, pdu.NewReadRequest(slaveID, pdu.FuncReadCoils, address, quantity))
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Bits(int(quantity))
}

// ReadDiscreteInputs reads quantity input states starting at address
// (FC 02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, slaveID byte, address, quantity uint16) ([]bool, error) {
	resp, err := c.call(ctx, pdu.NewReadRequest(slaveID, pdu.FuncReadDiscreteInputs, address, quantity))
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Bits(int(quantity))
}

// ReadHoldingRegisters reads quantity holding registers starting at
// address (FC 03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]uint16, error) {
	resp, err := c.call(ctx, pdu.NewReadRequest(slaveID, pdu.FuncReadHoldingRegisters, address, quantity))
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Registers()
}

// ReadInputRegisters reads quantity input registers starting at
// address (FC 04).
func (c *Client) ReadInputRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]uint16, error) {
	resp, err := c.call(ctx, pdu.NewReadRequest(slaveID, pdu.FuncReadInputRegisters, address, quantity))
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Registers()
}

// WriteSingleCoil writes one coil (FC 05). Slave id 0 broadcasts.
func (c *Client) WriteSingleCoil(ctx context.Context, slaveID byte, address uint16, value bool) error {
	_, err := c.call(ctx, pdu.NewWriteSingleCoilRequest(slaveID, address, value))
	return err
}

// WriteSingleRegister writes one holding register (FC 06). Slave id 0
// broadcasts.
func (c *Client) WriteSingleRegister(ctx context.Context, slaveID byte, address, value uint16) error {
	_, err := c.call(ctx, pdu.NewWriteSingleRegisterRequest(slaveID, address, value))
	return err
}

// WriteMultipleCoils writes a run of coils (FC 0F). Slave id 0
// broadcasts.
func (c *Client) WriteMultipleCoils(ctx context.Context, slaveID byte, address uint16, values []bool) error {
	_, err := c.call(ctx, pdu.NewWriteMultipleCoilsRequest(slaveID, address, values))
	return err
}

// WriteMultipleRegisters writes a run of holding registers (FC 10).
// Slave id 0 broadcasts.
func (c *Client) WriteMultipleRegisters(ctx context.Context, slaveID byte, address uint16, values []uint16) error {
	_, err := c.call(ctx, pdu.NewWriteMultipleRegistersRequest(slaveID, address, values))
	return err
}
