// Package capture records decoded Modbus traffic for offline
// inspection. The monitor tooling and the servers write through the
// Store interface; the sqlite subpackage provides the on-disk
// implementation.
package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/commatea/ModX-Core/pkg/pdu"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Direction constants.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Record is one captured message.
type Record struct {
	ID           string
	Peer         string
	Direction    string
	SlaveID      byte
	FunctionCode byte
	Payload      []byte
	CreatedAt    time.Time
}

// NewRecord builds a record from a decoded PDU.
func NewRecord(peer, direction string, p *pdu.PDU) *Record {
	return &Record{
		ID:           uuid.New().String(),
		Peer:         peer,
		Direction:    direction,
		SlaveID:      p.SlaveID,
		FunctionCode: p.FunctionCode,
		Payload:      p.Data,
		CreatedAt:    time.Now(),
	}
}

// Store defines the interface for capture persistence.
type Store interface {
	// Save persists a record.
	Save(rec *Record) error

	// Recent retrieves the most recent records, newest first.
	Recent(limit int) ([]*Record, error)

	// Close closes the store.
	Close() error
}
