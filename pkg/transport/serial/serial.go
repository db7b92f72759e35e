// Package serial provides the serial port carrier for Modbus RTU over
// RS-232/RS-485 lines.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/commatea/ModX-Core/pkg/transport"
	"go.bug.st/serial"
)

// Common errors.
var (
	ErrPortNotOpen   = errors.New("serial port not open")
	ErrInvalidConfig = errors.New("invalid serial configuration")
)

// Config holds serial-specific configuration.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0", "COM1").
	Port string `yaml:"port" json:"port"`

	// BaudRate is the baud rate (e.g., 9600, 115200).
	BaudRate int `yaml:"baudrate" json:"baudrate"`

	// DataBits is the number of data bits (5, 6, 7, 8).
	DataBits int `yaml:"bytesize" json:"bytesize"`

	// Parity is the parity mode ("none", "odd", "even", "mark", "space").
	Parity string `yaml:"parity" json:"parity"`

	// StopBits is the number of stop bits (1, 1.5, 2).
	StopBits float64 `yaml:"stopbits" json:"stopbits"`

	// HandleLocalEcho discards the locally echoed request bytes that
	// half-duplex RS-485 adapters feed back before the reply.
	HandleLocalEcho bool `yaml:"handle_local_echo" json:"handle_local_echo"`

	// ReadTimeout is the read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// BufferSize is the read buffer size.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// DefaultConfig returns a default serial configuration.
func DefaultConfig() Config {
	return Config{
		BaudRate:    9600,
		DataBits:    8,
		Parity:      "none",
		StopBits:    1,
		ReadTimeout: 100 * time.Millisecond,
		BufferSize:  4096,
	}
}

// CharTime returns the duration of one character on the wire: start
// bit, data bits, optional parity bit and stop bits. The RTU 3.5
// character silent interval derives from this.
func (c Config) CharTime() time.Duration {
	bits := 1 + c.DataBits
	if c.Parity != "" && c.Parity != "none" {
		bits++
	}
	switch c.StopBits {
	case 2:
		bits += 2
	default:
		bits++
	}
	if c.BaudRate <= 0 {
		return 0
	}
	return time.Duration(bits) * time.Second / time.Duration(c.BaudRate)
}

// Transport implements transport.Transport for serial ports.
type Transport struct {
	mu sync.RWMutex

	config Config

	port serial.Port

	id          string
	state       transport.ConnectionState
	stats       transport.Statistics
	readBuffer  []byte
	connectedAt *time.Time
	lastError   error
}

// New creates a new serial transport.
func New(config Config) (*Transport, error) {
	def := DefaultConfig()
	if config.BaudRate <= 0 {
		config.BaudRate = def.BaudRate
	}
	if config.DataBits == 0 {
		config.DataBits = def.DataBits
	}
	if config.StopBits == 0 {
		config.StopBits = def.StopBits
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.Port == "" {
		return nil, fmt.Errorf("%w: port is required", ErrInvalidConfig)
	}

	return &Transport{
		config:     config,
		id:         fmt.Sprintf("serial-%s", config.Port),
		state:      transport.StateDisconnected,
		readBuffer: make([]byte, config.BufferSize),
	}, nil
}

// Config returns the serial configuration.
func (t *Transport) Config() Config {
	return t.config
}

// Connect opens the serial port.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateConnected {
		return nil
	}

	t.state = transport.StateConnecting

	mode := &serial.Mode{
		BaudRate: t.config.BaudRate,
		DataBits: t.config.DataBits,
		Parity:   t.parseParity(),
		StopBits: t.parseStopBits(),
	}

	port, err := serial.Open(t.config.Port, mode)
	if err != nil {
		t.state = transport.StateError
		t.lastError = err
		return err
	}

	if err := port.SetReadTimeout(t.config.ReadTimeout); err != nil {
		port.Close()
		t.state = transport.StateError
		t.lastError = err
		return err
	}

	t.port = port

	now := time.Now()
	t.connectedAt = &now
	t.state = transport.StateConnected

	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateDisconnected {
		return nil
	}

	var err error
	if t.port != nil {
		err = t.port.Close()
		t.port = nil
	}

	t.state = transport.StateDisconnected
	t.connectedAt = nil

	return err
}

// IsConnected returns true if the port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == transport.StateConnected
}

// Send writes data to the serial port.
func (t *Transport) Send(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != transport.StateConnected || t.port == nil {
		return 0, ErrPortNotOpen
	}

	n, err := t.port.Write(data)
	if err != nil {
		t.stats.Errors++
		return n, err
	}

	t.stats.BytesSent += uint64(n)
	return n, nil
}

// Receive reads data from the serial port. A read timeout returns an
// empty slice and no error; the caller keeps polling.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.RLock()
	if t.state != transport.StateConnected || t.port == nil {
		t.mu.RUnlock()
		return nil, ErrPortNotOpen
	}
	port := t.port
	t.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	n, err := port.Read(t.readBuffer)
	if err != nil {
		if err == io.EOF {
			return nil, ErrPortNotOpen
		}
		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	data := make([]byte, n)
	copy(data, t.readBuffer[:n])

	t.mu.Lock()
	t.stats.BytesReceived += uint64(n)
	t.mu.Unlock()

	return data, nil
}

// PeerAddress returns "" — a serial line has no peer notion.
func (t *Transport) PeerAddress() string {
	return ""
}

// State returns the current connection state.
func (t *Transport) State() transport.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Info returns transport information.
func (t *Transport) Info() transport.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := transport.Info{
		ID:          t.id,
		Type:        "serial",
		Address:     t.config.Port,
		State:       t.state,
		Statistics:  t.stats,
		ConnectedAt: t.connectedAt,
	}
	if t.lastError != nil {
		info.LastError = t.lastError.Error()
	}
	return info
}

// parseParity converts parity string to serial.Parity.
func (t *Transport) parseParity() serial.Parity {
	switch t.config.Parity {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

// parseStopBits converts stopbits float to serial.StopBits.
func (t *Transport) parseStopBits() serial.StopBits {
	switch t.config.StopBits {
	case 1.5:
		return serial.OnePointFiveStopBits
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}
