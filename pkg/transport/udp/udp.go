// Package udp provides the UDP carrier for Modbus MBAP framing. UDP
// Modbus is connectionless; each Receive returns one datagram, which
// normally carries exactly one ADU.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/commatea/ModX-Core/pkg/transport"
)

// Common errors.
var (
	ErrNotConnected = errors.New("not connected")
)

// Config holds UDP-specific configuration.
type Config struct {
	// Host is the remote host.
	Host string `yaml:"host" json:"host"`

	// Port is the remote port.
	Port int `yaml:"port" json:"port"`

	// ReadBufferSize is the read buffer size.
	ReadBufferSize int `yaml:"read_buffer_size" json:"read_buffer_size"`

	// ReadTimeout is the read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the write timeout.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig returns a default UDP configuration.
func DefaultConfig() Config {
	return Config{
		Port:           502,
		ReadBufferSize: 8192,
		ReadTimeout:    100 * time.Millisecond,
		WriteTimeout:   time.Second,
	}
}

// Transport implements transport.Transport for UDP.
type Transport struct {
	mu sync.RWMutex

	config Config

	conn *net.UDPConn

	id          string
	state       transport.ConnectionState
	stats       transport.Statistics
	readBuffer  []byte
	connectedAt *time.Time
	lastError   error
}

// New creates a new UDP transport.
func New(config Config) (*Transport, error) {
	def := DefaultConfig()
	if config.Host == "" {
		return nil, errors.New("udp host is required")
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = def.ReadBufferSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	return &Transport{
		config:     config,
		id:         fmt.Sprintf("udp-%s:%d", config.Host, config.Port),
		state:      transport.StateDisconnected,
		readBuffer: make([]byte, config.ReadBufferSize),
	}, nil
}

// Connect resolves the remote address and opens the socket.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateConnected {
		return nil
	}

	t.state = transport.StateConnecting

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", t.config.Host, t.config.Port))
	if err != nil {
		t.state = transport.StateError
		t.lastError = err
		return err
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.state = transport.StateError
		t.lastError = err
		return err
	}

	t.conn = conn
	now := time.Now()
	t.connectedAt = &now
	t.state = transport.StateConnected

	return nil
}

// Close closes the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateDisconnected {
		return nil
	}

	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}

	t.state = transport.StateDisconnected
	t.connectedAt = nil

	return err
}

// IsConnected returns true if the socket is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == transport.StateConnected
}

// Send writes one datagram.
func (t *Transport) Send(ctx context.Context, data []byte) (int, error) {
	t.mu.RLock()
	if t.state != transport.StateConnected || t.conn == nil {
		t.mu.RUnlock()
		return 0, ErrNotConnected
	}
	conn := t.conn
	t.mu.RUnlock()

	if t.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}

	n, err := conn.Write(data)
	t.mu.Lock()
	if err != nil {
		t.stats.Errors++
		t.lastError = err
	} else {
		t.stats.BytesSent += uint64(n)
	}
	t.mu.Unlock()
	return n, err
}

// Receive reads one datagram. A read deadline expiry returns an empty
// slice and no error.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.RLock()
	if t.state != transport.StateConnected || t.conn == nil {
		t.mu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := t.conn
	t.mu.RUnlock()

	if t.config.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	}

	n, err := conn.Read(t.readBuffer)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil
		}
		t.mu.Lock()
		t.stats.Errors++
		t.lastError = err
		t.mu.Unlock()
		return nil, err
	}

	data := make([]byte, n)
	copy(data, t.readBuffer[:n])

	t.mu.Lock()
	t.stats.BytesReceived += uint64(n)
	t.mu.Unlock()

	return data, nil
}

// PeerAddress returns the remote address.
func (t *Transport) PeerAddress() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
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
		Type:        "udp",
		Address:     fmt.Sprintf("%s:%d", t.config.Host, t.config.Port),
		State:       t.state,
		Statistics:  t.stats,
		ConnectedAt: t.connectedAt,
	}
	if t.lastError != nil {
		info.LastError = t.lastError.Error()
	}
	return info
}
