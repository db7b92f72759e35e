// Package transport defines the abstract interface for Modbus
// carriers. It provides a unified API for the physical channels the
// framers run over: serial RS-232/RS-485, TCP (plain or TLS) and UDP.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send/Receive on a closed transport.
var ErrNotConnected = errors.New("transport not connected")

// ConnectionState represents the current state of a transport
// connection.
type ConnectionState int

const (
	// StateDisconnected indicates the transport is not connected.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the transport is connected and ready.
	StateConnected
	// StateReconnecting indicates the transport is attempting to reconnect.
	StateReconnecting
	// StateError indicates the transport is in an error state.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is the byte-stream surface the framing and transaction
// layers consume. Implementations must be safe for concurrent use;
// the layers above never share one transport between connections.
type Transport interface {
	// Connect establishes the channel. It blocks until connected or
	// the context is cancelled.
	Connect(ctx context.Context) error

	// Close closes the channel and releases its resources.
	Close() error

	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool

	// Send transmits data. It returns the number of bytes written.
	Send(ctx context.Context, data []byte) (int, error)

	// Receive reads whatever bytes are available, blocking until data
	// arrives, the read timeout elapses, or the context is cancelled.
	Receive(ctx context.Context) ([]byte, error)

	// PeerAddress returns the remote address for connected socket
	// carriers, or "" when the carrier has no peer notion (serial).
	PeerAddress() string

	// State returns the current connection state.
	State() ConnectionState

	// Info returns information about the transport.
	Info() Info
}

// Config holds the configuration for a transport.
type Config struct {
	// Type is the transport type (serial, tcp, udp).
	Type string `yaml:"type" json:"type"`

	// Address is the connection address.
	// Format depends on transport type:
	//   - serial: "/dev/ttyUSB0" or "COM1"
	//   - tcp/udp: "host:port"
	Address string `yaml:"address" json:"address"`

	// Options contains transport-specific options.
	Options map[string]interface{} `yaml:"options" json:"options"`

	// BufferSize is the size of read/write buffers.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// Timeout is the default timeout for read operations.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ConnectTimeout bounds dial attempts.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// ReconnectPolicy defines auto-reconnect behavior.
	ReconnectPolicy *ReconnectPolicy `yaml:"reconnect" json:"reconnect"`

	// TLS configures Transport Layer Security (tcp only).
	TLS *TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS/SSL configuration.
type TLSConfig struct {
	// Enabled enables TLS.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// CertFile is the path to the certificate file.
	CertFile string `yaml:"cert_file" json:"cert_file" validate:"required_if=Enabled true"`

	// KeyFile is the path to the key file.
	KeyFile string `yaml:"key_file" json:"key_file" validate:"required_if=Enabled true"`

	// CAFile is the path to the CA certificate file for verifying the peer.
	CAFile string `yaml:"ca_file" json:"ca_file"`

	// InsecureSkipVerify checks whether to skip certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// ReconnectPolicy defines how a lost connection is re-established.
// Backoff starts at InitialDelay and multiplies up to MaxDelay.
type ReconnectPolicy struct {
	// Enabled enables auto-reconnect.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxAttempts is the maximum number of reconnect attempts (0 = infinite).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the initial delay before the first attempt.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the multiplier for exponential backoff.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultReconnectPolicy returns the default backoff: 100 ms doubling
// up to 5 minutes.
func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		Enabled:      true,
		MaxAttempts:  0, // infinite
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// NextDelay returns the backoff delay following cur.
func (p *ReconnectPolicy) NextDelay(cur time.Duration) time.Duration {
	if cur <= 0 {
		return p.InitialDelay
	}
	next := time.Duration(float64(cur) * p.Multiplier)
	if next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// Info contains runtime information about a transport.
type Info struct {
	// ID is a unique identifier for this transport instance.
	ID string `json:"id"`

	// Type is the transport type.
	Type string `json:"type"`

	// Address is the configured address.
	Address string `json:"address"`

	// State is the current connection state.
	State ConnectionState `json:"state"`

	// Statistics contains transport statistics.
	Statistics Statistics `json:"statistics"`

	// ConnectedAt is when the connection was established.
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	// LastError is the last error that occurred.
	LastError string `json:"last_error,omitempty"`
}

// Statistics contains transport performance statistics.
type Statistics struct {
	// BytesSent is the total number of bytes sent.
	BytesSent uint64 `json:"bytes_sent"`

	// BytesReceived is the total number of bytes received.
	BytesReceived uint64 `json:"bytes_received"`

	// Errors is the total number of errors encountered.
	Errors uint64 `json:"errors"`

	// Reconnects is the number of reconnection attempts.
	Reconnects uint64 `json:"reconnects"`
}
