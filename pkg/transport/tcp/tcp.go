// Package tcp provides the TCP and TLS carriers for Modbus MBAP
// framing: a dialing client and an accepting listener.
package tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/commatea/ModX-Core/pkg/transport"
)

// Common errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrConnClosed   = errors.New("connection closed")
)

// Config holds TCP-specific configuration.
type Config struct {
	// Host is the remote host.
	Host string `yaml:"host" json:"host"`

	// Port is the remote port. 502 is the registered Modbus port,
	// 802 the registered Modbus/TLS port.
	Port int `yaml:"port" json:"port"`

	// SourceAddress is the optional local address to bind.
	SourceAddress string `yaml:"source_address" json:"source_address"`

	// KeepAlive enables TCP keepalive.
	KeepAlive bool `yaml:"keepalive" json:"keepalive"`

	// KeepAlivePeriod is the keepalive interval.
	KeepAlivePeriod time.Duration `yaml:"keepalive_period" json:"keepalive_period"`

	// NoDelay disables Nagle's algorithm.
	NoDelay bool `yaml:"no_delay" json:"no_delay"`

	// ReadBufferSize is the read buffer size.
	ReadBufferSize int `yaml:"read_buffer_size" json:"read_buffer_size"`

	// ConnectTimeout is the connection timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// ReadTimeout is the read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the write timeout.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// TLS enables TLS encryption.
	TLS *transport.TLSConfig `yaml:"tls" json:"tls"`
}

// DefaultConfig returns a default TCP configuration.
func DefaultConfig() Config {
	return Config{
		Port:            502,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
		NoDelay:         true,
		ReadBufferSize:  8192,
		ConnectTimeout:  10 * time.Second,
		ReadTimeout:     100 * time.Millisecond,
		WriteTimeout:    10 * time.Second,
	}
}

// buildTLSConfig converts transport.TLSConfig into a *tls.Config.
func buildTLSConfig(c *transport.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		ca, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("loading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("no certificates found in CA file")
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Client implements transport.Transport for TCP and TLS connections.
type Client struct {
	mu sync.RWMutex

	config Config

	conn  net.Conn
	id    string
	state transport.ConnectionState
	stats transport.Statistics

	readBuffer  []byte
	connectedAt *time.Time
	lastError   error
}

// NewClient creates a new TCP client transport.
func NewClient(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.Host == "" {
		return nil, errors.New("tcp host is required")
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = def.ReadBufferSize
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	return &Client{
		config:     config,
		id:         fmt.Sprintf("tcp-client-%s:%d", config.Host, config.Port),
		state:      transport.StateDisconnected,
		readBuffer: make([]byte, config.ReadBufferSize),
	}, nil
}

// Connect establishes a TCP (or TLS) connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == transport.StateConnected {
		return nil
	}

	c.state = transport.StateConnecting

	address := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	dialer := &net.Dialer{
		Timeout:   c.config.ConnectTimeout,
		KeepAlive: c.config.KeepAlivePeriod,
	}
	if c.config.SourceAddress != "" {
		if addr, err := net.ResolveTCPAddr("tcp", c.config.SourceAddress); err == nil {
			dialer.LocalAddr = addr
		}
	}

	var conn net.Conn
	var err error
	if c.config.TLS != nil && c.config.TLS.Enabled {
		var tlsCfg *tls.Config
		tlsCfg, err = buildTLSConfig(c.config.TLS)
		if err == nil {
			tlsCfg.ServerName = c.config.Host
			conn, err = tls.DialWithDialer(dialer, "tcp", address, tlsCfg)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		c.state = transport.StateError
		c.lastError = err
		return err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if c.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(c.config.KeepAlivePeriod)
		}
		tcpConn.SetNoDelay(c.config.NoDelay)
	}

	c.conn = conn
	now := time.Now()
	c.connectedAt = &now
	c.state = transport.StateConnected

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == transport.StateDisconnected {
		return nil
	}

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}

	c.state = transport.StateDisconnected
	c.connectedAt = nil

	return err
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == transport.StateConnected
}

// Send writes data to the connection.
func (c *Client) Send(ctx context.Context, data []byte) (int, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected || c.conn == nil {
		c.mu.RUnlock()
		return 0, ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	n, err := conn.Write(data)
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.lastError = err
		c.mu.Unlock()
		return n, err
	}

	c.mu.Lock()
	c.stats.BytesSent += uint64(n)
	c.mu.Unlock()

	return n, nil
}

// Receive reads data from the connection. A read deadline expiry
// returns an empty slice and no error; the caller keeps polling.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected || c.conn == nil {
		c.mu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	if c.config.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	n, err := conn.Read(c.readBuffer)
	if err != nil {
		if err == io.EOF {
			return nil, ErrConnClosed
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil
		}
		c.mu.Lock()
		c.stats.Errors++
		c.lastError = err
		c.mu.Unlock()
		return nil, err
	}

	data := make([]byte, n)
	copy(data, c.readBuffer[:n])

	c.mu.Lock()
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()

	return data, nil
}

// PeerAddress returns the remote address of the connection.
func (c *Client) PeerAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// State returns the current connection state.
func (c *Client) State() transport.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Info returns transport information.
func (c *Client) Info() transport.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := transport.Info{
		ID:          c.id,
		Type:        "tcp",
		Address:     fmt.Sprintf("%s:%d", c.config.Host, c.config.Port),
		State:       c.state,
		Statistics:  c.stats,
		ConnectedAt: c.connectedAt,
	}

	if c.lastError != nil {
		info.LastError = c.lastError.Error()
	}

	return info
}
