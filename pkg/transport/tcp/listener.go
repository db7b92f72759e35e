package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/commatea/ModX-Core/pkg/transport"
)

// Listener accepts inbound Modbus TCP (or TLS) connections and wraps
// each one as a transport.Transport for a per-connection framer.
type Listener struct {
	config   Config
	listener net.Listener
}

// Listen binds the configured address and starts listening.
func Listen(config Config) (*Listener, error) {
	def := DefaultConfig()
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = def.ReadBufferSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	var ln net.Listener
	var err error
	if config.TLS != nil && config.TLS.Enabled {
		var tlsCfg *tls.Config
		tlsCfg, err = buildTLSConfig(config.TLS)
		if err != nil {
			return nil, err
		}
		ln, err = tls.Listen("tcp", address, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", address)
	}
	if err != nil {
		return nil, err
	}
	return &Listener{config: config, listener: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept() (transport.Transport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &acceptedConn{
		config:      l.config,
		conn:        conn,
		id:          fmt.Sprintf("tcp-conn-%s", conn.RemoteAddr()),
		state:       transport.StateConnected,
		readBuffer:  make([]byte, l.config.ReadBufferSize),
		connectedAt: &now,
	}, nil
}

// Close stops listening. Accepted connections stay open.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// acceptedConn adapts an accepted net.Conn to transport.Transport.
type acceptedConn struct {
	mu sync.RWMutex

	config Config
	conn   net.Conn

	id          string
	state       transport.ConnectionState
	stats       transport.Statistics
	readBuffer  []byte
	connectedAt *time.Time
	lastError   error
}

// Connect is a no-op: the connection is already established.
func (c *acceptedConn) Connect(ctx context.Context) error {
	return nil
}

func (c *acceptedConn) Send(ctx context.Context, data []byte) (int, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected {
		c.mu.RUnlock()
		return 0, ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	n, err := conn.Write(data)
	c.mu.Lock()
	if err != nil {
		c.stats.Errors++
		c.lastError = err
	} else {
		c.stats.BytesSent += uint64(n)
	}
	c.mu.Unlock()
	return n, err
}

func (c *acceptedConn) Receive(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if c.state != transport.StateConnected {
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

func (c *acceptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == transport.StateDisconnected {
		return nil
	}
	c.state = transport.StateDisconnected
	return c.conn.Close()
}

func (c *acceptedConn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == transport.StateConnected
}

func (c *acceptedConn) PeerAddress() string {
	return c.conn.RemoteAddr().String()
}

func (c *acceptedConn) State() transport.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *acceptedConn) Info() transport.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := transport.Info{
		ID:          c.id,
		Type:        "tcp",
		Address:     c.conn.RemoteAddr().String(),
		State:       c.state,
		Statistics:  c.stats,
		ConnectedAt: c.connectedAt,
	}
	if c.lastError != nil {
		info.LastError = c.lastError.Error()
	}
	return info
}
