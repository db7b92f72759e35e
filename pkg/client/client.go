// Package client implements the Modbus transaction dispatcher: it
// pairs outbound requests with inbound responses under retries,
// timeouts, broadcast semantics and the RTU inter-frame silent
// interval.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commatea/ModX-Core/pkg/frame"
	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/metrics"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/transport"
	"github.com/commatea/ModX-Core/pkg/transport/serial"
)

// Error definitions.
var (
	// ErrTimeout means no matching response arrived within the
	// transaction timeout across all attempts.
	ErrTimeout = errors.New("request timed out")

	// ErrNotConnected is returned by Execute without an active
	// transport.
	ErrNotConnected = errors.New("client not connected")

	// ErrConnection means the transport closed while transactions
	// were outstanding. All of them fail with this error.
	ErrConnection = errors.New("connection lost")

	// ErrBroadcastDisabled is returned for slave id 0 requests when
	// broadcasts are not enabled.
	ErrBroadcastDisabled = errors.New("broadcast not enabled")
)

// ExceptionError wraps a Modbus exception response when a convenience
// call wants it as an error. Execute itself returns exception
// responses as ordinary PDUs.
type ExceptionError struct {
	FunctionCode byte
	Code         byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception %02X (function %02X)", e.Code, e.FunctionCode&^pdu.ExceptionBit)
}

// TransactionState tracks the dispatcher through one request/response
// cycle.
type TransactionState int

const (
	StateIdle TransactionState = iota
	StateSending
	StateWaitingForReply
	StateTransactionComplete
	StateRetrying
)

func (s TransactionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateWaitingForReply:
		return "waiting_for_reply"
	case StateTransactionComplete:
		return "transaction_complete"
	case StateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Config holds dispatcher configuration.
type Config struct {
	// Timeout bounds the wait from send completion to response
	// arrival, per attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Retries is the total number of send attempts.
	Retries int `yaml:"retries" json:"retries"`

	// RetryOnEmpty grants one extra attempt when a reply window
	// passed without a single byte, which on a shared bus usually
	// means the request collided rather than the device failed.
	RetryOnEmpty bool `yaml:"retry_on_empty" json:"retry_on_empty"`

	// CloseCommOnError closes the transport when a framing-level
	// error surfaces.
	CloseCommOnError bool `yaml:"close_comm_on_error" json:"close_comm_on_error"`

	// Strict enforces the computed 3.5 character interval even at
	// baud rates above 19200, where the protocol recommends a fixed
	// 1750 microseconds instead.
	Strict bool `yaml:"strict" json:"strict"`

	// BroadcastEnable allows requests to slave id 0.
	BroadcastEnable bool `yaml:"broadcast_enable" json:"broadcast_enable"`

	// ReconnectDelay is the initial reconnect backoff.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// ReconnectDelayMax caps the reconnect backoff.
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max" json:"reconnect_delay_max"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           3 * time.Second,
		Retries:           3,
		ReconnectDelay:    100 * time.Millisecond,
		ReconnectDelayMax: 5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = def.ReconnectDelayMax
	}
}

// Client is a Modbus client bound to one transport and one framer.
// Transactions are serialized: at most one request is in flight at a
// time, as the RTU bus requires and as matches the in-order semantics
// of the socket carriers here.
type Client struct {
	// execMu serializes transactions on the connection.
	execMu sync.Mutex

	mu sync.Mutex

	id     string
	config Config
	tr     transport.Transport
	framer frame.Framer
	log    *logger.Logger

	state        TransactionState
	lastFrameEnd time.Time

	// silentInterval is non-zero on RTU carriers only.
	silentInterval  time.Duration
	handleLocalEcho bool

	transactions *transactionTable

	reconnecting bool
	now          func() time.Time
}

// New creates a client from a transport and a framer. Use NewRTU or
// NewSocket unless the carrier/framing pairing is unusual (for
// instance RTU tunneled over TCP).
func New(tr transport.Transport, f frame.Framer, config Config) *Client {
	config.applyDefaults()
	return &Client{
		id:           fmt.Sprintf("client-%s", uuid.New().String()),
		config:       config,
		tr:           tr,
		framer:       f,
		log:          logger.Global().Component("client"),
		state:        StateIdle,
		transactions: newTransactionTable(),
		now:          time.Now,
	}
}

// NewRTU creates a client speaking RTU framing over a serial port.
// The silent interval is derived from the port's character time:
// 3.5 characters, or a fixed 1750 microseconds above 19200 baud
// unless strict timing is configured.
func NewRTU(t *serial.Transport, config Config) *Client {
	c := New(t, frame.NewRTUFramer(pdu.NewClientRegistry()), config)
	sc := t.Config()
	c.silentInterval = SilentInterval(sc.CharTime(), sc.BaudRate, config.Strict)
	c.handleLocalEcho = sc.HandleLocalEcho
	return c
}

// NewRTUOverStream creates an RTU client on an arbitrary byte-stream
// transport with an explicit silent interval (RTU tunneled through a
// TCP serial server, tests).
func NewRTUOverStream(tr transport.Transport, silentInterval time.Duration, config Config) *Client {
	c := New(tr, frame.NewRTUFramer(pdu.NewClientRegistry()), config)
	c.silentInterval = silentInterval
	return c
}

// NewSocket creates a client speaking MBAP framing over a socket
// transport (TCP, TLS or UDP).
func NewSocket(tr transport.Transport, config Config) *Client {
	return New(tr, frame.NewSocketFramer(pdu.NewClientRegistry()), config)
}

// SilentInterval computes the RTU inter-frame gap for a character
// time: 3.5 characters, with the fixed 1750 microsecond floor the
// protocol recommends above 19200 baud unless strict is set.
func SilentInterval(charTime time.Duration, baudRate int, strict bool) time.Duration {
	interval := charTime * 7 / 2
	if !strict && baudRate > 19200 {
		interval = 1750 * time.Microsecond
	}
	return interval
}

// ID returns the client's unique id.
func (c *Client) ID() string {
	return c.id
}

// State returns the current transaction state.
func (c *Client) State() TransactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s TransactionState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.log.Debug("state change", "from", old.String(), "to", s.String())
	}
}

// Connect establishes the underlying transport.
func (c *Client) Connect(ctx context.Context) error {
	return c.tr.Connect(ctx)
}

// Close closes the underlying transport and fails outstanding
// transactions.
func (c *Client) Close() error {
	c.transactions.failAll(ErrConnection)
	return c.tr.Close()
}

// isRTU reports whether the carrier needs RTU bus timing.
func (c *Client) isRTU() bool {
	return c.framer.Method() == "rtu"
}

// Execute sends a request and waits for its matching response.
//
// Requests to slave id 0 are broadcasts: the frame is sent and Execute
// returns a nil response immediately, since no device may answer.
// Exception responses are returned as ordinary PDUs; inspect
// PDU.IsException. Cancelling ctx abandons the transaction; a response
// that arrives later is silently discarded.
func (c *Client) Execute(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
	if c.tr == nil || !c.tr.IsConnected() {
		return nil, ErrNotConnected
	}

	if req.SlaveID == 0 {
		if !c.config.BroadcastEnable {
			return nil, ErrBroadcastDisabled
		}
		return nil, c.broadcast(ctx, req)
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	p := &pendingRequest{
		request:     req,
		retriesLeft: c.config.Retries - 1,
		done:        make(chan struct{}),
	}
	var tid uint16
	if c.isRTU() {
		tid = uint16(req.SlaveID)
		req.TransactionID = tid
		c.transactions.register(tid, p)
	} else {
		tid = c.transactions.allocate(p)
		req.TransactionID = tid
	}
	defer c.transactions.release(tid)
	metrics.InflightTransactions.Inc()
	defer metrics.InflightTransactions.Dec()

	extraEmpty := c.config.RetryOnEmpty
	for attempt := 0; attempt < c.config.Retries; attempt++ {
		if attempt > 0 {
			c.setState(StateRetrying)
			metrics.RetryCount.Inc()
			c.log.Debug("retrying request", "attempt", attempt+1, "tid", tid)
		}

		// The transaction id is reused on every attempt so a late
		// reply to an earlier send still matches.
		resp, got, err := c.attempt(ctx, req, tid, p)
		switch {
		case err == nil:
			c.setState(StateTransactionComplete)
			c.setState(StateIdle)
			metrics.IncTransaction(metrics.StatusSuccess)
			return resp, nil
		case errors.Is(err, ErrTimeout):
			if got == 0 && extraEmpty {
				// A byte-silent window on a shared bus points at a
				// collision; spend the one extra attempt on it.
				extraEmpty = false
				attempt--
			}
			continue
		default:
			c.setState(StateIdle)
			metrics.IncTransaction(metrics.StatusFailed)
			return nil, err
		}
	}

	c.setState(StateIdle)
	metrics.IncTransaction(metrics.StatusTimeout)
	attempts := c.config.Retries
	if c.config.RetryOnEmpty && !extraEmpty {
		attempts++
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
}

// attempt performs one send/receive cycle. It returns the matched
// response, or the number of bytes received alongside the error.
func (c *Client) attempt(ctx context.Context, req *pdu.PDU, tid uint16, p *pendingRequest) (*pdu.PDU, int, error) {
	packet, err := c.framer.BuildFrame(req)
	if err != nil {
		return nil, 0, err
	}

	c.setState(StateSending)
	// Stale bytes in the framer belong to a previous, failed exchange.
	c.framer.Reset()
	if err := c.sendFrame(ctx, packet); err != nil {
		return nil, 0, err
	}

	if c.handleLocalEcho {
		if err := c.discardEcho(ctx, len(packet)); err != nil {
			return nil, 0, err
		}
	}

	c.setState(StateWaitingForReply)
	return c.waitForReply(ctx, tid, p)
}

// sendFrame writes one frame, honoring the RTU silent interval.
func (c *Client) sendFrame(ctx context.Context, packet []byte) error {
	if c.isRTU() {
		c.waitSilentInterval(ctx)
	}
	c.log.Debug("sending frame", logger.Hex("frame", packet))
	if _, err := c.tr.Send(ctx, packet); err != nil {
		c.onConnectionError(err)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.mu.Lock()
	c.lastFrameEnd = c.now()
	c.mu.Unlock()
	return nil
}

// waitSilentInterval blocks until at least 3.5 character times have
// passed since the last bus activity. With no record of the last
// frame end (first send, or recovery from an error) the full interval
// is waited out.
func (c *Client) waitSilentInterval(ctx context.Context) {
	if c.silentInterval <= 0 {
		return
	}
	c.mu.Lock()
	last := c.lastFrameEnd
	c.mu.Unlock()

	wait := c.silentInterval
	if !last.IsZero() {
		elapsed := c.now().Sub(last)
		if elapsed >= c.silentInterval {
			return
		}
		wait = c.silentInterval - elapsed
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// broadcast sends a request to slave id 0 and returns immediately
// after the send. No pending transaction is registered: no device may
// answer a broadcast.
func (c *Client) broadcast(ctx context.Context, req *pdu.PDU) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	packet, err := c.framer.BuildFrame(req)
	if err != nil {
		return err
	}
	c.setState(StateSending)
	c.framer.Reset()
	err = c.sendFrame(ctx, packet)
	c.setState(StateTransactionComplete)
	c.setState(StateIdle)
	if err == nil {
		metrics.IncTransaction(metrics.StatusSuccess)
	}
	return err
}

// discardEcho swallows the n locally echoed bytes a half-duplex
// adapter feeds back after a send.
func (c *Client) discardEcho(ctx context.Context, n int) error {
	remaining := n
	deadline := c.now().Add(c.config.Timeout)
	for remaining > 0 {
		if c.now().After(deadline) {
			return fmt.Errorf("%w waiting for local echo", ErrTimeout)
		}
		data, err := c.tr.Receive(ctx)
		if err != nil {
			c.onConnectionError(err)
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		remaining -= len(data)
	}
	return nil
}

// waitForReply pumps the transport into the framer until the pending
// transaction resolves or the attempt times out.
func (c *Client) waitForReply(ctx context.Context, tid uint16, p *pendingRequest) (*pdu.PDU, int, error) {
	deadline := c.now().Add(c.config.Timeout)
	c.mu.Lock()
	p.deadline = deadline
	c.mu.Unlock()

	opts := frame.Options{Peer: c.tr.PeerAddress()}
	if c.isRTU() {
		opts.Validate = frame.AcceptSlaves(p.request.SlaveID)
	} else {
		opts.ExpectedTID = tid
		opts.HasExpectedTID = true
	}

	received := 0
	for {
		select {
		case <-p.done:
			return p.response, received, p.err
		case <-ctx.Done():
			// The frame cannot be recalled; the pending entry is
			// released by the caller and any late reply dies there.
			return nil, received, ctx.Err()
		default:
		}
		if c.now().After(deadline) {
			return nil, received, ErrTimeout
		}

		data, err := c.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, received, ctx.Err()
			}
			c.onConnectionError(err)
			return nil, received, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		if len(data) == 0 {
			continue
		}
		received += len(data)
		c.mu.Lock()
		c.lastFrameEnd = c.now()
		c.mu.Unlock()

		if err := c.framer.Feed(data); err != nil {
			c.framer.Reset()
			continue
		}
		err = c.framer.ProcessIncoming(opts, func(resp *pdu.PDU) {
			if !c.transactions.complete(resp.TransactionID, resp) {
				c.log.Debug("discarding unmatched response", "tid", resp.TransactionID)
			}
		})
		if err != nil {
			// A well-framed message that fails to decode terminates
			// this transaction only.
			if c.config.CloseCommOnError {
				c.Close()
			}
			return nil, received, err
		}
	}
}

// onConnectionError fails outstanding transactions and kicks off
// reconnection.
func (c *Client) onConnectionError(err error) {
	c.log.Warn("connection error", "error", err)
	c.transactions.failAll(ErrConnection)
	c.mu.Lock()
	c.lastFrameEnd = time.Time{}
	alreadyReconnecting := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()
	c.tr.Close()
	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials the transport with exponential backoff
// between ReconnectDelay and ReconnectDelayMax. It gives up when a
// Connect succeeds or the transport reports connected through some
// other path.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.config.ReconnectDelay
	for {
		time.Sleep(delay)
		if c.tr.IsConnected() {
			return
		}
		metrics.ReconnectCount.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		err := c.tr.Connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected", "transport", c.tr.Info().Address)
			return
		}
		c.log.Debug("reconnect failed", "error", err, "next_delay", delay)
		delay *= 2
		if delay > c.config.ReconnectDelayMax {
			delay = c.config.ReconnectDelayMax
		}
	}
}
