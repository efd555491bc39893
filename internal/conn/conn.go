// Package conn owns the per-session read loop and the reliability layer:
// pending-ack bookkeeping, retransmission timers, ACK emission and close
// semantics. It is transport-agnostic; adapters hand it a Transport and it
// surfaces decoded messages, errors and the closed event through callbacks.
package conn

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"archive/server/internal/codec"
	"archive/server/internal/metrics"
)

// Transport is the minimal adapter over a reliable, message-framed binary
// duplex stream. Recv blocks until one whole frame arrives or the stream
// dies; Send writes one whole frame.
type Transport interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// ErrorKind classifies embedder-visible connection errors.
type ErrorKind string

// The closed error kind set.
const (
	ParseError         ErrorKind = "PARSE_ERROR"
	ConnectionError    ErrorKind = "CONNECTION_ERROR"
	SendError          ErrorKind = "SEND_ERROR"
	RetransmitError    ErrorKind = "RETRANSMIT_ERROR"
	TransmissionFailed ErrorKind = "TRANSMISSION_FAILED"
)

// Error is one embedder-visible connection event. Sequence is meaningful
// for the retransmission kinds only.
type Error struct {
	Kind     ErrorKind
	Message  string
	Sequence uint32
}

// SendOptions control the reliability tracker for one send.
type SendOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultSendOptions are applied when a send passes no explicit options.
var DefaultSendOptions = SendOptions{
	Timeout:    3 * time.Second,
	MaxRetries: 5,
}

// pendingSend is the bookkeeping for one in-flight reliable frame.
type pendingSend struct {
	frame   []byte
	retries int
	timer   *time.Timer
	opts    SendOptions
}

// Conn is one terminated transport session.
type Conn struct {
	id         uint64
	remoteAddr string
	tr         Transport

	// writeMu serialises outbound writes so frames stay atomic on the
	// transport.
	writeMu sync.Mutex

	// mu guards pending and the closed transition.
	mu      sync.Mutex
	pending map[uint32]*pendingSend
	closed  bool

	seq atomic.Uint32

	// Callbacks; set before Run is called. OnMessage receives every decoded
	// non-ACK frame in receive order, along with the original frame bytes
	// so routing layers can forward them verbatim.
	OnMessage func(*codec.Message, []byte)
	OnError   func(Error)
	OnClosed  func()
}

// New wraps a transport session. The id is the server-assigned connection id.
func New(id uint64, remoteAddr string, tr Transport) *Conn {
	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		tr:         tr,
		pending:    make(map[uint32]*pendingSend),
	}
}

// ID returns the server-assigned connection id.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the transport's remote address string.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// NextSequence returns the next outbound sequence number. The counter starts
// at zero so the first emitted value is 1; wrap-around at 2³² is legal.
func (c *Conn) NextSequence() uint32 { return c.seq.Add(1) }

// Run consumes the transport until it dies or Close is called. Frames are
// decoded and dispatched in receive order; decode failures surface as
// PARSE_ERROR and the loop continues. Run returns after the closed event
// has fired.
func (c *Conn) Run() {
	for {
		data, err := c.tr.Recv()
		if err != nil {
			if !c.isClosed() && !isExpectedClose(err) {
				c.emitError(Error{Kind: ConnectionError, Message: err.Error()})
			}
			c.Close()
			return
		}
		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	msg, err := codec.Decode(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		slog.Debug("frame rejected", "conn_id", c.id, "err", err)
		c.emitError(Error{Kind: ParseError, Message: err.Error()})
		return
	}
	metrics.FramesDecoded.Inc()

	if msg.Type == codec.MsgAck {
		if seq, ok := msg.Params.Uint32(codec.ParamSequence); ok {
			c.resolveAck(seq)
		}
		return
	}

	// Acknowledge inbound reliable frames before the dispatcher sees them,
	// so the ACK precedes any reply this frame provokes.
	if msg.Type == codec.MsgReliable {
		if seq, ok := msg.Params.Uint32(codec.ParamSequence); ok {
			c.sendAck(seq)
		}
	}

	if c.OnMessage != nil {
		c.OnMessage(msg, data)
	}
}

func (c *Conn) sendAck(seq uint32) {
	frame, err := codec.Encode(codec.MsgAck, codec.OpAck, codec.NewParams(
		codec.Param{Code: codec.ParamSequence, Value: codec.UInt(seq)},
	))
	if err != nil {
		slog.Error("encode ack", "conn_id", c.id, "seq", seq, "err", err)
		return
	}
	if err := c.write(frame); err != nil {
		c.emitError(Error{Kind: SendError, Message: err.Error(), Sequence: seq})
	}
}

// Send writes a complete frame to the transport. If the frame is RELIABLE
// and carries a SEQUENCE parameter, a pending-ack entry is installed and the
// frame is retransmitted until acknowledged or retries are exhausted.
// Sends on a closed connection are no-ops.
func (c *Conn) Send(frame []byte, opts ...SendOptions) error {
	if c.isClosed() {
		return nil
	}
	if err := c.write(frame); err != nil {
		c.emitError(Error{Kind: SendError, Message: err.Error()})
		return err
	}

	o := DefaultSendOptions
	if len(opts) > 0 {
		o = opts[0]
		if o.Timeout <= 0 {
			o.Timeout = DefaultSendOptions.Timeout
		}
		if o.MaxRetries < 0 {
			o.MaxRetries = DefaultSendOptions.MaxRetries
		}
	}

	// Inspect the written bytes; only reliable frames with a sequence get
	// tracked. The frame may have been encoded by a peer (broadcast forwards
	// verbatim bytes), so the header is re-read rather than trusted.
	msg, err := codec.Decode(frame)
	if err != nil || msg.Type != codec.MsgReliable {
		return nil
	}
	seq, ok := msg.Params.Uint32(codec.ParamSequence)
	if !ok {
		return nil
	}
	c.track(seq, frame, o)
	return nil
}

func (c *Conn) track(seq uint32, frame []byte, opts SendOptions) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.pending[seq]; ok {
		prev.timer.Stop()
	}
	p := &pendingSend{frame: buf, opts: opts}
	p.timer = time.AfterFunc(opts.Timeout, func() { c.retransmit(seq) })
	c.pending[seq] = p
}

// retransmit is the timer callback for one pending entry.
func (c *Conn) retransmit(seq uint32) {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	if p.retries >= p.opts.MaxRetries {
		delete(c.pending, seq)
		c.mu.Unlock()
		metrics.TransmissionFailures.Inc()
		slog.Warn("reliable send abandoned", "conn_id", c.id, "seq", seq, "retries", p.retries)
		c.emitError(Error{Kind: TransmissionFailed, Message: "max retries exhausted", Sequence: seq})
		return
	}
	p.retries++
	p.timer = time.AfterFunc(p.opts.Timeout, func() { c.retransmit(seq) })
	frame := p.frame
	c.mu.Unlock()

	metrics.Retransmissions.Inc()
	if err := c.write(frame); err != nil {
		c.emitError(Error{Kind: RetransmitError, Message: err.Error(), Sequence: seq})
	}
}

// resolveAck erases the pending entry for seq and cancels its timer.
func (c *Conn) resolveAck(seq uint32) {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if ok {
		p.timer.Stop()
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if ok {
		slog.Debug("reliable send acknowledged", "conn_id", c.id, "seq", seq)
	}
}

// PendingCount reports in-flight reliable sends. Used by stats endpoints
// and tests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return nil
	}
	if err := c.tr.Send(frame); err != nil {
		return err
	}
	metrics.FramesSent.Inc()
	return nil
}

// Close tears the session down: cancels every retransmission timer, drains
// the pending table without firing callbacks, and closes the transport.
// It is idempotent; the closed event fires exactly once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for seq, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if err := c.tr.Close(); err != nil && !isExpectedClose(err) {
		slog.Debug("transport close", "conn_id", c.id, "err", err)
	}
	if c.OnClosed != nil {
		c.OnClosed()
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) emitError(e Error) {
	if c.OnError != nil {
		c.OnError(e)
	}
}

// isExpectedClose reports whether err is the ordinary end of a transport
// stream rather than a failure worth surfacing. Adapters normalise their
// clean-shutdown errors to io.EOF.
func isExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
