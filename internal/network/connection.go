// Package network implements the relay's TCP listener and the framed,
// per-client connection used by sessions.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/protocol"
)

const (
	// DefaultOutboxSize is the number of queued messages per connection.
	DefaultOutboxSize = 256

	// DefaultFlushTimeout bounds how long Close waits for queued messages.
	DefaultFlushTimeout = 2 * time.Second
)

var (
	// ErrConnectionClosed is returned by Send once the relay has closed the
	// connection. It is distinct from protocol.ErrConnectionClosed, which
	// reports the peer going away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrOutboxFull is returned when a slow client has too many queued messages.
	ErrOutboxFull = errors.New("outbox full")
)

// ConnOptions tunes a Connection.
type ConnOptions struct {
	OutboxSize    int
	WriteTimeout  time.Duration
	FlushTimeout  time.Duration
	MaxFrameBytes int
}

// Connection wraps a client socket. Reads happen on the caller's goroutine;
// writes are queued and performed by a dedicated writer goroutine so that a
// slow client never stalls the sessions that send to it.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger
	opts   ConnOptions

	outbox     chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu           sync.Mutex
	closed       bool
	lastActivity time.Time
	connectedAt  time.Time

	framesIn    atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	dropped     atomic.Uint64
}

// ConnStats are traffic counters for one connection.
type ConnStats struct {
	FramesIn    uint64 `json:"frames_in"`
	MessagesOut uint64 `json:"messages_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	Dropped     uint64 `json:"dropped"`
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn net.Conn, opts ConnOptions) *Connection {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}

	now := time.Now()
	c := &Connection{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		opts:         opts,
		outbox:       make(chan []byte, opts.OutboxSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}

	go c.writeLoop()
	return c
}

// SetLogger replaces the connection logger, e.g. to add a session ID.
func (c *Connection) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *Connection) log() *zerolog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.logger
	return &l
}

// ReadFrame blocks until a full frame arrives. A positive timeout sets a
// read deadline; zero waits indefinitely.
func (c *Connection) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	data, err := protocol.ReadFrameLimit(c.reader, c.opts.MaxFrameBytes)
	if err != nil {
		return nil, err
	}

	c.framesIn.Add(1)
	c.bytesIn.Add(uint64(protocol.HeaderLength + len(data)))

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.log().Trace().
		Int("bytes", len(data)).
		Str("payload", protocol.Describe(data)).
		Msg("frame received")

	return data, nil
}

// Send queues frames to be written back to back. It does not block: if the
// connection is closed or its outbox is full the frames are dropped and an
// error is returned.
func (c *Connection) Send(frames ...[]byte) error {
	var msg []byte
	for _, f := range frames {
		var err error
		if msg, err = protocol.AppendFrame(msg, f); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.outbox <- msg:
		return nil
	default:
		c.dropped.Add(1)
		return ErrOutboxFull
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case msg := <-c.outbox:
			if err := c.write(msg); err != nil {
				c.log().Debug().Err(err).Msg("write failed, closing connection")
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				c.conn.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued once Close has been called.
func (c *Connection) flush() {
	for {
		select {
		case msg := <-c.outbox:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(msg []byte) error {
	if c.opts.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}

	for written := 0; written < len(msg); {
		n, err := c.conn.Write(msg[written:])
		if err != nil {
			return fmt.Errorf("failed to write to %s: %w", c.conn.RemoteAddr(), err)
		}
		written += n
	}

	c.messagesOut.Add(1)
	c.bytesOut.Add(uint64(len(msg)))

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// Close stops accepting new messages, gives the writer up to the flush
// timeout to deliver what is queued, then closes the socket. It is safe to
// call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		// Unblock a reader parked in ReadFrame so the session can exit.
		c.conn.SetReadDeadline(time.Now())

		select {
		case <-c.writerDone:
		case <-time.After(c.opts.FlushTimeout):
			c.log().Warn().Msg("timed out flushing outbox")
		}

		err = c.conn.Close()
		<-c.writerDone
		c.log().Debug().Msg("connection closed")
	})
	return err
}

// IsClosed returns whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read or write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Stats returns the connection's traffic counters.
func (c *Connection) Stats() ConnStats {
	return ConnStats{
		FramesIn:    c.framesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		Dropped:     c.dropped.Load(),
	}
}
