package memcache

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rglonek/logger"
	"github.com/valyala/bytebufferpool"

	"github.com/dropbox/gomc/errors"
)

// Session is one pooled connection to one server, or a placeholder for a
// server which is currently unreachable.
type Session interface {
	// host:port this session talks to.
	RemoteAddress() string

	// The cluster member this session serves.  For a standby session this is
	// the main server's entry.
	ServerAddress() *ServerAddress

	// True for sessions which only carry traffic while their main server is
	// down.
	IsStandby() bool

	IsClosed() bool

	// Close destroys the session, failing every queued command.
	Close() error

	write(ctx context.Context, cmd *Command) error
	authFailed() bool
	allowReconnect() bool
	setAllowReconnect(allow bool)
	lastActive() time.Time
}

type sessionListener interface {
	sessionClosed(s Session)
}

type sessionOptions struct {
	codec     protocolCodec
	optimizer *optimizer

	maxQueuedNoReply      int
	noReplyAcquireTimeout time.Duration

	// Consecutive timeouts tolerated before the session is closed.  Zero
	// disables the check.
	timeoutThreshold int

	// Fallback when the socket does not report its send buffer size.
	sendBufferSize int
	readBufferSize int
	writeTimeout   time.Duration

	log *logger.Logger
}

var sessionIds atomic.Uint64

// tcpSession pipelines commands over one connection.  A writer goroutine
// drains the pending queue into batched writes and a reader goroutine
// decodes responses in the order the commands were written.
type tcpSession struct {
	id       uint64
	conn     net.Conn
	remote   string
	addr     *ServerAddress
	standby  bool
	listener sessionListener

	codec          protocolCodec
	optimizer      *optimizer
	flow           *flowControl
	sendBufferSize int
	readBufferSize int
	writeTimeout   time.Duration
	log            *logger.Logger

	timeoutThreshold int

	mu      sync.Mutex
	pending *commandQueue
	sent    *commandQueue
	current *Command // guarded by mu, decoded by the reader
	opaque  uint32
	closed  bool

	// A noreply command was written after the last reply expecting one.
	noReplyWritten bool

	isClosed       atomic.Bool
	reconnect      atomic.Bool
	authRejected   atomic.Bool
	lastActiveNano atomic.Int64
	heartbeatFails atomic.Int32
	timeouts       atomic.Int32

	wakeup    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTCPSession(
	conn net.Conn,
	remote string,
	addr *ServerAddress,
	standby bool,
	sendBufferHint int,
	options *sessionOptions,
	listener sessionListener) *tcpSession {

	id := sessionIds.Add(1)
	sendBufferSize := sendBufferHint
	if sendBufferSize <= 0 {
		sendBufferSize = options.sendBufferSize
	}

	s := &tcpSession{
		id:             id,
		conn:           conn,
		remote:         remote,
		addr:           addr,
		standby:        standby,
		listener:       listener,
		codec:          options.codec,
		optimizer:      options.optimizer,
		flow:           newFlowControl(options.maxQueuedNoReply, options.noReplyAcquireTimeout),
		sendBufferSize: sendBufferSize,
		readBufferSize: options.readBufferSize,
		writeTimeout:   options.writeTimeout,
		log:            options.log,

		timeoutThreshold: options.timeoutThreshold,
		pending:        newCommandQueue(),
		sent:           newCommandQueue(),
		wakeup:         make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	if s.readBufferSize <= 0 {
		s.readBufferSize = 16 * 1024
	}
	s.reconnect.Store(true)
	s.touch()
	return s
}

func (s *tcpSession) start() {
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
}

func (s *tcpSession) RemoteAddress() string {
	return s.remote
}

func (s *tcpSession) ServerAddress() *ServerAddress {
	return s.addr
}

func (s *tcpSession) IsStandby() bool {
	return s.standby
}

func (s *tcpSession) IsClosed() bool {
	return s.isClosed.Load()
}

func (s *tcpSession) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *tcpSession) authFailed() bool {
	return s.authRejected.Load()
}

func (s *tcpSession) allowReconnect() bool {
	return s.reconnect.Load()
}

func (s *tcpSession) setAllowReconnect(allow bool) {
	s.reconnect.Store(allow)
}

func (s *tcpSession) lastActive() time.Time {
	return time.Unix(0, s.lastActiveNano.Load())
}

func (s *tcpSession) touch() {
	s.lastActiveNano.Store(time.Now().UnixNano())
}

func (s *tcpSession) String() string {
	role := "main"
	if s.standby {
		role = "standby"
	}
	return s.remote + "#" + role
}

// write queues cmd.  Noreply commands first wait for a flow control permit.
func (s *tcpSession) write(ctx context.Context, cmd *Command) error {
	if cmd.noReply {
		if err := s.flow.acquire(ctx, cmd); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cmd.releasePermit()
		return connectionError(s.remote, ErrSessionClosed)
	}
	s.opaque++
	cmd.opaque = s.opaque
	cmd.session = s
	s.pending.push(cmd)
	s.mu.Unlock()

	select {
	case s.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (s *tcpSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeCh:
			return
		case <-s.wakeup:
		}

		for {
			batch := s.nextBatch()
			if batch == nil {
				break
			}
			if err := s.writeBatch(batch); err != nil {
				s.closeWithError(err)
				return
			}
		}
	}
}

// nextBatch claims the next write batch.  Reply expecting commands enter the
// sent queue before their bytes hit the wire, so the reader always finds
// them.
func (s *tcpSession) nextBatch() []*Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed {
		head := s.pending.pop()
		if head == nil {
			return nil
		}
		batch := s.optimizer.optimize(head, s.pending, s.codec, s.sendBufferSize)
		if len(batch) == 0 {
			continue
		}
		for _, cmd := range batch {
			if cmd.expectsReply() {
				cmd.followsNoReply = s.noReplyWritten
				s.noReplyWritten = false
				s.sent.push(cmd)
			} else if cmd.noReply {
				s.noReplyWritten = true
			}
		}
		return batch
	}
	return nil
}

func (s *tcpSession) writeBatch(batch []*Command) error {
	var payload []byte
	if len(batch) == 1 {
		payload = batch[0].encoded.B
	} else {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		for _, cmd := range batch {
			_, _ = buf.Write(cmd.encoded.B)
		}
		payload = buf.B
	}

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.conn.Write(payload)
	if err != nil {
		err = connectionError(s.remote, errors.Wrap(err, "Failed to write request"))
	}

	for _, cmd := range batch {
		cmd.releaseEncoding()
		if err != nil {
			cmd.fail(err)
			continue
		}
		cmd.advance(OpSent)
		if !cmd.expectsReply() {
			cmd.releasePermit()
			cmd.complete(&genericResponse{item: Item{Key: cmd.key}}, nil)
		}
	}
	s.touch()
	return err
}

func (s *tcpSession) readLoop() {
	defer s.wg.Done()

	chunk := make([]byte, s.readBufferSize)
	var buf []byte
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.touch()
			buf = append(buf, chunk[:n]...)
			consumed, decodeErr := s.process(buf)
			buf = append(buf[:0], buf[consumed:]...)
			if decodeErr != nil {
				s.closeWithError(decodeErr)
				return
			}
		}
		if err != nil {
			s.closeWithError(connectionError(s.remote, err))
			return
		}
	}
}

// process decodes as many responses as buf holds and returns the number of
// bytes consumed.  An error means the stream can not be decoded any further.
func (s *tcpSession) process(buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		cmd := s.decodingCommand()
		if cmd == nil {
			n, err := s.codec.unsolicited(buf[off:])
			if err != nil {
				return off, err
			}
			if n == 0 {
				break
			}
			off += n
			continue
		}

		cmd.advance(OpProcessing)
		n, done, err := s.codec.decode(cmd, buf[off:])
		off += n
		if err != nil {
			s.finishDecoding()
			cmd.fail(err)

			var protoErr *ProtocolError
			if errors.As(err, &protoErr) && protoErr.Resync() {
				if !cmd.followsNoReply || s.codec.protocol() != ProtocolText {
					s.log.Error("%s failed on %s: %v", cmd.cmdType, s, err)
					continue
				}
				// The error line may answer one of the noreply commands
				// written before cmd, leaving cmd's own reply still to come.
				return off, newProtocolError(
					false,
					"ambiguous error after noreply commands: %s",
					protoErr.Message)
			}
			return off, err
		}
		if !done {
			break
		}
		s.finishDecoding()
		cmd.resolve()
		s.timeouts.Store(0)
	}
	return off, nil
}

// recordTimeout counts a caller giving up on one of this session's
// commands.  Past the threshold the connection is presumed stuck and is
// closed.
func (s *tcpSession) recordTimeout() {
	if s.timeoutThreshold <= 0 {
		return
	}
	n := int(s.timeouts.Add(1))
	if n <= s.timeoutThreshold {
		return
	}
	s.closeWithError(connectionError(
		s.remote,
		errors.Newf("%d consecutive operation timeouts", n)))
}

func (s *tcpSession) decodingCommand() *Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = s.sent.pop()
	}
	return s.current
}

func (s *tcpSession) finishDecoding() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// closeWithError destroys the session once.  Every command still owned by
// the session fails with ErrSessionClosed and the listener decides about
// reconnecting.
func (s *tcpSession) closeWithError(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.isClosed.Store(true)
		var failed []*Command
		if s.current != nil {
			failed = append(failed, s.current)
			s.current = nil
		}
		failed = append(failed, s.sent.drain()...)
		failed = append(failed, s.pending.drain()...)
		s.mu.Unlock()

		close(s.closeCh)
		_ = s.conn.Close()

		if cause != nil {
			s.log.Warn("Session %s closed: %s", s, errors.GetMessage(cause))
		} else {
			s.log.Debug("Session %s closed", s)
		}

		err := connectionError(s.remote, ErrSessionClosed)
		for _, cmd := range failed {
			cmd.fail(err)
		}

		if s.listener != nil {
			s.listener.sessionClosed(s)
		}
	})
}

// quit asks the server to close the connection, then closes the session.
func (s *tcpSession) quit(ctx context.Context) {
	cmd := newQuitCommand()
	if err := s.write(ctx, cmd); err == nil {
		_ = cmd.Wait(ctx)
	}
	s.setAllowReconnect(false)
	_ = s.Close()
}

// waitClosed blocks until both I/O goroutines have exited.
func (s *tcpSession) waitClosed() {
	s.wg.Wait()
}

// closedSession stands in for a server which could not be reached, so that
// failure mode routing keeps the server's slot.
type closedSession struct {
	addr    *ServerAddress
	remote  string
	standby bool
}

func newClosedSession(addr *ServerAddress, remote string, standby bool) *closedSession {
	return &closedSession{addr: addr, remote: remote, standby: standby}
}

func (s *closedSession) RemoteAddress() string         { return s.remote }
func (s *closedSession) ServerAddress() *ServerAddress { return s.addr }
func (s *closedSession) IsStandby() bool               { return s.standby }
func (s *closedSession) IsClosed() bool                { return true }
func (s *closedSession) Close() error                  { return nil }
func (s *closedSession) authFailed() bool              { return false }
func (s *closedSession) allowReconnect() bool          { return false }
func (s *closedSession) setAllowReconnect(bool)        {}
func (s *closedSession) lastActive() time.Time         { return time.Time{} }

func (s *closedSession) write(ctx context.Context, cmd *Command) error {
	return connectionError(s.remote, ErrSessionClosed)
}
