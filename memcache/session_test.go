package memcache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/gomc/gocheck2"
)

type recordingListener struct {
	mu     sync.Mutex
	closed []Session
}

func (l *recordingListener) sessionClosed(s Session) {
	l.mu.Lock()
	l.closed = append(l.closed, s)
	l.mu.Unlock()
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.closed)
}

func testSessionOptions(protocol Protocol) *sessionOptions {
	log := newTestLogger()
	return &sessionOptions{
		codec: newProtocolCodec(protocol, log),
		optimizer: &optimizer{
			mergeFactor:         50,
			optimizeGet:         true,
			optimizeMergeBuffer: true,
		},
		maxQueuedNoReply: 16,
		sendBufferSize:   8192,
		readBufferSize:   64,
		writeTimeout:     time.Second,
		log:              log,
	}
}

func dialTestSession(
	c *C,
	server *fakeServer,
	protocol Protocol,
	listener sessionListener) *tcpSession {

	conn, err := net.Dial("tcp", server.addr())
	c.Assert(err, IsNil)

	addr := &ServerAddress{Address: server.addr(), Weight: 1}
	s := newTCPSession(
		conn, server.addr(), addr, false, 0, testSessionOptions(protocol), listener)
	s.start()
	return s
}

type SessionSuite struct {
	server *fakeServer
}

var _ = Suite(&SessionSuite{})

func (s *SessionSuite) SetUpTest(c *C) {
	s.server = newFakeServer(c)
}

func (s *SessionSuite) TearDownTest(c *C) {
	s.server.close()
}

func (s *SessionSuite) testPipelinedFIFO(c *C, protocol Protocol) {
	session := dialTestSession(c, s.server, protocol, nil)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Interleaved stores and gets on one connection: every get must see the
	// store queued right before it.
	const n = 100
	var gets []*Command
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%d", i)
		item := &Item{Key: key, Value: []byte(fmt.Sprintf("value%d", i))}
		c.Assert(session.write(ctx, newStoreCommand(CmdSet, item, i%2 == 0)), IsNil)

		get := newGetCommand(CmdGet, key)
		c.Assert(session.write(ctx, get), IsNil)
		gets = append(gets, get)
	}

	for i, get := range gets {
		c.Assert(get.Wait(ctx), IsNil)
		c.Assert(get.Err(), IsNil)
		c.Assert(string(get.response().Value()), Equals, fmt.Sprintf("value%d", i))
	}
	c.Assert(session.flow.available(), Equals, 16)
}

func (s *SessionSuite) TestTextPipelinedFIFO(c *C) {
	s.testPipelinedFIFO(c, ProtocolText)
}

func (s *SessionSuite) TestBinaryPipelinedFIFO(c *C) {
	s.testPipelinedFIFO(c, ProtocolBinary)
}

func (s *SessionSuite) TestResyncErrorOnlyFailsCurrentCommand(c *C) {
	session := dialTestSession(c, s.server, ProtocolText, nil)
	defer session.Close()
	ctx := context.Background()

	// The fake answers incr on a non-numeric value with CLIENT_ERROR.
	c.Assert(session.write(ctx, newStoreCommand(CmdSet, createTestItem(), false)), IsNil)
	incr := newCounterCommand(CmdIncr, "bar", 1, 0, 0, false)
	c.Assert(session.write(ctx, incr), IsNil)
	get := newGetCommand(CmdGet, "bar")
	c.Assert(session.write(ctx, get), IsNil)

	c.Assert(get.Wait(ctx), IsNil)
	c.Assert(get.Err(), IsNil)
	c.Assert(string(get.response().Value()), Equals, "bar")

	_, ok := incr.Err().(*ProtocolError)
	c.Assert(ok, IsTrue)
	c.Assert(session.IsClosed(), IsFalse)
}

func (s *SessionSuite) TestCloseFailsOutstandingCommands(c *C) {
	listener := &recordingListener{}
	session := dialTestSession(c, s.server, ProtocolText, listener)
	s.server.silent.Store(true)
	ctx := context.Background()

	var cmds []*Command
	for i := 0; i < 5; i++ {
		cmd := newVersionCommand()
		c.Assert(session.write(ctx, cmd), IsNil)
		cmds = append(cmds, cmd)
	}

	// Drop only once the server holds the connection and has read every
	// request, so the close hits commands already on the wire.
	c.Assert(eventually(time.Second, func() bool {
		versions := 0
		for _, req := range s.server.received() {
			if req == "version" {
				versions++
			}
		}
		return s.server.numConns() == 1 && versions == len(cmds)
	}), IsTrue)

	s.server.dropConnections()
	for _, cmd := range cmds {
		select {
		case <-cmd.Done():
		case <-time.After(time.Second):
			c.Fatal("command not failed by session close")
		}
		c.Assert(IsConnectionError(cmd.Err()), IsTrue)
	}

	c.Assert(eventually(time.Second, func() bool { return listener.count() == 1 }), IsTrue)
	c.Assert(session.IsClosed(), IsTrue)
	session.waitClosed()

	// Writes after close fail fast.
	err := session.write(ctx, newVersionCommand())
	c.Assert(IsConnectionError(err), IsTrue)

	// Closing again does not notify twice.
	_ = session.Close()
	c.Assert(listener.count(), Equals, 1)
}

func (s *SessionSuite) TestTimeoutAgainstSilentServer(c *C) {
	session := dialTestSession(c, s.server, ProtocolText, nil)
	defer session.Close()
	s.server.silent.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := roundTrip(ctx, session, newGetCommand(CmdGet, "k"), "get")
	c.Assert(IsTimeout(err), IsTrue)
	c.Assert(time.Since(start), DurationWithin, 90*time.Millisecond, time.Second)
}

func (s *SessionSuite) TestNoReplyCompletesOnWrite(c *C) {
	session := dialTestSession(c, s.server, ProtocolBinary, nil)
	defer session.Close()
	ctx := context.Background()

	cmd := newDeleteCommand("missing", true)
	c.Assert(session.write(ctx, cmd), IsNil)
	c.Assert(cmd.Wait(ctx), IsNil)
	c.Assert(cmd.Err(), IsNil)

	// The server's error reply to the quiet delete is dropped as a stray
	// and does not disturb the next command.
	resp, err := roundTrip(ctx, session, newVersionCommand(), "version")
	c.Assert(err, IsNil)
	c.Assert(resp.Versions()[""], Equals, "1.6.0-fake")
	c.Assert(session.IsClosed(), IsFalse)
}

func (s *SessionSuite) TestErrorAfterNoReplyClosesTextSession(c *C) {
	s.server.noReplyErrors.Store(true)
	session := dialTestSession(c, s.server, ProtocolText, nil)
	defer session.Close()
	ctx := context.Background()

	_, err := roundTrip(
		ctx,
		session,
		newStoreCommand(CmdSet, &Item{Key: "n", Value: []byte("abc")}, false),
		"set")
	c.Assert(err, IsNil)

	// An error reply to a command that expected one leaves the stream usable.
	_, err = roundTrip(
		ctx, session, newCounterCommand(CmdIncr, "n", 1, 0, 0, false), "incr")
	c.Assert(err, NotNil)
	c.Assert(session.IsClosed(), IsFalse)

	// Here the error line answers the noreply incr but would be read as the
	// get's reply.
	incr := newCounterCommand(CmdIncr, "n", 1, 0, 0, true)
	get := newGetCommand(CmdGet, "n")
	c.Assert(session.write(ctx, incr), IsNil)
	c.Assert(session.write(ctx, get), IsNil)

	c.Assert(get.Wait(ctx), IsNil)
	c.Assert(get.Err(), NotNil)
	c.Assert(eventually(time.Second, session.IsClosed), IsTrue)
}

func (s *SessionSuite) TestReplyClearsNoReplyAmbiguity(c *C) {
	s.server.noReplyErrors.Store(true)
	session := dialTestSession(c, s.server, ProtocolText, nil)
	defer session.Close()
	ctx := context.Background()

	c.Assert(session.write(ctx, newDeleteCommand("a", true)), IsNil)
	_, err := roundTrip(ctx, session, newVersionCommand(), "version")
	c.Assert(err, IsNil)

	// No noreply command went out since the version reply.
	_, err = roundTrip(ctx, session, newGetCommand(CmdGet, "k"), "get")
	c.Assert(err, IsNil)
	_, err = roundTrip(
		ctx, session, newCounterCommand(CmdIncr, "k", 1, 0, 0, false), "incr")
	c.Assert(err, IsNil)
	c.Assert(session.IsClosed(), IsFalse)
}

func (s *SessionSuite) TestString(c *C) {
	session := dialTestSession(c, s.server, ProtocolText, nil)
	defer session.Close()
	c.Assert(session.String(), Equals, s.server.addr()+"#main")
}
