package memcache

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "gopkg.in/check.v1"

	"github.com/dropbox/gomc/errors"
	. "github.com/dropbox/gomc/gocheck2"
	"github.com/dropbox/gomc/time2"
)

type stateEvent struct {
	connected bool
	address   string
}

type recordingStateListener struct {
	mu     sync.Mutex
	events []stateEvent
}

func (l *recordingStateListener) OnConnected(address string) {
	l.mu.Lock()
	l.events = append(l.events, stateEvent{true, address})
	l.mu.Unlock()
}

func (l *recordingStateListener) OnDisconnected(address string) {
	l.mu.Lock()
	l.events = append(l.events, stateEvent{false, address})
	l.mu.Unlock()
}

func (l *recordingStateListener) seen(event stateEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

type ConnectorSuite struct {
	main    *fakeServer
	standby *fakeServer
	client  *MemcachedClient
}

var _ = Suite(&ConnectorSuite{})

func (s *ConnectorSuite) SetUpTest(c *C) {
	s.main = newFakeServer(c)
	s.standby = newFakeServer(c)
	s.client = nil
}

func (s *ConnectorSuite) TearDownTest(c *C) {
	if s.client != nil {
		s.client.Shutdown(context.Background())
	}
	s.main.close()
	s.standby.close()
}

func (s *ConnectorSuite) TestHealsDroppedSession(c *C) {
	config := newTestConfig(ProtocolText, s.main.addr())
	config.EnableHealSession = true
	s.client = newTestClient(c, config)
	ctx := context.Background()

	c.Assert(s.client.Set(ctx, createTestItem()).Error(), IsNil)
	c.Assert(s.main.accepted.Load(), Equals, int32(1))

	s.main.dropConnections()
	c.Assert(
		eventually(2*time.Second, func() bool { return s.main.accepted.Load() == 2 }),
		IsTrue)

	healed := eventually(2*time.Second, func() bool {
		resp := s.client.Get(ctx, "bar")
		return resp.Error() == nil && string(resp.Value()) == "bar"
	})
	c.Assert(healed, IsTrue)
}

func (s *ConnectorSuite) TestNoHealWhenDisabled(c *C) {
	config := newTestConfig(ProtocolText, s.main.addr())
	config.EnableHealSession = false
	s.client = newTestClient(c, config)
	ctx := context.Background()

	c.Assert(s.client.Set(ctx, createTestItem()).Error(), IsNil)
	s.main.dropConnections()

	// The dead session leaves the routing table and nothing replaces it.
	routed := eventually(time.Second, func() bool {
		_, ok := s.client.Get(ctx, "bar").Error().(*RoutingError)
		return ok
	})
	c.Assert(routed, IsTrue)

	time.Sleep(150 * time.Millisecond)
	c.Assert(s.main.accepted.Load(), Equals, int32(1))
}

func (s *ConnectorSuite) TestFailureModeRoutesToStandby(c *C) {
	config := newTestConfig(ProtocolText, s.main.addr())
	config.EnableHealSession = false
	config.FailureMode = true
	config.Standbys = map[string]string{s.main.addr(): s.standby.addr()}
	s.client = newTestClient(c, config)
	ctx := context.Background()

	c.Assert(eventually(time.Second, func() bool { return s.standby.numConns() == 1 }), IsTrue)

	c.Assert(s.client.Set(ctx, &Item{Key: "k", Value: []byte("main")}).Error(), IsNil)
	c.Assert(s.main.item("k"), NotNil)

	s.main.dropConnections()
	standbyWrite := eventually(time.Second, func() bool {
		item := &Item{Key: "k", Value: []byte("standby")}
		return s.client.Set(ctx, item).Error() == nil && s.standby.item("k") != nil
	})
	c.Assert(standbyWrite, IsTrue)
	c.Assert(string(s.standby.item("k").value), Equals, "standby")
	c.Assert(string(s.main.item("k").value), Equals, "main")
}

func (s *ConnectorSuite) TestFailureModeWithoutStandbyFails(c *C) {
	other := newFakeServer(c)
	defer other.close()

	config := newTestConfig(ProtocolText, s.main.addr(), other.addr())
	config.EnableHealSession = false
	config.FailureMode = true
	s.client = newTestClient(c, config)
	ctx := context.Background()

	keys := testKeys(50)
	before := make(map[string]string)
	for _, key := range keys {
		c.Assert(s.client.Set(ctx, &Item{Key: key, Value: []byte("v")}).Error(), IsNil)
		if s.main.item(key) != nil {
			before[key] = s.main.addr()
		}
	}
	c.Assert(len(before) > 0, IsTrue)

	s.main.dropConnections()
	c.Assert(eventually(time.Second, func() bool {
		for key := range before {
			return IsConnectionError(s.client.Get(ctx, key).Error())
		}
		return false
	}), IsTrue)

	// Keys of the dead server are not rehashed onto the live one.
	for key := range before {
		c.Assert(IsConnectionError(s.client.Get(ctx, key).Error()), IsTrue)
		c.Assert(other.item(key), IsNil)
	}
}

func (s *ConnectorSuite) TestInitialConnectFailureKeepsMember(c *C) {
	addr := s.main.addr()
	s.main.close()

	config := newTestConfig(ProtocolText, addr)
	config.EnableHealSession = false
	config.FailureMode = true
	s.client = newTestClient(c, config)

	c.Assert(s.client.Servers(), HasLen, 1)
	err := s.client.Get(context.Background(), "k").Error()
	c.Assert(IsConnectionError(err), IsTrue)
}

func (s *ConnectorSuite) TestPartialPoolHasNoPlaceholder(c *C) {
	config := newTestConfig(ProtocolText, s.main.addr())
	config.EnableHealSession = false
	config.FailureMode = true
	config.ConnectionPoolSize = 3

	var dials atomic.Int32
	dial := func(ctx context.Context, network string, address string) (net.Conn, error) {
		if dials.Add(1) == 2 {
			return nil, errors.New("connection refused")
		}
		var dialer net.Dialer
		return dialer.DialContext(ctx, network, address)
	}
	client, err := newClient(
		context.Background(), config, time2.DefaultClock, dial, newTestLogger())
	c.Assert(err, IsNil)
	s.client = client

	client.connector.mu.Lock()
	pool := append([]Session(nil), client.connector.sessions[s.main.addr()]...)
	client.connector.mu.Unlock()

	c.Assert(pool, HasLen, 2)
	for _, session := range pool {
		_, placeholder := session.(*closedSession)
		c.Assert(placeholder, IsFalse)
		c.Assert(session.IsClosed(), IsFalse)
	}
	c.Assert(client.Set(context.Background(), createTestItem()).Error(), IsNil)
}

func (s *ConnectorSuite) TestStateListener(c *C) {
	config := newTestConfig(ProtocolText)
	s.client = newTestClient(c, config)
	listener := &recordingStateListener{}
	s.client.AddStateListener(listener)
	ctx := context.Background()

	c.Assert(s.client.AddServer(ctx, s.main.addr()), IsNil)
	c.Assert(listener.seen(stateEvent{true, s.main.addr()}), IsTrue)
	c.Assert(s.client.Servers(), HasLen, 1)
	c.Assert(s.client.AddServer(ctx, s.main.addr()), NotNil)

	c.Assert(s.client.RemoveServer(s.main.addr()), IsNil)
	c.Assert(
		eventually(time.Second, func() bool {
			return listener.seen(stateEvent{false, s.main.addr()})
		}),
		IsTrue)
	c.Assert(s.client.Servers(), HasLen, 0)
	c.Assert(s.client.RemoveServer(s.main.addr()), NotNil)

	_, ok := s.client.Get(ctx, "k").Error().(*RoutingError)
	c.Assert(ok, IsTrue)
}

func (s *ConnectorSuite) TestPoolSize(c *C) {
	config := newTestConfig(ProtocolBinary, s.main.addr())
	config.ConnectionPoolSize = 3
	s.client = newTestClient(c, config)

	c.Assert(eventually(time.Second, func() bool { return s.main.numConns() == 3 }), IsTrue)
	c.Assert(s.client.connector.liveSessions(), HasLen, 3)

	ctx := context.Background()
	for _, key := range testKeys(20) {
		c.Assert(s.client.Set(ctx, &Item{Key: key, Value: []byte(key)}).Error(), IsNil)
	}
	for _, key := range testKeys(20) {
		c.Assert(string(s.client.Get(ctx, key).Value()), Equals, key)
	}
}

func (s *ConnectorSuite) TestShutdownSendsQuit(c *C) {
	config := newTestConfig(ProtocolText, s.main.addr())
	config.QuitOnShutdown = true
	s.client = newTestClient(c, config)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.client.Shutdown(ctx)

	c.Assert(eventually(time.Second, func() bool { return s.main.numConns() == 0 }), IsTrue)
	c.Assert(s.main.received(), DeepEquals, []string{"quit"})
	c.Assert(s.client.Get(ctx, "k").Error(), Equals, ErrShutdown)
}
