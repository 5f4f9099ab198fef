package memcache

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/rglonek/logger"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/net2"
	"github.com/dropbox/gomc/time2"
)

// StateListener observes session lifecycle.  Callbacks run on internal
// goroutines and must not block.
type StateListener interface {
	OnConnected(address string)
	OnDisconnected(address string)
}

// connector owns every session of a client: it dials them, keeps them in
// per server pools, feeds the locator and heals lost connections.
type connector struct {
	config      *Config
	dialer      *net2.Dialer
	locator     SessionLocator
	sessionOpts *sessionOptions
	monitor     *sessionMonitor
	heartbeat   *heartbeater
	log         *logger.Logger

	mu        sync.Mutex
	sessions  map[string][]Session // main address -> pool
	standbys  map[string][]Session // main address -> standby sessions
	addresses map[string]*ServerAddress
	removed   map[string]bool
	listeners []StateListener
	shutdown  bool
}

func newConnector(
	config *Config,
	dialer *net2.Dialer,
	clock time2.Clock,
	log *logger.Logger) *connector {

	c := &connector{
		config:    config,
		dialer:    dialer,
		locator:   NewSessionLocator(config.locatorType(), config.hashAlgorithm(), config.FailureMode),
		log:       log,
		sessions:  make(map[string][]Session),
		standbys:  make(map[string][]Session),
		addresses: make(map[string]*ServerAddress),
		removed:   make(map[string]bool),
	}
	c.sessionOpts = &sessionOptions{
		codec: newProtocolCodec(config.protocol(), log),
		optimizer: &optimizer{
			mergeFactor:         config.MergeFactor,
			optimizeGet:         config.OptimizeGet,
			optimizeMergeBuffer: config.OptimizeMergeBuffer,
		},
		maxQueuedNoReply:      config.MaxQueuedNoReplyOperations,
		noReplyAcquireTimeout: config.NoReplyAcquireTimeout,
		timeoutThreshold:      config.TimeoutExceptionThreshold,
		sendBufferSize:        net2.DefaultSendBufferSize,
		readBufferSize:        config.ReadBufferSize,
		writeTimeout:          config.OpTimeout,
		log:                   log,
	}
	c.monitor = newSessionMonitor(clock, config.HealSessionInterval, c.reconnect, log)
	c.heartbeat = newHeartbeater(c.liveSessions, config, log)
	return c
}

func (c *connector) start() {
	if c.config.EnableHealSession {
		c.monitor.start()
	}
	if c.config.EnableHeartbeat && c.config.SessionIdleTimeout > 0 {
		c.heartbeat.start()
	}
}

func (c *connector) addStateListener(listener StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

// connect dials one session and, when credentials are configured,
// authenticates it.  A rejected login still returns the session; it is
// marked auth failed and refuses traffic.
func (c *connector) connect(
	ctx context.Context,
	addr *ServerAddress,
	remote string,
	standby bool) (*tcpSession, error) {

	conn, hint, err := c.dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, connectionError(remote, err)
	}

	s := newTCPSession(conn, remote, addr, standby, hint, c.sessionOpts, c)
	s.start()

	if info, ok := c.config.Auth[remote]; ok {
		authCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			authCtx, cancel = context.WithTimeout(ctx, c.config.OpTimeout)
			defer cancel()
		}

		err := authenticate(authCtx, s, &info)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.log.Error("%v", authErr)
		} else if err != nil {
			s.setAllowReconnect(false)
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// addServer connects the server's pool and its standbys.  Slots which could
// not be connected are queued for healing; the first dial error is
// returned.  In failure mode a server with no connected slot is held by a
// closed placeholder.
func (c *connector) addServer(ctx context.Context, addr *ServerAddress) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := c.addresses[addr.Address]; ok {
		c.mu.Unlock()
		return errors.Newf("Server %s has already been added", addr.Address)
	}
	delete(c.removed, addr.Address)
	c.addresses[addr.Address] = addr
	c.mu.Unlock()

	connected, firstErr := c.connectSlots(
		ctx, addr, addr.Address, false, c.config.ConnectionPoolSize)
	if connected == 0 && c.config.FailureMode {
		// Keeps the server's slot in the routing table.
		c.addSession(newClosedSession(addr, addr.Address, false))
	}
	for _, standby := range addr.Standbys {
		_, _ = c.connectSlots(ctx, addr, standby, true, 1)
	}
	return firstErr
}

func (c *connector) connectSlots(
	ctx context.Context,
	addr *ServerAddress,
	remote string,
	standby bool,
	count int) (connected int, firstErr error) {

	for i := 0; i < count; i++ {
		s, err := c.connect(ctx, addr, remote, standby)
		if err != nil {
			if firstErr == nil {
				firstErr = err
				c.log.Warn("Failed to connect to %s: %v", remote, err)
			}
			if c.config.EnableHealSession {
				c.monitor.schedule(&reconnectRequest{
					address: addr,
					remote:  remote,
					standby: standby,
					tries:   1,
				})
			}
			continue
		}
		c.addSession(s)
		connected++
	}
	return connected, firstErr
}

// reconnect serves the session monitor.  Requests for removed servers are
// dropped.
func (c *connector) reconnect(ctx context.Context, req *reconnectRequest) error {
	c.mu.Lock()
	skip := c.shutdown || c.removed[req.address.Address]
	c.mu.Unlock()
	if skip {
		return nil
	}

	s, err := c.connect(ctx, req.address, req.remote, req.standby)
	if err != nil {
		return err
	}
	c.addSession(s)
	return nil
}

func (c *connector) poolsFor(s Session) map[string][]Session {
	if s.IsStandby() {
		return c.standbys
	}
	return c.sessions
}

// addSession registers s.  Closed sessions to the same remote are dropped in
// failure mode, and the oldest session is evicted once the pool is full.
func (c *connector) addSession(s Session) {
	key := s.ServerAddress().Address

	c.mu.Lock()
	if c.shutdown || c.removed[key] {
		c.mu.Unlock()
		s.setAllowReconnect(false)
		_ = s.Close()
		return
	}

	pools := c.poolsFor(s)
	var pool []Session
	var evicted []Session
	count := 0
	for _, existing := range pools[key] {
		if existing.RemoteAddress() == s.RemoteAddress() {
			if existing.IsClosed() && c.config.FailureMode {
				continue
			}
			count++
		}
		pool = append(pool, existing)
	}
	pool = append(pool, s)
	count++

	limit := c.config.ConnectionPoolSize
	if s.IsStandby() {
		limit = 1
	}
	for count > limit {
		for i, existing := range pool {
			if existing.RemoteAddress() == s.RemoteAddress() {
				evicted = append(evicted, existing)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
		count--
	}
	pools[key] = pool
	if !s.IsStandby() {
		c.updateLocatorLocked()
	}
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, old := range evicted {
		old.setAllowReconnect(false)
		_ = old.Close()
	}

	if _, live := s.(*tcpSession); !live {
		return
	}
	c.log.Warn("Add a session: %s", s.RemoteAddress())
	for _, listener := range listeners {
		listener.OnConnected(s.RemoteAddress())
	}
}

func (c *connector) updateLocatorLocked() {
	var all []Session
	for _, pool := range c.sessions {
		all = append(all, pool...)
	}
	c.locator.UpdateSessions(all)
}

// sessionClosed is called once by every session as it closes.
func (c *connector) sessionClosed(s Session) {
	key := s.ServerAddress().Address

	c.mu.Lock()
	removed := c.removed[key]
	if s.IsStandby() || !c.config.FailureMode || removed || c.shutdown {
		pools := c.poolsFor(s)
		pool := pools[key]
		for i, existing := range pool {
			if existing == s {
				pool = append(pool[:i:i], pool[i+1:]...)
				break
			}
		}
		if len(pool) == 0 {
			delete(pools, key)
		} else {
			pools[key] = pool
		}
		if !s.IsStandby() {
			c.updateLocatorLocked()
		}
	}
	heal := s.allowReconnect() &&
		c.config.EnableHealSession &&
		!removed &&
		!c.shutdown
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	c.log.Warn("Remove a session: %s", s.RemoteAddress())
	for _, listener := range listeners {
		listener.OnDisconnected(s.RemoteAddress())
	}

	if heal {
		c.monitor.schedule(&reconnectRequest{
			address: s.ServerAddress(),
			remote:  s.RemoteAddress(),
			standby: s.IsStandby(),
			tries:   1,
		})
	}
}

// removeServer forgets the server, cancels its pending reconnects and closes
// its sessions.
func (c *connector) removeServer(address string) error {
	c.mu.Lock()
	if _, ok := c.addresses[address]; !ok {
		c.mu.Unlock()
		return errors.Newf("Server %s is not a cluster member", address)
	}
	c.removed[address] = true
	delete(c.addresses, address)
	closing := append(c.sessions[address], c.standbys[address]...)
	delete(c.sessions, address)
	delete(c.standbys, address)
	c.updateLocatorLocked()
	c.mu.Unlock()

	c.monitor.purge(address)
	for _, s := range closing {
		s.setAllowReconnect(false)
		_ = s.Close()
	}
	return nil
}

// servers returns the cluster members in configuration order.
func (c *connector) servers() []*ServerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()

	addrs := make([]*ServerAddress, 0, len(c.addresses))
	for _, addr := range c.addresses {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Order < addrs[j].Order
	})
	return addrs
}

// send routes cmd by key and queues it.  It never blocks on I/O, only on
// noreply flow control.
func (c *connector) send(ctx context.Context, cmd *Command) (Session, error) {
	s := c.locator.GetSessionByKey(cmd.key)
	if s == nil {
		return nil, &RoutingError{Key: cmd.key}
	}
	return s, c.sendTo(ctx, s, cmd)
}

// sendTo queues cmd on s, or on one of its standbys when s is down in
// failure mode.
func (c *connector) sendTo(ctx context.Context, s Session, cmd *Command) error {
	if s.IsClosed() && c.config.FailureMode {
		if standby := c.pickStandby(s.ServerAddress().Address); standby != nil {
			s = standby
		}
	}
	if s.IsClosed() {
		return connectionError(s.RemoteAddress(), ErrSessionClosed)
	}
	if s.authFailed() {
		return &AuthError{
			Address:   s.RemoteAddress(),
			Mechanism: saslPlain,
			Status:    StatusAuthenticationError,
		}
	}
	return s.write(ctx, cmd)
}

func (c *connector) pickStandby(address string) Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	var open []Session
	for _, s := range c.standbys[address] {
		if !s.IsClosed() {
			open = append(open, s)
		}
	}
	if len(open) == 0 {
		return nil
	}
	return open[rand.Intn(len(open))]
}

// broadcastTargets returns one session per cluster member, closed when the
// member has no open session.
func (c *connector) broadcastTargets() map[string]Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := make(map[string]Session, len(c.addresses))
	for address, addr := range c.addresses {
		var target Session
		for _, s := range c.sessions[address] {
			if !s.IsClosed() {
				target = s
				break
			}
			if target == nil {
				target = s
			}
		}
		if target == nil {
			target = newClosedSession(addr, address, false)
		}
		targets[address] = target
	}
	return targets
}

func (c *connector) liveSessions() []*tcpSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	var live []*tcpSession
	for _, pools := range []map[string][]Session{c.sessions, c.standbys} {
		for _, pool := range pools {
			for _, s := range pool {
				if tcp, ok := s.(*tcpSession); ok && !tcp.IsClosed() {
					live = append(live, tcp)
				}
			}
		}
	}
	return live
}

// close stops healing and heartbeats, asks every server to quit when
// configured to, then closes all sessions.  ctx bounds the quit phase.
func (c *connector) close(ctx context.Context) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.mu.Unlock()

	c.monitor.stop()
	c.heartbeat.stop()

	sessions := c.liveSessions()
	if c.config.QuitOnShutdown {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *tcpSession) {
				defer wg.Done()
				s.quit(ctx)
			}(s)
		}
		wg.Wait()
	}

	for _, s := range sessions {
		s.setAllowReconnect(false)
		_ = s.Close()
		s.waitClosed()
	}

	c.mu.Lock()
	c.sessions = make(map[string][]Session)
	c.standbys = make(map[string][]Session)
	c.locator.UpdateSessions(nil)
	c.mu.Unlock()
	c.log.Info("Connector shut down")
}
