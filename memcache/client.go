package memcache

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rglonek/logger"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/net2"
	"github.com/dropbox/gomc/time2"
)

// MemcachedClient is a pooled, pipelined client for a memcache cluster.  It
// is safe for concurrent use.
type MemcachedClient struct {
	config    *Config
	connector *connector
	metrics   *clientMetrics
	log       *logger.Logger

	mu        sync.Mutex
	nextOrder int

	isShutdown atomic.Bool
}

var _ Client = (*MemcachedClient)(nil)

// New validates config and connects to every configured server.  Servers
// which can not be reached do not fail the call; they are healed in the
// background when EnableHealSession is set.
func New(ctx context.Context, config *Config) (*MemcachedClient, error) {
	if config == nil {
		config = DefaultConfig()
	}
	return newClient(ctx, config, time2.DefaultClock, nil, config.newLogger())
}

func newClient(
	ctx context.Context,
	config *Config,
	clock time2.Clock,
	dial func(ctx context.Context, network string, address string) (net.Conn, error),
	log *logger.Logger) (*MemcachedClient, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}
	addrs, err := config.ServerAddresses()
	if err != nil {
		return nil, err
	}

	dialer := net2.NewDialer(net2.ConnectionOptions{
		DialTimeout:    config.ConnectTimeout,
		NoDelay:        config.TCPNoDelay,
		KeepAlive:      config.TCPKeepAlive,
		UserTimeout:    config.TCPUserTimeout,
		SendBufferSize: config.SendBufferSize,
		ReadBufferSize: config.ReadBufferSize,
		Dial:           dial,
	})

	c := &MemcachedClient{
		config:    config,
		connector: newConnector(config, dialer, clock, log),
		metrics:   newClientMetrics(config.Stats, config.Name),
		log:       log,
		nextOrder: len(addrs),
	}
	c.connector.addStateListener(c.metrics)
	c.connector.start()

	for _, addr := range addrs {
		if err := c.connector.addServer(ctx, addr); err != nil {
			log.Warn("Server %s is unavailable: %s", addr, errors.GetMessage(err))
		}
	}
	log.Info(
		"Started %s client over %d servers (%s protocol, %s locator)",
		config.Name,
		len(addrs),
		config.protocol(),
		config.locatorType())
	return c, nil
}

// AddServer adds a "host:port[,standby...][ weight]" entry to the cluster.
// The server stays a member when the initial connect fails.
func (c *MemcachedClient) AddServer(ctx context.Context, entry string) error {
	c.mu.Lock()
	order := c.nextOrder
	c.nextOrder++
	c.mu.Unlock()

	addr, err := ParseServerAddress(entry, order)
	if err != nil {
		return err
	}
	return c.connector.addServer(ctx, addr)
}

// RemoveServer drops the server with the given main address and closes its
// sessions.
func (c *MemcachedClient) RemoveServer(address string) error {
	return c.connector.removeServer(address)
}

// Servers returns the cluster members in the order they were added.
func (c *MemcachedClient) Servers() []*ServerAddress {
	return c.connector.servers()
}

func (c *MemcachedClient) AddStateListener(listener StateListener) {
	c.connector.addStateListener(listener)
}

// Shutdown closes every session.  ctx bounds the time spent sending quit.
// Calls made after Shutdown fail with ErrShutdown.
func (c *MemcachedClient) Shutdown(ctx context.Context) {
	if !c.isShutdown.CompareAndSwap(false, true) {
		return
	}
	c.connector.close(ctx)
}

// opContext applies the operation timeout to contexts without a deadline.
func (c *MemcachedClient) opContext(
	ctx context.Context) (context.Context, context.CancelFunc) {

	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.OpTimeout)
}

// prepareKey returns the key as sent on the wire.
func (c *MemcachedClient) prepareKey(key string) (string, error) {
	if c.config.SanitizeKeys {
		key = url.QueryEscape(key)
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// send routes and queues cmd.
func (c *MemcachedClient) send(ctx context.Context, cmd *Command) error {
	if c.isShutdown.Load() {
		return ErrShutdown
	}
	_, err := c.connector.send(ctx, cmd)
	if err != nil {
		c.metrics.sendFailed(cmd.cmdType)
	}
	return err
}

// await waits for cmd.  On expiry the command is cancelled if it has not
// been written yet; otherwise it completes in the background.
func (c *MemcachedClient) await(
	ctx context.Context,
	cmd *Command,
	start time.Time) (*genericResponse, error) {

	resp, err := c.wait(ctx, cmd, start)
	c.metrics.observe(cmd.cmdType, resp, err, time.Since(start))
	return resp, err
}

func (c *MemcachedClient) wait(
	ctx context.Context,
	cmd *Command,
	start time.Time) (*genericResponse, error) {

	if err := cmd.Wait(ctx); err != nil {
		cmd.Cancel()
		if cmd.session != nil {
			cmd.session.recordTimeout()
		}
		return nil, &TimeoutError{
			Op:      cmd.cmdType.String(),
			Key:     cmd.key,
			Timeout: time.Since(start),
		}
	}
	if err := cmd.Err(); err != nil {
		return nil, err
	}
	return cmd.response(), nil
}

func (c *MemcachedClient) execute(
	ctx context.Context,
	cmd *Command) (*genericResponse, error) {

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	start := time.Now()
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}
	return c.await(ctx, cmd, start)
}

// withKey returns resp keyed by the caller's key.  Responses may be shared
// between merged waiters, so a differing key gets a copy.
func withKey(resp *genericResponse, key string) *genericResponse {
	if resp.item.Key == key {
		return resp
	}
	clone := *resp
	clone.item.Key = key
	return &clone
}

func (c *MemcachedClient) get(
	ctx context.Context,
	cmdType CommandType,
	key string) GetResponse {

	wireKey, err := c.prepareKey(key)
	if err != nil {
		return NewGetErrorResponse(key, err)
	}
	resp, err := c.execute(ctx, newGetCommand(cmdType, wireKey))
	if err != nil {
		return NewGetErrorResponse(key, err)
	}
	return withKey(resp, key)
}

// See Client interface for documentation.
func (c *MemcachedClient) Get(ctx context.Context, key string) GetResponse {
	return c.get(ctx, CmdGet, key)
}

// See Client interface for documentation.
func (c *MemcachedClient) Gets(ctx context.Context, key string) GetResponse {
	return c.get(ctx, CmdGets, key)
}

type pendingCommand struct {
	key string
	cmd *Command
}

// getMulti queues one get per distinct key before waiting on any of them,
// so that each session's writer merges them into multi-key requests.
func (c *MemcachedClient) getMulti(
	ctx context.Context,
	cmdType CommandType,
	keys []string) map[string]GetResponse {

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	start := time.Now()

	results := make(map[string]GetResponse, len(keys))
	seen := make(map[string]bool, len(keys))
	pending := make([]pendingCommand, 0, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		wireKey, err := c.prepareKey(key)
		if err != nil {
			results[key] = NewGetErrorResponse(key, err)
			continue
		}
		cmd := newGetCommand(cmdType, wireKey)
		if err := c.send(ctx, cmd); err != nil {
			results[key] = NewGetErrorResponse(key, err)
			continue
		}
		pending = append(pending, pendingCommand{key: key, cmd: cmd})
	}

	for _, p := range pending {
		resp, err := c.await(ctx, p.cmd, start)
		if err != nil {
			results[p.key] = NewGetErrorResponse(p.key, err)
			continue
		}
		results[p.key] = withKey(resp, p.key)
	}
	return results
}

// See Client interface for documentation.
func (c *MemcachedClient) GetMulti(
	ctx context.Context,
	keys []string) map[string]GetResponse {

	return c.getMulti(ctx, CmdGet, keys)
}

// See Client interface for documentation.
func (c *MemcachedClient) GetsMulti(
	ctx context.Context,
	keys []string) map[string]GetResponse {

	return c.getMulti(ctx, CmdGets, keys)
}

// See Client interface for documentation.
func (c *MemcachedClient) GetAndTouch(
	ctx context.Context,
	key string,
	expiration uint32) GetResponse {

	wireKey, err := c.prepareKey(key)
	if err != nil {
		return NewGetErrorResponse(key, err)
	}
	resp, err := c.execute(ctx, newGetAndTouchCommand(wireKey, expiration))
	if err != nil {
		return NewGetErrorResponse(key, err)
	}
	return withKey(resp, key)
}

// storeCommand validates item and builds its command with the wire key.
func (c *MemcachedClient) storeCommand(
	cmdType CommandType,
	item *Item,
	noReply bool) (*Command, error) {

	if item == nil {
		return nil, errors.New("Item is nil")
	}
	wireKey, err := c.prepareKey(item.Key)
	if err != nil {
		return nil, err
	}
	if err := validateValue(item.Value); err != nil {
		return nil, err
	}
	if cmdType == CmdCas && item.DataVersionId == 0 {
		return nil, errors.Newf("Cas of key '%s' requires a data version id", item.Key)
	}

	wireItem := *item
	wireItem.Key = wireKey
	return newStoreCommand(cmdType, &wireItem, noReply), nil
}

func itemKey(item *Item) string {
	if item == nil {
		return ""
	}
	return item.Key
}

func (c *MemcachedClient) store(
	ctx context.Context,
	cmdType CommandType,
	item *Item) MutateResponse {

	cmd, err := c.storeCommand(cmdType, item, false)
	if err != nil {
		return NewMutateErrorResponse(itemKey(item), err)
	}
	resp, err := c.execute(ctx, cmd)
	if err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}
	return withKey(resp, item.Key)
}

func (c *MemcachedClient) storeNoReply(
	ctx context.Context,
	cmdType CommandType,
	item *Item) error {

	cmd, err := c.storeCommand(cmdType, item, true)
	if err != nil {
		return err
	}
	return c.send(ctx, cmd)
}

// See Client interface for documentation.
func (c *MemcachedClient) Set(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, CmdSet, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) SetMulti(
	ctx context.Context,
	items []*Item) []MutateResponse {

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	start := time.Now()

	responses := make([]MutateResponse, len(items))
	pending := make([]int, 0, len(items))
	cmds := make([]*Command, len(items))
	for i, item := range items {
		cmd, err := c.storeCommand(CmdSet, item, false)
		if err == nil {
			err = c.send(ctx, cmd)
		}
		if err != nil {
			responses[i] = NewMutateErrorResponse(itemKey(item), err)
			continue
		}
		cmds[i] = cmd
		pending = append(pending, i)
	}

	for _, i := range pending {
		resp, err := c.await(ctx, cmds[i], start)
		if err != nil {
			responses[i] = NewMutateErrorResponse(items[i].Key, err)
			continue
		}
		responses[i] = withKey(resp, items[i].Key)
	}
	return responses
}

// See Client interface for documentation.
func (c *MemcachedClient) Add(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, CmdAdd, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) Replace(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, CmdReplace, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) Cas(ctx context.Context, item *Item) MutateResponse {
	return c.store(ctx, CmdCas, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) CasNoReply(ctx context.Context, item *Item) error {
	return c.storeNoReply(ctx, CmdCas, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) Append(
	ctx context.Context,
	key string,
	value []byte) MutateResponse {

	return c.store(ctx, CmdAppend, &Item{Key: key, Value: value})
}

// See Client interface for documentation.
func (c *MemcachedClient) Prepend(
	ctx context.Context,
	key string,
	value []byte) MutateResponse {

	return c.store(ctx, CmdPrepend, &Item{Key: key, Value: value})
}

// See Client interface for documentation.
func (c *MemcachedClient) Delete(ctx context.Context, key string) MutateResponse {
	wireKey, err := c.prepareKey(key)
	if err != nil {
		return NewMutateErrorResponse(key, err)
	}
	resp, err := c.execute(ctx, newDeleteCommand(wireKey, false))
	if err != nil {
		return NewMutateErrorResponse(key, err)
	}
	return withKey(resp, key)
}

// See Client interface for documentation.
func (c *MemcachedClient) DeleteMulti(
	ctx context.Context,
	keys []string) []MutateResponse {

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	start := time.Now()

	responses := make([]MutateResponse, len(keys))
	cmds := make([]*Command, len(keys))
	for i, key := range keys {
		wireKey, err := c.prepareKey(key)
		if err == nil {
			cmds[i] = newDeleteCommand(wireKey, false)
			err = c.send(ctx, cmds[i])
		}
		if err != nil {
			cmds[i] = nil
			responses[i] = NewMutateErrorResponse(key, err)
		}
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		resp, err := c.await(ctx, cmd, start)
		if err != nil {
			responses[i] = NewMutateErrorResponse(keys[i], err)
			continue
		}
		responses[i] = withKey(resp, keys[i])
	}
	return responses
}

// See Client interface for documentation.
func (c *MemcachedClient) Touch(
	ctx context.Context,
	key string,
	expiration uint32) MutateResponse {

	wireKey, err := c.prepareKey(key)
	if err != nil {
		return NewMutateErrorResponse(key, err)
	}
	resp, err := c.execute(ctx, newTouchCommand(wireKey, expiration, false))
	if err != nil {
		return NewMutateErrorResponse(key, err)
	}
	return withKey(resp, key)
}

// counter runs incr/decr.  The binary protocol seeds missing counters on the
// server.  The text protocol has no seeding, so a miss is followed by an add
// of the initial value, and by one more incr/decr when a concurrent writer
// won the add.
func (c *MemcachedClient) counter(
	ctx context.Context,
	cmdType CommandType,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	wireKey, err := c.prepareKey(key)
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	resp, err := c.execute(
		ctx,
		newCounterCommand(cmdType, wireKey, delta, initValue, expiration, false))
	if err != nil {
		return NewCountErrorResponse(key, err)
	}
	if c.config.protocol() == ProtocolBinary ||
		resp.status != StatusKeyNotFound ||
		expiration == noSeedExpiration {

		return withKey(resp, key)
	}

	seed := &Item{
		Key:        wireKey,
		Value:      strconv.AppendUint(nil, initValue, 10),
		Expiration: expiration,
	}
	added, err := c.execute(ctx, newStoreCommand(CmdAdd, seed, false))
	if err != nil {
		return NewCountErrorResponse(key, err)
	}
	switch added.status {
	case StatusNoError:
		return NewCountResponse(key, StatusNoError, initValue)
	case StatusItemNotStored:
		resp, err = c.execute(
			ctx,
			newCounterCommand(cmdType, wireKey, delta, initValue, expiration, false))
		if err != nil {
			return NewCountErrorResponse(key, err)
		}
		return withKey(resp, key)
	}
	return NewCountResponse(key, added.status, 0)
}

// See Client interface for documentation.
func (c *MemcachedClient) Increment(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.counter(ctx, CmdIncr, key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *MemcachedClient) Decrement(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.counter(ctx, CmdDecr, key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *MemcachedClient) SetNoReply(ctx context.Context, item *Item) error {
	return c.storeNoReply(ctx, CmdSet, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) AddNoReply(ctx context.Context, item *Item) error {
	return c.storeNoReply(ctx, CmdAdd, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) ReplaceNoReply(ctx context.Context, item *Item) error {
	return c.storeNoReply(ctx, CmdReplace, item)
}

// See Client interface for documentation.
func (c *MemcachedClient) AppendNoReply(
	ctx context.Context,
	key string,
	value []byte) error {

	return c.storeNoReply(ctx, CmdAppend, &Item{Key: key, Value: value})
}

// See Client interface for documentation.
func (c *MemcachedClient) PrependNoReply(
	ctx context.Context,
	key string,
	value []byte) error {

	return c.storeNoReply(ctx, CmdPrepend, &Item{Key: key, Value: value})
}

// sendNoReply queues a noreply command.  It blocks while the session's
// noreply queue is full, bounded only by ctx and NoReplyAcquireTimeout.
func (c *MemcachedClient) sendNoReply(ctx context.Context, key string, build func(string) *Command) error {
	wireKey, err := c.prepareKey(key)
	if err != nil {
		return err
	}
	return c.send(ctx, build(wireKey))
}

// See Client interface for documentation.
func (c *MemcachedClient) DeleteNoReply(ctx context.Context, key string) error {
	return c.sendNoReply(ctx, key, func(wireKey string) *Command {
		return newDeleteCommand(wireKey, true)
	})
}

// See Client interface for documentation.
func (c *MemcachedClient) IncrementNoReply(
	ctx context.Context,
	key string,
	delta uint64) error {

	return c.sendNoReply(ctx, key, func(wireKey string) *Command {
		return newCounterCommand(CmdIncr, wireKey, delta, 0, noSeedExpiration, true)
	})
}

// See Client interface for documentation.
func (c *MemcachedClient) DecrementNoReply(
	ctx context.Context,
	key string,
	delta uint64) error {

	return c.sendNoReply(ctx, key, func(wireKey string) *Command {
		return newCounterCommand(CmdDecr, wireKey, delta, 0, noSeedExpiration, true)
	})
}

// broadcast sends one command per cluster member and folds the replies.
func (c *MemcachedClient) broadcast(
	ctx context.Context,
	build func() *Command) *broadcastResponse {

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	start := time.Now()

	result := newBroadcastResponse()
	if c.isShutdown.Load() {
		result.err = ErrShutdown
		return result
	}

	targets := c.connector.broadcastTargets()
	pending := make([]pendingCommand, 0, len(targets))
	for address, s := range targets {
		cmd := build()
		if err := c.connector.sendTo(ctx, s, cmd); err != nil {
			result.add(address, &genericResponse{err: err})
			continue
		}
		pending = append(pending, pendingCommand{key: address, cmd: cmd})
	}

	for _, p := range pending {
		resp, err := c.await(ctx, p.cmd, start)
		if err != nil {
			resp = &genericResponse{err: err}
		}
		result.add(p.key, resp)
	}
	return result
}

// See Client interface for documentation.
func (c *MemcachedClient) Flush(ctx context.Context, expiration uint32) Response {
	return c.broadcast(ctx, func() *Command {
		return newFlushAllCommand(expiration, false)
	})
}

// See Client interface for documentation.
func (c *MemcachedClient) FlushNoReply(ctx context.Context, expiration uint32) error {
	if c.isShutdown.Load() {
		return ErrShutdown
	}

	var firstErr error
	for _, s := range c.connector.broadcastTargets() {
		err := c.connector.sendTo(ctx, s, newFlushAllCommand(expiration, true))
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// See Client interface for documentation.
func (c *MemcachedClient) Stat(ctx context.Context, statsKey string) StatResponse {
	return c.broadcast(ctx, func() *Command {
		return newStatsCommand(statsKey)
	})
}

// StatsItems returns "stats items" of every server.
func (c *MemcachedClient) StatsItems(ctx context.Context) StatResponse {
	return c.Stat(ctx, "items")
}

// See Client interface for documentation.
func (c *MemcachedClient) Version(ctx context.Context) VersionResponse {
	return c.broadcast(ctx, newVersionCommand)
}

// See Client interface for documentation.
func (c *MemcachedClient) Verbosity(ctx context.Context, verbosity uint32) Response {
	return c.broadcast(ctx, func() *Command {
		return newVerbosityCommand(verbosity, false)
	})
}

// GetValue fetches key and decodes it into target.  found is false on a
// miss.
func (c *MemcachedClient) GetValue(
	ctx context.Context,
	key string,
	target interface{},
	transcoder Transcoder) (found bool, err error) {

	resp := c.Get(ctx, key)
	if err := resp.Error(); err != nil {
		return false, err
	}
	if resp.Status() == StatusKeyNotFound {
		return false, nil
	}
	if err := transcoder.Decode(resp.Value(), resp.Flags(), target); err != nil {
		return true, err
	}
	return true, nil
}

// SetValue encodes value and stores it under key.
func (c *MemcachedClient) SetValue(
	ctx context.Context,
	key string,
	value interface{},
	expiration uint32,
	transcoder Transcoder) error {

	data, flags, err := transcoder.Encode(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, &Item{
		Key:        key,
		Value:      data,
		Flags:      flags,
		Expiration: expiration,
	}).Error()
}
