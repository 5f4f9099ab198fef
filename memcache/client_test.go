package memcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/gomc/gocheck2"
)

// clientSuite runs the client surface against the fake server.  It is
// embedded once per protocol.
type clientSuite struct {
	protocol Protocol
	server   *fakeServer
	client   *MemcachedClient
	ctx      context.Context
}

type TextClientSuite struct {
	clientSuite
}

type BinaryClientSuite struct {
	clientSuite
}

var _ = Suite(&TextClientSuite{clientSuite{protocol: ProtocolText}})
var _ = Suite(&BinaryClientSuite{clientSuite{protocol: ProtocolBinary}})

func (s *clientSuite) SetUpTest(c *C) {
	s.ctx = context.Background()
	s.server = newFakeServer(c)
	s.client = newTestClient(c, newTestConfig(s.protocol, s.server.addr()))
}

func (s *clientSuite) TearDownTest(c *C) {
	s.client.Shutdown(s.ctx)
	s.server.close()
}

func (s *clientSuite) isBinary() bool {
	return s.protocol == ProtocolBinary
}

func (s *clientSuite) TestGetMiss(c *C) {
	resp := s.client.Get(s.ctx, "missing")
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	c.Assert(resp.Key(), Equals, "missing")
	c.Assert(resp.Value(), IsNil)
}

func (s *clientSuite) TestSetGetDelete(c *C) {
	item := createTestItem()
	resp := s.client.Set(s.ctx, item)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Key(), Equals, item.Key)
	if s.isBinary() {
		c.Assert(resp.DataVersionId(), Not(Equals), uint64(0))
	}

	get := s.client.Get(s.ctx, item.Key)
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Status(), Equals, StatusNoError)
	c.Assert(string(get.Value()), Equals, "bar")
	c.Assert(get.Flags(), Equals, uint32(123))

	del := s.client.Delete(s.ctx, item.Key)
	c.Assert(del.Error(), IsNil)
	c.Assert(s.client.Get(s.ctx, item.Key).Status(), Equals, StatusKeyNotFound)

	del = s.client.Delete(s.ctx, item.Key)
	c.Assert(del.Status(), Equals, StatusKeyNotFound)
	c.Assert(del.Error(), NotNil)
}

func (s *clientSuite) TestEmptyValue(c *C) {
	c.Assert(s.client.Set(s.ctx, &Item{Key: "empty", Value: []byte{}}).Error(), IsNil)
	get := s.client.Get(s.ctx, "empty")
	c.Assert(get.Status(), Equals, StatusNoError)
	c.Assert(get.Value(), DeepEquals, []byte{})

	c.Assert(s.client.Set(s.ctx, &Item{Key: "nil"}).Error(), NotNil)
}

func (s *clientSuite) TestCas(c *C) {
	c.Assert(s.client.Set(s.ctx, createTestItem()).Error(), IsNil)

	gets := s.client.Gets(s.ctx, "bar")
	c.Assert(gets.Error(), IsNil)
	version := gets.DataVersionId()
	c.Assert(version, Not(Equals), uint64(0))

	item := &Item{Key: "bar", Value: []byte("v2"), DataVersionId: version}
	c.Assert(s.client.Cas(s.ctx, item).Error(), IsNil)

	// The version moved on.
	item.Value = []byte("v3")
	resp := s.client.Cas(s.ctx, item)
	c.Assert(resp.Status(), Equals, StatusKeyExists)
	c.Assert(string(s.client.Get(s.ctx, "bar").Value()), Equals, "v2")

	missing := &Item{Key: "missing", Value: []byte("v"), DataVersionId: version}
	c.Assert(s.client.Cas(s.ctx, missing).Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Cas(s.ctx, &Item{Key: "bar", Value: []byte("v")}).Error(), NotNil)
}

func (s *clientSuite) TestAddReplace(c *C) {
	item := createTestItem()
	c.Assert(s.client.Replace(s.ctx, item).Error(), NotNil)
	c.Assert(s.client.Add(s.ctx, item).Error(), IsNil)

	resp := s.client.Add(s.ctx, item)
	c.Assert(resp.Error(), NotNil)
	if s.isBinary() {
		c.Assert(resp.Status(), Equals, StatusKeyExists)
	} else {
		c.Assert(resp.Status(), Equals, StatusItemNotStored)
	}

	item.Value = []byte("replaced")
	c.Assert(s.client.Replace(s.ctx, item).Error(), IsNil)
	c.Assert(string(s.client.Get(s.ctx, item.Key).Value()), Equals, "replaced")

	resp = s.client.Replace(s.ctx, &Item{Key: "missing", Value: []byte("v")})
	if s.isBinary() {
		c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	} else {
		c.Assert(resp.Status(), Equals, StatusItemNotStored)
	}
}

func (s *clientSuite) TestAppendPrepend(c *C) {
	c.Assert(s.client.Append(s.ctx, "k", []byte("x")).Status(), Equals, StatusItemNotStored)

	c.Assert(s.client.Set(s.ctx, &Item{Key: "k", Value: []byte("mid"), Flags: 7}).Error(), IsNil)
	c.Assert(s.client.Append(s.ctx, "k", []byte(">")).Error(), IsNil)
	c.Assert(s.client.Prepend(s.ctx, "k", []byte("<")).Error(), IsNil)

	get := s.client.Get(s.ctx, "k")
	c.Assert(string(get.Value()), Equals, "<mid>")
	c.Assert(get.Flags(), Equals, uint32(7))
}

func (s *clientSuite) TestTouch(c *C) {
	c.Assert(s.client.Touch(s.ctx, "bar", 10).Status(), Equals, StatusKeyNotFound)
	c.Assert(s.client.Set(s.ctx, createTestItem()).Error(), IsNil)
	c.Assert(s.client.Touch(s.ctx, "bar", 10).Error(), IsNil)

	gat := s.client.GetAndTouch(s.ctx, "bar", 10)
	c.Assert(gat.Error(), IsNil)
	c.Assert(string(gat.Value()), Equals, "bar")
	c.Assert(s.client.GetAndTouch(s.ctx, "missing", 10).Status(), Equals, StatusKeyNotFound)
}

func (s *clientSuite) TestIncrementSeeds(c *C) {
	resp := s.client.Increment(s.ctx, "ctr", 5, 10, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(10))
	c.Assert(resp.Key(), Equals, "ctr")

	resp = s.client.Increment(s.ctx, "ctr", 5, 10, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(15))

	resp = s.client.Decrement(s.ctx, "ctr", 100, 0, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(0))

	resp = s.client.Decrement(s.ctx, "other", 1, 3, 0)
	c.Assert(resp.Count(), Equals, uint64(3))
	c.Assert(string(s.client.Get(s.ctx, "other").Value()), Equals, "3")
}

func (s *clientSuite) TestIncrementWithoutSeed(c *C) {
	resp := s.client.Increment(s.ctx, "ctr", 1, 10, noSeedExpiration)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	c.Assert(resp.Error(), NotNil)
	c.Assert(s.client.Get(s.ctx, "ctr").Status(), Equals, StatusKeyNotFound)
}

func (s *clientSuite) TestIncrementNonNumeric(c *C) {
	c.Assert(s.client.Set(s.ctx, createTestItem()).Error(), IsNil)
	resp := s.client.Increment(s.ctx, "bar", 1, 0, 0)
	c.Assert(resp.Error(), NotNil)

	// The connection survives the error reply.
	c.Assert(string(s.client.Get(s.ctx, "bar").Value()), Equals, "bar")
}

func (s *clientSuite) TestMulti(c *C) {
	var items []*Item
	var keys []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%d", i)
		keys = append(keys, key)
		if i%4 != 0 {
			items = append(items, &Item{Key: key, Value: []byte(strconv.Itoa(i))})
		}
	}

	for _, resp := range s.client.SetMulti(s.ctx, items) {
		c.Assert(resp.Error(), IsNil)
	}

	results := s.client.GetMulti(s.ctx, append(keys, "key1"))
	c.Assert(results, HasLen, len(keys))
	for i, key := range keys {
		resp := results[key]
		c.Assert(resp.Error(), IsNil)
		c.Assert(resp.Key(), Equals, key)
		if i%4 == 0 {
			c.Assert(resp.Status(), Equals, StatusKeyNotFound)
		} else {
			c.Assert(string(resp.Value()), Equals, strconv.Itoa(i))
		}
	}

	gets := s.client.GetsMulti(s.ctx, []string{"key1", "key2"})
	c.Assert(gets["key1"].DataVersionId(), Not(Equals), uint64(0))
	c.Assert(gets["key1"].DataVersionId(), Not(Equals), gets["key2"].DataVersionId())

	deletes := s.client.DeleteMulti(s.ctx, keys[:4])
	c.Assert(deletes, HasLen, 4)
	c.Assert(deletes[0].Status(), Equals, StatusKeyNotFound)
	for _, resp := range deletes[1:] {
		c.Assert(resp.Error(), IsNil)
	}
	c.Assert(s.client.Get(s.ctx, "key1").Status(), Equals, StatusKeyNotFound)
}

func (s *clientSuite) TestMultiWithInvalidKey(c *C) {
	results := s.client.GetMulti(s.ctx, []string{"good", "bad key"})
	c.Assert(results["good"].Error(), IsNil)
	c.Assert(results["bad key"].Error(), NotNil)

	responses := s.client.SetMulti(s.ctx, []*Item{
		{Key: "bad key", Value: []byte("v")},
		{Key: "good", Value: []byte("v")},
	})
	c.Assert(responses[0].Error(), NotNil)
	c.Assert(responses[1].Error(), IsNil)
}

func (s *clientSuite) TestNoReplyKeepsOrder(c *C) {
	const n = 200
	for i := 0; i < n; i++ {
		item := &Item{Key: "k", Value: []byte(strconv.Itoa(i))}
		c.Assert(s.client.SetNoReply(s.ctx, item), IsNil)
	}
	c.Assert(string(s.client.Get(s.ctx, "k").Value()), Equals, strconv.Itoa(n-1))

	c.Assert(s.client.AppendNoReply(s.ctx, "k", []byte("!")), IsNil)
	c.Assert(s.client.PrependNoReply(s.ctx, "k", []byte("#")), IsNil)
	c.Assert(s.client.AddNoReply(s.ctx, &Item{Key: "k", Value: []byte("lost")}), IsNil)
	c.Assert(s.client.ReplaceNoReply(s.ctx, &Item{Key: "r", Value: []byte("lost")}), IsNil)
	c.Assert(string(s.client.Get(s.ctx, "k").Value()), Equals, fmt.Sprintf("#%d!", n-1))
	c.Assert(s.client.Get(s.ctx, "r").Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Set(s.ctx, &Item{Key: "ctr", Value: []byte("10")}).Error(), IsNil)
	c.Assert(s.client.IncrementNoReply(s.ctx, "ctr", 5), IsNil)
	c.Assert(s.client.DecrementNoReply(s.ctx, "ctr", 2), IsNil)
	c.Assert(s.client.IncrementNoReply(s.ctx, "unseeded", 1), IsNil)
	c.Assert(string(s.client.Get(s.ctx, "ctr").Value()), Equals, "13")
	c.Assert(s.client.Get(s.ctx, "unseeded").Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.DeleteNoReply(s.ctx, "k"), IsNil)
	c.Assert(s.client.DeleteNoReply(s.ctx, "missing"), IsNil)
	c.Assert(s.client.Get(s.ctx, "k").Status(), Equals, StatusKeyNotFound)
}

func (s *clientSuite) TestBroadcast(c *C) {
	other := newFakeServer(c)
	defer other.close()
	c.Assert(s.client.AddServer(s.ctx, other.addr()), IsNil)
	c.Assert(s.client.Servers(), HasLen, 2)

	for _, key := range testKeys(20) {
		c.Assert(s.client.Set(s.ctx, &Item{Key: key, Value: []byte("v")}).Error(), IsNil)
	}

	version := s.client.Version(s.ctx)
	c.Assert(version.Error(), IsNil)
	c.Assert(version.Versions(), DeepEquals, map[string]string{
		s.server.addr(): "1.6.0-fake",
		other.addr():    "1.6.0-fake",
	})

	stats := s.client.Stat(s.ctx, "")
	c.Assert(stats.Error(), IsNil)
	c.Assert(stats.Entries(), HasLen, 2)
	total := 0
	for _, entries := range stats.Entries() {
		c.Assert(entries["pid"], Equals, "42")
		n, err := strconv.Atoi(entries["curr_items"])
		c.Assert(err, IsNil)
		total += n
	}
	c.Assert(total, Equals, 20)

	items := s.client.StatsItems(s.ctx)
	c.Assert(items.Error(), IsNil)
	c.Assert(items.Entries()[other.addr()]["items:1:number"], Not(Equals), "")

	c.Assert(s.client.Verbosity(s.ctx, 1).Error(), IsNil)

	c.Assert(s.client.Flush(s.ctx, 0).Error(), IsNil)
	for _, key := range testKeys(20) {
		c.Assert(s.client.Get(s.ctx, key).Status(), Equals, StatusKeyNotFound)
	}

	c.Assert(s.client.Set(s.ctx, createTestItem()).Error(), IsNil)
	c.Assert(s.client.FlushNoReply(s.ctx, 0), IsNil)
	flushed := eventually(time.Second, func() bool {
		return s.client.Get(s.ctx, "bar").Status() == StatusKeyNotFound
	})
	c.Assert(flushed, IsTrue)
}

func (s *clientSuite) TestBroadcastReportsDeadServer(c *C) {
	dead := newFakeServer(c)
	addr := dead.addr()
	dead.close()

	c.Assert(s.client.AddServer(s.ctx, addr), NotNil)
	version := s.client.Version(s.ctx)
	c.Assert(IsConnectionError(version.Error()), IsTrue)
	c.Assert(version.Versions()[s.server.addr()], Equals, "1.6.0-fake")
}

func (s *clientSuite) TestKeys(c *C) {
	c.Assert(s.client.Set(s.ctx, &Item{Key: "has space", Value: []byte("v")}).Error(), NotNil)
	c.Assert(s.client.Get(s.ctx, "").Error(), NotNil)
	c.Assert(s.client.Delete(s.ctx, "ctrl\n").Error(), NotNil)
	c.Assert(s.client.Set(s.ctx, nil).Error(), NotNil)

	config := newTestConfig(s.protocol, s.server.addr())
	config.SanitizeKeys = true
	sanitizing := newTestClient(c, config)
	defer sanitizing.Shutdown(s.ctx)

	c.Assert(sanitizing.Set(s.ctx, &Item{Key: "has space", Value: []byte("v")}).Error(), IsNil)
	c.Assert(s.server.item("has+space"), NotNil)

	get := sanitizing.Get(s.ctx, "has space")
	c.Assert(get.Key(), Equals, "has space")
	c.Assert(string(get.Value()), Equals, "v")

	multi := sanitizing.GetMulti(s.ctx, []string{"has space"})
	c.Assert(string(multi["has space"].Value()), Equals, "v")
}

func (s *clientSuite) TestValueHelpers(c *C) {
	t := NewSerializingTranscoder()
	in := map[string]int{"a": 1, "b": 2}
	c.Assert(s.client.SetValue(s.ctx, "doc", in, 0, t), IsNil)

	var out map[string]int
	found, err := s.client.GetValue(s.ctx, "doc", &out, t)
	c.Assert(err, IsNil)
	c.Assert(found, IsTrue)
	c.Assert(out, DeepEquals, in)

	found, err = s.client.GetValue(s.ctx, "missing", &out, t)
	c.Assert(err, IsNil)
	c.Assert(found, IsFalse)
}

func (s *clientSuite) TestOperationTimeout(c *C) {
	s.server.silent.Store(true)
	config := newTestConfig(s.protocol, s.server.addr())
	config.OpTimeout = 100 * time.Millisecond
	slow := newTestClient(c, config)
	defer slow.Shutdown(s.ctx)

	start := time.Now()
	err := slow.Get(s.ctx, "k").Error()
	c.Assert(IsTimeout(err), IsTrue)
	c.Assert(time.Since(start), DurationWithin, 90*time.Millisecond, time.Second)

	// A caller deadline wins over the configured timeout.
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	start = time.Now()
	c.Assert(IsTimeout(slow.Set(ctx, createTestItem()).Error()), IsTrue)
	c.Assert(time.Since(start), DurationWithin, 10*time.Millisecond, 500*time.Millisecond)
}

func (s *clientSuite) TestConsecutiveTimeoutsCloseSession(c *C) {
	s.server.silent.Store(true)
	config := newTestConfig(s.protocol, s.server.addr())
	config.OpTimeout = 30 * time.Millisecond
	config.TimeoutExceptionThreshold = 2
	config.EnableHealSession = false
	slow := newTestClient(c, config)
	defer slow.Shutdown(s.ctx)

	sessions := slow.connector.liveSessions()
	c.Assert(sessions, HasLen, 1)
	session := sessions[0]

	for i := 0; i < 2; i++ {
		c.Assert(IsTimeout(slow.Get(s.ctx, "k").Error()), IsTrue)
	}
	c.Assert(session.IsClosed(), IsFalse)

	c.Assert(IsTimeout(slow.Get(s.ctx, "k").Error()), IsTrue)
	c.Assert(eventually(time.Second, session.IsClosed), IsTrue)
}

func (s *clientSuite) TestTimeoutThresholdDisabled(c *C) {
	s.server.silent.Store(true)
	config := newTestConfig(s.protocol, s.server.addr())
	config.OpTimeout = 20 * time.Millisecond
	config.TimeoutExceptionThreshold = 0
	slow := newTestClient(c, config)
	defer slow.Shutdown(s.ctx)

	sessions := slow.connector.liveSessions()
	c.Assert(sessions, HasLen, 1)
	for i := 0; i < 5; i++ {
		c.Assert(IsTimeout(slow.Get(s.ctx, "k").Error()), IsTrue)
	}
	c.Assert(sessions[0].IsClosed(), IsFalse)
}

func (s *clientSuite) TestReplyResetsTimeoutCount(c *C) {
	config := newTestConfig(s.protocol, s.server.addr())
	config.TimeoutExceptionThreshold = 2
	config.EnableHealSession = false
	client := newTestClient(c, config)
	defer client.Shutdown(s.ctx)

	sessions := client.connector.liveSessions()
	c.Assert(sessions, HasLen, 1)
	session := sessions[0]

	session.recordTimeout()
	session.recordTimeout()
	c.Assert(session.timeouts.Load(), Equals, int32(2))

	c.Assert(client.Get(s.ctx, "k").Error(), IsNil)
	c.Assert(session.timeouts.Load(), Equals, int32(0))

	session.recordTimeout()
	c.Assert(session.IsClosed(), IsFalse)
}

func (s *clientSuite) TestNoReplyBlocksPastOpTimeout(c *C) {
	config := newTestConfig(s.protocol, s.server.addr())
	config.MaxQueuedNoReplyOperations = 1
	config.OpTimeout = 100 * time.Millisecond
	client := newTestClient(c, config)
	defer client.Shutdown(s.ctx)

	sessions := client.connector.liveSessions()
	c.Assert(sessions, HasLen, 1)
	held := newDeleteCommand("held", true)
	c.Assert(sessions[0].flow.acquire(s.ctx, held), IsNil)

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- client.SetNoReply(s.ctx, &Item{Key: "b", Value: []byte("v")})
	}()

	select {
	case err := <-done:
		c.Fatalf("returned while the queue was full: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	held.releasePermit()
	select {
	case err := <-done:
		c.Assert(err, IsNil)
		c.Assert(time.Since(start), DurationWithin, 300*time.Millisecond, 5*time.Second)
	case <-time.After(5 * time.Second):
		c.Fatal("noreply set was not released")
	}

	c.Assert(eventually(time.Second, func() bool {
		return s.server.item("b") != nil
	}), IsTrue)
}

func (s *clientSuite) TestShutdown(c *C) {
	s.client.Shutdown(s.ctx)
	s.client.Shutdown(s.ctx)

	c.Assert(s.client.Get(s.ctx, "k").Error(), Equals, ErrShutdown)
	c.Assert(s.client.SetNoReply(s.ctx, createTestItem()), Equals, ErrShutdown)
	c.Assert(s.client.Version(s.ctx).Error(), Equals, ErrShutdown)
	c.Assert(s.client.FlushNoReply(s.ctx, 0), Equals, ErrShutdown)
	c.Assert(s.client.AddServer(s.ctx, s.server.addr()), NotNil)
}

func (s *clientSuite) TestConcurrentUse(c *C) {
	const workers = 8
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				value := []byte(key)
				if err := s.client.Set(s.ctx, &Item{Key: key, Value: value}).Error(); err != nil {
					errs <- err
					return
				}
				got := s.client.Get(s.ctx, key)
				if string(got.Value()) != key {
					errs <- fmt.Errorf("got %q for %s: %v", got.Value(), key, got.Error())
					return
				}
			}
			errs <- nil
		}(w)
	}
	for w := 0; w < workers; w++ {
		c.Assert(<-errs, IsNil)
	}
}

type AuthSuite struct {
	server *fakeServer
}

var _ = Suite(&AuthSuite{})

func (s *AuthSuite) SetUpTest(c *C) {
	s.server = newFakeServer(c)
	s.server.requireLogin("app", "secret")
}

func (s *AuthSuite) TearDownTest(c *C) {
	s.server.close()
}

func (s *AuthSuite) newClient(c *C, password string) *MemcachedClient {
	config := newTestConfig(ProtocolBinary, s.server.addr())
	config.Auth = map[string]AuthInfo{
		s.server.addr(): {Username: "app", Password: password},
	}
	return newTestClient(c, config)
}

func (s *AuthSuite) TestPlainAuth(c *C) {
	client := s.newClient(c, "secret")
	defer client.Shutdown(context.Background())
	ctx := context.Background()

	c.Assert(client.Set(ctx, createTestItem()).Error(), IsNil)
	c.Assert(string(client.Get(ctx, "bar").Value()), Equals, "bar")
	c.Assert(s.server.received()[0], Equals, "0x21 PLAIN")
}

func (s *AuthSuite) TestRejectedCredentials(c *C) {
	client := s.newClient(c, "wrong")
	defer client.Shutdown(context.Background())

	err := client.Get(context.Background(), "bar").Error()
	authErr, ok := err.(*AuthError)
	c.Assert(ok, IsTrue)
	c.Assert(authErr.Status, Equals, StatusAuthenticationError)
	c.Assert(authErr.Address, Equals, s.server.addr())

	// Nothing but the login reached the server.
	c.Assert(s.server.received(), DeepEquals, []string{"0x21 PLAIN"})
}

func (s *AuthSuite) TestAuthRequiresBinary(c *C) {
	config := newTestConfig(ProtocolText, s.server.addr())
	config.Auth = map[string]AuthInfo{s.server.addr(): {Username: "app"}}
	_, err := newClient(context.Background(), config, nil, nil, newTestLogger())
	c.Assert(err, NotNil)
}
