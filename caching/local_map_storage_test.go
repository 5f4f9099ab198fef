package caching

import (
	"context"

	. "gopkg.in/check.v1"

	"github.com/dropbox/gomc/memcache"
)

func testItem(key string, value string) *memcache.Item {
	return &memcache.Item{Key: key, Value: []byte(value)}
}

func assertItem(c *C, item *memcache.Item, key string, value string) {
	c.Assert(item, NotNil)
	c.Assert(item.Key, Equals, key)
	c.Assert(string(item.Value), Equals, value)
}

type LocalMapStorageSuite struct {
	ctx      context.Context
	localMap *localMapStorage
	storage  Storage
}

var _ = Suite(&LocalMapStorageSuite{})

func (s *LocalMapStorageSuite) SetUpTest(c *C) {
	s.ctx = context.Background()
	s.localMap, s.storage = newLocalMapStorage("test")
}

func (s *LocalMapStorageSuite) TestGet(c *C) {
	_ = s.localMap.set(s.ctx, testItem("foo", "1"))

	result, err := s.storage.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "1")

	result, err = s.storage.Get(s.ctx, "zzz")
	c.Assert(err, IsNil)
	c.Assert(result, IsNil)
}

func (s *LocalMapStorageSuite) TestGetMulti(c *C) {
	_ = s.localMap.set(s.ctx, testItem("foo", "1"))
	_ = s.localMap.set(s.ctx, testItem("bar", "2"))

	results, err := s.storage.GetMulti(s.ctx, "foo", "zzz", "bar")
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, 3)

	assertItem(c, results[0], "foo", "1")
	c.Assert(results[1], IsNil)
	assertItem(c, results[2], "bar", "2")
}

func (s *LocalMapStorageSuite) TestItemsAreCopied(c *C) {
	item := testItem("foo", "abc")
	c.Assert(s.storage.Set(s.ctx, item), IsNil)
	item.Value[0] = 'x'

	result, err := s.storage.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "abc")

	result.Value[0] = 'y'
	result, err = s.storage.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "abc")
}

func (s *LocalMapStorageSuite) TestSetMulti(c *C) {
	err := s.storage.SetMulti(s.ctx, testItem("foo", "1"), testItem("bar", "2"))
	c.Assert(err, IsNil)

	results, err := s.storage.GetMulti(s.ctx, "foo", "bar")
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, 2)
	assertItem(c, results[0], "foo", "1")
	assertItem(c, results[1], "bar", "2")
}

func (s *LocalMapStorageSuite) TestDeleteMulti(c *C) {
	_ = s.storage.SetMulti(
		s.ctx,
		testItem("foo", "1"),
		testItem("bar", "2"),
		testItem("zzz", "3"))

	c.Assert(s.storage.DeleteMulti(s.ctx, "foo", "zzz", "missing"), IsNil)
	results, err := s.storage.GetMulti(s.ctx, "foo", "bar", "zzz")
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, 3)

	c.Assert(results[0], IsNil)
	assertItem(c, results[1], "bar", "2")
	c.Assert(results[2], IsNil)
	c.Assert(s.localMap.size(), Equals, 1)
}

func (s *LocalMapStorageSuite) TestFlush(c *C) {
	_ = s.storage.SetMulti(
		s.ctx,
		testItem("foo", "1"),
		testItem("bar", "2"),
		testItem("zzz", "3"))

	err := s.storage.Flush(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(s.localMap.size(), Equals, 0)
}
