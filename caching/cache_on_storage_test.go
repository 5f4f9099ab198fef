package caching

import (
	"context"

	. "gopkg.in/check.v1"
)

type CacheOnStorageSuite struct {
	ctx      context.Context
	cache    Storage
	storage  Storage
	combined Storage
}

var _ = Suite(&CacheOnStorageSuite{})

func (s *CacheOnStorageSuite) SetUpTest(c *C) {
	s.ctx = context.Background()
	s.cache = NewLocalMapStorage("cache")
	s.storage = NewLocalMapStorage("storage")
	s.combined = NewCacheOnStorage(s.cache, s.storage, 60)
}

func (s *CacheOnStorageSuite) TestGetCacheHit(c *C) {
	_ = s.cache.Set(s.ctx, testItem("foo", "1"))
	_ = s.storage.Set(s.ctx, testItem("foo", "10"))

	result, err := s.combined.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "1")
}

func (s *CacheOnStorageSuite) TestGetCacheMiss(c *C) {
	_ = s.storage.Set(s.ctx, testItem("foo", "10"))

	result, err := s.combined.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "10")

	// cache populated with the ttl
	result, err = s.cache.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "10")
	c.Assert(result.Expiration, Equals, uint32(60))
}

func (s *CacheOnStorageSuite) TestGetMissEverywhere(c *C) {
	result, err := s.combined.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	c.Assert(result, IsNil)
}

func (s *CacheOnStorageSuite) TestGetMulti(c *C) {
	_ = s.cache.Set(s.ctx, testItem("zzz", "1"))
	_ = s.storage.Set(s.ctx, testItem("foo", "10"))
	_ = s.storage.Set(s.ctx, testItem("zzz", "123"))

	results, err := s.combined.GetMulti(s.ctx, "foo", "bar", "zzz")
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, 3)

	// Cache missed
	assertItem(c, results[0], "foo", "10")

	// Not in either storage
	c.Assert(results[1], IsNil)

	// Cache hit
	assertItem(c, results[2], "zzz", "1")

	// foo inserted into cache
	result, err := s.cache.Get(s.ctx, "foo")
	c.Assert(err, IsNil)
	assertItem(c, result, "foo", "10")

	result, err = s.cache.Get(s.ctx, "bar")
	c.Assert(err, IsNil)
	c.Assert(result, IsNil)
}

func (s *CacheOnStorageSuite) TestSetMulti(c *C) {
	err := s.combined.SetMulti(s.ctx, testItem("foo", "123"), testItem("bar", "321"))
	c.Assert(err, IsNil)

	for _, storage := range []Storage{s.cache, s.storage} {
		results, err := storage.GetMulti(s.ctx, "foo", "bar")
		c.Assert(err, IsNil)
		assertItem(c, results[0], "foo", "123")
		assertItem(c, results[1], "bar", "321")
	}
}

func (s *CacheOnStorageSuite) TestDeleteMulti(c *C) {
	_ = s.combined.SetMulti(
		s.ctx,
		testItem("foo", "123"),
		testItem("bar", "321"),
		testItem("zzz", "213"))

	c.Assert(s.combined.DeleteMulti(s.ctx, "foo", "zzz"), IsNil)
	c.Assert(s.combined.Delete(s.ctx, "bar"), IsNil)

	for _, storage := range []Storage{s.cache, s.storage} {
		results, err := storage.GetMulti(s.ctx, "foo", "bar", "zzz")
		c.Assert(err, IsNil)
		for _, result := range results {
			c.Assert(result, IsNil)
		}
	}
}

func (s *CacheOnStorageSuite) TestFlush(c *C) {
	_ = s.combined.SetMulti(
		s.ctx,
		testItem("foo", "123"),
		testItem("bar", "321"))

	c.Assert(s.combined.Flush(s.ctx), IsNil)

	for _, storage := range []Storage{s.cache, s.storage} {
		result, err := storage.Get(s.ctx, "foo")
		c.Assert(err, IsNil)
		c.Assert(result, IsNil)
	}
}
