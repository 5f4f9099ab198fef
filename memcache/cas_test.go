package memcache

import (
	"context"

	. "gopkg.in/check.v1"

	"github.com/dropbox/gomc/errors"
	. "github.com/dropbox/gomc/gocheck2"
)

type CasSuite struct {
	ctx    context.Context
	client *MockClient
}

var _ = Suite(&CasSuite{})

func (s *CasSuite) SetUpTest(c *C) {
	s.ctx = context.Background()
	s.client = NewMockClient()
	c.Assert(s.client.Set(s.ctx, &Item{Key: "k", Value: []byte("1")}).Error(), IsNil)
}

func appendByte(b byte) CasOperation {
	return func(current *Item) (*Item, error) {
		return &Item{Value: append(append([]byte(nil), current.Value...), b)}, nil
	}
}

func (s *CasSuite) TestCasWithRetry(c *C) {
	resp := CasWithRetry(s.ctx, s.client, "k", 3, appendByte('2'))
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Key(), Equals, "k")
	c.Assert(string(s.client.Get(s.ctx, "k").Value()), Equals, "12")
}

func (s *CasSuite) TestCasWithRetryMissingKey(c *C) {
	called := false
	resp := CasWithRetry(s.ctx, s.client, "missing", 3, func(*Item) (*Item, error) {
		called = true
		return &Item{}, nil
	})
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	c.Assert(called, IsFalse)
}

// racingWriter updates k behind the caller's back on its first n calls.
func (s *CasSuite) racingWriter(n int, calls *int) CasOperation {
	return func(current *Item) (*Item, error) {
		*calls++
		if *calls <= n {
			s.client.Set(s.ctx, &Item{Key: "k", Value: []byte("x")})
		}
		return &Item{Value: append(append([]byte(nil), current.Value...), '!')}, nil
	}
}

func (s *CasSuite) TestCasRetriesAfterConflict(c *C) {
	calls := 0
	resp := CasWithRetry(s.ctx, s.client, "k", 3, s.racingWriter(1, &calls))
	c.Assert(resp.Error(), IsNil)
	c.Assert(calls, Equals, 2)
	c.Assert(string(s.client.Get(s.ctx, "k").Value()), Equals, "x!")
}

func (s *CasSuite) TestCasGivesUpAfterMaxTries(c *C) {
	calls := 0
	resp := CasWithRetry(s.ctx, s.client, "k", 2, s.racingWriter(5, &calls))
	c.Assert(resp.Status(), Equals, StatusKeyExists)
	c.Assert(calls, Equals, 2)

	// Non-positive max tries makes a single attempt.
	calls = 0
	resp = CasWithRetry(s.ctx, s.client, "k", 0, s.racingWriter(5, &calls))
	c.Assert(resp.Status(), Equals, StatusKeyExists)
	c.Assert(calls, Equals, 1)
}

func (s *CasSuite) TestCasOperationError(c *C) {
	resp := CasWithRetry(s.ctx, s.client, "k", 3, func(*Item) (*Item, error) {
		return nil, errors.New("refused")
	})
	c.Assert(resp.Error(), NotNil)
	c.Assert(string(s.client.Get(s.ctx, "k").Value()), Equals, "1")

	resp = CasWithRetry(s.ctx, s.client, "k", 3, func(*Item) (*Item, error) {
		return nil, nil
	})
	c.Assert(resp.Error(), NotNil)
}

func (s *CasSuite) TestCasNoReplyWith(c *C) {
	c.Assert(CasNoReplyWith(s.ctx, s.client, "k", appendByte('3')), IsNil)
	c.Assert(string(s.client.Get(s.ctx, "k").Value()), Equals, "13")

	c.Assert(CasNoReplyWith(s.ctx, s.client, "missing", appendByte('3')), NotNil)
}
