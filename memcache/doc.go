// Package memcache is a pipelined client for a cluster of memcached servers.
//
// Every server gets a small pool of long lived connections (sessions).  A
// session's writer goroutine batches queued commands into as few writes as
// possible and merges runs of single key gets into one multi-key request;
// its reader goroutine decodes responses in the order the commands were
// written.  Both the text and the binary protocol are supported, the latter
// with SASL PLAIN authentication.
//
// Keys are routed by a SessionLocator: modulo (array), consistent hashing
// (ketama), jump hashing or random.  Lost sessions are reconnected in the
// background.  In failure mode a dead server keeps its keys, which are then
// served by the server's standby or fail fast, instead of being rehashed
// onto the remaining servers.
//
// Every call is bounded by its context's deadline, or by Config.OpTimeout
// when the context has none.
package memcache
