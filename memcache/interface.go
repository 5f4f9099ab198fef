package memcache

import (
	"context"
)

// An item to be gotten from or stored in a memcache server.
type Item struct {
	// The item's key (the key can be up to 250 bytes maximum).
	Key string

	// The item's value.
	Value []byte

	// Flags are server-opaque flags whose semantics are entirely up to the app.
	Flags uint32

	// aka CAS (check and set) in memcache documentation.
	DataVersionId uint64

	// Expiration is the cache expiration time, in seconds: either a relative
	// time from now (up to 1 month), or an absolute Unix epoch time.
	// Zero means the Item has no expiration time.
	Expiration uint32
}

// A generic response to a memcache request.
type Response interface {
	// This returns the status returned by the memcache server.  When Error()
	// is non-nil, this value may not be valid.
	//
	// NOTE: for requests broadcast to every server (flush, stats, version,
	// verbosity), this returns the first non-StatusNoError encountered.
	Status() ResponseStatus

	// This returns nil when no error is encountered by the client, and the
	// response status returned by the memcache server is StatusNoError.
	// Otherwise, this returns an error.
	//
	// NOTE:
	// 1. For get requests, this also returns nil when the response status
	//    StatusKeyNotFound.
	// 2. For broadcast requests, this returns the first error encountered.
	Error() error
}

// Response returned by Get/Gets/GetAndTouch requests.
type GetResponse interface {
	Response

	// This returns the key for the requested value.
	Key() string

	// This returns the retrieved entry.  The value is nil on a miss.
	Value() []byte

	// This returns the entry's flags value.  The value is only valid when
	// the entry is found.
	Flags() uint32

	// This returns the data version id (aka CAS) for the item.  The value is
	// only valid when the entry is found and was fetched with gets (the
	// binary protocol always returns it).
	DataVersionId() uint64
}

// Response returned by Set/Add/Replace/Cas/Delete/Append/Prepend/Touch
// requests.
type MutateResponse interface {
	Response

	// This returns the input key (useful for SetMulti where operations may be
	// applied out of order).
	Key() string

	// This returns the data version id (aka CAS) for the item.  The text
	// protocol never returns it, and delete always returns zero.
	DataVersionId() uint64
}

// Response returned by Increment/Decrement requests.
type CountResponse interface {
	Response

	// This returns the input key.
	Key() string

	// This returns the resulting count value.  On error status, this returns
	// zero.
	Count() uint64
}

// Response returned by Version request.
type VersionResponse interface {
	Response

	// Server address -> version string, for every server which answered.
	Versions() map[string]string
}

// Response returned by Stat request.
type StatResponse interface {
	Response

	// Server address -> stats key -> stats value.
	Entries() map[string](map[string]string)
}

// Client is the operation surface of a memcache cluster client.  Every call
// is bounded: by ctx's deadline when it has one, otherwise by the configured
// operation timeout.
type Client interface {
	// This retrieves a single entry from memcache.
	Get(ctx context.Context, key string) GetResponse

	// Same as Get, but also fetches the data version id (aka CAS).
	Gets(ctx context.Context, key string) GetResponse

	// Batch version of the Get method.
	GetMulti(ctx context.Context, keys []string) map[string]GetResponse

	// Batch version of the Gets method.
	GetsMulti(ctx context.Context, keys []string) map[string]GetResponse

	// This retrieves a single entry and resets its expiration.
	GetAndTouch(ctx context.Context, key string, expiration uint32) GetResponse

	// This sets a single entry into memcache.  If the item's data version id
	// (aka CAS) is nonzero, the set operation can only succeed if the item
	// exists in memcache and has a same data version id.
	Set(ctx context.Context, item *Item) MutateResponse

	// Batch version of the Set method.  Note that the response entries
	// ordering is undefined (i.e., may not match the input ordering).
	SetMulti(ctx context.Context, items []*Item) []MutateResponse

	// This adds a single entry into memcache.  Note: Add will fail if the
	// item already exist in memcache.
	Add(ctx context.Context, item *Item) MutateResponse

	// This replaces a single entry in memcache.  Note: Replace will fail if
	// the does not exist in memcache.
	Replace(ctx context.Context, item *Item) MutateResponse

	// This stores the item only if its data version id still matches.
	Cas(ctx context.Context, item *Item) MutateResponse

	// This appends the value bytes to the end of an existing entry.
	Append(ctx context.Context, key string, value []byte) MutateResponse

	// This prepends the value bytes to the start of an existing entry.
	Prepend(ctx context.Context, key string, value []byte) MutateResponse

	// This deletes a single entry from memcache.
	Delete(ctx context.Context, key string) MutateResponse

	// Batch version of the Delete method.
	DeleteMulti(ctx context.Context, keys []string) []MutateResponse

	// This resets the expiration of an existing entry.
	Touch(ctx context.Context, key string, expiration uint32) MutateResponse

	// This increments the key's counter by delta.  If the counter does not
	// exist, one of two things may happen:
	// 1. If the expiration value is all one-bits (0xffffffff), the operation
	//    will fail with StatusKeyNotFound.
	// 2. For all other expiration values, the operation will succeed by
	//    seeding the value for this key with the provided initValue to expire
	//    with the provided expiration time.
	Increment(
		ctx context.Context,
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32) CountResponse

	// Same as Increment, but decrementing.  A counter never goes below zero.
	Decrement(
		ctx context.Context,
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32) CountResponse

	// The noreply variants return once the command is queued for writing.
	// They may block while the connection's noreply queue is full.
	SetNoReply(ctx context.Context, item *Item) error
	AddNoReply(ctx context.Context, item *Item) error
	ReplaceNoReply(ctx context.Context, item *Item) error
	CasNoReply(ctx context.Context, item *Item) error
	AppendNoReply(ctx context.Context, key string, value []byte) error
	PrependNoReply(ctx context.Context, key string, value []byte) error
	DeleteNoReply(ctx context.Context, key string) error
	IncrementNoReply(ctx context.Context, key string, delta uint64) error
	DecrementNoReply(ctx context.Context, key string, delta uint64) error

	// This invalidates all existing cache items after expiration number of
	// seconds, on every server.
	Flush(ctx context.Context, expiration uint32) Response

	// Same as Flush, without waiting for the servers' replies.
	FlushNoReply(ctx context.Context, expiration uint32) error

	// This requests the server statistics. When the key is an empty string,
	// the server will respond with a "default" set of statistics information.
	Stat(ctx context.Context, statsKey string) StatResponse

	// This returns the servers' version strings.
	Version(ctx context.Context) VersionResponse

	// This set the verbosity level of the servers.
	Verbosity(ctx context.Context, verbosity uint32) Response
}
