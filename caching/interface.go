// A utility library for building caching layers on top of memcache.
package caching

import (
	"context"

	"github.com/dropbox/gomc/memcache"
)

// A generic key value storage interface.  The storage may be persistent
// (e.g., a database) or volatile (e.g., memcache).  All Storage
// implementations must be thread safe.
type Storage interface {
	// This retrieves a single item from the storage.  A miss returns a nil
	// item and a nil error.
	Get(ctx context.Context, key string) (*memcache.Item, error)

	// This retrieves multiple items from the storage.  The items are returned
	// in the same order as the input keys, with nil entries for misses.
	GetMulti(ctx context.Context, keys ...string) ([]*memcache.Item, error)

	// This stores a single item into the storage.
	Set(ctx context.Context, item *memcache.Item) error

	// This stores multiple items into the storage.
	SetMulti(ctx context.Context, items ...*memcache.Item) error

	// This removes a single item from the storage.  Removing a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// This removes multiple items from the storage.
	DeleteMulti(ctx context.Context, keys ...string) error

	// This wipes all items from the storage.
	Flush(ctx context.Context) error
}
