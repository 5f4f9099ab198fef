package memcache

import (
	"context"
	"strconv"
	"sync"
)

// MockClient is an in-memory Client for tests.  Expiration is ignored.
type MockClient struct {
	data    map[string]*Item
	version uint64
	mutex   sync.Mutex
}

var _ Client = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{data: make(map[string]*Item)}
}

func (c *MockClient) getHelper(key string) *genericResponse {
	if v, ok := c.data[key]; ok {
		return newGetResponse(
			key,
			StatusNoError,
			v.Flags,
			v.Value,
			v.DataVersionId)
	}
	return newGetResponse(key, StatusKeyNotFound, 0, nil, 0)
}

// See Client interface for documentation.
func (c *MockClient) Get(ctx context.Context, key string) GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.getHelper(key)
}

// See Client interface for documentation.
func (c *MockClient) Gets(ctx context.Context, key string) GetResponse {
	return c.Get(ctx, key)
}

// See Client interface for documentation.
func (c *MockClient) GetMulti(ctx context.Context, keys []string) map[string]GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make(map[string]GetResponse)
	for _, key := range keys {
		res[key] = c.getHelper(key)
	}
	return res
}

// See Client interface for documentation.
func (c *MockClient) GetsMulti(ctx context.Context, keys []string) map[string]GetResponse {
	return c.GetMulti(ctx, keys)
}

// See Client interface for documentation.
func (c *MockClient) GetAndTouch(
	ctx context.Context,
	key string,
	expiration uint32) GetResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if v, ok := c.data[key]; ok {
		v.Expiration = expiration
	}
	return c.getHelper(key)
}

func (c *MockClient) put(item *Item) MutateResponse {
	c.version++
	c.data[item.Key] = &Item{
		Key:           item.Key,
		Value:         append([]byte(nil), item.Value...),
		Flags:         item.Flags,
		Expiration:    item.Expiration,
		DataVersionId: c.version,
	}
	return NewMutateResponse(item.Key, StatusNoError, c.version)
}

func (c *MockClient) setHelper(item *Item) MutateResponse {
	existing, ok := c.data[item.Key]
	if item.DataVersionId == 0 ||
		(ok && item.DataVersionId == existing.DataVersionId) {

		return c.put(item)
	} else if !ok {
		return NewMutateResponse(item.Key, StatusKeyNotFound, 0)
	}
	// CAS mismatch
	return NewMutateResponse(item.Key, StatusKeyExists, 0)
}

// See Client interface for documentation.
func (c *MockClient) Set(ctx context.Context, item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.setHelper(item)
}

// See Client interface for documentation.
func (c *MockClient) SetMulti(ctx context.Context, items []*Item) []MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make([]MutateResponse, len(items))
	for i, item := range items {
		res[i] = c.setHelper(item)
	}
	return res
}

// See Client interface for documentation.
func (c *MockClient) Add(ctx context.Context, item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.data[item.Key]; ok {
		return NewMutateResponse(item.Key, StatusItemNotStored, 0)
	}
	return c.put(item)
}

// See Client interface for documentation.
func (c *MockClient) Replace(ctx context.Context, item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.data[item.Key]; !ok {
		return NewMutateResponse(item.Key, StatusItemNotStored, 0)
	}
	return c.setHelper(item)
}

// See Client interface for documentation.
func (c *MockClient) Cas(ctx context.Context, item *Item) MutateResponse {
	if item.DataVersionId == 0 {
		return NewMutateResponse(item.Key, StatusInvalidArguments, 0)
	}
	return c.Set(ctx, item)
}

func (c *MockClient) concat(key string, value []byte, prepend bool) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	existing, ok := c.data[key]
	if !ok {
		return NewMutateResponse(key, StatusItemNotStored, 0)
	}
	item := *existing
	if prepend {
		item.Value = append(append([]byte(nil), value...), existing.Value...)
	} else {
		item.Value = append(append([]byte(nil), existing.Value...), value...)
	}
	return c.put(&item)
}

// See Client interface for documentation.
func (c *MockClient) Append(ctx context.Context, key string, value []byte) MutateResponse {
	return c.concat(key, value, false)
}

// See Client interface for documentation.
func (c *MockClient) Prepend(ctx context.Context, key string, value []byte) MutateResponse {
	return c.concat(key, value, true)
}

// See Client interface for documentation.
func (c *MockClient) Delete(ctx context.Context, key string) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.data[key]; !ok {
		return NewMutateResponse(key, StatusKeyNotFound, 0)
	}
	delete(c.data, key)
	return NewMutateResponse(key, StatusNoError, 0)
}

// See Client interface for documentation.
func (c *MockClient) DeleteMulti(ctx context.Context, keys []string) []MutateResponse {
	res := make([]MutateResponse, len(keys))
	for i, key := range keys {
		res[i] = c.Delete(ctx, key)
	}
	return res
}

// See Client interface for documentation.
func (c *MockClient) Touch(ctx context.Context, key string, expiration uint32) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	v, ok := c.data[key]
	if !ok {
		return NewMutateResponse(key, StatusKeyNotFound, 0)
	}
	v.Expiration = expiration
	return NewMutateResponse(key, StatusNoError, 0)
}

func (c *MockClient) counter(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32,
	decrement bool) CountResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	existing, ok := c.data[key]
	if !ok {
		if expiration == noSeedExpiration {
			return NewCountResponse(key, StatusKeyNotFound, 0)
		}
		c.put(&Item{
			Key:        key,
			Value:      strconv.AppendUint(nil, initValue, 10),
			Expiration: expiration,
		})
		return NewCountResponse(key, StatusNoError, initValue)
	}

	count, err := strconv.ParseUint(string(existing.Value), 10, 64)
	if err != nil {
		return NewCountResponse(key, StatusIncrDecrOnNonNumericValue, 0)
	}
	if !decrement {
		count += delta
	} else if delta > count {
		count = 0
	} else {
		count -= delta
	}

	item := *existing
	item.Value = strconv.AppendUint(nil, count, 10)
	c.put(&item)
	return NewCountResponse(key, StatusNoError, count)
}

// See Client interface for documentation.
func (c *MockClient) Increment(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.counter(key, delta, initValue, expiration, false)
}

// See Client interface for documentation.
func (c *MockClient) Decrement(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.counter(key, delta, initValue, expiration, true)
}

func (c *MockClient) SetNoReply(ctx context.Context, item *Item) error {
	c.Set(ctx, item)
	return nil
}

func (c *MockClient) CasNoReply(ctx context.Context, item *Item) error {
	c.Cas(ctx, item)
	return nil
}

func (c *MockClient) AddNoReply(ctx context.Context, item *Item) error {
	c.Add(ctx, item)
	return nil
}

func (c *MockClient) ReplaceNoReply(ctx context.Context, item *Item) error {
	c.Replace(ctx, item)
	return nil
}

func (c *MockClient) AppendNoReply(ctx context.Context, key string, value []byte) error {
	c.Append(ctx, key, value)
	return nil
}

func (c *MockClient) PrependNoReply(ctx context.Context, key string, value []byte) error {
	c.Prepend(ctx, key, value)
	return nil
}

func (c *MockClient) DeleteNoReply(ctx context.Context, key string) error {
	c.Delete(ctx, key)
	return nil
}

func (c *MockClient) IncrementNoReply(ctx context.Context, key string, delta uint64) error {
	c.counter(key, delta, 0, noSeedExpiration, false)
	return nil
}

func (c *MockClient) DecrementNoReply(ctx context.Context, key string, delta uint64) error {
	c.counter(key, delta, 0, noSeedExpiration, true)
	return nil
}

// See Client interface for documentation.
func (c *MockClient) Flush(ctx context.Context, expiration uint32) Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// TODO: honor a delayed flush instead of clearing immediately.
	c.data = make(map[string]*Item)
	return NewResponse(StatusNoError)
}

func (c *MockClient) FlushNoReply(ctx context.Context, expiration uint32) error {
	c.Flush(ctx, expiration)
	return nil
}

// See Client interface for documentation.
func (c *MockClient) Stat(ctx context.Context, statsKey string) StatResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return NewStatResponse(
		StatusNoError,
		map[string](map[string]string){
			"mock": {"curr_items": strconv.Itoa(len(c.data))},
		})
}

// See Client interface for documentation.
func (c *MockClient) Version(ctx context.Context) VersionResponse {
	return NewVersionResponse(StatusNoError, map[string]string{"mock": "MockServer"})
}

// See Client interface for documentation.
func (c *MockClient) Verbosity(ctx context.Context, verbosity uint32) Response {
	return NewResponse(StatusNoError)
}
