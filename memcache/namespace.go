package memcache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dropbox/gomc/errors"
)

// The generation of namespace ns is stored under namespaceKeyPrefix + ns.
const namespaceKeyPrefix = "namespace:"

// Rounds of get-then-add before giving up on creating a generation.
const namespaceCreateAttempts = 3

func namespaceKey(ns string) string {
	return namespaceKeyPrefix + ns
}

// namespaceGeneration returns the current generation of ns, creating one
// when the namespace is new (or its generation was evicted).
func namespaceGeneration(ctx context.Context, client Client, ns string) (string, error) {
	key := namespaceKey(ns)
	for i := 0; i < namespaceCreateAttempts; i++ {
		resp := client.Get(ctx, key)
		if err := resp.Error(); err != nil {
			return "", errors.Wrapf(err, "Failed to read namespace %s", ns)
		}
		if resp.Status() == StatusNoError {
			return string(resp.Value()), nil
		}

		generation := strconv.FormatInt(time.Now().UnixNano(), 10)
		added := client.Add(ctx, &Item{Key: key, Value: []byte(generation)})
		switch added.Status() {
		case StatusNoError:
			if err := added.Error(); err != nil {
				return "", errors.Wrapf(err, "Failed to create namespace %s", ns)
			}
			return generation, nil
		case StatusItemNotStored, StatusKeyExists:
			// Lost the race to another creator; read theirs.
		default:
			return "", errors.Wrapf(added.Error(), "Failed to create namespace %s", ns)
		}
	}
	return "", errors.Newf("Namespace %s could not be created", ns)
}

// InvalidateNamespace makes every item stored under ns unreachable by
// advancing the namespace's generation.  The items themselves are left to
// expire or be evicted.
func InvalidateNamespace(ctx context.Context, client Client, ns string) error {
	resp := client.Increment(
		ctx,
		namespaceKey(ns),
		1,
		uint64(time.Now().UnixNano()),
		0)
	if err := resp.Error(); err != nil {
		return errors.Wrapf(err, "Failed to invalidate namespace %s", ns)
	}
	return nil
}

// NewNamespaceClient returns a view of client in which every key is scoped
// to the current generation of ns.  The generation is resolved once: after
// InvalidateNamespace, create a new view to see the fresh namespace.
// Flush, Stat, Version and Verbosity are not scoped.
func NewNamespaceClient(ctx context.Context, client Client, ns string) (Client, error) {
	if ns == "" {
		return nil, errors.New("Empty namespace")
	}
	generation, err := namespaceGeneration(ctx, client, ns)
	if err != nil {
		return nil, err
	}
	return &namespaceClient{
		Client: client,
		prefix: ns + ":" + generation + ":",
	}, nil
}

// WithNamespace runs fn against a view of c scoped to ns.
func (c *MemcachedClient) WithNamespace(
	ctx context.Context,
	ns string,
	fn func(client Client) error) error {

	client, err := NewNamespaceClient(ctx, c, ns)
	if err != nil {
		return err
	}
	return fn(client)
}

type namespaceClient struct {
	Client
	prefix string
}

type namespaceGetResponse struct {
	GetResponse
	key string
}

func (r namespaceGetResponse) Key() string { return r.key }

type namespaceMutateResponse struct {
	MutateResponse
	key string
}

func (r namespaceMutateResponse) Key() string { return r.key }

type namespaceCountResponse struct {
	CountResponse
	key string
}

func (r namespaceCountResponse) Key() string { return r.key }

func (c *namespaceClient) scope(key string) string {
	return c.prefix + key
}

func (c *namespaceClient) unscope(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

func (c *namespaceClient) scopeItem(item *Item) *Item {
	if item == nil {
		return nil
	}
	scoped := *item
	scoped.Key = c.scope(item.Key)
	return &scoped
}

func (c *namespaceClient) scopeKeys(keys []string) []string {
	scoped := make([]string, len(keys))
	for i, key := range keys {
		scoped[i] = c.scope(key)
	}
	return scoped
}

func (c *namespaceClient) get(resp GetResponse) GetResponse {
	return namespaceGetResponse{GetResponse: resp, key: c.unscope(resp.Key())}
}

func (c *namespaceClient) getMulti(
	responses map[string]GetResponse) map[string]GetResponse {

	result := make(map[string]GetResponse, len(responses))
	for key, resp := range responses {
		key = c.unscope(key)
		result[key] = namespaceGetResponse{GetResponse: resp, key: key}
	}
	return result
}

func (c *namespaceClient) mutate(resp MutateResponse) MutateResponse {
	return namespaceMutateResponse{MutateResponse: resp, key: c.unscope(resp.Key())}
}

func (c *namespaceClient) mutateMulti(responses []MutateResponse) []MutateResponse {
	result := make([]MutateResponse, len(responses))
	for i, resp := range responses {
		result[i] = c.mutate(resp)
	}
	return result
}

func (c *namespaceClient) count(resp CountResponse) CountResponse {
	return namespaceCountResponse{CountResponse: resp, key: c.unscope(resp.Key())}
}

func (c *namespaceClient) Get(ctx context.Context, key string) GetResponse {
	return c.get(c.Client.Get(ctx, c.scope(key)))
}

func (c *namespaceClient) Gets(ctx context.Context, key string) GetResponse {
	return c.get(c.Client.Gets(ctx, c.scope(key)))
}

func (c *namespaceClient) GetMulti(
	ctx context.Context,
	keys []string) map[string]GetResponse {

	return c.getMulti(c.Client.GetMulti(ctx, c.scopeKeys(keys)))
}

func (c *namespaceClient) GetsMulti(
	ctx context.Context,
	keys []string) map[string]GetResponse {

	return c.getMulti(c.Client.GetsMulti(ctx, c.scopeKeys(keys)))
}

func (c *namespaceClient) GetAndTouch(
	ctx context.Context,
	key string,
	expiration uint32) GetResponse {

	return c.get(c.Client.GetAndTouch(ctx, c.scope(key), expiration))
}

func (c *namespaceClient) Set(ctx context.Context, item *Item) MutateResponse {
	return c.mutate(c.Client.Set(ctx, c.scopeItem(item)))
}

func (c *namespaceClient) SetMulti(ctx context.Context, items []*Item) []MutateResponse {
	scoped := make([]*Item, len(items))
	for i, item := range items {
		scoped[i] = c.scopeItem(item)
	}
	return c.mutateMulti(c.Client.SetMulti(ctx, scoped))
}

func (c *namespaceClient) Add(ctx context.Context, item *Item) MutateResponse {
	return c.mutate(c.Client.Add(ctx, c.scopeItem(item)))
}

func (c *namespaceClient) Replace(ctx context.Context, item *Item) MutateResponse {
	return c.mutate(c.Client.Replace(ctx, c.scopeItem(item)))
}

func (c *namespaceClient) Cas(ctx context.Context, item *Item) MutateResponse {
	return c.mutate(c.Client.Cas(ctx, c.scopeItem(item)))
}

func (c *namespaceClient) Append(
	ctx context.Context,
	key string,
	value []byte) MutateResponse {

	return c.mutate(c.Client.Append(ctx, c.scope(key), value))
}

func (c *namespaceClient) Prepend(
	ctx context.Context,
	key string,
	value []byte) MutateResponse {

	return c.mutate(c.Client.Prepend(ctx, c.scope(key), value))
}

func (c *namespaceClient) Delete(ctx context.Context, key string) MutateResponse {
	return c.mutate(c.Client.Delete(ctx, c.scope(key)))
}

func (c *namespaceClient) DeleteMulti(ctx context.Context, keys []string) []MutateResponse {
	return c.mutateMulti(c.Client.DeleteMulti(ctx, c.scopeKeys(keys)))
}

func (c *namespaceClient) Touch(
	ctx context.Context,
	key string,
	expiration uint32) MutateResponse {

	return c.mutate(c.Client.Touch(ctx, c.scope(key), expiration))
}

func (c *namespaceClient) Increment(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(c.Client.Increment(ctx, c.scope(key), delta, initValue, expiration))
}

func (c *namespaceClient) Decrement(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(c.Client.Decrement(ctx, c.scope(key), delta, initValue, expiration))
}

func (c *namespaceClient) SetNoReply(ctx context.Context, item *Item) error {
	return c.Client.SetNoReply(ctx, c.scopeItem(item))
}

func (c *namespaceClient) AddNoReply(ctx context.Context, item *Item) error {
	return c.Client.AddNoReply(ctx, c.scopeItem(item))
}

func (c *namespaceClient) ReplaceNoReply(ctx context.Context, item *Item) error {
	return c.Client.ReplaceNoReply(ctx, c.scopeItem(item))
}

func (c *namespaceClient) CasNoReply(ctx context.Context, item *Item) error {
	return c.Client.CasNoReply(ctx, c.scopeItem(item))
}

func (c *namespaceClient) AppendNoReply(ctx context.Context, key string, value []byte) error {
	return c.Client.AppendNoReply(ctx, c.scope(key), value)
}

func (c *namespaceClient) PrependNoReply(ctx context.Context, key string, value []byte) error {
	return c.Client.PrependNoReply(ctx, c.scope(key), value)
}

func (c *namespaceClient) DeleteNoReply(ctx context.Context, key string) error {
	return c.Client.DeleteNoReply(ctx, c.scope(key))
}

func (c *namespaceClient) IncrementNoReply(ctx context.Context, key string, delta uint64) error {
	return c.Client.IncrementNoReply(ctx, c.scope(key), delta)
}

func (c *namespaceClient) DecrementNoReply(ctx context.Context, key string, delta uint64) error {
	return c.Client.DecrementNoReply(ctx, c.scope(key), delta)
}
