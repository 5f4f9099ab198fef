package memcache

import (
	"context"

	"github.com/dropbox/gomc/errors"
)

// CasOperation computes the item to store from the current one.  The
// returned item's key and data version id are overwritten with current's.
// Returning an error aborts the update.
type CasOperation func(current *Item) (*Item, error)

// Used when CasWithRetry is given a non-positive maxTries.
const DefaultCasMaxTries = 1

func casCurrent(ctx context.Context, client Client, key string) (*Item, MutateResponse) {
	resp := client.Gets(ctx, key)
	if err := resp.Error(); err != nil {
		return nil, NewMutateErrorResponse(key, err)
	}
	if resp.Status() != StatusNoError {
		return nil, NewMutateResponse(key, resp.Status(), 0)
	}
	return &Item{
		Key:           key,
		Value:         resp.Value(),
		Flags:         resp.Flags(),
		DataVersionId: resp.DataVersionId(),
	}, nil
}

func casNext(current *Item, op CasOperation) (*Item, error) {
	next, err := op(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, errors.Newf("Cas operation on '%s' returned no item", current.Key)
	}
	stored := *next
	stored.Key = current.Key
	stored.DataVersionId = current.DataVersionId
	return &stored, nil
}

// CasWithRetry reads key with gets, applies op and stores the result with
// cas.  When another writer got there first (StatusKeyExists) the cycle is
// repeated, at most maxTries times in total.  A missing key is reported as
// StatusKeyNotFound without calling op.
func CasWithRetry(
	ctx context.Context,
	client Client,
	key string,
	maxTries int,
	op CasOperation) MutateResponse {

	if maxTries <= 0 {
		maxTries = DefaultCasMaxTries
	}

	for tries := 1; ; tries++ {
		current, resp := casCurrent(ctx, client, key)
		if resp != nil {
			return resp
		}
		next, err := casNext(current, op)
		if err != nil {
			return NewMutateErrorResponse(key, err)
		}

		resp = client.Cas(ctx, next)
		if resp.Status() != StatusKeyExists || tries >= maxTries {
			return resp
		}
	}
}

// CasNoReplyWith is the single attempt, noreply form of CasWithRetry: the
// outcome of the cas is not observed, so a lost race is not retried.
func CasNoReplyWith(
	ctx context.Context,
	client Client,
	key string,
	op CasOperation) error {

	current, resp := casCurrent(ctx, client, key)
	if resp != nil {
		return resp.Error()
	}
	next, err := casNext(current, op)
	if err != nil {
		return err
	}
	return client.CasNoReply(ctx, next)
}
