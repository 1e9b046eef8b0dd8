package cache

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
)

const maxBackoff = 500 * time.Millisecond

// Cache is the client interface to a distributed cache. Requests that hit
// buckets in transit are retried until they succeed or the context is done.
type Cache struct {
	processor *Processor
	backoff   time.Duration
}

// NewCache creates a client for the cache the processor serves
func NewCache(processor *Processor) *Cache {
	return &Cache{processor: processor, backoff: processor.config.RetryDelay}
}

// Name returns the cache name
func (c *Cache) Name() string {
	return c.processor.Cache()
}

// do runs a request until it succeeds, fails or the context is done. The
// last retry is reported as ErrRetry when the context expires. When a retry
// names the unfinished buckets only those are sent again and the partial
// results are combined.
func (c *Cache) do(ctx context.Context, req *Request) (*Result, error) {
	delay := c.backoff
	retried := false
	var partial *Result
	for {
		resp, err := c.processor.Execute(ctx, req)
		if err != nil {
			if retried && errors.Is(err, ErrTimeout) {
				return nil, ErrRetry
			}
			return nil, err
		}
		switch resp.Code {
		case ResultSuccess:
			if partial == nil {
				return &resp.Result, nil
			}
			mergeResults(partial, &resp.Result)
			return partial, nil
		case ResultError:
			return nil, &RequestError{Op: req.Op.Kind, Cause: errors.New(resp.Error)}
		}
		if !req.Single && len(resp.Rejected) > 0 {
			if partial == nil {
				partial = &Result{}
			}
			mergeResults(partial, &resp.Result)
			req = req.retryRequest(resp.Rejected)
		}
		retried = true
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrRetry
		case <-timer.C:
		}
		if delay *= 2; delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

func (c *Cache) key(kind OpKind, key string) *Request {
	return newKeyRequest(Operation{Kind: kind}, c.processor.BucketOf, key)
}

func (c *Cache) entry(kind OpKind, key string, value []byte) *Request {
	return newEntryRequest(Operation{Kind: kind}, c.processor.BucketOf, key, value)
}

// Get returns the value for a key
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := c.do(ctx, c.key(OpGet, key))
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Put sets the value for a key and returns the previous value
func (c *Cache) Put(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	res, err := c.do(ctx, c.entry(OpPut, key, value))
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Remove removes a key and returns the value it had
func (c *Cache) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := c.do(ctx, c.key(OpRemove, key))
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Replace sets the value for a key if the key exists. The previous value is
// returned.
func (c *Cache) Replace(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	res, err := c.do(ctx, c.entry(OpReplace, key, value))
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// AtomicReplace sets the value for a key if the current value is the
// expected value
func (c *Cache) AtomicReplace(ctx context.Context, key string, expected []byte, value []byte) (bool, error) {
	req := newEntryRequest(Operation{Kind: OpAtomicReplace, Expected: expected}, c.processor.BucketOf, key, value)
	res, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// ContainsKey returns true if the key is in the cache
func (c *Cache) ContainsKey(ctx context.Context, key string) (bool, error) {
	res, err := c.do(ctx, c.key(OpContainsKey, key))
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// Execute runs a registered executable on the entry for a key
func (c *Cache) Execute(ctx context.Context, key string, executable string) (Outcome, error) {
	req := newKeyRequest(Operation{Kind: OpExecute, Executable: executable}, c.processor.BucketOf, key)
	res, err := c.do(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if len(res.Outcomes) == 0 {
		return Outcome{}, &RequestError{Op: OpExecute, Cause: errors.New("no outcome")}
	}
	return res.Outcomes[0], nil
}

// GetAll returns the values for a set of keys. Missing keys are left out.
func (c *Cache) GetAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	res, err := c.do(ctx, newKeySetRequest(Operation{Kind: OpGetAll}, c.processor.BucketOf, keys))
	if err != nil {
		return nil, err
	}
	return entryMap(res.Entries), nil
}

// RemoveAll removes a set of keys and returns the number of keys removed
func (c *Cache) RemoveAll(ctx context.Context, keys []string) (int, error) {
	res, err := c.do(ctx, newKeySetRequest(Operation{Kind: OpRemoveAll}, c.processor.BucketOf, keys))
	if err != nil {
		return 0, err
	}
	return int(res.Count), nil
}

// PutAll sets a set of values
func (c *Cache) PutAll(ctx context.Context, entries map[string][]byte) error {
	list := make([]bucket.Entry, 0, len(entries))
	for k, v := range entries {
		list = append(list, bucket.Entry{Key: k, Value: v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	_, err := c.do(ctx, newEntrySetRequest(Operation{Kind: OpPutAll}, c.processor.BucketOf, list))
	return err
}

func (c *Cache) all(ctx context.Context, op Operation) (*Result, error) {
	return c.do(ctx, newBucketSetRequest(op, c.processor.BucketCount()))
}

// Clear removes every entry and returns the number of entries removed
func (c *Cache) Clear(ctx context.Context) (int, error) {
	res, err := c.all(ctx, Operation{Kind: OpClear})
	if err != nil {
		return 0, err
	}
	return int(res.Count), nil
}

// GetKeySet returns every key, sorted
func (c *Cache) GetKeySet(ctx context.Context) ([]string, error) {
	res, err := c.all(ctx, Operation{Kind: OpGetKeySet})
	if err != nil {
		return nil, err
	}
	sort.Strings(res.Keys)
	return res.Keys, nil
}

// GetEntrySet returns every entry
func (c *Cache) GetEntrySet(ctx context.Context) (map[string][]byte, error) {
	res, err := c.all(ctx, Operation{Kind: OpGetEntrySet})
	if err != nil {
		return nil, err
	}
	return entryMap(res.Entries), nil
}

// Values returns every value in no particular order
func (c *Cache) Values(ctx context.Context) ([][]byte, error) {
	res, err := c.all(ctx, Operation{Kind: OpValues})
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

// ContainsValue returns true if at least one entry has the value
func (c *Cache) ContainsValue(ctx context.Context, value []byte) (bool, error) {
	res, err := c.all(ctx, Operation{Kind: OpContainsValue, Value: value})
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// Size returns the number of entries
func (c *Cache) Size(ctx context.Context) (int, error) {
	res, err := c.all(ctx, Operation{Kind: OpSize})
	if err != nil {
		return 0, err
	}
	return int(res.Count), nil
}

// GetStatistics returns the counters for the primary buckets
func (c *Cache) GetStatistics(ctx context.Context) (bucket.Statistics, error) {
	res, err := c.all(ctx, Operation{Kind: OpGetStatistics})
	if err != nil {
		return bucket.Statistics{}, err
	}
	return res.Stats, nil
}

// ExecuteAll runs a registered executable on every bucket. The filter
// selects the entries the executable gets. An empty filter name selects
// every entry. The outcomes are sorted on bucket number.
func (c *Cache) ExecuteAll(ctx context.Context, executable string, filter string) ([]Outcome, error) {
	res, err := c.all(ctx, Operation{Kind: OpExecuteAll, Executable: executable, Filter: filter})
	if err != nil {
		return nil, err
	}
	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].Bucket < res.Outcomes[j].Bucket })
	return res.Outcomes, nil
}

func entryMap(entries []bucket.Entry) map[string][]byte {
	ret := make(map[string][]byte, len(entries))
	for _, e := range entries {
		ret[e.Key] = e.Value
	}
	return ret
}
