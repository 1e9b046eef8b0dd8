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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/sharding"
	"github.com/stretchr/testify/require"
)

func TestSingleKeyOperations(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 8, 0)
	cluster.addNode("A")
	cluster.waitForStable()
	ctx := testContext(t)
	c := cluster.cache("A")
	assert.Equal(testCache, c.Name())

	_, found, err := c.Get(ctx, "k")
	assert.NoError(err)
	assert.False(found)

	prev, found, err := c.Put(ctx, "k", []byte("1"))
	assert.NoError(err)
	assert.False(found)
	assert.Nil(prev)

	prev, found, err = c.Put(ctx, "k", []byte("2"))
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("1"), prev)

	v, found, err := c.Get(ctx, "k")
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("2"), v)

	ok, err := c.ContainsKey(ctx, "k")
	assert.NoError(err)
	assert.True(ok)

	_, found, err = c.Replace(ctx, "other", []byte("x"))
	assert.NoError(err)
	assert.False(found, "Replace doesn't add keys")
	ok, err = c.ContainsKey(ctx, "other")
	assert.NoError(err)
	assert.False(ok)

	prev, found, err = c.Replace(ctx, "k", []byte("3"))
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("2"), prev)

	ok, err = c.AtomicReplace(ctx, "k", []byte("2"), []byte("4"))
	assert.NoError(err)
	assert.False(ok, "Expected value doesn't match")

	ok, err = c.AtomicReplace(ctx, "k", []byte("3"), []byte("4"))
	assert.NoError(err)
	assert.True(ok)

	prev, found, err = c.Remove(ctx, "k")
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("4"), prev)

	_, found, err = c.Remove(ctx, "k")
	assert.NoError(err)
	assert.False(found)

	// Empty values are values
	_, _, err = c.Put(ctx, "empty", nil)
	assert.NoError(err)
	v, found, err = c.Get(ctx, "empty")
	assert.NoError(err)
	assert.True(found)
	assert.Empty(v)
}

func TestBucketSetOperations(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 8, 1)
	cluster.addNode("A")
	cluster.addNode("B")
	cluster.waitForStable()
	ctx := testContext(t)
	c := cluster.cache("B")

	entries := make(map[string][]byte)
	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%02d", i)
		keys = append(keys, k)
		entries[k] = []byte(fmt.Sprintf("%d", i))
	}
	assert.NoError(c.PutAll(ctx, entries))

	all, err := c.GetAll(ctx, []string{"key-01", "key-02", "missing"})
	assert.NoError(err)
	assert.Equal(map[string][]byte{"key-01": []byte("1"), "key-02": []byte("2")}, all)

	ks, err := c.GetKeySet(ctx)
	assert.NoError(err)
	assert.Equal(keys, ks)

	values, err := c.Values(ctx)
	assert.NoError(err)
	assert.Len(values, 20)

	ok, err := c.ContainsValue(ctx, []byte("13"))
	assert.NoError(err)
	assert.True(ok)
	ok, err = c.ContainsValue(ctx, []byte("nope"))
	assert.NoError(err)
	assert.False(ok)

	n, err := c.RemoveAll(ctx, []string{"key-00", "key-01", "missing"})
	assert.NoError(err)
	assert.Equal(2, n)

	size, err := c.Size(ctx)
	assert.NoError(err)
	assert.Equal(18, size)

	stats, err := c.GetStatistics(ctx)
	assert.NoError(err)
	assert.Equal(8, stats.Buckets, "Statistics cover the primary buckets")
	assert.Equal(int64(18), stats.Entries)

	n, err = c.Clear(ctx)
	assert.NoError(err)
	assert.Equal(18, n)

	size, err = c.Size(ctx)
	assert.NoError(err)
	assert.Zero(size)

	// Clearing is replicated
	for _, p := range cluster.nodes {
		entries := int64(-1)
		inspect(t, p, func(_ *sharding.Assignment, s *bucket.Store) {
			entries = s.Statistics(1).Entries
		})
		assert.Zero(entries)
	}
}

func TestExecute(t *testing.T) {
	assert := require.New(t)
	x := NewExecutables()
	x.Register("length", func(entries []bucket.Entry) ([]byte, error) {
		total := 0
		for _, e := range entries {
			total += len(e.Value)
		}
		return []byte(fmt.Sprintf("%d", total)), nil
	})
	x.Register("panic", func(entries []bucket.Entry) ([]byte, error) {
		panic("oops")
	})
	x.RegisterFilter("even", func(e bucket.Entry) bool { return len(e.Value)%2 == 0 })

	cluster := newTestCluster(t, 4, 0)
	cluster.tweak = func(cfg *Config) {
		cfg.Executables = x
	}
	cluster.addNode("A")
	cluster.addNode("B")
	cluster.waitForStable()
	ctx := testContext(t)
	c := cluster.cache("A")

	entries := map[string][]byte{
		"a": []byte("1"),
		"b": []byte("22"),
		"c": []byte("333"),
		"d": []byte("4444"),
	}
	assert.NoError(c.PutAll(ctx, entries))

	out, err := c.Execute(ctx, "c", "length")
	assert.NoError(err)
	assert.Equal("c", out.Key)
	assert.Equal([]byte("3"), out.Value)
	assert.Empty(out.Error)

	out, err = c.Execute(ctx, "c", "panic")
	assert.NoError(err, "Executable errors are reported in the outcome")
	assert.NotEmpty(out.Error)

	outcomes, err := c.ExecuteAll(ctx, "length", "")
	assert.NoError(err)
	total := 0
	for i, o := range outcomes {
		assert.Empty(o.Error)
		if i > 0 {
			assert.Greater(o.Bucket, outcomes[i-1].Bucket)
		}
		var n int
		_, err := fmt.Sscanf(string(o.Value), "%d", &n)
		assert.NoError(err)
		total += n
	}
	assert.Equal(10, total)

	outcomes, err = c.ExecuteAll(ctx, "length", "even")
	assert.NoError(err)
	total = 0
	for _, o := range outcomes {
		var n int
		_, err := fmt.Sscanf(string(o.Value), "%d", &n)
		assert.NoError(err)
		total += n
	}
	assert.Equal(6, total, "Only the entries that pass the filter are used")
}

// Retried bucket set requests only resend the buckets that didn't
// complete, so counts cover every attempt
func TestPartialRetryKeepsResults(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 8, 0)
	cluster.tweak = func(cfg *Config) {
		cfg.MaxResplits = 1
	}
	a := cluster.addNode("A")
	cluster.waitForStable()
	ctx := testContext(t)

	var keys []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		keys = append(keys, key)
		_, _, err := cluster.cache("A").Put(ctx, key, []byte("v"))
		assert.NoError(err)
	}

	n := a.BucketOf(keys[0])
	lock := func(locked bool) {
		inspect(t, a, func(_ *sharding.Assignment, s *bucket.Store) {
			s.Get(0, n).SetReconfiguring(locked)
		})
	}
	lock(true)

	type result struct {
		count int
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		count, err := cluster.cache("A").RemoveAll(ctx, keys)
		ch <- result{count, err}
	}()

	time.Sleep(50 * time.Millisecond)
	lock(false)
	res := <-ch
	assert.NoError(res.err)
	assert.Equal(20, res.count)

	size, err := cluster.cache("A").Size(ctx)
	assert.NoError(err)
	assert.Zero(size)
}

type brokenContent struct {
	bucket.Content
}

var errBroken = errors.New("storage is broken")

const brokenKey = "broken"

func (b *brokenContent) Get(key string) ([]byte, bool, error) {
	return nil, false, errBroken
}

func (b *brokenContent) Put(key string, value []byte) ([]byte, bool, error) {
	if key == brokenKey {
		return nil, false, errBroken
	}
	return b.Content.Put(key, value)
}

func brokenContentFactory() (bucket.Content, error) {
	c, err := bucket.NewLRUContent(100)
	if err != nil {
		return nil, err
	}
	return &brokenContent{Content: c}, nil
}

func TestStorageErrorsAreReported(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 4, 0)
	cluster.tweak = func(cfg *Config) {
		cfg.ContentFactory = brokenContentFactory
	}
	cluster.addNode("A")
	cluster.addNode("B")
	cluster.waitForStable()
	ctx := testContext(t)

	for _, address := range []string{"A", "B"} {
		c := cluster.cache(address)
		_, _, err := c.Put(ctx, "key", []byte("value"))
		assert.NoError(err)

		_, _, err = c.Get(ctx, "key")
		assert.Error(err)
		var reqErr *RequestError
		assert.True(errors.As(err, &reqErr))
		assert.Equal(OpGet, reqErr.Op)

		_, err = c.GetAll(ctx, []string{"key", "other"})
		assert.Error(err)

		size, err := c.Size(ctx)
		assert.NoError(err, "Operations that don't read entries still work")
		assert.Equal(1, size)
	}
}

// storageEntries returns every entry a node holds in a storage
func storageEntries(t *testing.T, p *Processor, storage int) map[string][]byte {
	ret := make(map[string][]byte)
	inspect(t, p, func(_ *sharding.Assignment, s *bucket.Store) {
		for _, n := range s.Buckets(storage) {
			s.Get(storage, n).Content().Iterate(func(key string, value []byte) bool {
				ret[key] = value
				return true
			})
		}
	})
	return ret
}

// Entries written before a storage error are copied to the replicas
func TestFailedWritesAreReplicated(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 8, 1)
	cluster.tweak = func(cfg *Config) {
		cfg.ContentFactory = brokenContentFactory
	}
	cluster.addNode("A")
	cluster.addNode("B")
	cluster.waitForStable()
	ctx := testContext(t)

	entries := map[string][]byte{brokenKey: []byte("x")}
	for i := 0; i < 40; i++ {
		entries[fmt.Sprintf("key-%d", i)] = []byte(fmt.Sprintf("value-%d", i))
	}
	err := cluster.cache("A").PutAll(ctx, entries)
	assert.Error(err)
	var reqErr *RequestError
	assert.True(errors.As(err, &reqErr))
	assert.Equal(OpPutAll, reqErr.Op)

	primaries := make(map[string][]byte)
	replicas := make(map[string][]byte)
	for _, address := range []string{"A", "B"} {
		for k, v := range storageEntries(t, cluster.nodes[address], 0) {
			primaries[k] = v
		}
		for k, v := range storageEntries(t, cluster.nodes[address], 1) {
			replicas[k] = v
		}
	}
	assert.NotEmpty(primaries)
	assert.NotContains(primaries, brokenKey)
	assert.Equal(primaries, replicas, "Replicas hold the same entries as the primary buckets")
}

func TestFrontCacheIsInvalidatedByWrites(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 4, 0)
	a := cluster.addNode("A")
	cluster.addNode("B")
	cluster.waitForStable()
	ctx := testContext(t)

	// Find a key that B owns
	var owned []int
	inspect(t, a, func(as *sharding.Assignment, _ *bucket.Store) {
		owned = as.OwnedBuckets(0, "B")
	})
	assert.NotEmpty(owned)
	key := ""
	for i := 0; key == ""; i++ {
		k := fmt.Sprintf("key-%d", i)
		if a.BucketOf(k) == owned[0] {
			key = k
		}
	}

	frontSize := func() int {
		n := -1
		inspect(t, a, func(_ *sharding.Assignment, _ *bucket.Store) {
			n = a.front.len()
		})
		return n
	}

	_, _, err := cluster.cache("B").Put(ctx, key, []byte("first"))
	assert.NoError(err)

	v, found, err := cluster.cache("A").Get(ctx, key)
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("first"), v)
	assert.Equal(1, frontSize(), "Reads from other nodes are kept while leased")

	v, _, err = cluster.cache("A").Get(ctx, key)
	assert.NoError(err)
	assert.Equal([]byte("first"), v)

	_, _, err = cluster.cache("B").Put(ctx, key, []byte("second"))
	assert.NoError(err)
	assert.Equal(0, frontSize(), "Writes to leased buckets invalidate the front cache")

	v, _, err = cluster.cache("A").Get(ctx, key)
	assert.NoError(err)
	assert.Equal([]byte("second"), v)
}
