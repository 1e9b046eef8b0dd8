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
	"testing"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	assert := require.New(t)

	resp := aggregate(1, "A", nil)
	assert.Equal(ResultSuccess, resp.Code)
	assert.Equal(uint64(1), resp.RequestID)

	ok := []*Response{
		{Code: ResultSuccess, Result: Result{Count: 2, Keys: []string{"a", "b"}}},
		{Code: ResultSuccess, Result: Result{Count: 1, Found: true, Keys: []string{"c"}, LeaseExpiration: 10}},
	}
	resp = aggregate(2, "A", ok)
	assert.Equal(ResultSuccess, resp.Code)
	assert.Equal(int64(3), resp.Result.Count)
	assert.True(resp.Result.Found)
	assert.ElementsMatch([]string{"a", "b", "c"}, resp.Result.Keys)
	assert.Equal(int64(10), resp.Result.LeaseExpiration)

	resp = aggregate(3, "A", append(ok, &Response{Code: ResultInaccessible}))
	assert.Equal(ResultRetry, resp.Code, "Inaccessible nodes are retried")
	assert.Zero(resp.Result.Count, "Partial results are dropped")

	resp = aggregate(5, "A", append(ok, &Response{Code: ResultRetry, Rejected: []int{7, 3}}))
	assert.Equal(ResultRetry, resp.Code)
	assert.Equal(int64(3), resp.Result.Count, "Partial results are kept when the rejected buckets are known")
	assert.Equal([]int{3, 7}, resp.Rejected)

	resp = aggregate(4, "A", []*Response{
		{Code: ResultRetry},
		{Code: ResultError, Error: "broken"},
		{Code: ResultSuccess},
	})
	assert.Equal(ResultError, resp.Code, "Errors win over retries")
	assert.Equal("broken", resp.Error)
}

func TestMergeStatistics(t *testing.T) {
	assert := require.New(t)
	dst := Result{}
	mergeResults(&dst, &Result{Stats: bucket.Statistics{Buckets: 2, Entries: 5, Hits: 1}})
	mergeResults(&dst, &Result{Stats: bucket.Statistics{Buckets: 1, Entries: 1, Misses: 3}})
	assert.Equal(bucket.Statistics{Buckets: 3, Entries: 6, Hits: 1, Misses: 3}, dst.Stats)
}

func TestWaiterKeepsRejectedParts(t *testing.T) {
	assert := require.New(t)
	w := &waiter{parts: partMap([]*Part{{Bucket: 1}, {Bucket: 2}, {Bucket: 3}})}
	w.keepRejected([]int{3, 1, 7})
	assert.Equal([]int{1, 3}, w.bucketNumbers())
	assert.Len(w.remainingParts(), 2)

	w.keepRejected(nil)
	assert.Empty(w.remainingParts())
}

func TestFrontCache(t *testing.T) {
	assert := require.New(t)
	f, err := newFrontCache(2)
	assert.NoError(err)

	f.put("a", 1, []byte("1"), 100)
	f.put("b", 2, []byte("2"), 100)
	v, ok := f.get("a", 50)
	assert.True(ok)
	assert.Equal([]byte("1"), v)

	_, ok = f.get("a", 100)
	assert.False(ok, "Entries expire with the lease")
	assert.Equal(1, f.len())

	f.put("c", 2, []byte("3"), 100)
	f.put("d", 3, []byte("4"), 100)
	assert.Equal(2, f.len(), "Size is bounded")

	assert.Equal(0, f.invalidate(nil))
	assert.Equal(1, f.invalidate([]int{2, 5}))
	_, ok = f.get("c", 0)
	assert.False(ok)
	_, ok = f.get("d", 0)
	assert.True(ok)

	_, err = newFrontCache(0)
	assert.Error(err)
}

func TestExecutables(t *testing.T) {
	assert := require.New(t)
	x := NewExecutables()
	x.Register("count", func(entries []bucket.Entry) ([]byte, error) {
		return []byte{byte(len(entries))}, nil
	})
	x.Register("boom", func(entries []bucket.Entry) ([]byte, error) {
		panic("boom")
	})
	x.Register("fail", func(entries []bucket.Entry) ([]byte, error) {
		return nil, errors.New("fail")
	})
	x.RegisterFilter("short", func(e bucket.Entry) bool { return len(e.Value) < 2 })

	entries := []bucket.Entry{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("22")}}

	v, err := x.run("count", entries)
	assert.NoError(err)
	assert.Equal([]byte{2}, v)

	_, err = x.run("boom", entries)
	assert.Error(err)
	assert.Contains(err.Error(), "panicked")

	_, err = x.run("fail", entries)
	assert.EqualError(err, "fail")

	_, err = x.run("nope", entries)
	assert.Error(err)

	selected, err := x.filter("", entries)
	assert.NoError(err)
	assert.Equal(entries, selected)

	selected, err = x.filter("short", entries)
	assert.NoError(err)
	assert.Equal(entries[:1], selected)

	_, err = x.filter("nope", entries)
	assert.Error(err)
}

func TestMailbox(t *testing.T) {
	assert := require.New(t)
	m := newMailbox()
	assert.True(m.put(1))
	assert.True(m.put(2))
	<-m.notify
	assert.Equal([]interface{}{1, 2}, m.take())
	assert.Empty(m.take())

	m.close()
	assert.False(m.put(3))
	assert.Empty(m.take())
}
