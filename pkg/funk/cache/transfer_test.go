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
	"fmt"
	"testing"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/sharding"
	"github.com/stretchr/testify/require"
)

// Requests for a bucket that is moving are retried and never see a partial
// bucket. Bucket set requests complete once the transfer is done.
func TestGetDuringTransferIsRetried(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 4, 0)
	a := cluster.addNode("A")
	cluster.waitForStable()

	ctx := testContext(t)
	for i := 0; i < 40; i++ {
		_, _, err := cluster.cache("A").Put(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
		assert.NoError(err)
	}

	cluster.net.Hold(TransferResponseMessage)
	b := cluster.addNode("B")

	// Wait until B has installed the buckets. They stay locked on both
	// nodes until the transfer response reaches A.
	var moving []int
	assert.Eventually(func() bool {
		done := false
		ok := inspectOK(b, func(_ *sharding.Assignment, s *bucket.Store) {
			moving = s.Buckets(0)
			if len(moving) != 2 {
				return
			}
			for _, n := range moving {
				if !s.Get(0, n).Reconfiguring() {
					return
				}
			}
			done = true
		})
		return ok && done
	}, 5*time.Second, 5*time.Millisecond)

	key, value := "", []byte(nil)
	for i := 0; i < 40 && key == ""; i++ {
		k := fmt.Sprintf("key-%d", i)
		if a.BucketOf(k) == moving[0] {
			key, value = k, []byte(fmt.Sprintf("value-%d", i))
		}
	}
	assert.NotEmpty(key)

	locked := false
	inspect(t, a, func(_ *sharding.Assignment, s *bucket.Store) {
		locked = s.Get(0, moving[0]).Reconfiguring()
	})
	assert.True(locked)

	for _, p := range []*Processor{a, b} {
		resp, err := p.Execute(ctx, newKeyRequest(Operation{Kind: OpGet}, p.BucketOf, key))
		assert.NoError(err)
		assert.Equal(ResultRetry, resp.Code, "Get on %s during transfer", p.Address())
	}

	shortCtx, done := context.WithTimeout(ctx, 50*time.Millisecond)
	_, _, err := cluster.cache("B").Get(shortCtx, key)
	done()
	assert.Equal(ErrRetry, err)

	sizeCh := make(chan int, 1)
	go func() {
		size, err := cluster.cache("B").Size(ctx)
		if err != nil {
			size = -1
		}
		sizeCh <- size
	}()

	time.Sleep(20 * time.Millisecond)
	cluster.net.Release(TransferResponseMessage)
	cluster.waitForStable()

	assert.Equal(40, <-sizeCh)

	v, found, err := cluster.cache("A").Get(ctx, key)
	assert.NoError(err)
	assert.True(found)
	assert.Equal(value, v)

	var atSource, atDestination *bucket.Bucket
	inspect(t, a, func(_ *sharding.Assignment, s *bucket.Store) {
		atSource = s.Get(0, moving[0])
	})
	size := 0
	inspect(t, b, func(_ *sharding.Assignment, s *bucket.Store) {
		atDestination = s.Get(0, moving[0])
		if atDestination != nil {
			locked = atDestination.Reconfiguring()
			size = atDestination.Content().Size()
		}
	})
	assert.Nil(atSource, "Source no longer has the bucket")
	assert.NotNil(atDestination)
	assert.False(locked)
	assert.NotZero(size)
}

// A node that doesn't know any owners handles everything locally and
// rejects buckets it doesn't have.
func TestUnownedBucketIsRetried(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 8, 0)
	cluster.tweak = func(cfg *Config) {
		cfg.MaxResplits = 2
	}
	p, err := NewProcessor(cluster.config("lonely"), cluster.net, cluster.net)
	assert.NoError(err)
	p.Start()
	defer p.Stop()

	ctx := testContext(t)
	resp, err := p.Execute(ctx, newKeyRequest(Operation{Kind: OpGet}, p.BucketOf, "key"))
	assert.NoError(err)
	assert.Equal(ResultRetry, resp.Code)

	resp, err = p.Execute(ctx, newBucketSetRequest(Operation{Kind: OpSize}, p.BucketCount()))
	assert.NoError(err)
	assert.Equal(ResultRetry, resp.Code, "Rejected buckets are split again until the limit is reached")

	resp, err = p.Execute(ctx, &Request{Op: Operation{Kind: OpSize}})
	assert.NoError(err)
	assert.Equal(ResultSuccess, resp.Code, "Empty requests succeed")
}

// countGroupMessages returns the number of group messages of a kind that
// have been broadcast
func (n *LocalNetwork) countGroupMessages(kind GroupKind) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	ret := 0
	for _, msg := range n.log {
		if msg.Kind == kind {
			ret++
		}
	}
	return ret
}

// Transfers to a node that can't be reached are rejected and the source
// keeps serving the buckets. New transfers to the node are delayed more and
// more until it is reachable again.
func TestTransferToUnreachableNodeIsRejected(t *testing.T) {
	assert := require.New(t)
	cluster := newTestCluster(t, 4, 0)
	cluster.tweak = func(cfg *Config) {
		cfg.MaxTransferAttempts = 2
	}
	a := cluster.addNode("A")
	cluster.waitForStable()

	ctx := testContext(t)
	_, _, err := cluster.cache("A").Put(ctx, "key", []byte("value"))
	assert.NoError(err)

	cluster.net.Disconnect("B")
	b := cluster.addNode("B")

	assert.Eventually(func() bool {
		var delay time.Duration
		ok := inspectOK(a, func(_ *sharding.Assignment, _ *bucket.Store) {
			delay = a.backoff["B"]
		})
		return ok && delay > 0
	}, 5*time.Second, 5*time.Millisecond)

	before := cluster.net.countGroupMessages(BucketTransferRejectedGroupMessage)
	time.Sleep(200 * time.Millisecond)
	rejected := cluster.net.countGroupMessages(BucketTransferRejectedGroupMessage) - before
	assert.Less(rejected, 40, "Transfers to an unreachable node back off")

	var atSource, atDestination []int
	inspect(t, a, func(_ *sharding.Assignment, s *bucket.Store) {
		atSource = s.Buckets(0)
	})
	inspect(t, b, func(_ *sharding.Assignment, s *bucket.Store) {
		atDestination = s.Buckets(0)
	})
	assert.Len(atSource, 4)
	assert.Empty(atDestination)

	v, found, err := cluster.cache("A").Get(ctx, "key")
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("value"), v)

	cluster.net.Reconnect("B")
	cluster.waitForStable()

	var ownedByA, ownedByB []int
	inspect(t, a, func(as *sharding.Assignment, _ *bucket.Store) {
		ownedByA = as.OwnedBuckets(0, "A")
		ownedByB = as.OwnedBuckets(0, "B")
	})
	assert.Len(ownedByA, 2)
	assert.Len(ownedByB, 2)
	v, found, err = cluster.cache("B").Get(ctx, "key")
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]byte("value"), v)

	inspect(t, a, func(_ *sharding.Assignment, _ *bucket.Store) {
		_, ok := a.backoff["B"]
		found = ok
	})
	assert.False(found, "A completed transfer resets the delay")
}
