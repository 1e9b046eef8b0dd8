package funk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/cache"
	"github.com/lab5e/gotoolbox/netutils"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordingProposer struct {
	mutex    sync.Mutex
	err      error
	messages []*cache.GroupMessage
}

func (r *recordingProposer) ProposeLocal(msg *cache.GroupMessage) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingProposer) received() []*cache.GroupMessage {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.messages
}

func (r *recordingProposer) fail(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.err = err
}

func newTestTransport(t *testing.T) *GRPCTransport {
	ret := NewGRPCTransport(GRPCServerParameters{Endpoint: "127.0.0.1:0"}, time.Second)
	require.NoError(t, ret.Start())
	t.Cleanup(ret.Stop)
	return ret
}

func TestTransportForward(t *testing.T) {
	assert := require.New(t)
	t1 := newTestTransport(t)
	t2 := newTestTransport(t)

	msg := &cache.GroupMessage{
		Kind:      cache.AddBucketOwnerGroupMessage,
		Cache:     "test",
		Sender:    t1.Endpoint(),
		Addresses: []string{t1.Endpoint()},
	}
	assert.Error(t1.Forward(t2.Endpoint(), msg), "No proposer set")

	proposer := &recordingProposer{}
	t2.SetProposer(proposer)
	assert.NoError(t1.Forward(t2.Endpoint(), msg))
	assert.Len(proposer.received(), 1)
	assert.Equal(msg, proposer.received()[0])

	proposer.fail(ErrNotLeader)
	err := t1.Forward(t2.Endpoint(), msg)
	assert.Error(err)
	assert.Equal(codes.FailedPrecondition, status.Code(err))
}

func TestTransportErrors(t *testing.T) {
	assert := require.New(t)
	t1 := newTestTransport(t)
	t2 := newTestTransport(t)

	env, err := cache.NewEnvelope(cache.DataRequestMessage, "unknown", t1.Endpoint(), t2.Endpoint(), "payload")
	assert.NoError(err)
	err = t1.Send(t2.Endpoint(), env)
	assert.Error(err)
	assert.Equal(codes.NotFound, status.Code(err))

	port, err := netutils.FreeTCPPort()
	assert.NoError(err)
	err = t1.Send(fmt.Sprintf("127.0.0.1:%d", port), env)
	assert.True(errors.Is(err, cache.ErrUnreachable), "Got %v", err)
}

// Two processors that use the gRPC transport for point-to-point messages
func TestTransportCarriesCacheMessages(t *testing.T) {
	assert := require.New(t)
	group := cache.NewLocalNetwork()

	var processors []*cache.Processor
	for i := 0; i < 2; i++ {
		tr := newTestTransport(t)
		cfg := cache.DefaultConfig("test", tr.Endpoint())
		cfg.BucketCount = 8
		cfg.ReplicaCount = 0
		cfg.RetryDelay = 5 * time.Millisecond
		p, err := cache.NewProcessor(cfg, tr, group)
		assert.NoError(err)
		tr.AddProcessor(p)
		group.Attach(p)
		p.Start()
		t.Cleanup(p.Stop)
		processors = append(processors, p)
	}
	for _, p := range processors {
		assert.NoError(group.Broadcast(&cache.GroupMessage{
			Kind:      cache.AddBucketOwnerGroupMessage,
			Cache:     "test",
			Sender:    p.Address(),
			Addresses: []string{p.Address()},
		}))
	}

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	c1 := cache.NewCache(processors[0])
	c2 := cache.NewCache(processors[1])
	for i := 0; i < 20; i++ {
		_, _, err := c1.Put(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
		assert.NoError(err)
	}

	size, err := c2.Size(ctx)
	assert.NoError(err)
	assert.Equal(20, size)

	for i := 0; i < 20; i++ {
		v, found, err := c2.Get(ctx, fmt.Sprintf("key-%d", i))
		assert.NoError(err)
		assert.True(found)
		assert.Equal([]byte(fmt.Sprintf("value-%d", i)), v)
	}
}
