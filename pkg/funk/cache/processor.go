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
	"sync"
	"sync/atomic"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/clock"
	"github.com/lab5e/cachefunk/pkg/funk/metrics"
	"github.com/lab5e/cachefunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

// Messenger sends point-to-point messages to other nodes. Messages to the
// local node are never passed to the messenger.
type Messenger interface {
	Send(to string, env *Envelope) error
}

// Broadcaster sends group messages to every node, including the sender.
// Every node must receive the messages in the same order.
type Broadcaster interface {
	Broadcast(msg *GroupMessage) error
}

// Messages handled by the processor goroutine
type (
	submitMessage struct {
		id    uint64
		req   *Request
		reply chan *Response
	}
	abandonMessage struct {
		id uint64
	}
	envelopeMessage struct {
		env *Envelope
	}
	groupDelivery struct {
		msg *GroupMessage
	}
	responseMessage struct {
		resp *Response
	}
	resplitMessage struct {
		id uint64
	}
	transferRetryMessage struct {
		id uint64
	}
	delayedTransferMessage struct {
		id uint64
	}
	transferResultMessage struct {
		resp transferResponse
	}
	inspectMessage struct {
		fn   func()
		done chan struct{}
	}
)

// Processor is the request processor for a single cache on a node. One
// goroutine handles every message so the bucket ownership assignment and
// the buckets are only touched from that goroutine.
type Processor struct {
	config      Config
	cache       string
	address     string
	messenger   Messenger
	broadcaster Broadcaster
	clock       clock.Clock
	metrics     metrics.Sink

	assignment *sharding.Assignment
	store      *bucket.Store
	front      *frontCache
	bucketOf   sharding.KeyBucketer

	mailbox  *mailbox
	commands []func()
	waiters  map[uint64]*waiter
	outbound map[uint64]*outboundTransfer
	locked   map[lockKey]bool
	delayed  map[uint64]sharding.TransferCommand
	backoff  map[string]time.Duration
	lastID   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewProcessor creates a new processor. The processor won't handle messages
// until it is started.
func NewProcessor(config Config, messenger Messenger, broadcaster Broadcaster) (*Processor, error) {
	if err := config.final(); err != nil {
		return nil, err
	}
	if messenger == nil || broadcaster == nil {
		return nil, errors.New("messenger and broadcaster must be set")
	}
	assignment, err := sharding.NewAssignment(config.Cache, config.BucketCount, config.ReplicaCount)
	if err != nil {
		return nil, err
	}
	ret := &Processor{
		config:      config,
		cache:       config.Cache,
		address:     config.Address,
		messenger:   messenger,
		broadcaster: broadcaster,
		clock:       config.Clock,
		metrics:     config.Metrics,
		assignment:  assignment,
		store:       bucket.NewStore(config.ReplicaCount, config.ContentFactory),
		bucketOf:    sharding.NewKeyBucketer(config.BucketCount),
		mailbox:     newMailbox(),
		waiters:     make(map[uint64]*waiter),
		outbound:    make(map[uint64]*outboundTransfer),
		locked:      make(map[lockKey]bool),
		delayed:     make(map[uint64]sharding.TransferCommand),
		backoff:     make(map[string]time.Duration),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if config.FrontCacheSize > 0 {
		if ret.front, err = newFrontCache(config.FrontCacheSize); err != nil {
			return nil, err
		}
	}
	assignment.AddListener(&commandListener{p: ret})
	return ret, nil
}

// Cache returns the cache name
func (p *Processor) Cache() string {
	return p.cache
}

// Address returns the node address
func (p *Processor) Address() string {
	return p.address
}

// BucketOf returns the bucket for a key
func (p *Processor) BucketOf(key string) int {
	return p.bucketOf(key)
}

// BucketCount returns the number of buckets in the cache
func (p *Processor) BucketCount() int {
	return p.config.BucketCount
}

// Start launches the processor goroutine
func (p *Processor) Start() {
	go p.run()
}

// Stop stops the processor. Client requests that are waiting get an error
// response.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.mailbox.close()
		close(p.stopCh)
	})
	<-p.done
}

// Deliver queues a point-to-point message from another node
func (p *Processor) Deliver(env *Envelope) error {
	if !p.mailbox.put(&envelopeMessage{env: env}) {
		return ErrStopped
	}
	return nil
}

// DeliverGroup queues a group message. Group messages must be delivered in
// the same order on every node.
func (p *Processor) DeliverGroup(msg *GroupMessage) error {
	if !p.mailbox.put(&groupDelivery{msg: msg}) {
		return ErrStopped
	}
	return nil
}

// Execute runs a request and waits for the aggregated response. The
// request is abandoned if the context is done before the response arrives.
func (p *Processor) Execute(ctx context.Context, req *Request) (*Response, error) {
	id := p.newID()
	reply := make(chan *Response, 1)
	if !p.mailbox.put(&submitMessage{id: id, req: req, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-p.done:
		return nil, ErrStopped
	case <-ctx.Done():
		p.mailbox.put(&abandonMessage{id: id})
		return nil, ErrTimeout
	}
}

// Inspect runs a function on the processor goroutine with the assignment
// and the bucket store. Neither may be used after the function returns.
func (p *Processor) Inspect(ctx context.Context, fn func(assignment *sharding.Assignment, store *bucket.Store)) error {
	done := make(chan struct{})
	msg := &inspectMessage{fn: func() { fn(p.assignment, p.store) }, done: done}
	if !p.mailbox.put(msg) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasBucketResponsibilities returns true while this node owns buckets or
// takes part in transfers. A leaving node waits for this to turn false.
func (p *Processor) HasBucketResponsibilities(ctx context.Context) (bool, error) {
	ret := true
	err := p.Inspect(ctx, func(a *sharding.Assignment, _ *bucket.Store) {
		ret = a.HasBucketResponsibilities(p.address)
	})
	return ret, err
}

// MarshalAssignment returns the encoded bucket ownership assignment
func (p *Processor) MarshalAssignment(ctx context.Context) ([]byte, error) {
	var buf []byte
	var merr error
	if err := p.Inspect(ctx, func(a *sharding.Assignment, _ *bucket.Store) {
		buf, merr = a.MarshalBinary()
	}); err != nil {
		return nil, err
	}
	return buf, merr
}

// RestoreAssignment replaces the bucket ownership assignment with an encoded
// one. This is used when a node catches up from a snapshot of the group
// message log.
func (p *Processor) RestoreAssignment(ctx context.Context, buf []byte) error {
	var rerr error
	if err := p.Inspect(ctx, func(a *sharding.Assignment, _ *bucket.Store) {
		rerr = a.UnmarshalBinary(buf)
	}); err != nil {
		return err
	}
	return rerr
}

func (p *Processor) newID() uint64 {
	return atomic.AddUint64(&p.lastID, 1)
}

func (p *Processor) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			p.shutdown()
			return
		case <-p.mailbox.notify:
			for _, item := range p.mailbox.take() {
				p.handle(item)
			}
		}
	}
}

func (p *Processor) handle(item interface{}) {
	switch m := item.(type) {
	case *submitMessage:
		p.handleSubmit(m)
	case *abandonMessage:
		p.handleAbandon(m.id)
	case *envelopeMessage:
		p.handleEnvelope(m.env)
	case *groupDelivery:
		p.handleGroup(m.msg)
	case *responseMessage:
		p.handleResponse(m.resp)
	case *resplitMessage:
		p.handleResplit(m.id)
	case *transferRetryMessage:
		p.handleTransferRetry(m.id)
	case *delayedTransferMessage:
		p.handleDelayedTransfer(m.id)
	case *transferResultMessage:
		p.handleTransferResponse(m.resp)
	case *inspectMessage:
		m.fn()
		close(m.done)
	default:
		log.WithField("message", item).Error("Unknown message type in processor")
	}
	p.runCommands()
}

func (p *Processor) handleEnvelope(env *Envelope) {
	p.clock.Observe(env.Timestamp)
	if env.Cache != p.cache {
		log.WithFields(log.Fields{"cache": env.Cache, "sender": env.Sender}).Warning("Message for another cache")
		return
	}
	switch env.Kind {
	case DataRequestMessage:
		p.handleDataRequest(env)
	case DataResponseMessage:
		resp := &Response{}
		if err := env.Decode(resp); err != nil {
			log.WithError(err).WithField("sender", env.Sender).Warning("Unable to decode data response")
			return
		}
		p.handleResponse(resp)
	case TransferRequestMessage:
		p.handleTransferRequest(env)
	case TransferResponseMessage:
		var resp transferResponse
		if err := env.Decode(&resp); err != nil {
			log.WithError(err).WithField("sender", env.Sender).Warning("Unable to decode transfer response")
			return
		}
		p.handleTransferResponse(resp)
	default:
		log.WithField("kind", env.Kind).Warning("Unknown message kind")
	}
}

// send sends an envelope to another node
func (p *Processor) send(to string, env *Envelope) error {
	env.Timestamp = p.clock.Now()
	if to == p.address {
		p.mailbox.put(&envelopeMessage{env: env})
		return nil
	}
	return p.messenger.Send(to, env)
}

func (p *Processor) broadcast(msg *GroupMessage) {
	msg.Cache = p.cache
	msg.Sender = p.address
	if err := p.broadcaster.Broadcast(msg); err != nil {
		log.WithError(err).WithFields(log.Fields{"cache": p.cache, "kind": msg.Kind}).Error("Unable to broadcast group message")
	}
}

func (p *Processor) updateBucketMetrics() {
	for storage := 0; storage < p.store.Storages(); storage++ {
		p.metrics.SetBucketCount(p.cache, storage, len(p.store.Buckets(storage)))
	}
}

func (p *Processor) shutdown() {
	for _, w := range p.waiters {
		if w.isRoot() {
			select {
			case w.reply <- errorResponse(w.id, p.address, ErrStopped):
			default:
			}
		}
	}
	p.waiters = make(map[uint64]*waiter)
	log.WithFields(log.Fields{"cache": p.cache, "address": p.address}).Debug("Processor stopped")
}
