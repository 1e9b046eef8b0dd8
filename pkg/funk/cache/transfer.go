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
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/metrics"
	"github.com/lab5e/cachefunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// lockKey identifies a bucket this node has locked as the source of a
// transfer
type lockKey struct {
	storage int
	bucket  int
}

// outboundTransfer is a transfer request that hasn't been answered yet
type outboundTransfer struct {
	id        uint64
	route     sharding.TransferCommand
	snapshots []bucket.Snapshot
	attempt   int
}

func (o *outboundTransfer) buckets() []int {
	ret := make([]int, len(o.snapshots))
	for i, s := range o.snapshots {
		ret[i] = s.Number
	}
	return ret
}

func sameRoute(a, b sharding.TransferCommand) bool {
	return a.SourceStorage == b.SourceStorage && a.DestinationStorage == b.DestinationStorage &&
		a.Source == b.Source && a.Destination == b.Destination
}

// beginTransfer starts a transfer. Transfers to a destination that has
// rejected buckets recently are started after a delay. The buckets stay
// unlocked and keep serving requests until then.
func (p *Processor) beginTransfer(cmd sharding.TransferCommand) {
	delay := p.backoff[cmd.Destination]
	if delay == 0 {
		p.startTransfer(cmd)
		return
	}
	id := p.newID()
	p.delayed[id] = cmd
	log.WithFields(log.Fields{
		"cache":    p.cache,
		"transfer": cmd.String(),
		"delay":    delay,
	}).Debug("Delaying bucket transfer")
	time.AfterFunc(delay, func() {
		p.mailbox.put(&delayedTransferMessage{id: id})
	})
}

func (p *Processor) handleDelayedTransfer(id uint64) {
	cmd, ok := p.delayed[id]
	if !ok {
		return
	}
	delete(p.delayed, id)
	if len(cmd.Buckets) > 0 {
		p.startTransfer(cmd)
	}
}

// increaseBackoff doubles the delay for new transfers to a destination
func (p *Processor) increaseBackoff(destination string) {
	delay := 2 * p.backoff[destination]
	if delay == 0 {
		delay = p.config.RetryDelay
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	p.backoff[destination] = delay
}

// startTransfer locks the buckets and sends copies to the new owner. Buckets
// that are missing or already locked are rejected right away. Empty buckets
// are sent in a single request, the others are sent one by one.
func (p *Processor) startTransfer(cmd sharding.TransferCommand) {
	var rejected []int
	var empty []bucket.Snapshot
	var full []bucket.Snapshot
	for _, n := range cmd.Buckets {
		b := p.store.Get(cmd.SourceStorage, n)
		if b == nil || b.Reconfiguring() {
			rejected = append(rejected, n)
			continue
		}
		snapshot, err := b.Snapshot()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"cache": p.cache, "bucket": n}).Warning("Unable to copy bucket for transfer")
			rejected = append(rejected, n)
			continue
		}
		b.SetReconfiguring(true)
		p.locked[lockKey{cmd.SourceStorage, n}] = true
		if len(snapshot.Entries) == 0 {
			empty = append(empty, snapshot)
			continue
		}
		full = append(full, snapshot)
	}
	log.WithFields(log.Fields{
		"cache":    p.cache,
		"transfer": cmd.String(),
		"empty":    len(empty),
		"full":     len(full),
		"rejected": rejected,
	}).Debug("Beginning bucket transfer")
	p.metrics.LogTransfer(p.cache, metrics.TransferBegun)

	if len(rejected) > 0 {
		p.announceTransfer(BucketTransferRejectedGroupMessage, cmd, rejected)
	}
	if len(empty) > 0 {
		p.sendTransfer(&outboundTransfer{id: p.newID(), route: cmd, snapshots: empty, attempt: 1})
	}
	for _, s := range full {
		p.sendTransfer(&outboundTransfer{id: p.newID(), route: cmd, snapshots: []bucket.Snapshot{s}, attempt: 1})
	}
}

func (p *Processor) sendTransfer(t *outboundTransfer) {
	p.outbound[t.id] = t
	req := &transferRequest{
		TransferID:         t.id,
		SourceStorage:      t.route.SourceStorage,
		DestinationStorage: t.route.DestinationStorage,
		Buckets:            t.snapshots,
	}
	env, err := NewEnvelope(TransferRequestMessage, p.cache, p.address, t.route.Destination, req)
	if err == nil {
		err = p.send(t.route.Destination, env)
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"cache": p.cache, "destination": t.route.Destination}).Debug("Unable to send transfer request")
		p.mailbox.put(&transferResultMessage{resp: transferResponse{
			TransferID: t.id,
			Rejected:   t.buckets(),
			Error:      err.Error(),
		}})
	}
}

// handleTransferRequest installs the buckets at the new owner. The buckets
// stay locked until the transfer is finished. Buckets that already exist
// are rejected.
func (p *Processor) handleTransferRequest(env *Envelope) {
	req := &transferRequest{}
	if err := env.Decode(req); err != nil {
		log.WithError(err).WithField("sender", env.Sender).Warning("Unable to decode transfer request")
		return
	}
	resp := &transferResponse{TransferID: req.TransferID}
	for _, s := range req.Buckets {
		if _, err := p.store.Install(req.DestinationStorage, s, true); err != nil {
			log.WithError(err).WithFields(log.Fields{"cache": p.cache, "storage": req.DestinationStorage, "bucket": s.Number}).Debug("Rejecting bucket")
			resp.Rejected = append(resp.Rejected, s.Number)
			continue
		}
		resp.Transferred = append(resp.Transferred, s.Number)
	}
	reply, err := NewEnvelope(TransferResponseMessage, p.cache, p.address, env.Sender, resp)
	if err != nil {
		log.WithError(err).Error("Unable to encode transfer response")
		return
	}
	if err := p.send(env.Sender, reply); err != nil {
		log.WithError(err).WithField("source", env.Sender).Warning("Unable to send transfer response")
	}
}

// handleTransferResponse announces the installed buckets and sends the
// rejected ones again. Buckets that are rejected too many times are
// announced as rejected and stay with the source.
func (p *Processor) handleTransferResponse(resp transferResponse) {
	t, ok := p.outbound[resp.TransferID]
	if !ok {
		log.WithFields(log.Fields{"cache": p.cache, "transfer": resp.TransferID}).Debug("Response for unknown transfer")
		return
	}
	delete(p.outbound, t.id)

	var transferred []int
	var rejected []bucket.Snapshot
	for _, s := range t.snapshots {
		switch {
		case slices.Contains(resp.Transferred, s.Number):
			transferred = append(transferred, s.Number)
		case slices.Contains(resp.Rejected, s.Number):
			rejected = append(rejected, s)
		}
	}
	if len(transferred) > 0 {
		delete(p.backoff, t.route.Destination)
		p.announceTransfer(BucketTransferCompletedGroupMessage, t.route, transferred)
	}
	if len(rejected) == 0 {
		return
	}
	retry := &outboundTransfer{id: p.newID(), route: t.route, snapshots: rejected, attempt: t.attempt + 1}
	if t.attempt >= p.config.MaxTransferAttempts {
		log.WithFields(log.Fields{
			"cache":    p.cache,
			"transfer": t.route.String(),
			"buckets":  retry.buckets(),
			"error":    resp.Error,
		}).Info("Giving up bucket transfer")
		p.increaseBackoff(t.route.Destination)
		p.announceTransfer(BucketTransferRejectedGroupMessage, t.route, retry.buckets())
		return
	}
	p.outbound[retry.id] = retry
	id := retry.id
	time.AfterFunc(p.config.RetryDelay, func() {
		p.mailbox.put(&transferRetryMessage{id: id})
	})
}

func (p *Processor) handleTransferRetry(id uint64) {
	t, ok := p.outbound[id]
	if !ok {
		return
	}
	p.sendTransfer(t)
}

func (p *Processor) announceTransfer(kind GroupKind, route sharding.TransferCommand, buckets []int) {
	p.broadcast(&GroupMessage{
		Kind:               kind,
		SourceStorage:      route.SourceStorage,
		DestinationStorage: route.DestinationStorage,
		Source:             route.Source,
		Destination:        route.Destination,
		Buckets:            buckets,
	})
}

// finishTransfer commits a transfer locally. The source drops the buckets
// or, when a replica has been made, unlocks them. The new owner starts
// serving the buckets.
func (p *Processor) finishTransfer(cmd sharding.TransferCommand) {
	if cmd.Source == p.address {
		for _, n := range cmd.Buckets {
			delete(p.locked, lockKey{cmd.SourceStorage, n})
			if cmd.SourceStorage == cmd.DestinationStorage {
				p.store.Remove(cmd.SourceStorage, n)
				continue
			}
			if b := p.store.Get(cmd.SourceStorage, n); b != nil {
				b.SetReconfiguring(false)
			}
		}
		p.metrics.LogTransfer(p.cache, metrics.TransferCompleted)
	}
	if cmd.Destination == p.address {
		for _, n := range cmd.Buckets {
			b := p.store.Get(cmd.DestinationStorage, n)
			if b == nil {
				log.WithFields(log.Fields{"cache": p.cache, "storage": cmd.DestinationStorage, "bucket": n}).Warning("Finished transfer for a bucket that never arrived")
				if _, err := p.store.Create(cmd.DestinationStorage, n); err != nil {
					log.WithError(err).Error("Unable to create bucket")
				}
				continue
			}
			b.SetReconfiguring(false)
		}
	}
}

// cancelTransfer undoes a transfer locally. The source unlocks the buckets
// and forgets the outstanding requests. The destination drops buckets that
// were installed but never committed.
func (p *Processor) cancelTransfer(cmd sharding.TransferCommand) {
	if cmd.Source == p.address {
		for _, n := range cmd.Buckets {
			key := lockKey{cmd.SourceStorage, n}
			if !p.locked[key] {
				continue
			}
			delete(p.locked, key)
			if b := p.store.Get(cmd.SourceStorage, n); b != nil {
				b.SetReconfiguring(false)
			}
		}
		for id, t := range p.outbound {
			if !sameRoute(t.route, cmd) {
				continue
			}
			t.snapshots = slices.DeleteFunc(t.snapshots, func(s bucket.Snapshot) bool {
				return slices.Contains(cmd.Buckets, s.Number)
			})
			if len(t.snapshots) == 0 {
				delete(p.outbound, id)
			}
		}
		for id, delayed := range p.delayed {
			if !sameRoute(delayed, cmd) {
				continue
			}
			delayed.Buckets = slices.DeleteFunc(slices.Clone(delayed.Buckets), func(n int) bool {
				return slices.Contains(cmd.Buckets, n)
			})
			p.delayed[id] = delayed
		}
		p.metrics.LogTransfer(p.cache, metrics.TransferCancelled)
	}
	if cmd.Destination == p.address {
		for _, n := range cmd.Buckets {
			if p.locked[lockKey{cmd.DestinationStorage, n}] {
				continue
			}
			if b := p.store.Get(cmd.DestinationStorage, n); b != nil && b.Reconfiguring() {
				p.store.Remove(cmd.DestinationStorage, n)
			}
		}
	}
}

// assignBuckets creates orphaned primary buckets. A bucket that is already
// here is a leftover from a transfer whose source went away. It holds the
// last known content so it is kept.
func (p *Processor) assignBuckets(cmd sharding.BucketCommand) {
	for _, n := range cmd.Buckets {
		if b := p.store.Get(cmd.Storage, n); b != nil {
			log.WithFields(log.Fields{"cache": p.cache, "storage": cmd.Storage, "bucket": n}).Info("Keeping leftover bucket")
			b.SetReconfiguring(false)
			continue
		}
		if _, err := p.store.Create(cmd.Storage, n); err != nil {
			log.WithError(err).WithFields(log.Fields{"cache": p.cache, "bucket": n}).Error("Unable to create bucket")
		}
	}
}

// orphanBuckets drops the buckets this node no longer owns
func (p *Processor) orphanBuckets(cmd sharding.BucketCommand) {
	for _, n := range cmd.Buckets {
		delete(p.locked, lockKey{cmd.Storage, n})
		p.store.Remove(cmd.Storage, n)
	}
}

// restoreBuckets promotes local replica buckets to primary buckets
func (p *Processor) restoreBuckets(cmd sharding.RestoreCommand) {
	for _, n := range cmd.Buckets {
		err := p.store.Move(cmd.SourceStorage, 0, n)
		switch err {
		case nil:
			if b := p.store.Get(0, n); b != nil {
				b.SetReconfiguring(false)
			}
		case bucket.ErrNoBucket:
			log.WithFields(log.Fields{"cache": p.cache, "bucket": n}).Warning("Replica is missing, restoring empty bucket")
			if _, err := p.store.Create(0, n); err != nil {
				log.WithError(err).Error("Unable to create bucket")
			}
		default:
			log.WithError(err).WithFields(log.Fields{"cache": p.cache, "bucket": n}).Error("Unable to restore bucket")
		}
	}
}
