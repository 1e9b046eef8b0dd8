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
	"github.com/lab5e/cachefunk/pkg/funk/metrics"
	"github.com/lab5e/cachefunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

// commandListener queues the assignment commands that concern the local
// node. The commands run after the group message that caused them has been
// applied to the assignment.
type commandListener struct {
	p *Processor
}

func (c *commandListener) queue(fn func()) {
	c.p.commands = append(c.p.commands, fn)
}

func (c *commandListener) local(addresses ...string) bool {
	for _, a := range addresses {
		if a == c.p.address {
			return true
		}
	}
	return false
}

func (c *commandListener) AssignBuckets(cmd sharding.BucketCommand) {
	if c.local(cmd.Address) {
		c.queue(func() { c.p.assignBuckets(cmd) })
	}
}

func (c *commandListener) OrphanBuckets(cmd sharding.BucketCommand) {
	if c.local(cmd.Address) {
		c.queue(func() { c.p.orphanBuckets(cmd) })
	}
}

func (c *commandListener) RestoreBuckets(cmd sharding.RestoreCommand) {
	if c.local(cmd.Address) {
		c.queue(func() { c.p.restoreBuckets(cmd) })
	}
}

func (c *commandListener) BeginBucketTransfer(cmd sharding.TransferCommand) {
	if c.local(cmd.Source) {
		c.queue(func() { c.p.beginTransfer(cmd) })
	}
}

func (c *commandListener) FinishBucketTransfer(cmd sharding.TransferCommand) {
	if c.local(cmd.Source, cmd.Destination) {
		c.queue(func() { c.p.finishTransfer(cmd) })
	}
}

func (c *commandListener) CancelBucketTransfer(cmd sharding.TransferCommand) {
	if c.local(cmd.Source, cmd.Destination) {
		c.queue(func() { c.p.cancelTransfer(cmd) })
	}
}

func (p *Processor) runCommands() {
	if len(p.commands) == 0 {
		return
	}
	for len(p.commands) > 0 {
		cmd := p.commands[0]
		p.commands = p.commands[1:]
		cmd()
	}
	p.updateBucketMetrics()
}

// handleGroup applies a group message to the assignment. Every node sees
// the same messages in the same order so the assignments stay identical.
func (p *Processor) handleGroup(msg *GroupMessage) {
	if msg.Cache != p.cache {
		return
	}
	log.WithFields(log.Fields{"cache": p.cache, "kind": msg.Kind, "sender": msg.Sender}).Debug("Group message")
	switch msg.Kind {
	case AddBucketOwnerGroupMessage:
		for _, a := range msg.Addresses {
			if !p.assignment.HasOwner(a) {
				p.assignment.AddBucketOwner(a)
			}
		}
		p.metrics.SetClusterSize(len(p.assignment.Owners(0)))

	case RemoveBucketOwnersGroupMessage:
		var known []string
		for _, a := range msg.Addresses {
			if p.assignment.HasOwner(a) {
				known = append(known, a)
			}
		}
		if len(known) > 0 {
			p.assignment.RemoveBucketOwners(known...)
		}
		p.failUnreachable(msg.Addresses)
		for _, a := range msg.Addresses {
			delete(p.backoff, a)
		}
		p.metrics.SetClusterSize(len(p.assignment.Owners(0)))

	case MarkBucketOwnerLeavingGroupMessage:
		for _, a := range msg.Addresses {
			p.assignment.MarkBucketOwnerLeaving(a)
		}

	case BucketTransferCompletedGroupMessage:
		p.assignment.FinishBucketTransfer(msg.SourceStorage, msg.DestinationStorage, msg.Source, msg.Destination, msg.Buckets)

	case BucketTransferRejectedGroupMessage:
		p.metrics.LogTransfer(p.cache, metrics.TransferRejected)
		p.assignment.RejectBucketTransfer(msg.SourceStorage, msg.DestinationStorage, msg.Source, msg.Destination, msg.Buckets)

	case InvalidateFrontCacheGroupMessage:
		if p.front != nil {
			if n := p.front.invalidate(msg.Buckets); n > 0 {
				log.WithFields(log.Fields{"cache": p.cache, "entries": n}).Debug("Front cache invalidated")
			}
		}

	default:
		log.WithField("kind", msg.Kind).Warning("Unknown group message")
	}
}
