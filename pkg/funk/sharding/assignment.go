package sharding

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
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Assignment is the bucket ownership assignment for a single cache. It maps
// every bucket in every storage (0 is the primary, 1 and up are replicas) to
// an owner address and moves buckets between owners when owners are added,
// removed or leaving.
//
// Every node keeps its own copy of the assignment and applies the same
// changes in the same order, i.e. through a totally ordered broadcast. The
// assignment is deterministic so all copies stay identical. It is not safe
// for concurrent use.
type Assignment struct {
	cache        string
	bucketCount  int
	replicaCount int
	assignments  [][]string
	owners       []*ownerMap
	listeners    []Listener
	pending      transferBatch
}

// NewAssignment creates an empty assignment where every bucket is orphaned
func NewAssignment(cache string, bucketCount int, replicaCount int) (*Assignment, error) {
	if bucketCount <= 0 || replicaCount < 0 {
		return nil, ErrInvalidSize
	}
	ret := &Assignment{
		cache:        cache,
		bucketCount:  bucketCount,
		replicaCount: replicaCount,
	}
	ret.reset()
	return ret, nil
}

func (a *Assignment) reset() {
	a.assignments = make([][]string, a.replicaCount+1)
	a.owners = make([]*ownerMap, a.replicaCount+1)
	for i := range a.assignments {
		a.assignments[i] = make([]string, a.bucketCount)
		a.owners[i] = newOwnerMap()
	}
}

// AddListener adds a command listener
func (a *Assignment) AddListener(listener Listener) {
	a.listeners = append(a.listeners, listener)
}

// Cache returns the name of the cache
func (a *Assignment) Cache() string {
	return a.cache
}

// BucketCount returns the number of buckets
func (a *Assignment) BucketCount() int {
	return a.bucketCount
}

// ReplicaCount returns the number of replica storages
func (a *Assignment) ReplicaCount() int {
	return a.replicaCount
}

// Owner returns the owner of a bucket in a storage. An empty string means
// the bucket is orphaned. A bucket that is being transferred is owned by
// the source until the transfer is finished.
func (a *Assignment) Owner(storage int, bucket int) string {
	if storage < 0 || storage > a.replicaCount || bucket < 0 || bucket >= a.bucketCount {
		return ""
	}
	return a.assignments[storage][bucket]
}

// Owners returns the addresses of the owners in a storage in traversal order
func (a *Assignment) Owners(storage int) []string {
	return slices.Clone(a.owners[storage].addresses)
}

// HasOwner returns true if the address is a bucket owner
func (a *Assignment) HasOwner(address string) bool {
	return a.owners[0].get(address) != nil
}

// IsLeaving returns true if the owner is leaving
func (a *Assignment) IsLeaving(address string) bool {
	o := a.owners[0].get(address)
	return o != nil && o.Leaving
}

// OwnedBuckets returns the buckets an address owns in a storage
func (a *Assignment) OwnedBuckets(storage int, address string) []int {
	o := a.owners[storage].get(address)
	if o == nil {
		return nil
	}
	return o.Owned()
}

// OwnerLoad returns the load of an owner in a storage
func (a *Assignment) OwnerLoad(storage int, address string) int {
	o := a.owners[storage].get(address)
	if o == nil {
		return 0
	}
	return o.Load()
}

// Orphans returns the buckets without an owner in a storage
func (a *Assignment) Orphans(storage int) []int {
	var ret []int
	for bucket, owner := range a.assignments[storage] {
		if owner == "" {
			ret = append(ret, bucket)
		}
	}
	return ret
}

// HasBucketResponsibilities returns true if the address owns a bucket or takes
// part in a transfer in any storage. A leaving node can shut down when
// this is false.
func (a *Assignment) HasBucketResponsibilities(address string) bool {
	for _, owners := range a.owners {
		o := owners.get(address)
		if o == nil {
			continue
		}
		if len(o.owned) > 0 || o.inFlight() {
			return true
		}
	}
	return false
}

// InFlight returns true if there are transfers that haven't finished yet
func (a *Assignment) InFlight() bool {
	for _, owners := range a.owners {
		for _, o := range owners.list() {
			if o.inFlight() {
				return true
			}
		}
	}
	return false
}

// AddBucketOwner adds a new owner to every storage and repartitions
func (a *Assignment) AddBucketOwner(address string) {
	assertf(address != "", "empty bucket owner address")
	for storage, owners := range a.owners {
		owners.add(newBucketOwner(address, storage, a.replicaCount))
	}
	log.WithFields(log.Fields{"cache": a.cache, "owner": address}).Debug("Bucket owner added")
	a.Repartition()
}

// MarkBucketOwnerLeaving flags the owner as leaving in every storage. The
// owner's buckets are moved to other owners and it won't get new buckets.
func (a *Assignment) MarkBucketOwnerLeaving(address string) {
	found := false
	for _, owners := range a.owners {
		if o := owners.get(address); o != nil {
			o.Leaving = true
			found = true
		}
	}
	if !found {
		log.WithFields(log.Fields{"cache": a.cache, "owner": address}).Debug("Unknown owner marked as leaving")
		return
	}
	a.Repartition()
}

// RemoveBucketOwners removes owners that have left the cluster. Transfers
// involving the owners are cancelled, buckets on their way to a removed
// owner are returned to the source and everything the owners held is
// orphaned. Orphaned buckets are assigned in the repartition that follows.
func (a *Assignment) RemoveBucketOwners(addresses ...string) {
	sorted := slices.Clone(addresses)
	slices.Sort(sorted)
	var cancelled transferBatch
	var orphaned []BucketCommand
	for storage, owners := range a.owners {
		for _, address := range sorted {
			o := owners.get(address)
			if o == nil {
				continue
			}
			var lost []int
			for _, bucket := range sortedBuckets(o.inbound) {
				t := o.inbound[bucket]
				src := a.owners[t.Storage].get(t.Owner)
				assertf(src != nil, "source %s of inbound bucket %d is unknown", t.Owner, bucket)
				_, ok := src.outbound[bucket]
				assertf(ok, "bucket %d is inbound to %s but not outbound from %s", bucket, address, t.Owner)
				delete(src.outbound, bucket)
				src.addOwned(bucket)
				cancelled.add(TransferCommand{a.cache, t.Storage, storage, t.Owner, address, []int{bucket}})
			}
			for _, bucket := range sortedBuckets(o.outbound) {
				t := o.outbound[bucket]
				dst := a.owners[t.Storage].get(t.Owner)
				assertf(dst != nil, "destination %s of outbound bucket %d is unknown", t.Owner, bucket)
				_, ok := dst.inbound[bucket]
				assertf(ok, "bucket %d is outbound from %s but not inbound to %s", bucket, address, t.Owner)
				delete(dst.inbound, bucket)
				a.assignments[storage][bucket] = ""
				lost = append(lost, bucket)
				cancelled.add(TransferCommand{a.cache, storage, t.Storage, address, t.Owner, []int{bucket}})
			}
			for replica := 1; replica < len(o.outboundReplicas); replica++ {
				for _, bucket := range sortedBuckets(o.outboundReplicas[replica]) {
					t := o.outboundReplicas[replica][bucket]
					dst := a.owners[replica].get(t.Owner)
					assertf(dst != nil, "destination %s of replica bucket %d is unknown", t.Owner, bucket)
					_, ok := dst.inboundReplicas[bucket]
					assertf(ok, "replica bucket %d is outbound from %s but not inbound to %s", bucket, address, t.Owner)
					delete(dst.inboundReplicas, bucket)
					cancelled.add(TransferCommand{a.cache, storage, replica, address, t.Owner, []int{bucket}})
				}
			}
			for _, bucket := range sortedBuckets(o.inboundReplicas) {
				t := o.inboundReplicas[bucket]
				src := a.owners[0].get(t.Owner)
				assertf(src != nil, "source %s of replica bucket %d is unknown", t.Owner, bucket)
				_, ok := src.outboundReplicas[storage][bucket]
				assertf(ok, "replica bucket %d is inbound to %s but not outbound from %s", bucket, address, t.Owner)
				delete(src.outboundReplicas[storage], bucket)
				cancelled.add(TransferCommand{a.cache, 0, storage, t.Owner, address, []int{bucket}})
			}
			for _, bucket := range o.owned {
				a.assignments[storage][bucket] = ""
				lost = append(lost, bucket)
			}
			owners.remove(address)
			if len(lost) > 0 {
				orphaned = append(orphaned, BucketCommand{a.cache, storage, address, lost})
			}
		}
	}
	for _, cmd := range cancelled.drain() {
		a.emitCancel(cmd)
	}
	for _, cmd := range orphaned {
		a.emitOrphan(cmd)
	}
	log.WithFields(log.Fields{"cache": a.cache, "owners": sorted}).Debug("Bucket owners removed")
	a.Repartition()
}

// FinishBucketTransfer commits a transfer. The new owner takes over the
// buckets. Transfers where one of the owners has been removed are ignored
// since the removal already cancelled them.
func (a *Assignment) FinishBucketTransfer(sourceStorage, destinationStorage int, previousOwner, newOwner string, buckets []int) {
	src := a.owners[sourceStorage].get(previousOwner)
	dst := a.owners[destinationStorage].get(newOwner)
	if src == nil || dst == nil {
		log.WithFields(log.Fields{
			"cache":    a.cache,
			"source":   previousOwner,
			"dest":     newOwner,
			"buckets":  buckets,
			"storages": []int{sourceStorage, destinationStorage},
		}).Debug("Ignoring finished transfer for a removed owner")
		return
	}
	for _, bucket := range buckets {
		if sourceStorage == destinationStorage {
			t, ok := src.outbound[bucket]
			assertf(ok && t.Owner == newOwner, "bucket %d in storage %d is not outbound from %s to %s", bucket, sourceStorage, previousOwner, newOwner)
			t, ok = dst.inbound[bucket]
			assertf(ok && t.Owner == previousOwner, "bucket %d in storage %d is not inbound to %s from %s", bucket, destinationStorage, newOwner, previousOwner)
			delete(src.outbound, bucket)
			delete(dst.inbound, bucket)
		} else {
			assertf(sourceStorage == 0 && destinationStorage < len(src.outboundReplicas), "replica transfer from storage %d to %d", sourceStorage, destinationStorage)
			t, ok := src.outboundReplicas[destinationStorage][bucket]
			assertf(ok && t.Owner == newOwner, "replica bucket %d is not outbound from %s to %s", bucket, previousOwner, newOwner)
			t, ok = dst.inboundReplicas[bucket]
			assertf(ok && t.Owner == previousOwner, "replica bucket %d is not inbound to %s from %s", bucket, newOwner, previousOwner)
			delete(src.outboundReplicas[destinationStorage], bucket)
			delete(dst.inboundReplicas, bucket)
		}
		dst.addOwned(bucket)
		a.assignments[destinationStorage][bucket] = newOwner
	}
	a.emitFinish(TransferCommand{a.cache, sourceStorage, destinationStorage, previousOwner, newOwner, slices.Clone(buckets)})
	if dst.Leaving || !a.InFlight() {
		a.Repartition()
	}
}

// RejectBucketTransfer undoes the bookkeeping for a transfer that failed.
// The source keeps the buckets.
func (a *Assignment) RejectBucketTransfer(sourceStorage, destinationStorage int, previousOwner, newOwner string, buckets []int) {
	src := a.owners[sourceStorage].get(previousOwner)
	dst := a.owners[destinationStorage].get(newOwner)
	if src == nil || dst == nil {
		log.WithFields(log.Fields{
			"cache":   a.cache,
			"source":  previousOwner,
			"dest":    newOwner,
			"buckets": buckets,
		}).Debug("Ignoring rejected transfer for a removed owner")
		return
	}
	for _, bucket := range buckets {
		if sourceStorage == destinationStorage {
			_, ok := src.outbound[bucket]
			assertf(ok, "rejected bucket %d is not outbound from %s", bucket, previousOwner)
			_, ok = dst.inbound[bucket]
			assertf(ok, "rejected bucket %d is not inbound to %s", bucket, newOwner)
			delete(src.outbound, bucket)
			delete(dst.inbound, bucket)
			src.addOwned(bucket)
			continue
		}
		_, ok := src.outboundReplicas[destinationStorage][bucket]
		assertf(ok, "rejected replica bucket %d is not outbound from %s", bucket, previousOwner)
		_, ok = dst.inboundReplicas[bucket]
		assertf(ok, "rejected replica bucket %d is not inbound to %s", bucket, newOwner)
		delete(src.outboundReplicas[destinationStorage], bucket)
		delete(dst.inboundReplicas, bucket)
	}
	a.emitCancel(TransferCommand{a.cache, sourceStorage, destinationStorage, previousOwner, newOwner, slices.Clone(buckets)})
	a.Repartition()
}

func (a *Assignment) flushTransfers() {
	for _, cmd := range a.pending.drain() {
		for _, l := range a.listeners {
			l.BeginBucketTransfer(cmd)
		}
	}
}

func (a *Assignment) emitAssign(cmd BucketCommand) {
	a.flushTransfers()
	for _, l := range a.listeners {
		l.AssignBuckets(cmd)
	}
}

func (a *Assignment) emitOrphan(cmd BucketCommand) {
	a.flushTransfers()
	log.WithFields(log.Fields{"cache": a.cache, "storage": cmd.Storage, "owner": cmd.Address, "buckets": cmd.Buckets}).Warning("Buckets orphaned")
	for _, l := range a.listeners {
		l.OrphanBuckets(cmd)
	}
}

func (a *Assignment) emitRestore(cmd RestoreCommand) {
	a.flushTransfers()
	for _, l := range a.listeners {
		l.RestoreBuckets(cmd)
	}
}

func (a *Assignment) emitFinish(cmd TransferCommand) {
	a.flushTransfers()
	for _, l := range a.listeners {
		l.FinishBucketTransfer(cmd)
	}
}

func (a *Assignment) emitCancel(cmd TransferCommand) {
	a.flushTransfers()
	for _, l := range a.listeners {
		l.CancelBucketTransfer(cmd)
	}
}
