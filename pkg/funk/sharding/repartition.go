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

// Repartition runs one round of reassignment for every storage, starting
// with the primary storage. Leaving owners are drained, orphans are assigned
// or restored and overloaded owners give buckets to underloaded owners.
// Transfers started in this round are announced when the round ends.
func (a *Assignment) Repartition() {
	for storage := 0; storage <= a.replicaCount; storage++ {
		a.repartitionStorage(storage)
	}
	a.flushTransfers()
}

func (a *Assignment) repartitionStorage(storage int) {
	if a.owners[storage].len() == 0 {
		return
	}
	a.transferLeaving(storage)

	orphans := a.collectOrphans(storage)
	if storage == 0 && a.replicaCount > 0 {
		orphans = a.restorePrimaryOrphans(orphans)
	}

	fair := a.fairBucketsPerNode(storage)
	if fair == 0 {
		// Everyone is leaving
		return
	}
	if storage == 0 {
		a.assignPrimaryOrphans(orphans, fair)
	} else {
		a.restoreReplicaOrphans(storage, orphans)
	}

	if a.replicaCount == 0 {
		a.rebalanceStorageSimple(storage, fair)
		return
	}
	a.rebalanceStorageWithReplicas(storage, fair)
}

// fairBucketsPerNode is the upper bound an owner is balanced towards. It is
// zero when there are no active owners.
func (a *Assignment) fairBucketsPerNode(storage int) int {
	n := len(a.owners[storage].active())
	if n == 0 {
		return 0
	}
	return a.bucketCount/n + a.bucketCount%n
}

// transferLeaving moves every bucket owned by a leaving owner to a safe
// owner, ignoring load. Buckets without a safe owner are orphaned.
func (a *Assignment) transferLeaving(storage int) {
	candidates := a.owners[storage].active()
	for _, o := range a.owners[storage].list() {
		if !o.Leaving {
			continue
		}
		var lost []int
		for _, bucket := range o.Owned() {
			if o.restoringReplica(bucket) {
				// Picked up when the restore is done
				continue
			}
			dst := a.findSafeOwner(bucket, candidates)
			if dst == nil {
				o.removeOwned(bucket)
				a.assignments[storage][bucket] = ""
				lost = append(lost, bucket)
				continue
			}
			a.trackOrBeginTransfer(storage, storage, o, dst, bucket)
		}
		if len(lost) > 0 {
			a.emitOrphan(BucketCommand{a.cache, storage, o.Address, lost})
		}
	}
}

// collectOrphans returns the unassigned buckets in a storage, skipping replica
// buckets that are already being restored.
func (a *Assignment) collectOrphans(storage int) []int {
	restoring := make(map[int]bool)
	for _, o := range a.owners[storage].list() {
		for bucket := range o.inboundReplicas {
			restoring[bucket] = true
		}
	}
	var ret []int
	for bucket, owner := range a.assignments[storage] {
		if owner == "" && !restoring[bucket] {
			ret = append(ret, bucket)
		}
	}
	return ret
}

// restorePrimaryOrphans gives orphaned primary buckets to an owner that has
// the bucket as a replica. The replica is promoted locally so no data is
// moved. The replica slot becomes an orphan. The buckets that could not be
// restored are returned.
func (a *Assignment) restorePrimaryOrphans(orphans []int) []int {
	var remaining []int
	var restored []RestoreCommand
	for _, bucket := range orphans {
		done := false
		for replica := 1; replica <= a.replicaCount && !done; replica++ {
			address := a.assignments[replica][bucket]
			if address == "" {
				continue
			}
			ro := a.owners[replica].get(address)
			assertf(ro != nil, "replica bucket %d is assigned to unknown owner %s", bucket, address)
			if ro.Leaving || !ro.owns(bucket) {
				continue
			}
			po := a.owners[0].get(address)
			assertf(po != nil, "%s is a replica owner but not a primary owner", address)
			ro.removeOwned(bucket)
			a.assignments[replica][bucket] = ""
			po.addOwned(bucket)
			a.assignments[0][bucket] = address
			done = true

			n := len(restored)
			if n > 0 && restored[n-1].SourceStorage == replica && restored[n-1].Address == address {
				restored[n-1].Buckets = append(restored[n-1].Buckets, bucket)
				continue
			}
			restored = append(restored, RestoreCommand{a.cache, replica, address, []int{bucket}})
		}
		if !done {
			remaining = append(remaining, bucket)
		}
	}
	for _, cmd := range restored {
		a.emitRestore(cmd)
	}
	return remaining
}

// assignPrimaryOrphans assigns orphans directly. The content is lost so there
// is nothing to transfer. Underloaded owners are filled first, then the rest
// is spread round-robin over all active owners.
func (a *Assignment) assignPrimaryOrphans(orphans []int, fair int) {
	active := a.owners[0].active()
	assigned := make(map[string][]int)
	next := 0
	for _, bucket := range orphans {
		var target *BucketOwner
		for _, o := range active {
			if o.Load() < fair && a.isSafe(bucket, o.Address) {
				target = o
				break
			}
		}
		for i := 0; target == nil && i < len(active); i++ {
			o := active[(next+i)%len(active)]
			if a.isSafe(bucket, o.Address) {
				target = o
				next = (next + i + 1) % len(active)
			}
		}
		if target == nil {
			continue
		}
		target.addOwned(bucket)
		a.assignments[0][bucket] = target.Address
		assigned[target.Address] = append(assigned[target.Address], bucket)
	}
	for _, o := range active {
		if buckets, ok := assigned[o.Address]; ok {
			a.emitAssign(BucketCommand{a.cache, 0, o.Address, buckets})
		}
	}
}

// restoreReplicaOrphans copies primary buckets to new replica owners. The
// restore is deferred when the primary is leaving, is transferring the bucket
// or is already restoring the bucket to another replica storage.
func (a *Assignment) restoreReplicaOrphans(storage int, orphans []int) {
	active := a.owners[storage].active()
	for _, bucket := range orphans {
		address := a.assignments[0][bucket]
		if address == "" {
			continue
		}
		primary := a.owners[0].get(address)
		assertf(primary != nil, "primary bucket %d is assigned to unknown owner %s", bucket, address)
		if primary.Leaving || !primary.owns(bucket) || primary.restoringReplica(bucket) {
			continue
		}
		target := a.findSafeOwner(bucket, active)
		if target == nil {
			continue
		}
		a.trackOrBeginTransfer(0, storage, primary, target, bucket)
	}
}

func (a *Assignment) rebalanceStorageSimple(storage int, fair int) {
	a.rebalance(storage, fair, func(o *BucketOwner, dst *BucketOwner, bucket int) bool {
		return true
	})
}

// rebalanceStorageWithReplicas won't move a bucket to an owner that holds it
// in another storage and won't move a primary bucket that is restoring a
// replica.
func (a *Assignment) rebalanceStorageWithReplicas(storage int, fair int) {
	a.rebalance(storage, fair, func(o *BucketOwner, dst *BucketOwner, bucket int) bool {
		if o.restoringReplica(bucket) {
			return false
		}
		return a.isSafe(bucket, dst.Address)
	})
}

// rebalance pairs overloaded and underloaded owners round-robin, moving one
// bucket per pair and round until one of the sides is empty or nothing
// can be moved.
func (a *Assignment) rebalance(storage int, fair int, movable func(o *BucketOwner, dst *BucketOwner, bucket int) bool) {
	for {
		var overloaded, underloaded []*BucketOwner
		for _, o := range a.owners[storage].active() {
			switch {
			case o.Load() > fair:
				overloaded = append(overloaded, o)
			case o.Load() < fair:
				underloaded = append(underloaded, o)
			}
		}
		if len(overloaded) == 0 || len(underloaded) == 0 {
			return
		}
		moved := false
		for _, src := range overloaded {
			for _, dst := range underloaded {
				if src.Load() <= fair || dst.Load() >= fair {
					continue
				}
				for _, bucket := range src.owned {
					if movable(src, dst, bucket) {
						a.trackOrBeginTransfer(storage, storage, src, dst, bucket)
						moved = true
						break
					}
				}
			}
		}
		if !moved {
			return
		}
	}
}

// findSafeOwner returns the candidate with the lowest load that doesn't hold
// the bucket in any storage. Ties go to the first candidate.
func (a *Assignment) findSafeOwner(bucket int, candidates []*BucketOwner) *BucketOwner {
	var ret *BucketOwner
	for _, c := range candidates {
		if !a.isSafe(bucket, c.Address) {
			continue
		}
		if ret == nil || c.Load() < ret.Load() {
			ret = c
		}
	}
	return ret
}

func (a *Assignment) isSafe(bucket int, address string) bool {
	for _, owners := range a.owners {
		if o := owners.get(address); o != nil && o.holds(bucket) {
			return false
		}
	}
	return true
}

// trackOrBeginTransfer registers the transfer on both owners and adds it to
// the pending begin commands. Consecutive buckets between the same owners
// end up in a single command.
func (a *Assignment) trackOrBeginTransfer(sourceStorage, destinationStorage int, src, dst *BucketOwner, bucket int) {
	if sourceStorage == destinationStorage {
		src.removeOwned(bucket)
		_, exists := src.outbound[bucket]
		assertf(!exists, "bucket %d is already outbound from %s", bucket, src.Address)
		_, exists = dst.inbound[bucket]
		assertf(!exists, "bucket %d is already inbound to %s", bucket, dst.Address)
		src.outbound[bucket] = BucketTransfer{Storage: destinationStorage, Owner: dst.Address}
		dst.inbound[bucket] = BucketTransfer{Storage: sourceStorage, Owner: src.Address}
	} else {
		assertf(sourceStorage == 0, "replicas are restored from the primary, not storage %d", sourceStorage)
		_, exists := src.outboundReplicas[destinationStorage][bucket]
		assertf(!exists, "replica bucket %d is already outbound from %s", bucket, src.Address)
		_, exists = dst.inboundReplicas[bucket]
		assertf(!exists, "replica bucket %d is already inbound to %s", bucket, dst.Address)
		src.outboundReplicas[destinationStorage][bucket] = BucketTransfer{Storage: destinationStorage, Owner: dst.Address}
		dst.inboundReplicas[bucket] = BucketTransfer{Storage: sourceStorage, Owner: src.Address}
	}
	a.pending.add(TransferCommand{a.cache, sourceStorage, destinationStorage, src.Address, dst.Address, []int{bucket}})
}
