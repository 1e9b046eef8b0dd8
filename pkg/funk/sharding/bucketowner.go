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
	"golang.org/x/exp/slices"
)

// BucketTransfer is the other end of an in-flight bucket transfer. For an
// outbound transfer it names the destination, for an inbound transfer the
// source.
type BucketTransfer struct {
	Storage int
	Owner   string
}

// BucketOwner holds the bucket bookkeeping for a single address in a single
// storage. A bucket is in at most one of the owned, outbound or inbound sets.
// The replica maps are only used by primary (outbound) and replica (inbound)
// owners respectively.
type BucketOwner struct {
	Address string
	Storage int
	Leaving bool

	owned            []int
	outbound         map[int]BucketTransfer
	inbound          map[int]BucketTransfer
	outboundReplicas []map[int]BucketTransfer
	inboundReplicas  map[int]BucketTransfer
}

func newBucketOwner(address string, storage int, replicaCount int) *BucketOwner {
	ret := &BucketOwner{
		Address:         address,
		Storage:         storage,
		owned:           make([]int, 0),
		outbound:        make(map[int]BucketTransfer),
		inbound:         make(map[int]BucketTransfer),
		inboundReplicas: make(map[int]BucketTransfer),
	}
	if storage == 0 {
		ret.outboundReplicas = make([]map[int]BucketTransfer, replicaCount+1)
		for i := 1; i <= replicaCount; i++ {
			ret.outboundReplicas[i] = make(map[int]BucketTransfer)
		}
	}
	return ret
}

// Load is the number of buckets the owner has or is about to get.
func (b *BucketOwner) Load() int {
	return len(b.owned) + len(b.inbound) + len(b.inboundReplicas)
}

// Owned returns a copy of the owned buckets in the order they were added
func (b *BucketOwner) Owned() []int {
	return slices.Clone(b.owned)
}

func (b *BucketOwner) owns(bucket int) bool {
	return slices.Contains(b.owned, bucket)
}

func (b *BucketOwner) addOwned(bucket int) {
	assertf(!b.owns(bucket), "%s already owns bucket %d in storage %d", b.Address, bucket, b.Storage)
	b.owned = append(b.owned, bucket)
}

func (b *BucketOwner) removeOwned(bucket int) {
	i := slices.Index(b.owned, bucket)
	assertf(i >= 0, "%s does not own bucket %d in storage %d", b.Address, bucket, b.Storage)
	b.owned = slices.Delete(b.owned, i, i+1)
}

// holds reports if the owner has the bucket in any state in this storage
func (b *BucketOwner) holds(bucket int) bool {
	if b.owns(bucket) {
		return true
	}
	if _, ok := b.inbound[bucket]; ok {
		return true
	}
	if _, ok := b.outbound[bucket]; ok {
		return true
	}
	_, ok := b.inboundReplicas[bucket]
	return ok
}

// restoringReplica reports if the bucket is the source of a replica restore
func (b *BucketOwner) restoringReplica(bucket int) bool {
	for _, m := range b.outboundReplicas {
		if _, ok := m[bucket]; ok {
			return true
		}
	}
	return false
}

func (b *BucketOwner) inFlight() bool {
	if len(b.inbound) > 0 || len(b.outbound) > 0 || len(b.inboundReplicas) > 0 {
		return true
	}
	for _, m := range b.outboundReplicas {
		if len(m) > 0 {
			return true
		}
	}
	return false
}

func sortedBuckets(m map[int]BucketTransfer) []int {
	ret := make([]int, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	slices.Sort(ret)
	return ret
}

// ownerMap is a map of bucket owners that is traversed in address order.
// Every node must visit owners in the same order to end up with the same
// assignment.
type ownerMap struct {
	addresses []string
	byAddress map[string]*BucketOwner
}

func newOwnerMap() *ownerMap {
	return &ownerMap{byAddress: make(map[string]*BucketOwner)}
}

func (o *ownerMap) get(address string) *BucketOwner {
	return o.byAddress[address]
}

func (o *ownerMap) add(owner *BucketOwner) {
	i, found := slices.BinarySearch(o.addresses, owner.Address)
	assertf(!found, "%s is already a bucket owner in storage %d", owner.Address, owner.Storage)
	o.addresses = slices.Insert(o.addresses, i, owner.Address)
	o.byAddress[owner.Address] = owner
}

func (o *ownerMap) remove(address string) {
	i, found := slices.BinarySearch(o.addresses, address)
	if !found {
		return
	}
	o.addresses = slices.Delete(o.addresses, i, i+1)
	delete(o.byAddress, address)
}

func (o *ownerMap) len() int {
	return len(o.addresses)
}

func (o *ownerMap) list() []*BucketOwner {
	ret := make([]*BucketOwner, len(o.addresses))
	for i, a := range o.addresses {
		ret[i] = o.byAddress[a]
	}
	return ret
}

// active returns the owners that are not leaving
func (o *ownerMap) active() []*BucketOwner {
	ret := make([]*BucketOwner, 0, len(o.addresses))
	for _, a := range o.addresses {
		if owner := o.byAddress[a]; !owner.Leaving {
			ret = append(ret, owner)
		}
	}
	return ret
}
