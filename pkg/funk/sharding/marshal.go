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
	"errors"

	"github.com/fxamacker/cbor/v2"
)

type wireTransfer struct {
	Bucket  int    `cbor:"b"`
	Storage int    `cbor:"s"`
	Owner   string `cbor:"o"`
}

type wireOwner struct {
	Address          string           `cbor:"a"`
	Leaving          bool             `cbor:"l,omitempty"`
	Owned            []int            `cbor:"ow,omitempty"`
	Outbound         []wireTransfer   `cbor:"out,omitempty"`
	Inbound          []wireTransfer   `cbor:"in,omitempty"`
	OutboundReplicas [][]wireTransfer `cbor:"outr,omitempty"`
	InboundReplicas  []wireTransfer   `cbor:"inr,omitempty"`
}

type wireStorage struct {
	Assignments []string    `cbor:"as"`
	Owners      []wireOwner `cbor:"ow"`
}

type wireAssignment struct {
	Cache        string        `cbor:"c"`
	BucketCount  int           `cbor:"n"`
	ReplicaCount int           `cbor:"r"`
	Storages     []wireStorage `cbor:"s"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func toWire(m map[int]BucketTransfer) []wireTransfer {
	var ret []wireTransfer
	for _, bucket := range sortedBuckets(m) {
		t := m[bucket]
		ret = append(ret, wireTransfer{Bucket: bucket, Storage: t.Storage, Owner: t.Owner})
	}
	return ret
}

func fromWire(list []wireTransfer) map[int]BucketTransfer {
	ret := make(map[int]BucketTransfer)
	for _, t := range list {
		ret[t.Bucket] = BucketTransfer{Storage: t.Storage, Owner: t.Owner}
	}
	return ret
}

// MarshalBinary encodes the assignment. Two assignments that have seen the
// same changes in the same order encode to the same bytes.
func (a *Assignment) MarshalBinary() ([]byte, error) {
	w := wireAssignment{
		Cache:        a.cache,
		BucketCount:  a.bucketCount,
		ReplicaCount: a.replicaCount,
		Storages:     make([]wireStorage, len(a.owners)),
	}
	for storage, owners := range a.owners {
		ws := wireStorage{Assignments: a.assignments[storage]}
		for _, o := range owners.list() {
			wo := wireOwner{
				Address:         o.Address,
				Leaving:         o.Leaving,
				Owned:           o.owned,
				Outbound:        toWire(o.outbound),
				Inbound:         toWire(o.inbound),
				InboundReplicas: toWire(o.inboundReplicas),
			}
			for _, m := range o.outboundReplicas {
				wo.OutboundReplicas = append(wo.OutboundReplicas, toWire(m))
			}
			ws.Owners = append(ws.Owners, wo)
		}
		w.Storages[storage] = ws
	}
	return encMode.Marshal(&w)
}

// UnmarshalBinary replaces the assignment with an encoded one. Listeners are
// kept.
func (a *Assignment) UnmarshalBinary(data []byte) error {
	var w wireAssignment
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.BucketCount <= 0 || w.ReplicaCount < 0 || len(w.Storages) != w.ReplicaCount+1 {
		return errors.New("malformed bucket assignment")
	}
	a.cache = w.Cache
	a.bucketCount = w.BucketCount
	a.replicaCount = w.ReplicaCount
	a.pending = transferBatch{}
	a.reset()
	for storage, ws := range w.Storages {
		if len(ws.Assignments) != a.bucketCount {
			return errors.New("malformed bucket assignment")
		}
		copy(a.assignments[storage], ws.Assignments)
		for _, wo := range ws.Owners {
			o := newBucketOwner(wo.Address, storage, a.replicaCount)
			o.Leaving = wo.Leaving
			o.owned = append(o.owned, wo.Owned...)
			o.outbound = fromWire(wo.Outbound)
			o.inbound = fromWire(wo.Inbound)
			o.inboundReplicas = fromWire(wo.InboundReplicas)
			for i := 1; i < len(wo.OutboundReplicas) && i < len(o.outboundReplicas); i++ {
				o.outboundReplicas[i] = fromWire(wo.OutboundReplicas[i])
			}
			a.owners[storage].add(o)
		}
	}
	return nil
}
