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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	assigned  []BucketCommand
	orphaned  []BucketCommand
	restored  []RestoreCommand
	begun     []TransferCommand
	finished  []TransferCommand
	cancelled []TransferCommand
}

func (r *recorder) AssignBuckets(cmd BucketCommand)          { r.assigned = append(r.assigned, cmd) }
func (r *recorder) OrphanBuckets(cmd BucketCommand)          { r.orphaned = append(r.orphaned, cmd) }
func (r *recorder) RestoreBuckets(cmd RestoreCommand)        { r.restored = append(r.restored, cmd) }
func (r *recorder) BeginBucketTransfer(cmd TransferCommand)  { r.begun = append(r.begun, cmd) }
func (r *recorder) FinishBucketTransfer(cmd TransferCommand) { r.finished = append(r.finished, cmd) }
func (r *recorder) CancelBucketTransfer(cmd TransferCommand) { r.cancelled = append(r.cancelled, cmd) }

func newTestAssignment(t *testing.T, buckets, replicas int) (*Assignment, *recorder) {
	a, err := NewAssignment("test", buckets, replicas)
	require.NoError(t, err)
	r := &recorder{}
	a.AddListener(r)
	return a, r
}

// settle finishes every transfer that has been started (including the ones
// started while finishing) until there's nothing left in flight.
func settle(t *testing.T, a *Assignment, r *recorder) {
	for i := 0; len(r.begun) > 0; i++ {
		require.Less(t, i, 100000, "Assignment does not settle")
		cmd := r.begun[0]
		r.begun = r.begun[1:]
		a.FinishBucketTransfer(cmd.SourceStorage, cmd.DestinationStorage, cmd.Source, cmd.Destination, cmd.Buckets)
	}
	require.False(t, a.InFlight(), "Transfers are still in flight")
	verifyAssignment(t, a)
}

// verifyAssignment checks that every bucket is held by at most one owner in
// a storage, that the owner is the one in the assignment and that no
// address holds the same bucket in more than one storage.
func verifyAssignment(t *testing.T, a *Assignment) {
	assert := require.New(t)
	for storage, owners := range a.owners {
		holders := make(map[int]string)
		for _, o := range owners.list() {
			for _, b := range o.owned {
				_, exists := holders[b]
				assert.False(exists, "Bucket %d in storage %d is owned twice", b, storage)
				holders[b] = o.Address
			}
			for b := range o.outbound {
				_, exists := holders[b]
				assert.False(exists, "Bucket %d in storage %d is outbound and owned", b, storage)
				holders[b] = o.Address
			}
		}
		for b, address := range a.assignments[storage] {
			assert.Equal(address, holders[b], "Bucket %d in storage %d has the wrong owner", b, storage)
		}
	}
	for _, address := range a.owners[0].addresses {
		seen := make(map[int]int)
		for storage, owners := range a.owners {
			o := owners.get(address)
			for b := 0; b < a.bucketCount; b++ {
				if o.holds(b) {
					prev, exists := seen[b]
					assert.False(exists, "%s holds bucket %d in storage %d and %d", address, b, prev, storage)
					seen[b] = storage
				}
			}
		}
	}
}

func loads(a *Assignment, storage int) (min int, max int, total int) {
	min = a.bucketCount + 1
	for _, o := range a.owners[storage].active() {
		l := o.Load()
		total += l
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
	}
	return min, max, total
}

func TestNewAssignment(t *testing.T) {
	assert := require.New(t)

	_, err := NewAssignment("test", 0, 0)
	assert.Error(err)
	_, err = NewAssignment("test", 10, -1)
	assert.Error(err)

	a, err := NewAssignment("test", 10, 2)
	assert.NoError(err)
	assert.Equal(10, a.BucketCount())
	assert.Equal(2, a.ReplicaCount())
	assert.Len(a.Orphans(0), 10)
	assert.Len(a.Orphans(2), 10)
	assert.Equal("", a.Owner(0, 3))
	assert.Equal("", a.Owner(3, 3), "Out of range storage has no owner")
	assert.False(a.InFlight())
}

func TestSingleOwner(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 16, 0)

	a.AddBucketOwner("X")
	assert.Len(r.assigned, 1)
	assert.Equal("X", r.assigned[0].Address)
	assert.Len(r.assigned[0].Buckets, 16)
	assert.Len(a.OwnedBuckets(0, "X"), 16)
	assert.Empty(r.begun)
	assert.Empty(a.Orphans(0))
	assert.True(a.HasBucketResponsibilities("X"))
	verifyAssignment(t, a)

	assert.Panics(func() { a.AddBucketOwner("X") }, "Duplicate owners are not allowed")
}

func TestTwoOwnersSplitEvenly(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 4, 0)

	a.AddBucketOwner("X")
	a.AddBucketOwner("Y")

	assert.Len(r.begun, 1, "Transfers between the same owners are batched")
	cmd := r.begun[0]
	assert.Equal("X", cmd.Source)
	assert.Equal("Y", cmd.Destination)
	assert.Equal([]int{0, 1}, cmd.Buckets)
	assert.Equal("X", a.Owner(0, 0), "Source owns the bucket until the transfer is finished")
	assert.Equal(2, a.OwnerLoad(0, "Y"))
	assert.True(a.InFlight())

	settle(t, a, r)
	assert.Equal([]int{2, 3}, a.OwnedBuckets(0, "X"))
	assert.Equal([]int{0, 1}, a.OwnedBuckets(0, "Y"))
	assert.Equal("Y", a.Owner(0, 0))
	assert.Len(r.finished, 1)
}

func TestFairnessConvergence(t *testing.T) {
	assert := require.New(t)
	const buckets = 60
	a, r := newTestAssignment(t, buckets, 0)

	for i := 1; i <= 6; i++ {
		a.AddBucketOwner(fmt.Sprintf("node-%d", i))
		settle(t, a, r)
		min, max, total := loads(a, 0)
		assert.Equal(buckets, total)
		assert.LessOrEqual(max-min, 1, "Imbalance with %d owners", i)
		assert.Empty(a.Orphans(0))
	}

	for i := 6; i > 1; i-- {
		a.RemoveBucketOwners(fmt.Sprintf("node-%d", i))
		settle(t, a, r)
		min, max, total := loads(a, 0)
		assert.Equal(buckets, total)
		assert.LessOrEqual(max-min, 1, "Imbalance with %d owners", i-1)
		assert.Empty(a.Orphans(0))
	}
}

func TestUnevenBucketCount(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 10, 0)

	for i := 1; i <= 4; i++ {
		a.AddBucketOwner(fmt.Sprintf("node-%d", i))
		settle(t, a, r)
	}
	fair := a.fairBucketsPerNode(0)
	assert.Equal(10/4+10%4, fair)
	_, max, total := loads(a, 0)
	assert.Equal(10, total)
	assert.LessOrEqual(max, fair)
}

func TestLeavingOwnerDrains(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 30, 0)
	a.AddBucketOwner("A")
	a.AddBucketOwner("B")
	a.AddBucketOwner("C")
	settle(t, a, r)

	a.MarkBucketOwnerLeaving("B")
	assert.True(a.IsLeaving("B"))
	assert.NotEmpty(r.begun)
	for _, cmd := range r.begun {
		assert.Equal("B", cmd.Source)
	}
	settle(t, a, r)
	assert.False(a.HasBucketResponsibilities("B"))
	assert.Empty(a.OwnedBuckets(0, "B"))
	assert.Equal(30, len(a.OwnedBuckets(0, "A"))+len(a.OwnedBuckets(0, "C")))

	orphans := len(r.orphaned)
	a.RemoveBucketOwners("B")
	assert.Len(r.orphaned, orphans, "Nothing is lost when a drained owner is removed")
	assert.Empty(r.begun)
	assert.False(a.HasOwner("B"))
}

func TestSoleOwnerLeaving(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 8, 1)
	a.AddBucketOwner("X")
	settle(t, a, r)
	assert.Len(a.Orphans(1), 8, "A single node can't hold replicas")

	a.MarkBucketOwnerLeaving("X")
	assert.Empty(r.begun)
	assert.Len(r.orphaned, 1)
	assert.Equal(8, len(r.orphaned[0].Buckets))
	assert.Len(a.Orphans(0), 8)
	assert.False(a.HasBucketResponsibilities("X"))

	a.Repartition()
	assert.Empty(r.begun, "Orphans stay orphaned when everyone is leaving")
	assert.Len(r.orphaned, 1)
	assert.Len(a.Orphans(0), 8)
}

func TestReplicaPlacement(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 12, 1)

	for _, n := range []string{"A", "B", "C"} {
		a.AddBucketOwner(n)
		settle(t, a, r)
	}
	for storage := 0; storage <= 1; storage++ {
		assert.Empty(a.Orphans(storage), "Storage %d has orphans", storage)
		_, max, total := loads(a, storage)
		assert.Equal(12, total)
		assert.LessOrEqual(max, a.fairBucketsPerNode(storage))
	}
	for b := 0; b < 12; b++ {
		assert.NotEqual(a.Owner(0, b), a.Owner(1, b), "Primary and replica of bucket %d on the same node", b)
	}
}

func TestTwoReplicas(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 24, 2)

	for _, n := range []string{"A", "B", "C", "D"} {
		a.AddBucketOwner(n)
		settle(t, a, r)
	}
	for storage := 0; storage <= 2; storage++ {
		assert.Empty(a.Orphans(storage), "Storage %d has orphans", storage)
	}
	for b := 0; b < 24; b++ {
		owners := map[string]bool{a.Owner(0, b): true, a.Owner(1, b): true, a.Owner(2, b): true}
		assert.Len(owners, 3, "Bucket %d is not spread over three nodes", b)
	}
}

func TestRemovedPrimaryIsRestoredFromReplica(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 12, 1)
	for _, n := range []string{"A", "B", "C"} {
		a.AddBucketOwner(n)
		settle(t, a, r)
	}
	primaries := a.OwnedBuckets(0, "A")
	assert.NotEmpty(primaries)
	replicaOwners := make(map[int]string)
	for _, b := range primaries {
		replicaOwners[b] = a.Owner(1, b)
	}
	assigned := len(r.assigned)

	a.RemoveBucketOwners("A")
	assert.NotEmpty(r.restored)
	assert.Len(r.assigned, assigned, "No primary bucket is assigned empty")
	for _, b := range primaries {
		assert.Equal(replicaOwners[b], a.Owner(0, b), "Bucket %d is promoted on the replica owner", b)
	}
	settle(t, a, r)
	assert.Empty(a.Orphans(0))
	assert.Empty(a.Orphans(1))
}

func TestRemoveDestinationCancelsTransfer(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 4, 0)
	a.AddBucketOwner("X")
	a.AddBucketOwner("Y")
	assert.Len(r.begun, 1)

	a.RemoveBucketOwners("Y")
	assert.Len(r.cancelled, 1)
	assert.Equal(TransferCommand{"test", 0, 0, "X", "Y", []int{0, 1}}, r.cancelled[0])
	assert.Empty(r.orphaned)
	assert.Len(a.OwnedBuckets(0, "X"), 4)
	assert.False(a.InFlight())

	// The stale begin command is ignored when it finishes
	settle(t, a, r)
	assert.Len(a.OwnedBuckets(0, "X"), 4)
}

func TestRemoveSourceCancelsTransfer(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 4, 0)
	a.AddBucketOwner("X")
	a.AddBucketOwner("Y")
	assert.Len(r.begun, 1)
	r.assigned = nil

	a.RemoveBucketOwners("X")
	assert.Len(r.cancelled, 1)
	assert.Len(r.orphaned, 1)
	assert.ElementsMatch([]int{0, 1, 2, 3}, r.orphaned[0].Buckets)
	assert.Len(r.assigned, 1)
	assert.Equal("Y", r.assigned[0].Address)
	settle(t, a, r)
	assert.Len(a.OwnedBuckets(0, "Y"), 4)
}

func TestRejectBucketTransfer(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 4, 0)
	a.AddBucketOwner("X")
	a.AddBucketOwner("Y")
	cmd := r.begun[0]
	r.begun = nil

	a.RejectBucketTransfer(cmd.SourceStorage, cmd.DestinationStorage, cmd.Source, cmd.Destination, cmd.Buckets)
	assert.Len(r.cancelled, 1)
	assert.Equal(cmd, r.cancelled[0])
	assert.Len(r.begun, 1, "Repartition starts the transfer again")
	assert.Equal(cmd.Destination, r.begun[0].Destination)
	assert.Len(r.begun[0].Buckets, 2)
	settle(t, a, r)
	assert.Len(a.OwnedBuckets(0, "Y"), 2)
}

func TestBookkeepingViolationsPanic(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 4, 1)
	a.AddBucketOwner("X")
	a.AddBucketOwner("Y")
	settle(t, a, r)

	assert.PanicsWithError("bucket ownership invariant violated: bucket 3 in storage 0 is not outbound from X to Y", func() {
		a.FinishBucketTransfer(0, 0, "X", "Y", []int{3})
	})
	a2, _ := newTestAssignment(t, 4, 1)
	a2.AddBucketOwner("X")
	a2.AddBucketOwner("Y")
	assert.Panics(func() { a2.RejectBucketTransfer(0, 1, "X", "Y", []int{3, 2, 1, 0}) })

	// Unknown owners are ignored
	assert.NotPanics(func() { a.FinishBucketTransfer(0, 0, "X", "Z", []int{1}) })
	assert.NotPanics(func() { a.MarkBucketOwnerLeaving("Z") })
	assert.NotPanics(func() { a.RemoveBucketOwners("Z") })
}
