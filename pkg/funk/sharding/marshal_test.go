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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	assert := require.New(t)
	a, r := newTestAssignment(t, 32, 1)
	a.AddBucketOwner("A")
	a.AddBucketOwner("B")
	settle(t, a, r)
	a.AddBucketOwner("C")
	// Leave transfers in flight so the bookkeeping is encoded too

	buf, err := a.MarshalBinary()
	assert.NoError(err)

	b, err := NewAssignment("other", 1, 0)
	assert.NoError(err)
	assert.NoError(b.UnmarshalBinary(buf))
	assert.Equal("test", b.Cache())
	assert.Equal(32, b.BucketCount())
	assert.Equal(1, b.ReplicaCount())
	assert.True(b.InFlight())

	buf2, err := b.MarshalBinary()
	assert.NoError(err)
	assert.Equal(buf, buf2)

	// Both continue the same way
	rb := &recorder{}
	b.AddListener(rb)
	rb.begun = append(rb.begun, r.begun...)
	settle(t, a, r)
	settle(t, b, rb)
	buf, err = a.MarshalBinary()
	assert.NoError(err)
	buf2, err = b.MarshalBinary()
	assert.NoError(err)
	assert.Equal(buf, buf2)

	assert.Error(b.UnmarshalBinary([]byte{0xff, 0x00}))
}

// Two assignments that get the same changes must stay identical, even when
// changes arrive while transfers are in flight.
func TestDeterministicChurn(t *testing.T) {
	assert := require.New(t)
	rnd := rand.New(rand.NewSource(17))

	a, ra := newTestAssignment(t, 64, 2)
	b, rb := newTestAssignment(t, 64, 2)

	nodes := 0
	var live []string
	for step := 0; step < 300; step++ {
		op := rnd.Intn(10)
		switch {
		case op < 3 || len(live) < 2:
			nodes++
			address := fmt.Sprintf("node-%03d", nodes)
			live = append(live, address)
			a.AddBucketOwner(address)
			b.AddBucketOwner(address)
		case op < 4:
			i := rnd.Intn(len(live))
			a.MarkBucketOwnerLeaving(live[i])
			b.MarkBucketOwnerLeaving(live[i])
		case op < 5:
			i := rnd.Intn(len(live))
			address := live[i]
			live = append(live[:i], live[i+1:]...)
			a.RemoveBucketOwners(address)
			b.RemoveBucketOwners(address)
		default:
			// Finish some of the transfers
			n := rnd.Intn(len(ra.begun) + 1)
			assert.Equal(len(ra.begun), len(rb.begun))
			for i := 0; i < n && len(ra.begun) > 0; i++ {
				ca, cb := ra.begun[0], rb.begun[0]
				ra.begun, rb.begun = ra.begun[1:], rb.begun[1:]
				assert.Equal(ca, cb)
				a.FinishBucketTransfer(ca.SourceStorage, ca.DestinationStorage, ca.Source, ca.Destination, ca.Buckets)
				b.FinishBucketTransfer(cb.SourceStorage, cb.DestinationStorage, cb.Source, cb.Destination, cb.Buckets)
			}
		}
		verifyAssignment(t, a)

		bufA, err := a.MarshalBinary()
		assert.NoError(err)
		bufB, err := b.MarshalBinary()
		assert.NoError(err)
		assert.Equal(bufA, bufB, "Assignments differ after step %d", step)
		assert.Equal(ra.assigned, rb.assigned)
		assert.Equal(ra.orphaned, rb.orphaned)
		assert.Equal(ra.cancelled, rb.cancelled)
	}
}
