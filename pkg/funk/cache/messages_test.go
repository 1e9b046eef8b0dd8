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
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshal(t *testing.T) {
	assert := require.New(t)

	env, err := NewEnvelope(DataRequestMessage, "first", "A", "B", &dataRequest{ID: 7, Storage: 1, Op: Operation{Kind: OpPut}})
	assert.NoError(err)
	env.Timestamp = 1234

	buf, err := env.MarshalBinary()
	assert.NoError(err)
	dup := &Envelope{}
	assert.NoError(dup.UnmarshalBinary(buf))
	assert.Equal(env, dup)

	req := &dataRequest{}
	assert.NoError(dup.Decode(req))
	assert.Equal(uint64(7), req.ID)
	assert.Equal(1, req.Storage)
	assert.Equal(OpPut, req.Op.Kind)

	// The gRPC codec encodes the envelope as a value
	buf, err = cbor.Marshal(env)
	assert.NoError(err)
	dup = &Envelope{}
	assert.NoError(cbor.Unmarshal(buf, dup))
	assert.Equal(env, dup)

	assert.Error(dup.UnmarshalBinary([]byte{0xff, 0x00}))
}

func TestGroupMessageMarshal(t *testing.T) {
	assert := require.New(t)

	msg := &GroupMessage{
		Kind:               BucketTransferRejectedGroupMessage,
		Cache:              "first",
		Sender:             "A",
		SourceStorage:      1,
		DestinationStorage: 2,
		Source:             "A",
		Destination:        "B",
		Buckets:            []int{1, 4, 9},
	}
	buf, err := msg.MarshalBinary()
	assert.NoError(err)
	dup := &GroupMessage{}
	assert.NoError(dup.UnmarshalBinary(buf))
	assert.Equal(msg, dup)

	msg = &GroupMessage{Kind: AddBucketOwnerGroupMessage, Cache: "first", Addresses: []string{"A", "B"}}
	buf, err = cbor.Marshal(msg)
	assert.NoError(err)
	dup = &GroupMessage{}
	assert.NoError(cbor.Unmarshal(buf, dup))
	assert.Equal(msg, dup)
}
