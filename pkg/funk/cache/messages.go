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
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/lab5e/cachefunk/pkg/funk/bucket"
)

// MessageKind is the type of a point-to-point message
type MessageKind uint8

// Point-to-point message kinds
const (
	DataRequestMessage MessageKind = iota + 1
	DataResponseMessage
	TransferRequestMessage
	TransferResponseMessage
)

func (m MessageKind) String() string {
	switch m {
	case DataRequestMessage:
		return "DataRequest"
	case DataResponseMessage:
		return "DataResponse"
	case TransferRequestMessage:
		return "TransferRequest"
	case TransferResponseMessage:
		return "TransferResponse"
	default:
		panic(fmt.Sprintf("Unknown message kind: %d", m))
	}
}

// Envelope is a point-to-point message between the processors for a cache.
// The payload is CBOR encoded. The timestamp is the sender's clock.
type Envelope struct {
	Kind      MessageKind     `cbor:"k"`
	Cache     string          `cbor:"c"`
	Sender    string          `cbor:"s"`
	Receiver  string          `cbor:"r"`
	Timestamp int64           `cbor:"t"`
	Payload   cbor.RawMessage `cbor:"p"`
}

// NewEnvelope creates an envelope with an encoded payload
func NewEnvelope(kind MessageKind, cache, sender, receiver string, payload interface{}) (*Envelope, error) {
	buf, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:     kind,
		Cache:    cache,
		Sender:   sender,
		Receiver: receiver,
		Payload:  buf,
	}, nil
}

// Decode decodes the payload
func (e *Envelope) Decode(v interface{}) error {
	return cbor.Unmarshal(e.Payload, v)
}

// plainEnvelope has the fields of Envelope but not the marshalling methods
type plainEnvelope Envelope

// MarshalBinary encodes the envelope
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*plainEnvelope)(e))
}

// UnmarshalBinary decodes the envelope
func (e *Envelope) UnmarshalBinary(buf []byte) error {
	return cbor.Unmarshal(buf, (*plainEnvelope)(e))
}

// GroupKind is the type of a group message
type GroupKind uint8

// Group message kinds. Group messages are delivered to every node in the
// same order.
const (
	AddBucketOwnerGroupMessage GroupKind = iota + 1
	RemoveBucketOwnersGroupMessage
	MarkBucketOwnerLeavingGroupMessage
	BucketTransferCompletedGroupMessage
	BucketTransferRejectedGroupMessage
	InvalidateFrontCacheGroupMessage
)

func (g GroupKind) String() string {
	switch g {
	case AddBucketOwnerGroupMessage:
		return "AddBucketOwner"
	case RemoveBucketOwnersGroupMessage:
		return "RemoveBucketOwners"
	case MarkBucketOwnerLeavingGroupMessage:
		return "MarkBucketOwnerLeaving"
	case BucketTransferCompletedGroupMessage:
		return "BucketTransferCompleted"
	case BucketTransferRejectedGroupMessage:
		return "BucketTransferRejected"
	case InvalidateFrontCacheGroupMessage:
		return "InvalidateFrontCache"
	default:
		panic(fmt.Sprintf("Unknown group message kind: %d", g))
	}
}

// GroupMessage is a message that is broadcast to every processor for a cache
// in total order. Membership changes use the addresses, transfer
// announcements use the storages and owners and invalidations use the
// bucket list.
type GroupMessage struct {
	Kind               GroupKind `cbor:"k"`
	Cache              string    `cbor:"c"`
	Sender             string    `cbor:"s"`
	Addresses          []string  `cbor:"a,omitempty"`
	SourceStorage      int       `cbor:"ss,omitempty"`
	DestinationStorage int       `cbor:"ds,omitempty"`
	Source             string    `cbor:"so,omitempty"`
	Destination        string    `cbor:"de,omitempty"`
	Buckets            []int     `cbor:"b,omitempty"`
}

type plainGroupMessage GroupMessage

// MarshalBinary encodes the message
func (g *GroupMessage) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*plainGroupMessage)(g))
}

// UnmarshalBinary decodes the message
func (g *GroupMessage) UnmarshalBinary(buf []byte) error {
	return cbor.Unmarshal(buf, (*plainGroupMessage)(g))
}

// dataRequest is a sub-request sent to a bucket owner
type dataRequest struct {
	ID      uint64    `cbor:"i"`
	Storage int       `cbor:"s"`
	Op      Operation `cbor:"o"`
	Parts   []*Part   `cbor:"p"`
}

// transferRequest carries bucket snapshots to a new owner
type transferRequest struct {
	TransferID         uint64            `cbor:"i"`
	SourceStorage      int               `cbor:"ss"`
	DestinationStorage int               `cbor:"ds"`
	Buckets            []bucket.Snapshot `cbor:"b"`
}

// transferResponse tells the source which buckets were installed
type transferResponse struct {
	TransferID  uint64 `cbor:"i"`
	Transferred []int  `cbor:"t,omitempty"`
	Rejected    []int  `cbor:"r,omitempty"`
	Error       string `cbor:"e,omitempty"`
}
