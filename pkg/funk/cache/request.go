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
	"sort"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"golang.org/x/exp/slices"
)

// OpKind is the cache operation a request carries
type OpKind uint8

// Operations. Single key operations are sent to one owner and are never
// split again, the others fan out to every owner of the buckets they
// touch.
const (
	OpGet OpKind = iota + 1
	OpPut
	OpRemove
	OpReplace
	OpAtomicReplace
	OpContainsKey
	OpExecute
	OpGetAll
	OpRemoveAll
	OpPutAll
	OpClear
	OpGetKeySet
	OpGetEntrySet
	OpValues
	OpContainsValue
	OpSize
	OpGetStatistics
	OpExecuteAll
	OpReplicate
)

func (o OpKind) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	case OpReplace:
		return "replace"
	case OpAtomicReplace:
		return "atomicReplace"
	case OpContainsKey:
		return "containsKey"
	case OpExecute:
		return "execute"
	case OpGetAll:
		return "getAll"
	case OpRemoveAll:
		return "removeAll"
	case OpPutAll:
		return "putAll"
	case OpClear:
		return "clear"
	case OpGetKeySet:
		return "getKeySet"
	case OpGetEntrySet:
		return "getEntrySet"
	case OpValues:
		return "values"
	case OpContainsValue:
		return "containsValue"
	case OpSize:
		return "size"
	case OpGetStatistics:
		return "getStatistics"
	case OpExecuteAll:
		return "executeAll"
	case OpReplicate:
		return "replicate"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}

// Operation describes what a request does in every bucket it reaches. The
// keys and entries travel in the parts.
type Operation struct {
	Kind       OpKind `cbor:"k"`
	Value      []byte `cbor:"v,omitempty"`
	Expected   []byte `cbor:"x,omitempty"`
	Executable string `cbor:"e,omitempty"`
	Filter     string `cbor:"f,omitempty"`
	Lease      bool   `cbor:"l,omitempty"`
}

// Part is the share of a request that targets a single bucket. Bucket-wide
// operations have no keys or entries. Replication parts carry the
// entries to set, the keys to remove and a clear flag.
type Part struct {
	Bucket  int            `cbor:"b"`
	Keys    []string       `cbor:"k,omitempty"`
	Entries []bucket.Entry `cbor:"e,omitempty"`
	Clear   bool           `cbor:"c,omitempty"`
}

// Request is a client request before it is split into sub-requests
type Request struct {
	Op    Operation
	Parts []*Part
	// Single requests touch one key and won't be split again when the
	// owner rejects the bucket.
	Single bool
}

// ResultCode is the outcome of a request
type ResultCode uint8

// Result codes. Retry and Inaccessible are transient.
const (
	ResultSuccess ResultCode = iota + 1
	ResultRetry
	ResultInaccessible
	ResultError
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultInaccessible:
		return "inaccessible"
	case ResultError:
		return "error"
	default:
		panic(fmt.Sprintf("Unknown result code: %d", r))
	}
}

// Outcome is the result of running an executable
type Outcome struct {
	Bucket int    `cbor:"b"`
	Key    string `cbor:"k,omitempty"`
	Value  []byte `cbor:"v,omitempty"`
	Error  string `cbor:"e,omitempty"`
}

// Result is the payload of a response. Operations use the fields that
// make sense for them.
type Result struct {
	Found           bool              `cbor:"f,omitempty"`
	Value           []byte            `cbor:"v,omitempty"`
	Count           int64             `cbor:"n,omitempty"`
	Entries         []bucket.Entry    `cbor:"e,omitempty"`
	Keys            []string          `cbor:"k,omitempty"`
	Values          [][]byte          `cbor:"vs,omitempty"`
	Outcomes        []Outcome         `cbor:"o,omitempty"`
	Stats           bucket.Statistics `cbor:"s"`
	LeaseExpiration int64             `cbor:"l,omitempty"`
}

// Response is the answer to a (sub-)request. Rejected lists the buckets the
// owner refused to process.
type Response struct {
	RequestID uint64     `cbor:"i"`
	Sender    string     `cbor:"s"`
	Code      ResultCode `cbor:"c"`
	Result    Result     `cbor:"r"`
	Rejected  []int      `cbor:"rj,omitempty"`
	Error     string     `cbor:"e,omitempty"`
}

// retryRequest returns a request for the parts in the rejected buckets
func (r *Request) retryRequest(rejected []int) *Request {
	ret := &Request{Op: r.Op, Single: r.Single}
	for _, p := range r.Parts {
		if slices.Contains(rejected, p.Bucket) {
			ret.Parts = append(ret.Parts, p)
		}
	}
	return ret
}

func errorResponse(id uint64, sender string, err error) *Response {
	return &Response{RequestID: id, Sender: sender, Code: ResultError, Error: err.Error()}
}

// newKeyRequest builds a single key request
func newKeyRequest(op Operation, bucketOf func(string) int, key string) *Request {
	part := &Part{Bucket: bucketOf(key), Keys: []string{key}}
	return &Request{Op: op, Parts: []*Part{part}, Single: true}
}

// newEntryRequest builds a single key request that carries a value
func newEntryRequest(op Operation, bucketOf func(string) int, key string, value []byte) *Request {
	if value == nil {
		value = []byte{}
	}
	part := &Part{Bucket: bucketOf(key), Entries: []bucket.Entry{{Key: key, Value: value}}}
	return &Request{Op: op, Parts: []*Part{part}, Single: true}
}

// newKeySetRequest groups keys by bucket
func newKeySetRequest(op Operation, bucketOf func(string) int, keys []string) *Request {
	parts := make(map[int]*Part)
	for _, k := range keys {
		n := bucketOf(k)
		p, ok := parts[n]
		if !ok {
			p = &Part{Bucket: n}
			parts[n] = p
		}
		p.Keys = append(p.Keys, k)
	}
	return &Request{Op: op, Parts: sortedParts(parts)}
}

// newEntrySetRequest groups entries by bucket
func newEntrySetRequest(op Operation, bucketOf func(string) int, entries []bucket.Entry) *Request {
	parts := make(map[int]*Part)
	for _, e := range entries {
		n := bucketOf(e.Key)
		p, ok := parts[n]
		if !ok {
			p = &Part{Bucket: n}
			parts[n] = p
		}
		p.Entries = append(p.Entries, e)
	}
	return &Request{Op: op, Parts: sortedParts(parts)}
}

// newBucketSetRequest targets every bucket
func newBucketSetRequest(op Operation, bucketCount int) *Request {
	parts := make([]*Part, bucketCount)
	for i := range parts {
		parts[i] = &Part{Bucket: i}
	}
	return &Request{Op: op, Parts: parts}
}

func sortedParts(parts map[int]*Part) []*Part {
	ret := make([]*Part, 0, len(parts))
	for _, p := range parts {
		ret = append(ret, p)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Bucket < ret[j].Bucket })
	return ret
}
