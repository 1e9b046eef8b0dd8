package bucket

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
	"sort"
	"sync"
	"sync/atomic"
)

// Bucket is the node-local copy of one bucket in one storage. A bucket that
// is reconfiguring is being transferred and must not serve requests. The
// bucket is only modified by the cache processor. The lock is for external
// users that need exclusive access to the content.
type Bucket struct {
	number          int
	reconfiguring   bool
	leaseExpiration int64
	content         Content
	mutex           sync.RWMutex

	reads  uint64
	writes uint64
	hits   uint64
	misses uint64
}

// Snapshot is a copy of a bucket's entries
type Snapshot struct {
	Number  int     `cbor:"n"`
	Entries []Entry `cbor:"e,omitempty"`
}

// Statistics is a set of bucket counters
type Statistics struct {
	Buckets int   `cbor:"b"`
	Entries int64 `cbor:"e"`
	Reads   int64 `cbor:"r"`
	Writes  int64 `cbor:"w"`
	Hits    int64 `cbor:"h"`
	Misses  int64 `cbor:"m"`
}

// Add adds another set of counters to this one
func (s *Statistics) Add(other Statistics) {
	s.Buckets += other.Buckets
	s.Entries += other.Entries
	s.Reads += other.Reads
	s.Writes += other.Writes
	s.Hits += other.Hits
	s.Misses += other.Misses
}

// New creates a bucket with the given content
func New(number int, content Content) *Bucket {
	return &Bucket{number: number, content: content}
}

// Number returns the bucket number
func (b *Bucket) Number() int {
	return b.number
}

// Content returns the bucket content
func (b *Bucket) Content() Content {
	return b.content
}

// Reconfiguring returns true while the bucket is transferred
func (b *Bucket) Reconfiguring() bool {
	return b.reconfiguring
}

// SetReconfiguring sets the reconfiguring flag
func (b *Bucket) SetReconfiguring(reconfiguring bool) {
	b.reconfiguring = reconfiguring
}

// RWMutex returns the bucket lock
func (b *Bucket) RWMutex() *sync.RWMutex {
	return &b.mutex
}

// Lease extends the read lease to the expiration time. Leases are never
// shortened.
func (b *Bucket) Lease(expiration int64) {
	if expiration > b.leaseExpiration {
		b.leaseExpiration = expiration
	}
}

// LeaseExpiration returns the read lease expiration time
func (b *Bucket) LeaseExpiration() int64 {
	return b.leaseExpiration
}

// LeaseActive returns true if a read lease is active at the given time
func (b *Bucket) LeaseActive(now int64) bool {
	return now < b.leaseExpiration
}

// CountRead records a read. Hits are reads that found an entry.
func (b *Bucket) CountRead(hit bool) {
	atomic.AddUint64(&b.reads, 1)
	if hit {
		atomic.AddUint64(&b.hits, 1)
		return
	}
	atomic.AddUint64(&b.misses, 1)
}

// CountWrite records a write
func (b *Bucket) CountWrite() {
	atomic.AddUint64(&b.writes, 1)
}

// Statistics returns the bucket counters
func (b *Bucket) Statistics() Statistics {
	return Statistics{
		Buckets: 1,
		Entries: int64(b.content.Size()),
		Reads:   int64(atomic.LoadUint64(&b.reads)),
		Writes:  int64(atomic.LoadUint64(&b.writes)),
		Hits:    int64(atomic.LoadUint64(&b.hits)),
		Misses:  int64(atomic.LoadUint64(&b.misses)),
	}
}

// Snapshot makes a copy of the entries, sorted on key.
func (b *Bucket) Snapshot() (Snapshot, error) {
	ret := Snapshot{Number: b.number}
	err := b.content.Iterate(func(key string, value []byte) bool {
		v := make([]byte, len(value))
		copy(v, value)
		ret.Entries = append(ret.Entries, Entry{Key: key, Value: v})
		return true
	})
	sort.Slice(ret.Entries, func(i, j int) bool {
		return ret.Entries[i].Key < ret.Entries[j].Key
	})
	return ret, err
}

// Empty returns true if the bucket has no entries
func (b *Bucket) Empty() bool {
	return b.content.Size() == 0
}
