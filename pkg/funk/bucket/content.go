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
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity is the number of entries a bucket holds when no capacity
// is set.
const DefaultCapacity = 65536

// Entry is a single key/value pair
type Entry struct {
	Key   string `cbor:"k"`
	Value []byte `cbor:"v"`
}

// Content is the storage for the entries in a bucket. All methods can fail
// with a storage error.
type Content interface {
	// Get returns the value for a key
	Get(key string) ([]byte, bool, error)

	// Put sets the value and returns the previous value if there was one
	Put(key string, value []byte) ([]byte, bool, error)

	// Remove removes a key and returns the value it had
	Remove(key string) ([]byte, bool, error)

	// ContainsValue returns true if one of the entries has the value
	ContainsValue(value []byte) (bool, error)

	// Size returns the number of entries
	Size() int

	// Iterate calls the function for every entry until it returns false
	Iterate(func(key string, value []byte) bool) error

	// Clear removes all entries
	Clear() error
}

// ContentFactory creates bucket content
type ContentFactory func() (Content, error)

// lruContent keeps the entries in a least recently used cache. The least
// recently used entries are evicted when the bucket is full.
type lruContent struct {
	cache *lru.Cache
}

// NewLRUContent creates LRU backed content. Zero or negative capacity gives
// DefaultCapacity.
func NewLRUContent(capacity int) (Content, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &lruContent{cache: c}, nil
}

// NewLRUContentFactory returns a factory for LRU backed content
func NewLRUContentFactory(capacity int) ContentFactory {
	return func() (Content, error) {
		return NewLRUContent(capacity)
	}
}

func (l *lruContent) Get(key string) ([]byte, bool, error) {
	v, ok := l.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return toBytes(v)
}

func (l *lruContent) Put(key string, value []byte) ([]byte, bool, error) {
	prev, found := l.cache.Peek(key)
	l.cache.Add(key, value)
	if !found {
		return nil, false, nil
	}
	return toBytes(prev)
}

func (l *lruContent) Remove(key string) ([]byte, bool, error) {
	prev, found := l.cache.Peek(key)
	if !found {
		return nil, false, nil
	}
	l.cache.Remove(key)
	return toBytes(prev)
}

func (l *lruContent) ContainsValue(value []byte) (bool, error) {
	found := false
	err := l.Iterate(func(_ string, v []byte) bool {
		found = bytes.Equal(v, value)
		return !found
	})
	return found, err
}

func (l *lruContent) Size() int {
	return l.cache.Len()
}

func (l *lruContent) Iterate(fn func(key string, value []byte) bool) error {
	for _, k := range l.cache.Keys() {
		v, ok := l.cache.Peek(k)
		if !ok {
			continue
		}
		buf, _, err := toBytes(v)
		if err != nil {
			return err
		}
		if !fn(k.(string), buf) {
			return nil
		}
	}
	return nil
}

func (l *lruContent) Clear() error {
	l.cache.Purge()
	return nil
}

func toBytes(v interface{}) ([]byte, bool, error) {
	buf, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("unexpected value type %T in bucket", v)
	}
	return buf, true, nil
}
