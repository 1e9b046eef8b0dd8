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
	lru "github.com/hashicorp/golang-lru"
)

type frontEntry struct {
	bucket  int
	value   []byte
	expires int64
}

// frontCache keeps values read from other nodes while the read lease on the
// bucket is active. Writes to a leased bucket are announced to every node and
// the entries for the bucket are dropped.
type frontCache struct {
	entries *lru.Cache
}

func newFrontCache(size int) (*frontCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &frontCache{entries: c}, nil
}

func (f *frontCache) get(key string, now int64) ([]byte, bool) {
	v, ok := f.entries.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(frontEntry)
	if now >= e.expires {
		f.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (f *frontCache) put(key string, bucket int, value []byte, expires int64) {
	f.entries.Add(key, frontEntry{bucket: bucket, value: value, expires: expires})
}

func (f *frontCache) invalidate(buckets []int) int {
	if len(buckets) == 0 {
		return 0
	}
	set := make(map[int]bool, len(buckets))
	for _, b := range buckets {
		set[b] = true
	}
	removed := 0
	for _, k := range f.entries.Keys() {
		v, ok := f.entries.Peek(k)
		if !ok {
			continue
		}
		if set[v.(frontEntry).bucket] {
			f.entries.Remove(k)
			removed++
		}
	}
	return removed
}

func (f *frontCache) len() int {
	return f.entries.Len()
}
