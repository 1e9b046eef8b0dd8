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
import "github.com/cespare/xxhash/v2"

// KeyBucketer maps a cache key to a bucket number
type KeyBucketer func(key string) int

// NewKeyBucketer returns a KeyBucketer for a fixed number of buckets. Every node
// must use the same bucket count for the same cache.
func NewKeyBucketer(bucketCount int) KeyBucketer {
	n := uint64(bucketCount)
	return func(key string) int {
		return int(xxhash.Sum64String(key) % n)
	}
}
