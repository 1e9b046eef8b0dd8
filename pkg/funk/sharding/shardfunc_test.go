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

const numTests = 100000
const numBuckets = 50

func TestKeyBucketer(t *testing.T) {
	assert := require.New(t)

	calc := NewKeyBucketer(numBuckets)
	distribution := make(map[int]int)
	for i := 0; i < numTests; i++ {
		key := fmt.Sprintf("key-%d", i)
		bucket := calc(key)
		assert.Equal(bucket, calc(key), "Bucket must be stable")
		assert.True(bucket >= 0 && bucket < numBuckets)
		distribution[bucket]++
	}
	assert.Len(distribution, numBuckets)
	for k, v := range distribution {
		assert.LessOrEqual(v, 4*(numTests/numBuckets), "Bucket %d is unbalanced with %d elements", k, v)
	}
}

func BenchmarkKeyBucketer(b *testing.B) {
	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("%08x", rand.Int63())
	}
	b.ResetTimer()
	calc := NewKeyBucketer(numBuckets)
	for i := 0; i < b.N; i++ {
		calc(keys[i])
	}
}
