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
	"errors"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/clock"
	"github.com/lab5e/cachefunk/pkg/funk/metrics"
)

// Default values for the processor configuration
const (
	DefaultBucketCount         = 271
	DefaultReplicaCount        = 1
	DefaultLeaseDuration       = 1 * time.Second
	DefaultRetryDelay          = 25 * time.Millisecond
	DefaultMaxResplits         = 20
	DefaultMaxTransferAttempts = 5
	DefaultFrontCacheSize      = 1024
)

// Config is the configuration for a cache processor. Every node must use the
// same cache name, bucket count and replica count for a cache.
type Config struct {
	Cache        string
	Address      string
	BucketCount  int
	ReplicaCount int

	// LeaseDuration is how long a read lease lasts. Reads from other nodes
	// are kept in the front cache while the lease is active.
	LeaseDuration time.Duration

	// RetryDelay is the delay before rejected buckets are sent again
	RetryDelay time.Duration

	// MaxResplits is the number of times rejected primary buckets are sent
	// again before the request gives up. Replica updates are not limited.
	MaxResplits int

	// MaxTransferAttempts is the number of times a bucket transfer is
	// attempted before it is rejected
	MaxTransferAttempts int

	// FrontCacheSize is the number of entries in the front cache. Zero
	// turns the front cache off.
	FrontCacheSize int

	// BucketCapacity is the number of entries in a single bucket when the
	// default content factory is used
	BucketCapacity int

	ContentFactory bucket.ContentFactory
	Executables    *Executables
	Clock          clock.Clock
	Metrics        metrics.Sink
}

// DefaultConfig returns a configuration with default values
func DefaultConfig(cache string, address string) Config {
	return Config{
		Cache:               cache,
		Address:             address,
		BucketCount:         DefaultBucketCount,
		ReplicaCount:        DefaultReplicaCount,
		LeaseDuration:       DefaultLeaseDuration,
		RetryDelay:          DefaultRetryDelay,
		MaxResplits:         DefaultMaxResplits,
		MaxTransferAttempts: DefaultMaxTransferAttempts,
		FrontCacheSize:      DefaultFrontCacheSize,
		BucketCapacity:      bucket.DefaultCapacity,
	}
}

// final checks the configuration and fills in the missing pieces
func (c *Config) final() error {
	if c.Cache == "" {
		return errors.New("cache name must be set")
	}
	if c.Address == "" {
		return errors.New("node address must be set")
	}
	if c.BucketCount <= 0 {
		return errors.New("bucket count must be positive")
	}
	if c.ReplicaCount < 0 {
		return errors.New("replica count can't be negative")
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxTransferAttempts <= 0 {
		c.MaxTransferAttempts = 1
	}
	if c.ContentFactory == nil {
		c.ContentFactory = bucket.NewLRUContentFactory(c.BucketCapacity)
	}
	if c.Executables == nil {
		c.Executables = NewExecutables()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewBlackHoleSink()
	}
	return nil
}
