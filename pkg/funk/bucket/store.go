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
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrBucketExists is returned when a bucket is created twice in a storage
	ErrBucketExists = errors.New("bucket already exists")
	// ErrNoBucket is returned when the bucket isn't in the storage
	ErrNoBucket = errors.New("no such bucket")
)

// Store holds the node-local buckets for every storage of a cache. It is
// not safe for concurrent use.
type Store struct {
	storages []map[int]*Bucket
	factory  ContentFactory
	retired  Statistics
}

// NewStore creates an empty store with replicaCount+1 storages
func NewStore(replicaCount int, factory ContentFactory) *Store {
	ret := &Store{
		storages: make([]map[int]*Bucket, replicaCount+1),
		factory:  factory,
	}
	for i := range ret.storages {
		ret.storages[i] = make(map[int]*Bucket)
	}
	return ret
}

// Storages returns the number of storages
func (s *Store) Storages() int {
	return len(s.storages)
}

// Get returns a bucket or nil if the bucket isn't on this node
func (s *Store) Get(storage int, number int) *Bucket {
	if storage < 0 || storage >= len(s.storages) {
		return nil
	}
	return s.storages[storage][number]
}

// Create creates an empty bucket
func (s *Store) Create(storage int, number int) (*Bucket, error) {
	if err := s.checkStorage(storage); err != nil {
		return nil, err
	}
	if _, exists := s.storages[storage][number]; exists {
		return nil, ErrBucketExists
	}
	content, err := s.factory()
	if err != nil {
		return nil, err
	}
	b := New(number, content)
	s.storages[storage][number] = b
	return b, nil
}

// Install creates a bucket from a snapshot
func (s *Store) Install(storage int, snapshot Snapshot, reconfiguring bool) (*Bucket, error) {
	b, err := s.Create(storage, snapshot.Number)
	if err != nil {
		return nil, err
	}
	for _, e := range snapshot.Entries {
		if _, _, err := b.content.Put(e.Key, e.Value); err != nil {
			delete(s.storages[storage], snapshot.Number)
			return nil, fmt.Errorf("installing bucket %d: %w", snapshot.Number, err)
		}
	}
	b.reconfiguring = reconfiguring
	return b, nil
}

// Remove removes a bucket. The bucket counters are kept in the store
// statistics and the content is released.
func (s *Store) Remove(storage int, number int) *Bucket {
	if storage < 0 || storage >= len(s.storages) {
		return nil
	}
	b, exists := s.storages[storage][number]
	if !exists {
		return nil
	}
	delete(s.storages[storage], number)
	stats := b.Statistics()
	stats.Buckets = 0
	stats.Entries = 0
	s.retired.Add(stats)
	if err := b.content.Clear(); err != nil {
		log.WithError(err).WithField("bucket", number).Warning("Unable to clear removed bucket")
	}
	return b
}

// Move moves a bucket from one storage to another without copying it
func (s *Store) Move(from int, to int, number int) error {
	if err := s.checkStorage(from); err != nil {
		return err
	}
	if err := s.checkStorage(to); err != nil {
		return err
	}
	b, exists := s.storages[from][number]
	if !exists {
		return ErrNoBucket
	}
	if _, exists := s.storages[to][number]; exists {
		return ErrBucketExists
	}
	delete(s.storages[from], number)
	s.storages[to][number] = b
	return nil
}

// Buckets returns the bucket numbers in a storage in ascending order
func (s *Store) Buckets(storage int) []int {
	if storage < 0 || storage >= len(s.storages) {
		return nil
	}
	ret := make([]int, 0, len(s.storages[storage]))
	for n := range s.storages[storage] {
		ret = append(ret, n)
	}
	sort.Ints(ret)
	return ret
}

// Statistics returns the counters for a storage. Counters from removed
// buckets are included for the primary storage.
func (s *Store) Statistics(storage int) Statistics {
	var ret Statistics
	if storage == 0 {
		ret = s.retired
	}
	for _, b := range s.storages[storage] {
		ret.Add(b.Statistics())
	}
	return ret
}

func (s *Store) checkStorage(storage int) error {
	if storage < 0 || storage >= len(s.storages) {
		return fmt.Errorf("storage %d is out of range", storage)
	}
	return nil
}
