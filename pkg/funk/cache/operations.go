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
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/clock"
)

var errMalformedPart = errors.New("malformed request part")

// execution is the state for processing one request at a bucket owner
type execution struct {
	op          Operation
	storage     int
	now         int64
	lease       time.Duration
	executables *Executables
	result      Result
}

// processFunc runs an operation on a single bucket. The returned part holds
// the changes that must be copied to the replicas, nil when nothing changed.
type processFunc func(e *execution, b *bucket.Bucket, part *Part) (*Part, error)

type strategy struct {
	write   bool
	single  bool
	process processFunc
}

var strategies = map[OpKind]strategy{
	OpGet:           {single: true, process: processGet},
	OpPut:           {single: true, write: true, process: processPut},
	OpRemove:        {single: true, write: true, process: processRemove},
	OpReplace:       {single: true, write: true, process: processReplace},
	OpAtomicReplace: {single: true, write: true, process: processAtomicReplace},
	OpContainsKey:   {single: true, process: processContainsKey},
	OpExecute:       {single: true, process: processExecute},
	OpGetAll:        {process: processGetAll},
	OpRemoveAll:     {write: true, process: processRemoveAll},
	OpPutAll:        {write: true, process: processPutAll},
	OpClear:         {write: true, process: processClear},
	OpGetKeySet:     {process: processGetKeySet},
	OpGetEntrySet:   {process: processGetEntrySet},
	OpValues:        {process: processValues},
	OpContainsValue: {process: processContainsValue},
	OpSize:          {process: processSize},
	OpGetStatistics: {process: processGetStatistics},
	OpExecuteAll:    {process: processExecuteAll},
	OpReplicate:     {process: processReplicate},
}

func lookupStrategy(kind OpKind) (strategy, error) {
	s, ok := strategies[kind]
	if !ok {
		return strategy{}, fmt.Errorf("unsupported operation %s", kind)
	}
	return s, nil
}

// mergeResults adds a partial result to an aggregated result. Every
// operation uses its own set of fields so a field-wise merge gives the
// right result for all of them.
func mergeResults(dst *Result, src *Result) {
	dst.Found = dst.Found || src.Found
	if dst.Value == nil {
		dst.Value = src.Value
	}
	dst.Count += src.Count
	dst.Entries = append(dst.Entries, src.Entries...)
	dst.Keys = append(dst.Keys, src.Keys...)
	dst.Values = append(dst.Values, src.Values...)
	dst.Outcomes = append(dst.Outcomes, src.Outcomes...)
	dst.Stats.Add(src.Stats)
	if src.LeaseExpiration > dst.LeaseExpiration {
		dst.LeaseExpiration = src.LeaseExpiration
	}
}

func singleKey(part *Part) (string, error) {
	if len(part.Keys) != 1 {
		return "", errMalformedPart
	}
	return part.Keys[0], nil
}

func singleEntry(part *Part) (bucket.Entry, error) {
	if len(part.Entries) != 1 {
		return bucket.Entry{}, errMalformedPart
	}
	return part.Entries[0], nil
}

func processGet(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	key, err := singleKey(part)
	if err != nil {
		return nil, err
	}
	v, found, err := b.Content().Get(key)
	if err != nil {
		return nil, err
	}
	b.CountRead(found)
	e.result.Found = found
	e.result.Value = v
	if e.op.Lease && e.storage == 0 && e.lease > 0 {
		b.Lease(clock.Add(e.now, e.lease))
		e.result.LeaseExpiration = b.LeaseExpiration()
	}
	return nil, nil
}

func processPut(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	entry, err := singleEntry(part)
	if err != nil {
		return nil, err
	}
	prev, found, err := b.Content().Put(entry.Key, entry.Value)
	if err != nil {
		return nil, err
	}
	b.CountWrite()
	e.result.Found = found
	e.result.Value = prev
	return &Part{Bucket: b.Number(), Entries: []bucket.Entry{entry}}, nil
}

func processRemove(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	key, err := singleKey(part)
	if err != nil {
		return nil, err
	}
	prev, found, err := b.Content().Remove(key)
	if err != nil {
		return nil, err
	}
	e.result.Found = found
	e.result.Value = prev
	if !found {
		return nil, nil
	}
	b.CountWrite()
	return &Part{Bucket: b.Number(), Keys: []string{key}}, nil
}

// processReplace only sets the value when the key exists
func processReplace(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	entry, err := singleEntry(part)
	if err != nil {
		return nil, err
	}
	_, found, err := b.Content().Get(entry.Key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	prev, _, err := b.Content().Put(entry.Key, entry.Value)
	if err != nil {
		return nil, err
	}
	b.CountWrite()
	e.result.Found = true
	e.result.Value = prev
	return &Part{Bucket: b.Number(), Entries: []bucket.Entry{entry}}, nil
}

// processAtomicReplace sets the value when the current value is the
// expected one. Found is set when the value is replaced.
func processAtomicReplace(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	entry, err := singleEntry(part)
	if err != nil {
		return nil, err
	}
	current, found, err := b.Content().Get(entry.Key)
	if err != nil {
		return nil, err
	}
	if !found || !bytes.Equal(current, e.op.Expected) {
		return nil, nil
	}
	if _, _, err := b.Content().Put(entry.Key, entry.Value); err != nil {
		return nil, err
	}
	b.CountWrite()
	e.result.Found = true
	return &Part{Bucket: b.Number(), Entries: []bucket.Entry{entry}}, nil
}

func processContainsKey(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	key, err := singleKey(part)
	if err != nil {
		return nil, err
	}
	_, found, err := b.Content().Get(key)
	if err != nil {
		return nil, err
	}
	b.CountRead(found)
	e.result.Found = found
	return nil, nil
}

// processExecute runs an executable on a single entry. Executable failures
// are reported in the outcome, not as request errors.
func processExecute(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	key, err := singleKey(part)
	if err != nil {
		return nil, err
	}
	v, found, err := b.Content().Get(key)
	if err != nil {
		return nil, err
	}
	b.CountRead(found)
	var entries []bucket.Entry
	if found {
		entries = []bucket.Entry{{Key: key, Value: v}}
	}
	outcome := Outcome{Bucket: b.Number(), Key: key}
	outcome.Value, err = e.executables.run(e.op.Executable, entries)
	if err != nil {
		outcome.Error = err.Error()
	}
	e.result.Found = found
	e.result.Outcomes = append(e.result.Outcomes, outcome)
	return nil, nil
}

func processGetAll(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	for _, key := range part.Keys {
		v, found, err := b.Content().Get(key)
		if err != nil {
			return nil, err
		}
		b.CountRead(found)
		if found {
			e.result.Entries = append(e.result.Entries, bucket.Entry{Key: key, Value: v})
		}
	}
	return nil, nil
}

func processRemoveAll(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	var removed []string
	for _, key := range part.Keys {
		_, found, err := b.Content().Remove(key)
		if err != nil {
			if len(removed) == 0 {
				return nil, err
			}
			return &Part{Bucket: b.Number(), Keys: removed}, err
		}
		if found {
			b.CountWrite()
			removed = append(removed, key)
		}
	}
	e.result.Count += int64(len(removed))
	if len(removed) == 0 {
		return nil, nil
	}
	return &Part{Bucket: b.Number(), Keys: removed}, nil
}

func processPutAll(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	if len(part.Entries) == 0 {
		return nil, nil
	}
	for i, entry := range part.Entries {
		if _, _, err := b.Content().Put(entry.Key, entry.Value); err != nil {
			if i == 0 {
				return nil, err
			}
			return &Part{Bucket: b.Number(), Entries: part.Entries[:i]}, err
		}
		b.CountWrite()
	}
	e.result.Count += int64(len(part.Entries))
	return &Part{Bucket: b.Number(), Entries: part.Entries}, nil
}

func processClear(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	n := b.Content().Size()
	if err := b.Content().Clear(); err != nil {
		return nil, err
	}
	e.result.Count += int64(n)
	if n == 0 {
		return nil, nil
	}
	b.CountWrite()
	return &Part{Bucket: b.Number(), Clear: true}, nil
}

func processGetKeySet(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	return nil, b.Content().Iterate(func(key string, _ []byte) bool {
		e.result.Keys = append(e.result.Keys, key)
		return true
	})
}

func processGetEntrySet(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	return nil, b.Content().Iterate(func(key string, value []byte) bool {
		e.result.Entries = append(e.result.Entries, bucket.Entry{Key: key, Value: value})
		return true
	})
}

func processValues(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	return nil, b.Content().Iterate(func(_ string, value []byte) bool {
		e.result.Values = append(e.result.Values, value)
		return true
	})
}

func processContainsValue(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	if e.result.Found {
		return nil, nil
	}
	found, err := b.Content().ContainsValue(e.op.Value)
	if err != nil {
		return nil, err
	}
	e.result.Found = found
	return nil, nil
}

func processSize(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	e.result.Count += int64(b.Content().Size())
	return nil, nil
}

func processGetStatistics(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	e.result.Stats.Add(b.Statistics())
	return nil, nil
}

// processExecuteAll runs the executable once per bucket on the entries the
// filter selects. Buckets without selected entries are skipped.
func processExecuteAll(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	snapshot, err := b.Snapshot()
	if err != nil {
		return nil, err
	}
	outcome := Outcome{Bucket: b.Number()}
	entries, err := e.executables.filter(e.op.Filter, snapshot.Entries)
	if err != nil {
		outcome.Error = err.Error()
		e.result.Outcomes = append(e.result.Outcomes, outcome)
		return nil, nil
	}
	if len(entries) == 0 {
		return nil, nil
	}
	outcome.Value, err = e.executables.run(e.op.Executable, entries)
	if err != nil {
		outcome.Error = err.Error()
	}
	e.result.Outcomes = append(e.result.Outcomes, outcome)
	return nil, nil
}

// processReplicate applies the changes made at the primary to a replica
// bucket. Clearing goes first, then removals and upserts.
func processReplicate(e *execution, b *bucket.Bucket, part *Part) (*Part, error) {
	if part.Clear {
		if err := b.Content().Clear(); err != nil {
			return nil, err
		}
	}
	for _, key := range part.Keys {
		if _, _, err := b.Content().Remove(key); err != nil {
			return nil, err
		}
	}
	for _, entry := range part.Entries {
		if _, _, err := b.Content().Put(entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}
	b.CountWrite()
	e.result.Count++
	return nil, nil
}
