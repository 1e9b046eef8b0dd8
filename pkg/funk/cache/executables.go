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
	"sync"

	"github.com/lab5e/cachefunk/pkg/funk/bucket"
)

// Executable is user code that runs on the entries of a bucket at the node
// that owns the bucket. Only the name is sent over the wire so every node
// must register the same executables.
type Executable func(entries []bucket.Entry) ([]byte, error)

// EntryFilter selects the entries an executable runs on
type EntryFilter func(entry bucket.Entry) bool

// Executables is a registry of named executables and filters
type Executables struct {
	mutex       sync.RWMutex
	executables map[string]Executable
	filters     map[string]EntryFilter
}

// NewExecutables creates an empty registry
func NewExecutables() *Executables {
	return &Executables{
		executables: make(map[string]Executable),
		filters:     make(map[string]EntryFilter),
	}
}

// Register adds an executable
func (x *Executables) Register(name string, fn Executable) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.executables[name] = fn
}

// RegisterFilter adds an entry filter
func (x *Executables) RegisterFilter(name string, fn EntryFilter) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.filters[name] = fn
}

// run runs an executable. Panics are returned as errors.
func (x *Executables) run(name string, entries []bucket.Entry) (ret []byte, err error) {
	x.mutex.RLock()
	fn, ok := x.executables[name]
	x.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown executable %q", name)
	}
	defer func() {
		if r := recover(); r != nil {
			ret = nil
			err = fmt.Errorf("executable %q panicked: %v", name, r)
		}
	}()
	return fn(entries)
}

// filter applies a named filter to the entries. An empty name selects
// every entry.
func (x *Executables) filter(name string, entries []bucket.Entry) (ret []bucket.Entry, err error) {
	if name == "" {
		return entries, nil
	}
	x.mutex.RLock()
	fn, ok := x.filters[name]
	x.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", name)
	}
	defer func() {
		if r := recover(); r != nil {
			ret = nil
			err = fmt.Errorf("filter %q panicked: %v", name, r)
		}
	}()
	for _, e := range entries {
		if fn(e) {
			ret = append(ret, e)
		}
	}
	return ret, nil
}
