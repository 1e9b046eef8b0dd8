// Package clock contains the cluster clock used for bucket leases.
package clock

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
	"sync"
	"time"
)

// Clock is a monotonic millisecond clock that is roughly synchronized
// between nodes.
type Clock interface {
	// Now returns the current time in milliseconds. It never goes backwards.
	Now() int64

	// Observe merges a timestamp from another node into the clock.
	Observe(remote int64)
}

// Add adds a duration to a clock timestamp
func Add(ts int64, d time.Duration) int64 {
	return ts + d.Milliseconds()
}

// hybrid follows the physical clock but never goes backwards and never lags
// behind a timestamp seen from another node.
type hybrid struct {
	mu       sync.Mutex
	last     int64
	physical func() int64
}

// New returns a hybrid clock based on the system clock
func New() Clock {
	return NewWithSource(func() int64 {
		return time.Now().UnixNano() / int64(time.Millisecond)
	})
}

// NewWithSource returns a hybrid clock with a custom physical clock
func NewWithSource(physical func() int64) Clock {
	return &hybrid{physical: physical}
}

func (h *hybrid) Now() int64 {
	now := h.physical()
	h.mu.Lock()
	defer h.mu.Unlock()
	if now > h.last {
		h.last = now
	}
	return h.last
}

func (h *hybrid) Observe(remote int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if remote > h.last {
		h.last = remote
	}
}

// Manual is a clock that only moves when told to. It is used in tests.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// Now returns the current time
func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Observe moves the clock forward if the remote time is ahead
func (m *Manual) Observe(remote int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remote > m.now {
		m.now = remote
	}
}

// Advance moves the clock forward
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d.Milliseconds()
}
