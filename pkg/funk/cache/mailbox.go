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
import "sync"

// mailbox is an unbounded FIFO queue. Producers never block. The consumer
// waits on the notify channel and takes everything in one go.
type mailbox struct {
	mutex  sync.Mutex
	items  []interface{}
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// put adds an item to the queue. It returns false when the mailbox is closed.
func (m *mailbox) put(item interface{}) bool {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mutex.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) take() []interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ret := m.items
	m.items = nil
	return ret
}

func (m *mailbox) close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
}
