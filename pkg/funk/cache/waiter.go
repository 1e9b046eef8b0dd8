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
import "sort"

// waiter tracks a request until every sub-request it posted has finished.
// There are four kinds:
//
//   - root waiters for client requests. They have a reply channel.
//   - sub-request waiters for parts sent to a single owner in a storage.
//     They are children of a root or a primary waiter.
//   - primary waiters that hold back the response from a primary owner
//     until the replicas have been updated.
//   - placeholders for rejected parts that will be split again after a
//     short delay.
type waiter struct {
	id       uint64
	parent   *waiter
	op       Operation
	storage  int
	receiver string
	parts    map[int]*Part
	resplits int
	single   bool

	children  map[uint64]*waiter
	responses []*Response

	// Root waiters
	reply  chan *Response
	bucket int
	key    string

	// Primary waiters
	replyTo string
	replyID uint64
	pending *Response

	placeholder bool
}

func (w *waiter) isRoot() bool {
	return w.reply != nil
}

func (w *waiter) addChild(child *waiter) {
	if w.children == nil {
		w.children = make(map[uint64]*waiter)
	}
	child.parent = w
	w.children[child.id] = child
}

// remainingParts returns the parts that haven't been processed yet, ordered
// on bucket number
func (w *waiter) remainingParts() []*Part {
	ret := make([]*Part, 0, len(w.parts))
	for _, p := range w.parts {
		ret = append(ret, p)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Bucket < ret[j].Bucket })
	return ret
}

func (w *waiter) bucketNumbers() []int {
	ret := make([]int, 0, len(w.parts))
	for n := range w.parts {
		ret = append(ret, n)
	}
	sort.Ints(ret)
	return ret
}

// keepRejected drops every part except the rejected ones
func (w *waiter) keepRejected(rejected []int) {
	remaining := make(map[int]*Part)
	for _, n := range rejected {
		if p, ok := w.parts[n]; ok {
			remaining[n] = p
		}
	}
	w.parts = remaining
}

func partMap(parts []*Part) map[int]*Part {
	ret := make(map[int]*Part, len(parts))
	for _, p := range parts {
		ret[p.Bucket] = p
	}
	return ret
}

// aggregate combines the responses from the sub-requests. Errors take
// precedence over retries and retries take precedence over successes. A
// retry response keeps the partial result when every retry names its
// buckets. Rejected is then the set of buckets to send again.
func aggregate(id uint64, sender string, responses []*Response) *Response {
	ret := &Response{RequestID: id, Sender: sender, Code: ResultSuccess}
	retry := false
	partial := true
	for _, r := range responses {
		switch r.Code {
		case ResultError:
			return &Response{RequestID: id, Sender: sender, Code: ResultError, Error: r.Error}
		case ResultRetry, ResultInaccessible:
			retry = true
			if len(r.Rejected) == 0 {
				partial = false
			}
			ret.Rejected = append(ret.Rejected, r.Rejected...)
		}
	}
	if retry && !partial {
		return &Response{RequestID: id, Sender: sender, Code: ResultRetry}
	}
	for _, r := range responses {
		if r.Code == ResultSuccess {
			mergeResults(&ret.Result, &r.Result)
		}
	}
	if retry {
		ret.Code = ResultRetry
		sort.Ints(ret.Rejected)
	}
	return ret
}
