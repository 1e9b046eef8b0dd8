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
	"fmt"
)

var (
	// ErrStopped is returned when the processor has stopped
	ErrStopped = errors.New("cache processor is stopped")
	// ErrTimeout is returned when a request doesn't complete in time
	ErrTimeout = errors.New("request timed out")
	// ErrRetry is returned when the buckets a request needs are moving
	// between nodes and the request should be tried again later
	ErrRetry = errors.New("buckets are being reconfigured")
	// ErrUnreachable is returned by the local network when a node can't be
	// reached
	ErrUnreachable = errors.New("node is unreachable")
)

// RequestError is returned when a request fails at one of the bucket owners
type RequestError struct {
	Op    OpKind
	Cause error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %v", r.Op, r.Cause)
}

// Unwrap returns the cause
func (r *RequestError) Unwrap() error {
	return r.Cause
}
