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
	"errors"
	"fmt"
)

// ErrInvalidSize is returned when the bucket or replica count is out of range
var ErrInvalidSize = errors.New("bucket count must be > 0 and replica count >= 0")

// InvariantError is the panic value used when the assignment bookkeeping is
// inconsistent. The assignment can't be trusted after this.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "bucket ownership invariant violated: " + e.Message
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&InvariantError{Message: fmt.Sprintf(format, args...)})
	}
}
