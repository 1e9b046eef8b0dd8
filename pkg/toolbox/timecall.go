package toolbox

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
	"time"

	log "github.com/sirupsen/logrus"
)

// TimeCall times the call and logs the execution time in milliseconds at
// debug level. Calls slower than the threshold are logged as warnings.
func TimeCall(call func(), description string, threshold time.Duration) time.Duration {
	start := time.Now()
	call()
	diff := time.Since(start)
	entry := log.WithFields(log.Fields{
		"call": description,
		"ms":   float64(diff) / float64(time.Millisecond),
	})
	if threshold > 0 && diff > threshold {
		entry.Warning("Slow call")
	} else {
		entry.Debug("Call timing")
	}
	return diff
}
