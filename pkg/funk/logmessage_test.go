package funk

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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogMessage(t *testing.T) {
	assert := require.New(t)

	const testData = "hello there"
	const origin = "node-1"
	lm := NewLogMessage(GroupLogMessage, origin, []byte(testData))
	assert.Equal(GroupLogMessage, lm.MessageType)
	assert.Equal(origin, lm.Origin)

	buf, err := lm.MarshalBinary()
	assert.NoError(err)

	lm2 := NewLogMessage(0, "", nil)
	assert.NoError(lm2.UnmarshalBinary(buf))

	assert.Equal(GroupLogMessage, lm2.MessageType)
	assert.Equal(lm.Origin, lm2.Origin)
	assert.Equal(testData, string(lm2.Data))

	empty := NewLogMessage(NoopLogMessage, "", nil)
	buf, err = empty.MarshalBinary()
	assert.NoError(err)
	assert.NoError(lm2.UnmarshalBinary(buf))
	assert.Equal(NoopLogMessage, lm2.MessageType)
	assert.Empty(lm2.Data)

	assert.Error(lm2.UnmarshalBinary([]byte{1}))
	assert.Error(lm2.UnmarshalBinary([]byte{1, 10, 'a'}), "Origin is truncated")

	long := NewLogMessage(GroupLogMessage, string(make([]byte, 256)), nil)
	_, err = long.MarshalBinary()
	assert.Error(err)
}
