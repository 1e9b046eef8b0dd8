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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostPort(t *testing.T) {
	assert := require.New(t)

	port, err := PortOfHostPort("127.0.0.1:4711")
	assert.NoError(err)
	assert.Equal(4711, port)

	_, err = PortOfHostPort("127.0.0.1")
	assert.Error(err)
	_, err = PortOfHostPort("127.0.0.1:http")
	assert.Error(err)

	ep, err := PublicEndpoint("127.0.0.1:4711")
	assert.NoError(err)
	assert.Equal("127.0.0.1:4711", ep, "Explicit hosts are kept")

	ep, err = EndpointWithFreePort("127.0.0.1")
	assert.NoError(err)
	assert.True(strings.HasPrefix(ep, "127.0.0.1:"))
	port, err = PortOfHostPort(ep)
	assert.NoError(err)
	assert.NotZero(port)
}

func TestRandomID(t *testing.T) {
	assert := require.New(t)
	a := RandomID()
	assert.Len(a, 16)
	assert.NotEqual(a, RandomID())
}
