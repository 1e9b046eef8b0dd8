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
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// cborCodecName is the gRPC content subtype for the transport messages
const cborCodecName = "cbor"

// cborCodec lets gRPC carry plain Go structs encoded as CBOR. The messages
// are the same ones the cache package encodes for the wire.
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return cborCodecName
}

func init() {
	encoding.RegisterCodec(cborCodec{})
}
