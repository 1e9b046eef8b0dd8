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
	"errors"
	"fmt"
)

// LogMessageType is the type of entries in the replicated log
type LogMessageType byte

// Log message types
const (
	// GroupLogMessage carries an encoded group message for one of the caches
	GroupLogMessage LogMessageType = iota + 1
	// NoopLogMessage is appended by new leaders to flush the log
	NoopLogMessage
)

func (t LogMessageType) String() string {
	switch t {
	case GroupLogMessage:
		return "GroupLogMessage"
	case NoopLogMessage:
		return "NoopLogMessage"
	default:
		panic(fmt.Sprintf("Unknown log message type: %d", t))
	}
}

// LogMessage is an entry in the replicated log. The payload is decoded by
// the receiver depending on the message type.
type LogMessage struct {
	MessageType LogMessageType
	Origin      string // Node ID of the node that proposed the message
	Index       uint64 // Log index. Set when the message is applied.
	Data        []byte
}

// NewLogMessage creates a new LogMessage instance
func NewLogMessage(t LogMessageType, origin string, data []byte) LogMessage {
	return LogMessage{
		MessageType: t,
		Origin:      origin,
		Data:        data,
	}
}

// MarshalBinary encodes the log message. The origin is limited to 255 bytes.
func (m *LogMessage) MarshalBinary() ([]byte, error) {
	if len(m.Origin) > 255 {
		return nil, errors.New("origin is too long")
	}
	ret := make([]byte, 2, 2+len(m.Origin)+len(m.Data))
	ret[0] = byte(m.MessageType)
	ret[1] = byte(len(m.Origin))
	ret = append(ret, []byte(m.Origin)...)
	ret = append(ret, m.Data...)
	return ret, nil
}

// UnmarshalBinary unmarshals the byte array into this instance
func (m *LogMessage) UnmarshalBinary(buf []byte) error {
	if len(buf) < 2 {
		return errors.New("buffer is too short to unmarshal")
	}
	strLen := int(buf[1])
	if len(buf) < 2+strLen {
		return errors.New("buffer is too short for origin")
	}
	m.MessageType = LogMessageType(buf[0])
	m.Origin = string(buf[2 : 2+strLen])
	m.Data = append([]byte{}, buf[2+strLen:]...)
	return nil
}
