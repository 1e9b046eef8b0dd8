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
	"fmt"
)

// NodeState is the enumeration of different states a node can be in.
type NodeState int32

// These are the (local) states the cache node can be in
const (
	Invalid     NodeState = iota // Invalid or unknown state
	Starting                     // Starting the node
	Operational                  // Operational, normal operation
	Voting                       // Leader election in progress
	Leaving                      // Handing over buckets before leaving
	Stopped                      // The node is stopped
)

func (n NodeState) String() string {
	switch n {
	case Invalid:
		return "Invalid"
	case Starting:
		return "Starting"
	case Operational:
		return "Operational"
	case Voting:
		return "Voting"
	case Leaving:
		return "Leaving"
	case Stopped:
		return "Stopped"
	default:
		panic(fmt.Sprintf("Unknown state: %d", n))
	}
}

// NodeRole is the roles the node can have in the cluster
type NodeRole int32

// These are the roles the node might have in the cluster
const (
	Unknown  NodeRole = iota // Unknown role
	Follower                 // A follower in a cluster
	Leader                   // The current leader node
)

func (n NodeRole) String() string {
	switch n {
	case Unknown:
		return "Unknown"
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	default:
		panic(fmt.Sprintf("Unknown role: %d", n))
	}
}

// Serf tags set by the nodes. The endpoint tags are set when the node starts.
const (
	// RaftEndpoint is the tag for the Raft endpoint of a node
	RaftEndpoint = "ep.raft"

	// SerfEndpoint is the tag for the Serf endpoint of a node
	SerfEndpoint = "ep.serf"

	// TransportEndpoint is the tag for the cache transport endpoint. The
	// processors use it as the node address.
	TransportEndpoint = "ep.transport"

	// LeavingTag is set when the node is handing over its buckets
	LeavingTag = "cf.leaving"
)

// ZeroconfSerfKind is the zeroconf kind used for the Serf endpoints
const ZeroconfSerfKind = "serf"

// Event is emitted when the state or role of the local node changes. The
// events are informational.
type Event struct {
	State NodeState
	Role  NodeRole
}
