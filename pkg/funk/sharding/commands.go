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
import "fmt"

// BucketCommand assigns or orphans buckets in a single storage. For orphaned
// buckets the address is the former owner.
type BucketCommand struct {
	Cache   string
	Storage int
	Address string
	Buckets []int
}

func (b BucketCommand) String() string {
	return fmt.Sprintf("%s[%d] %s %v", b.Cache, b.Storage, b.Address, b.Buckets)
}

// RestoreCommand promotes replica buckets held by an address to primary
// buckets on the same address.
type RestoreCommand struct {
	Cache         string
	SourceStorage int
	Address       string
	Buckets       []int
}

// TransferCommand describes buckets moving from one owner to another. Begin,
// finish and cancel commands share the same layout.
type TransferCommand struct {
	Cache              string
	SourceStorage      int
	DestinationStorage int
	Source             string
	Destination        string
	Buckets            []int
}

func (t TransferCommand) String() string {
	return fmt.Sprintf("%s %s[%d] -> %s[%d] %v", t.Cache, t.Source, t.SourceStorage, t.Destination, t.DestinationStorage, t.Buckets)
}

func (t TransferCommand) sameRoute(other TransferCommand) bool {
	return t.SourceStorage == other.SourceStorage && t.DestinationStorage == other.DestinationStorage &&
		t.Source == other.Source && t.Destination == other.Destination
}

// Listener receives the commands the assignment emits while it changes. The
// callbacks are invoked synchronously in the order the commands are made.
type Listener interface {
	// AssignBuckets is called when orphaned primary buckets are given
	// to an owner without a transfer. The owner starts with empty buckets.
	AssignBuckets(cmd BucketCommand)

	// OrphanBuckets is called when buckets lose their owner.
	OrphanBuckets(cmd BucketCommand)

	// RestoreBuckets is called when replica buckets are promoted to primary
	// buckets on the same node.
	RestoreBuckets(cmd RestoreCommand)

	// BeginBucketTransfer asks the source to start moving buckets.
	BeginBucketTransfer(cmd TransferCommand)

	// FinishBucketTransfer is called when a transfer is committed.
	FinishBucketTransfer(cmd TransferCommand)

	// CancelBucketTransfer is called when a transfer is abandoned.
	CancelBucketTransfer(cmd TransferCommand)
}

// transferBatch merges consecutive transfer commands with the same route
type transferBatch struct {
	cmds []TransferCommand
}

func (t *transferBatch) add(cmd TransferCommand) {
	if n := len(t.cmds); n > 0 && t.cmds[n-1].sameRoute(cmd) {
		t.cmds[n-1].Buckets = append(t.cmds[n-1].Buckets, cmd.Buckets...)
		return
	}
	t.cmds = append(t.cmds, cmd)
}

func (t *transferBatch) drain() []TransferCommand {
	ret := t.cmds
	t.cmds = nil
	return ret
}
