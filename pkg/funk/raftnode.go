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
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/lab5e/cachefunk/pkg/funk/metrics"
	log "github.com/sirupsen/logrus"
)

// RaftEventType is the event type for events emitted by the RaftNode type
type RaftEventType int

const (
	// RaftClusterSizeChanged is emitted when nodes are added or removed
	RaftClusterSizeChanged RaftEventType = iota
	// RaftLeaderLost is emitted when the leader is lost, ie the node enters the candidate state
	RaftLeaderLost
	// RaftBecameLeader is emitted when the local node becomes the leader
	RaftBecameLeader
	// RaftBecameFollower is emitted when the node becomes a follower
	RaftBecameFollower
)

// String is the string representation of the event
func (r RaftEventType) String() string {
	switch r {
	case RaftClusterSizeChanged:
		return "RaftClusterSizeChanged"
	case RaftLeaderLost:
		return "RaftLeaderLost"
	case RaftBecameLeader:
		return "RaftBecameLeader"
	case RaftBecameFollower:
		return "RaftBecameFollower"
	default:
		panic(fmt.Sprintf("Unknown raft event type: %d", r))
	}
}

// LogApplier receives the entries of the replicated log in order. The
// snapshot methods are used for log compaction and for nodes that catch up
// from a snapshot instead of the full log.
type LogApplier interface {
	ApplyLogMessage(msg LogMessage)
	SnapshotState() ([]byte, error)
	RestoreState(buf []byte) error
}

// RaftParameters is the configuration for the Raft cluster
type RaftParameters struct {
	Endpoint  string `kong:"help='Endpoint for Raft'"`
	DiskStore bool   `kong:"help='Disk-based log store'"`
	DiskPath  string `kong:"help='Directory for the disk store',default='.'"`
	Bootstrap bool   `kong:"help='Bootstrap a new Raft cluster'"`
	Verbose   bool   `kong:"help='Verbose Raft logging'"`
}

// RaftNode is a wrapper for the Raft library. Raw state changes are
// coalesced into higher level events. The log entries are passed on to the
// log applier.
type RaftNode struct {
	mutex            *sync.RWMutex
	localNodeID      string
	raftEndpoint     string
	ra               *raft.Raft
	applier          LogApplier
	metrics          metrics.Sink
	lastIndex        uint64
	events           chan RaftEventType
	unfilteredEvents chan RaftEventType
	observerCh       chan raft.Observation
}

// NewRaftNode creates a new RaftNode instance
func NewRaftNode(applier LogApplier, sink metrics.Sink) *RaftNode {
	if sink == nil {
		sink = metrics.NewBlackHoleSink()
	}
	ret := &RaftNode{
		mutex:            &sync.RWMutex{},
		applier:          applier,
		metrics:          sink,
		events:           make(chan RaftEventType, 5),
		unfilteredEvents: make(chan RaftEventType, 5),
	}
	go ret.coalesceEvents()
	return ret
}

// Start launches the node. Bootstrapping a cluster that already has state
// is not an error.
func (r *RaftNode) Start(nodeID string, cfg RaftParameters) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.ra != nil {
		return errors.New("raft node is already started")
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.LogOutput = libraryLogWriter(cfg.Verbose)
	if cfg.Verbose {
		config.LogLevel = "DEBUG"
	}

	// Tuned for a LAN. The defaults are ten times higher.
	config.HeartbeatTimeout = 100 * time.Millisecond
	config.ElectionTimeout = 100 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.Endpoint)
	if err != nil {
		return err
	}
	transport, err := raft.NewTCPTransport(cfg.Endpoint, addr, 3, 500*time.Millisecond, libraryLogWriter(cfg.Verbose))
	if err != nil {
		return err
	}

	var logStore raft.LogStore
	var stableStore raft.StableStore
	var snapshotStore raft.SnapshotStore

	if cfg.DiskStore {
		raftdir := filepath.Join(cfg.DiskPath, nodeID)
		log.WithField("dbdir", raftdir).Info("Using boltDB and snapshot store")
		if err := os.MkdirAll(raftdir, os.ModePerm); err != nil {
			log.WithError(err).WithField("dbdir", raftdir).Error("Unable to create store dir")
			return err
		}
		boltDB, err := raftboltdb.NewBoltStore(filepath.Join(raftdir, fmt.Sprintf("%s.db", nodeID)))
		if err != nil {
			log.WithError(err).Error("Unable to create boltDB")
			return err
		}
		logStore = boltDB
		stableStore = boltDB
		snapshotStore, err = raft.NewFileSnapshotStore(raftdir, 3, libraryLogWriter(cfg.Verbose))
		if err != nil {
			log.WithError(err).WithField("dbdir", raftdir).Error("Unable to create snapshot store")
			return err
		}
	} else {
		logStore = raft.NewInmemStore()
		stableStore = raft.NewInmemStore()
		snapshotStore = raft.NewInmemSnapshotStore()
	}

	ra, err := raft.NewRaft(config, r, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return err
	}

	if cfg.Bootstrap {
		log.Info("Bootstrapping new cluster")
		f := ra.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{
				{ID: config.LocalID, Address: transport.LocalAddr()},
			},
		})
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			ra.Shutdown()
			return err
		}
	}

	r.observerCh = make(chan raft.Observation, 10)
	go r.observerFunc(r.observerCh)
	ra.RegisterObserver(raft.NewObserver(r.observerCh, false, nil))

	r.ra = ra
	r.localNodeID = nodeID
	r.raftEndpoint = string(transport.LocalAddr())
	r.sendInternalEvent(RaftBecameFollower)
	return nil
}

// coalesceEvents drops repeated events that arrive within a millisecond
func (r *RaftNode) coalesceEvents() {
	for ev := range r.unfilteredEvents {
		lastEvent := ev
		timeout := false
		for !timeout {
			select {
			case ev := <-r.unfilteredEvents:
				if ev == lastEvent {
					continue
				}
				r.events <- lastEvent
				lastEvent = ev
			case <-time.After(1 * time.Millisecond):
				timeout = true
			}
		}
		r.events <- lastEvent
	}
}

func (r *RaftNode) observerFunc(ch chan raft.Observation) {
	for k := range ch {
		switch v := k.Data.(type) {
		case raft.PeerObservation:
			r.sendInternalEvent(RaftClusterSizeChanged)

		case raft.LeaderObservation:
			// Followers learn about the leader after the state change
			if v.Leader != "" {
				r.sendInternalEvent(RaftBecameFollower)
			}

		case raft.RaftState:
			switch v {
			case raft.Candidate:
				r.sendInternalEvent(RaftLeaderLost)
			case raft.Follower:
				r.sendInternalEvent(RaftBecameFollower)
			case raft.Leader:
				r.sendInternalEvent(RaftBecameLeader)
			}

		case raft.RequestVoteRequest:

		default:
			log.WithField("data", k.Data).Debug("Unknown Raft observation")
		}
	}
}

func (r *RaftNode) sendInternalEvent(ev RaftEventType) {
	select {
	case r.unfilteredEvents <- ev:
	case <-time.After(500 * time.Millisecond):
		log.WithField("event", ev.String()).Warning("Raft event listener is too slow, dropping event")
	}
}

// Stop stops the node. A leader removes itself from the cluster first.
func (r *RaftNode) Stop() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.ra == nil {
		return errors.New("raft node is already stopped")
	}
	if r.ra.State() == raft.Leader {
		r.removeSelf()
	}
	if err := r.ra.Shutdown().Error(); err != nil {
		log.WithError(err).Info("Got error on shutdown")
	}
	r.ra = nil
	r.localNodeID = ""
	r.raftEndpoint = ""
	return nil
}

// removeSelf removes the leader from the configuration if there are other
// nodes in the cluster. The leader steps down when the change is committed.
func (r *RaftNode) removeSelf() {
	configFuture := r.ra.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		log.WithError(err).Debug("Unable to read configuration")
		return
	}
	if len(configFuture.Configuration().Servers) < 2 {
		return
	}
	if err := r.ra.RemoveServer(raft.ServerID(r.localNodeID), 0, 0).Error(); err != nil {
		log.WithError(err).Debug("Unable to remove leader from cluster")
	}
}

// LocalNodeID returns the local node ID
func (r *RaftNode) LocalNodeID() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.localNodeID
}

// Endpoint returns the Raft endpoint
func (r *RaftNode) Endpoint() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.raftEndpoint
}

// Events returns the event channel. There's only one channel so there
// should be only one reader.
func (r *RaftNode) Events() <-chan RaftEventType {
	return r.events
}

// AddClusterNode adds a voter to the cluster. Must be leader to perform this
// operation. Adding a node that is already a voter is a no-op.
func (r *RaftNode) AddClusterNode(nodeID string, endpoint string) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.ra == nil {
		return errors.New("raft node is not started")
	}
	if r.ra.State() != raft.Leader {
		return errors.New("must be leader to add a new member")
	}
	configFuture := r.ra.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return err
	}
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(endpoint) {
			return nil
		}
	}
	return r.ra.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(endpoint), 0, 0).Error()
}

// RemoveClusterNode removes a node from the cluster. Must be leader to
// perform this operation. Unknown nodes are ignored.
func (r *RaftNode) RemoveClusterNode(nodeID string) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.ra == nil {
		return errors.New("raft node is not started")
	}
	if r.ra.State() != raft.Leader {
		return errors.New("must be leader to remove node")
	}
	configFuture := r.ra.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return err
	}
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) {
			return r.ra.RemoveServer(raft.ServerID(nodeID), 0, 0).Error()
		}
	}
	return nil
}

// Members returns the node IDs in the Raft configuration
func (r *RaftNode) Members() ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.ra == nil {
		return nil, errors.New("raft node is not started")
	}
	configFuture := r.ra.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return nil, err
	}
	var ret []string
	for _, srv := range configFuture.Configuration().Servers {
		ret = append(ret, string(srv.ID))
	}
	return ret, nil
}

// Leader returns true if this node is the leader
func (r *RaftNode) Leader() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.ra == nil {
		return false
	}
	return r.ra.State() == raft.Leader
}

// LeaderEndpoint returns the Raft endpoint of the current leader or a blank
// string if there's no leader
func (r *RaftNode) LeaderEndpoint() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.ra == nil {
		return ""
	}
	return string(r.ra.Leader())
}

// AppendLogEntry appends a log entry to the log. The function returns when
// the entry is committed.
func (r *RaftNode) AppendLogEntry(msg LogMessage) (uint64, error) {
	buf, err := msg.MarshalBinary()
	if err != nil {
		return 0, err
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.ra == nil {
		return 0, errors.New("raft node not started")
	}
	f := r.ra.Apply(buf, time.Second*2)
	if err := f.Error(); err != nil {
		return 0, err
	}
	return f.Index(), nil
}

// LastLogIndex returns the index of the last applied log entry
func (r *RaftNode) LastLogIndex() uint64 {
	return atomic.LoadUint64(&r.lastIndex)
}

// Apply is invoked by the Raft library once a log entry is committed
func (r *RaftNode) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}
	msg := LogMessage{}
	if err := msg.UnmarshalBinary(l.Data); err != nil {
		log.WithError(err).WithField("index", l.Index).Error("Unable to decode log message")
		return err
	}
	msg.Index = l.Index
	r.applier.ApplyLogMessage(msg)
	atomic.StoreUint64(&r.lastIndex, l.Index)
	r.metrics.SetLogIndex(l.Index)
	return nil
}

// Snapshot captures the applier state. The Raft library doesn't call Apply
// while this runs.
func (r *RaftNode) Snapshot() (raft.FSMSnapshot, error) {
	buf, err := r.applier.SnapshotState()
	if err != nil {
		return nil, err
	}
	return &raftSnapshot{state: buf}, nil
}

// Restore replaces the applier state with a snapshot
func (r *RaftNode) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	buf, err := ioutil.ReadAll(rc)
	if err != nil {
		return err
	}
	log.WithField("bytes", len(buf)).Info("Restoring from snapshot")
	return r.applier.RestoreState(buf)
}

type raftSnapshot struct {
	state []byte
}

// Persist writes the snapshot to the sink
func (r *raftSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(r.state); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is invoked when the snapshot is no longer needed
func (r *raftSnapshot) Release() {
}
