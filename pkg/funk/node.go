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
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lab5e/cachefunk/pkg/funk/bucket"
	"github.com/lab5e/cachefunk/pkg/funk/cache"
	"github.com/lab5e/cachefunk/pkg/funk/metrics"
	"github.com/lab5e/cachefunk/pkg/funk/sharding"
	"github.com/lab5e/cachefunk/pkg/toolbox"
	log "github.com/sirupsen/logrus"
)

// ErrNotLeader is returned when a group message is proposed on a node that
// isn't the leader
var ErrNotLeader = errors.New("not the leader")

const (
	proposalQueueSize = 1024
	reconcileInterval = time.Second
	maxProposalDelay  = time.Second
	inspectTimeout    = 5 * time.Second
)

// Node is a cache node. It runs one processor per cache. Serf keeps track of
// the members, the replicated Raft log orders the group messages and the
// gRPC transport carries the messages between the processors.
//
// The leader keeps the Raft configuration and the bucket owners in sync
// with the live Serf members.
type Node struct {
	config      Parameters
	serfNode    *SerfNode
	raftNode    *RaftNode
	transport   *GRPCTransport
	registry    *toolbox.ZeroconfRegistry
	metrics     metrics.Sink
	executables *cache.Executables
	processors  map[string]*cache.Processor
	caches      map[string]*cache.Cache
	address     string

	proposals     chan *cache.GroupMessage
	reconcileCh   chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mutex         *sync.Mutex
	stateMutex    *sync.RWMutex
	state         NodeState
	role          NodeRole
	eventChannels []chan Event
}

// NewNode creates a new cache node. The executables are shared by every
// cache on the node and may be nil.
func NewNode(params Parameters, executables *cache.Executables) *Node {
	ret := &Node{
		config:      params,
		serfNode:    NewSerfNode(),
		executables: executables,
		processors:  make(map[string]*cache.Processor),
		caches:      make(map[string]*cache.Cache),
		proposals:   make(chan *cache.GroupMessage, proposalQueueSize),
		reconcileCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		mutex:       &sync.Mutex{},
		stateMutex:  &sync.RWMutex{},
		state:       Invalid,
		role:        Unknown,
	}
	if ret.executables == nil {
		ret.executables = cache.NewExecutables()
	}
	return ret
}

// NodeID returns the local node ID
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// Address returns the address the processors on this node use
func (n *Node) Address() string {
	return n.address
}

// Cache returns the client for a named cache. Nil is returned if the node
// doesn't serve the cache.
func (n *Node) Cache(name string) *cache.Cache {
	return n.caches[name]
}

// Caches returns the names of the caches on the node
func (n *Node) Caches() []string {
	var ret []string
	for k := range n.caches {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Start launches the node and joins the cluster. If no other nodes are
// found a new cluster is bootstrapped.
func (n *Node) Start() error {
	if err := n.config.Final(); err != nil {
		return err
	}
	n.setState(Starting)
	n.metrics = metrics.NewSinkFromString(n.config.Metrics, n.config.NodeID)
	n.raftNode = NewRaftNode(n, n.metrics)
	n.transport = NewGRPCTransport(n.config.Transport, n.config.SendTimeout)

	if err := n.transport.Start(); err != nil {
		return err
	}
	n.address = n.transport.Endpoint()
	for _, name := range n.config.Cache.Names {
		cfg := n.config.Cache.config(name, n.address)
		cfg.Metrics = n.metrics
		cfg.Executables = n.executables
		p, err := cache.NewProcessor(cfg, n.transport, n)
		if err != nil {
			n.transport.Stop()
			return err
		}
		n.transport.AddProcessor(p)
		n.processors[name] = p
		n.caches[name] = cache.NewCache(p)
	}
	n.transport.SetProposer(n)

	if n.config.ZeroConf {
		n.registry = toolbox.NewZeroconfRegistry(n.config.Name)

		addrs, err := n.registry.Resolve(ZeroconfSerfKind, 1*time.Second)
		if err != nil {
			return err
		}
		if n.config.Raft.Bootstrap && len(addrs) > 0 {
			return errors.New("there's already a cluster with that name")
		}
		if n.config.Serf.JoinAddress == "" && len(addrs) > 0 {
			n.config.Serf.JoinAddress = addrs[0]
		}
		port, err := toolbox.PortOfHostPort(n.config.Serf.Endpoint)
		if err != nil {
			return err
		}
		if err := n.registry.Register(ZeroconfSerfKind, n.config.NodeID, port); err != nil {
			return err
		}
	}
	if n.config.Serf.JoinAddress == "" {
		log.Debug("No Serf nodes found, bootstrapping cluster")
		n.config.Raft.Bootstrap = true
	}

	for _, p := range n.processors {
		p.Start()
	}

	n.wg.Add(3)
	go n.raftEventLoop(n.raftNode.Events())
	go n.proposalLoop()
	go n.reconcileLoop()

	if err := n.raftNode.Start(n.config.NodeID, n.config.Raft); err != nil {
		return err
	}

	n.serfNode.SetTag(RaftEndpoint, n.raftNode.Endpoint())
	n.serfNode.SetTag(SerfEndpoint, n.config.Serf.Endpoint)
	n.serfNode.SetTag(TransportEndpoint, n.address)

	n.wg.Add(1)
	go n.serfEventLoop(n.serfNode.Events())

	if err := n.serfNode.Start(n.config.NodeID, n.config.Serf); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"nodeID":  n.config.NodeID,
		"address": n.address,
		"caches":  n.config.Cache.Names,
	}).Info("Cache node started")
	return nil
}

// Stop hands over the buckets to the other nodes and leaves the cluster.
// The handover is abandoned after the leave timeout.
func (n *Node) Stop() {
	n.setState(Leaving)
	n.serfNode.SetTag(LeavingTag, "true")
	if err := n.serfNode.PublishTags(); err != nil {
		log.WithError(err).Warning("Unable to publish leaving tag")
	}
	for name := range n.processors {
		if err := n.Broadcast(&cache.GroupMessage{
			Kind:      cache.MarkBucketOwnerLeavingGroupMessage,
			Cache:     name,
			Sender:    n.address,
			Addresses: []string{n.address},
		}); err != nil {
			log.WithError(err).WithField("cache", name).Warning("Unable to announce leave")
		}
	}
	toolbox.TimeCall(n.waitForHandover, "Bucket handover", n.config.LeaveTimeout)
	if !n.raftNode.Leader() {
		toolbox.TimeCall(n.waitForRaftRemoval, "Raft removal", n.config.LeaveTimeout)
	}

	close(n.stopCh)
	if err := n.serfNode.Stop(); err != nil {
		log.WithError(err).Warning("Error stopping Serf node. Will stop anyways.")
	}
	if err := n.raftNode.Stop(); err != nil {
		log.WithError(err).Warning("Error stopping Raft node. Will stop anyways")
	}
	for _, p := range n.processors {
		p.Stop()
	}
	n.transport.Stop()
	if n.registry != nil {
		n.registry.Shutdown()
	}
	n.wg.Wait()

	n.setRole(Unknown)
	n.setState(Stopped)

	n.mutex.Lock()
	defer n.mutex.Unlock()
	for _, v := range n.eventChannels {
		close(v)
	}
	n.eventChannels = nil
}

// waitForHandover waits until the local processors have handed over their
// buckets or the leave timeout expires
func (n *Node) waitForHandover() {
	deadline := time.Now().Add(n.config.LeaveTimeout)
	for time.Now().Before(deadline) {
		busy := false
		for name, p := range n.processors {
			ctx, done := context.WithTimeout(context.Background(), inspectTimeout)
			responsible, err := p.HasBucketResponsibilities(ctx)
			done()
			if err != nil {
				log.WithError(err).WithField("cache", name).Warning("Unable to check bucket responsibilities")
				return
			}
			busy = busy || responsible
		}
		if !busy {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.WithField("timeout", n.config.LeaveTimeout).Warning("Buckets were not handed over before leaving")
}

// waitForRaftRemoval waits until the leader has removed the node from the
// Raft cluster. The remaining nodes keep their quorum when the node stops.
func (n *Node) waitForRaftRemoval() {
	deadline := time.Now().Add(n.config.LeaveTimeout)
	for time.Now().Before(deadline) {
		members, err := n.raftNode.Members()
		if err != nil {
			return
		}
		found := false
		for _, id := range members {
			found = found || id == n.config.NodeID
		}
		if !found {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warning("Node was not removed from the Raft cluster before leaving")
}

// Broadcast implements the cache.Broadcaster interface. The message is
// queued and proposed to the leader in the background so the processors
// never wait for the replicated log.
func (n *Node) Broadcast(msg *cache.GroupMessage) error {
	select {
	case n.proposals <- msg:
		return nil
	default:
		return errors.New("proposal queue is full")
	}
}

// ProposeLocal appends a group message to the replicated log. The node must
// be the leader.
func (n *Node) ProposeLocal(msg *cache.GroupMessage) error {
	if !n.raftNode.Leader() {
		return ErrNotLeader
	}
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = n.raftNode.AppendLogEntry(NewLogMessage(GroupLogMessage, n.config.NodeID, buf))
	return err
}

// leaderTransport returns the transport endpoint of the leader or a blank
// string if the leader isn't known
func (n *Node) leaderTransport() string {
	leader := n.raftNode.LeaderEndpoint()
	if leader == "" {
		return ""
	}
	for _, m := range n.serfNode.Nodes() {
		if m.Tag(RaftEndpoint) == leader {
			return m.Tag(TransportEndpoint)
		}
	}
	return ""
}

func (n *Node) proposeOnce(msg *cache.GroupMessage) error {
	if n.raftNode.Leader() {
		return n.ProposeLocal(msg)
	}
	leader := n.leaderTransport()
	if leader == "" {
		return errors.New("no leader")
	}
	return n.transport.Forward(leader, msg)
}

// proposalLoop proposes the queued group messages in order. A message is
// retried until it is accepted or the node stops.
func (n *Node) proposalLoop() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.proposals:
			n.propose(msg)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) propose(msg *cache.GroupMessage) {
	delay := 10 * time.Millisecond
	for {
		err := n.proposeOnce(msg)
		if err == nil {
			return
		}
		log.WithError(err).WithFields(log.Fields{"kind": msg.Kind, "cache": msg.Cache}).Debug("Unable to propose group message, retrying")
		select {
		case <-n.stopCh:
			log.WithFields(log.Fields{"kind": msg.Kind, "cache": msg.Cache}).Warning("Dropping group message on stop")
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxProposalDelay {
			delay = maxProposalDelay
		}
	}
}

// ApplyLogMessage implements the LogApplier interface
func (n *Node) ApplyLogMessage(msg LogMessage) {
	switch msg.MessageType {
	case GroupLogMessage:
		gm := &cache.GroupMessage{}
		if err := gm.UnmarshalBinary(msg.Data); err != nil {
			log.WithError(err).WithField("index", msg.Index).Error("Unable to decode group message")
			return
		}
		p, ok := n.processors[gm.Cache]
		if !ok {
			log.WithField("cache", gm.Cache).Warning("Group message for unknown cache")
			return
		}
		if err := p.DeliverGroup(gm); err != nil {
			log.WithError(err).WithField("cache", gm.Cache).Warning("Unable to deliver group message")
		}
	case NoopLogMessage:
	default:
		log.WithField("logType", msg.MessageType).Error("Unknown log type in replication log")
	}
}

// SnapshotState implements the LogApplier interface. The snapshot holds the
// bucket assignment for every cache.
func (n *Node) SnapshotState() ([]byte, error) {
	state := make(map[string][]byte)
	for name, p := range n.processors {
		ctx, done := context.WithTimeout(context.Background(), inspectTimeout)
		buf, err := p.MarshalAssignment(ctx)
		done()
		if err != nil {
			return nil, err
		}
		state[name] = buf
	}
	return cbor.Marshal(state)
}

// RestoreState implements the LogApplier interface
func (n *Node) RestoreState(buf []byte) error {
	state := make(map[string][]byte)
	if err := cbor.Unmarshal(buf, &state); err != nil {
		return err
	}
	for name, data := range state {
		p, ok := n.processors[name]
		if !ok {
			log.WithField("cache", name).Warning("Snapshot has unknown cache")
			continue
		}
		ctx, done := context.WithTimeout(context.Background(), inspectTimeout)
		err := p.RestoreAssignment(ctx, data)
		done()
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) raftEventLoop(ch <-chan RaftEventType) {
	defer n.wg.Done()
	for {
		select {
		case e := <-ch:
			switch e {
			case RaftClusterSizeChanged:
				n.requestReconcile()

			case RaftLeaderLost:
				n.setState(Voting)

			case RaftBecameLeader:
				n.setRole(Leader)
				n.setState(Operational)
				n.requestReconcile()

			case RaftBecameFollower:
				if n.raftNode.Leader() {
					break
				}
				n.setRole(Follower)
				// Followers are operational once they know the leader
				if n.raftNode.LeaderEndpoint() == "" {
					n.setState(Voting)
				} else {
					n.setState(Operational)
				}

			default:
				log.WithField("eventType", e).Error("Unknown event received")
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) serfEventLoop(ch <-chan NodeEvent) {
	defer n.wg.Done()
	for {
		select {
		case ev := <-ch:
			log.WithFields(log.Fields{"event": ev.Event, "node": ev.Node.NodeID}).Debug("Serf event")
			n.requestReconcile()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) requestReconcile() {
	select {
	case n.reconcileCh <- struct{}{}:
	default:
	}
}

func (n *Node) reconcileLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-n.reconcileCh:
		case <-n.stopCh:
			return
		}
		if n.raftNode.Leader() {
			toolbox.TimeCall(n.reconcile, "Reconcile membership", 100*time.Millisecond)
		}
	}
}

// reconcile brings the Raft configuration and the bucket owners in line
// with the live Serf members. Only the leader does this. Leaving nodes are
// removed from the Raft cluster once they have handed over their buckets.
func (n *Node) reconcile() {
	alive := make(map[string]SerfMember)
	transports := make(map[string]bool)
	for _, m := range n.serfNode.Nodes() {
		if m.State != SerfAlive {
			continue
		}
		alive[m.NodeID] = m
		if ep := m.Tag(TransportEndpoint); ep != "" {
			transports[ep] = true
		}
	}

	busy := make(map[string]bool)
	for name, p := range n.processors {
		var owners []string
		ctx, done := context.WithTimeout(context.Background(), inspectTimeout)
		err := p.Inspect(ctx, func(a *sharding.Assignment, _ *bucket.Store) {
			owners = a.Owners(0)
			for _, o := range owners {
				if !a.IsLeaving(o) || a.HasBucketResponsibilities(o) {
					busy[o] = true
				}
			}
		})
		done()
		if err != nil {
			log.WithError(err).WithField("cache", name).Warning("Unable to read bucket owners")
			return
		}
		known := make(map[string]bool)
		var gone []string
		for _, o := range owners {
			known[o] = true
			if !transports[o] {
				gone = append(gone, o)
			}
		}
		var added []string
		for _, m := range alive {
			ep := m.Tag(TransportEndpoint)
			if ep == "" || known[ep] || m.Tag(LeavingTag) != "" {
				continue
			}
			added = append(added, ep)
		}
		sort.Strings(added)
		n.proposeMembership(cache.AddBucketOwnerGroupMessage, name, added)
		n.proposeMembership(cache.RemoveBucketOwnersGroupMessage, name, gone)
	}

	members, err := n.raftNode.Members()
	if err != nil {
		log.WithError(err).Warning("Unable to read Raft configuration")
		return
	}
	voters := make(map[string]bool)
	for _, id := range members {
		voters[id] = true
		if id == n.config.NodeID {
			continue
		}
		m, ok := alive[id]
		retired := ok && m.Tag(LeavingTag) != "" && !busy[m.Tag(TransportEndpoint)]
		if !ok || retired {
			log.WithField("nodeID", id).Info("Removing node from Raft cluster")
			if err := n.raftNode.RemoveClusterNode(id); err != nil {
				log.WithError(err).WithField("nodeID", id).Warning("Unable to remove Raft node")
			}
		}
	}
	for id, m := range alive {
		if ep := m.Tag(RaftEndpoint); ep != "" && !voters[id] && m.Tag(LeavingTag) == "" {
			log.WithField("nodeID", id).Info("Adding node to Raft cluster")
			if err := n.raftNode.AddClusterNode(id, ep); err != nil {
				log.WithError(err).WithField("nodeID", id).Warning("Unable to add Raft node")
			}
		}
	}
}

func (n *Node) proposeMembership(kind cache.GroupKind, name string, addresses []string) {
	if len(addresses) == 0 {
		return
	}
	log.WithFields(log.Fields{"cache": name, "kind": kind, "addresses": addresses}).Info("Updating bucket owners")
	if err := n.ProposeLocal(&cache.GroupMessage{
		Kind:      kind,
		Cache:     name,
		Sender:    n.address,
		Addresses: addresses,
	}); err != nil {
		log.WithError(err).WithField("cache", name).Warning("Unable to update bucket owners")
	}
}

// Events returns an event channel for the node. The channel is closed
// when the node is stopped. Events are for information only.
func (n *Node) Events() <-chan Event {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	ret := make(chan Event, 5)
	n.eventChannels = append(n.eventChannels, ret)
	return ret
}

func (n *Node) sendEvent(ev Event) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for _, v := range n.eventChannels {
		select {
		case v <- ev:
		case <-time.After(1 * time.Second):
			// drop event
		}
	}
}

// State returns the current state of the node
func (n *Node) State() NodeState {
	n.stateMutex.RLock()
	defer n.stateMutex.RUnlock()
	return n.state
}

// Role returns the current role of the node
func (n *Node) Role() NodeRole {
	n.stateMutex.RLock()
	defer n.stateMutex.RUnlock()
	return n.role
}

func (n *Node) setState(newState NodeState) {
	n.stateMutex.Lock()
	if n.state == newState || (n.state == Leaving && newState != Stopped) {
		n.stateMutex.Unlock()
		return
	}
	n.state = newState
	ev := Event{State: n.state, Role: n.role}
	n.stateMutex.Unlock()
	log.WithFields(log.Fields{"state": ev.State, "role": ev.Role}).Info("Node state changed")
	n.sendEvent(ev)
}

func (n *Node) setRole(newRole NodeRole) {
	n.stateMutex.Lock()
	defer n.stateMutex.Unlock()
	n.role = newRole
}
