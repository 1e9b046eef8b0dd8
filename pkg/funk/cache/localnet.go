package cache

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
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LocalNetwork connects processors in the same process. Every message is
// encoded and decoded on the way so nothing is shared between the nodes.
// Group messages are kept in a log and replayed to processors that are
// attached later, the same way a new node catches up on the replicated log.
type LocalNetwork struct {
	mutex        sync.Mutex
	nodes        map[string]*Processor
	disconnected map[string]bool
	held         map[MessageKind]bool
	queue        []*Envelope
	log          []*GroupMessage
}

// NewLocalNetwork creates an empty network
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes:        make(map[string]*Processor),
		disconnected: make(map[string]bool),
		held:         make(map[MessageKind]bool),
	}
}

// Attach connects a processor to the network. The group messages sent so
// far are delivered to the processor first.
func (n *LocalNetwork) Attach(p *Processor) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for _, msg := range n.log {
		if err := p.DeliverGroup(copyGroupMessage(msg)); err != nil {
			log.WithError(err).Warning("Unable to replay group message")
		}
	}
	n.nodes[p.Address()] = p
}

// Detach removes a processor from the network
func (n *LocalNetwork) Detach(address string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.nodes, address)
}

// Disconnect makes a node unreachable for point-to-point messages. Group
// messages are still delivered.
func (n *LocalNetwork) Disconnect(address string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.disconnected[address] = true
}

// Reconnect makes a node reachable again
func (n *LocalNetwork) Reconnect(address string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.disconnected, address)
}

// Hold queues every message of a kind until it is released
func (n *LocalNetwork) Hold(kind MessageKind) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.held[kind] = true
}

// Release delivers the held messages of a kind and stops holding them
func (n *LocalNetwork) Release(kind MessageKind) {
	n.mutex.Lock()
	delete(n.held, kind)
	var deliver []*Envelope
	var keep []*Envelope
	for _, env := range n.queue {
		if env.Kind == kind {
			deliver = append(deliver, env)
			continue
		}
		keep = append(keep, env)
	}
	n.queue = keep
	n.mutex.Unlock()

	for _, env := range deliver {
		if err := n.deliver(env); err != nil {
			log.WithError(err).WithField("receiver", env.Receiver).Debug("Dropping released message")
		}
	}
}

// Held returns the number of messages that are held
func (n *LocalNetwork) Held() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.queue)
}

// Send implements the Messenger interface
func (n *LocalNetwork) Send(to string, env *Envelope) error {
	buf, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	dup := &Envelope{}
	if err := dup.UnmarshalBinary(buf); err != nil {
		return err
	}
	dup.Receiver = to

	n.mutex.Lock()
	if n.disconnected[to] || n.disconnected[env.Sender] {
		n.mutex.Unlock()
		return ErrUnreachable
	}
	if n.held[env.Kind] {
		n.queue = append(n.queue, dup)
		n.mutex.Unlock()
		return nil
	}
	n.mutex.Unlock()
	return n.deliver(dup)
}

func (n *LocalNetwork) deliver(env *Envelope) error {
	n.mutex.Lock()
	p, ok := n.nodes[env.Receiver]
	n.mutex.Unlock()
	if !ok {
		return ErrUnreachable
	}
	return p.Deliver(env)
}

// Broadcast implements the Broadcaster interface. The network lock orders
// the messages so every processor sees the same sequence.
func (n *LocalNetwork) Broadcast(msg *GroupMessage) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.log = append(n.log, copyGroupMessage(msg))

	addresses := make([]string, 0, len(n.nodes))
	for a := range n.nodes {
		addresses = append(addresses, a)
	}
	sort.Strings(addresses)
	for _, a := range addresses {
		if err := n.nodes[a].DeliverGroup(copyGroupMessage(msg)); err != nil {
			log.WithError(err).WithField("node", a).Debug("Unable to deliver group message")
		}
	}
	return nil
}

func copyGroupMessage(msg *GroupMessage) *GroupMessage {
	buf, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	ret := &GroupMessage{}
	if err := ret.UnmarshalBinary(buf); err != nil {
		panic(err)
	}
	return ret
}
