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
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/lab5e/gotoolbox/netutils"
	"github.com/sirupsen/logrus"
)

// SerfEventType is the type of events the SerfNode emits
type SerfEventType int

// Serf event types.
const (
	SerfNodeJoined  SerfEventType = iota // A node joins the cluster
	SerfNodeLeft                         // A node has left or failed
	SerfNodeUpdated                      // A node's tags are updated
)

var (
	// SerfLeft is the status of the serf node when it has left the cluster
	SerfLeft = serf.StatusLeft.String()
	// SerfAlive is the status of the serf node when it is alive and well
	SerfAlive = serf.StatusAlive.String()
	// SerfFailed is the status of the serf node when it has failed
	SerfFailed = serf.StatusFailed.String()
)

func (s SerfEventType) String() string {
	switch s {
	case SerfNodeJoined:
		return "SerfNodeJoined"
	case SerfNodeLeft:
		return "SerfNodeLeft"
	case SerfNodeUpdated:
		return "SerfNodeUpdated"
	default:
		panic(fmt.Sprintf("Unknown serf node type %d", s))
	}
}

// NodeEvent is used for channel notifications
type NodeEvent struct {
	Event SerfEventType
	Node  SerfMember
}

// SerfMember holds information on members in the Serf cluster.
type SerfMember struct {
	NodeID string
	State  string
	Tags   map[string]string
}

// Tag returns a tag value or a blank string
func (m SerfMember) Tag(name string) string {
	return m.Tags[name]
}

// SerfNode is a wrapper around the Serf library. The local tags carry the
// endpoints of the node.
type SerfNode struct {
	mutex         *sync.RWMutex
	se            *serf.Serf
	tags          map[string]string
	changedTags   bool
	notifications []chan NodeEvent
	members       map[string]SerfMember
}

// NewSerfNode creates a new SerfNode instance
func NewSerfNode() *SerfNode {
	return &SerfNode{
		mutex:   &sync.RWMutex{},
		tags:    make(map[string]string),
		members: make(map[string]SerfMember),
	}
}

// SerfParameters holds parameters for the Serf client
type SerfParameters struct {
	Endpoint    string `kong:"help='Endpoint for Serf',default=''"`
	JoinAddress string `kong:"help='Join address and port for Serf cluster'"`
	Verbose     bool   `kong:"help='Verbose logging for Serf'"`
}

// Final populates empty fields with default values
func (s *SerfParameters) Final() {
	if s.Endpoint == "" {
		s.Endpoint = netutils.RandomLocalEndpoint()
	}
}

// Start launches the serf node
func (s *SerfNode) Start(nodeID string, cfg SerfParameters) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.se != nil {
		return errors.New("serf node is already started")
	}

	config := serf.DefaultConfig()
	config.NodeName = nodeID
	host, portStr, err := net.SplitHostPort(cfg.Endpoint)
	if err != nil {
		return err
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		return err
	}

	// The tombstone timeout is for nodes that leave gracefully
	config.ReapInterval = time.Minute * 5
	config.TombstoneTimeout = time.Minute * 10
	config.MemberlistConfig.BindAddr = host
	config.MemberlistConfig.BindPort = int(port)
	config.MemberlistConfig.AdvertiseAddr = host
	config.MemberlistConfig.AdvertisePort = int(port)
	config.SnapshotPath = ""

	config.Init()
	eventCh := make(chan serf.Event, 16)
	config.EventCh = eventCh

	logger := log.New(libraryLogWriter(cfg.Verbose), "serf ", log.LstdFlags)
	config.Logger = logger
	config.MemberlistConfig.Logger = logger

	config.Tags = make(map[string]string)
	for k, v := range s.tags {
		config.Tags[k] = v
	}
	s.changedTags = false

	go s.serfEventHandler(eventCh)

	if s.se, err = serf.Create(config); err != nil {
		return err
	}

	if cfg.JoinAddress != "" {
		if _, err := s.se.Join([]string{cfg.JoinAddress}, true); err != nil {
			s.se.Shutdown()
			s.se = nil
			return err
		}
	}
	return nil
}

// Stop leaves the cluster and shuts down the node
func (s *SerfNode) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.se == nil {
		return errors.New("serf node is not started")
	}
	if err := s.se.Leave(); err != nil {
		logrus.WithError(err).Warning("Unable to leave Serf cluster")
	}
	err := s.se.Shutdown()
	s.se = nil
	return err
}

// SetTag sets a tag on the serf node. The tags are not updated until
// PublishTags is called. Blank values remove the tag.
func (s *SerfNode) SetTag(name, value string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if value == "" {
		delete(s.tags, name)
	} else {
		s.tags[name] = value
	}
	s.changedTags = true
}

// PublishTags publishes the tags to the other members of the cluster
func (s *SerfNode) PublishTags() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.se == nil || !s.changedTags {
		return nil
	}
	logrus.WithField("tags", s.tags).Debug("Publishing tags")
	s.changedTags = false
	tags := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		tags[k] = v
	}
	return s.se.SetTags(tags)
}

// Events returns a notification channel. Events are dropped if the client
// isn't reading them.
func (s *SerfNode) Events() <-chan NodeEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	newChan := make(chan NodeEvent, 16)
	s.notifications = append(s.notifications, newChan)
	return newChan
}

// Node returns information on a particular node. If the node isn't found the
// node returned will be empty
func (s *SerfNode) Node(nodeID string) SerfMember {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.members[nodeID]
}

// Nodes returns a copy of the alive members
func (s *SerfNode) Nodes() []SerfMember {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ret := make([]SerfMember, 0, len(s.members))
	for k, v := range s.members {
		n := SerfMember{NodeID: k, State: v.State, Tags: make(map[string]string)}
		for name, value := range v.Tags {
			n.Tags[name] = value
		}
		ret = append(ret, n)
	}
	return ret
}

// Size returns the size of the member list
func (s *SerfNode) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.members)
}

func (s *SerfNode) addMember(nodeID string, state string, tags map[string]string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	existing, ok := s.members[nodeID]
	existing.NodeID = nodeID
	existing.State = state
	existing.Tags = tags
	s.members[nodeID] = existing
	if !ok {
		s.sendEvent(NodeEvent{Event: SerfNodeJoined, Node: existing})
		return
	}
	s.sendEvent(NodeEvent{Event: SerfNodeUpdated, Node: existing})
}

func (s *SerfNode) removeMember(nodeID string, state string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	existing, ok := s.members[nodeID]
	if !ok {
		return
	}
	existing.State = state
	delete(s.members, nodeID)
	s.sendEvent(NodeEvent{Event: SerfNodeLeft, Node: existing})
}

func (s *SerfNode) sendEvent(ev NodeEvent) {
	for _, v := range s.notifications {
		select {
		case v <- ev:
		default:
			logrus.WithFields(logrus.Fields{"event": ev.Event, "node": ev.Node.NodeID}).Warning("Dropping Serf event")
		}
	}
}

func (s *SerfNode) serfEventHandler(events chan serf.Event) {
	for ev := range events {
		e, ok := ev.(serf.MemberEvent)
		if !ok {
			// User events and queries aren't used
			continue
		}
		switch e.EventType() {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			for _, v := range e.Members {
				s.addMember(v.Name, v.Status.String(), v.Tags)
			}

		case serf.EventMemberLeave, serf.EventMemberFailed:
			for _, v := range e.Members {
				s.removeMember(v.Name, v.Status.String())
			}

		case serf.EventMemberReap:

		default:
			logrus.WithField("event", ev).Error("Unknown event")
		}
	}
}

// LoadMembers reads the list of members directly from Serf. This includes
// members that have left or failed.
func (s *SerfNode) LoadMembers() []SerfMember {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.se == nil {
		return nil
	}
	var ret []SerfMember
	for _, v := range s.se.Members() {
		newNode := SerfMember{
			NodeID: v.Name,
			State:  v.Status.String(),
			Tags:   make(map[string]string),
		}
		for k, v := range v.Tags {
			newNode.Tags[k] = v
		}
		ret = append(ret, newNode)
	}
	return ret
}

// libraryLogWriter returns the log output for the Raft and Serf libraries.
// They are quite chatty so they're muted unless verbose logging is on, and
// then they log at debug level.
func libraryLogWriter(verbose bool) io.Writer {
	if !verbose {
		return ioutil.Discard
	}
	return logrus.StandardLogger().WriterLevel(logrus.DebugLevel)
}
