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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/cache"
	"github.com/lab5e/gotoolbox/grpcutil"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// GRPCServerParameters is a parameter struct for gRPC services
// The struct uses annotations from Kong (https://github.com/alecthomas/kong)
type GRPCServerParameters struct {
	Endpoint string `kong:"help='Server endpoint'"`
	TLS      bool   `kong:"help='Enable TLS'"`
	CertFile string `kong:"help='Certificate file',type='existingfile'"`
	KeyFile  string `kong:"help='Certificate key file',type='existingfile'"`
	CAFile   string `kong:"help='CA certificate file for clients',type='existingfile'"`
}

const (
	transportService = "cachefunk.Transport"
	deliverMethod    = "/" + transportService + "/Deliver"
	proposeMethod    = "/" + transportService + "/Propose"
)

// ack is the (empty) response for the transport calls
type ack struct {
	OK bool `cbor:"ok"`
}

// Proposer appends group messages to the replicated log. The transport
// calls it when another node forwards a message to the leader.
type Proposer interface {
	ProposeLocal(msg *cache.GroupMessage) error
}

// transportHandler is the server side of the transport service
type transportHandler interface {
	Deliver(ctx context.Context, env *cache.Envelope) (*ack, error)
	Propose(ctx context.Context, msg *cache.GroupMessage) (*ack, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &cache.Envelope{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportHandler).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportHandler).Deliver(ctx, req.(*cache.Envelope))
	})
}

func proposeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &cache.GroupMessage{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportHandler).Propose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: proposeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportHandler).Propose(ctx, req.(*cache.GroupMessage))
	})
}

// The service is described by hand since the messages are CBOR encoded Go
// structs rather than protobuf messages.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportService,
	HandlerType: (*transportHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "Propose", Handler: proposeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport",
}

// GRPCTransport carries point-to-point messages between the cache
// processors and forwards group messages to the leader. The processor
// addresses are the transport endpoints.
type GRPCTransport struct {
	mutex      sync.RWMutex
	params     GRPCServerParameters
	timeout    time.Duration
	server     *grpc.Server
	listener   net.Listener
	proposer   Proposer
	processors map[string]*cache.Processor
	conns      map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a new transport. The send timeout is the
// maximum time to wait for another node to accept a message.
func NewGRPCTransport(params GRPCServerParameters, sendTimeout time.Duration) *GRPCTransport {
	return &GRPCTransport{
		params:     params,
		timeout:    sendTimeout,
		processors: make(map[string]*cache.Processor),
		conns:      make(map[string]*grpc.ClientConn),
	}
}

// AddProcessor registers a processor. Messages for the processor's cache
// are delivered to it.
func (t *GRPCTransport) AddProcessor(p *cache.Processor) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.processors[p.Cache()] = p
}

// SetProposer sets the handler for forwarded group messages
func (t *GRPCTransport) SetProposer(p Proposer) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.proposer = p
}

// Start launches the gRPC server
func (t *GRPCTransport) Start() error {
	var opts []grpc.ServerOption
	if t.params.TLS {
		creds, err := credentials.NewServerTLSFromFile(t.params.CertFile, t.params.KeyFile)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	listener, err := net.Listen("tcp", t.params.Endpoint)
	if err != nil {
		return err
	}
	t.listener = listener
	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&transportServiceDesc, t)

	go func() {
		if err := t.server.Serve(listener); err != nil {
			log.WithError(err).Error("Transport server stopped")
		}
	}()
	log.WithField("endpoint", t.Endpoint()).Debug("Transport started")
	return nil
}

// Stop stops the server and closes the client connections
func (t *GRPCTransport) Stop() {
	if t.server != nil {
		t.server.Stop()
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for k, c := range t.conns {
		c.Close()
		delete(t.conns, k)
	}
}

// Endpoint returns the listen address
func (t *GRPCTransport) Endpoint() string {
	if t.listener == nil {
		return t.params.Endpoint
	}
	return t.listener.Addr().String()
}

func (t *GRPCTransport) conn(endpoint string) (*grpc.ClientConn, error) {
	t.mutex.RLock()
	c, ok := t.conns[endpoint]
	t.mutex.RUnlock()
	if ok {
		return c, nil
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if c, ok := t.conns[endpoint]; ok {
		return c, nil
	}
	opts, err := grpcutil.GetDialOpts(grpcutil.GRPCClientParam{
		ServerEndpoint: endpoint,
		TLS:            t.params.TLS,
		CAFile:         t.params.CAFile,
	})
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(cborCodecName)))
	c, err = grpc.Dial(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	t.conns[endpoint] = c
	return c, nil
}

// Send implements the cache.Messenger interface. Unavailable nodes are
// reported as cache.ErrUnreachable.
func (t *GRPCTransport) Send(to string, env *cache.Envelope) error {
	c, err := t.conn(to)
	if err != nil {
		return err
	}
	ctx, done := context.WithTimeout(context.Background(), t.timeout)
	defer done()
	if err := c.Invoke(ctx, deliverMethod, env, &ack{}); err != nil {
		return transportError(to, err)
	}
	return nil
}

// Forward sends a group message to the leader's transport endpoint
func (t *GRPCTransport) Forward(leader string, msg *cache.GroupMessage) error {
	c, err := t.conn(leader)
	if err != nil {
		return err
	}
	ctx, done := context.WithTimeout(context.Background(), t.timeout)
	defer done()
	if err := c.Invoke(ctx, proposeMethod, msg, &ack{}); err != nil {
		return transportError(leader, err)
	}
	return nil
}

func transportError(endpoint string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", endpoint, cache.ErrUnreachable)
	default:
		return err
	}
}

// Deliver is the server side of Send
func (t *GRPCTransport) Deliver(ctx context.Context, env *cache.Envelope) (*ack, error) {
	t.mutex.RLock()
	p, ok := t.processors[env.Cache]
	t.mutex.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown cache %q", env.Cache)
	}
	if err := p.Deliver(env); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &ack{OK: true}, nil
}

// Propose is the server side of Forward
func (t *GRPCTransport) Propose(ctx context.Context, msg *cache.GroupMessage) (*ack, error) {
	t.mutex.RLock()
	proposer := t.proposer
	t.mutex.RUnlock()
	if proposer == nil {
		return nil, status.Error(codes.Unavailable, "node is not ready")
	}
	if err := proposer.ProposeLocal(msg); err != nil {
		if errors.Is(err, ErrNotLeader) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &ack{OK: true}, nil
}
