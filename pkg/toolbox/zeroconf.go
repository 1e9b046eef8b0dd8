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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Nodes register their Serf endpoints in mDNS so new nodes on the same LAN
// can find a node to join without configuration. This won't work in
// Kubernetes or the cloud providers' networks since they don't support UDP
// broadcasts.

const (
	serviceString = "_cachefunk._udp"
	defaultDomain = "local."
)

var txtRecords = []string{"txtv=0", "name=cachefunk node"}

// ZeroconfRegistry announces one or more endpoints via mDNS until Shutdown
// is called.
type ZeroconfRegistry struct {
	mutex       *sync.Mutex
	servers     map[string]*zeroconf.Server
	ClusterName string
}

// NewZeroconfRegistry creates a new zeroconf registry for a cluster
func NewZeroconfRegistry(clusterName string) *ZeroconfRegistry {
	return &ZeroconfRegistry{
		mutex:       &sync.Mutex{},
		servers:     make(map[string]*zeroconf.Server),
		ClusterName: clusterName,
	}
}

func (zr *ZeroconfRegistry) instance(kind string, id string) string {
	return fmt.Sprintf("%s_%s_%s", zr.ClusterName, kind, id)
}

// Register announces an endpoint. The kind and ID pair must be unique.
func (zr *ZeroconfRegistry) Register(kind string, id string, port int) error {
	zr.mutex.Lock()
	defer zr.mutex.Unlock()
	name := zr.instance(kind, id)
	if _, ok := zr.servers[name]; ok {
		return errors.New("entry is already registered")
	}
	server, err := zeroconf.Register(name, serviceString, defaultDomain, port, txtRecords, nil)
	if err != nil {
		return err
	}
	zr.servers[name] = server
	return nil
}

// Shutdown stops announcing the endpoints
func (zr *ZeroconfRegistry) Shutdown() {
	zr.mutex.Lock()
	defer zr.mutex.Unlock()
	for k, v := range zr.servers {
		v.Shutdown()
		delete(zr.servers, k)
	}
}

// Resolve browses for endpoints of a kind in the cluster for the duration
// of the wait time. The endpoints are returned as ip:port strings.
func (zr *ZeroconfRegistry) Resolve(kind string, waitTime time.Duration) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceString, defaultDomain, entries); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s_%s_", zr.ClusterName, kind)
	var ret []string
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return ret, nil
			}
			if !strings.HasPrefix(entry.Instance, prefix) {
				continue
			}
			for _, ip := range entry.AddrIPv4 {
				ret = append(ret, fmt.Sprintf("%s:%d", ip, entry.Port))
			}
		case <-ctx.Done():
			return ret, nil
		}
	}
}
