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
	"time"

	"github.com/lab5e/cachefunk/pkg/funk/cache"
	"github.com/lab5e/cachefunk/pkg/toolbox"
	"github.com/lab5e/gotoolbox/netutils"
	log "github.com/sirupsen/logrus"
)

// CacheParameters is the configuration for the caches served by the node.
// Every node must use the same names, bucket count and replica count.
type CacheParameters struct {
	Names          []string      `kong:"help='Cache names',default='default'"`
	Buckets        int           `kong:"help='Number of buckets per cache',default='271'"`
	Replicas       int           `kong:"help='Number of backup replicas',default='1'"`
	Capacity       int           `kong:"help='Maximum number of entries per bucket',default='1024'"`
	LeaseDuration  time.Duration `kong:"help='Read lease duration for the front cache',default='1s'"`
	FrontCacheSize int           `kong:"help='Front cache size, 0 disables the front cache',default='1024'"`
	RetryDelay     time.Duration `kong:"help='Delay before rejected requests are retried',default='25ms'"`
}

// config returns the processor configuration for a cache
func (c CacheParameters) config(name string, address string) cache.Config {
	ret := cache.DefaultConfig(name, address)
	ret.BucketCount = c.Buckets
	ret.ReplicaCount = c.Replicas
	ret.BucketCapacity = c.Capacity
	ret.LeaseDuration = c.LeaseDuration
	ret.FrontCacheSize = c.FrontCacheSize
	ret.RetryDelay = c.RetryDelay
	return ret
}

// Parameters is the parameters required for the cache node. The defaults
// are suitable for a development cluster but not for a production cluster.
type Parameters struct {
	Name         string               `kong:"help='Cluster name',default='cachefunk'"`
	Interface    string               `kong:"help='Interface address for services'"`
	NodeID       string               `kong:"help='Node ID for Serf and Raft'"`
	ZeroConf     bool                 `kong:"help='Zero-conf startup',default='true'"`
	Metrics      string               `kong:"help='Metrics sink to use',enum='blackhole,prometheus',default='prometheus'"`
	LeaveTimeout time.Duration        `kong:"help='Maximum time to wait for buckets to be handed over when leaving',default='10s'"`
	SendTimeout  time.Duration        `kong:"help='Timeout for messages to other nodes',default='1s'"`
	Raft         RaftParameters       `kong:"embed,prefix='raft-'"`
	Serf         SerfParameters       `kong:"embed,prefix='serf-'"`
	Transport    GRPCServerParameters `kong:"embed,prefix='transport-'"`
	Cache        CacheParameters      `kong:"embed,prefix='cache-'"`
}

func (p *Parameters) checkAndSetEndpoint(hostport *string) {
	if *hostport != "" {
		ep, err := toolbox.PublicEndpoint(*hostport)
		if err != nil {
			log.WithError(err).WithField("endpoint", *hostport).Warning("Unable to resolve public endpoint")
			return
		}
		*hostport = ep
		return
	}
	ep, err := toolbox.EndpointWithFreePort(p.Interface)
	if err != nil {
		log.WithError(err).Error("Unable to find a free port")
		return
	}
	*hostport = ep
}

// Final sets the defaults for the parameters that haven't got a sensible value,
// f.e. endpoints and defaults. Defaults that are random values can't be
// set via the parameter library.
func (p *Parameters) Final() error {
	if p.Name == "" {
		return errors.New("cluster name not specified")
	}
	if len(p.Cache.Names) == 0 {
		return errors.New("no caches specified")
	}
	if p.NodeID == "" {
		p.NodeID = toolbox.RandomID()
	}
	if p.Interface == "" {
		ip, err := netutils.FindPublicIPv4()
		if err != nil {
			log.WithError(err).Error("Unable to get public IP")
			p.Interface = "localhost"
		} else {
			p.Interface = ip.String()
		}
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = time.Second
	}
	p.Serf.Final()
	p.checkAndSetEndpoint(&p.Raft.Endpoint)
	p.checkAndSetEndpoint(&p.Transport.Endpoint)

	// Log endpoints regardless of verbose or not.
	log.WithFields(log.Fields{
		"serfEndpoint":      p.Serf.Endpoint,
		"raftEndpoint":      p.Raft.Endpoint,
		"transportEndpoint": p.Transport.Endpoint,
	}).Info("Endpoint configuration")
	return nil
}
