package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var oneTimeRegister sync.Once

type prometheusSink struct {
	clusterSize *prometheus.GaugeVec
	bucketCount *prometheus.GaugeVec
	logIndex    *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	resplits    *prometheus.CounterVec
}

var promMetrics *prometheusSink

// NewPrometheusSink creates a metrics sink for Prometheus. All sinks created
// by this function will write to the same sinks.
func NewPrometheusSink(nodeid string) Sink {
	// The metrics are registered on the first call only. Subsequent calls
	// (f.e. in unit tests) get the same sink with the first node id.
	oneTimeRegister.Do(func() {
		labels := prometheus.Labels{
			"node": nodeid,
		}
		promMetrics = &prometheusSink{
			// clusterSize reports the cluster size as seen by the node.
			clusterSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "cf",
					Subsystem:   "cluster",
					Name:        "clusterSize",
					Help:        "Cluster size",
					ConstLabels: labels,
				},
				[]string{}),
			// bucketCount reports the number of buckets held by the node.
			bucketCount: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "cf",
					Subsystem:   "cache",
					Name:        "bucketCount",
					Help:        "Number of buckets held by the local node",
					ConstLabels: labels,
				},
				[]string{"cache", "storage"}),
			// logIndex is the last applied index in the replicated log
			logIndex: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace:   "cf",
					Subsystem:   "cluster",
					Name:        "logIndex",
					Help:        "Replicated log index",
					ConstLabels: labels,
				},
				[]string{}),
			// requests counts the client requests by operation and result.
			requests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "cf",
					Subsystem:   "cache",
					Name:        "requests",
					Help:        "Requests handled by node",
					ConstLabels: labels,
				},
				[]string{"cache", "operation", "result"}),
			transfers: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "cf",
					Subsystem:   "cache",
					Name:        "transfers",
					Help:        "Bucket transfers started or ended by node",
					ConstLabels: labels,
				},
				[]string{"cache", "outcome"}),
			resplits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace:   "cf",
					Subsystem:   "cache",
					Name:        "resplits",
					Help:        "Sub-requests sent again after buckets were rejected",
					ConstLabels: labels,
				},
				[]string{"cache"}),
		}
		prometheus.MustRegister(promMetrics.clusterSize)
		prometheus.MustRegister(promMetrics.bucketCount)
		prometheus.MustRegister(promMetrics.logIndex)
		prometheus.MustRegister(promMetrics.requests)
		prometheus.MustRegister(promMetrics.transfers)
		prometheus.MustRegister(promMetrics.resplits)
	})
	return promMetrics
}

func (p *prometheusSink) SetClusterSize(size int) {
	p.clusterSize.With(prometheus.Labels{}).Set(float64(size))
}

func (p *prometheusSink) SetBucketCount(cache string, storage int, buckets int) {
	p.bucketCount.With(prometheus.Labels{
		"cache":   cache,
		"storage": strconv.Itoa(storage),
	}).Set(float64(buckets))
}

func (p *prometheusSink) SetLogIndex(index uint64) {
	p.logIndex.With(prometheus.Labels{}).Set(float64(index))
}

func (p *prometheusSink) LogRequest(cache, operation, result string) {
	p.requests.With(prometheus.Labels{
		"cache":     cache,
		"operation": operation,
		"result":    result,
	}).Inc()
}

func (p *prometheusSink) LogTransfer(cache, outcome string) {
	p.transfers.With(prometheus.Labels{
		"cache":   cache,
		"outcome": outcome,
	}).Inc()
}

func (p *prometheusSink) LogResplit(cache string) {
	p.resplits.With(prometheus.Labels{"cache": cache}).Inc()
}
