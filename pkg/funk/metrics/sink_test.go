package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSinks(t *testing.T) {
	assert := require.New(t)

	p := NewSinkFromString(PrometheusSink, "node1")
	assert.NotNil(p)
	assert.Equal(p, NewPrometheusSink("node2"), "Prometheus sink is only registered once")
	p.SetClusterSize(3)
	p.SetBucketCount("cache", 0, 12)
	p.SetLogIndex(99)
	p.LogRequest("cache", "get", "success")
	p.LogTransfer("cache", TransferCompleted)
	p.LogResplit("cache")

	families, err := prometheus.DefaultGatherer.Gather()
	assert.NoError(err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(names["cf_cache_bucketCount"])
	assert.True(names["cf_cache_requests"])
	assert.True(names["cf_cache_transfers"])

	b := NewSinkFromString(NoSink, "node1")
	assert.NotNil(b)
	b.SetClusterSize(1)
	b.SetBucketCount("cache", 1, 1)
	b.LogRequest("cache", "get", "success")
	b.LogTransfer("cache", TransferBegun)
	b.LogResplit("cache")
}
