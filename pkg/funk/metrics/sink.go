package metrics

// Sink is the metrics sink for the cache nodes. Implement this interface to
// write to other kinds of systems.
type Sink interface {
	SetClusterSize(size int)
	SetBucketCount(cache string, storage int, buckets int)
	SetLogIndex(index uint64)
	LogRequest(cache, operation, result string)
	LogTransfer(cache, outcome string)
	LogResplit(cache string)
}

// The list of supported metrics
const (
	PrometheusSink = "prometheus"
	NoSink         = "none"
)

// Transfer outcomes
const (
	TransferBegun     = "begun"
	TransferCompleted = "completed"
	TransferRejected  = "rejected"
	TransferCancelled = "cancelled"
)

// NewSinkFromString returns a named sink
func NewSinkFromString(name string, nodeid string) Sink {
	switch name {
	case PrometheusSink:
		return NewPrometheusSink(nodeid)
	default:
		return NewBlackHoleSink()
	}
}
