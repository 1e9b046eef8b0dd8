package metrics

// NewBlackHoleSink creates a metrics sink that discards all metrics
func NewBlackHoleSink() Sink {
	return &blackHoleSink{}
}

type blackHoleSink struct {
}

func (b *blackHoleSink) SetClusterSize(size int) {
	// do nothing
}

func (b *blackHoleSink) SetBucketCount(cache string, storage int, buckets int) {
	// do nothing
}

func (b *blackHoleSink) SetLogIndex(index uint64) {
	// do nothing
}

func (b *blackHoleSink) LogRequest(cache, operation, result string) {
	// do nothing
}

func (b *blackHoleSink) LogTransfer(cache, outcome string) {
	// do nothing
}

func (b *blackHoleSink) LogResplit(cache string) {
	// do nothing
}
