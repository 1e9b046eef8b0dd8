// Package toolbox contains small helpers for the cache nodes: node IDs,
// host:port juggling, timing and zeroconf discovery of the Serf endpoints.
package toolbox
