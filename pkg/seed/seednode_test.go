package seed

import (
	"bytes"
	"testing"

	"github.com/lab5e/cachefunk/pkg/funk"
	"github.com/stretchr/testify/require"
)

func TestDumpMembers(t *testing.T) {
	assert := require.New(t)
	members := []funk.SerfMember{
		{NodeID: "b", State: funk.SerfAlive, Tags: map[string]string{
			funk.TransportEndpoint: "127.0.0.1:1000",
			funk.RaftEndpoint:      "127.0.0.1:1001",
		}},
		{NodeID: "a", State: funk.SerfAlive, Tags: map[string]string{funk.SerfEndpoint: "127.0.0.1:2000"}},
		{NodeID: "c", State: funk.SerfLeft, Tags: map[string]string{}},
		{NodeID: "d", State: funk.SerfAlive, Tags: map[string]string{
			funk.TransportEndpoint: "127.0.0.1:3000",
			funk.LeavingTag:        "true",
		}},
	}

	buf := &bytes.Buffer{}
	dumpMembers(buf, "test", false, members)
	out := buf.String()
	assert.Contains(out, "Node: a (alive, seed)")
	assert.Contains(out, "Node: b (alive, cache)")
	assert.Contains(out, "Node: d (alive, cache, leaving)")
	assert.Contains(out, "  \\- ep.transport -> 127.0.0.1:1000")
	assert.NotContains(out, "Node: c")
	assert.Less(bytes.Index(buf.Bytes(), []byte("Node: a")), bytes.Index(buf.Bytes(), []byte("Node: b")))

	buf.Reset()
	dumpMembers(buf, "test", true, members)
	assert.Contains(buf.String(), "Node: c (left, seed)")
}
