package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/lab5e/cachefunk/pkg/funk"
	"github.com/stretchr/testify/require"
)

func TestStatusWebsocket(t *testing.T) {
	assert := require.New(t)
	events := make(chan funk.Event)
	hub := newStatusHub(events)
	node := funk.NewNode(funk.Parameters{}, nil)

	srv := httptest.NewServer(newHTTPHandler(node, hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/status", nil)
	assert.NoError(err)
	defer conn.Close()

	var status nodeStatus
	assert.NoError(conn.ReadJSON(&status))
	assert.Equal("Invalid", status.State)

	events <- funk.Event{State: funk.Operational, Role: funk.Leader}
	assert.NoError(conn.ReadJSON(&status))
	assert.Equal(nodeStatus{State: "Operational", Role: "Leader"}, status)

	close(events)
	_, _, err = conn.ReadMessage()
	assert.Error(err, "Connection is closed when the node stops")
}

func TestCacheAPIWithoutCaches(t *testing.T) {
	assert := require.New(t)
	node := funk.NewNode(funk.Parameters{}, defaultExecutables())
	srv := httptest.NewServer(newHTTPHandler(node, newStatusHub(make(chan funk.Event))))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/caches/unknown/key")
	assert.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/caches")
	assert.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	info := make(map[string]interface{})
	assert.NoError(json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal("Invalid", info["state"])

	resp, err = http.Get(srv.URL + "/metrics")
	assert.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
}
