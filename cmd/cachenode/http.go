package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lab5e/cachefunk/pkg/funk"
	"github.com/lab5e/cachefunk/pkg/funk/cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const requestTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// nodeStatus is the status message sent to the websocket clients
type nodeStatus struct {
	State string `json:"state"`
	Role  string `json:"role"`
}

// statusHub forwards the node events to the websocket clients. New clients
// get the last status first.
type statusHub struct {
	mutex   sync.Mutex
	last    nodeStatus
	clients map[chan nodeStatus]bool
}

func newStatusHub(events <-chan funk.Event) *statusHub {
	ret := &statusHub{
		last:    nodeStatus{State: funk.Invalid.String(), Role: funk.Unknown.String()},
		clients: make(map[chan nodeStatus]bool),
	}
	go ret.run(events)
	return ret
}

func (s *statusHub) run(events <-chan funk.Event) {
	for ev := range events {
		log.Infof("Node state: %s  role: %s", ev.State.String(), ev.Role.String())
		status := nodeStatus{State: ev.State.String(), Role: ev.Role.String()}
		s.mutex.Lock()
		s.last = status
		for ch := range s.clients {
			select {
			case ch <- status:
			default:
				// slow client, drop the status
			}
		}
		s.mutex.Unlock()
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
}

func (s *statusHub) subscribe() (nodeStatus, chan nodeStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ch := make(chan nodeStatus, 10)
	s.clients[ch] = true
	return s.last, ch
}

func (s *statusHub) unsubscribe(ch chan nodeStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.clients[ch] {
		delete(s.clients, ch)
		close(ch)
	}
}

func (s *statusHub) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("Unable to upgrade connection")
		return
	}
	defer conn.Close()

	last, ch := s.subscribe()
	defer s.unsubscribe(ch)
	if err := conn.WriteJSON(last); err != nil {
		log.WithError(err).Debug("Error writing status")
		return
	}
	for status := range ch {
		if err := conn.WriteJSON(status); err != nil {
			log.WithError(err).Debug("Error writing status")
			return
		}
	}
}

// cacheAPI is a simple HTTP interface to the caches on the node
type cacheAPI struct {
	node *funk.Node
}

func (a *cacheAPI) cache(w http.ResponseWriter, r *http.Request) *cache.Cache {
	c := a.node.Cache(r.PathValue("name"))
	if c == nil {
		http.Error(w, "unknown cache", http.StatusNotFound)
	}
	return c
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrRetry), errors.Is(err, cache.ErrTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Error writing response")
	}
}

func (a *cacheAPI) get(w http.ResponseWriter, r *http.Request) {
	c := a.cache(w, r)
	if c == nil {
		return
	}
	ctx, done := context.WithTimeout(r.Context(), requestTimeout)
	defer done()
	v, found, err := c.Get(ctx, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(v)
}

func (a *cacheAPI) put(w http.ResponseWriter, r *http.Request) {
	c := a.cache(w, r)
	if c == nil {
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, done := context.WithTimeout(r.Context(), requestTimeout)
	defer done()
	_, found, err := c.Put(ctx, r.PathValue("key"), value)
	if err != nil {
		writeError(w, err)
		return
	}
	if found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *cacheAPI) remove(w http.ResponseWriter, r *http.Request) {
	c := a.cache(w, r)
	if c == nil {
		return
	}
	ctx, done := context.WithTimeout(r.Context(), requestTimeout)
	defer done()
	_, found, err := c.Remove(ctx, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *cacheAPI) stats(w http.ResponseWriter, r *http.Request) {
	c := a.cache(w, r)
	if c == nil {
		return
	}
	ctx, done := context.WithTimeout(r.Context(), requestTimeout)
	defer done()
	stats, err := c.GetStatistics(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (a *cacheAPI) clear(w http.ResponseWriter, r *http.Request) {
	c := a.cache(w, r)
	if c == nil {
		return
	}
	ctx, done := context.WithTimeout(r.Context(), requestTimeout)
	defer done()
	n, err := c.Clear(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"removed": n})
}

func (a *cacheAPI) caches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"nodeId":  a.node.NodeID(),
		"address": a.node.Address(),
		"state":   a.node.State().String(),
		"role":    a.node.Role().String(),
		"caches":  a.node.Caches(),
	})
}

func newHTTPHandler(node *funk.Node, status *statusHub) http.Handler {
	api := &cacheAPI{node: node}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", status.websocketHandler)
	mux.HandleFunc("GET /caches", api.caches)
	mux.HandleFunc("GET /caches/{name}", api.stats)
	mux.HandleFunc("DELETE /caches/{name}", api.clear)
	mux.HandleFunc("GET /caches/{name}/{key}", api.get)
	mux.HandleFunc("PUT /caches/{name}/{key}", api.put)
	mux.HandleFunc("DELETE /caches/{name}/{key}", api.remove)
	return mux
}

// launchHTTPServer starts the HTTP server in the background
func launchHTTPServer(hostport string, node *funk.Node, status *statusHub) (*http.Server, error) {
	listener, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler: newHTTPHandler(node, status),
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server stopped")
		}
	}()
	log.WithField("endpoint", listener.Addr().String()).Info("HTTP server started")
	return srv, nil
}
