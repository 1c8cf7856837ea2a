// Package cluster is a relay over a static mesh of server nodes. Each node keeps an RPC
// connection to every other node; published events are delivered locally and broadcast to
// all connected peers.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/relay"
	rh "github.com/tinode/fanout/server/ringhash"
	"github.com/tinode/fanout/server/store/types"
)

const (
	relayName = "cluster"

	// Default timeout before attempting to reconnect to a node
	defaultClusterReconnect = 200 * time.Millisecond
	// Number of replicas in ringhash
	clusterHashReplicas = 20
)

type clusterNodeConfig struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

type clusterConfig struct {
	// List of all members of the cluster, including this member
	Nodes []clusterNodeConfig `json:"nodes"`
	// Name of this cluster node
	ThisName string `json:"self"`
	// Reconnect interval in milliseconds.
	ReconnectMs int `json:"reconnect,omitempty"`
}

// ClusterNode is a client's connection to another node.
type ClusterNode struct {
	lock sync.Mutex

	// RPC endpoint
	endpoint *rpc.Client
	// True if the endpoint is believed to be connected
	connected bool
	// True if a go routine is trying to reconnect the node
	reconnecting bool
	// TCP address in the form host:port
	address string
	// Name of the node
	name string
	// Fingerprint of the node as last seen in its requests.
	fingerprint int64

	reconnectAfter time.Duration

	// Channel for shutting down the runner; buffered, 1
	done chan struct{}
}

// ClusterReq is a message routed from one node to another.
type ClusterReq struct {
	// Name of the node sending this request
	Node string

	// Ring hash signature of the node sending this request
	// Signature must match the signature of the receiver, otherwise the
	// Cluster is desynchronized.
	Signature string

	// Fingerprint of the node sending this request.
	// Fingerprint changes when the node is restarted.
	Fingerprint int64

	// Serialized types.Event.
	Event []byte
}

func (n *ClusterNode) reconnect() {
	var reconnTicker *time.Ticker

	// Avoid parallel reconnection threads
	n.lock.Lock()
	if n.reconnecting {
		n.lock.Unlock()
		return
	}
	n.reconnecting = true
	n.lock.Unlock()

	var count = 0
	for {
		// Attempt to reconnect right away
		if endpoint, err := rpc.Dial("tcp", n.address); err == nil {
			if reconnTicker != nil {
				reconnTicker.Stop()
			}
			n.lock.Lock()
			n.endpoint = endpoint
			n.connected = true
			n.reconnecting = false
			n.lock.Unlock()
			clusterNodesLive.Inc()
			logs.Info.Printf("cluster: connection to '%s' established", n.name)
			return
		} else if count == 0 {
			reconnTicker = time.NewTicker(n.reconnectAfter)
		}

		count++

		select {
		case <-reconnTicker.C:
			// Wait for timer to try to reconnect again.
		case <-n.done:
			// Shutting down
			reconnTicker.Stop()
			n.lock.Lock()
			n.reconnecting = false
			n.lock.Unlock()
			return
		}
	}
}

func (n *ClusterNode) isConnected() bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.connected
}

// Marks the node as disconnected and starts the reconnection loop.
func (n *ClusterNode) fail(err error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.connected {
		logs.Warn.Printf("cluster: call failed to '%s' [%s]", n.name, err)
		n.endpoint.Close()
		n.connected = false
		clusterNodesLive.Dec()
		go n.reconnect()
	}
}

// route sends the request without waiting for the response.
func (n *ClusterNode) route(req *ClusterReq) error {
	n.lock.Lock()
	if !n.connected {
		n.lock.Unlock()
		return errors.New("cluster: node '" + n.name + "' not connected")
	}
	endpoint := n.endpoint
	n.lock.Unlock()

	done := make(chan *rpc.Call, 1)
	go func() {
		call := <-done
		if call.Error != nil {
			n.fail(call.Error)
		} else if *(call.Reply.(*bool)) {
			logs.Warn.Printf("cluster: node '%s' rejected event, cluster desynchronized", n.name)
		}
	}()
	endpoint.Go("Cluster.Route", req, new(bool), done)
	return nil
}

func (n *ClusterNode) shutdown() {
	n.done <- struct{}{}

	n.lock.Lock()
	defer n.lock.Unlock()
	if n.connected {
		n.endpoint.Close()
		n.connected = false
		clusterNodesLive.Dec()
	}
}

// Cluster is the relay and the RPC service receiving events from other nodes.
type Cluster struct {
	lock sync.RWMutex

	// Cluster nodes with RPC endpoints (excluding current node).
	nodes map[string]*ClusterNode
	// Name of the local node
	thisNodeName string
	// Fingerprint of the local node
	fingerprint int64

	// Address to listen on
	listenOn string
	// Socket for inbound connections. May be preset before Open.
	inbound net.Listener
	// Ring hash of cluster node names, used only for the signature.
	ring *rh.Ring

	handler relay.Handler
	open    bool
}

// Route receives an event from another node. Called by a remote node.
func (c *Cluster) Route(req *ClusterReq, rejected *bool) error {
	c.lock.RLock()
	ring, handler := c.ring, c.handler
	node := c.nodes[req.Node]
	c.lock.RUnlock()

	if ring == nil || req.Signature != ring.Signature() {
		logs.Warn.Printf("cluster: event from node '%s' rejected, signature mismatch", req.Node)
		*rejected = true
		return nil
	}
	if node == nil {
		logs.Warn.Println("cluster: event from an unknown node", req.Node)
		*rejected = true
		return nil
	}

	node.lock.Lock()
	if node.fingerprint != req.Fingerprint {
		if node.fingerprint != 0 {
			logs.Info.Printf("cluster: node '%s' restarted", req.Node)
		}
		node.fingerprint = req.Fingerprint
	}
	node.lock.Unlock()

	ev, err := relay.Decode(req.Event)
	if err != nil {
		logs.Warn.Printf("cluster: malformed event from node '%s': %s", req.Node, err)
		return nil
	}
	if handler != nil {
		handler(ev)
	}
	return nil
}

// Open parses the node list, starts listening for peers and connects to them.
func (c *Cluster) Open(self string, jsonconf json.RawMessage) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.open {
		return errors.New("cluster: already open")
	}

	var config clusterConfig
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("cluster: failed to parse config: " + err.Error())
	}

	thisName := self
	if thisName == "" {
		thisName = config.ThisName
	}
	if thisName == "" {
		return errors.New("cluster: name of this node is not specified")
	}

	reconnect := defaultClusterReconnect
	if config.ReconnectMs > 0 {
		reconnect = time.Duration(config.ReconnectMs) * time.Millisecond
	}

	c.thisNodeName = thisName
	c.fingerprint = time.Now().UnixNano()
	c.nodes = make(map[string]*ClusterNode)

	var nodeNames []string
	for _, host := range config.Nodes {
		nodeNames = append(nodeNames, host.Name)

		if host.Name == thisName {
			c.listenOn = host.Addr
			// Don't create a cluster member for this local instance
			continue
		}

		c.nodes[host.Name] = &ClusterNode{
			address:        host.Addr,
			name:           host.Name,
			reconnectAfter: reconnect,
			done:           make(chan struct{}, 1)}
	}

	if len(c.nodes) == 0 || len(c.nodes) == len(config.Nodes) {
		// Cluster needs at least two nodes and must contain this one.
		return errors.New("cluster: invalid node list")
	}

	c.ring = rh.New(clusterHashReplicas, nil)
	c.ring.Add(nodeNames...)

	if c.inbound == nil {
		inbound, err := net.Listen("tcp", c.listenOn)
		if err != nil {
			return err
		}
		c.inbound = inbound
	}

	server := rpc.NewServer()
	if err := server.RegisterName("Cluster", c); err != nil {
		c.inbound.Close()
		return err
	}
	go server.Accept(c.inbound)

	for _, n := range c.nodes {
		go n.reconnect()
	}

	clusterNodesTotal.Set(float64(len(c.nodes) + 1))
	c.open = true
	logs.Info.Printf("cluster: %d nodes, node '%s' listening on [%s]", len(c.nodes)+1,
		c.thisNodeName, c.inbound.Addr())
	return nil
}

// Publish delivers the event locally and sends it to all connected peers.
// Peers which are down miss the event.
func (c *Cluster) Publish(ctx context.Context, ev *types.Event) error {
	c.lock.RLock()
	if !c.open {
		c.lock.RUnlock()
		return relay.ErrNotConnected
	}
	if ev.Origin == "" {
		ev.Origin = c.thisNodeName
	}
	data, err := relay.Encode(ev)
	if err != nil {
		c.lock.RUnlock()
		return err
	}
	req := &ClusterReq{
		Node:        c.thisNodeName,
		Signature:   c.ring.Signature(),
		Fingerprint: c.fingerprint,
		Event:       data,
	}
	nodes := make([]*ClusterNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	handler := c.handler
	c.lock.RUnlock()

	for _, n := range nodes {
		if err := n.route(req); err != nil {
			clusterRouteFailures.Inc()
		}
	}
	if handler != nil {
		handler(ev)
	}
	return nil
}

// Subscribe sets the handler for events from all nodes.
func (c *Cluster) Subscribe(h relay.Handler) {
	c.lock.Lock()
	c.handler = h
	c.lock.Unlock()
}

// IsConnected is true when the node is open and at least one peer is reachable.
func (c *Cluster) IsConnected() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if !c.open {
		return false
	}
	for _, n := range c.nodes {
		if n.isConnected() {
			return true
		}
	}
	return false
}

// Close stops listening and disconnects from peers.
func (c *Cluster) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.open {
		return nil
	}
	c.open = false
	c.inbound.Close()
	c.inbound = nil
	for _, n := range c.nodes {
		n.shutdown()
	}
	logs.Info.Println("cluster: shut down")
	return nil
}

// GetName returns the name of the relay.
func (c *Cluster) GetName() string {
	return relayName
}

func init() {
	relay.Register(&Cluster{})
}
