// Package node is the public entry point for embedding the broadcast
// protocol into a larger program: it wires together the node directory,
// signer, transport, and demultiplexer runtime behind the three operations
// an application needs — start, broadcast, and observe deliveries.
package node

import (
	"time"

	"github.com/quorumcast/arb/common/log"
	"github.com/quorumcast/arb/internal/demux"
	"github.com/quorumcast/arb/internal/directory"
	"github.com/quorumcast/arb/internal/sign"
	"github.com/quorumcast/arb/internal/wire"
)

// Node is one running participant. Build one with New, start it with Run,
// and shut it down with Stop.
type Node struct {
	rt *demux.Runtime
}

// Options configures optional behavior beyond the required directory,
// signer, and bound address.
type Options struct {
	Metrics demux.Metrics
	Config  demux.Config
}

// New binds a UDP socket at bindAddr (normally the local node's own
// directory address) and builds a Node ready to Run.
func New(l log.Logger, dir *directory.Directory, signer *sign.Signer, bindAddr string, opts Options) (*Node, error) {
	transport, err := demux.ListenUDP(bindAddr)
	if err != nil {
		return nil, err
	}
	rt := demux.New(l, dir, signer, transport, opts.Metrics, opts.Config)
	return &Node{rt: rt}, nil
}

// Run blocks, servicing the network, until Stop is called from another
// goroutine.
func (n *Node) Run() {
	n.rt.Run()
}

// Stop shuts the node down, releasing its socket and every internal
// goroutine.
func (n *Node) Stop() {
	n.rt.Stop()
}

// Broadcast initiates reliable broadcast of payload as this node. It
// returns as soon as the local self-dispatch send succeeds; delivery, for
// this node and every correct peer, completes asynchronously and is
// observed through OnDeliver.
func (n *Node) Broadcast(payload []byte) (wire.Identifier, error) {
	return n.rt.Broadcast(payload)
}

// OnDeliver registers cb to be invoked for every broadcast this node
// delivers, including ones already delivered before this call.
func (n *Node) OnDeliver(cb func(id wire.Identifier, payload []byte)) {
	n.rt.OnDeliver(cb)
}

// DefaultConfig returns the documented default garbage-collection tunables:
// a 5 minute post-delivery grace period, a 30 minute max age for instances
// that never deliver, and a 30 second reaper sweep interval.
func DefaultConfig() demux.Config {
	return demux.Config{
		DeliveredGrace: 5 * time.Minute,
		MaxInstanceAge: 30 * time.Minute,
		ReaperInterval: 30 * time.Second,
	}
}
