// Package directory holds the static, process-wide, read-only mapping from
// participant id to network address and verification key that the
// demultiplexer and instance state machine consult to authenticate senders
// and to address outgoing envelopes. It is built once at startup (see
// package config) and never mutated afterwards.
package directory

import (
	"crypto/ed25519"
	"fmt"

	"github.com/quorumcast/arb/common"
)

// Node is one participant's entry in the directory: its id, its reachable
// network address, and the Ed25519 key used to verify envelopes it sends.
type Node struct {
	ID           uint16
	Address      string
	VerifyingKey ed25519.PublicKey
}

// Directory is the static table of all participants, in the deterministic
// order they were configured in. That order is load-bearing: it defines the
// "first 2t+1 participants" subset the REQUEST phase targets.
type Directory struct {
	me    uint16
	nodes []Node
	byID  map[uint16]int
}

// New builds a Directory from nodes (in configuration order) and the local
// node's id. It returns an error if ids aren't unique or meID isn't present.
func New(nodes []Node, meID uint16) (*Directory, error) {
	byID := make(map[uint16]int, len(nodes))
	for i, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("directory: node id %d: %w", n.ID, common.ErrDuplicateNodeID)
		}
		byID[n.ID] = i
	}
	if _, ok := byID[meID]; !ok {
		return nil, fmt.Errorf("directory: local id %d: %w", meID, common.ErrNotInDirectory)
	}
	cp := make([]Node, len(nodes))
	copy(cp, nodes)
	return &Directory{me: meID, nodes: cp, byID: byID}, nil
}

// N returns the total number of participants.
func (d *Directory) N() int { return len(d.nodes) }

// T returns the maximum tolerated number of Byzantine participants,
// floor((N-1)/3).
func (d *Directory) T() int { return (len(d.nodes) - 1) / 3 }

// MeID returns the local node's id.
func (d *Directory) MeID() uint16 { return d.me }

// Me returns the local node's directory entry.
func (d *Directory) Me() Node {
	n, _ := d.Get(d.me)
	return n
}

// Get returns the node entry for id and whether it was found.
func (d *Directory) Get(id uint16) (Node, bool) {
	i, ok := d.byID[id]
	if !ok {
		return Node{}, false
	}
	return d.nodes[i], true
}

// All returns every node in deterministic configuration order. The returned
// slice is a copy; callers may not mutate the Directory through it.
func (d *Directory) All() []Node {
	cp := make([]Node, len(d.nodes))
	copy(cp, d.nodes)
	return cp
}
