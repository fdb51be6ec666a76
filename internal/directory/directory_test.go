package directory

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumcast/arb/common"
)

func fourNodes(t *testing.T) []Node {
	t.Helper()
	nodes := make([]Node, 4)
	for i := range nodes {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		nodes[i] = Node{ID: uint16(i), Address: "127.0.0.1:900" + string(rune('0'+i)), VerifyingKey: pub}
	}
	return nodes
}

func TestNewAndThresholds(t *testing.T) {
	nodes := fourNodes(t)
	d, err := New(nodes, 2)
	require.NoError(t, err)
	require.Equal(t, 4, d.N())
	require.Equal(t, 1, d.T()) // floor((4-1)/3) = 1
	require.Equal(t, uint16(2), d.MeID())
	require.Equal(t, nodes[2].Address, d.Me().Address)
}

func TestNewRejectsUnknownLocalID(t *testing.T) {
	nodes := fourNodes(t)
	_, err := New(nodes, 99)
	require.Error(t, err)
	require.True(t, errors.Is(err, common.ErrNotInDirectory))
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	nodes := fourNodes(t)
	nodes[1].ID = nodes[0].ID
	_, err := New(nodes, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, common.ErrDuplicateNodeID))
}

func TestGetAndAllDeterministicOrder(t *testing.T) {
	nodes := fourNodes(t)
	d, err := New(nodes, 0)
	require.NoError(t, err)

	n, ok := d.Get(3)
	require.True(t, ok)
	require.Equal(t, nodes[3].Address, n.Address)

	_, ok = d.Get(42)
	require.False(t, ok)

	all := d.All()
	require.Len(t, all, 4)
	for i, n := range all {
		require.Equal(t, nodes[i].ID, n.ID)
	}
}
