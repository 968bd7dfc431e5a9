package kad

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goed2k/goed2k/proto"
)

// harness: a node whose sends are captured instead of hitting a socket
func newTestNode(t *testing.T) (*Node, *[]sentPacket) {
	n, err := NewNode(zap.NewNop(), 4672, 3, 10)
	require.NoError(t, err)
	n.running = true

	sent := &[]sentPacket{}
	n.rpc = NewRpcManager(zap.NewNop(), n.table,
		func(opcode byte, msg proto.SerializableSize, to *net.UDPAddr) error {
			*sent = append(*sent, sentPacket{opcode: opcode, to: to})
			return nil
		})
	return n, sent
}

func TestTraversalWithoutSeedsFinishes(t *testing.T) {
	n, _ := newTestNode(t)

	var got []NodeEntry
	called := false
	require.NoError(t, n.FindNode(KadId{0x01}, func(nodes []NodeEntry) {
		called = true
		got = nodes
	}))

	require.True(t, called, "empty table must finish the lookup immediately")
	require.Empty(t, got)
}

func TestTraversalBranchesToAlpha(t *testing.T) {
	n, sent := newTestNode(t)

	for i := 0; i < 8; i++ {
		n.table.NodeSeen(KadId{0x80, byte(i + 1)}, testAddr(i))
	}

	require.NoError(t, n.FindNode(KadId{0x01}, nil))

	// branching is capped at alpha
	require.Len(t, *sent, 3)
	for _, p := range *sent {
		require.Equal(t, proto.KADEMLIA2_REQ, p.opcode)
	}
}

func TestTraversalDedupesConcurrentLookups(t *testing.T) {
	n, sent := newTestNode(t)

	for i := 0; i < 4; i++ {
		n.table.NodeSeen(KadId{0x80, byte(i + 1)}, testAddr(i))
	}

	target := KadId{0x01}
	require.NoError(t, n.FindNode(target, nil))
	first := len(*sent)

	// the second lookup for the same id coalesces, no new packets
	require.NoError(t, n.FindNode(target, nil))
	require.Len(t, *sent, first)
}

func TestTraversalConsumesReplies(t *testing.T) {
	n, sent := newTestNode(t)

	seedId := KadId{0x80, 0x01}
	seedAddr := testAddr(1)
	n.table.NodeSeen(seedId, seedAddr)

	target := KadId{0x01}
	require.NoError(t, n.FindNode(target, nil))
	require.Len(t, *sent, 1)

	// the seed answers with a closer contact; the traversal walks on
	closer := proto.KadEntry{
		KID:     KadId{0x01, 0xFF},
		Address: proto.KadEndpoint{Ip: 0x0100000A, UdpPort: 4672, TcpPort: 4662},
		Version: proto.KADEMLIA_VERSION,
	}

	res := &proto.Kademlia2Res{Target: target, Contacts: []proto.KadEntry{closer}}
	require.True(t, n.rpc.Incoming(proto.KADEMLIA2_RES, res, seedAddr))
	require.Equal(t, 2, len(*sent), "reply must trigger a query to the new contact")
}

func TestSearchSourcesSurfacesEndpoints(t *testing.T) {
	n, _ := newTestNode(t)

	seedId := KadId{0x80, 0x01}
	seedAddr := testAddr(1)
	n.table.NodeSeen(seedId, seedAddr)

	target := KadId{0x01}
	var sources []proto.Endpoint
	require.NoError(t, n.SearchSources(target, 1000, func(eps []proto.Endpoint) {
		sources = append(sources, eps...)
	}))

	// the contact walk reply prompts the payload query
	walk := &proto.Kademlia2Res{Target: target}
	require.True(t, n.rpc.Incoming(proto.KADEMLIA2_RES, walk, seedAddr))

	entry := proto.KadSearchEntry{KID: KadId{0x55}}
	entry.Tags = append(entry.Tags, proto.MustTag(uint32(0x04030201), proto.TAG_SOURCEIP, ""))
	entry.Tags = append(entry.Tags, proto.MustTag(uint16(4662), proto.TAG_SOURCEPORT, ""))

	hits := &proto.Kad2SearchRes{Source: seedId, Target: target, Results: []proto.KadSearchEntry{entry}}
	require.True(t, n.rpc.Incoming(proto.KADEMLIA2_SEARCH_RES, hits, seedAddr))

	require.Len(t, sources, 1)
	require.Equal(t, proto.Endpoint{Ip: 0x04030201, Port: 4662}, sources[0])
}
