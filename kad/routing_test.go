package kad

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testAddr(i int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, byte(i/256), byte(i%256)), Port: 4672}
}

func TestNodeSeenInsertAndRefresh(t *testing.T) {
	self := KadId{}
	rt := NewRoutingTable(self)

	id := KadId{0x80, 0x01}
	require.True(t, rt.NodeSeen(id, testAddr(1)))
	require.Equal(t, 1, rt.NumNodes())

	// refresh does not duplicate
	require.True(t, rt.NodeSeen(id, testAddr(2)))
	require.Equal(t, 1, rt.NumNodes())

	// our own id never enters the table
	require.False(t, rt.NodeSeen(self, testAddr(3)))
}

func TestBucketCapacity(t *testing.T) {
	rt := NewRoutingTable(KadId{})

	// ids with the same first bit land in the same bucket
	for i := 0; i < K+5; i++ {
		id := KadId{0x80, byte(i + 1)}
		rt.NodeSeen(id, testAddr(i))
	}

	require.Equal(t, K, rt.NumNodes())
}

func TestBucketEvictsTimedOut(t *testing.T) {
	rt := NewRoutingTable(KadId{})

	first := KadId{0x80, 0x01}
	for i := 0; i < K; i++ {
		rt.NodeSeen(KadId{0x80, byte(i + 1)}, testAddr(i))
	}

	rt.NodeTimedOut(first)

	// the stale entry gives way to a newcomer
	fresh := KadId{0x80, 0xFF}
	require.True(t, rt.NodeSeen(fresh, testAddr(99)))
	require.Equal(t, K, rt.NumNodes())
}

func TestNodeTimedOutDrops(t *testing.T) {
	rt := NewRoutingTable(KadId{})
	id := KadId{0x80, 0x01}
	rt.NodeSeen(id, testAddr(1))

	for i := 0; i < 4; i++ {
		rt.NodeTimedOut(id)
	}

	require.Equal(t, 0, rt.NumNodes())
}

func TestFindClosestOrdering(t *testing.T) {
	rt := NewRoutingTable(KadId{0xFF, 0xFF})

	ids := []KadId{}
	for i := 1; i <= 20; i++ {
		id := KadId{byte(i), byte(i * 3)}
		ids = append(ids, id)
		rt.NodeSeen(id, testAddr(i))
	}

	target := KadId{0x05}
	closest := rt.FindClosest(target, 5)
	require.Len(t, closest, 5)

	for i := 1; i < len(closest); i++ {
		require.LessOrEqual(t, CompareRef(target, closest[i-1].Id, closest[i].Id), 0,
			fmt.Sprintf("entry %d closer than %d", i, i-1))
	}

	// the closest of all inserted ids leads the result
	best := ids[0]
	for _, id := range ids {
		if CompareRef(target, id, best) < 0 {
			best = id
		}
	}

	require.Equal(t, best, closest[0].Id)
}
