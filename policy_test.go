package goed2k

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goed2k/goed2k/proto"
)

func testPolicy() Policy {
	return CreatePolicy(100, 3, 10*time.Second)
}

func TestPolicyAddPeer(t *testing.T) {
	policy := testPolicy()
	require.True(t, policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER)))
	require.Equal(t, 1, policy.NumPeers())

	// same endpoint merges source flags instead of duplicating
	require.False(t, policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_DHT)))
	require.Equal(t, 1, policy.NumPeers())

	p := policy.FindPeer(proto.Endpoint{Ip: 1, Port: 1})
	require.NotNil(t, p)
	require.Equal(t, PEER_SRC_SERVER|PEER_SRC_DHT, p.SourceFlag)
}

func TestPolicyListCap(t *testing.T) {
	policy := CreatePolicy(10, 3, 10*time.Second)
	for i := 0; i < 10; i++ {
		require.True(t, policy.AddPeer(CreatePeer(proto.Endpoint{Ip: uint32(i + 1), Port: 1}, PEER_SRC_SERVER)))
	}

	// the list is full of healthy peers, no erase candidates exist
	require.False(t, policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 100, Port: 1}, PEER_SRC_SERVER)))

	// a failed peer makes room
	policy.peers[0].FailCount = 5
	require.True(t, policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 101, Port: 1}, PEER_SRC_SERVER)))
}

func TestFindConnectCandidate(t *testing.T) {
	policy := testPolicy()
	policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER))

	now := time.Now()
	candidate := policy.FindConnectCandidate(now)
	require.NotNil(t, candidate)
	require.Equal(t, proto.Endpoint{Ip: 1, Port: 1}, candidate.Endpoint())
}

// reconnect backoff scales with the failcount
func TestConnectCandidateBackoff(t *testing.T) {
	policy := testPolicy()
	policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER))

	now := time.Now()
	p := policy.FindPeer(proto.Endpoint{Ip: 1, Port: 1})
	p.FailCount = 1
	p.LastConnected = now

	// 10s base times (failcount+1): blocked before, eligible after
	require.Nil(t, policy.FindConnectCandidate(now.Add(15*time.Second)))
	require.NotNil(t, policy.FindConnectCandidate(now.Add(25*time.Second)))
}

// past the failcount cap the peer is forgotten
func TestConnectionClosedForgetsFailedPeer(t *testing.T) {
	policy := testPolicy()
	policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER))

	pc := &PeerConnection{endpoint: proto.Endpoint{Ip: 1, Port: 1}}
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, policy.NumPeers())
		policy.NewConnection(pc)
		policy.ConnectionClosed(pc, true, now)
	}

	require.Equal(t, 0, policy.NumPeers())
}

func TestConnectionClosedSuccessResetsFailcount(t *testing.T) {
	policy := testPolicy()
	policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER))

	pc := &PeerConnection{endpoint: proto.Endpoint{Ip: 1, Port: 1}}
	now := time.Now()

	policy.NewConnection(pc)
	policy.ConnectionClosed(pc, true, now)
	require.Equal(t, 1, policy.FindPeer(pc.endpoint).FailCount)

	policy.NewConnection(pc)
	policy.ConnectionClosed(pc, false, now)
	require.Equal(t, 0, policy.FindPeer(pc.endpoint).FailCount)
}

// a peer with a live connection is not a candidate
func TestConnectedPeerNotCandidate(t *testing.T) {
	policy := testPolicy()
	policy.AddPeer(CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER))

	pc := &PeerConnection{endpoint: proto.Endpoint{Ip: 1, Port: 1}}
	require.True(t, policy.NewConnection(pc))
	require.Nil(t, policy.FindConnectCandidate(time.Now()))
	require.Equal(t, 0, policy.NumConnectCandidates())
}

func TestNewConnectionRefusesSecond(t *testing.T) {
	policy := testPolicy()
	pc1 := &PeerConnection{endpoint: proto.Endpoint{Ip: 1, Port: 1}}
	pc2 := &PeerConnection{endpoint: proto.Endpoint{Ip: 1, Port: 1}}

	require.True(t, policy.NewConnection(pc1))
	require.False(t, policy.NewConnection(pc2))
}

func TestSourceRankPrefersServer(t *testing.T) {
	server := CreatePeer(proto.Endpoint{Ip: 1, Port: 1}, PEER_SRC_SERVER)
	resume := CreatePeer(proto.Endpoint{Ip: 2, Port: 1}, PEER_SRC_RESUME_DATA)
	require.Greater(t, server.SourceRank(), resume.SourceRank())
}
