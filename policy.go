package goed2k

import (
	"math/rand"
	"time"

	"github.com/goed2k/goed2k/proto"
)

const MAX_ITERATIONS = 50

const PEER_SRC_INCOMING byte = 0x1
const PEER_SRC_SERVER byte = 0x2
const PEER_SRC_DHT byte = 0x4
const PEER_SRC_RESUME_DATA byte = 0x8
const PEER_SRC_EXCHANGE byte = 0x10

const (
	PEER_SPEED_SLOW = iota
	PEER_SPEED_MEDIUM
	PEER_SPEED_FAST
)

// Peer is one known source for a transfer. Live connections hold a
// pointer here; the record outlives its connection and accumulates
// failcount between attempts.
type Peer struct {
	SourceFlag     byte
	LastConnected  time.Time
	NextConnection time.Time
	FailCount      int
	Connectable    bool
	Speed          int
	Trusted        bool
	FailedHashes   int
	peerConnection *PeerConnection
	endpoint       proto.Endpoint
	pieces         proto.BitField
}

func CreatePeer(endpoint proto.Endpoint, sourceFlag byte) Peer {
	return Peer{SourceFlag: sourceFlag, Connectable: true, Trusted: true, endpoint: endpoint}
}

func (p *Peer) Endpoint() proto.Endpoint {
	return p.endpoint
}

func (p *Peer) HasPieces() bool {
	return p.pieces.Bits() > 0
}

func (p *Peer) IsEmpty() bool {
	return p.endpoint.IsEmpty()
}

func (p *Peer) isConnectCandidate(maxFailCount int) bool {
	return !(p.peerConnection != nil || !p.Connectable || p.FailCount >= maxFailCount)
}

func (p *Peer) isEraseCandidate(maxFailCount int) bool {
	if p.peerConnection != nil || p.isConnectCandidate(maxFailCount) {
		return false
	}

	return p.FailCount > 0
}

func (p *Peer) shouldEraseImmediately() bool {
	return (p.SourceFlag & PEER_SRC_RESUME_DATA) == PEER_SRC_RESUME_DATA
}

func (p *Peer) SourceRank() int {
	ret := 0
	if (p.SourceFlag & PEER_SRC_SERVER) != 0 {
		ret |= 1 << 5
	}

	if (p.SourceFlag & PEER_SRC_DHT) != 0 {
		ret |= 1 << 4
	}

	if (p.SourceFlag & PEER_SRC_INCOMING) != 0 {
		ret |= 1 << 3
	}

	if (p.SourceFlag & PEER_SRC_EXCHANGE) != 0 {
		ret |= 1 << 3
	}

	if (p.SourceFlag & PEER_SRC_RESUME_DATA) != 0 {
		ret |= 1 << 2
	}

	return ret
}

// comparePeerErase: true when l is the better record to drop.
func comparePeerErase(l Peer, r Peer) bool {
	if l.FailCount != r.FailCount {
		return l.FailCount > r.FailCount
	}

	lResume := (l.SourceFlag & PEER_SRC_RESUME_DATA) != 0
	rResume := (r.SourceFlag & PEER_SRC_RESUME_DATA) != 0

	// prefer to drop peers whose only source is resume data
	if lResume != rResume {
		return lResume
	}

	if l.Connectable != r.Connectable {
		return !l.Connectable
	}

	return false
}

// comparePeers: true when l is the better connect candidate.
func comparePeers(l Peer, r Peer) bool {
	if l.FailCount != r.FailCount {
		return l.FailCount < r.FailCount
	}

	if l.LastConnected != r.LastConnected {
		return l.LastConnected.Before(r.LastConnected)
	}

	if l.NextConnection != r.NextConnection {
		return l.NextConnection.Before(r.NextConnection)
	}

	if l.SourceRank() != r.SourceRank() {
		return l.SourceRank() > r.SourceRank()
	}

	return false
}

// Policy is the peer list of one transfer: admission, erase pressure
// under the size cap, and connect candidate selection with failcount
// backoff.
type Policy struct {
	roundRobin       int
	peers            []Peer
	maxPeerListSize  int
	maxFailCount     int
	minReconnectTime time.Duration
}

func CreatePolicy(maxPeerListSize int, maxFailCount int, minReconnectTime time.Duration) Policy {
	return Policy{
		maxPeerListSize:  maxPeerListSize,
		maxFailCount:     maxFailCount,
		minReconnectTime: minReconnectTime,
	}
}

func (policy *Policy) AddPeer(p Peer) bool {
	if len(policy.peers) >= policy.maxPeerListSize {
		if !policy.erasePeers() {
			return false
		}
	}

	indx := policy.getPeerIndexByEndpoint(p.endpoint)
	if indx != -1 {
		policy.peers[indx].SourceFlag |= p.SourceFlag
		return false
	}

	policy.peers = append(policy.peers, p)
	return true
}

func (policy *Policy) getPeerIndexByEndpoint(ep proto.Endpoint) int {
	for i, x := range policy.peers {
		if x.endpoint == ep {
			return i
		}
	}

	return -1
}

func (policy *Policy) FindPeer(ep proto.Endpoint) *Peer {
	if i := policy.getPeerIndexByEndpoint(ep); i != -1 {
		return &policy.peers[i]
	}

	return nil
}

func (policy *Policy) NumPeers() int {
	return len(policy.peers)
}

func (policy *Policy) NumConnectCandidates() int {
	res := 0
	for i := range policy.peers {
		if policy.peers[i].isConnectCandidate(policy.maxFailCount) {
			res++
		}
	}

	return res
}

func removePeer(s []Peer, i int) []Peer {
	s[i] = s[len(s)-1]
	return s[:len(s)-1]
}

func (policy *Policy) erasePeers() bool {
	count := len(policy.peers)
	if count == 0 {
		return false
	}

	eraseCandidate := -1
	roundRobin := rand.Intn(len(policy.peers))

	lowWatermark := policy.maxPeerListSize * 95 / 100
	if lowWatermark == policy.maxPeerListSize {
		lowWatermark--
	}

	for iterations := proto.Min(len(policy.peers), MAX_ITERATIONS); iterations > 0; iterations-- {
		if len(policy.peers) < lowWatermark {
			break
		}

		if roundRobin == len(policy.peers) {
			roundRobin = 0
		}

		p := policy.peers[roundRobin]
		current := roundRobin

		if p.isEraseCandidate(policy.maxFailCount) &&
			(eraseCandidate == -1 || !comparePeerErase(policy.peers[eraseCandidate], p)) {
			if p.shouldEraseImmediately() {
				if eraseCandidate > current {
					eraseCandidate--
				}

				policy.peers = removePeer(policy.peers, current)
			} else {
				eraseCandidate = current
			}
		}

		roundRobin++
	}

	if eraseCandidate > -1 {
		policy.peers = removePeer(policy.peers, eraseCandidate)
	}

	return count != len(policy.peers)
}

// NewConnection binds an incoming connection to its peer record,
// creating one for a previously unknown endpoint.
func (policy *Policy) NewConnection(pc *PeerConnection) bool {
	indx := policy.getPeerIndexByEndpoint(pc.endpoint)
	if indx != -1 {
		if policy.peers[indx].peerConnection != nil {
			return false
		}

		policy.peers[indx].peerConnection = pc
		return true
	}

	p := CreatePeer(pc.endpoint, PEER_SRC_INCOMING)
	p.peerConnection = pc
	return policy.AddPeer(p)
}

// ConnectionClosed releases the record and applies failure backoff.
// A peer past the failcount cap is forgotten.
func (policy *Policy) ConnectionClosed(pc *PeerConnection, failed bool, now time.Time) {
	indx := policy.getPeerIndexByEndpoint(pc.endpoint)
	if indx == -1 {
		return
	}

	p := &policy.peers[indx]
	p.peerConnection = nil
	p.LastConnected = now
	if failed {
		p.FailCount++
		p.NextConnection = now.Add(policy.minReconnectTime * time.Duration(p.FailCount))
	} else {
		p.FailCount = 0
		p.NextConnection = time.Time{}
	}

	if p.FailCount >= policy.maxFailCount {
		policy.peers = removePeer(policy.peers, indx)
	}
}

// FindConnectCandidate walks the list round robin, keeping the single
// best eligible peer seen within the iteration budget.
func (policy *Policy) FindConnectCandidate(t time.Time) *Peer {
	candidate := -1
	eraseCandidate := -1
	if policy.roundRobin >= len(policy.peers) {
		policy.roundRobin = 0
	}

	for iteration := 0; iteration < proto.Min(len(policy.peers), MAX_ITERATIONS); iteration++ {
		if policy.roundRobin >= len(policy.peers) {
			policy.roundRobin = 0
		}

		p := policy.peers[policy.roundRobin]
		current := policy.roundRobin

		if len(policy.peers) > policy.maxPeerListSize {
			if p.isEraseCandidate(policy.maxFailCount) &&
				(eraseCandidate == -1 || !comparePeerErase(policy.peers[eraseCandidate], p)) {
				if p.shouldEraseImmediately() {
					if eraseCandidate > current {
						eraseCandidate--
					}

					if candidate > current {
						candidate--
					}

					policy.peers = removePeer(policy.peers, current)
					continue
				}

				eraseCandidate = current
			}
		}

		policy.roundRobin++
		if !p.isConnectCandidate(policy.maxFailCount) {
			continue
		}

		if candidate != -1 && comparePeers(policy.peers[candidate], p) {
			continue
		}

		if !p.NextConnection.IsZero() && t.Before(p.NextConnection) {
			continue
		}

		// reconnect backoff grows with the failcount
		if !p.LastConnected.IsZero() &&
			t.Before(p.LastConnected.Add(policy.minReconnectTime*time.Duration(p.FailCount+1))) {
			continue
		}

		candidate = current
	}

	if eraseCandidate != -1 {
		if candidate > eraseCandidate {
			candidate--
		}

		policy.peers = removePeer(policy.peers, eraseCandidate)
	}

	if candidate == -1 {
		return nil
	}

	return &policy.peers[candidate]
}
