package kad

import (
	"net"
	"sort"
	"sync"
	"time"
)

const K int = 10
const NUM_BUCKETS int = 128

// NodeEntry is one routing table row.
type NodeEntry struct {
	Id           KadId
	Address      *net.UDPAddr
	LastSeen     time.Time
	TimeoutCount int
}

// RoutingTable is the classic bucket-per-prefix table: bucket i keeps
// up to K nodes sharing i leading bits with us.
type RoutingTable struct {
	mutex   sync.Mutex
	self    KadId
	buckets [NUM_BUCKETS][]NodeEntry
}

func NewRoutingTable(self KadId) *RoutingTable {
	return &RoutingTable{self: self}
}

func (rt *RoutingTable) SetSelf(self KadId) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	rt.self = self
	for i := range rt.buckets {
		rt.buckets[i] = nil
	}
}

func (rt *RoutingTable) Self() KadId {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	return rt.self
}

func (rt *RoutingTable) bucketIndex(id KadId) int {
	i := CommonPrefixBits(rt.self, id)
	if i >= NUM_BUCKETS {
		i = NUM_BUCKETS - 1
	}

	return i
}

// NodeSeen refreshes or inserts a responding node. A full bucket drops
// its most-timed-out stale entry first and refuses the insert when
// everyone is behaving.
func (rt *RoutingTable) NodeSeen(id KadId, addr *net.UDPAddr) bool {
	if id == rt.Self() || addr == nil {
		return false
	}

	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	idx := rt.bucketIndex(id)
	bucket := rt.buckets[idx]

	for i := range bucket {
		if bucket[i].Id == id {
			bucket[i].Address = addr
			bucket[i].LastSeen = time.Now()
			bucket[i].TimeoutCount = 0
			return true
		}
	}

	if len(bucket) >= K {
		victim := -1
		for i := range bucket {
			if bucket[i].TimeoutCount > 0 && (victim == -1 || bucket[i].TimeoutCount > bucket[victim].TimeoutCount) {
				victim = i
			}
		}

		if victim == -1 {
			return false
		}

		bucket = append(bucket[:victim], bucket[victim+1:]...)
	}

	rt.buckets[idx] = append(bucket, NodeEntry{Id: id, Address: addr, LastSeen: time.Now()})
	return true
}

// NodeTimedOut bumps the failure count of a node that stopped
// answering; persistent offenders fall out.
func (rt *RoutingTable) NodeTimedOut(id KadId) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	idx := rt.bucketIndex(id)
	bucket := rt.buckets[idx]
	for i := range bucket {
		if bucket[i].Id == id {
			bucket[i].TimeoutCount++
			if bucket[i].TimeoutCount > 3 {
				rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			}

			return
		}
	}
}

// FindClosest returns up to count nodes ordered by XOR distance to the
// target.
func (rt *RoutingTable) FindClosest(target KadId, count int) []NodeEntry {
	rt.mutex.Lock()
	all := []NodeEntry{}
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	rt.mutex.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return CompareRef(target, all[i].Id, all[j].Id) < 0
	})

	if len(all) > count {
		all = all[:count]
	}

	return all
}

func (rt *RoutingTable) NumNodes() int {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	res := 0
	for _, bucket := range rt.buckets {
		res += len(bucket)
	}

	return res
}
