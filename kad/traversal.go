package kad

import (
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/proto"
)

const MAX_QUERIED int = 100

const (
	SEARCH_KEYWORD = iota
	SEARCH_SOURCES
	SEARCH_NODES
)

const (
	entryNew = iota
	entryQueried
	entryResponded
	entryFailed
)

type traversalEntry struct {
	node  NodeEntry
	state int
}

// DataCallback surfaces payload rows (sources, keyword hits) as they
// arrive; NodesCallback fires once with the closest responding set when
// the traversal ends.
type DataCallback func(entries []proto.KadSearchEntry)
type NodesCallback func(nodes []NodeEntry)

// Traversal is the iterative lookup: query the α closest unqueried
// candidates, merge returned contacts, stop when the k closest have
// answered, the query budget is spent, or the search short-circuits on
// enough collected payload.
type Traversal struct {
	log  *zap.Logger
	node *Node

	mutex      sync.Mutex
	target     KadId
	searchType int
	fileSize   uint64
	branching  int
	queried    int
	collected  int
	enough     int
	entries    []*traversalEntry
	invoking   int
	done       bool

	dataCallback  DataCallback
	nodesCallback NodesCallback
}

func newTraversal(node *Node, target KadId, searchType int, fileSize uint64,
	dataCallback DataCallback, nodesCallback NodesCallback) *Traversal {
	return &Traversal{
		log:           node.log.Named("traversal").With(zap.String("target", target.ToString())),
		node:          node,
		target:        target,
		searchType:    searchType,
		fileSize:      fileSize,
		branching:     node.branching,
		enough:        node.maxPeersReply,
		dataCallback:  dataCallback,
		nodesCallback: nodesCallback,
	}
}

func (t *Traversal) Target() KadId {
	return t.target
}

// Start seeds the candidate set with the k closest known nodes.
func (t *Traversal) Start() {
	seeds := t.node.table.FindClosest(t.target, K)
	if len(seeds) == 0 {
		t.log.Debug("no seeds, traversal stillborn")
		t.finish()
		return
	}

	t.mutex.Lock()
	for i := range seeds {
		t.entries = append(t.entries, &traversalEntry{node: seeds[i]})
	}
	t.mutex.Unlock()

	t.branchOut()
}

// branchOut queries up to α unqueried candidates closest to the target.
func (t *Traversal) branchOut() {
	t.mutex.Lock()
	if t.done {
		t.mutex.Unlock()
		return
	}

	sort.Slice(t.entries, func(i, j int) bool {
		return CompareRef(t.target, t.entries[i].node.Id, t.entries[j].node.Id) < 0
	})

	picked := []*traversalEntry{}
	for _, e := range t.entries {
		if t.invoking >= t.branching || t.queried >= MAX_QUERIED {
			break
		}

		if e.state != entryNew {
			continue
		}

		e.state = entryQueried
		t.queried++
		t.invoking++
		picked = append(picked, e)
	}

	finished := len(picked) == 0 && t.invoking == 0
	t.mutex.Unlock()

	for _, e := range picked {
		t.invoke(e)
	}

	if finished {
		t.finish()
	}
}

func (t *Traversal) invoke(e *traversalEntry) {
	o := &Observer{algorithm: t, id: e.node.Id}

	findType := proto.KADEMLIA_FIND_NODE
	if t.searchType != SEARCH_NODES {
		// contact walk first; payload request goes to close nodes on reply
		findType = proto.KADEMLIA_FIND_VALUE
	}

	req := proto.Kademlia2Req{FindType: findType, Target: t.target, Receiver: e.node.Id}
	if !t.node.rpc.Invoke(proto.KADEMLIA2_REQ, &req, e.node.Address, o) {
		t.mutex.Lock()
		t.invoking--
		e.state = entryFailed
		t.mutex.Unlock()

		if t.isDone() {
			t.finish()
		}
	}
}

// Finished consumes one reply: new contacts join the candidate set and
// close responders receive the payload query.
func (t *Traversal) Finished(o *Observer, packet interface{}, from *net.UDPAddr) {
	t.mutex.Lock()
	if t.done {
		t.mutex.Unlock()
		return
	}

	t.invoking--
	for _, e := range t.entries {
		if e.node.Id == o.id {
			e.state = entryResponded
			break
		}
	}

	var contacts []proto.KadEntry
	switch p := packet.(type) {
	case *proto.Kademlia2Res:
		contacts = p.Contacts
	case *proto.Kad2BootstrapRes:
		contacts = p.Contacts
	case *proto.Kad2SearchRes:
		t.collected += len(p.Results)
	}

	for _, c := range contacts {
		t.addEntryLocked(c)
	}

	searchType := t.searchType
	shortCircuit := t.enough > 0 && t.collected >= t.enough
	t.mutex.Unlock()

	if res, ok := packet.(*proto.Kad2SearchRes); ok && t.dataCallback != nil && len(res.Results) > 0 {
		t.dataCallback(res.Results)
	}

	// a responding close node gets the payload question
	if _, ok := packet.(*proto.Kademlia2Res); ok && searchType != SEARCH_NODES {
		t.sendPayloadQuery(o.id, from)
	}

	if shortCircuit {
		t.finish()
		return
	}

	if t.isDone() {
		t.finish()
		return
	}

	t.branchOut()
}

func (t *Traversal) sendPayloadQuery(id KadId, to *net.UDPAddr) {
	o := &Observer{algorithm: t, id: id}

	t.mutex.Lock()
	t.invoking++
	t.mutex.Unlock()

	ok := false
	switch t.searchType {
	case SEARCH_KEYWORD:
		req := proto.Kad2SearchKeyReq{Target: t.target}
		ok = t.node.rpc.Invoke(proto.KADEMLIA2_SEARCH_KEY_REQ, &req, to, o)
	case SEARCH_SOURCES:
		req := proto.Kad2SearchSourcesReq{Target: t.target, FileSize: t.fileSize}
		ok = t.node.rpc.Invoke(proto.KADEMLIA2_SEARCH_SOURCE_REQ, &req, to, o)
	}

	if !ok {
		t.mutex.Lock()
		t.invoking--
		t.mutex.Unlock()
	}
}

func (t *Traversal) addEntryLocked(c proto.KadEntry) {
	if c.Address.Ip == 0 || c.Address.UdpPort == 0 {
		return
	}

	for _, e := range t.entries {
		if e.node.Id == c.KID {
			return
		}
	}

	addr := &net.UDPAddr{
		IP:   net.IPv4(byte(c.Address.Ip), byte(c.Address.Ip>>8), byte(c.Address.Ip>>16), byte(c.Address.Ip>>24)),
		Port: int(c.Address.UdpPort),
	}

	t.entries = append(t.entries, &traversalEntry{node: NodeEntry{Id: c.KID, Address: addr}})
}

// Failed handles a timeout; a short timeout only widens the branching
// window for one extra probe.
func (t *Traversal) Failed(o *Observer, short bool) {
	t.mutex.Lock()
	if t.done {
		t.mutex.Unlock()
		return
	}

	if !short {
		t.invoking--
		for _, e := range t.entries {
			if e.node.Id == o.id {
				e.state = entryFailed
				break
			}
		}
	}
	t.mutex.Unlock()

	if t.isDone() {
		t.finish()
		return
	}

	t.branchOut()
}

// isDone checks the k-closest termination rule.
func (t *Traversal) isDone() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.queried >= MAX_QUERIED {
		return t.invoking == 0
	}

	seen := 0
	for _, e := range t.entries {
		if seen >= K {
			break
		}

		switch e.state {
		case entryResponded, entryFailed:
			seen++
		case entryNew, entryQueried:
			return false
		}
	}

	return t.invoking == 0
}

func (t *Traversal) finish() {
	t.mutex.Lock()
	if t.done {
		t.mutex.Unlock()
		return
	}

	t.done = true
	closest := []NodeEntry{}
	for _, e := range t.entries {
		if e.state == entryResponded {
			closest = append(closest, e.node)
			if len(closest) >= K {
				break
			}
		}
	}
	t.mutex.Unlock()

	t.node.traversalDone(t)
	if t.nodesCallback != nil {
		t.nodesCallback(closest)
	}
}
