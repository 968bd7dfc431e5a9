package kad

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/proto"
)

// Node is the local kad endpoint: the routing table, the rpc manager
// and the active traversals, fed by one UDP read loop. Concurrent
// lookups for the same target coalesce into one traversal.
type Node struct {
	log           *zap.Logger
	port          uint16
	branching     int
	maxPeersReply int

	mutex      sync.Mutex
	self       KadId
	table      *RoutingTable
	rpc        *RpcManager
	conn       *net.UDPConn
	traversals map[KadId]*Traversal
	running    bool

	wg sync.WaitGroup
}

func NewNode(log *zap.Logger, port uint16, branching int, maxPeersReply int) (*Node, error) {
	if branching <= 0 {
		branching = 5
	}

	n := &Node{
		log:           log.Named("kad"),
		port:          port,
		branching:     branching,
		maxPeersReply: maxPeersReply,
		self:          GenerateRandomId(),
		traversals:    make(map[KadId]*Traversal),
	}

	n.table = NewRoutingTable(n.self)
	n.rpc = NewRpcManager(log, n.table, n.sendPacket)
	return n, nil
}

func (n *Node) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(n.port)})
	if err != nil {
		return err
	}

	n.mutex.Lock()
	n.conn = conn
	n.running = true
	n.mutex.Unlock()

	n.wg.Add(1)
	go n.readLoop(conn)
	return nil
}

func (n *Node) Stop() {
	n.mutex.Lock()
	if !n.running {
		n.mutex.Unlock()
		return
	}

	n.running = false
	conn := n.conn
	n.mutex.Unlock()

	n.rpc.Abort()
	if conn != nil {
		conn.Close()
	}

	n.wg.Wait()
}

func (n *Node) Self() KadId {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.self
}

// SetExternalIp re-derives the node id from the routable address; the
// table restarts under the new identity.
func (n *Node) SetExternalIp(ip uint32) {
	id := IdFromIp(ip)
	n.mutex.Lock()
	if n.self == id {
		n.mutex.Unlock()
		return
	}

	n.self = id
	n.mutex.Unlock()
	n.table.SetSelf(id)
	n.log.Info("node id rebound to external address", zap.String("id", id.ToString()))
}

// Bootstrap asks a known node for its neighbourhood.
func (n *Node) Bootstrap(addr *net.UDPAddr) {
	req := proto.Kad2BootstrapReq{}
	o := &Observer{id: KadId{}}
	n.rpc.Invoke(proto.KADEMLIA2_BOOTSTRAP_REQ, &req, addr, o)
}

func (n *Node) Ping(addr *net.UDPAddr) {
	req := proto.Kad2Ping{}
	o := &Observer{id: KadId{}}
	n.rpc.Invoke(proto.KADEMLIA2_PING, &req, addr, o)
}

func (n *Node) AddNode(id KadId, addr *net.UDPAddr) {
	n.table.NodeSeen(id, addr)
}

// SearchSources walks the overlay for peers sharing a file hash.
func (n *Node) SearchSources(target KadId, size uint64, cb func([]proto.Endpoint)) error {
	dataCb := func(entries []proto.KadSearchEntry) {
		sources := []proto.Endpoint{}
		for _, e := range entries {
			ep := proto.Endpoint{}
			if t := e.Tags.FindById(proto.TAG_SOURCEIP); t != nil {
				ep.Ip = uint32(t.AsInt())
			}

			if t := e.Tags.FindById(proto.TAG_SOURCEPORT); t != nil {
				ep.Port = uint16(t.AsInt())
			}

			if !ep.IsEmpty() {
				sources = append(sources, ep)
			}
		}

		if len(sources) > 0 {
			cb(sources)
		}
	}

	return n.startTraversal(target, SEARCH_SOURCES, size, dataCb, nil)
}

// SearchKeyword walks the overlay for entries published under a
// keyword hash.
func (n *Node) SearchKeyword(target KadId, cb func([]proto.KadSearchEntry)) error {
	return n.startTraversal(target, SEARCH_KEYWORD, 0, DataCallback(cb), nil)
}

// FindNode refreshes the neighbourhood of an id.
func (n *Node) FindNode(target KadId, cb func([]NodeEntry)) error {
	return n.startTraversal(target, SEARCH_NODES, 0, nil, NodesCallback(cb))
}

func (n *Node) startTraversal(target KadId, searchType int, size uint64,
	dataCb DataCallback, nodesCb NodesCallback) error {
	n.mutex.Lock()
	if !n.running {
		n.mutex.Unlock()
		return fmt.Errorf("kad node is not running")
	}

	if _, dup := n.traversals[target]; dup {
		// an in-flight lookup for this id already runs; coalesce
		n.mutex.Unlock()
		return nil
	}

	t := newTraversal(n, target, searchType, size, dataCb, nodesCb)
	n.traversals[target] = t
	n.mutex.Unlock()

	t.Start()
	return nil
}

func (n *Node) traversalDone(t *Traversal) {
	n.mutex.Lock()
	if cur, ok := n.traversals[t.target]; ok && cur == t {
		delete(n.traversals, t.target)
	}
	n.mutex.Unlock()
}

// Tick expires rpc transactions once a second from the session tick.
func (n *Node) Tick(now time.Time) {
	n.rpc.Tick()
}

func (n *Node) sendPacket(opcode byte, msg proto.SerializableSize, to *net.UDPAddr) error {
	frame, err := proto.SerializeKadPacket(opcode, msg)
	if err != nil {
		return err
	}

	n.mutex.Lock()
	conn := n.conn
	n.mutex.Unlock()

	if conn == nil {
		return fmt.Errorf("kad socket closed")
	}

	_, err = conn.WriteToUDP(frame, to)
	return err
}

func (n *Node) readLoop(conn *net.UDPConn) {
	defer n.wg.Done()
	buf := make([]byte, 4096)
	for {
		sz, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			n.mutex.Lock()
			running := n.running
			n.mutex.Unlock()
			if running {
				n.log.Warn("udp read failed", zap.Error(err))
			}

			return
		}

		dgram := make([]byte, sz)
		copy(dgram, buf[:sz])
		n.onDatagram(dgram, from)
	}
}

func (n *Node) onDatagram(dgram []byte, from *net.UDPAddr) {
	kh, body, err := proto.DecodeKadPacket(dgram)
	if err != nil {
		n.log.Debug("bad datagram dropped", zap.String("from", from.String()), zap.Error(err))
		return
	}

	sb := proto.StateBuffer{Data: body}

	switch kh.Packet {
	// requests answered from local state
	case proto.KADEMLIA2_PING:
		pong := proto.Kad2Pong{UdpPort: n.port}
		n.sendPacket(proto.KADEMLIA2_PONG, &pong, from)
	case proto.KADEMLIA2_HELLO_REQ:
		req := proto.Kad2HelloReq{}
		sb.Read(&req)
		if sb.Error() != nil {
			return
		}

		n.table.NodeSeen(req.KID, from)
		res := proto.Kad2HelloRes{KID: n.Self(), TcpPort: n.port, Version: proto.KADEMLIA_VERSION}
		n.sendPacket(proto.KADEMLIA2_HELLO_RES, &res, from)
	case proto.KADEMLIA2_BOOTSTRAP_REQ:
		res := proto.Kad2BootstrapRes{KID: n.Self(), TcpPort: n.port, Version: proto.KADEMLIA_VERSION}
		for _, e := range n.table.FindClosest(n.Self(), 20) {
			res.Contacts = append(res.Contacts, n.toKadEntry(e))
		}

		n.sendPacket(proto.KADEMLIA2_BOOTSTRAP_RES, &res, from)
	case proto.KADEMLIA2_REQ:
		req := proto.Kademlia2Req{}
		sb.Read(&req)
		if sb.Error() != nil {
			return
		}

		count := int(req.FindType & 0x1F)
		if count > 11 {
			count = 11
		}

		res := proto.Kademlia2Res{Target: req.Target}
		for _, e := range n.table.FindClosest(req.Target, count) {
			res.Contacts = append(res.Contacts, n.toKadEntry(e))
		}

		n.sendPacket(proto.KADEMLIA2_RES, &res, from)

	// replies matched through the transaction table
	case proto.KADEMLIA2_PONG:
		pong := &proto.Kad2Pong{}
		sb.Read(pong)
		if sb.Error() == nil {
			n.rpc.Incoming(kh.Packet, pong, from)
		}
	case proto.KADEMLIA2_HELLO_RES:
		res := &proto.Kad2HelloRes{}
		sb.Read(res)
		if sb.Error() == nil {
			n.rpc.Incoming(kh.Packet, res, from)
		}
	case proto.KADEMLIA2_BOOTSTRAP_RES:
		res := &proto.Kad2BootstrapRes{}
		sb.Read(res)
		if sb.Error() == nil {
			n.rpc.Incoming(kh.Packet, res, from)
			for _, c := range res.Contacts {
				n.table.NodeSeen(c.KID, &net.UDPAddr{
					IP:   net.IPv4(byte(c.Address.Ip), byte(c.Address.Ip>>8), byte(c.Address.Ip>>16), byte(c.Address.Ip>>24)),
					Port: int(c.Address.UdpPort),
				})
			}
		}
	case proto.KADEMLIA2_RES:
		res := &proto.Kademlia2Res{}
		sb.Read(res)
		if sb.Error() == nil {
			n.rpc.Incoming(kh.Packet, res, from)
		}
	case proto.KADEMLIA2_SEARCH_RES:
		res := &proto.Kad2SearchRes{}
		sb.Read(res)
		if sb.Error() == nil {
			n.rpc.Incoming(kh.Packet, res, from)
		}
	default:
		n.log.Debug("unhandled kad opcode", zap.Uint8("opcode", kh.Packet))
	}
}

func (n *Node) toKadEntry(e NodeEntry) proto.KadEntry {
	ip4 := e.Address.IP.To4()
	ip := uint32(0)
	if ip4 != nil {
		ip = uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24
	}

	return proto.KadEntry{
		KID:     e.Id,
		Address: proto.KadEndpoint{Ip: ip, UdpPort: uint16(e.Address.Port), TcpPort: uint16(e.Address.Port)},
		Version: proto.KADEMLIA_VERSION,
	}
}
