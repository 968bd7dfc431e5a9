package kad

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/proto"
)

const rpcTimeout = 12 * time.Second
const rpcShortTimeout = 2 * time.Second

// transactionId maps a request opcode to the response opcode a reply
// must carry; it is the transaction key together with the target
// address.
func transactionId(requestOpcode byte) byte {
	switch requestOpcode {
	case proto.KADEMLIA2_PING:
		return proto.KADEMLIA2_PONG
	case proto.KADEMLIA2_HELLO_REQ:
		return proto.KADEMLIA2_HELLO_RES
	case proto.KADEMLIA2_BOOTSTRAP_REQ:
		return proto.KADEMLIA2_BOOTSTRAP_RES
	case proto.KADEMLIA2_REQ:
		return proto.KADEMLIA2_RES
	case proto.KADEMLIA2_SEARCH_KEY_REQ, proto.KADEMLIA2_SEARCH_SOURCE_REQ, proto.KADEMLIA2_SEARCH_NOTES_REQ:
		return proto.KADEMLIA2_SEARCH_RES
	}

	return 0
}

const (
	flagDone = 1 << iota
	flagShortTimeout
)

// Observer owns one outstanding RPC: it receives the matched reply or
// a timeout and forwards either to its traversal algorithm.
type Observer struct {
	algorithm     *Traversal
	id            KadId
	addr          *net.UDPAddr
	transactionId byte
	packetKadId   KadId
	sent          time.Time
	flags         int
}

func (o *Observer) Id() KadId {
	return o.id
}

func (o *Observer) Sent() time.Time {
	return o.sent
}

func (o *Observer) reply(packet interface{}, from *net.UDPAddr) {
	if o.flags&flagDone != 0 {
		return
	}

	o.flags |= flagDone
	if o.algorithm != nil {
		o.algorithm.Finished(o, packet, from)
	}
}

func (o *Observer) timeout() {
	if o.flags&flagDone != 0 {
		return
	}

	o.flags |= flagDone
	if o.algorithm != nil {
		o.algorithm.Failed(o, false)
	}
}

func (o *Observer) shortTimeout() {
	if o.flags&flagShortTimeout != 0 {
		return
	}

	o.flags |= flagShortTimeout
	if o.algorithm != nil {
		o.algorithm.Failed(o, true)
	}
}

func (o *Observer) abort() {
	o.flags |= flagDone
}

// RpcManager keys outstanding transactions by (transaction id, target
// address) plus the queried kad id for KADEMLIA2_REQ/RES. Replies from
// a different source address never match.
type RpcManager struct {
	log   *zap.Logger
	mutex sync.Mutex
	table *RoutingTable
	send  func(opcode byte, msg proto.SerializableSize, to *net.UDPAddr) error

	transactions []*Observer
	destructing  bool
}

func NewRpcManager(log *zap.Logger, table *RoutingTable,
	send func(opcode byte, msg proto.SerializableSize, to *net.UDPAddr) error) *RpcManager {
	return &RpcManager{log: log.Named("rpc"), table: table, send: send}
}

// Invoke sends the request and installs the observer.
func (r *RpcManager) Invoke(opcode byte, msg proto.SerializableSize, target *net.UDPAddr, o *Observer) bool {
	r.mutex.Lock()
	if r.destructing {
		r.mutex.Unlock()
		return false
	}
	r.mutex.Unlock()

	if o != nil {
		o.addr = target
		o.transactionId = transactionId(opcode)
		o.sent = time.Now()
		if req, ok := msg.(*proto.Kademlia2Req); ok {
			o.packetKadId = req.Target
		}
	}

	if err := r.send(opcode, msg, target); err != nil {
		r.log.Debug("send failed", zap.String("to", target.String()), zap.Error(err))
		return false
	}

	if o != nil {
		r.mutex.Lock()
		r.transactions = append(r.transactions, o)
		r.mutex.Unlock()
	}

	return true
}

// packetKadIdentifier discriminates KADEMLIA2_RES transactions, which
// carry the queried target id.
func packetKadIdentifier(packet interface{}) KadId {
	if res, ok := packet.(*proto.Kademlia2Res); ok {
		return res.Target
	}

	return KadId{}
}

// extractPacketNodeId pulls the responder id when the reply carries one.
func extractPacketNodeId(packet interface{}) KadId {
	if res, ok := packet.(*proto.Kad2HelloRes); ok {
		return res.KID
	}

	if res, ok := packet.(*proto.Kad2BootstrapRes); ok {
		return res.KID
	}

	return KadId{}
}

// Incoming matches a reply to its observer. An unmatched or spoofed
// reply is dropped; a matched one reaches the traversal and refreshes
// the routing table.
func (r *RpcManager) Incoming(opcode byte, packet interface{}, from *net.UDPAddr) bool {
	r.mutex.Lock()
	var o *Observer
	for i, t := range r.transactions {
		if t.transactionId != opcode {
			continue
		}

		if !t.addr.IP.Equal(from.IP) {
			// source address mismatch: spoofed or rerouted, never match
			continue
		}

		if t.packetKadId != (KadId{}) && t.packetKadId != packetKadIdentifier(packet) {
			continue
		}

		o = t
		r.transactions = append(r.transactions[:i], r.transactions[i+1:]...)
		break
	}
	r.mutex.Unlock()

	if o == nil {
		r.log.Debug("reply with unknown transaction", zap.Uint8("opcode", opcode),
			zap.String("from", from.String()))
		return false
	}

	o.reply(packet, from)

	id := extractPacketNodeId(packet)
	if id == (KadId{}) {
		id = o.id
	}

	return r.table.NodeSeen(id, from)
}

// Unreachable fails the oldest transaction to the endpoint, mirroring
// an ICMP port-unreachable.
func (r *RpcManager) Unreachable(ep *net.UDPAddr) {
	r.mutex.Lock()
	var o *Observer
	for i, t := range r.transactions {
		if t.addr.IP.Equal(ep.IP) && t.addr.Port == ep.Port {
			o = t
			r.transactions = append(r.transactions[:i], r.transactions[i+1:]...)
			break
		}
	}
	r.mutex.Unlock()

	if o != nil {
		r.table.NodeTimedOut(o.id)
		o.timeout()
	}
}

// Tick expires transactions: hard timeout after 12s, a short-timeout
// nudge to the traversal after 2s.
func (r *RpcManager) Tick() {
	now := time.Now()

	r.mutex.Lock()
	var timeouts, shorts []*Observer
	keep := r.transactions[:0]
	for _, t := range r.transactions {
		if now.Sub(t.sent) >= rpcTimeout {
			timeouts = append(timeouts, t)
			continue
		}

		if now.Sub(t.sent) >= rpcShortTimeout && t.flags&flagShortTimeout == 0 {
			shorts = append(shorts, t)
		}

		keep = append(keep, t)
	}
	r.transactions = keep
	r.mutex.Unlock()

	for _, o := range timeouts {
		r.table.NodeTimedOut(o.id)
		o.timeout()
	}

	for _, o := range shorts {
		o.shortTimeout()
	}
}

// Abort cancels everything outstanding.
func (r *RpcManager) Abort() {
	r.mutex.Lock()
	r.destructing = true
	trans := r.transactions
	r.transactions = nil
	r.mutex.Unlock()

	for _, o := range trans {
		o.abort()
	}
}

func (r *RpcManager) NumTransactions() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.transactions)
}
