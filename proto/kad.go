package proto

// Kademlia2 opcodes (UDP, proto 0xE4)
const KADEMLIA2_BOOTSTRAP_REQ byte = 0x01
const KADEMLIA2_BOOTSTRAP_RES byte = 0x09
const KADEMLIA2_HELLO_REQ byte = 0x11
const KADEMLIA2_HELLO_RES byte = 0x19
const KADEMLIA2_REQ byte = 0x21
const KADEMLIA2_RES byte = 0x29
const KADEMLIA2_SEARCH_KEY_REQ byte = 0x33
const KADEMLIA2_SEARCH_SOURCE_REQ byte = 0x34
const KADEMLIA2_SEARCH_NOTES_REQ byte = 0x35
const KADEMLIA2_SEARCH_RES byte = 0x3B
const KADEMLIA2_PUBLISH_KEY_REQ byte = 0x43
const KADEMLIA2_PUBLISH_SOURCE_REQ byte = 0x44
const KADEMLIA2_PUBLISH_RES byte = 0x4B
const KADEMLIA2_PING byte = 0x60
const KADEMLIA2_PONG byte = 0x61
const KADEMLIA2_FIREWALLUDP byte = 0x62

const KADEMLIA_VERSION byte = 0x08

// find kinds for KADEMLIA2_REQ: the low bits ask for that many contacts
const KADEMLIA_FIND_VALUE byte = 0x02
const KADEMLIA_STORE byte = 0x04
const KADEMLIA_FIND_NODE byte = 0x0B

// KadId shares the 128-bit layout of the file hash; distance is XOR.
type KadId = ED2KHash

// KadEndpoint is a kad contact address: ip, udp and tcp ports.
type KadEndpoint struct {
	Ip      uint32
	UdpPort uint16
	TcpPort uint16
}

func (ke *KadEndpoint) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&ke.Ip).Read(&ke.UdpPort).Read(&ke.TcpPort)
}

func (ke KadEndpoint) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(ke.Ip).Write(ke.UdpPort).Write(ke.TcpPort)
}

func (ke KadEndpoint) Size() int {
	return DataSize(ke.Ip) + DataSize(ke.UdpPort) + DataSize(ke.TcpPort)
}

// KadEntry is one contact row in bootstrap and KADEMLIA2_RES lists.
type KadEntry struct {
	KID     KadId
	Address KadEndpoint
	Version byte
}

func (ke *KadEntry) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&ke.KID).Read(&ke.Address).Read(&ke.Version)
}

func (ke KadEntry) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(ke.KID).Write(ke.Address).Write(ke.Version)
}

func (ke KadEntry) Size() int {
	return DataSize(ke.KID) + DataSize(ke.Address) + DataSize(ke.Version)
}

type Kad2Ping struct{}

func (p *Kad2Ping) Get(sb *StateBuffer) *StateBuffer {
	return sb
}

func (p Kad2Ping) Put(sb *StateBuffer) *StateBuffer {
	return sb
}

func (p Kad2Ping) Size() int {
	return 0
}

type Kad2Pong struct {
	UdpPort uint16
}

func (p *Kad2Pong) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&p.UdpPort)
}

func (p Kad2Pong) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(p.UdpPort)
}

func (p Kad2Pong) Size() int {
	return DataSize(p.UdpPort)
}

type Kad2HelloReq struct {
	KID        KadId
	TcpPort    uint16
	Version    byte
	Properties TagCollection
}

func (h *Kad2HelloReq) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&h.KID).Read(&h.TcpPort).Read(&h.Version).Read(&h.Properties)
}

func (h Kad2HelloReq) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(h.KID).Write(h.TcpPort).Write(h.Version).Write(h.Properties)
}

func (h Kad2HelloReq) Size() int {
	return DataSize(h.KID) + DataSize(h.TcpPort) + DataSize(h.Version) + DataSize(h.Properties)
}

type Kad2HelloRes = Kad2HelloReq

type Kad2BootstrapReq struct{}

func (b *Kad2BootstrapReq) Get(sb *StateBuffer) *StateBuffer {
	return sb
}

func (b Kad2BootstrapReq) Put(sb *StateBuffer) *StateBuffer {
	return sb
}

func (b Kad2BootstrapReq) Size() int {
	return 0
}

type Kad2BootstrapRes struct {
	KID      KadId
	TcpPort  uint16
	Version  byte
	Contacts []KadEntry
}

func (b *Kad2BootstrapRes) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&b.KID).Read(&b.TcpPort).Read(&b.Version)
	sz := sb.ReadUint16()
	if sb.Error() != nil {
		return sb
	}

	if uint32(sz) > MAX_ELEMS {
		return sb.Abort(ErrContainerTooLong)
	}

	b.Contacts = make([]KadEntry, sz)
	for i := 0; i < int(sz); i++ {
		b.Contacts[i].Get(sb)
		if sb.Error() != nil {
			break
		}
	}

	return sb
}

func (b Kad2BootstrapRes) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(b.KID).Write(b.TcpPort).Write(b.Version).Write(uint16(len(b.Contacts)))
	for _, c := range b.Contacts {
		c.Put(sb)
	}

	return sb
}

func (b Kad2BootstrapRes) Size() int {
	res := DataSize(b.KID) + DataSize(b.TcpPort) + DataSize(b.Version) + DataSize(uint16(0))
	for _, c := range b.Contacts {
		res += c.Size()
	}

	return res
}

// Kademlia2Req asks target's neighbourhood for contacts; Receiver names
// the queried node. The reply echoes Target, which is what the rpc
// manager matches it on.
type Kademlia2Req struct {
	FindType byte
	Target   KadId
	Receiver KadId
}

func (r *Kademlia2Req) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&r.FindType).Read(&r.Target).Read(&r.Receiver)
}

func (r Kademlia2Req) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(r.FindType).Write(r.Target).Write(r.Receiver)
}

func (r Kademlia2Req) Size() int {
	return DataSize(r.FindType) + DataSize(r.Target) + DataSize(r.Receiver)
}

type Kademlia2Res struct {
	Target   KadId
	Contacts []KadEntry
}

func (r *Kademlia2Res) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&r.Target)
	sz := sb.ReadUint8()
	if sb.Error() != nil {
		return sb
	}

	r.Contacts = make([]KadEntry, sz)
	for i := 0; i < int(sz); i++ {
		r.Contacts[i].Get(sb)
		if sb.Error() != nil {
			break
		}
	}

	return sb
}

func (r Kademlia2Res) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(r.Target).Write(uint8(len(r.Contacts)))
	for _, c := range r.Contacts {
		c.Put(sb)
	}

	return sb
}

func (r Kademlia2Res) Size() int {
	res := DataSize(r.Target) + DataSize(uint8(0))
	for _, c := range r.Contacts {
		res += c.Size()
	}

	return res
}

type Kad2SearchKeyReq struct {
	Target   KadId
	StartPos uint16
}

func (r *Kad2SearchKeyReq) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&r.Target).Read(&r.StartPos)
}

func (r Kad2SearchKeyReq) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(r.Target).Write(r.StartPos)
}

func (r Kad2SearchKeyReq) Size() int {
	return DataSize(r.Target) + DataSize(r.StartPos)
}

type Kad2SearchSourcesReq struct {
	Target   KadId
	StartPos uint16
	FileSize uint64
}

func (r *Kad2SearchSourcesReq) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&r.Target).Read(&r.StartPos).Read(&r.FileSize)
}

func (r Kad2SearchSourcesReq) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(r.Target).Write(r.StartPos).Write(r.FileSize)
}

func (r Kad2SearchSourcesReq) Size() int {
	return DataSize(r.Target) + DataSize(r.StartPos) + DataSize(r.FileSize)
}

type Kad2SearchNotesReq struct {
	Target   KadId
	FileSize uint64
}

func (r *Kad2SearchNotesReq) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&r.Target).Read(&r.FileSize)
}

func (r Kad2SearchNotesReq) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(r.Target).Write(r.FileSize)
}

func (r Kad2SearchNotesReq) Size() int {
	return DataSize(r.Target) + DataSize(r.FileSize)
}

// KadSearchEntry is one hit row: the answer hash plus its metadata tags.
type KadSearchEntry struct {
	KID  KadId
	Tags TagCollection
}

func (e *KadSearchEntry) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&e.KID).Read(&e.Tags)
}

func (e KadSearchEntry) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(e.KID).Write(e.Tags)
}

func (e KadSearchEntry) Size() int {
	return DataSize(e.KID) + DataSize(e.Tags)
}

type Kad2SearchRes struct {
	Source  KadId
	Target  KadId
	Results []KadSearchEntry
}

func (r *Kad2SearchRes) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&r.Source).Read(&r.Target)
	sz := sb.ReadUint16()
	if sb.Error() != nil {
		return sb
	}

	if uint32(sz) > MAX_ELEMS {
		return sb.Abort(ErrContainerTooLong)
	}

	r.Results = make([]KadSearchEntry, sz)
	for i := 0; i < int(sz); i++ {
		r.Results[i].Get(sb)
		if sb.Error() != nil {
			break
		}
	}

	return sb
}

func (r Kad2SearchRes) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(r.Source).Write(r.Target).Write(uint16(len(r.Results)))
	for _, e := range r.Results {
		e.Put(sb)
	}

	return sb
}

func (r Kad2SearchRes) Size() int {
	res := DataSize(r.Source) + DataSize(r.Target) + DataSize(uint16(0))
	for _, e := range r.Results {
		res += e.Size()
	}

	return res
}
