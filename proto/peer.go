package proto

const PARTS_IN_REQUEST int = 3

const LARGE_FILE_OFFSET int = 4
const MULTIP_OFFSET int = 5
const SRC_EXT_OFFSET int = 10
const CAPTHA_OFFSET int = 11

// HelloAnswer carries the peer identity: hash, network point, property
// tags and the server the peer is logged on to. OP_HELLO prepends a
// hash size byte on the wire, OP_HELLOANSWER does not.
type HelloAnswer struct {
	H           ED2KHash
	Point       Endpoint
	Properties  TagCollection
	ServerPoint Endpoint
}

func (ha *HelloAnswer) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&ha.H).Read(&ha.Point).Read(&ha.Properties).Read(&ha.ServerPoint)
}

func (ha HelloAnswer) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(ha.H).Write(ha.Point).Write(ha.Properties).Write(ha.ServerPoint)
}

func (ha HelloAnswer) Size() int {
	return DataSize(ha.H) + DataSize(ha.Point) + DataSize(ha.Properties) + DataSize(ha.ServerPoint)
}

type Hello struct {
	HashSize byte
	Answer   HelloAnswer
}

func (h *Hello) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&h.HashSize).Read(&h.Answer)
}

func (h Hello) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(byte(HASH_SIZE)).Write(h.Answer)
}

func (h Hello) Size() int {
	return DataSize(byte(0)) + h.Answer.Size()
}

// ExtHello is the eMule extension handshake (proto 0xC5).
type ExtHello struct {
	Version         byte
	ProtocolVersion byte
	Properties      TagCollection
}

func (eh *ExtHello) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&eh.Version).Read(&eh.ProtocolVersion).Read(&eh.Properties)
}

func (eh ExtHello) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(eh.Version).Write(eh.ProtocolVersion).Write(eh.Properties)
}

func (eh ExtHello) Size() int {
	return DataSize(eh.Version) + DataSize(eh.ProtocolVersion) + DataSize(eh.Properties)
}

// FileAnswer answers OP_REQUESTFILENAME.
type FileAnswer struct {
	H    ED2KHash
	Name ByteContainer
}

func (fa *FileAnswer) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&fa.H).Read(&fa.Name)
}

func (fa FileAnswer) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(fa.H).Write(fa.Name)
}

func (fa FileAnswer) Size() int {
	return DataSize(fa.H) + DataSize(fa.Name)
}

// FileStatusAnswer is the have-pieces bitfield for one file.
type FileStatusAnswer struct {
	H  ED2KHash
	BF BitField
}

func (fs *FileStatusAnswer) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&fs.H).Read(&fs.BF)
}

func (fs FileStatusAnswer) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(fs.H).Write(fs.BF)
}

func (fs FileStatusAnswer) Size() int {
	return DataSize(fs.H) + DataSize(fs.BF)
}

// HashRequest asks for data keyed by hash only (SETREQFILEID,
// HASHSETREQUEST, STARTUPLOADREQ, END_OF_DOWNLOAD).
type HashRequest struct {
	H ED2KHash
}

func (hr *HashRequest) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&hr.H)
}

func (hr HashRequest) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(hr.H)
}

func (hr HashRequest) Size() int {
	return DataSize(hr.H)
}

// RequestParts asks for up to three half-open byte ranges. Extended
// selects the 64-bit offsets of OP_REQUESTPARTS_I64; the 32-bit form
// serves every endpoint below 2^32.
type RequestParts struct {
	H           ED2KHash
	BeginOffset [PARTS_IN_REQUEST]uint64
	EndOffset   [PARTS_IN_REQUEST]uint64
	Extended    bool
}

func (rp *RequestParts) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&rp.H)
	for i := 0; i < PARTS_IN_REQUEST; i++ {
		if rp.Extended {
			rp.BeginOffset[i] = sb.ReadUint64()
		} else {
			rp.BeginOffset[i] = uint64(sb.ReadUint32())
		}
	}
	for i := 0; i < PARTS_IN_REQUEST; i++ {
		if rp.Extended {
			rp.EndOffset[i] = sb.ReadUint64()
		} else {
			rp.EndOffset[i] = uint64(sb.ReadUint32())
		}
	}
	return sb
}

func (rp RequestParts) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(rp.H)
	for i := 0; i < PARTS_IN_REQUEST; i++ {
		if rp.Extended {
			sb.Write(rp.BeginOffset[i])
		} else {
			sb.Write(uint32(rp.BeginOffset[i]))
		}
	}
	for i := 0; i < PARTS_IN_REQUEST; i++ {
		if rp.Extended {
			sb.Write(rp.EndOffset[i])
		} else {
			sb.Write(uint32(rp.EndOffset[i]))
		}
	}
	return sb
}

func (rp RequestParts) Size() int {
	width := DataSize(uint32(0))
	if rp.Extended {
		width = DataSize(uint64(0))
	}

	return DataSize(rp.H) + 2*PARTS_IN_REQUEST*width
}

// NeedsExtended reports whether any endpoint of the ranges exceeds the
// 32-bit form.
func (rp RequestParts) NeedsExtended() bool {
	for i := 0; i < PARTS_IN_REQUEST; i++ {
		if rp.BeginOffset[i] > 0xFFFFFFFF || rp.EndOffset[i] > 0xFFFFFFFF {
			return true
		}
	}

	return false
}

// SendingPart announces a raw range; Begin/End delimit the payload that
// follows the header in the stream.
type SendingPart struct {
	H        ED2KHash
	Begin    uint64
	End      uint64
	Extended bool
}

func (sp *SendingPart) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&sp.H)
	if sp.Extended {
		sp.Begin = sb.ReadUint64()
		sp.End = sb.ReadUint64()
	} else {
		sp.Begin = uint64(sb.ReadUint32())
		sp.End = uint64(sb.ReadUint32())
	}

	return sb
}

func (sp SendingPart) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(sp.H)
	if sp.Extended {
		sb.Write(sp.Begin).Write(sp.End)
	} else {
		sb.Write(uint32(sp.Begin)).Write(uint32(sp.End))
	}

	return sb
}

func (sp SendingPart) Size() int {
	width := DataSize(uint32(0))
	if sp.Extended {
		width = DataSize(uint64(0))
	}

	return DataSize(sp.H) + 2*width
}

// CompressedPart announces a zlib stream that inflates into the range
// starting at Begin; CompressedLength bytes follow.
type CompressedPart struct {
	H                ED2KHash
	Begin            uint64
	CompressedLength uint32
	Extended         bool
}

func (cp *CompressedPart) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&cp.H)
	if cp.Extended {
		cp.Begin = sb.ReadUint64()
	} else {
		cp.Begin = uint64(sb.ReadUint32())
	}

	cp.CompressedLength = sb.ReadUint32()
	return sb
}

func (cp CompressedPart) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(cp.H)
	if cp.Extended {
		sb.Write(cp.Begin)
	} else {
		sb.Write(uint32(cp.Begin))
	}

	return sb.Write(cp.CompressedLength)
}

func (cp CompressedPart) Size() int {
	width := DataSize(uint32(0))
	if cp.Extended {
		width = DataSize(uint64(0))
	}

	return DataSize(cp.H) + width + DataSize(uint32(0))
}

// QueueRanking is the uploader's position report to a waiting requester.
type QueueRanking struct {
	Rank uint16
}

func (qr *QueueRanking) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&qr.Rank)
}

func (qr QueueRanking) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(qr.Rank)
}

func (qr QueueRanking) Size() int {
	return DataSize(qr.Rank)
}

// PeerMessage is the chat line of OP_MESSAGE.
type PeerMessage struct {
	Message ByteContainer
}

func (pm *PeerMessage) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&pm.Message)
}

func (pm PeerMessage) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(pm.Message)
}

func (pm PeerMessage) Size() int {
	return pm.Message.Size()
}

type PublicIpAnswer struct {
	Ip uint32
}

func (pia *PublicIpAnswer) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&pia.Ip)
}

func (pia PublicIpAnswer) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(pia.Ip)
}

func (pia PublicIpAnswer) Size() int {
	return DataSize(pia.Ip)
}

// MiscOptions is the packed capability nibble set of CT_EMULE_MISCOPTIONS1.
type MiscOptions struct {
	AichVersion         uint32
	UnicodeSupport      uint32
	UdpVer              uint32
	DataCompVer         uint32
	SupportSecIdent     uint32
	SourceExchange1Ver  uint32
	ExtendedRequestsVer uint32
	AcceptCommentVer    uint32
	NoViewSharedFiles   uint32
	MultiPacket         uint32
	SupportsPreview     uint32
}

func (mo MiscOptions) AsUint32() uint32 {
	return (mo.AichVersion << ((4 * 7) + 1)) |
		(mo.UnicodeSupport << (4 * 7)) |
		(mo.UdpVer << (4 * 6)) |
		(mo.DataCompVer << (4 * 5)) |
		(mo.SupportSecIdent << (4 * 4)) |
		(mo.SourceExchange1Ver << (4 * 3)) |
		(mo.ExtendedRequestsVer << (4 * 2)) |
		(mo.AcceptCommentVer << 4) |
		(mo.NoViewSharedFiles << 2) |
		(mo.MultiPacket << 1) |
		mo.SupportsPreview
}

func (mo *MiscOptions) Assign(value uint32) {
	mo.AichVersion = (value >> ((4 * 7) + 1)) & 0x07
	mo.UnicodeSupport = (value >> (4 * 7)) & 0x01
	mo.UdpVer = (value >> (4 * 6)) & 0x0f
	mo.DataCompVer = (value >> (4 * 5)) & 0x0f
	mo.SupportSecIdent = (value >> (4 * 4)) & 0x0f
	mo.SourceExchange1Ver = (value >> (4 * 3)) & 0x0f
	mo.ExtendedRequestsVer = (value >> (4 * 2)) & 0x0f
	mo.AcceptCommentVer = (value >> 4) & 0x0f
	mo.NoViewSharedFiles = (value >> 2) & 0x01
	mo.MultiPacket = (value >> 1) & 0x01
	mo.SupportsPreview = value & 0x01
}

type MiscOptions2 uint32

func (mo MiscOptions2) SupportCaptcha() bool {
	return ((mo >> CAPTHA_OFFSET) & 0x01) == 1
}

func (mo MiscOptions2) SupportSourceExt2() bool {
	return ((mo >> SRC_EXT_OFFSET) & 0x01) == 1
}

func (mo MiscOptions2) SupportExtMultipacket() bool {
	return ((mo >> MULTIP_OFFSET) & 0x01) == 1
}

func (mo MiscOptions2) SupportLargeFiles() bool {
	return ((mo >> LARGE_FILE_OFFSET) & 0x01) == 1
}

func (mo *MiscOptions2) SetCaptcha() {
	*mo |= 1 << CAPTHA_OFFSET
}

func (mo *MiscOptions2) SetSourceExt2() {
	*mo |= 1 << SRC_EXT_OFFSET
}

func (mo *MiscOptions2) SetExtMultipacket() {
	*mo |= 1 << MULTIP_OFFSET
}

func (mo *MiscOptions2) SetLargeFiles() {
	*mo |= 1 << LARGE_FILE_OFFSET
}
