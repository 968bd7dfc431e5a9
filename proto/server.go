package proto

const SRV_TCPFLG_COMPRESSION = 0x00000001
const SRV_TCPFLG_NEWTAGS = 0x00000008
const SRV_TCPFLG_UNICODE = 0x00000010
const SRV_TCPFLG_RELATEDSEARCH = 0x00000040
const SRV_TCPFLG_TYPETAGINTEGER = 0x00000080
const SRV_TCPFLG_LARGEFILES = 0x00000100
const SRV_TCPFLG_TCPOBFUSCATION = 0x00000400

const SRVCAP_ZLIB = 0x0001
const SRVCAP_IP_IN_LOGIN = 0x0002
const SRVCAP_AUXPORT = 0x0004
const SRVCAP_NEWTAGS = 0x0008
const SRVCAP_UNICODE = 0x0010
const SRVCAP_LARGEFILES = 0x0100
const SRVCAP_SUPPORTCRYPT = 0x0200
const SRVCAP_REQUESTCRYPT = 0x0400
const SRVCAP_REQUIRECRYPT = 0x0800

const CAPABLE_ZLIB = SRVCAP_ZLIB
const CAPABLE_IP_IN_LOGIN_FRAME = SRVCAP_IP_IN_LOGIN
const CAPABLE_AUXPORT = SRVCAP_AUXPORT
const CAPABLE_NEWTAGS = SRVCAP_NEWTAGS
const CAPABLE_UNICODE = SRVCAP_UNICODE
const CAPABLE_LARGEFILES = SRVCAP_LARGEFILES

type LoginRequest = UsualPacket

// IdChange carries the client id assigned by the server; ids at or
// below the LowID ceiling mark a firewalled client.
type IdChange struct {
	ClientId uint32
	TcpFlags uint32
	AuxPort  uint32
}

func (i *IdChange) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&i.ClientId)
	if sb.Error() == nil && sb.Remain() >= 4 {
		sb.Read(&i.TcpFlags)
		if sb.Error() == nil && sb.Remain() >= 4 {
			sb.Read(&i.AuxPort)
		}
	}

	return sb
}

func (i IdChange) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(i.ClientId).Write(i.TcpFlags).Write(i.AuxPort)
}

func (i IdChange) Size() int {
	return DataSize(i.ClientId) + DataSize(i.TcpFlags) + DataSize(i.AuxPort)
}

type Status struct {
	UsersCount uint32
	FilesCount uint32
}

func (s *Status) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&s.UsersCount).Read(&s.FilesCount)
}

func (s Status) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(s.UsersCount).Write(s.FilesCount)
}

func (s Status) Size() int {
	return DataSize(s.UsersCount) + DataSize(s.FilesCount)
}

type GetServerList struct{}

func (gl *GetServerList) Get(sb *StateBuffer) *StateBuffer {
	return sb
}

func (gl GetServerList) Put(sb *StateBuffer) *StateBuffer {
	return sb
}

func (gl GetServerList) Size() int {
	return 0
}

// ServerList is the uint8-counted endpoint list from OP_SERVERLIST.
type ServerList struct {
	Servers []Endpoint
}

func (sl *ServerList) Get(sb *StateBuffer) *StateBuffer {
	sz := sb.ReadUint8()
	if sb.Error() != nil {
		return sb
	}

	sl.Servers = make([]Endpoint, 0, sz)
	for i := 0; i < int(sz); i++ {
		ep := Endpoint{}
		sb.Read(&ep)
		if sb.Error() != nil {
			break
		}
		sl.Servers = append(sl.Servers, ep)
	}

	return sb
}

func (sl ServerList) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(uint8(len(sl.Servers)))
	for _, ep := range sl.Servers {
		sb.Write(ep)
	}

	return sb
}

func (sl ServerList) Size() int {
	return DataSize(uint8(0)) + len(sl.Servers)*(DataSize(uint32(0))+DataSize(uint16(0)))
}

type ServerMessage struct {
	Message ByteContainer
}

func (sm *ServerMessage) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&sm.Message)
}

func (sm ServerMessage) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(sm.Message)
}

func (sm ServerMessage) Size() int {
	return sm.Message.Size()
}

// GetFileSources asks for sources of one file. Large files carry the
// zero filler followed by the 64-bit size, everything else the plain
// 32-bit size.
type GetFileSources struct {
	Hash     ED2KHash
	FileSize uint64
}

func (gfs GetFileSources) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(gfs.Hash)
	if gfs.FileSize > 0xFFFFFFFF {
		sb.Write(uint32(0)).Write(gfs.FileSize)
	} else {
		sb.Write(uint32(gfs.FileSize))
	}

	return sb
}

func (gfs *GetFileSources) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&gfs.Hash)
	low := sb.ReadUint32()
	if sb.Error() != nil {
		return sb
	}

	if low == 0 && sb.Remain() >= 8 {
		gfs.FileSize = sb.ReadUint64()
	} else {
		gfs.FileSize = uint64(low)
	}

	return sb
}

func (gfs GetFileSources) Size() int {
	res := DataSize(gfs.Hash) + DataSize(uint32(0))
	if gfs.FileSize > 0xFFFFFFFF {
		res += DataSize(uint64(0))
	}

	return res
}

// FoundFileSources is the OP_FOUNDSOURCES reply.
type FoundFileSources struct {
	H       ED2KHash
	Sources []Endpoint
}

func (fs *FoundFileSources) Get(sb *StateBuffer) *StateBuffer {
	sb.Read(&fs.H)
	sz := sb.ReadUint8()
	if sb.Error() != nil {
		return sb
	}

	for i := 0; i < int(sz); i++ {
		ep := Endpoint{}
		sb.Read(&ep)
		if sb.Error() != nil {
			break
		}
		fs.Sources = append(fs.Sources, ep)
	}

	return sb
}

func (fs FoundFileSources) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(fs.H).Write(uint8(len(fs.Sources)))
	for _, ep := range fs.Sources {
		sb.Write(ep)
	}

	return sb
}

func (fs FoundFileSources) Size() int {
	return DataSize(fs.H) + DataSize(uint8(0)) + len(fs.Sources)*(DataSize(uint32(0))+DataSize(uint16(0)))
}

// CallbackRequest asks the server to relay a connect-back to a LowID client.
type CallbackRequest struct {
	ClientId uint32
}

func (cr *CallbackRequest) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&cr.ClientId)
}

func (cr CallbackRequest) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(cr.ClientId)
}

func (cr CallbackRequest) Size() int {
	return DataSize(cr.ClientId)
}

type CallbackRequested struct {
	Point Endpoint
}

func (cr *CallbackRequested) Get(sb *StateBuffer) *StateBuffer {
	return sb.Read(&cr.Point)
}

func (cr CallbackRequested) Put(sb *StateBuffer) *StateBuffer {
	return sb.Write(cr.Point)
}

func (cr CallbackRequested) Size() int {
	return cr.Point.Size()
}

// OfferFilesList announces shared files: a uint32-counted list of
// hash/endpoint/tags entries.
type OfferFilesList struct {
	Files []UsualPacket
}

func (of *OfferFilesList) Get(sb *StateBuffer) *StateBuffer {
	sz := sb.ReadUint32()
	if sb.Error() != nil {
		return sb
	}

	if sz > MAX_ELEMS {
		return sb.Abort(ErrContainerTooLong)
	}

	of.Files = make([]UsualPacket, sz)
	for i := 0; i < int(sz); i++ {
		of.Files[i].Get(sb)
		if sb.Error() != nil {
			break
		}
	}

	return sb
}

func (of OfferFilesList) Put(sb *StateBuffer) *StateBuffer {
	sb.Write(uint32(len(of.Files)))
	for _, up := range of.Files {
		up.Put(sb)
	}

	return sb
}

func (of OfferFilesList) Size() int {
	res := DataSize(uint32(0))
	for _, up := range of.Files {
		res += up.Size()
	}

	return res
}
