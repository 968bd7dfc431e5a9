package goed2k

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

const (
	PEER_STATE_NEW = iota
	PEER_STATE_CONNECTING
	PEER_STATE_HANDSHAKE
	PEER_STATE_IDLE
	PEER_STATE_REQUESTING_FILE
	PEER_STATE_SLOT_QUEUED
	PEER_STATE_DOWNLOADING
	PEER_STATE_UPLOADING
	PEER_STATE_CLOSING
)

// PendingBlock is one outstanding block request: the buffer fills as
// ranges arrive and the region shrinks to empty on completion.
type PendingBlock struct {
	block  data.PieceBlock
	data   []byte
	region data.Region
}

func CreatePendingBlock(b data.PieceBlock, size uint64) PendingBlock {
	sz := data.BlockSize(size, b)
	r := data.Make(b.Start(), b.Start()+sz)
	return PendingBlock{block: b, data: make([]byte, sz), region: data.MakeRegion(r)}
}

func (pb *PendingBlock) Receive(payload []byte, begin uint64, end uint64) {
	blockStart := pb.block.Start()
	blockEnd := blockStart + uint64(len(pb.data))
	if begin >= blockEnd || end <= blockStart {
		return
	}

	from := begin
	if from < blockStart {
		from = blockStart
	}

	to := end
	if to > blockEnd {
		to = blockEnd
	}

	copy(pb.data[from-blockStart:to-blockStart], payload[from-begin:to-begin])
	pb.region.Sub(data.Make(from, to))
}

func (pb *PendingBlock) IsComplete() bool {
	return pb.region.IsEmpty()
}

// compressedRange keeps the zlib stream of one compressed transfer
// range; chunks concatenate until the inflate yields the full range.
type compressedRange struct {
	begin    uint64
	buf      bytes.Buffer
	expected uint64
}

// PeerConnection is one TCP session with another client: handshake,
// hash set exchange, slot negotiation and the block flow, both sides.
type PeerConnection struct {
	log      *zap.Logger
	session  *Session
	mutex    sync.Mutex
	conn     net.Conn
	endpoint proto.Endpoint
	incoming bool

	transfer *Transfer
	peer     *Peer

	state     int
	lastError error
	closeOnce sync.Once

	hash        proto.ED2KHash // remote client hash
	miscOptions proto.MiscOptions
	extEmule    bool
	largeFiles  bool

	stat Statistics

	// download channel
	requestedBlocks []*PendingBlock
	remotePieces    proto.BitField
	queueRank       int
	failedPieces    int
	compressed      map[uint64]*compressedRange

	// upload channel
	uploadHash   proto.ED2KHash
	uploadRanges []data.Range

	lastReceived time.Time
	lastSent     time.Time
	cancel       context.CancelFunc
	ctx          context.Context
}

func NewPeerConnection(s *Session, endpoint proto.Endpoint, conn net.Conn, incoming bool) *PeerConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerConnection{
		log:        s.log.Named("peer").With(zap.String("endpoint", endpoint.AsString())),
		session:    s,
		conn:       conn,
		endpoint:   endpoint,
		incoming:   incoming,
		state:      PEER_STATE_NEW,
		stat:       MakeStatistics(),
		compressed: make(map[uint64]*compressedRange),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (pc *PeerConnection) Endpoint() proto.Endpoint {
	return pc.endpoint
}

func (pc *PeerConnection) State() int {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.state
}

func (pc *PeerConnection) setState(state int) {
	pc.mutex.Lock()
	pc.state = state
	pc.mutex.Unlock()
}

// Connect dials the peer through the half-open throttle and enters the
// read loop on success.
func (pc *PeerConnection) Connect() {
	pc.setState(PEER_STATE_CONNECTING)

	if err := pc.session.halfOpen.Acquire(pc.ctx); err != nil {
		pc.Close(err)
		return
	}

	conn, err := net.DialTimeout("tcp", pc.endpoint.AsString(), pc.session.settings.PeerConnectTimeout)
	pc.session.halfOpen.Release()
	if err != nil {
		pc.Close(ErrTimedOut)
		return
	}

	pc.mutex.Lock()
	pc.conn = conn
	pc.mutex.Unlock()

	pc.setState(PEER_STATE_HANDSHAKE)
	hello := pc.session.CreateHello()
	if _, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_HELLO, &hello); err != nil {
		pc.Close(err)
		return
	}

	pc.Start()
}

// Start runs the read loop until error or close.
func (pc *PeerConnection) Start() {
	if pc.incoming {
		pc.setState(PEER_STATE_HANDSHAKE)
	}

	combiner := proto.PacketCombiner{}
	for {
		pc.conn.SetReadDeadline(time.Now().Add(pc.session.settings.PeerTimeout))
		ph, body, err := combiner.Read(pc.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				err = ErrTimedOutInactivity
			}

			pc.Close(err)
			return
		}

		pc.mutex.Lock()
		pc.lastReceived = time.Now()
		pc.mutex.Unlock()
		pc.stat.ReceiveBytes(len(body) + proto.HEADER_SIZE)

		if err := pc.onPacket(ph, body); err != nil {
			pc.Close(err)
			return
		}
	}
}

func (pc *PeerConnection) onPacket(ph proto.PacketHeader, body []byte) error {
	sb := proto.StateBuffer{Data: body}

	if ph.Protocol == proto.OP_EMULEPROT {
		return pc.onExtPacket(ph, body, &sb)
	}

	switch ph.Packet {
	case proto.OP_HELLO:
		hello := proto.Hello{}
		sb.Read(&hello)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.onHello(hello.Answer)
		answer := pc.session.CreateHelloAnswer()
		if _, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_HELLOANSWER, &answer); err != nil {
			return err
		}

		pc.sendExtHello()
	case proto.OP_HELLOANSWER:
		answer := proto.HelloAnswer{}
		sb.Read(&answer)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.onHello(answer)
		pc.sendExtHello()
		pc.setState(PEER_STATE_IDLE)
		pc.startFileRequest()
	case proto.OP_SETREQFILEID:
		req := proto.HashRequest{}
		sb.Read(&req)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onFileRequest(req.H)
	case proto.OP_REQUESTFILENAME:
		req := proto.HashRequest{}
		sb.Read(&req)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onFileRequest(req.H)
	case proto.OP_FILEREQANSNOFIL:
		// remote has no such file
		return ErrInvalidHandle
	case proto.OP_REQFILENAMEANSWER:
		fa := proto.FileAnswer{}
		sb.Read(&fa)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.log.Debug("remote filename", zap.String("name", fa.Name.ToString()))
	case proto.OP_FILESTATUS:
		fs := proto.FileStatusAnswer{}
		sb.Read(&fs)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onFileStatus(fs)
	case proto.OP_HASHSETREQUEST:
		req := proto.HashRequest{}
		sb.Read(&req)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onHashSetRequest(req.H)
	case proto.OP_HASHSETANSWER:
		hs := proto.HashSet{}
		sb.Read(&hs)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onHashSetAnswer(hs)
	case proto.OP_STARTUPLOADREQ:
		req := proto.HashRequest{}
		sb.Read(&req)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onStartUpload(req.H)
	case proto.OP_ACCEPTUPLOADREQ:
		return pc.onAcceptUpload()
	case proto.OP_QUEUERANKING:
		qr := proto.QueueRanking{}
		sb.Read(&qr)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.mutex.Lock()
		pc.queueRank = int(qr.Rank)
		pc.mutex.Unlock()
		pc.setState(PEER_STATE_SLOT_QUEUED)
	case proto.OP_REQUESTPARTS:
		rp := proto.RequestParts{}
		sb.Read(&rp)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onRequestParts(rp)
	case proto.OP_SENDINGPART:
		sp := proto.SendingPart{}
		sb.Read(&sp)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onSendingPart(sp, body[sb.Offset():])
	case proto.OP_OUTOFPARTREQS:
		pc.onOutOfParts()
	case proto.OP_CANCELTRANSFER:
		pc.abortRequests()
		pc.setState(PEER_STATE_IDLE)
	case proto.OP_END_OF_DOWNLOAD:
		pc.onEndOfDownload()
	case proto.OP_MESSAGE:
		pm := proto.PeerMessage{}
		sb.Read(&pm)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.log.Debug("peer message", zap.String("text", pm.Message.ToString()))
	case proto.OP_PUBLICIP_REQ:
		answer := proto.PublicIpAnswer{Ip: pc.endpoint.Ip}
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_PUBLICIP_ANSWER, &answer)
		return err
	case proto.OP_PUBLICIP_ANSWER:
		pia := proto.PublicIpAnswer{}
		sb.Read(&pia)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.session.OnPublicIp(pia.Ip)
	default:
		pc.log.Debug("unhandled packet",
			zap.Uint8("protocol", ph.Protocol), zap.Uint8("opcode", ph.Packet))
	}

	return sb.Error()
}

func (pc *PeerConnection) onExtPacket(ph proto.PacketHeader, body []byte, sb *proto.StateBuffer) error {
	switch ph.Packet {
	case proto.OP_EMULEINFO:
		eh := proto.ExtHello{}
		sb.Read(&eh)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.onExtHello(eh)
		answer := pc.session.CreateExtHello()
		_, err := pc.SendPacket(proto.OP_EMULEPROT, proto.OP_EMULEINFOANSWER, &answer)
		return err
	case proto.OP_EMULEINFOANSWER:
		eh := proto.ExtHello{}
		sb.Read(&eh)
		if sb.Error() != nil {
			return sb.Error()
		}

		pc.onExtHello(eh)
	case proto.OP_REQUESTPARTS_I64:
		rp := proto.RequestParts{Extended: true}
		sb.Read(&rp)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onRequestParts(rp)
	case proto.OP_SENDINGPART_I64:
		sp := proto.SendingPart{Extended: true}
		sb.Read(&sp)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onSendingPart(sp, body[sb.Offset():])
	case proto.OP_COMPRESSEDPART, proto.OP_COMPRESSEDPART_I64:
		cp := proto.CompressedPart{Extended: ph.Packet == proto.OP_COMPRESSEDPART_I64}
		sb.Read(&cp)
		if sb.Error() != nil {
			return sb.Error()
		}

		return pc.onCompressedPart(cp, body[sb.Offset():])
	default:
		pc.log.Debug("unhandled extension packet", zap.Uint8("opcode", ph.Packet))
	}

	return sb.Error()
}

func (pc *PeerConnection) onHello(answer proto.HelloAnswer) {
	pc.mutex.Lock()
	pc.hash = answer.H
	if t := answer.Properties.FindById(proto.CT_EMULE_MISCOPTIONS1); t != nil {
		pc.miscOptions.Assign(uint32(t.AsInt()))
		pc.extEmule = true
	}

	if t := answer.Properties.FindById(proto.CT_EMULE_MISCOPTIONS2); t != nil {
		mo2 := proto.MiscOptions2(t.AsInt())
		pc.largeFiles = mo2.SupportLargeFiles()
	}

	pc.mutex.Unlock()

	if answer.H == pc.session.settings.UserAgent {
		pc.Close(ErrConnectionToItself)
	}
}

func (pc *PeerConnection) onExtHello(eh proto.ExtHello) {
	pc.mutex.Lock()
	pc.extEmule = true
	if t := eh.Properties.FindById(proto.ET_COMPRESSION); t != nil {
		pc.miscOptions.DataCompVer = uint32(t.AsInt())
	}

	if t := eh.Properties.FindById(proto.ET_SOURCEEXCHANGE); t != nil {
		pc.miscOptions.SourceExchange1Ver = uint32(t.AsInt())
	}

	pc.mutex.Unlock()
}

func (pc *PeerConnection) sendExtHello() {
	if !pc.incoming {
		eh := pc.session.CreateExtHello()
		pc.SendPacket(proto.OP_EMULEPROT, proto.OP_EMULEINFO, &eh)
	}
}

// startFileRequest opens the download dialog once a transfer is bound.
func (pc *PeerConnection) startFileRequest() {
	t := pc.Transfer()
	if t == nil {
		return
	}

	pc.setState(PEER_STATE_REQUESTING_FILE)
	req := proto.HashRequest{H: t.Hash()}
	pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_SETREQFILEID, &req)
}

func (pc *PeerConnection) onFileRequest(h proto.ED2KHash) error {
	t := pc.session.FindTransfer(h)
	if t == nil || !t.CanShare() {
		req := proto.HashRequest{H: h}
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_FILEREQANSNOFIL, &req)
		return err
	}

	fa := proto.FileAnswer{H: h, Name: proto.String2ByteContainer(t.Filename())}
	if _, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_REQFILENAMEANSWER, &fa); err != nil {
		return err
	}

	fs := proto.FileStatusAnswer{H: h, BF: t.Pieces()}
	_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_FILESTATUS, &fs)
	return err
}

func (pc *PeerConnection) onFileStatus(fs proto.FileStatusAnswer) error {
	t := pc.Transfer()
	if t == nil || fs.H != t.Hash() {
		return nil
	}

	pc.mutex.Lock()
	pc.remotePieces = fs.BF
	if pc.peer != nil {
		pc.peer.pieces = proto.CloneBitField(fs.BF)
	}
	pc.mutex.Unlock()

	t.AddAvailability(fs.BF)

	if data.NumDataPieces(t.Size()) > 1 {
		req := proto.HashRequest{H: t.Hash()}
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_HASHSETREQUEST, &req)
		return err
	}

	// single piece file: the hash set is the file hash itself
	t.SetHashSet(proto.HashSet{Hash: t.Hash(), PieceHashes: []proto.ED2KHash{t.Hash()}})
	return pc.requestUpload()
}

func (pc *PeerConnection) onHashSetRequest(h proto.ED2KHash) error {
	t := pc.session.FindTransfer(h)
	if t == nil || !t.CanShare() {
		req := proto.HashRequest{H: h}
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_FILEREQANSNOFIL, &req)
		return err
	}

	hs := t.HashSet()
	_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_HASHSETANSWER, &hs)
	return err
}

func (pc *PeerConnection) onHashSetAnswer(hs proto.HashSet) error {
	t := pc.Transfer()
	if t == nil || hs.Hash != t.Hash() {
		return nil
	}

	// the rolled-up hash must equal the announced file hash
	if hs.Reduce() != t.Hash() {
		return ErrMismatchingTransferHash
	}

	t.SetHashSet(hs)
	return pc.requestUpload()
}

func (pc *PeerConnection) requestUpload() error {
	t := pc.Transfer()
	if t == nil {
		return nil
	}

	req := proto.HashRequest{H: t.Hash()}
	_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_STARTUPLOADREQ, &req)
	return err
}

func (pc *PeerConnection) onStartUpload(h proto.ED2KHash) error {
	t := pc.session.FindTransfer(h)
	if t == nil || !t.CanShare() {
		req := proto.HashRequest{H: h}
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_FILEREQANSNOFIL, &req)
		return err
	}

	pc.mutex.Lock()
	pc.uploadHash = h
	pc.mutex.Unlock()

	rank := pc.session.uploadQueue.Request(pc, pc.uploadScore(), time.Now())
	if rank == 0 {
		pc.setState(PEER_STATE_UPLOADING)
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_ACCEPTUPLOADREQ, nil)
		return err
	}

	qr := proto.QueueRanking{Rank: uint16(rank)}
	_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_QUEUERANKING, &qr)
	return err
}

// uploadScore weighs prior contribution: peers that gave us data rank
// higher in the wait queue.
func (pc *PeerConnection) uploadScore() int {
	return pc.stat.TotalDownload()
}

func (pc *PeerConnection) onAcceptUpload() error {
	pc.setState(PEER_STATE_DOWNLOADING)
	return pc.requestBlocks()
}

// requestBlocks asks the picker for work and issues one REQUESTPARTS.
func (pc *PeerConnection) requestBlocks() error {
	t := pc.Transfer()
	if t == nil {
		return nil
	}

	pc.mutex.Lock()
	inFlight := len(pc.requestedBlocks)
	pc.mutex.Unlock()

	if inFlight >= data.REQUEST_QUEUE_SIZE {
		return nil
	}

	blocks := t.PickBlocks(data.REQUEST_QUEUE_SIZE-inFlight, pc.Peer())
	if len(blocks) == 0 {
		if inFlight == 0 && t.IsFinished() {
			pc.sendEndOfDownload()
		}

		return nil
	}

	req := proto.RequestParts{H: t.Hash()}
	pc.mutex.Lock()
	for i, b := range blocks {
		pb := CreatePendingBlock(b, t.Size())
		pc.requestedBlocks = append(pc.requestedBlocks, &pb)
		req.BeginOffset[i] = pb.region.Begin()
		req.EndOffset[i] = pb.region.Segments[0].End
	}
	pc.mutex.Unlock()

	opcode := proto.OP_REQUESTPARTS
	protocol := proto.OP_EDONKEYPROT
	if req.NeedsExtended() {
		req.Extended = true
		opcode = proto.OP_REQUESTPARTS_I64
		protocol = proto.OP_EMULEPROT
	}

	_, err := pc.SendPacket(protocol, opcode, &req)
	return err
}

// onSendingPart accepts a raw range. Data outside every issued request
// is dropped and logged.
func (pc *PeerConnection) onSendingPart(sp proto.SendingPart, payload []byte) error {
	if sp.End <= sp.Begin || uint64(len(payload)) != sp.End-sp.Begin {
		return proto.ErrDecodePacket
	}

	pc.receiveData(sp.Begin, sp.End, payload)
	return nil
}

func (pc *PeerConnection) receiveData(begin uint64, end uint64, payload []byte) {
	t := pc.Transfer()
	if t == nil {
		return
	}

	pc.mutex.Lock()
	var hit *PendingBlock
	for _, pb := range pc.requestedBlocks {
		blockStart := pb.block.Start()
		if begin < blockStart+uint64(len(pb.data)) && end > blockStart {
			hit = pb
			break
		}
	}
	pc.mutex.Unlock()

	if hit == nil {
		pc.log.Warn("unsolicited part dropped",
			zap.Uint64("begin", begin), zap.Uint64("end", end))
		return
	}

	hit.Receive(payload, begin, end)
	if hit.IsComplete() {
		pc.mutex.Lock()
		for i, pb := range pc.requestedBlocks {
			if pb == hit {
				pc.requestedBlocks = append(pc.requestedBlocks[:i], pc.requestedBlocks[i+1:]...)
				break
			}
		}
		pc.mutex.Unlock()

		t.OnBlockReceived(pc, hit)
		pc.requestBlocks()
	}
}

// onCompressedPart feeds the per-range inflater; the stream completes
// when the inflate produces the full requested range.
func (pc *PeerConnection) onCompressedPart(cp proto.CompressedPart, payload []byte) error {
	pc.mutex.Lock()
	cr, ok := pc.compressed[cp.Begin]
	if !ok {
		cr = &compressedRange{begin: cp.Begin}
		for _, pb := range pc.requestedBlocks {
			blockStart := pb.block.Start()
			if cp.Begin >= blockStart && cp.Begin < blockStart+uint64(len(pb.data)) {
				cr.expected = blockStart + uint64(len(pb.data)) - cp.Begin
				break
			}
		}

		pc.compressed[cp.Begin] = cr
	}
	pc.mutex.Unlock()

	if cr.expected == 0 {
		pc.mutex.Lock()
		delete(pc.compressed, cp.Begin)
		pc.mutex.Unlock()
		pc.log.Warn("unsolicited compressed part dropped", zap.Uint64("begin", cp.Begin))
		return nil
	}

	cr.buf.Write(payload)

	plain, err := inflatePartial(cr.buf.Bytes())
	if err != nil {
		return proto.ErrDecodePacket
	}

	if uint64(len(plain)) < cr.expected {
		// more chunks of this stream are on the way
		return nil
	}

	pc.mutex.Lock()
	delete(pc.compressed, cp.Begin)
	pc.mutex.Unlock()

	pc.receiveData(cp.Begin, cp.Begin+cr.expected, plain[:cr.expected])
	return nil
}

// inflatePartial inflates as much of a possibly truncated zlib stream
// as is available.
func inflatePartial(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, nil
		}

		return nil, err
	}

	defer r.Close()
	plain, err := ioutil.ReadAll(r)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	return plain, nil
}

// onRequestParts serves the uploader side: each in-range request queues
// block reads, anything outside the file answers OUTOFPARTREQS and
// sends nothing.
func (pc *PeerConnection) onRequestParts(rp proto.RequestParts) error {
	t := pc.session.FindTransfer(rp.H)
	if t == nil || !t.CanShare() {
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_OUTOFPARTREQS, nil)
		return err
	}

	if !pc.session.uploadQueue.HasSlot(pc) {
		_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_OUTOFPARTREQS, nil)
		return err
	}

	for i := 0; i < proto.PARTS_IN_REQUEST; i++ {
		begin, end := rp.BeginOffset[i], rp.EndOffset[i]
		if begin == end {
			continue
		}

		if begin > end || end > t.Size() {
			_, err := pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_OUTOFPARTREQS, nil)
			return err
		}

		pc.serveRange(t, begin, end)
	}

	return nil
}

// serveRange reads the range off disk and streams it as SENDINGPART.
func (pc *PeerConnection) serveRange(t *Transfer, begin uint64, end uint64) {
	job := DiskJob{
		Kind:      DISK_JOB_READ,
		StorageId: t.StorageId(),
		FileIndex: 0,
		Path:      t.Filepath(),
		Offset:    begin,
		Length:    end - begin,
		Done: func(res DiskResult) {
			if res.Err != nil {
				pc.log.Warn("upload read failed", zap.Error(res.Err))
				pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_OUTOFPARTREQS, nil)
				t.OnReadError(res.Err)
				return
			}

			pc.sendPart(t.Hash(), begin, end, res.Buffer)
		},
	}

	if err := pc.session.disk.Submit(job); err != nil {
		pc.log.Warn("disk submit failed", zap.Error(err))
	}
}

func (pc *PeerConnection) sendPart(h proto.ED2KHash, begin uint64, end uint64, payload []byte) {
	sp := proto.SendingPart{H: h, Begin: begin, End: end, Extended: end > 0xFFFFFFFF}
	opcode := proto.OP_SENDINGPART
	protocol := proto.OP_EDONKEYPROT
	if sp.Extended {
		opcode = proto.OP_SENDINGPART_I64
		protocol = proto.OP_EMULEPROT
	}

	frame, err := proto.SerializePacket(protocol, opcode, &sp, false)
	if err != nil {
		pc.Close(err)
		return
	}

	frame = appendPayload(frame, payload)
	if err := pc.write(frame); err != nil {
		pc.Close(err)
	}
}

// appendPayload widens the frame size to cover the trailing payload.
func appendPayload(frame []byte, payload []byte) []byte {
	res := append(frame, payload...)
	ph := proto.PacketHeader{}
	ph.Read(res)
	ph.Bytes += uint32(len(payload))
	ph.Write(res)
	return res
}

func (pc *PeerConnection) onOutOfParts() {
	pc.abortRequests()
	pc.setState(PEER_STATE_SLOT_QUEUED)
}

func (pc *PeerConnection) onEndOfDownload() {
	promoted := pc.session.uploadQueue.Release(pc)
	if promoted != nil {
		promoted.grantSlot()
	}

	pc.setState(PEER_STATE_IDLE)
}

func (pc *PeerConnection) grantSlot() {
	pc.setState(PEER_STATE_UPLOADING)
	pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_ACCEPTUPLOADREQ, nil)
}

// SendQueueRank pushes the current wait position.
func (pc *PeerConnection) SendQueueRank(rank int) {
	qr := proto.QueueRanking{Rank: uint16(rank)}
	pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_QUEUERANKING, &qr)
}

func (pc *PeerConnection) sendEndOfDownload() {
	t := pc.Transfer()
	if t == nil {
		return
	}

	req := proto.HashRequest{H: t.Hash()}
	pc.SendPacket(proto.OP_EDONKEYPROT, proto.OP_END_OF_DOWNLOAD, &req)
}

// abortRequests returns every in-flight block to the picker.
func (pc *PeerConnection) abortRequests() {
	t := pc.Transfer()
	pc.mutex.Lock()
	blocks := pc.requestedBlocks
	pc.requestedBlocks = nil
	pc.compressed = make(map[uint64]*compressedRange)
	pc.mutex.Unlock()

	if t != nil {
		for _, pb := range blocks {
			t.AbortBlock(pb.block, pc.Peer())
		}
	}
}

// OnHashFailed counts consecutive bad pieces this peer contributed to;
// the third drops the connection.
func (pc *PeerConnection) OnHashFailed() {
	pc.mutex.Lock()
	pc.failedPieces++
	failed := pc.failedPieces
	pc.mutex.Unlock()

	if failed >= 3 {
		pc.Close(ErrFailedHashCheck)
	}
}

func (pc *PeerConnection) OnHashPassed() {
	pc.mutex.Lock()
	pc.failedPieces = 0
	pc.mutex.Unlock()
}

func (pc *PeerConnection) Transfer() *Transfer {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.transfer
}

func (pc *PeerConnection) Peer() *Peer {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.peer
}

// SendPacket frames and writes one message, passing through the upload
// bandwidth channel first.
func (pc *PeerConnection) SendPacket(protocol byte, packet byte, msg proto.SerializableSize) (int, error) {
	frame, err := proto.SerializePacket(protocol, packet, msg, false)
	if err != nil {
		return 0, err
	}

	if err := pc.write(frame); err != nil {
		return 0, err
	}

	return len(frame), nil
}

func (pc *PeerConnection) write(frame []byte) error {
	if err := pc.session.upload.Request(pc.ctx, len(frame)); err != nil {
		return err
	}

	pc.mutex.Lock()
	conn := pc.conn
	pc.lastSent = time.Now()
	pc.mutex.Unlock()

	if conn == nil {
		return ErrConnectionReset
	}

	_, err := conn.Write(frame)
	if err == nil {
		pc.stat.SendBytes(len(frame))
	}

	return err
}

// Close tears the connection down once; the session and transfer learn
// through the detach callbacks.
func (pc *PeerConnection) Close(err error) {
	pc.closeOnce.Do(func() {
		pc.mutex.Lock()
		pc.state = PEER_STATE_CLOSING
		pc.lastError = err
		conn := pc.conn
		pc.mutex.Unlock()

		pc.cancel()
		if conn != nil {
			conn.Close()
		}

		pc.abortRequests()
		if promoted := pc.session.uploadQueue.Release(pc); promoted != nil {
			promoted.grantSlot()
		}

		if t := pc.Transfer(); t != nil {
			t.PeerConnectionClosed(pc, err)
		}

		pc.session.PeerConnectionClosed(pc, err)
	})
}

func (pc *PeerConnection) LastError() error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.lastError
}

// SecondTick folds connection stats into the transfer and re-requests
// when the pipeline drained.
func (pc *PeerConnection) SecondTick(duration time.Duration, now time.Time) {
	pc.stat.SecondTick(duration)

	rate := pc.stat.DownloadRate()
	pc.mutex.Lock()
	if pc.peer != nil {
		switch {
		case rate > 512*1024:
			pc.peer.Speed = PEER_SPEED_FAST
		case rate > 64*1024:
			pc.peer.Speed = PEER_SPEED_MEDIUM
		default:
			pc.peer.Speed = PEER_SPEED_SLOW
		}
	}

	state := pc.state
	pc.mutex.Unlock()

	if state == PEER_STATE_DOWNLOADING {
		pc.requestBlocks()
	}
}

func (pc *PeerConnection) Stat() *Statistics {
	return &pc.stat
}
