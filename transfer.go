package goed2k

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

type TransferState int

const (
	TRANSFER_STATE_QUEUED_FOR_CHECKING TransferState = iota
	TRANSFER_STATE_CHECKING_FILES
	TRANSFER_STATE_DOWNLOADING
	TRANSFER_STATE_SEEDING
	TRANSFER_STATE_FINISHED
	TRANSFER_STATE_ALLOCATING
	TRANSFER_STATE_PAUSED
	TRANSFER_STATE_ABORTED
)

func (s TransferState) String() string {
	switch s {
	case TRANSFER_STATE_QUEUED_FOR_CHECKING:
		return "queued_for_checking"
	case TRANSFER_STATE_CHECKING_FILES:
		return "checking_files"
	case TRANSFER_STATE_DOWNLOADING:
		return "downloading"
	case TRANSFER_STATE_SEEDING:
		return "seeding"
	case TRANSFER_STATE_FINISHED:
		return "finished"
	case TRANSFER_STATE_ALLOCATING:
		return "allocating"
	case TRANSFER_STATE_PAUSED:
		return "paused"
	case TRANSFER_STATE_ABORTED:
		return "aborted"
	}

	return "unknown"
}

// Transfer is one user intent: a content-addressed file with its piece
// state, peer policy and live connections.
type Transfer struct {
	log     *zap.Logger
	session *Session

	mutex sync.Mutex

	hash      proto.ED2KHash
	size      uint64
	filename  string
	filepath  string
	storageId int

	state         TransferState
	paused        bool
	seed          bool
	queuePosition int

	hashSet     *proto.HashSet
	picker      *PiecePicker
	policy      Policy
	connections []*PeerConnection

	incomingPieces map[int]*ReceivingPiece

	stat        Statistics
	transferred uint64
	requested   uint64
	accepted    uint64
	priority    uint32
	savedMtime  int64

	needSaveResumeData bool
	uploadOnly         bool
}

func CreateTransfer(s *Session, atp proto.AddTransferParameters, filepath string, storageId int, queuePosition int) *Transfer {
	t := &Transfer{
		log:            s.log.Named("transfer").With(zap.String("hash", atp.Hashes.Hash.ToString())),
		session:        s,
		hash:           atp.Hashes.Hash,
		size:           atp.Filesize,
		filename:       atp.Filename.ToString(),
		filepath:       filepath,
		storageId:      storageId,
		state:          TRANSFER_STATE_QUEUED_FOR_CHECKING,
		queuePosition:  queuePosition,
		picker:         CreatePiecePicker(atp.Filesize),
		policy:         CreatePolicy(s.settings.MaxPeerListSize, s.settings.MaxFailCount, s.settings.MinReconnectTime),
		incomingPieces: make(map[int]*ReceivingPiece),
		stat:           MakeStatistics(),
		transferred:    atp.Transferred,
		requested:      atp.Requested,
		accepted:       atp.Accepted,
		priority:       atp.Priority,
		savedMtime:     atp.SavedMtime,
	}

	if len(atp.Hashes.PieceHashes) > 0 {
		hs := atp.Hashes
		t.hashSet = &hs
	}

	return t
}

func (t *Transfer) Hash() proto.ED2KHash {
	return t.hash
}

func (t *Transfer) Size() uint64 {
	return t.size
}

func (t *Transfer) Filename() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.filename
}

func (t *Transfer) Filepath() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.filepath
}

func (t *Transfer) StorageId() int {
	return t.storageId
}

func (t *Transfer) State() TransferState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

func (t *Transfer) setState(state TransferState) {
	t.mutex.Lock()
	old := t.state
	t.state = state
	t.mutex.Unlock()

	if old != state {
		t.session.alerts.Push(StateChangedAlert{Hash: t.hash, Old: old, New: state})
	}
}

func (t *Transfer) IsPaused() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.paused
}

func (t *Transfer) Pause() {
	t.mutex.Lock()
	t.paused = true
	conns := append([]*PeerConnection{}, t.connections...)
	t.mutex.Unlock()

	for _, pc := range conns {
		pc.Close(ErrTransferPaused)
	}

	t.setState(TRANSFER_STATE_PAUSED)
}

func (t *Transfer) Resume() {
	t.mutex.Lock()
	t.paused = false
	finished := t.picker.IsFinished()
	t.mutex.Unlock()

	if finished {
		t.setState(TRANSFER_STATE_SEEDING)
	} else {
		t.setState(TRANSFER_STATE_DOWNLOADING)
	}
}

func (t *Transfer) IsFinished() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.picker.IsFinished()
}

func (t *Transfer) IsSeed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.seed
}

// CanShare reports whether upload requests for this file are served.
func (t *Transfer) CanShare() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.paused || t.state == TRANSFER_STATE_ABORTED ||
		t.state == TRANSFER_STATE_CHECKING_FILES || t.state == TRANSFER_STATE_QUEUED_FOR_CHECKING {
		return false
	}

	return t.seed || t.picker.NumHave() > 0
}

func (t *Transfer) HashSet() proto.HashSet {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.hashSet != nil {
		return *t.hashSet
	}

	return proto.HashSet{Hash: t.hash}
}

func (t *Transfer) SetHashSet(hs proto.HashSet) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.hashSet == nil {
		t.hashSet = &hs
		t.needSaveResumeData = true
	}
}

func (t *Transfer) Pieces() proto.BitField {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.picker.GetPieces()
}

func (t *Transfer) AddAvailability(bf proto.BitField) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.picker.AddAvailability(bf)
}

// AttachPeer binds a live connection to this transfer's policy.
func (t *Transfer) AttachPeer(pc *PeerConnection) {
	t.mutex.Lock()
	t.policy.NewConnection(pc)
	peer := t.policy.FindPeer(pc.endpoint)
	t.connections = append(t.connections, pc)
	t.mutex.Unlock()

	pc.mutex.Lock()
	pc.transfer = t
	pc.peer = peer
	pc.mutex.Unlock()
}

// AddPeer records a source learned from server, kad or exchange.
func (t *Transfer) AddPeer(endpoint proto.Endpoint, sourceFlag byte) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.policy.AddPeer(CreatePeer(endpoint, sourceFlag))
}

func (t *Transfer) PeerConnectionClosed(pc *PeerConnection, err error) {
	t.mutex.Lock()
	for i, x := range t.connections {
		if x == pc {
			t.connections = append(t.connections[:i], t.connections[i+1:]...)
			break
		}
	}

	if pc.remotePieces.Bits() > 0 {
		t.picker.SubAvailability(pc.remotePieces)
	}

	failed := err != nil && err != ErrTransferFinished && err != ErrTransferPaused
	t.policy.ConnectionClosed(pc, failed, time.Now())
	t.mutex.Unlock()

	t.session.alerts.Push(PeerDisconnectedAlert{Point: pc.endpoint, Err: err})
}

func (t *Transfer) WantMorePeers() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return !t.paused && t.state == TRANSFER_STATE_DOWNLOADING && t.policy.NumConnectCandidates() > 0
}

// FindConnectCandidate pops the next eligible peer for the session's
// round-robin connect fanout.
func (t *Transfer) FindConnectCandidate(now time.Time) *Peer {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.policy.FindConnectCandidate(now)
}

func (t *Transfer) PickBlocks(count int, peer *Peer) []data.PieceBlock {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.paused || t.uploadOnly || t.state != TRANSFER_STATE_DOWNLOADING {
		return nil
	}

	blocks := t.picker.PickPieces(count, peer, time.Now())
	t.requested += uint64(len(blocks)) * data.BLOCK_SIZE_UINT64
	return blocks
}

func (t *Transfer) AbortBlock(block data.PieceBlock, peer *Peer) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.picker.AbortBlock(block, peer)
}

// OnBlockReceived accepts a completed block: it joins the receiving
// piece, goes to disk, and a full piece heads into verification.
func (t *Transfer) OnBlockReceived(pc *PeerConnection, pb *PendingBlock) {
	t.mutex.Lock()
	rp, ok := t.incomingPieces[pb.block.PieceIndex]
	if !ok {
		rp = NewReceivingPiece()
		t.incomingPieces[pb.block.PieceIndex] = rp
	}

	if !rp.InsertBlock(pb) {
		t.mutex.Unlock()
		return
	}

	t.picker.FinishBlock(pb.block)
	t.transferred += uint64(len(pb.data))
	t.accepted += uint64(len(pb.data))
	t.needSaveResumeData = true
	blocksInPiece := t.picker.BlocksInPiece(pb.block.PieceIndex)
	complete := rp.NumBlocks() == blocksInPiece
	if complete {
		t.picker.StartVerify(pb.block.PieceIndex)
	}
	t.mutex.Unlock()

	t.stat.ReceiveBytes(len(pb.data))

	job := DiskJob{
		Kind:      DISK_JOB_WRITE,
		StorageId: t.storageId,
		FileIndex: 0,
		Path:      t.Filepath(),
		Offset:    pb.block.Start(),
		Buffer:    pb.data,
		Done: func(res DiskResult) {
			if res.Err != nil {
				t.OnWriteError(res.Err)
			}
		},
	}

	if err := t.session.disk.Submit(job); err != nil {
		t.log.Warn("disk submit failed", zap.Error(err))
	}

	if complete {
		t.verifyPiece(pc, pb.block.PieceIndex, rp)
	}
}

// verifyPiece checks the rolled hash of a received piece against the
// announced piece hash.
func (t *Transfer) verifyPiece(pc *PeerConnection, pieceIndex int, rp *ReceivingPiece) {
	t.mutex.Lock()
	var expected proto.ED2KHash
	known := false
	if t.hashSet != nil && pieceIndex < len(t.hashSet.PieceHashes) {
		expected = t.hashSet.PieceHashes[pieceIndex]
		known = true
	}
	delete(t.incomingPieces, pieceIndex)
	t.mutex.Unlock()

	got := rp.Hash()
	if known && got != expected {
		t.log.Warn("piece failed hash check", zap.Int("piece", pieceIndex),
			zap.String("got", got.ToString()), zap.String("expected", expected.ToString()))

		t.mutex.Lock()
		t.picker.PieceFailed(pieceIndex)
		// contributors lose trust until they deliver a good piece
		if pc != nil && pc.peer != nil {
			pc.peer.Trusted = false
			pc.peer.FailedHashes++
		}
		t.mutex.Unlock()

		t.session.alerts.Push(PieceFailedAlert{Hash: t.hash, PieceIndex: pieceIndex})
		if pc != nil {
			pc.OnHashFailed()
		}

		return
	}

	t.mutex.Lock()
	t.picker.SetHave(pieceIndex)
	finished := t.picker.IsFinished()
	t.mutex.Unlock()

	if pc != nil {
		pc.OnHashPassed()
		if pc.peer != nil {
			pc.peer.Trusted = true
		}
	}

	if finished {
		t.onCompleted()
	}
}

// onCompleted flips to seeding and tells active uploaders.
func (t *Transfer) onCompleted() {
	t.mutex.Lock()
	t.seed = true
	t.needSaveResumeData = true
	conns := append([]*PeerConnection{}, t.connections...)
	t.mutex.Unlock()

	t.setState(TRANSFER_STATE_SEEDING)
	t.session.alerts.Push(TransferCompletedAlert{Hash: t.hash})

	for _, pc := range conns {
		pc.sendEndOfDownload()
	}

	flush := DiskJob{Kind: DISK_JOB_FLUSH, StorageId: t.storageId, Path: t.Filepath()}
	t.session.disk.Submit(flush)
}

// OnReadError logs a failed upload read; the requester re-queues.
func (t *Transfer) OnReadError(err error) {
	t.log.Warn("read error", zap.Error(err))
}

// OnWriteError switches the transfer to upload-only: the disk cannot
// take more downloaded data.
func (t *Transfer) OnWriteError(err error) {
	t.log.Error("write error, switching to upload-only", zap.Error(err))
	t.mutex.Lock()
	t.uploadOnly = true
	t.mutex.Unlock()
	t.session.alerts.Push(TransferErrorAlert{Hash: t.hash, Err: err})
}

// finishChecklessStart enters service directly from accepted resume
// data.
func (t *Transfer) finishChecklessStart() {
	t.mutex.Lock()
	finished := t.picker.IsFinished()
	t.seed = finished
	t.mutex.Unlock()

	if finished {
		t.setState(TRANSFER_STATE_SEEDING)
	} else {
		t.setState(TRANSFER_STATE_DOWNLOADING)
	}
}

// StartCheck streams the on-disk file through the hasher and marks the
// pieces that match.
func (t *Transfer) StartCheck() {
	t.setState(TRANSFER_STATE_CHECKING_FILES)

	job := DiskJob{
		Kind:      DISK_JOB_HASH,
		StorageId: t.storageId,
		FileIndex: 0,
		Path:      t.Filepath(),
		FileSize:  t.size,
		Cancelled: func() bool {
			return t.State() == TRANSFER_STATE_ABORTED
		},
		Done: func(res DiskResult) {
			t.onCheckDone(res)
		},
	}

	if err := t.session.disk.Submit(job); err != nil {
		t.onCheckDone(DiskResult{Err: err})
	}
}

func (t *Transfer) onCheckDone(res DiskResult) {
	if res.Err != nil {
		// nothing usable on disk, start from zero
		t.log.Debug("check found no usable data", zap.Error(res.Err))
		t.setState(TRANSFER_STATE_DOWNLOADING)
		t.session.OnCheckFinished(t)
		return
	}

	t.mutex.Lock()
	if t.hashSet != nil {
		for i := 0; i < t.picker.PiecesCount(); i++ {
			if i < len(res.Hashes.PieceHashes) && i < len(t.hashSet.PieceHashes) &&
				res.Hashes.PieceHashes[i] == t.hashSet.PieceHashes[i] {
				t.picker.SetHave(i)
			}
		}
	} else if res.Hashes.Hash == t.hash {
		// no piece list yet; the whole file matching the root hash
		// proves every piece
		hs := res.Hashes
		t.hashSet = &hs
		for i := 0; i < t.picker.PiecesCount(); i++ {
			t.picker.SetHave(i)
		}
	}

	finished := t.picker.IsFinished()
	t.seed = finished
	t.mutex.Unlock()

	if finished {
		t.setState(TRANSFER_STATE_SEEDING)
	} else {
		t.setState(TRANSFER_STATE_DOWNLOADING)
	}

	t.session.OnCheckFinished(t)
}

// SecondTick runs once per second: stale request recycling and rate EMAs.
func (t *Transfer) SecondTick(duration time.Duration, now time.Time) {
	t.mutex.Lock()
	stale := t.picker.StaleBlocks(now, t.session.settings.BlockRequestTimeout)
	conns := append([]*PeerConnection{}, t.connections...)
	t.mutex.Unlock()

	if len(stale) > 0 {
		t.log.Debug("stale block requests recycled", zap.Int("count", len(stale)))
	}

	for _, pc := range conns {
		t.stat.Add(pc.Stat())
		pc.SecondTick(duration, now)
	}

	t.stat.SecondTick(duration)
}

func (t *Transfer) Stat() *Statistics {
	return &t.stat
}

func (t *Transfer) QueuePosition() int {
	return t.queuePosition
}

func (t *Transfer) NeedSaveResumeData() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.needSaveResumeData
}

// Params snapshots the resume payload.
func (t *Transfer) Params() proto.AddTransferParameters {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	hashes := proto.HashSet{Hash: t.hash}
	if t.hashSet != nil {
		hashes = *t.hashSet
	}

	t.needSaveResumeData = false
	return proto.AddTransferParameters{
		Hashes:           hashes,
		Filename:         proto.String2ByteContainer(t.filename),
		Filesize:         t.size,
		Pieces:           t.picker.GetPieces(),
		DownloadedBlocks: t.picker.GetDownloadedBlocks(),
		Transferred:      t.transferred,
		Requested:        t.requested,
		Accepted:         t.accepted,
		Priority:         t.priority,
		SavedMtime:       t.savedMtime,
	}
}

// ApplyResume revives picker state from stored parameters.
func (t *Transfer) ApplyResume(atp *proto.AddTransferParameters) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.picker.ApplyResumeData(atp)
}

// Abort closes every connection and cancels pending work.
func (t *Transfer) Abort() {
	t.mutex.Lock()
	conns := append([]*PeerConnection{}, t.connections...)
	t.mutex.Unlock()

	t.setState(TRANSFER_STATE_ABORTED)
	for _, pc := range conns {
		pc.Close(ErrTransferAborted)
	}
}
