package goed2k

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

func waitOutOfChecking(t *testing.T, tr *Transfer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tr.State() == TRANSFER_STATE_QUEUED_FOR_CHECKING || tr.State() == TRANSFER_STATE_CHECKING_FILES {
		require.True(t, time.Now().Before(deadline), "transfer stuck checking")
		time.Sleep(5 * time.Millisecond)
	}
}

func addBlockTransfer(t *testing.T, s *Session, hash proto.ED2KHash, pieceHash proto.ED2KHash) *Transfer {
	atp := proto.CreateAddTransferParameters(hash, data.BLOCK_SIZE_UINT64, "t.bin")
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)
	waitOutOfChecking(t, tr)

	tr.SetHashSet(proto.HashSet{Hash: hash, PieceHashes: []proto.ED2KHash{pieceHash}})
	return tr
}

func completedBlock(tr *Transfer, pc *PeerConnection, content []byte) *PendingBlock {
	blocks := tr.PickBlocks(1, pc.Peer())
	pb := CreatePendingBlock(blocks[0], tr.Size())
	pb.Receive(content, 0, uint64(len(content)))
	return &pb
}

// a good piece flips the transfer to seeding and alerts completion
func TestBlockReceivedCompletesTransfer(t *testing.T) {
	s := newTestSession(t)

	content := bytes.Repeat([]byte{0x33}, data.BLOCK_SIZE)
	pieceHash := proto.Hash128(content)
	tr := addBlockTransfer(t, s, proto.EMULE, pieceHash)

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x0A0A0A0A, Port: 4662}, nil, true)
	tr.AttachPeer(pc)

	pb := completedBlock(tr, pc, content)
	require.True(t, pb.IsComplete())

	tr.OnBlockReceived(pc, pb)

	require.Equal(t, TRANSFER_STATE_SEEDING, tr.State())
	require.True(t, tr.IsFinished())

	completed := false
	for _, a := range s.alerts.PopAll() {
		if _, ok := a.(TransferCompletedAlert); ok {
			completed = true
		}
	}

	require.True(t, completed, "completion alert missing")
}

// a bad piece is re-requested, never marked have, and taints the peer
func TestBlockReceivedHashFailure(t *testing.T) {
	s := newTestSession(t)

	content := bytes.Repeat([]byte{0x33}, data.BLOCK_SIZE)
	tr := addBlockTransfer(t, s, proto.EMULE, proto.LIBED2K)

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x0A0A0A0A, Port: 4662}, nil, true)
	tr.AttachPeer(pc)

	pb := completedBlock(tr, pc, content)
	tr.OnBlockReceived(pc, pb)

	require.NotEqual(t, TRANSFER_STATE_SEEDING, tr.State())
	require.False(t, tr.IsFinished())
	require.False(t, tr.Pieces().GetBit(0))
	require.False(t, pc.Peer().Trusted)

	failed := false
	for _, a := range s.alerts.PopAll() {
		if _, ok := a.(PieceFailedAlert); ok {
			failed = true
		}
	}

	require.True(t, failed, "piece failed alert missing")

	// the block is pickable again
	require.Len(t, tr.PickBlocks(1, pc.Peer()), 1)
}

// the third consecutive bad piece drops the peer
func TestThreeHashFailuresDropPeer(t *testing.T) {
	s := newTestSession(t)

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x0A0A0A0A, Port: 4662}, nil, true)
	pc.OnHashFailed()
	pc.OnHashFailed()
	require.NotEqual(t, PEER_STATE_CLOSING, pc.State())

	pc.OnHashFailed()
	require.Equal(t, PEER_STATE_CLOSING, pc.State())
	require.ErrorIs(t, pc.LastError(), ErrFailedHashCheck)
}

func TestPauseResume(t *testing.T) {
	s := newTestSession(t)
	atp := proto.CreateAddTransferParameters(proto.EMULE, 1000, "p.bin")
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)
	waitOutOfChecking(t, tr)

	tr.Pause()
	require.Equal(t, TRANSFER_STATE_PAUSED, tr.State())
	require.True(t, tr.IsPaused())
	require.False(t, tr.CanShare())
	require.Empty(t, tr.PickBlocks(1, nil))

	tr.Resume()
	require.Equal(t, TRANSFER_STATE_DOWNLOADING, tr.State())
}

func TestParamsSnapshot(t *testing.T) {
	s := newTestSession(t)
	atp := proto.CreateAddTransferParameters(proto.EMULE, data.BLOCK_SIZE_UINT64, "snap.bin")
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)
	waitOutOfChecking(t, tr)

	params := tr.Params()
	require.Equal(t, proto.EMULE, params.Hashes.Hash)
	require.Equal(t, data.BLOCK_SIZE_UINT64, params.Filesize)
	require.Equal(t, "snap.bin", params.Filename.ToString())
	require.False(t, tr.NeedSaveResumeData())
}

func TestWriteErrorSwitchesUploadOnly(t *testing.T) {
	s := newTestSession(t)
	atp := proto.CreateAddTransferParameters(proto.EMULE, 1000, "w.bin")
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)
	waitOutOfChecking(t, tr)

	tr.OnWriteError(ErrFileTruncated)
	require.Empty(t, tr.PickBlocks(1, nil))

	failed := false
	for _, a := range s.alerts.PopAll() {
		if _, ok := a.(TransferErrorAlert); ok {
			failed = true
		}
	}

	require.True(t, failed, "transfer error alert missing")
}
