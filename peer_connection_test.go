package goed2k

import (
	"bytes"
	"compress/zlib"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

func newTestSession(t *testing.T) *Session {
	settings := DefaultSettings()
	settings.KnownFile = ""
	s, err := NewSession(settings, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func seedTransfer(t *testing.T, s *Session, size int) (*Transfer, []byte) {
	content := bytes.Repeat([]byte{0x5A}, size)
	path := filepath.Join(s.savePath, "served.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	hs, err := proto.HashFile(bytes.NewReader(content), uint64(size))
	require.NoError(t, err)

	atp := proto.CreateAddTransferParameters(hs.Hash, uint64(size), "served.bin")
	atp.Hashes = hs
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)

	// the full check must find the file intact and flip to seeding
	deadline := time.Now().Add(5 * time.Second)
	for tr.State() != TRANSFER_STATE_SEEDING {
		require.True(t, time.Now().Before(deadline), "transfer never reached seeding, state %v", tr.State())
		time.Sleep(10 * time.Millisecond)
	}

	require.True(t, tr.CanShare())
	return tr, content
}

func readFrame(t *testing.T, conn net.Conn) (proto.PacketHeader, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	combiner := proto.PacketCombiner{}
	ph, body, err := combiner.Read(conn)
	require.NoError(t, err)
	out := make([]byte, len(body))
	copy(out, body)
	return ph, out
}

// an out-of-file request sends nothing but OUTOFPARTREQS
func TestRequestPartsClamped(t *testing.T) {
	s := newTestSession(t)
	tr, _ := seedTransfer(t, s, 1000)

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x01010101, Port: 1234}, local, true)
	require.Equal(t, 0, s.uploadQueue.Request(pc, 0, time.Now()))

	go func() {
		rp := proto.RequestParts{H: tr.Hash()}
		rp.BeginOffset[0] = 5000
		rp.EndOffset[0] = 6000
		pc.onRequestParts(rp)
	}()

	ph, _ := readFrame(t, remote)
	require.Equal(t, proto.OP_OUTOFPARTREQS, ph.Packet)
}

// an in-range request streams the exact bytes back
func TestRequestPartsServed(t *testing.T) {
	s := newTestSession(t)
	tr, content := seedTransfer(t, s, 1000)

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x01010101, Port: 1234}, local, true)
	require.Equal(t, 0, s.uploadQueue.Request(pc, 0, time.Now()))

	go func() {
		rp := proto.RequestParts{H: tr.Hash()}
		rp.BeginOffset[0] = 100
		rp.EndOffset[0] = 300
		pc.onRequestParts(rp)
	}()

	ph, body := readFrame(t, remote)
	require.Equal(t, proto.OP_SENDINGPART, ph.Packet)

	sp := proto.SendingPart{}
	sb := proto.StateBuffer{Data: body}
	sp.Get(&sb)
	require.NoError(t, sb.Error())
	require.Equal(t, uint64(100), sp.Begin)
	require.Equal(t, uint64(300), sp.End)
	require.Equal(t, content[100:300], body[sb.Offset():])
}

// a requester without a slot is turned away
func TestRequestPartsWithoutSlot(t *testing.T) {
	s := newTestSession(t)
	tr, _ := seedTransfer(t, s, 1000)

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x01010101, Port: 1234}, local, true)

	go func() {
		rp := proto.RequestParts{H: tr.Hash()}
		rp.BeginOffset[0] = 0
		rp.EndOffset[0] = 100
		pc.onRequestParts(rp)
	}()

	ph, _ := readFrame(t, remote)
	require.Equal(t, proto.OP_OUTOFPARTREQS, ph.Packet)
}

// unsolicited data never reaches a block buffer
func TestUnsolicitedPartDropped(t *testing.T) {
	s := newTestSession(t)
	tr, _ := seedTransfer(t, s, 1000)

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x01010101, Port: 1234}, nil, true)
	tr.AttachPeer(pc)

	pc.receiveData(0, 100, bytes.Repeat([]byte{0x01}, 100))
	require.Empty(t, pc.requestedBlocks)
}

func TestAppendPayloadWidensFrame(t *testing.T) {
	sp := proto.SendingPart{H: proto.EMULE, Begin: 0, End: 4}
	frame, err := proto.SerializePacket(proto.OP_EDONKEYPROT, proto.OP_SENDINGPART, &sp, false)
	require.NoError(t, err)

	full := appendPayload(frame, []byte{1, 2, 3, 4})
	ph := proto.PacketHeader{}
	ph.Read(full)
	require.Equal(t, uint32(len(full)-proto.HEADER_SIZE+1), ph.Bytes)
}

// several COMPRESSEDPART chunks concatenate into one zlib stream per
// range
func TestCompressedPartReassembly(t *testing.T) {
	s := newTestSession(t)

	size := uint64(data.BLOCK_SIZE)
	atp := proto.CreateAddTransferParameters(proto.LIBED2K, size, "dl.bin")
	tr, err := s.AddTransfer(atp)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for tr.State() == TRANSFER_STATE_CHECKING_FILES || tr.State() == TRANSFER_STATE_QUEUED_FOR_CHECKING {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(10 * time.Millisecond)
	}

	pc := NewPeerConnection(s, proto.Endpoint{Ip: 0x02020202, Port: 1234}, nil, true)
	tr.AttachPeer(pc)

	// hand the connection one requested block covering the whole file
	pb := CreatePendingBlock(data.PieceBlock{PieceIndex: 0, BlockIndex: 0}, size)
	pc.mutex.Lock()
	pc.requestedBlocks = append(pc.requestedBlocks, &pb)
	pc.mutex.Unlock()

	plain := bytes.Repeat([]byte{0x42}, int(size))
	var packed bytes.Buffer
	zw := zlib.NewWriter(&packed)
	zw.Write(plain)
	zw.Close()

	half := packed.Len() / 2
	first := proto.CompressedPart{H: tr.Hash(), Begin: 0, CompressedLength: uint32(half)}
	require.NoError(t, pc.onCompressedPart(first, packed.Bytes()[:half]))
	require.False(t, pb.IsComplete())

	second := proto.CompressedPart{H: tr.Hash(), Begin: 0, CompressedLength: uint32(packed.Len() - half)}
	require.NoError(t, pc.onCompressedPart(second, packed.Bytes()[half:]))

	deadline = time.Now().Add(5 * time.Second)
	for !pb.IsComplete() {
		require.True(t, time.Now().Before(deadline), "compressed range never completed")
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, plain, pb.data)
}
