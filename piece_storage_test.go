package goed2k

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goed2k/goed2k/data"
	"github.com/goed2k/goed2k/proto"
)

func pendingBlockWithData(pieceIndex int, blockIndex int, fill byte, size int) *PendingBlock {
	pb := PendingBlock{block: data.PieceBlock{PieceIndex: pieceIndex, BlockIndex: blockIndex}}
	pb.data = bytes.Repeat([]byte{fill}, size)
	return &pb
}

func TestReceivingPieceOrder(t *testing.T) {
	rp := NewReceivingPiece()

	require.True(t, rp.InsertBlock(pendingBlockWithData(0, 2, 0xCC, 10)))
	require.True(t, rp.InsertBlock(pendingBlockWithData(0, 0, 0xAA, 10)))
	require.True(t, rp.InsertBlock(pendingBlockWithData(0, 1, 0xBB, 10)))

	// duplicates are refused
	require.False(t, rp.InsertBlock(pendingBlockWithData(0, 1, 0xEE, 10)))
	require.Equal(t, 3, rp.NumBlocks())

	for i, b := range rp.Blocks() {
		require.Equal(t, i, b.block.BlockIndex)
	}
}

// the rolling hash over out-of-order blocks equals the hash of the
// assembled piece
func TestReceivingPieceHash(t *testing.T) {
	one := bytes.Repeat([]byte{0x11}, 1000)
	two := bytes.Repeat([]byte{0x22}, 1000)
	three := bytes.Repeat([]byte{0x33}, 500)

	rp := NewReceivingPiece()
	b0 := &PendingBlock{block: data.PieceBlock{PieceIndex: 0, BlockIndex: 0}, data: one}
	b1 := &PendingBlock{block: data.PieceBlock{PieceIndex: 0, BlockIndex: 1}, data: two}
	b2 := &PendingBlock{block: data.PieceBlock{PieceIndex: 0, BlockIndex: 2}, data: three}

	rp.InsertBlock(b2)
	rp.InsertBlock(b0)
	rp.InsertBlock(b1)

	whole := append(append(append([]byte{}, one...), two...), three...)
	require.Equal(t, proto.Hash128(whole), rp.Hash())
}

func TestPendingBlockReceive(t *testing.T) {
	pb := CreatePendingBlock(data.PieceBlock{PieceIndex: 0, BlockIndex: 0}, 1000)
	require.Len(t, pb.data, 1000)
	require.False(t, pb.IsComplete())

	payload := bytes.Repeat([]byte{0x55}, 400)
	pb.Receive(payload, 0, 400)
	require.False(t, pb.IsComplete())

	payload2 := bytes.Repeat([]byte{0x66}, 600)
	pb.Receive(payload2, 400, 1000)
	require.True(t, pb.IsComplete())

	require.Equal(t, byte(0x55), pb.data[399])
	require.Equal(t, byte(0x66), pb.data[400])
}

// data beyond the block bounds is clipped
func TestPendingBlockReceiveClips(t *testing.T) {
	pb := CreatePendingBlock(data.PieceBlock{PieceIndex: 0, BlockIndex: 1}, 10*data.BLOCK_SIZE_UINT64)
	start := pb.block.Start()

	payload := bytes.Repeat([]byte{0x77}, data.BLOCK_SIZE+200)
	pb.Receive(payload, start-100, start-100+uint64(len(payload)))
	require.True(t, pb.IsComplete())
	require.Equal(t, byte(0x77), pb.data[0])
}
