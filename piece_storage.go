package goed2k

import (
	"hash"

	"golang.org/x/crypto/md4"

	"github.com/goed2k/goed2k/proto"
)

// ReceivingPiece accumulates the blocks of one piece in index order and
// feeds the rolling hash as soon as the next expected block lands, so a
// completed piece verifies without a re-read.
type ReceivingPiece struct {
	hash           hash.Hash
	blocks         []*PendingBlock
	hashBlockIndex int
}

func NewReceivingPiece() *ReceivingPiece {
	return &ReceivingPiece{hash: md4.New(), blocks: make([]*PendingBlock, 0)}
}

func (rp *ReceivingPiece) InsertBlock(pb *PendingBlock) bool {
	skipBlocks := 0
	for _, x := range rp.blocks {
		if x.block.BlockIndex == pb.block.BlockIndex {
			return false
		}
		if x.block.BlockIndex < pb.block.BlockIndex {
			skipBlocks++
		} else {
			break
		}
	}

	switch skipBlocks {
	case 0:
		rp.blocks = append([]*PendingBlock{pb}, rp.blocks...)
	case len(rp.blocks):
		rp.blocks = append(rp.blocks, pb)
	default:
		rp.blocks = append(rp.blocks[:skipBlocks+1], rp.blocks[skipBlocks:]...)
		rp.blocks[skipBlocks] = pb
	}

	for _, x := range rp.blocks {
		// blocks below the watermark are hashed already
		if x.block.BlockIndex < rp.hashBlockIndex {
			continue
		}

		if rp.hashBlockIndex != x.block.BlockIndex {
			break
		}

		rp.hash.Write(x.data)
		rp.hashBlockIndex++
	}

	return true
}

func (rp *ReceivingPiece) NumBlocks() int {
	return len(rp.blocks)
}

func (rp *ReceivingPiece) Blocks() []*PendingBlock {
	return rp.blocks
}

func (rp *ReceivingPiece) Hash() proto.ED2KHash {
	h := proto.ED2KHash{}
	rp.hash.Sum(h[:0])
	return h
}
